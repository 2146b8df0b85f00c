// Package report takes heap and thread snapshots of a VM and encodes them
// as canonical CBOR.
package report

import (
	"fmt"
	"time"

	"github.com/chazu/ilya/vm"
	"github.com/fxamacker/cbor/v2"
)

var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("report: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Report is a snapshot of one VM.
type Report struct {
	VM         string            `cbor:"vm"`
	Label      string            `cbor:"label,omitempty"`
	Taken      time.Time         `cbor:"taken"`
	Mode       string            `cbor:"mode"`
	Phase      string            `cbor:"phase"`
	Running    bool              `cbor:"running"`
	Params     vm.GCParams       `cbor:"params"`
	TotalBytes int64             `cbor:"total_bytes"`
	Debt       int64             `cbor:"debt"`
	Stats      vm.GCStats        `cbor:"stats"`
	Census     []vm.CensusEntry  `cbor:"census"`
	Threads    []Thread          `cbor:"threads,omitempty"`
	Extra      map[string]string `cbor:"extra,omitempty"`
}

// Thread describes one thread at snapshot time.
type Thread struct {
	Status    string `cbor:"status"`
	Depth     int    `cbor:"depth"`
	Traceback string `cbor:"traceback"`
}

// Take snapshots g and the given threads. The main thread is always
// included first.
func Take(g *vm.VM, label string, threads ...*vm.Thread) *Report {
	r := &Report{
		VM:         g.ID().String(),
		Label:      label,
		Taken:      time.Now().UTC().Truncate(time.Second),
		Mode:       g.Mode(),
		Phase:      g.Phase(),
		Running:    g.IsRunning(),
		Params:     g.Params(),
		TotalBytes: g.TotalBytes(),
		Debt:       g.Debt(),
		Stats:      g.Stats(),
		Census:     g.Census(),
	}
	main := g.MainThread()
	r.Threads = append(r.Threads, threadInfo(main))
	for _, th := range threads {
		if th != main {
			r.Threads = append(r.Threads, threadInfo(th))
		}
	}
	return r
}

func threadInfo(th *vm.Thread) Thread {
	return Thread{
		Status:    th.Status().String(),
		Depth:     th.StackDepth(),
		Traceback: th.Traceback("", 0),
	}
}

// Live sums the census.
func (r *Report) Live() (count, bytes int64) {
	for _, e := range r.Census {
		count += e.Count
		bytes += e.Bytes
	}
	return count, bytes
}

// Marshal serializes a Report to canonical CBOR bytes.
func Marshal(r *Report) ([]byte, error) {
	return cborEncMode.Marshal(r)
}

// Unmarshal deserializes a Report from CBOR bytes.
func Unmarshal(data []byte) (*Report, error) {
	var r Report
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("report: unmarshal: %w", err)
	}
	return &r, nil
}

// MarshalAll serializes a batch of reports as one CBOR array.
func MarshalAll(rs []*Report) ([]byte, error) {
	return cborEncMode.Marshal(rs)
}

// UnmarshalAll deserializes a batch written by MarshalAll.
func UnmarshalAll(data []byte) ([]*Report, error) {
	var rs []*Report
	if err := cbor.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("report: unmarshal batch: %w", err)
	}
	return rs, nil
}
