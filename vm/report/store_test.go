package report

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/chazu/ilya/vm"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenStore(filepath.Join(t.TempDir(), "reports.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStoreSaveLoad(t *testing.T) {
	s := openStore(t)
	g := newVM(t)
	g.MainThread().NewTable()

	r := Take(g, "one table")
	id, err := s.Save(r)
	if err != nil {
		t.Fatal(err)
	}
	got, err := s.Load(id)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(r, got, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("loaded report (-want +got):\n%s", diff)
	}

	if _, err := s.Load(id + 100); !errors.Is(err, ErrReportNotFound) {
		t.Errorf("Load of a missing id: err = %v", err)
	}
}

func TestStoreList(t *testing.T) {
	s := openStore(t)
	a, b := newVM(t), newVM(t)

	if err := s.SaveAll([]*Report{Take(a, "a1"), Take(b, "b1"), Take(a, "a2")}); err != nil {
		t.Fatal(err)
	}

	all, err := s.List("")
	if err != nil {
		t.Fatal(err)
	}
	var labels []string
	for _, e := range all {
		labels = append(labels, e.Label)
	}
	if diff := cmp.Diff([]string{"a1", "b1", "a2"}, labels); diff != "" {
		t.Errorf("labels (-want +got):\n%s", diff)
	}

	onlyA, err := s.List(a.ID().String())
	if err != nil {
		t.Fatal(err)
	}
	if len(onlyA) != 2 || onlyA[0].Label != "a1" || onlyA[1].Label != "a2" {
		t.Errorf("List(a) = %+v", onlyA)
	}
	for _, e := range onlyA {
		if e.VM != a.ID().String() || e.Mode != vm.ModeIncremental || e.TotalBytes <= 0 {
			t.Errorf("entry %+v", e)
		}
	}
}
