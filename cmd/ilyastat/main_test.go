package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/chazu/ilya/config"
	"github.com/chazu/ilya/vm"
	"github.com/chazu/ilya/vm/report"
)

func TestRun(t *testing.T) {
	ro := runOptions{instances: 3, parallel: 2, rounds: 2, iters: 500}
	reports, err := run(context.Background(), config.Default(), ro)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(reports) != 3 {
		t.Fatalf("got %d reports, want 3", len(reports))
	}
	seen := map[string]bool{}
	for i, r := range reports {
		if r == nil {
			t.Fatalf("report %d missing", i)
		}
		if seen[r.VM] {
			t.Errorf("report %d reuses vm id %s", i, r.VM)
		}
		seen[r.VM] = true
		if r.Extra["iters"] != "500" {
			t.Errorf("report %d extra = %v", i, r.Extra)
		}
	}
}

func TestRunGenerational(t *testing.T) {
	ro := runOptions{instances: 1, rounds: 3, iters: 2000, mode: vm.ModeGenerational}
	reports, err := run(context.Background(), config.Default(), ro)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	r := reports[0]
	if r.Mode != vm.ModeGenerational {
		t.Errorf("mode = %q, want %q", r.Mode, vm.ModeGenerational)
	}
	if r.Stats.Steps == 0 {
		t.Error("expected collector steps during the workload")
	}
}

func TestRunInterrupted(t *testing.T) {
	ro := runOptions{instances: 2, rounds: 1 << 20, iters: 1 << 20, timeout: 20 * time.Millisecond}
	_, err := run(context.Background(), config.Default(), ro)
	if err == nil {
		t.Fatal("expected the timeout to stop the run")
	}
	if !strings.Contains(err.Error(), "interrupted!") && !strings.Contains(err.Error(), "deadline") {
		t.Errorf("error = %v, want an interruption", err)
	}
}

func TestPrintSummary(t *testing.T) {
	ro := runOptions{instances: 2, rounds: 1, iters: 100}
	reports, err := run(context.Background(), config.Default(), ro)
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	printSummary(&buf, reports)
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("summary has %d lines, want 3:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[1], "instance 0") {
		t.Errorf("first row = %q", lines[1])
	}
}

func TestSaveReportsAppends(t *testing.T) {
	ro := runOptions{instances: 2, rounds: 1, iters: 100}
	reports, err := run(context.Background(), config.Default(), ro)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "reports.db")
	for i := 0; i < 2; i++ {
		if err := saveReports(path, reports); err != nil {
			t.Fatalf("save %d: %v", i, err)
		}
	}

	s, err := report.OpenStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	entries, err := s.List("")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 4 {
		t.Errorf("stored %d reports, want 4", len(entries))
	}
}
