package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	tomlContent := `
[gc]
mode = "generational"
pause = 150
minormul = 25

[limits]
maxccalls = 120
alloclimit = 1048576

[log]
verbosity = 2
file = "ilya.log"

[strings]
seed = 7
`
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte(tomlContent), 0644); err != nil {
		t.Fatal(err)
	}

	c, err := Load(dir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	want := &Config{
		GC: GC{
			Mode:       ModeGenerational,
			Pause:      150,
			StepMul:    DefaultStepMul,
			StepSize:   DefaultStepSize,
			MinorMul:   25,
			MinorMajor: DefaultMinorMajor,
			MajorMinor: DefaultMajorMinor,
		},
		Limits:  Limits{MaxCCalls: 120, MaxStack: DefaultMaxStack, AllocLimit: 1 << 20},
		Log:     Log{Verbosity: 2, File: "ilya.log"},
		Strings: Strings{MaxShortLen: DefaultMaxShortLen, Seed: 7},
	}
	if diff := cmp.Diff(want, c, cmpopts.IgnoreFields(Config{}, "Path")); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
	if !filepath.IsAbs(c.Path) || filepath.Base(c.Path) != FileName {
		t.Errorf("path = %q, want absolute path to %s", c.Path, FileName)
	}
}

func TestDefault(t *testing.T) {
	c := Default()
	if c.GC.Mode != ModeIncremental {
		t.Errorf("mode = %q, want %q", c.GC.Mode, ModeIncremental)
	}
	if c.GC.Pause != DefaultPause || c.Limits.MaxCCalls != DefaultMaxCCalls {
		t.Errorf("defaults not applied: %+v", c)
	}
	if err := c.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !os.IsNotExist(errorsUnwrapAll(err)) {
		t.Errorf("error = %v, want a not-exist error", err)
	}
}

func errorsUnwrapAll(err error) error {
	for {
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return err
		}
		err = u.Unwrap()
	}
}

func TestLoadParseError(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[gc\nmode = 1"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(dir)
	if err == nil || !strings.Contains(err.Error(), "parse error") {
		t.Errorf("error = %v, want parse error", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		edit  func(*Config)
		field string
	}{
		{"bad mode", func(c *Config) { c.GC.Mode = "stop-the-world" }, "gc.mode"},
		{"negative pause", func(c *Config) { c.GC.Pause = -1 }, "gc.pause"},
		{"tiny ccalls", func(c *Config) { c.Limits.MaxCCalls = 3 }, "limits.maxccalls"},
		{"minormul over 100", func(c *Config) { c.GC.MinorMul = 101 }, "gc.minormul"},
		{"negative alloclimit", func(c *Config) { c.Limits.AllocLimit = -5 }, "limits.alloclimit"},
		{"verbosity", func(c *Config) { c.Log.Verbosity = 9 }, "log.verbosity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.edit(c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.HasPrefix(err.Error(), tt.field) {
				t.Errorf("error = %q, want prefix %q", err, tt.field)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, FileName), []byte("[gc]\nmode = \"other\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(dir); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}

func TestFindAndLoad(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, FileName), []byte("[gc]\npause = 300\n"), 0644); err != nil {
		t.Fatal(err)
	}
	nested := filepath.Join(root, "a", "b", "c")
	if err := os.MkdirAll(nested, 0755); err != nil {
		t.Fatal(err)
	}

	c, err := FindAndLoad(nested)
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c == nil {
		t.Fatal("expected config, got nil")
	}
	if c.GC.Pause != 300 {
		t.Errorf("pause = %d, want 300", c.GC.Pause)
	}
}

func TestFindAndLoadNone(t *testing.T) {
	// no ilya.toml anywhere up to / is assumed for a fresh temp dir
	c, err := FindAndLoad(t.TempDir())
	if err != nil {
		t.Fatalf("FindAndLoad failed: %v", err)
	}
	if c != nil && c.Path == "" {
		t.Errorf("unexpected config without path: %+v", c)
	}
}
