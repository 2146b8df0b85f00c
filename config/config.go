// Package config handles ilya.toml runtime configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/tliron/commonlog"
)

// FileName is the configuration file looked up by Load and FindAndLoad.
const FileName = "ilya.toml"

var log = commonlog.GetLogger("ilya.config")

// Collector modes accepted in [gc] mode.
const (
	ModeIncremental  = "incremental"
	ModeGenerational = "generational"
)

// Defaults applied to fields left out of the file.
const (
	DefaultPause       = 250
	DefaultStepMul     = 200
	DefaultStepSize    = 3200
	DefaultMinorMul    = 20
	DefaultMinorMajor  = 70
	DefaultMajorMinor  = 50
	DefaultMaxCCalls   = 200
	DefaultMaxStack    = 1000000
	DefaultMaxShortLen = 40
	DefaultVerbosity   = 0
)

// Config represents an ilya.toml file.
type Config struct {
	GC      GC      `toml:"gc"`
	Limits  Limits  `toml:"limits"`
	Log     Log     `toml:"log"`
	Strings Strings `toml:"strings"`

	// Path is the file the configuration was read from (set at load time).
	Path string `toml:"-"`
}

// GC configures the collector. Parameters are percentages except
// StepSize, which is in bytes.
type GC struct {
	Mode       string `toml:"mode"`
	Pause      int    `toml:"pause"`
	StepMul    int    `toml:"stepmul"`
	StepSize   int    `toml:"stepsize"`
	MinorMul   int    `toml:"minormul"`
	MinorMajor int    `toml:"minormajor"`
	MajorMinor int    `toml:"majorminor"`
}

// Limits bounds call depth, stack size and accounted memory.
type Limits struct {
	MaxCCalls  int   `toml:"maxccalls"`
	MaxStack   int   `toml:"maxstack"`
	AllocLimit int64 `toml:"alloclimit"`
}

// Log configures commonlog.
type Log struct {
	Verbosity int    `toml:"verbosity"`
	File      string `toml:"file"`
}

// Strings configures the string interner.
type Strings struct {
	MaxShortLen int    `toml:"maxshortlen"`
	Seed        uint32 `toml:"seed"`
}

// Default returns the configuration used when there is no file.
func Default() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

func (c *Config) applyDefaults() {
	if c.GC.Mode == "" {
		c.GC.Mode = ModeIncremental
	}
	if c.GC.Pause == 0 {
		c.GC.Pause = DefaultPause
	}
	if c.GC.StepMul == 0 {
		c.GC.StepMul = DefaultStepMul
	}
	if c.GC.StepSize == 0 {
		c.GC.StepSize = DefaultStepSize
	}
	if c.GC.MinorMul == 0 {
		c.GC.MinorMul = DefaultMinorMul
	}
	if c.GC.MinorMajor == 0 {
		c.GC.MinorMajor = DefaultMinorMajor
	}
	if c.GC.MajorMinor == 0 {
		c.GC.MajorMinor = DefaultMajorMinor
	}
	if c.Limits.MaxCCalls == 0 {
		c.Limits.MaxCCalls = DefaultMaxCCalls
	}
	if c.Limits.MaxStack == 0 {
		c.Limits.MaxStack = DefaultMaxStack
	}
	if c.Strings.MaxShortLen == 0 {
		c.Strings.MaxShortLen = DefaultMaxShortLen
	}
}

// Parse decodes configuration text. Missing fields get their defaults.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := toml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	c.applyDefaults()
	return &c, nil
}

// Load parses the ilya.toml file in dir.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	c, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	c.Path, err = filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", path, err)
	}
	log.Debugf("loaded %s", c.Path)
	return c, nil
}

// FindAndLoad walks up from startDir to find an ilya.toml file and loads
// it. It returns nil, nil when there is none.
func FindAndLoad(startDir string) (*Config, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		if _, err := os.Stat(filepath.Join(dir, FileName)); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, nil
		}
		dir = parent
	}
}

// Validate reports the first out-of-range parameter.
func (c *Config) Validate() error {
	switch c.GC.Mode {
	case ModeIncremental, ModeGenerational:
	default:
		return fmt.Errorf("gc.mode: unknown mode %q", c.GC.Mode)
	}
	checks := []struct {
		name string
		val  int
		min  int
	}{
		{"gc.pause", c.GC.Pause, 1},
		{"gc.stepmul", c.GC.StepMul, 1},
		{"gc.stepsize", c.GC.StepSize, 1},
		{"gc.minormul", c.GC.MinorMul, 1},
		{"gc.minormajor", c.GC.MinorMajor, 1},
		{"gc.majorminor", c.GC.MajorMinor, 1},
		{"limits.maxccalls", c.Limits.MaxCCalls, 10},
		{"limits.maxstack", c.Limits.MaxStack, 100},
		{"strings.maxshortlen", c.Strings.MaxShortLen, 1},
	}
	for _, ch := range checks {
		if ch.val < ch.min {
			return fmt.Errorf("%s: %d is below the minimum %d", ch.name, ch.val, ch.min)
		}
	}
	if c.GC.MinorMul > 100 {
		return fmt.Errorf("gc.minormul: %d is above 100", c.GC.MinorMul)
	}
	if c.Limits.AllocLimit < 0 {
		return fmt.Errorf("limits.alloclimit: negative limit %d", c.Limits.AllocLimit)
	}
	if c.Log.Verbosity < -4 || c.Log.Verbosity > 5 {
		return fmt.Errorf("log.verbosity: %d out of range", c.Log.Verbosity)
	}
	return nil
}
