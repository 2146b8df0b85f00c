package vm

import (
	"github.com/chazu/ilya/config"
)

// GC modes.
const (
	ModeIncremental  = config.ModeIncremental
	ModeGenerational = config.ModeGenerational
)

// Options configures a VM instance. The zero value of a field selects its
// default.
type Options struct {
	// GCMode is ModeIncremental or ModeGenerational.
	GCMode string

	// Incremental collector: pause between cycles and work per step, both
	// as percentages, and the step granularity in bytes.
	Pause    int
	StepMul  int
	StepSize int

	// Generational collector: young-generation allowance, promotion ratio
	// that triggers a major collection, and the minimum share of objects a
	// major collection must free to return to minor collections. All are
	// percentages.
	MinorMul   int
	MinorMajor int
	MajorMinor int

	// MaxCCalls limits nested host-level calls.
	MaxCCalls int
	// MaxStack limits the number of slots of a thread's stack.
	MaxStack int
	// MaxShortLen is the longest interned string.
	MaxShortLen int
	// Seed for string hashing; 0 picks one at random.
	Seed uint32
	// AllocLimit simulates a memory ceiling in accounted bytes; 0 disables it.
	AllocLimit int64
}

// Defaults.
const (
	DefaultPause      = config.DefaultPause
	DefaultStepMul    = config.DefaultStepMul
	DefaultStepSize   = config.DefaultStepSize
	DefaultMinorMul   = config.DefaultMinorMul
	DefaultMinorMajor = config.DefaultMinorMajor
	DefaultMajorMinor = config.DefaultMajorMinor
	DefaultMaxCCalls  = config.DefaultMaxCCalls
	DefaultMaxStack   = config.DefaultMaxStack

	// DefaultMaxShortLen is the longest string that is interned.
	DefaultMaxShortLen = config.DefaultMaxShortLen
)

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	var o Options
	o.applyDefaults()
	return o
}

func (o *Options) applyDefaults() {
	if o.GCMode == "" {
		o.GCMode = ModeIncremental
	}
	if o.Pause == 0 {
		o.Pause = DefaultPause
	}
	if o.StepMul == 0 {
		o.StepMul = DefaultStepMul
	}
	if o.StepSize == 0 {
		o.StepSize = DefaultStepSize
	}
	if o.MinorMul == 0 {
		o.MinorMul = DefaultMinorMul
	}
	if o.MinorMajor == 0 {
		o.MinorMajor = DefaultMinorMajor
	}
	if o.MajorMinor == 0 {
		o.MajorMinor = DefaultMajorMinor
	}
	if o.MaxCCalls == 0 {
		o.MaxCCalls = DefaultMaxCCalls
	}
	if o.MaxStack == 0 {
		o.MaxStack = DefaultMaxStack
	}
	if o.MaxShortLen == 0 {
		o.MaxShortLen = DefaultMaxShortLen
	}
}

// OptionsFromConfig maps a loaded configuration onto runtime options.
func OptionsFromConfig(c *config.Config) Options {
	o := Options{
		GCMode:      c.GC.Mode,
		Pause:       c.GC.Pause,
		StepMul:     c.GC.StepMul,
		StepSize:    c.GC.StepSize,
		MinorMul:    c.GC.MinorMul,
		MinorMajor:  c.GC.MinorMajor,
		MajorMinor:  c.GC.MajorMinor,
		MaxCCalls:   c.Limits.MaxCCalls,
		MaxStack:    c.Limits.MaxStack,
		MaxShortLen: c.Strings.MaxShortLen,
		Seed:        c.Strings.Seed,
		AllocLimit:  c.Limits.AllocLimit,
	}
	o.applyDefaults()
	return o
}
