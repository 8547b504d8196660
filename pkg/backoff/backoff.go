// Package backoff computes retry delays. The calculator is a pure function
// of (attempt, config) except for the DECORRELATED_JITTER strategy, which
// keeps per-calculator state, and the jitter modes, which draw from the
// calculator's RNG.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

// Strategy selects how the delay grows with the attempt number.
type Strategy string

const (
	StrategyFixed                 Strategy = "FIXED"
	StrategyLinear                Strategy = "LINEAR"
	StrategyExponential           Strategy = "EXPONENTIAL"
	StrategyExponentialWithJitter Strategy = "EXPONENTIAL_WITH_JITTER"
	StrategyFibonacci             Strategy = "FIBONACCI"
	StrategyDecorrelatedJitter    Strategy = "DECORRELATED_JITTER"
)

// JitterMode selects how jitter perturbs the computed delay.
type JitterMode string

const (
	// JitterFull draws uniformly from [0, delay].
	JitterFull JitterMode = "full"
	// JitterPartial perturbs the delay by up to +/- delay*factor.
	JitterPartial JitterMode = "partial"
)

// Config parameterizes the delay computation.
type Config struct {
	Strategy        Strategy
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	ExponentialBase float64
	JitterMode      JitterMode
	JitterFactor    float64
}

// Named presets.
const (
	PresetAggressive   = "AGGRESSIVE"
	PresetStandard     = "STANDARD"
	PresetConservative = "CONSERVATIVE"
)

var presets = map[string]Config{
	PresetAggressive: {
		Strategy:        StrategyExponentialWithJitter,
		InitialDelay:    100 * time.Millisecond,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
		JitterMode:      JitterPartial,
		JitterFactor:    0.2,
	},
	PresetStandard: {
		Strategy:        StrategyExponentialWithJitter,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		ExponentialBase: 2.0,
		JitterMode:      JitterPartial,
		JitterFactor:    0.1,
	},
	PresetConservative: {
		Strategy:        StrategyExponential,
		InitialDelay:    2 * time.Second,
		MaxDelay:        60 * time.Second,
		ExponentialBase: 1.5,
		JitterMode:      JitterPartial,
		JitterFactor:    0.05,
	},
}

// Preset returns a named preset config.
func Preset(name string) (Config, bool) {
	cfg, ok := presets[name]
	return cfg, ok
}

// Calculator computes delays. Safe for concurrent use; the decorrelated
// jitter state and the RNG are guarded by an internal mutex.
type Calculator struct {
	mu   sync.Mutex
	rng  *rand.Rand
	last time.Duration
}

// NewCalculator returns a calculator seeded from the wall clock.
func NewCalculator() *Calculator {
	return NewCalculatorWithSeed(time.Now().UnixNano())
}

// NewCalculatorWithSeed returns a calculator with a deterministic RNG,
// intended for tests.
func NewCalculatorWithSeed(seed int64) *Calculator {
	return &Calculator{
		rng: rand.New(rand.NewSource(seed)),
	}
}

// Delay computes the wait before the next attempt. attempt counts completed
// attempts, so the first retry passes attempt=1. The result is clamped to
// [0, cfg.MaxDelay].
func (c *Calculator) Delay(attempt int, cfg Config) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 60 * time.Second
	}
	if cfg.ExponentialBase <= 1 {
		cfg.ExponentialBase = 2.0
	}

	var delay time.Duration
	switch cfg.Strategy {
	case StrategyFixed:
		delay = cfg.InitialDelay
	case StrategyLinear:
		delay = time.Duration(int64(cfg.InitialDelay) * int64(attempt))
	case StrategyExponential:
		delay = c.exponential(attempt, cfg)
	case StrategyExponentialWithJitter:
		delay = c.applyJitter(c.exponential(attempt, cfg), cfg)
	case StrategyFibonacci:
		delay = time.Duration(int64(cfg.InitialDelay) * fibonacci(attempt))
	case StrategyDecorrelatedJitter:
		delay = c.decorrelated(cfg)
	default:
		delay = c.exponential(attempt, cfg)
	}

	if delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

func (c *Calculator) exponential(attempt int, cfg Config) time.Duration {
	d := float64(cfg.InitialDelay) * math.Pow(cfg.ExponentialBase, float64(attempt-1))
	if d > float64(cfg.MaxDelay) {
		return cfg.MaxDelay
	}
	return time.Duration(d)
}

func (c *Calculator) applyJitter(delay time.Duration, cfg Config) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch cfg.JitterMode {
	case JitterFull:
		if delay <= 0 {
			return 0
		}
		return time.Duration(c.rng.Int63n(int64(delay) + 1))
	case JitterPartial:
		factor := cfg.JitterFactor
		if factor <= 0 {
			factor = 0.1
		}
		jitter := float64(delay) * factor * (c.rng.Float64()*2 - 1)
		return time.Duration(float64(delay) + jitter)
	default:
		return delay
	}
}

// decorrelated implements last = uniform(initial, last*3), the per-caller
// stateful strategy from the AWS architecture blog.
func (c *Calculator) decorrelated(cfg Config) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.last < cfg.InitialDelay {
		c.last = cfg.InitialDelay
	}
	upper := int64(c.last) * 3
	lower := int64(cfg.InitialDelay)
	if upper <= lower {
		c.last = cfg.InitialDelay
		return c.last
	}
	c.last = time.Duration(lower + c.rng.Int63n(upper-lower))
	if c.last > cfg.MaxDelay {
		c.last = cfg.MaxDelay
	}
	return c.last
}

// Reset clears the decorrelated jitter state after a successful call.
func (c *Calculator) Reset() {
	c.mu.Lock()
	c.last = 0
	c.mu.Unlock()
}

func fibonacci(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
		if b < 0 {
			// overflow; the caller clamps to MaxDelay anyway
			return math.MaxInt64
		}
	}
	return b
}
