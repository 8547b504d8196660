package backoff

import (
	"testing"
	"time"
)

func TestFixedStrategy(t *testing.T) {
	calc := NewCalculatorWithSeed(1)
	cfg := Config{Strategy: StrategyFixed, InitialDelay: 2 * time.Second, MaxDelay: time.Minute}

	for attempt := 1; attempt <= 5; attempt++ {
		if d := calc.Delay(attempt, cfg); d != 2*time.Second {
			t.Errorf("attempt %d: got %v, want 2s", attempt, d)
		}
	}
}

func TestLinearStrategy(t *testing.T) {
	calc := NewCalculatorWithSeed(1)
	cfg := Config{Strategy: StrategyLinear, InitialDelay: time.Second, MaxDelay: time.Minute}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 3 * time.Second},
		{5, 5 * time.Second},
	}
	for _, tt := range tests {
		if d := calc.Delay(tt.attempt, cfg); d != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, d, tt.want)
		}
	}
}

func TestExponentialStrategy(t *testing.T) {
	calc := NewCalculatorWithSeed(1)
	cfg := Config{
		Strategy:        StrategyExponential,
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
	}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
	}
	for _, tt := range tests {
		if d := calc.Delay(tt.attempt, cfg); d != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, d, tt.want)
		}
	}
}

func TestExponentialCappedAtMax(t *testing.T) {
	calc := NewCalculatorWithSeed(1)
	cfg := Config{
		Strategy:        StrategyExponential,
		InitialDelay:    time.Second,
		MaxDelay:        10 * time.Second,
		ExponentialBase: 2.0,
	}

	if d := calc.Delay(30, cfg); d != 10*time.Second {
		t.Errorf("expected cap at 10s, got %v", d)
	}
}

func TestFibonacciStrategy(t *testing.T) {
	calc := NewCalculatorWithSeed(1)
	cfg := Config{Strategy: StrategyFibonacci, InitialDelay: time.Second, MaxDelay: time.Hour}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 1 * time.Second},
		{2, 1 * time.Second},
		{3, 2 * time.Second},
		{4, 3 * time.Second},
		{5, 5 * time.Second},
		{6, 8 * time.Second},
	}
	for _, tt := range tests {
		if d := calc.Delay(tt.attempt, cfg); d != tt.want {
			t.Errorf("attempt %d: got %v, want %v", tt.attempt, d, tt.want)
		}
	}
}

func TestFullJitterStaysInRange(t *testing.T) {
	calc := NewCalculatorWithSeed(42)
	cfg := Config{
		Strategy:        StrategyExponentialWithJitter,
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		JitterMode:      JitterFull,
	}

	for i := 0; i < 200; i++ {
		d := calc.Delay(3, cfg)
		if d < 0 || d > 4*time.Second {
			t.Fatalf("full jitter out of range [0, 4s]: %v", d)
		}
	}
}

func TestPartialJitterStaysInRange(t *testing.T) {
	calc := NewCalculatorWithSeed(42)
	cfg := Config{
		Strategy:        StrategyExponentialWithJitter,
		InitialDelay:    time.Second,
		MaxDelay:        time.Minute,
		ExponentialBase: 2.0,
		JitterMode:      JitterPartial,
		JitterFactor:    0.25,
	}

	base := 4 * time.Second
	lo := time.Duration(float64(base) * 0.75)
	hi := time.Duration(float64(base) * 1.25)
	for i := 0; i < 200; i++ {
		d := calc.Delay(3, cfg)
		if d < lo || d > hi {
			t.Fatalf("partial jitter out of range [%v, %v]: %v", lo, hi, d)
		}
	}
}

func TestDecorrelatedJitterBounds(t *testing.T) {
	calc := NewCalculatorWithSeed(7)
	cfg := Config{
		Strategy:     StrategyDecorrelatedJitter,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
	}

	last := cfg.InitialDelay
	for i := 0; i < 100; i++ {
		d := calc.Delay(i+1, cfg)
		if d < cfg.InitialDelay && d != cfg.MaxDelay {
			t.Fatalf("decorrelated delay %v below initial %v", d, cfg.InitialDelay)
		}
		if d > cfg.MaxDelay {
			t.Fatalf("decorrelated delay %v above max %v", d, cfg.MaxDelay)
		}
		// Next draw is bounded by triple the previous state.
		if d > 3*last && d != cfg.MaxDelay {
			t.Fatalf("decorrelated delay %v exceeds 3x previous %v", d, last)
		}
		last = d
	}
}

func TestDecorrelatedJitterReset(t *testing.T) {
	calc := NewCalculatorWithSeed(7)
	cfg := Config{
		Strategy:     StrategyDecorrelatedJitter,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}

	for i := 0; i < 10; i++ {
		calc.Delay(i+1, cfg)
	}
	calc.Reset()
	// After reset the state is back at the initial delay, so the next draw
	// cannot exceed 3x initial.
	if d := calc.Delay(1, cfg); d > 3*time.Second {
		t.Errorf("post-reset delay %v exceeds 3x initial", d)
	}
}

func TestPresets(t *testing.T) {
	for _, name := range []string{PresetAggressive, PresetStandard, PresetConservative} {
		cfg, ok := Preset(name)
		if !ok {
			t.Fatalf("missing preset %s", name)
		}
		if cfg.InitialDelay <= 0 || cfg.MaxDelay <= 0 {
			t.Errorf("preset %s has zero delays: %+v", name, cfg)
		}
		if cfg.MaxDelay < cfg.InitialDelay {
			t.Errorf("preset %s max below initial", name)
		}
	}

	if _, ok := Preset("NOPE"); ok {
		t.Error("unknown preset should not resolve")
	}
}

func TestZeroConfigDefaults(t *testing.T) {
	calc := NewCalculatorWithSeed(1)
	// Zero config falls back to 1s initial, 60s max, base 2.
	d := calc.Delay(1, Config{Strategy: StrategyExponential})
	if d != time.Second {
		t.Errorf("zero config first delay: got %v, want 1s", d)
	}
}

func BenchmarkExponentialDelay(b *testing.B) {
	calc := NewCalculator()
	cfg, _ := Preset(PresetStandard)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		calc.Delay(i%10+1, cfg)
	}
}
