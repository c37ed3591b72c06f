package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Default exponential schedule.
const (
	// InitialBackoff is the first retry delay.
	InitialBackoff = 100 * time.Millisecond

	// MaxBackoff caps the retry delay.
	MaxBackoff = 2 * time.Second

	// BackoffMultiplier is the factor by which the delay grows.
	BackoffMultiplier = 2.0

	// JitterFactor is the maximum jitter as a fraction of the base delay.
	JitterFactor = 0.25
)

// Backoff calculates retry delays. It is safe for concurrent use.
type Backoff struct {
	mu sync.Mutex

	// Current delay (before jitter)
	current time.Duration

	initial     time.Duration
	max         time.Duration
	multiplier  float64
	jitter      float64
	maxAttempts int

	attempts int

	rng *rand.Rand
}

// BackoffConfig customizes a Backoff.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration

	// Multiplier of 1 gives a constant schedule. Values below 1 select
	// BackoffMultiplier.
	Multiplier float64

	Jitter float64

	// MaxAttempts bounds Next; zero means unbounded.
	MaxAttempts int

	// Seed fixes the jitter source. Zero seeds from the clock.
	Seed int64
}

// NewBackoff creates an exponential backoff with default settings.
func NewBackoff() *Backoff {
	return NewBackoffWithConfig(BackoffConfig{Jitter: JitterFactor})
}

// NewConstantBackoff creates a schedule that waits delay between attempts
// and allows at most attempts retries.
func NewConstantBackoff(delay time.Duration, attempts int) *Backoff {
	return NewBackoffWithConfig(BackoffConfig{
		Initial:     delay,
		Max:         delay,
		Multiplier:  1,
		MaxAttempts: attempts,
	})
}

// NewBackoffWithConfig creates a backoff calculator with custom settings.
func NewBackoffWithConfig(cfg BackoffConfig) *Backoff {
	if cfg.Initial <= 0 {
		cfg.Initial = InitialBackoff
	}
	if cfg.Max <= 0 {
		cfg.Max = MaxBackoff
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = BackoffMultiplier
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	return &Backoff{
		current:     cfg.Initial,
		initial:     cfg.Initial,
		max:         cfg.Max,
		multiplier:  cfg.Multiplier,
		jitter:      cfg.Jitter,
		maxAttempts: cfg.MaxAttempts,
		rng:         rand.New(rand.NewSource(seed)),
	}
}

// Next returns the next delay (with jitter) and advances the schedule.
// ok is false once MaxAttempts delays have been handed out.
func (b *Backoff) Next() (delay time.Duration, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxAttempts > 0 && b.attempts >= b.maxAttempts {
		return 0, false
	}

	delay = b.addJitter(b.current)

	b.attempts++
	next := time.Duration(float64(b.current) * b.multiplier)
	if next > b.max {
		next = b.max
	}
	b.current = next

	return delay, true
}

// Reset restarts the schedule. Call it after a success.
func (b *Backoff) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.current = b.initial
	b.attempts = 0
}

// Attempts returns the number of delays handed out since the last reset.
func (b *Backoff) Attempts() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.attempts
}

// Exhausted reports whether Next would refuse another attempt.
func (b *Backoff) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxAttempts > 0 && b.attempts >= b.maxAttempts
}

// Current returns the current base delay (without jitter).
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

func (b *Backoff) addJitter(d time.Duration) time.Duration {
	if b.jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*b.jitter*b.rng.Float64())
}
