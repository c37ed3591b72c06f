package failsafe

import (
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/mash-protocol/devmgr-go/pkg/wire"
)

// DefaultDuration is how long an armed fail-safe lasts without being
// resumed.
const DefaultDuration = 5 * time.Minute

// Timer errors.
var (
	ErrAlreadyArmed  = errors.New("fail-safe already armed")
	ErrNotArmed      = errors.New("fail-safe not armed")
	ErrTokenMismatch = errors.New("fail-safe token mismatch")
	ErrInvalidMode   = errors.New("unsupported fail-safe arm mode")
)

// State represents the fail-safe state.
type State uint8

const (
	StateDisarmed State = iota
	StateArmed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisarmed:
		return "DISARMED"
	case StateArmed:
		return "ARMED"
	default:
		return "UNKNOWN"
	}
}

// Config holds fail-safe timer configuration.
type Config struct {
	// Duration defaults to DefaultDuration.
	Duration time.Duration

	// Clock defaults to the wall clock.
	Clock clock.Clock

	// OnExpire is called from the timer goroutine when an armed fail-safe
	// runs out. The timer is disarmed by then.
	OnExpire func(token uint32)
}

// Timer tracks one fail-safe.
type Timer struct {
	mu sync.Mutex

	duration time.Duration
	clock    clock.Clock
	onExpire func(token uint32)

	state   State
	token   uint32
	armedAt time.Time
	timer   *clock.Timer
	gen     uint64
}

// NewTimer creates a disarmed fail-safe timer.
func NewTimer(cfg Config) *Timer {
	t := &Timer{
		duration: cfg.Duration,
		clock:    cfg.Clock,
		onExpire: cfg.OnExpire,
	}
	if t.duration <= 0 {
		t.duration = DefaultDuration
	}
	if t.clock == nil {
		t.clock = clock.New()
	}
	return t
}

// Arm arms or resumes the fail-safe. resumed reports whether an armed
// fail-safe was restarted rather than a new one armed; a new fail-safe
// means the caller should snapshot its configuration.
func (t *Timer) Arm(mode uint8, token uint32) (resumed bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	armed := t.state == StateArmed
	switch mode {
	case wire.FailSafeArmNew:
		if armed {
			return false, ErrAlreadyArmed
		}
	case wire.FailSafeArmResume:
		if !armed {
			return false, ErrNotArmed
		}
		if token != t.token {
			return false, ErrTokenMismatch
		}
	case wire.FailSafeArmResumeOrNew:
		if armed && token != t.token {
			return false, ErrTokenMismatch
		}
	default:
		return false, ErrInvalidMode
	}

	t.stop()
	t.state = StateArmed
	t.token = token
	t.armedAt = t.clock.Now()
	t.gen++
	gen := t.gen
	t.timer = t.clock.AfterFunc(t.duration, func() { t.expire(gen) })
	return armed, nil
}

// Disarm ends the fail-safe and keeps the configuration.
func (t *Timer) Disarm() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateArmed {
		return ErrNotArmed
	}
	t.stop()
	t.state = StateDisarmed
	t.token = 0
	return nil
}

// Reset disarms the fail-safe without reporting an error when it is not
// armed.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stop()
	t.state = StateDisarmed
	t.token = 0
}

// State returns the current state.
func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Remaining returns the time left until the fail-safe expires, or zero
// when it is not armed.
func (t *Timer) Remaining() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateArmed {
		return 0
	}
	return max(t.duration-t.clock.Since(t.armedAt), 0)
}

func (t *Timer) stop() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// expire ignores timers that were stopped or replaced after they fired.
func (t *Timer) expire(gen uint64) {
	t.mu.Lock()
	if t.state != StateArmed || gen != t.gen {
		t.mu.Unlock()
		return
	}
	token := t.token
	t.state = StateDisarmed
	t.token = 0
	t.timer = nil
	onExpire := t.onExpire
	t.mu.Unlock()

	if onExpire != nil {
		onExpire(token)
	}
}
