// Package cooldown gates how soon a zombie may attack again.
package cooldown

import (
	"sync"
	"time"

	apperrors "github.com/zeusync/horde/internal/core/errors"
	"github.com/zeusync/horde/internal/core/models"
)

// DefaultDuration is one day.
const DefaultDuration = 24 * time.Hour

// Clock is the time source of the registry.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// ManualClock only moves when told to.
type ManualClock struct {
	mu  sync.Mutex
	now time.Time
}

func NewManualClock(start time.Time) *ManualClock {
	return &ManualClock{now: start}
}

func (c *ManualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Advance moves the clock forward by d.
func (c *ManualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *ManualClock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

// Policy is the process-wide cooldown configuration. It applies to every
// readyTime computed after it changes; existing ready times are left alone.
type Policy struct {
	duration time.Duration
}

func NewPolicy(d time.Duration) (*Policy, error) {
	p := &Policy{}
	if err := p.SetDuration(d); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Policy) Duration() time.Duration { return p.duration }

// SetDuration accepts zero, which disables gating.
func (p *Policy) SetDuration(d time.Duration) error {
	if d < 0 {
		return apperrors.New(apperrors.CodeInvalidArgument, "set_cooldown", "cooldown must not be negative").
			WithMeta("duration", d.String())
	}
	p.duration = d
	return nil
}

// State of a zombie with respect to attack eligibility.
type State uint8

const (
	StateReady State = iota
	StateOnCooldown
)

func (s State) String() string {
	if s == StateReady {
		return "ready"
	}
	return "on_cooldown"
}

func IsReady(z *models.Zombie, now time.Time) bool {
	return !now.Before(z.ReadyTime)
}

func NextReadyTime(now time.Time, d time.Duration) time.Time {
	return now.Add(d)
}

func StateOf(z *models.Zombie, now time.Time) State {
	if IsReady(z, now) {
		return StateReady
	}
	return StateOnCooldown
}

// Remaining is how long until z is ready, zero when it already is.
func Remaining(z *models.Zombie, now time.Time) time.Duration {
	if IsReady(z, now) {
		return 0
	}
	return z.ReadyTime.Sub(now)
}
