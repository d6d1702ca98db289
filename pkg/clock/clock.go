// Package clock abstracts wall-clock time so durable timers can run against a
// virtual clock in tests. Both clocks are backed by clockwork.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

type RealClock struct {
	c clockwork.Clock
}

func NewRealClock() Clock {
	return &RealClock{c: clockwork.NewRealClock()}
}

func (c *RealClock) Now() time.Time {
	return c.c.Now()
}

func (c *RealClock) NewTimer(d time.Duration) Timer {
	return timer{t: c.c.NewTimer(d)}
}

type timer struct {
	t clockwork.Timer
}

func (t timer) C() <-chan time.Time {
	return t.t.Chan()
}

func (t timer) Stop() bool {
	return t.t.Stop()
}

// Fake is a virtual clock. Time only moves through Set and Advance, which fire
// every timer whose target is reached.
type Fake struct {
	fc *clockwork.FakeClock
}

func NewFake(t time.Time) *Fake {
	return &Fake{fc: clockwork.NewFakeClockAt(t)}
}

func (c *Fake) Now() time.Time {
	return c.fc.Now()
}

// NewTimer fires immediately when d <= 0.
func (c *Fake) NewTimer(d time.Duration) Timer {
	return timer{t: c.fc.NewTimer(d)}
}

func (c *Fake) Advance(d time.Duration) {
	c.fc.Advance(d)
}

// Set moves the clock to t. It never moves backwards.
func (c *Fake) Set(t time.Time) {
	if d := t.Sub(c.fc.Now()); d > 0 {
		c.fc.Advance(d)
	}
}

// BlockUntil waits until at least n timers are armed on the clock.
func (c *Fake) BlockUntil(n int) {
	c.fc.BlockUntil(n)
}

// BlockUntilContext is BlockUntil bounded by ctx.
func (c *Fake) BlockUntilContext(ctx context.Context, n int) error {
	return c.fc.BlockUntilContext(ctx, n)
}
