package exam

import (
	"context"
	"sync"
	"time"
)

type ClockState int32

const (
	ClockStopped ClockState = iota
	ClockRunning
	ClockExpired
)

func (s ClockState) String() string {
	switch s {
	case ClockRunning:
		return "running"
	case ClockExpired:
		return "expired"
	}
	return "stopped"
}

// Tier is the presentation urgency of the remaining time.
type Tier int

const (
	TierNormal Tier = iota
	TierWarning
	TierUrgent
)

// TierFor classifies remaining seconds: under a minute is urgent, under
// five minutes a warning.
func TierFor(remaining int) Tier {
	switch {
	case remaining < 60:
		return TierUrgent
	case remaining < 300:
		return TierWarning
	}
	return TierNormal
}

// Clock counts an attempt down once per interval. onExpire fires exactly
// once, on its own goroutine, when the count reaches zero. onTick runs on
// the clock goroutine and must not call Stop.
type Clock struct {
	interval time.Duration
	onTick   func(remaining int)
	onExpire func()

	mu        sync.Mutex
	state     ClockState
	remaining int
	cancel    context.CancelFunc
	done      chan struct{}

	// cbMu is held while a tick delivers its callback, so Stop can wait
	// for an in-flight tick.
	cbMu sync.Mutex
}

func NewClock(seconds int, interval time.Duration, onTick func(int), onExpire func()) *Clock {
	if interval <= 0 {
		interval = time.Second
	}
	return &Clock{
		interval:  interval,
		onTick:    onTick,
		onExpire:  onExpire,
		remaining: max(seconds, 0),
		done:      make(chan struct{}),
	}
}

// Start moves a stopped clock to running. It reports whether the clock
// started; a clock starts at most once.
func (c *Clock) Start(ctx context.Context) bool {
	c.mu.Lock()
	if c.state != ClockStopped || c.cancel != nil {
		c.mu.Unlock()
		return false
	}
	if c.remaining == 0 {
		c.state = ClockExpired
		c.cancel = func() {}
		close(c.done)
		c.mu.Unlock()
		if c.onExpire != nil {
			go c.onExpire()
		}
		return true
	}
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.state = ClockRunning
	c.mu.Unlock()

	go c.run(ctx)
	return true
}

func (c *Clock) run(ctx context.Context) {
	defer close(c.done)
	t := time.NewTicker(c.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			if c.state == ClockRunning {
				c.state = ClockStopped
			}
			c.mu.Unlock()
			return
		case <-t.C:
			if !c.tick() {
				return
			}
		}
	}
}

func (c *Clock) tick() bool {
	c.cbMu.Lock()
	defer c.cbMu.Unlock()

	c.mu.Lock()
	if c.state != ClockRunning {
		c.mu.Unlock()
		return false
	}
	c.remaining--
	rem := c.remaining
	expired := rem <= 0
	if expired {
		c.remaining = 0
		c.state = ClockExpired
		c.cancel()
	}
	c.mu.Unlock()

	if c.onTick != nil {
		c.onTick(rem)
	}
	if expired && c.onExpire != nil {
		go c.onExpire()
	}
	return !expired
}

// Stop halts a running clock. Once Stop returns no further tick callback
// is delivered. Stopping a stopped or expired clock is a no-op.
func (c *Clock) Stop() {
	c.mu.Lock()
	if c.state == ClockRunning {
		c.state = ClockStopped
		c.cancel()
	}
	c.mu.Unlock()
	// Wait out a tick that passed its state check before we got the lock.
	c.cbMu.Lock()
	c.cbMu.Unlock()
}

func (c *Clock) State() ClockState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Clock) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Done is closed when a started clock has finished. It stays open for a
// clock that was never started.
func (c *Clock) Done() <-chan struct{} {
	return c.done
}
