package lap

import (
	"context"
	"errors"
	"sync"
)

// ErrStopped is returned by Control.WaitActive once Stop has been called.
var ErrStopped = errors.New("run stopped")

// Control is the shared trading flag. The runner opens and closes the activity
// window; operators pause, resume and stop. Trading is active only while the
// window is open, nothing paused it, and nothing stopped the run.
type Control struct {
	mu      sync.Mutex
	window  bool
	paused  bool
	stopped bool
	changed chan struct{}
}

func NewControl() *Control {
	return &Control{changed: make(chan struct{})}
}

// Pause reports whether the call changed anything.
func (c *Control) Pause() bool {
	return c.update(func() bool {
		if c.paused {
			return false
		}
		c.paused = true
		return true
	})
}

func (c *Control) Resume() bool {
	return c.update(func() bool {
		if !c.paused {
			return false
		}
		c.paused = false
		return true
	})
}

// Stop ends the current activity window early; the run exits after the
// lap's collection. It cannot be undone.
func (c *Control) Stop() bool {
	return c.update(func() bool {
		if c.stopped {
			return false
		}
		c.stopped = true
		return true
	})
}

func (c *Control) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.window && !c.paused && !c.stopped
}

func (c *Control) Paused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

func (c *Control) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Changed returns a channel closed on the next state change.
func (c *Control) Changed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.changedLocked()
}

// WaitActive blocks until trading is active, the run is stopped, or ctx ends.
func (c *Control) WaitActive(ctx context.Context) error {
	for {
		c.mu.Lock()
		active := c.window && !c.paused && !c.stopped
		stopped := c.stopped
		ch := c.changedLocked()
		c.mu.Unlock()
		if stopped {
			return ErrStopped
		}
		if active {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (c *Control) openWindow() {
	c.update(func() bool {
		if c.window {
			return false
		}
		c.window = true
		return true
	})
}

func (c *Control) closeWindow() {
	c.update(func() bool {
		if !c.window {
			return false
		}
		c.window = false
		return true
	})
}

func (c *Control) update(fn func() bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changedLocked()
	if !fn() {
		return false
	}
	close(c.changed)
	c.changed = make(chan struct{})
	return true
}

func (c *Control) changedLocked() chan struct{} {
	if c.changed == nil {
		c.changed = make(chan struct{})
	}
	return c.changed
}
