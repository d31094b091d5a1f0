package observer

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/dgnsrekt/offset_tracker/internal/dom"
)

// Counter holds the per-tab counting state: the last good count and the
// arming gate. Until armed, Count reports 0 so assistant welcome content is
// never counted as user prompts. Only the authored strategy or an explicit
// submit signal can arm it.
type Counter struct {
	chains *detect.Holder

	mu       sync.Mutex
	lastGood int
	armed    bool
	last     detect.Result
}

// NewCounter returns an unarmed counter reading the chain from chains.
func NewCounter(chains *detect.Holder) *Counter {
	return &Counter{chains: chains}
}

// Count runs the detection chain against p. It never panics; on failure it
// returns the last good count.
func (c *Counter) Count(p *dom.Page) (n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			slog.Warn("observer detection panicked", "error", fmt.Sprint(r))
			n = c.lastGood
		}
	}()

	res := c.chains.Load().Evaluate(p)
	c.last = res
	if !res.Matched {
		return c.lastGood
	}
	if !c.armed {
		if res.Strategy != detect.StrategyAuthored {
			return 0
		}
		c.armed = true
	}
	c.lastGood = res.Count
	return res.Count
}

// Submitted arms the counter after the page saw the user send a message.
func (c *Counter) Submitted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.armed = true
}

// Reset returns the count and the arming gate to zero.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastGood = 0
	c.armed = false
}

// LastGood is the count reported when a snapshot cannot be taken.
func (c *Counter) LastGood() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastGood
}

// Armed reports whether a user prompt has been seen since the last reset.
func (c *Counter) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.armed
}

// LastResult is the raw chain result of the most recent Count.
func (c *Counter) LastResult() detect.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}
