// Package detect holds the prioritized prompt-detection strategies run
// against a tab snapshot. Each strategy is a pure function of the page.
package detect

import (
	"strings"
	"sync/atomic"

	"github.com/dgnsrekt/offset_tracker/internal/dom"
	"github.com/samber/lo"
	"golang.org/x/net/html"
)

const (
	StrategyAuthored   = "authored"
	StrategyStructural = "structural"
	StrategyPositional = "positional"
	StrategyFallback   = "fallback"
)

// Detector is one detection strategy. ok is false when the strategy found
// nothing usable on the page.
type Detector struct {
	Name   string
	Detect func(p *dom.Page) (count int, ok bool)
}

// Result is the outcome of evaluating a chain or a single detector.
type Result struct {
	Strategy string `json:"strategy"`
	Count    int    `json:"count"`
	Matched  bool   `json:"matched"`
}

// Chain evaluates detectors in priority order; the first non-empty result
// wins.
type Chain struct {
	opts      Options
	detectors []Detector
}

// NewChain builds the default four-strategy chain.
func NewChain(opts Options) *Chain {
	opts = opts.normalized()
	f := filter{opts: opts}
	return &Chain{
		opts: opts,
		detectors: []Detector{
			{Name: StrategyAuthored, Detect: f.authored},
			{Name: StrategyStructural, Detect: f.structural},
			{Name: StrategyPositional, Detect: f.positional},
			{Name: StrategyFallback, Detect: f.fallback},
		},
	}
}

// NewChainOf builds a chain from explicit detectors.
func NewChainOf(detectors ...Detector) *Chain {
	return &Chain{opts: DefaultOptions(), detectors: detectors}
}

// Options returns the options the chain was built with.
func (c *Chain) Options() Options { return c.opts }

// Evaluate runs the chain. An empty result has Matched=false and Count=0.
func (c *Chain) Evaluate(p *dom.Page) Result {
	for _, d := range c.detectors {
		if n, ok := d.Detect(p); ok && n > 0 {
			return Result{Strategy: d.Name, Count: n, Matched: true}
		}
	}
	return Result{}
}

// Explain runs every detector independently, for diagnostics.
func (c *Chain) Explain(p *dom.Page) []Result {
	return lo.Map(c.detectors, func(d Detector, _ int) Result {
		n, ok := d.Detect(p)
		return Result{Strategy: d.Name, Count: n, Matched: ok && n > 0}
	})
}

// Holder publishes the current chain so a reload can swap it while
// observers keep counting.
type Holder struct {
	p atomic.Pointer[Chain]
}

// NewHolder returns a holder primed with c.
func NewHolder(c *Chain) *Holder {
	h := &Holder{}
	h.p.Store(c)
	return h
}

// Load returns the current chain.
func (h *Holder) Load() *Chain { return h.p.Load() }

// Store swaps in a new chain.
func (h *Holder) Store(c *Chain) { h.p.Store(c) }

type filter struct {
	opts Options
}

// usable applies the exclusions every strategy shares: invisible, empty,
// denylisted, or shorter than minLen.
func (f filter) usable(nodes []*html.Node, minLen int) []*html.Node {
	return lo.Filter(nodes, func(n *html.Node, _ int) bool {
		if !dom.Visible(n) {
			return false
		}
		text := dom.Text(n)
		if text == "" || len([]rune(text)) < minLen {
			return false
		}
		return !f.denied(text)
	})
}

// denied reports whether the whole text is a UI label from the denylist.
// Prompts that only mention a label are kept.
func (f filter) denied(text string) bool {
	return lo.ContainsBy(f.opts.Denylist, func(entry string) bool {
		e := strings.TrimSpace(entry)
		return e != "" && strings.EqualFold(text, e)
	})
}

func alternate(n int) int {
	return (n + 1) / 2
}
