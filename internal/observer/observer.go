// Package observer runs one page observer per tracked tab. An observer
// recounts user prompts on mutation, click, poll and submit signals and
// reports count changes to the coordinator.
package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/dgnsrekt/offset_tracker/internal/dom"
	"github.com/dgnsrekt/offset_tracker/internal/messaging"
)

const (
	DefaultDebounce     = 300 * time.Millisecond
	DefaultPollInterval = 30 * time.Second
	DefaultClickDelay   = time.Second
	DefaultInitialDelay = time.Second
)

// Signal kinds delivered by the script installed in the page.
const (
	SignalMutation = "mutation"
	SignalClick    = "click"
	SignalSubmit   = "submit"
)

// Source returns the current outerHTML of a tab.
type Source interface {
	Snapshot(ctx context.Context, tabID string) (string, error)
}

// Config tunes the recount triggers. Zero values take the defaults;
// InitialDelay < 0 disables the recount after start.
type Config struct {
	Debounce     time.Duration
	PollInterval time.Duration
	ClickDelay   time.Duration
	InitialDelay time.Duration
}

func (c Config) withDefaults() Config {
	if c.Debounce <= 0 {
		c.Debounce = DefaultDebounce
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ClickDelay <= 0 {
		c.ClickDelay = DefaultClickDelay
	}
	if c.InitialDelay == 0 {
		c.InitialDelay = DefaultInitialDelay
	}
	return c
}

type controlKind int

const (
	controlPing controlKind = iota
	controlReset
	controlRefresh
)

type controlReq struct {
	kind  controlKind
	reply chan int
}

// Observer is the page observer of one tab. All state is owned by the run
// loop; other goroutines talk to it through channels.
type Observer struct {
	tabID    string
	src      Source
	counter  *Counter
	reporter messaging.Reporter
	cfg      Config

	signals chan string
	ctrl    chan controlReq

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// New returns an observer for tabID. It does nothing until Start.
func New(tabID string, src Source, chains *detect.Holder, reporter messaging.Reporter, cfg Config) *Observer {
	return &Observer{
		tabID:    tabID,
		src:      src,
		counter:  NewCounter(chains),
		reporter: reporter,
		cfg:      cfg.withDefaults(),
		signals:  make(chan string, 64),
		ctrl:     make(chan controlReq),
		done:     make(chan struct{}),
	}
}

// TabID returns the tab the observer watches.
func (o *Observer) TabID() string { return o.tabID }

// Start launches the run loop. It stops when ctx is done or Stop is called.
func (o *Observer) Start(ctx context.Context) {
	ctx, o.cancel = context.WithCancel(ctx)
	go o.run(ctx)
}

// Stop cancels the run loop and waits for it to exit. It is a no-op on an
// observer that was never started.
func (o *Observer) Stop() {
	if o.cancel == nil {
		return
	}
	o.stopOnce.Do(o.cancel)
	<-o.done
}

// Done is closed once the run loop has exited.
func (o *Observer) Done() <-chan struct{} { return o.done }

// Signal delivers a page signal. Unknown kinds are treated as mutations.
// It never blocks; a full queue drops the signal since the poll recount
// catches up.
func (o *Observer) Signal(kind string) {
	select {
	case o.signals <- kind:
	default:
		slog.Debug("observer signal dropped", "tab_id", o.tabID, "signal", kind)
	}
}

// Mutated schedules a debounced recount.
func (o *Observer) Mutated() { o.Signal(SignalMutation) }

// Clicked schedules a recount after the click delay.
func (o *Observer) Clicked() { o.Signal(SignalClick) }

func (o *Observer) Ping(ctx context.Context) (messaging.PingResponse, error) {
	if _, err := o.control(ctx, controlPing); err != nil {
		return messaging.PingResponse{}, err
	}
	return messaging.PingResponse{Pong: true}, nil
}

// Reset zeroes the count and the arming gate and reports 0.
func (o *Observer) Reset(ctx context.Context) (messaging.ResetCountResponse, error) {
	if _, err := o.control(ctx, controlReset); err != nil {
		return messaging.ResetCountResponse{}, err
	}
	return messaging.ResetCountResponse{Success: true}, nil
}

// Refresh recounts now and returns the result.
func (o *Observer) Refresh(ctx context.Context) (messaging.RefreshCountResponse, error) {
	n, err := o.control(ctx, controlRefresh)
	if err != nil {
		return messaging.RefreshCountResponse{}, err
	}
	return messaging.RefreshCountResponse{Count: n}, nil
}

func (o *Observer) control(ctx context.Context, kind controlKind) (int, error) {
	req := controlReq{kind: kind, reply: make(chan int, 1)}
	select {
	case o.ctrl <- req:
	case <-o.done:
		return 0, fmt.Errorf("tab %s: %w", o.tabID, messaging.ErrNoReceiver)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-req.reply:
		return n, nil
	case <-o.done:
		return 0, fmt.Errorf("tab %s: %w", o.tabID, messaging.ErrNoReceiver)
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (o *Observer) run(ctx context.Context) {
	defer close(o.done)

	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	// Each pending timer is a nil channel while idle. A new signal replaces
	// the pending timer of its kind.
	var (
		debounce    *time.Timer
		debounceC   <-chan time.Time
		clickTimer  *time.Timer
		clickC      <-chan time.Time
		initialC    <-chan time.Time
		lastEmitted int
	)
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
		if clickTimer != nil {
			clickTimer.Stop()
		}
	}()
	if o.cfg.InitialDelay > 0 {
		initial := time.NewTimer(o.cfg.InitialDelay)
		defer initial.Stop()
		initialC = initial.C
	}

	recount := func(trigger string) int {
		n := o.count(ctx)
		if n != lastEmitted {
			lastEmitted = n
			o.report(ctx, n, trigger)
		}
		return n
	}

	for {
		select {
		case <-ctx.Done():
			return

		case kind := <-o.signals:
			switch kind {
			case SignalClick, SignalSubmit:
				if kind == SignalSubmit {
					o.counter.Submitted()
				}
				if clickTimer != nil {
					clickTimer.Stop()
				}
				clickTimer = time.NewTimer(o.cfg.ClickDelay)
				clickC = clickTimer.C
			default:
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.NewTimer(o.cfg.Debounce)
				debounceC = debounce.C
			}

		case <-debounceC:
			debounceC = nil
			recount(SignalMutation)

		case <-clickC:
			clickC = nil
			recount(SignalClick)

		case <-initialC:
			initialC = nil
			recount("initial")

		case <-ticker.C:
			recount("poll")

		case req := <-o.ctrl:
			switch req.kind {
			case controlPing:
				req.reply <- lastEmitted
			case controlReset:
				o.counter.Reset()
				lastEmitted = 0
				o.report(ctx, 0, "reset")
				req.reply <- 0
			case controlRefresh:
				req.reply <- recount("refresh")
			}
		}
	}
}

// count snapshots the tab and runs the counter. Snapshot failures keep the
// last good count.
func (o *Observer) count(ctx context.Context) int {
	html, err := o.src.Snapshot(ctx, o.tabID)
	if err != nil {
		slog.Warn("observer snapshot failed", "tab_id", o.tabID, "error", err)
		return o.counter.LastGood()
	}
	page, err := dom.Parse(html)
	if err != nil {
		slog.Warn("observer parse failed", "tab_id", o.tabID, "error", err)
		return o.counter.LastGood()
	}
	n := o.counter.Count(page)
	res := o.counter.LastResult()
	slog.Debug("observer recount", "tab_id", o.tabID, "count", n, "strategy", res.Strategy, "armed", o.counter.Armed())
	return n
}

func (o *Observer) report(ctx context.Context, n int, trigger string) {
	_, err := o.reporter.StoreTabCount(ctx, messaging.StoreTabCountRequest{TabID: o.tabID, Count: n})
	switch {
	case err == nil:
		slog.Info("observer count changed", "tab_id", o.tabID, "count", n, "trigger", trigger)
	case messaging.IsTransient(err):
		slog.Debug("observer report dropped", "tab_id", o.tabID, "count", n, "error", err)
	default:
		slog.Warn("observer report failed", "tab_id", o.tabID, "count", n, "error", err)
	}
}
