package observer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/dgnsrekt/offset_tracker/internal/messaging"
)

// Hub owns the observers of all tracked tabs and routes control messages
// and page signals to them.
type Hub struct {
	ctx      context.Context
	src      Source
	chains   *detect.Holder
	reporter messaging.Reporter
	cfg      Config

	mu        sync.Mutex
	observers map[string]*Observer
}

// NewHub returns a hub whose observers live at most as long as ctx.
func NewHub(ctx context.Context, src Source, chains *detect.Holder, reporter messaging.Reporter, cfg Config) *Hub {
	return &Hub{
		ctx:       ctx,
		src:       src,
		chains:    chains,
		reporter:  reporter,
		cfg:       cfg,
		observers: make(map[string]*Observer),
	}
}

// Attach starts a fresh observer for tabID, replacing any previous one.
// A new page load gets new observer state, like a reloaded page script.
// Attach and Detach are safe to call concurrently; an observer is only
// published once it is running.
func (h *Hub) Attach(tabID string) *Observer {
	o := New(tabID, h.src, h.chains, h.reporter, h.cfg)
	o.Start(h.ctx)

	h.mu.Lock()
	prev := h.observers[tabID]
	h.observers[tabID] = o
	h.mu.Unlock()

	if prev != nil {
		prev.Stop()
	}
	slog.Info("observer attached", "tab_id", tabID, "replaced", prev != nil)
	return o
}

// Detach stops the observer of tabID, if any.
func (h *Hub) Detach(tabID string) {
	h.mu.Lock()
	o := h.observers[tabID]
	delete(h.observers, tabID)
	h.mu.Unlock()

	if o != nil {
		o.Stop()
		slog.Info("observer detached", "tab_id", tabID)
	}
}

// Signal routes a page signal to the observer of tabID. Signals for
// unknown tabs are dropped.
func (h *Hub) Signal(tabID, kind string) {
	if o := h.get(tabID); o != nil {
		o.Signal(kind)
	}
}

// Tabs lists the observed tab ids, sorted.
func (h *Hub) Tabs() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]string, 0, len(h.observers))
	for id := range h.observers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close stops every observer.
func (h *Hub) Close() {
	h.mu.Lock()
	all := h.observers
	h.observers = make(map[string]*Observer)
	h.mu.Unlock()

	for _, o := range all {
		o.Stop()
	}
}

func (h *Hub) Ping(ctx context.Context, tabID string) (messaging.PingResponse, error) {
	o, err := h.lookup(tabID)
	if err != nil {
		return messaging.PingResponse{}, err
	}
	return o.Ping(ctx)
}

func (h *Hub) Reset(ctx context.Context, tabID string) (messaging.ResetCountResponse, error) {
	o, err := h.lookup(tabID)
	if err != nil {
		return messaging.ResetCountResponse{}, err
	}
	return o.Reset(ctx)
}

func (h *Hub) Refresh(ctx context.Context, tabID string) (messaging.RefreshCountResponse, error) {
	o, err := h.lookup(tabID)
	if err != nil {
		return messaging.RefreshCountResponse{}, err
	}
	return o.Refresh(ctx)
}

func (h *Hub) get(tabID string) *Observer {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.observers[tabID]
}

func (h *Hub) lookup(tabID string) (*Observer, error) {
	if o := h.get(tabID); o != nil {
		return o, nil
	}
	return nil, fmt.Errorf("tab %s: %w", tabID, messaging.ErrNoReceiver)
}

var _ messaging.ObserverControl = (*Hub)(nil)
