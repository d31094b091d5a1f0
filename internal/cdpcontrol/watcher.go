package cdpcontrol

import (
	"context"
	"log/slog"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/types"
)

const DefaultTabPollInterval = 2 * time.Second

// TabSource lists page targets and reports page loads.
type TabSource interface {
	ListTabs(ctx context.Context) ([]types.TabInfo, error)
	OnLoad(fn func(tabID string)) func()
}

// TabHandler receives tab lifecycle events. Calls are sequential.
type TabHandler interface {
	// TabDiscovered is called for tabs already open at the first sync.
	TabDiscovered(ctx context.Context, tab types.TabInfo)
	// TabLoaded is called when a tab appears, reloads, or crosses the
	// tracked-site boundary.
	TabLoaded(ctx context.Context, tab types.TabInfo)
	// TabNavigated is called when a tab's URL changes without a load, as
	// with in-page routing.
	TabNavigated(ctx context.Context, tab types.TabInfo)
	TabClosed(ctx context.Context, tabID string)
	// TabsSynced is called after every successful sync with the live ids.
	TabsSynced(ctx context.Context, live []string)
}

// Watcher polls the target list and turns changes into TabHandler calls.
// A failed poll emits nothing, so a lost browser connection never closes
// sessions.
type Watcher struct {
	src      TabSource
	handler  TabHandler
	tracks   func(url string) bool
	interval time.Duration

	loads       chan string
	known       map[string]types.TabInfo
	initialized bool
}

func NewWatcher(src TabSource, handler TabHandler, tracks func(url string) bool, interval time.Duration) *Watcher {
	if interval <= 0 {
		interval = DefaultTabPollInterval
	}
	return &Watcher{
		src:      src,
		handler:  handler,
		tracks:   tracks,
		interval: interval,
		loads:    make(chan string, 64),
		known:    make(map[string]types.TabInfo),
	}
}

// Run polls until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	unregister := w.src.OnLoad(w.loaded)
	defer unregister()

	_ = w.syncOnce(ctx, nil)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			_ = w.syncOnce(ctx, nil)
		case id := <-w.loads:
			reloaded := map[string]bool{id: true}
		drain:
			for {
				select {
				case more := <-w.loads:
					reloaded[more] = true
				default:
					break drain
				}
			}
			_ = w.syncOnce(ctx, reloaded)
		}
	}
}

// loaded runs on the CDP read loop and must not block.
func (w *Watcher) loaded(tabID string) {
	select {
	case w.loads <- tabID:
	default:
		slog.Debug("cdpcontrol load event dropped", "tab_id", tabID)
	}
}

func (w *Watcher) syncOnce(ctx context.Context, reloaded map[string]bool) error {
	tabs, err := w.src.ListTabs(ctx)
	if err != nil {
		slog.Warn("cdpcontrol tab poll failed", "error", err)
		return err
	}

	live := make(map[string]types.TabInfo, len(tabs))
	ids := make([]string, 0, len(tabs))
	for _, tab := range tabs {
		live[tab.TabID] = tab
		ids = append(ids, tab.TabID)
	}

	if !w.initialized {
		for _, tab := range tabs {
			w.handler.TabDiscovered(ctx, tab)
		}
		w.known = live
		w.initialized = true
		w.handler.TabsSynced(ctx, ids)
		return nil
	}

	for _, tab := range tabs {
		prev, seen := w.known[tab.TabID]
		switch {
		case !seen, reloaded[tab.TabID]:
			w.handler.TabLoaded(ctx, tab)
		case w.tracks(prev.URL) != w.tracks(tab.URL):
			w.handler.TabLoaded(ctx, tab)
		case prev.URL != tab.URL:
			w.handler.TabNavigated(ctx, tab)
		}
	}
	for id := range w.known {
		if _, ok := live[id]; !ok {
			w.handler.TabClosed(ctx, id)
		}
	}
	w.known = live
	w.handler.TabsSynced(ctx, ids)
	return nil
}
