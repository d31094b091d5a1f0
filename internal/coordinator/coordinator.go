// Package coordinator owns the per-tab session table: it starts sessions
// when a tab loads the tracked site, stores observer counts, and flushes
// completed sessions to the sink when the tab closes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/badge"
	"github.com/dgnsrekt/offset_tracker/internal/estimate"
	"github.com/dgnsrekt/offset_tracker/internal/events"
	"github.com/dgnsrekt/offset_tracker/internal/journal"
	"github.com/dgnsrekt/offset_tracker/internal/kv"
	"github.com/dgnsrekt/offset_tracker/internal/messaging"
	"github.com/dgnsrekt/offset_tracker/internal/sink"
	"github.com/dgnsrekt/offset_tracker/internal/types"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

const DefaultSiteFilter = "chatgpt.com"

// Flush reasons recorded in the journal.
const (
	ReasonTabClosed   = "tab_closed"
	ReasonNavigated   = "navigated"
	ReasonStaleAtBoot = "stale_at_startup"
)

// IdentitySource reads the installation id without creating it.
type IdentitySource interface {
	Peek(ctx context.Context) (string, bool, error)
}

// Sender delivers a completed session record.
type Sender interface {
	Send(ctx context.Context, rec sink.SessionRecord) error
}

// Journal records flushed sessions locally.
type Journal interface {
	Write(e journal.Entry) error
}

// Config wires the coordinator's collaborators. Journal and Broker may be
// nil.
type Config struct {
	SiteFilter     string
	BrowserVersion string
	Identity       IdentitySource
	Sender         Sender
	Journal        Journal
	Badges         *badge.Board
	Broker         *events.Broker
	Now            func() time.Time
	NewSessionID   func() string
}

// Session is the stored state of one tab.
type Session struct {
	TabID              string    `json:"tab_id"`
	SessionID          string    `json:"session_id"`
	StartTime          time.Time `json:"start_time"`
	PromptCount        int       `json:"prompt_count"`
	EstimatedEmissions float64   `json:"estimated_emissions"`
	EstimatedWater     float64   `json:"estimated_water"`
	URL                string    `json:"url,omitempty"`
}

// Started reports whether a session was ever started for the tab.
func (s Session) Started() bool { return s.SessionID != "" }

// Totals aggregates all active sessions.
type Totals struct {
	Tabs               int     `json:"tabs"`
	PromptCount        int     `json:"prompt_count"`
	EstimatedEmissions float64 `json:"estimated_emissions"`
	EstimatedWater     float64 `json:"estimated_water"`
}

// CountEvent is published on the count feed.
type CountEvent struct {
	TabID       string `json:"tab_id"`
	SessionID   string `json:"session_id"`
	PromptCount int    `json:"prompt_count"`
}

// SessionEvent is published on the session feed.
type SessionEvent struct {
	Type      string `json:"type"`
	TabID     string `json:"tab_id"`
	SessionID string `json:"session_id"`
}

// Coordinator is the session coordinator. Operations on the session table
// are serialized; remote sends run in the background.
type Coordinator struct {
	store kv.Store
	cfg   Config

	browserVersion atomic.Value

	mu    sync.Mutex
	sends sync.WaitGroup
}

func New(store kv.Store, cfg Config) *Coordinator {
	if cfg.SiteFilter == "" {
		cfg.SiteFilter = DefaultSiteFilter
	}
	if cfg.Badges == nil {
		cfg.Badges = badge.NewBoard(cfg.Broker)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewSessionID == nil {
		cfg.NewSessionID = func() string { return uuid.New().String() }
	}
	c := &Coordinator{store: store, cfg: cfg}
	c.browserVersion.Store(cfg.BrowserVersion)
	return c
}

// SetBrowserVersion sets the browser_version reported in session records.
func (c *Coordinator) SetBrowserVersion(v string) { c.browserVersion.Store(v) }

// Tracks reports whether url belongs to the tracked site.
func (c *Coordinator) Tracks(url string) bool {
	return url != "" && strings.Contains(url, c.cfg.SiteFilter)
}

// Badges returns the badge board.
func (c *Coordinator) Badges() *badge.Board { return c.cfg.Badges }

// TabLoaded starts a session for a tab that finished loading the tracked
// site. A load of the URL the current session is on (a reload) keeps the
// session, since the page re-renders the prompts already counted. Any other
// load flushes a previous session with prompts before replacing it. It
// returns false for untracked URLs.
func (c *Coordinator) TabLoaded(ctx context.Context, tabID, url string) (bool, error) {
	if tabID == "" {
		return false, types.NewError(types.CodeValidation, "tab id is required", nil)
	}
	if !c.Tracks(url) {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	prev, err := c.read(ctx, tabID)
	if err != nil {
		return false, err
	}
	if prev.Started() && prev.URL == url {
		slog.Info("coordinator session kept on reload", "tab_id", tabID, "session_id", prev.SessionID, "count", prev.PromptCount)
		return true, nil
	}
	if prev.Started() && prev.PromptCount > 0 {
		c.flush(ctx, prev, ReasonNavigated)
	}

	s := Session{
		TabID:     tabID,
		SessionID: c.cfg.NewSessionID(),
		StartTime: time.UnixMilli(c.cfg.Now().UnixMilli()),
	}
	if err := c.store.Set(ctx, map[string]string{
		kv.TabKey(tabID, kv.FieldSessionID):          s.SessionID,
		kv.TabKey(tabID, kv.FieldStartTime):          kv.FormatTime(s.StartTime),
		kv.TabKey(tabID, kv.FieldPromptCount):        kv.FormatInt(0),
		kv.TabKey(tabID, kv.FieldEstimatedEmissions): kv.FormatFloat(0),
		kv.TabKey(tabID, kv.FieldEstimatedWater):     kv.FormatFloat(0),
		kv.TabKey(tabID, kv.FieldURL):                url,
	}); err != nil {
		return false, types.NewError(types.CodeStoreFailure, "start session", err)
	}
	c.cfg.Badges.Clear(tabID)
	c.publish(events.FeedSession, SessionEvent{Type: "started", TabID: tabID, SessionID: s.SessionID})
	slog.Info("coordinator session started", "tab_id", tabID, "session_id", s.SessionID, "replaced", prev.Started())
	return true, nil
}

// TabNavigated records the tracked URL a session moved to without a page
// load, so a later reload of that URL keeps the session. Untracked URLs and
// tabs without a session are ignored.
func (c *Coordinator) TabNavigated(ctx context.Context, tabID, url string) error {
	if !c.Tracks(url) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	vals, err := c.store.Get(ctx, kv.TabKey(tabID, kv.FieldSessionID))
	if err != nil {
		return types.NewError(types.CodeStoreFailure, "read session", err)
	}
	if vals[kv.TabKey(tabID, kv.FieldSessionID)] == "" {
		return nil
	}
	if err := c.store.Set(ctx, map[string]string{kv.TabKey(tabID, kv.FieldURL): url}); err != nil {
		return types.NewError(types.CodeStoreFailure, "store url", err)
	}
	slog.Debug("coordinator session url updated", "tab_id", tabID, "url", url)
	return nil
}

// StoreTabCount records the latest observer count for a tab together with
// the derived estimates in one write.
func (c *Coordinator) StoreTabCount(ctx context.Context, req messaging.StoreTabCountRequest) (messaging.StoreTabCountResponse, error) {
	if req.Count < 0 {
		return messaging.StoreTabCountResponse{}, types.NewError(types.CodeValidation,
			fmt.Sprintf("count must be >= 0, got %d", req.Count), nil)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	vals, err := c.store.Get(ctx, kv.TabKey(req.TabID, kv.FieldSessionID))
	if err != nil {
		return messaging.StoreTabCountResponse{}, types.NewError(types.CodeStoreFailure, "read session", err)
	}
	sessionID := vals[kv.TabKey(req.TabID, kv.FieldSessionID)]
	if sessionID == "" {
		return messaging.StoreTabCountResponse{}, types.NewError(types.CodeSessionNotFound,
			"no active session for tab "+req.TabID, nil)
	}

	if err := c.store.Set(ctx, map[string]string{
		kv.TabKey(req.TabID, kv.FieldPromptCount):        kv.FormatInt(req.Count),
		kv.TabKey(req.TabID, kv.FieldEstimatedEmissions): kv.FormatFloat(estimate.Emissions(req.Count)),
		kv.TabKey(req.TabID, kv.FieldEstimatedWater):     kv.FormatFloat(estimate.Water(req.Count)),
	}); err != nil {
		return messaging.StoreTabCountResponse{}, types.NewError(types.CodeStoreFailure, "store count", err)
	}
	c.cfg.Badges.Set(req.TabID, req.Count)
	c.publish(events.FeedCount, CountEvent{TabID: req.TabID, SessionID: sessionID, PromptCount: req.Count})
	slog.Debug("coordinator count stored", "tab_id", req.TabID, "session_id", sessionID, "count", req.Count)
	return messaging.StoreTabCountResponse{Success: true}, nil
}

// TabClosed flushes the tab's session when it recorded prompts and removes
// every per-tab key regardless of the send outcome.
func (c *Coordinator) TabClosed(ctx context.Context, tabID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked(ctx, tabID, ReasonTabClosed)
}

// Reconcile closes stored sessions whose tabs are not in live, e.g. tabs
// closed while the daemon was not running.
func (c *Coordinator) Reconcile(ctx context.Context, live []string) error {
	ids, err := c.tabIDs(ctx)
	if err != nil {
		return err
	}
	stale, _ := lo.Difference(ids, live)
	if len(stale) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	var errs []error
	for _, id := range stale {
		if err := c.closeLocked(ctx, id, ReasonStaleAtBoot); err != nil {
			errs = append(errs, err)
		}
	}
	slog.Info("coordinator reconciled stale sessions", "count", len(stale))
	return errors.Join(errs...)
}

func (c *Coordinator) closeLocked(ctx context.Context, tabID, reason string) error {
	s, readErr := c.read(ctx, tabID)
	if readErr != nil {
		slog.Warn("coordinator session read failed", "tab_id", tabID, "error", readErr)
	} else if s.Started() && s.PromptCount > 0 {
		c.flush(ctx, s, reason)
	}

	err := c.store.Remove(ctx, kv.TabKeys(tabID)...)
	c.cfg.Badges.Clear(tabID)
	if s.Started() {
		c.publish(events.FeedSession, SessionEvent{Type: "closed", TabID: tabID, SessionID: s.SessionID})
	}
	if err != nil {
		return types.NewError(types.CodeStoreFailure, "remove session keys", err)
	}
	slog.Info("coordinator session closed", "tab_id", tabID, "session_id", s.SessionID, "count", s.PromptCount, "reason", reason)
	return readErr
}

// flush sends s to the sink in the background when the installation id is
// available. Failures are logged and journaled, never retried.
func (c *Coordinator) flush(ctx context.Context, s Session, reason string) {
	if c.cfg.Identity == nil || c.cfg.Sender == nil {
		slog.Warn("coordinator flush skipped, no sink configured", "tab_id", s.TabID, "session_id", s.SessionID)
		return
	}
	userID, ok, err := c.cfg.Identity.Peek(ctx)
	if err != nil || !ok {
		slog.Warn("coordinator flush skipped, installation id unavailable",
			"tab_id", s.TabID, "session_id", s.SessionID, "error", err)
		return
	}
	rec := sink.SessionRecord{
		SessionID:          s.SessionID,
		ExtensionUserID:    userID,
		StartTime:          sink.FormatTime(s.StartTime),
		EndTime:            sink.FormatTime(c.cfg.Now()),
		PromptCount:        s.PromptCount,
		EstimatedEmissions: s.EstimatedEmissions,
		EstimatedWater:     s.EstimatedWater,
		BrowserVersion:     c.browserVersion.Load().(string),
	}

	c.sends.Add(1)
	go func() {
		defer c.sends.Done()
		sendErr := c.cfg.Sender.Send(context.WithoutCancel(ctx), rec)
		entry := journal.Entry{Reason: reason, Sent: sendErr == nil, Record: rec}
		if sendErr != nil {
			entry.Error = sendErr.Error()
			slog.Warn("coordinator session send failed", "session_id", rec.SessionID, "error", sendErr)
		} else {
			slog.Info("coordinator session sent", "session_id", rec.SessionID, "count", rec.PromptCount)
		}
		if c.cfg.Journal != nil {
			if err := c.cfg.Journal.Write(entry); err != nil {
				slog.Debug("coordinator journal write failed", "session_id", rec.SessionID, "error", err)
			}
		}
	}()
}

// Session returns the stored session of tabID.
func (c *Coordinator) Session(ctx context.Context, tabID string) (Session, error) {
	s, err := c.read(ctx, tabID)
	if err != nil {
		return Session{}, err
	}
	if !s.Started() {
		return Session{}, types.NewError(types.CodeSessionNotFound, "no active session for tab "+tabID, nil)
	}
	return s, nil
}

// Sessions lists every active session ordered by tab id.
func (c *Coordinator) Sessions(ctx context.Context) ([]Session, error) {
	ids, err := c.tabIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		s, err := c.read(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Started() {
			out = append(out, s)
		}
	}
	return out, nil
}

// Totals sums the active sessions.
func (c *Coordinator) Totals(ctx context.Context) (Totals, error) {
	sessions, err := c.Sessions(ctx)
	if err != nil {
		return Totals{}, err
	}
	prompts := lo.SumBy(sessions, func(s Session) int { return s.PromptCount })
	return Totals{
		Tabs:               len(sessions),
		PromptCount:        prompts,
		EstimatedEmissions: estimate.Emissions(prompts),
		EstimatedWater:     estimate.Water(prompts),
	}, nil
}

// Wait blocks until in-flight sends finish.
func (c *Coordinator) Wait() { c.sends.Wait() }

// Close waits for in-flight sends. It is safe to call more than once.
func (c *Coordinator) Close() error {
	c.sends.Wait()
	return nil
}

func (c *Coordinator) read(ctx context.Context, tabID string) (Session, error) {
	vals, err := c.store.Get(ctx, kv.TabKeys(tabID)...)
	if err != nil {
		return Session{}, types.NewError(types.CodeStoreFailure, "read session", err)
	}
	s := Session{
		TabID:              tabID,
		SessionID:          vals[kv.TabKey(tabID, kv.FieldSessionID)],
		PromptCount:        kv.ParseInt(vals[kv.TabKey(tabID, kv.FieldPromptCount)]),
		EstimatedEmissions: kv.ParseFloat(vals[kv.TabKey(tabID, kv.FieldEstimatedEmissions)]),
		EstimatedWater:     kv.ParseFloat(vals[kv.TabKey(tabID, kv.FieldEstimatedWater)]),
		URL:                vals[kv.TabKey(tabID, kv.FieldURL)],
	}
	if t, ok := kv.ParseTime(vals[kv.TabKey(tabID, kv.FieldStartTime)]); ok {
		s.StartTime = t
	}
	return s, nil
}

func (c *Coordinator) tabIDs(ctx context.Context) ([]string, error) {
	keys, err := c.store.Keys(ctx, kv.TabPrefix)
	if err != nil {
		return nil, types.NewError(types.CodeStoreFailure, "list sessions", err)
	}
	ids := lo.FilterMap(keys, func(k string, _ int) (string, bool) {
		return kv.SessionTabID(k)
	})
	sort.Strings(ids)
	return ids, nil
}

func (c *Coordinator) publish(feed string, v any) {
	if c.cfg.Broker != nil {
		c.cfg.Broker.PublishJSON(feed, v)
	}
}

var _ messaging.Reporter = (*Coordinator)(nil)
