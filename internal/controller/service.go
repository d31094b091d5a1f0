package controller

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/badge"
	"github.com/dgnsrekt/offset_tracker/internal/coordinator"
	"github.com/dgnsrekt/offset_tracker/internal/estimate"
	"github.com/dgnsrekt/offset_tracker/internal/identity"
	"github.com/dgnsrekt/offset_tracker/internal/kv"
	"github.com/dgnsrekt/offset_tracker/internal/messaging"
	"github.com/dgnsrekt/offset_tracker/internal/observer"
	"github.com/dgnsrekt/offset_tracker/internal/types"
)

const DefaultOffsetURL = "https://www.pachama.com/marketplace"

// SignalInstaller injects the page signal script into a tab.
type SignalInstaller interface {
	InstallSignals(ctx context.Context, tabID string) error
}

// Deps wires the service. Tabs may be nil, in which case observers rely on
// polling alone.
type Deps struct {
	Coordinator *coordinator.Coordinator
	Hub         *observer.Hub
	Tabs        SignalInstaller
	Identity    *identity.Provider
	Store       kv.Store
	OffsetURL   string
}

// TabState is a session together with its badge and observer status.
type TabState struct {
	coordinator.Session
	Badge    badge.Badge `json:"badge"`
	Observed bool        `json:"observed"`
}

// Summary is the popup view over all active sessions.
type Summary struct {
	coordinator.Totals
	Emissions string `json:"emissions" doc:"kg CO2e, 4 decimals"`
	Water     string `json:"water" doc:"litres, 1 decimal"`
	OffsetURL string `json:"offset_url"`
}

// Onboarding is the stored onboarding progress.
type Onboarding struct {
	Complete bool `json:"complete"`
	Step     int  `json:"step"`
}

type Health struct {
	Status       string `json:"status"`
	ObservedTabs int    `json:"observed_tabs"`
}

// Service ties tab lifecycle events, observers and the coordinator together
// and backs the REST API.
type Service struct {
	coord     *coordinator.Coordinator
	hub       *observer.Hub
	tabs      SignalInstaller
	ident     *identity.Provider
	store     kv.Store
	offsetURL string

	reconcile sync.Once
}

func NewService(d Deps) *Service {
	if d.OffsetURL == "" {
		d.OffsetURL = DefaultOffsetURL
	}
	return &Service{
		coord:     d.Coordinator,
		hub:       d.Hub,
		tabs:      d.Tabs,
		ident:     d.Identity,
		store:     d.Store,
		offsetURL: d.OffsetURL,
	}
}

func (s *Service) requireNonEmpty(value, fieldName string) error {
	if strings.TrimSpace(value) == "" {
		return types.NewError(types.CodeValidation, fieldName+" is required", nil)
	}
	return nil
}

// TabDiscovered handles tabs that were already open when the daemon
// started. A tab that still has a stored session keeps it.
func (s *Service) TabDiscovered(ctx context.Context, tab types.TabInfo) {
	if !s.coord.Tracks(tab.URL) {
		return
	}
	if _, err := s.coord.Session(ctx, tab.TabID); err == nil {
		slog.Info("controller session resumed", "tab_id", tab.ShortID())
		s.observe(ctx, tab.TabID)
		return
	}
	s.TabLoaded(ctx, tab)
}

// TabLoaded starts a session for a tracked page and attaches an observer.
// Leaving the tracked site stops the observer but keeps the session until
// the tab closes.
func (s *Service) TabLoaded(ctx context.Context, tab types.TabInfo) {
	started, err := s.coord.TabLoaded(ctx, tab.TabID, tab.URL)
	if err != nil {
		slog.Error("controller session start failed", "tab_id", tab.ShortID(), "error", err)
		return
	}
	if !started {
		s.hub.Detach(tab.TabID)
		return
	}
	s.observe(ctx, tab.TabID)
}

// TabNavigated records in-page routing on the tracked site so a later
// reload of the new URL keeps the session.
func (s *Service) TabNavigated(ctx context.Context, tab types.TabInfo) {
	if err := s.coord.TabNavigated(ctx, tab.TabID, tab.URL); err != nil {
		slog.Warn("controller session url update failed", "tab_id", tab.ShortID(), "error", err)
	}
}

func (s *Service) TabClosed(ctx context.Context, tabID string) {
	s.hub.Detach(tabID)
	if err := s.coord.TabClosed(ctx, tabID); err != nil {
		slog.Warn("controller session close failed", "tab_id", types.ShortTabID(tabID), "error", err)
	}
}

// TabsSynced reconciles stored sessions against the first successful tab
// listing only; later listings are handled by TabClosed.
func (s *Service) TabsSynced(ctx context.Context, live []string) {
	s.reconcile.Do(func() {
		if err := s.coord.Reconcile(ctx, live); err != nil {
			slog.Warn("controller reconcile failed", "error", err)
		}
	})
}

func (s *Service) observe(ctx context.Context, tabID string) {
	s.hub.Attach(tabID)
	if s.tabs == nil {
		return
	}
	if err := s.tabs.InstallSignals(ctx, tabID); err != nil {
		slog.Warn("controller page signals unavailable, polling only", "tab_id", types.ShortTabID(tabID), "error", err)
	}
}

func (s *Service) Health(ctx context.Context) (Health, error) {
	return Health{Status: "ok", ObservedTabs: len(s.hub.Tabs())}, nil
}

func (s *Service) Identity(ctx context.Context) (identity.Info, error) {
	info, err := s.ident.Info(ctx)
	if err != nil {
		return identity.Info{}, types.NewError(types.CodeStoreFailure, "read identity", err)
	}
	return info, nil
}

func (s *Service) ListTabs(ctx context.Context) ([]TabState, error) {
	sessions, err := s.coord.Sessions(ctx)
	if err != nil {
		return nil, err
	}
	observed := make(map[string]bool)
	for _, id := range s.hub.Tabs() {
		observed[id] = true
	}
	out := make([]TabState, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, TabState{
			Session:  sess,
			Badge:    s.coord.Badges().Get(sess.TabID),
			Observed: observed[sess.TabID],
		})
	}
	return out, nil
}

func (s *Service) GetTab(ctx context.Context, tabID string) (TabState, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return TabState{}, err
	}
	tabID = strings.TrimSpace(tabID)
	sess, err := s.coord.Session(ctx, tabID)
	if err != nil {
		return TabState{}, err
	}
	_, pingErr := s.hub.Ping(ctx, tabID)
	return TabState{
		Session:  sess,
		Badge:    s.coord.Badges().Get(tabID),
		Observed: pingErr == nil,
	}, nil
}

func (s *Service) StoreTabCount(ctx context.Context, tabID string, count int) (messaging.StoreTabCountResponse, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return messaging.StoreTabCountResponse{}, err
	}
	return s.coord.StoreTabCount(ctx, messaging.StoreTabCountRequest{TabID: strings.TrimSpace(tabID), Count: count})
}

func (s *Service) ResetCount(ctx context.Context, tabID string) (messaging.ResetCountResponse, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return messaging.ResetCountResponse{}, err
	}
	resp, err := s.hub.Reset(ctx, strings.TrimSpace(tabID))
	return resp, noReceiver(err)
}

func (s *Service) RefreshCount(ctx context.Context, tabID string) (messaging.RefreshCountResponse, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return messaging.RefreshCountResponse{}, err
	}
	resp, err := s.hub.Refresh(ctx, strings.TrimSpace(tabID))
	return resp, noReceiver(err)
}

func (s *Service) Ping(ctx context.Context, tabID string) (messaging.PingResponse, error) {
	if err := s.requireNonEmpty(tabID, "tab_id"); err != nil {
		return messaging.PingResponse{}, err
	}
	resp, err := s.hub.Ping(ctx, strings.TrimSpace(tabID))
	return resp, noReceiver(err)
}

func (s *Service) Summary(ctx context.Context) (Summary, error) {
	totals, err := s.coord.Totals(ctx)
	if err != nil {
		return Summary{}, err
	}
	return Summary{
		Totals:    totals,
		Emissions: estimate.FormatEmissions(totals.EstimatedEmissions),
		Water:     estimate.FormatWater(totals.EstimatedWater),
		OffsetURL: s.offsetURL,
	}, nil
}

func (s *Service) GetOnboarding(ctx context.Context) (Onboarding, error) {
	vals, err := s.store.Get(ctx, kv.KeyOnboardingComplete, kv.KeyOnboardingStep)
	if err != nil {
		return Onboarding{}, types.NewError(types.CodeStoreFailure, "read onboarding", err)
	}
	return Onboarding{
		Complete: vals[kv.KeyOnboardingComplete] == "true",
		Step:     kv.ParseInt(vals[kv.KeyOnboardingStep]),
	}, nil
}

func (s *Service) SetOnboarding(ctx context.Context, o Onboarding) (Onboarding, error) {
	if o.Step < 0 {
		return Onboarding{}, types.NewError(types.CodeValidation, "step must be >= 0", nil)
	}
	complete := "false"
	if o.Complete {
		complete = "true"
	}
	if err := s.store.Set(ctx, map[string]string{
		kv.KeyOnboardingComplete: complete,
		kv.KeyOnboardingStep:     kv.FormatInt(o.Step),
	}); err != nil {
		return Onboarding{}, types.NewError(types.CodeStoreFailure, "write onboarding", err)
	}
	return o, nil
}

// Bootstrap records the install date and makes sure the installation id
// exists before any session can be flushed.
func (s *Service) Bootstrap(ctx context.Context) error {
	if _, err := s.ident.EnsureInstallDate(ctx); err != nil {
		return err
	}
	start := time.Now()
	id, err := s.ident.EnsureID(ctx)
	if err != nil {
		return err
	}
	slog.Info("controller installation id ready", "user_id", id, "took_ms", time.Since(start).Milliseconds())
	return nil
}

func noReceiver(err error) error {
	if err != nil && errors.Is(err, messaging.ErrNoReceiver) {
		return types.NewError(types.CodeNoReceiver, err.Error(), err)
	}
	return err
}
