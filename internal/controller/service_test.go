package controller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/badge"
	"github.com/dgnsrekt/offset_tracker/internal/coordinator"
	"github.com/dgnsrekt/offset_tracker/internal/detect"
	"github.com/dgnsrekt/offset_tracker/internal/identity"
	"github.com/dgnsrekt/offset_tracker/internal/kv"
	"github.com/dgnsrekt/offset_tracker/internal/messaging"
	"github.com/dgnsrekt/offset_tracker/internal/observer"
	"github.com/dgnsrekt/offset_tracker/internal/types"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const chatURL = "https://chatgpt.com/c/abc"

type emptySource struct{}

func (emptySource) Snapshot(context.Context, string) (string, error) { return "", nil }

type recordingInstaller struct {
	mu   sync.Mutex
	tabs []string
	err  error
}

func (r *recordingInstaller) InstallSignals(_ context.Context, tabID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tabs = append(r.tabs, tabID)
	return r.err
}

func (r *recordingInstaller) calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.tabs...)
}

type fixture struct {
	store     *kv.MemoryStore
	coord     *coordinator.Coordinator
	hub       *observer.Hub
	installer *recordingInstaller
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := kv.NewMemoryStore()
	ident := identity.New(store, identity.Options{
		LockExpiry: time.Second,
		RetryDelay: 5 * time.Millisecond,
		Settle:     5 * time.Millisecond,
	})
	coord := coordinator.New(store, coordinator.Config{Badges: badge.NewBoard(nil)})
	ctx, cancel := context.WithCancel(context.Background())
	hub := observer.NewHub(ctx, emptySource{}, detect.NewHolder(detect.NewChain(detect.DefaultOptions())), coord, observer.Config{
		PollInterval: time.Hour,
		InitialDelay: -1,
	})
	t.Cleanup(func() {
		hub.Close()
		cancel()
		_ = coord.Close()
	})
	installer := &recordingInstaller{}
	return &fixture{
		store:     store,
		coord:     coord,
		hub:       hub,
		installer: installer,
		svc: NewService(Deps{
			Coordinator: coord,
			Hub:         hub,
			Tabs:        installer,
			Identity:    ident,
			Store:       store,
		}),
	}
}

func TestRequireNonEmpty(t *testing.T) {
	s := &Service{}
	if err := s.requireNonEmpty("tab-1", "tab_id"); err != nil {
		t.Fatalf("requireNonEmpty() = %v; want nil", err)
	}

	err := s.requireNonEmpty("   ", "tab_id")
	var got *types.CodedError
	if !errors.As(err, &got) {
		t.Fatalf("requireNonEmpty() = %T; want *types.CodedError", err)
	}
	if got.Code != types.CodeValidation {
		t.Fatalf("requireNonEmpty() code = %q; want %q", got.Code, types.CodeValidation)
	}
	if got.Message != "tab_id is required" {
		t.Fatalf("requireNonEmpty() message = %q; want %q", got.Message, "tab_id is required")
	}
}

func TestTabLoadedStartsSessionAndObserver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.TabLoaded(ctx, types.TabInfo{TabID: "T1", URL: chatURL})

	if _, err := f.coord.Session(ctx, "T1"); err != nil {
		t.Fatalf("Session(T1) = %v; want started session", err)
	}
	if tabs := f.hub.Tabs(); len(tabs) != 1 || tabs[0] != "T1" {
		t.Fatalf("observed tabs = %v; want [T1]", tabs)
	}
	if calls := f.installer.calls(); len(calls) != 1 || calls[0] != "T1" {
		t.Fatalf("InstallSignals calls = %v; want [T1]", calls)
	}

	pong, err := f.svc.Ping(ctx, "T1")
	if err != nil || !pong.Pong {
		t.Fatalf("Ping(T1) = %+v, %v; want pong", pong, err)
	}
}

func TestTabLoadedUntrackedKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.TabLoaded(ctx, types.TabInfo{TabID: "T1", URL: chatURL})
	before, _ := f.coord.Session(ctx, "T1")
	f.svc.TabLoaded(ctx, types.TabInfo{TabID: "T1", URL: "https://example.com/"})

	after, err := f.coord.Session(ctx, "T1")
	if err != nil {
		t.Fatalf("Session(T1) = %v", err)
	}
	if after.SessionID != before.SessionID {
		t.Fatalf("session id changed from %s to %s", before.SessionID, after.SessionID)
	}
	if tabs := f.hub.Tabs(); len(tabs) != 0 {
		t.Fatalf("observed tabs = %v; want none after leaving the site", tabs)
	}
}

func TestReloadAfterRoutingKeepsSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.TabLoaded(ctx, types.TabInfo{TabID: "T1", URL: "https://chatgpt.com/"})
	if _, err := f.svc.StoreTabCount(ctx, "T1", 3); err != nil {
		t.Fatalf("StoreTabCount() = %v", err)
	}
	before, _ := f.coord.Session(ctx, "T1")

	f.svc.TabNavigated(ctx, types.TabInfo{TabID: "T1", URL: chatURL})
	f.svc.TabLoaded(ctx, types.TabInfo{TabID: "T1", URL: chatURL})

	after, err := f.coord.Session(ctx, "T1")
	if err != nil {
		t.Fatalf("Session(T1) = %v", err)
	}
	if after.SessionID != before.SessionID || after.PromptCount != 3 {
		t.Fatalf("session after reload = %+v; want %s with 3 prompts", after, before.SessionID)
	}
	if calls := f.installer.calls(); len(calls) != 2 {
		t.Fatalf("InstallSignals calls = %v; want one per load", calls)
	}
	if tabs := f.hub.Tabs(); len(tabs) != 1 || tabs[0] != "T1" {
		t.Fatalf("observed tabs = %v; want [T1]", tabs)
	}
}

func TestTabDiscoveredResumesStoredSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.coord.TabLoaded(ctx, "T1", chatURL); err != nil {
		t.Fatalf("TabLoaded() = %v", err)
	}
	before, _ := f.coord.Session(ctx, "T1")

	f.svc.TabDiscovered(ctx, types.TabInfo{TabID: "T1", URL: chatURL})
	f.svc.TabDiscovered(ctx, types.TabInfo{TabID: "T2", URL: chatURL})
	f.svc.TabDiscovered(ctx, types.TabInfo{TabID: "T3", URL: "https://example.com/"})

	after, _ := f.coord.Session(ctx, "T1")
	if after.SessionID != before.SessionID {
		t.Fatalf("resumed session id = %s; want %s", after.SessionID, before.SessionID)
	}
	if _, err := f.coord.Session(ctx, "T2"); err != nil {
		t.Fatalf("Session(T2) = %v; want new session", err)
	}
	if _, err := f.coord.Session(ctx, "T3"); types.CodeOf(err) != types.CodeSessionNotFound {
		t.Fatalf("Session(T3) err = %v; want %s", err, types.CodeSessionNotFound)
	}
	if tabs := f.hub.Tabs(); len(tabs) != 2 {
		t.Fatalf("observed tabs = %v; want T1 and T2", tabs)
	}
}

func TestTabsSyncedReconcilesOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, id := range []string{"live", "stale"} {
		if _, err := f.coord.TabLoaded(ctx, id, chatURL); err != nil {
			t.Fatalf("TabLoaded(%s) = %v", id, err)
		}
	}
	f.svc.TabsSynced(ctx, []string{"live"})
	if _, err := f.coord.Session(ctx, "stale"); err == nil {
		t.Fatal("stale session survived the first sync")
	}

	if _, err := f.coord.TabLoaded(ctx, "later", chatURL); err != nil {
		t.Fatalf("TabLoaded(later) = %v", err)
	}
	f.svc.TabsSynced(ctx, []string{"live"})
	if _, err := f.coord.Session(ctx, "later"); err != nil {
		t.Fatalf("second sync reconciled again: %v", err)
	}
}

func TestTabClosedRemovesSessionAndObserver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.TabLoaded(ctx, types.TabInfo{TabID: "T1", URL: chatURL})
	f.svc.TabClosed(ctx, "T1")

	if _, err := f.coord.Session(ctx, "T1"); err == nil {
		t.Fatal("session still present after close")
	}
	if tabs := f.hub.Tabs(); len(tabs) != 0 {
		t.Fatalf("observed tabs = %v; want none", tabs)
	}
	keys, _ := f.store.Keys(ctx, kv.TabPrefix)
	if len(keys) != 0 {
		t.Fatalf("leftover tab keys = %v", keys)
	}
}

func TestControlWithoutObserverIsNoReceiver(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.ResetCount(ctx, "nobody")
	if types.CodeOf(err) != types.CodeNoReceiver {
		t.Fatalf("ResetCount() code = %q; want %q", types.CodeOf(err), types.CodeNoReceiver)
	}
	if !messaging.IsTransient(err) {
		t.Fatalf("ResetCount() error %v is not transient", err)
	}

	_, err = f.svc.RefreshCount(ctx, " ")
	if types.CodeOf(err) != types.CodeValidation {
		t.Fatalf("RefreshCount(blank) code = %q; want %q", types.CodeOf(err), types.CodeValidation)
	}
}

func TestStoreCountAndSummary(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.TabLoaded(ctx, types.TabInfo{TabID: "T1", URL: chatURL})
	if _, err := f.svc.StoreTabCount(ctx, "T1", 3); err != nil {
		t.Fatalf("StoreTabCount() = %v", err)
	}

	state, err := f.svc.GetTab(ctx, "T1")
	if err != nil {
		t.Fatalf("GetTab() = %v", err)
	}
	if state.PromptCount != 3 || state.Badge.Text != "3" || !state.Observed {
		t.Fatalf("GetTab() = %+v; want count 3, badge 3, observed", state)
	}

	sum, err := f.svc.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary() = %v", err)
	}
	if sum.PromptCount != 3 || sum.Emissions != "0.0006" || sum.Water != "1.5" {
		t.Fatalf("Summary() = %+v", sum)
	}
	if sum.OffsetURL != DefaultOffsetURL {
		t.Fatalf("OffsetURL = %q; want %q", sum.OffsetURL, DefaultOffsetURL)
	}
}

func TestOnboarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	got, err := f.svc.GetOnboarding(ctx)
	if err != nil {
		t.Fatalf("GetOnboarding() = %v", err)
	}
	if got != (Onboarding{}) {
		t.Fatalf("GetOnboarding() = %+v; want zero value", got)
	}

	if _, err := f.svc.SetOnboarding(ctx, Onboarding{Complete: true, Step: 3}); err != nil {
		t.Fatalf("SetOnboarding() = %v", err)
	}
	got, _ = f.svc.GetOnboarding(ctx)
	if got != (Onboarding{Complete: true, Step: 3}) {
		t.Fatalf("GetOnboarding() = %+v", got)
	}

	if _, err := f.svc.SetOnboarding(ctx, Onboarding{Step: -1}); types.CodeOf(err) != types.CodeValidation {
		t.Fatalf("SetOnboarding(-1) code = %q; want %q", types.CodeOf(err), types.CodeValidation)
	}
}

func TestBootstrapCreatesIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if err := f.svc.Bootstrap(ctx); err != nil {
		t.Fatalf("Bootstrap() = %v", err)
	}
	info, err := f.svc.Identity(ctx)
	if err != nil {
		t.Fatalf("Identity() = %v", err)
	}
	if info.UserID == "" || info.CreatedAt.IsZero() || info.InstallDate.IsZero() {
		t.Fatalf("Identity() = %+v; want id, created and install dates", info)
	}
}
