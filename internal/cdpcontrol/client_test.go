package cdpcontrol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/offset_tracker/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func withDefaultHTTPClient(t *testing.T, transport http.RoundTripper) {
	t.Helper()
	origClient := http.DefaultClient
	t.Cleanup(func() {
		http.DefaultClient = origClient
	})
	http.DefaultClient = &http.Client{
		Transport: transport,
	}
}

// fakeBrowser serves the DevTools HTTP endpoints and a browser-level
// WebSocket that answers the handful of commands the client issues.
type fakeBrowser struct {
	t       *testing.T
	srv     *httptest.Server
	targets []map[string]string
	html    string

	mu      sync.Mutex
	conn    io.ReadWriter
	methods []string
}

func newFakeBrowser(t *testing.T) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{
		t: t,
		targets: []map[string]string{
			{"id": "T1", "type": "page", "url": "https://chatgpt.com/c/1", "title": "ChatGPT"},
			{"id": "T2", "type": "page", "url": "https://example.com/", "title": "Example"},
			{"id": "W1", "type": "service_worker", "url": "https://chatgpt.com/sw.js"},
		},
		html: `<html><body><main><div data-message-author-role="user">hi</div></main></body></html>`,
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{
			"webSocketDebuggerUrl": "ws://" + r.Host + "/devtools/browser/fake",
		})
	})
	mux.HandleFunc("/json/list", func(w http.ResponseWriter, r *http.Request) {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(fb.targets)
	})
	mux.HandleFunc("/devtools/browser/fake", fb.serveWS)
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) serveWS(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		return
	}
	defer conn.Close()
	fb.mu.Lock()
	fb.conn = conn
	fb.mu.Unlock()

	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		fb.mu.Lock()
		fb.methods = append(fb.methods, req.Method)
		fb.mu.Unlock()

		resp := map[string]any{"id": req.ID, "result": fb.result(req.Method, req.Params)}
		if req.SessionID != "" {
			resp["sessionId"] = req.SessionID
		}
		fb.write(resp)
	}
}

func (fb *fakeBrowser) result(method string, params json.RawMessage) any {
	switch method {
	case "Target.attachToTarget":
		var p struct {
			TargetID string `json:"targetId"`
		}
		_ = json.Unmarshal(params, &p)
		return map[string]string{"sessionId": "sess-" + p.TargetID}
	case "Runtime.evaluate":
		var p struct {
			Expression string `json:"expression"`
		}
		_ = json.Unmarshal(params, &p)
		if strings.Contains(p.Expression, "outerHTML") {
			env, _ := json.Marshal(map[string]any{"ok": true, "data": fb.html})
			return map[string]any{"result": map[string]any{"type": "string", "value": string(env)}}
		}
		return map[string]any{"result": map[string]any{"type": "undefined"}}
	case "Browser.getVersion":
		return map[string]string{"product": "Chrome/141.0.7390.54"}
	}
	return map[string]any{}
}

func (fb *fakeBrowser) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fb.t.Errorf("json.Marshal() = %v", err)
		return
	}
	fb.mu.Lock()
	defer fb.mu.Unlock()
	if fb.conn == nil {
		return
	}
	_ = wsutil.WriteServerText(fb.conn, data)
}

func (fb *fakeBrowser) push(method, sessionID string, params any) {
	fb.write(map[string]any{"method": method, "sessionId": sessionID, "params": params})
}

func (fb *fakeBrowser) called(method string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, m := range fb.methods {
		if m == method {
			return true
		}
	}
	return false
}

func connectedClient(t *testing.T, fb *fakeBrowser) *Client {
	t.Helper()
	c := NewClient(fb.srv.URL, 2*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestClientListTabsReturnsPagesOnly(t *testing.T) {
	fb := newFakeBrowser(t)
	c := connectedClient(t, fb)

	tabs, err := c.ListTabs(context.Background())
	if err != nil {
		t.Fatalf("ListTabs() = %v", err)
	}
	if len(tabs) != 2 {
		t.Fatalf("ListTabs() returned %d tabs, want 2: %+v", len(tabs), tabs)
	}
	if tabs[0].TabID != "T1" || tabs[1].TabID != "T2" {
		t.Fatalf("ListTabs() order = %s,%s; want T1,T2", tabs[0].TabID, tabs[1].TabID)
	}
	if tabs[0].URL != "https://chatgpt.com/c/1" {
		t.Fatalf("tabs[0].URL = %q", tabs[0].URL)
	}
}

func TestClientSnapshotReturnsDocumentHTML(t *testing.T) {
	fb := newFakeBrowser(t)
	c := connectedClient(t, fb)

	html, err := c.Snapshot(context.Background(), "T1")
	if err != nil {
		t.Fatalf("Snapshot() = %v", err)
	}
	if html != fb.html {
		t.Fatalf("Snapshot() = %q; want %q", html, fb.html)
	}
	if !fb.called("Target.attachToTarget") {
		t.Fatal("Snapshot() did not attach to the target")
	}
}

func TestClientSnapshotUnknownTab(t *testing.T) {
	fb := newFakeBrowser(t)
	c := connectedClient(t, fb)

	_, err := c.Snapshot(context.Background(), "missing")
	if got := types.CodeOf(err); got != types.CodeTabNotFound {
		t.Fatalf("Snapshot(missing) code = %q; want %q (err=%v)", got, types.CodeTabNotFound, err)
	}

	_, err = c.Snapshot(context.Background(), "  ")
	if got := types.CodeOf(err); got != types.CodeValidation {
		t.Fatalf("Snapshot(blank) code = %q; want %q", got, types.CodeValidation)
	}
}

func TestClientInstallSignalsRoutesEvents(t *testing.T) {
	fb := newFakeBrowser(t)
	c := connectedClient(t, fb)

	type signal struct{ tabID, kind string }
	signals := make(chan signal, 4)
	loads := make(chan string, 4)
	offSignal := c.OnSignal(func(tabID, kind string) { signals <- signal{tabID, kind} })
	defer offSignal()
	offLoad := c.OnLoad(func(tabID string) { loads <- tabID })
	defer offLoad()

	if err := c.InstallSignals(context.Background(), "T1"); err != nil {
		t.Fatalf("InstallSignals() = %v", err)
	}
	for _, method := range []string{"Runtime.enable", "Page.enable", "Runtime.addBinding", "Page.addScriptToEvaluateOnNewDocument", "Runtime.evaluate"} {
		if !fb.called(method) {
			t.Fatalf("InstallSignals() never sent %s", method)
		}
	}

	fb.push("Runtime.bindingCalled", "sess-T1", map[string]any{"name": "somethingElse", "payload": "click"})
	fb.push("Runtime.bindingCalled", "sess-T1", map[string]any{"name": bindingName, "payload": "submit"})
	select {
	case got := <-signals:
		if got.tabID != "T1" || got.kind != "submit" {
			t.Fatalf("signal = %+v; want T1/submit", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}

	fb.push("Page.loadEventFired", "sess-T1", map[string]any{"timestamp": 1})
	select {
	case got := <-loads:
		if got != "T1" {
			t.Fatalf("load tab = %q; want T1", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for load event")
	}

	fb.push("Page.loadEventFired", "sess-unknown", map[string]any{"timestamp": 2})
	select {
	case got := <-loads:
		t.Fatalf("unexpected load for unknown session: %q", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientBrowserVersion(t *testing.T) {
	fb := newFakeBrowser(t)
	c := connectedClient(t, fb)

	v, err := c.BrowserVersion(context.Background())
	if err != nil {
		t.Fatalf("BrowserVersion() = %v", err)
	}
	if v != "Chrome/141.0.7390.54" {
		t.Fatalf("BrowserVersion() = %q", v)
	}
}

func TestConnectWithoutURL(t *testing.T) {
	c := NewClient("", 0)
	err := c.Connect(context.Background())
	if got := types.CodeOf(err); got != types.CodeCDPUnavailable {
		t.Fatalf("Connect() code = %q; want %q", got, types.CodeCDPUnavailable)
	}
}

func TestSyncTabsLockedWrapsListTargetsError(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path == "/json/list" {
			return &http.Response{
				StatusCode: http.StatusInternalServerError,
				Body:       io.NopCloser(strings.NewReader(`oops`)),
			}, nil
		}
		return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(``))}, nil
	}))

	c := &Client{
		cdp:         newRawCDP("http://example.com"),
		tabs:        map[target.ID]*tabSession{},
		wantSignals: map[target.ID]bool{},
		sessionTabs: map[string]string{},
		tabLocks:    map[string]*sync.Mutex{},
	}

	err := c.syncTabsLocked(context.Background())
	if err == nil {
		t.Fatal("expected syncTabsLocked() to fail")
	}

	var codedErr *types.CodedError
	if !errors.As(err, &codedErr) {
		t.Fatalf("expected *types.CodedError, got %T", err)
	}
	if codedErr.Code != types.CodeCDPUnavailable {
		t.Fatalf("error code = %s; want %s", codedErr.Code, types.CodeCDPUnavailable)
	}
	if !strings.Contains(codedErr.Message, "failed to list targets") {
		t.Fatalf("error message = %q; want to contain %q", codedErr.Message, "failed to list targets")
	}
}

func TestSyncTabsLockedPrunesVanishedTabs(t *testing.T) {
	withDefaultHTTPClient(t, roundTripFunc(func(req *http.Request) (*http.Response, error) {
		body := `[{"id":"keep","type":"page","url":"https://chatgpt.com/","title":"k"}]`
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader(body))}, nil
	}))

	c := &Client{
		cdp: newRawCDP("http://example.com"),
		tabs: map[target.ID]*tabSession{
			"gone": {sessionID: "sess-gone"},
		},
		wantSignals: map[target.ID]bool{"gone": true, "keep": true},
		sessionTabs: map[string]string{"sess-gone": "gone"},
		tabLocks:    map[string]*sync.Mutex{"gone": {}},
	}

	if err := c.syncTabsLocked(context.Background()); err != nil {
		t.Fatalf("syncTabsLocked() = %v", err)
	}
	if _, ok := c.tabs["gone"]; ok {
		t.Fatal("vanished tab still tracked")
	}
	if s := c.tabs["keep"]; s == nil || !s.signals {
		t.Fatalf("kept tab = %+v; want signals carried over", s)
	}
	if _, ok := c.sessionTabs["sess-gone"]; ok {
		t.Fatal("vanished session still mapped")
	}
	if c.wantSignals["gone"] {
		t.Fatal("vanished tab still wants signals")
	}
	if _, ok := c.tabLocks["gone"]; ok {
		t.Fatal("vanished tab lock not pruned")
	}
}

func TestShouldRetry(t *testing.T) {
	c := &Client{}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "cdp unavailable", err: newError(types.CodeCDPUnavailable, "down", nil), want: true},
		{name: "tab not found", err: newError(types.CodeTabNotFound, "gone", nil), want: false},
		{name: "eval without cause", err: newError(types.CodeEvalFailure, "bad", nil), want: false},
		{name: "eval with transient cause", err: newError(types.CodeEvalFailure, "bad", errors.New("rawcdp: Runtime.evaluate: No session with given id")), want: true},
		{name: "eval with page error", err: newError(types.CodeEvalFailure, "bad", errors.New("rawcdp: eval exception: TypeError")), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.shouldRetry(tt.err); got != tt.want {
				t.Fatalf("shouldRetry(%v) = %v; want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCleanupLockedLogsDetachFailure(t *testing.T) {
	var buf bytes.Buffer
	oldLogger := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() {
		slog.SetDefault(oldLogger)
	})

	client := &Client{
		cdp: &rawCDP{},
		tabs: map[target.ID]*tabSession{
			"target-1": {
				sessionID: "session-1",
				installed: true,
			},
		},
	}
	client.cleanupLocked()

	if !strings.Contains(buf.String(), "detach cleanup failed") {
		t.Fatalf("expected detach cleanup debug log, got %q", buf.String())
	}
	if len(client.tabs) != 0 {
		t.Fatalf("tabs after cleanup = %d; want 0", len(client.tabs))
	}
}
