package cdpcontrol

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/offset_tracker/internal/types"
)

// transientHints are substrings in error causes that indicate a transient
// failure worth retrying (e.g. broken connection, closed session).
var transientHints = []string{
	"context canceled",
	"target closed",
	"session closed",
	"no session with given id",
	"websocket",
	"connection reset",
	"broken pipe",
	"eof",
	"connection refused",
	"connection closed",
	"not connected",
}

type tabSession struct {
	info      types.TabInfo
	mu        sync.Mutex
	sessionID string // CDP session ID from Target.attachToTarget
	signals   bool   // signal script wanted on this tab
	installed bool   // signal script installed on sessionID
}

// Client talks to one Chromium instance over CDP. Tab ids are CDP target
// ids.
type Client struct {
	cdpURL      string
	evalTimeout time.Duration

	mu          sync.Mutex
	cdp         *rawCDP
	tabs        map[target.ID]*tabSession
	wantSignals map[target.ID]bool // survives reconnects

	sessMu      sync.RWMutex
	sessionTabs map[string]string

	hookMu      sync.RWMutex
	signalHooks map[int]func(tabID, kind string)
	loadHooks   map[int]func(tabID string)
	nextHook    int

	tabLocksMu sync.Mutex
	tabLocks   map[string]*sync.Mutex
}

type evalEnvelope struct {
	OK           bool            `json:"ok"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    string          `json:"error_code,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

func NewClient(cdpURL string, evalTimeout time.Duration) *Client {
	if evalTimeout <= 0 {
		evalTimeout = 5 * time.Second
	}
	return &Client{
		cdpURL:      cdpURL,
		evalTimeout: evalTimeout,
		tabs:        make(map[target.ID]*tabSession),
		wantSignals: make(map[target.ID]bool),
		sessionTabs: make(map[string]string),
		signalHooks: make(map[int]func(string, string)),
		loadHooks:   make(map[int]func(string)),
		tabLocks:    make(map[string]*sync.Mutex),
	}
}

func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) connectLocked(ctx context.Context) error {
	if c.cdpURL == "" {
		return newError(types.CodeCDPUnavailable, "missing CDP URL", nil)
	}

	slog.Info("cdpcontrol connect start", "cdp_url", c.cdpURL)
	c.cleanupLocked()

	c.cdp = newRawCDP(c.cdpURL)
	if err := c.cdp.connect(ctx); err != nil {
		c.cdp = nil
		return newError(types.CodeCDPUnavailable, "connect to CDP failed", err)
	}
	c.cdp.registerEventHandler("Runtime.bindingCalled", c.onBindingCalled)
	c.cdp.registerEventHandler("Page.loadEventFired", c.onLoadEventFired)

	if err := c.syncTabsLocked(ctx); err != nil {
		slog.Error("cdpcontrol initial tab sync failed", "error", err)
		c.cleanupLocked()
		return err
	}

	c.reinstallSignalsLocked(ctx)
	slog.Info("cdpcontrol connect ok", "cdp_url", c.cdpURL, "tabs", len(c.tabs))
	return nil
}

// reinstallSignalsLocked restores the signal script on tabs that had it
// before a reconnect. Failures are retried lazily on the next evaluation.
func (c *Client) reinstallSignalsLocked(ctx context.Context) {
	for targetID, session := range c.tabs {
		if !session.signals {
			continue
		}
		if _, err := c.ensureSession(ctx, c.cdp, session, string(targetID)); err != nil {
			slog.Warn("cdpcontrol signal reinstall failed", "tab_id", string(targetID), "error", err)
		}
	}
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cleanupLocked()
	return nil
}

func (c *Client) cleanupLocked() {
	// Detach from any active sessions without closing targets.
	if c.cdp != nil {
		for targetID, session := range c.tabs {
			if session == nil {
				continue
			}
			session.mu.Lock()
			if session.sessionID != "" {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				if err := c.cdp.detachFromTarget(ctx, session.sessionID); err != nil {
					slog.Debug("cdpcontrol detach cleanup failed", "tab_id", string(targetID), "error", err)
				}
				cancel()
				session.sessionID = ""
				session.installed = false
			}
			session.mu.Unlock()
		}
		c.cdp.close()
		c.cdp = nil
	}
	c.tabs = make(map[target.ID]*tabSession)
	c.sessMu.Lock()
	c.sessionTabs = make(map[string]string)
	c.sessMu.Unlock()
}

// ListTabs returns every page target, sorted by tab id.
func (c *Client) ListTabs(ctx context.Context) ([]types.TabInfo, error) {
	if err := c.refreshTabs(ctx); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TabInfo, 0, len(c.tabs))
	for _, session := range c.tabs {
		out = append(out, session.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TabID < out[j].TabID })
	return out, nil
}

// Snapshot returns the tab's document outerHTML.
func (c *Client) Snapshot(ctx context.Context, tabID string) (string, error) {
	var html string
	if err := c.evalOnTab(ctx, tabID, jsSnapshot, &html); err != nil {
		return "", err
	}
	return html, nil
}

// InstallSignals injects the page signal script into the tab, now and on
// every future document. It is reinstalled automatically whenever the
// client re-attaches to the tab.
func (c *Client) InstallSignals(ctx context.Context, tabID string) error {
	lock := c.tabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	session, info, err := c.resolveTabSession(ctx, tabID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	cdp := c.cdp
	c.wantSignals[target.ID(info.TabID)] = true
	c.mu.Unlock()
	if cdp == nil {
		return newError(types.CodeCDPUnavailable, "CDP client not connected", nil)
	}
	session.mu.Lock()
	session.signals = true
	session.mu.Unlock()

	if _, err := c.ensureSession(ctx, cdp, session, info.TabID); err != nil {
		return err
	}
	slog.Info("cdpcontrol signals installed", "tab_id", info.TabID)
	return nil
}

// OnSignal registers fn for page signals. fn runs on the CDP read loop and
// must not block or issue CDP calls.
func (c *Client) OnSignal(fn func(tabID, kind string)) func() {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	id := c.nextHook
	c.nextHook++
	c.signalHooks[id] = fn
	return func() {
		c.hookMu.Lock()
		delete(c.signalHooks, id)
		c.hookMu.Unlock()
	}
}

// OnLoad registers fn for Page.loadEventFired on tabs with signals. Same
// constraints as OnSignal.
func (c *Client) OnLoad(fn func(tabID string)) func() {
	c.hookMu.Lock()
	defer c.hookMu.Unlock()
	id := c.nextHook
	c.nextHook++
	c.loadHooks[id] = fn
	return func() {
		c.hookMu.Lock()
		delete(c.loadHooks, id)
		c.hookMu.Unlock()
	}
}

// BrowserVersion returns the browser product string.
func (c *Client) BrowserVersion(ctx context.Context) (string, error) {
	if err := c.ensureConnected(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return "", newError(types.CodeCDPUnavailable, "CDP client not connected", nil)
	}
	v, err := cdp.browserVersion(ctx)
	if err != nil {
		return "", newError(types.CodeCDPUnavailable, "browser version", err)
	}
	return v, nil
}

func (c *Client) onBindingCalled(sessionID string, params json.RawMessage) {
	var evt struct {
		Name    string `json:"name"`
		Payload string `json:"payload"`
	}
	if json.Unmarshal(params, &evt) != nil || evt.Name != bindingName {
		return
	}
	tabID, ok := c.tabForSession(sessionID)
	if !ok {
		return
	}
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	for _, fn := range c.signalHooks {
		fn(tabID, evt.Payload)
	}
}

func (c *Client) onLoadEventFired(sessionID string, _ json.RawMessage) {
	tabID, ok := c.tabForSession(sessionID)
	if !ok {
		return
	}
	slog.Debug("cdpcontrol load event", "tab_id", tabID)
	c.hookMu.RLock()
	defer c.hookMu.RUnlock()
	for _, fn := range c.loadHooks {
		fn(tabID)
	}
}

func (c *Client) tabForSession(sessionID string) (string, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	id, ok := c.sessionTabs[sessionID]
	return id, ok
}

func (c *Client) evalOnTab(ctx context.Context, tabID, js string, out any) error {
	tabID = strings.TrimSpace(tabID)
	if tabID == "" {
		return newError(types.CodeValidation, "tab id is required", nil)
	}

	lock := c.tabLock(tabID)
	lock.Lock()
	defer lock.Unlock()

	// First attempt.
	session, info, err := c.resolveTabSession(ctx, tabID)
	if err != nil {
		slog.Debug("cdpcontrol tab resolve failed", "tab_id", tabID, "error", err)
	} else {
		err = c.evalOnSession(ctx, session, info.TabID, js, out)
	}
	if err == nil {
		return nil
	}
	if !c.shouldRetry(err) {
		return err
	}

	// Retry after recovery.
	slog.Warn("cdpcontrol eval retry after transient failure", "tab_id", tabID, "error", err)
	if c.asCode(err, types.CodeCDPUnavailable) {
		if recErr := c.reconnect(ctx); recErr != nil {
			slog.Error("cdpcontrol reconnect failed during retry", "tab_id", tabID, "error", recErr)
			return recErr
		}
	} else if syncErr := c.refreshTabs(ctx); syncErr != nil {
		slog.Warn("cdpcontrol tab refresh failed during retry", "tab_id", tabID, "error", syncErr)
	}

	session, info, err = c.resolveTabSession(ctx, tabID)
	if err != nil {
		return err
	}
	return c.evalOnSession(ctx, session, info.TabID, js, out)
}

func (c *Client) evalOnSession(ctx context.Context, session *tabSession, targetID, js string, out any) error {
	c.mu.Lock()
	cdp := c.cdp
	c.mu.Unlock()
	if cdp == nil {
		return newError(types.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	sessionID, err := c.ensureSession(ctx, cdp, session, targetID)
	if err != nil {
		return err
	}

	evalCtx, evalCancel := context.WithTimeout(ctx, c.evalTimeout)
	defer evalCancel()

	raw, err := cdp.evaluate(evalCtx, sessionID, js)
	if err != nil {
		slog.Warn("cdpcontrol eval failed", "tab_id", targetID, "error", err)
		// Reset session so a fresh attach happens on retry.
		session.mu.Lock()
		if session.sessionID == sessionID {
			session.sessionID = ""
			session.installed = false
		}
		session.mu.Unlock()

		if errors.Is(err, context.DeadlineExceeded) || errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
			return newError(types.CodeEvalTimeout, "evaluation timed out", err)
		}
		return newError(types.CodeEvalFailure, "evaluation failed", err)
	}

	var env evalEnvelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return newError(types.CodeEvalFailure, "invalid evaluation envelope", err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == "" {
			code = types.CodeEvalFailure
		}
		return newError(code, env.ErrorMessage, nil)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return newError(types.CodeEvalFailure, "invalid evaluation data", err)
	}
	return nil
}

// ensureSession returns a CDP session ID for the target, attaching if
// needed, and installs the signal script when the tab wants it.
func (c *Client) ensureSession(ctx context.Context, cdp *rawCDP, session *tabSession, targetID string) (string, error) {
	session.mu.Lock()
	defer session.mu.Unlock()

	if session.sessionID == "" {
		sid, err := cdp.attachToTarget(ctx, targetID)
		if err != nil {
			return "", newError(types.CodeCDPUnavailable, "attach to target failed", err)
		}
		session.sessionID = sid
		session.installed = false
		c.sessMu.Lock()
		c.sessionTabs[sid] = targetID
		c.sessMu.Unlock()
		slog.Debug("cdpcontrol session attached", "tab_id", targetID, "session_id", sid)
	}

	if session.signals && !session.installed {
		if err := installSignals(ctx, cdp, session.sessionID); err != nil {
			return "", newError(types.CodeEvalFailure, "install page signals failed", err)
		}
		session.installed = true
	}
	return session.sessionID, nil
}

func installSignals(ctx context.Context, cdp *rawCDP, sessionID string) error {
	if err := cdp.enableDomains(ctx, sessionID); err != nil {
		return err
	}
	if err := cdp.addBinding(ctx, sessionID, bindingName); err != nil {
		return err
	}
	script := signalScript()
	if err := cdp.addScriptOnNewDocument(ctx, sessionID, script); err != nil {
		return err
	}
	// The current document predates the registration above.
	_, err := cdp.evaluate(ctx, sessionID, script)
	return err
}

func (c *Client) resolveTabSession(ctx context.Context, tabID string) (*tabSession, types.TabInfo, error) {
	session, info, found := c.lookupTabSession(tabID)
	if found {
		return session, info, nil
	}

	if err := c.refreshTabs(ctx); err != nil {
		return nil, types.TabInfo{}, err
	}

	session, info, found = c.lookupTabSession(tabID)
	if found {
		return session, info, nil
	}

	return nil, types.TabInfo{}, newError(types.CodeTabNotFound, "tab not found: "+tabID, nil)
}

func (c *Client) lookupTabSession(tabID string) (*tabSession, types.TabInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	session := c.tabs[target.ID(tabID)]
	if session == nil {
		return nil, types.TabInfo{}, false
	}
	return session, session.info, true
}

func (c *Client) refreshTabs(ctx context.Context) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.syncTabsLocked(ctx)
}

func (c *Client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(ctx)
}

func (c *Client) syncTabsLocked(ctx context.Context) error {
	if c.cdp == nil {
		return newError(types.CodeCDPUnavailable, "CDP client not connected", nil)
	}

	targets, err := c.cdp.listTargets(ctx)
	if err != nil {
		return newError(types.CodeCDPUnavailable, "failed to list targets", err)
	}

	expected := make(map[target.ID]types.TabInfo)
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		expected[t.TargetID] = types.TabInfo{
			TabID: string(t.TargetID),
			URL:   t.URL,
			Title: t.Title,
		}
	}

	for targetID, session := range c.tabs {
		if _, ok := expected[targetID]; ok {
			continue
		}
		delete(c.tabs, targetID)
		session.mu.Lock()
		sid := session.sessionID
		session.mu.Unlock()
		if sid != "" {
			c.sessMu.Lock()
			delete(c.sessionTabs, sid)
			c.sessMu.Unlock()
		}
	}

	for targetID := range c.wantSignals {
		if _, ok := expected[targetID]; !ok {
			delete(c.wantSignals, targetID)
		}
	}

	for targetID, info := range expected {
		if session := c.tabs[targetID]; session != nil {
			session.info = info
			continue
		}
		c.tabs[targetID] = &tabSession{info: info, signals: c.wantSignals[targetID]}
	}

	// Prune tab locks for tabs no longer present.
	c.tabLocksMu.Lock()
	for id := range c.tabLocks {
		if _, ok := c.tabs[target.ID(id)]; !ok {
			delete(c.tabLocks, id)
		}
	}
	c.tabLocksMu.Unlock()

	slog.Debug("cdpcontrol tab sync", "targets", len(targets), "pages", len(c.tabs))
	return nil
}

func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	connected := c.cdp != nil && c.cdp.connected()
	c.mu.Unlock()
	if connected {
		return nil
	}
	return c.reconnect(ctx)
}

func (c *Client) tabLock(tabID string) *sync.Mutex {
	c.tabLocksMu.Lock()
	defer c.tabLocksMu.Unlock()
	m, ok := c.tabLocks[tabID]
	if !ok {
		m = &sync.Mutex{}
		c.tabLocks[tabID] = m
	}
	return m
}

func (c *Client) shouldRetry(err error) bool {
	var coded *types.CodedError
	if !errors.As(err, &coded) {
		return false
	}

	switch coded.Code {
	case types.CodeCDPUnavailable:
		return true
	case types.CodeTabNotFound:
		return false
	case types.CodeEvalFailure:
		if coded.Cause == nil {
			return false
		}
		cause := strings.ToLower(coded.Cause.Error())
		for _, hint := range transientHints {
			if strings.Contains(cause, hint) {
				return true
			}
		}
	}
	return false
}

func (c *Client) asCode(err error, code string) bool {
	return types.CodeOf(err) == code
}

func newError(code, msg string, cause error) error {
	return types.NewError(code, msg, cause)
}
