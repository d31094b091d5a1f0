// Package messaging defines the control messages exchanged between a tab's
// page observer and the session coordinator.
package messaging

import (
	"context"
	"errors"
)

// Action names, as they appear on the wire and in logs.
const (
	ActionStoreTabCount = "storeTabCount"
	ActionResetCount    = "resetCount"
	ActionRefreshCount  = "refreshCount"
	ActionPing          = "ping"
)

// ErrNoReceiver is returned when no observer is attached to the target tab,
// for example after the page navigated away.
var ErrNoReceiver = errors.New("messaging: receiver not present")

// IsTransient reports whether err is a transient communication failure.
// Callers log these and move on without retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNoReceiver)
}

// StoreTabCountRequest is sent observer -> coordinator on a count change.
type StoreTabCountRequest struct {
	TabID string `json:"tab_id"`
	Count int    `json:"count"`
}

type StoreTabCountResponse struct {
	Success bool `json:"success"`
}

type ResetCountResponse struct {
	Success bool `json:"success"`
}

type RefreshCountResponse struct {
	Count int `json:"count"`
}

type PingResponse struct {
	Pong bool `json:"pong"`
}

// Reporter receives count changes from observers.
type Reporter interface {
	StoreTabCount(ctx context.Context, req StoreTabCountRequest) (StoreTabCountResponse, error)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(ctx context.Context, req StoreTabCountRequest) (StoreTabCountResponse, error)

func (f ReporterFunc) StoreTabCount(ctx context.Context, req StoreTabCountRequest) (StoreTabCountResponse, error) {
	return f(ctx, req)
}

// ObserverControl delivers control requests to the observer of a tab.
// Implementations return ErrNoReceiver when the tab has no observer.
type ObserverControl interface {
	Ping(ctx context.Context, tabID string) (PingResponse, error)
	Reset(ctx context.Context, tabID string) (ResetCountResponse, error)
	Refresh(ctx context.Context, tabID string) (RefreshCountResponse, error)
}
