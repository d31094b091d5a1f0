// Package identity owns the installation identifier. Creation is guarded by
// a timestamp-based advisory lock in the shared store, which has no
// compare-and-swap; concurrent creators back off and retry until the id
// appears or the lock expires.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dgnsrekt/offset_tracker/internal/kv"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultLockExpiry = 5 * time.Second
	DefaultRetryDelay = 100 * time.Millisecond
	DefaultSettle     = 50 * time.Millisecond
)

// Options tunes the lock protocol. Zero values take the defaults.
type Options struct {
	LockExpiry time.Duration
	RetryDelay time.Duration
	// Settle is how long a lock holder waits before trusting its lock and
	// before reading back the id it wrote.
	Settle time.Duration
	Now    func() time.Time
	NewID  func() string
}

// Info is the persisted identity state.
type Info struct {
	UserID      string    `json:"extension_user_id,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	InstallDate time.Time `json:"install_date,omitempty"`
}

// Provider hands out the installation identifier.
type Provider struct {
	store kv.Store
	opts  Options
	group singleflight.Group
}

func New(store kv.Store, opts Options) *Provider {
	if opts.LockExpiry <= 0 {
		opts.LockExpiry = DefaultLockExpiry
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = func() string { return uuid.New().String() }
	}
	return &Provider{store: store, opts: opts}
}

// EnsureID returns the installation id, creating it on first use.
// Callers in the same process share one attempt.
func (p *Provider) EnsureID(ctx context.Context) (string, error) {
	v, err, _ := p.group.Do("ensure", func() (any, error) {
		return p.ensure(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Peek returns the id without creating it.
func (p *Provider) Peek(ctx context.Context) (string, bool, error) {
	vals, err := p.store.Get(ctx, kv.KeyUserID)
	if err != nil {
		return "", false, fmt.Errorf("identity: read id: %w", err)
	}
	id := vals[kv.KeyUserID]
	return id, id != "", nil
}

// EnsureInstallDate records the first-run timestamp if it is missing and
// returns the stored value.
func (p *Provider) EnsureInstallDate(ctx context.Context) (time.Time, error) {
	vals, err := p.store.Get(ctx, kv.KeyInstallDate)
	if err != nil {
		return time.Time{}, fmt.Errorf("identity: read install date: %w", err)
	}
	if t, ok := kv.ParseTime(vals[kv.KeyInstallDate]); ok {
		return t, nil
	}
	now := p.opts.Now()
	if err := p.store.Set(ctx, map[string]string{kv.KeyInstallDate: kv.FormatTime(now)}); err != nil {
		return time.Time{}, fmt.Errorf("identity: write install date: %w", err)
	}
	slog.Info("identity install date recorded", "install_date", now.UTC().Format(time.RFC3339))
	return time.UnixMilli(now.UnixMilli()), nil
}

// Info reads the persisted identity state without creating anything.
func (p *Provider) Info(ctx context.Context) (Info, error) {
	vals, err := p.store.Get(ctx, kv.KeyUserID, kv.KeyUserIDCreatedAt, kv.KeyInstallDate)
	if err != nil {
		return Info{}, fmt.Errorf("identity: read info: %w", err)
	}
	info := Info{UserID: vals[kv.KeyUserID]}
	if t, ok := kv.ParseTime(vals[kv.KeyUserIDCreatedAt]); ok {
		info.CreatedAt = t
	}
	if t, ok := kv.ParseTime(vals[kv.KeyInstallDate]); ok {
		info.InstallDate = t
	}
	return info, nil
}

func (p *Provider) ensure(ctx context.Context) (string, error) {
	for attempt := 1; ; attempt++ {
		vals, err := p.store.Get(ctx, kv.KeyUserID, kv.KeyUserIDLock)
		if err != nil {
			return "", fmt.Errorf("identity: read id: %w", err)
		}
		if id := vals[kv.KeyUserID]; id != "" {
			return id, nil
		}

		if p.lockHeld(vals[kv.KeyUserIDLock]) {
			slog.Debug("identity lock held, retrying", "attempt", attempt)
			if err := sleep(ctx, p.opts.RetryDelay); err != nil {
				return "", err
			}
			continue
		}

		id, won, err := p.tryCreate(ctx)
		if err != nil {
			return "", err
		}
		if won {
			return id, nil
		}
		if err := sleep(ctx, p.opts.RetryDelay); err != nil {
			return "", err
		}
	}
}

// tryCreate takes the lock, confirms it after the settle window and writes
// the id. won is false when another writer took the lock in between.
func (p *Provider) tryCreate(ctx context.Context) (string, bool, error) {
	token := kv.FormatTime(p.opts.Now()) + ":" + uuid.New().String()
	if err := p.store.Set(ctx, map[string]string{kv.KeyUserIDLock: token}); err != nil {
		return "", false, fmt.Errorf("identity: write lock: %w", err)
	}
	if err := sleep(ctx, p.opts.Settle); err != nil {
		return "", false, err
	}

	vals, err := p.store.Get(ctx, kv.KeyUserID, kv.KeyUserIDLock)
	if err != nil {
		return "", false, fmt.Errorf("identity: verify lock: %w", err)
	}
	if id := vals[kv.KeyUserID]; id != "" {
		return id, true, nil
	}
	if vals[kv.KeyUserIDLock] != token {
		return "", false, nil
	}

	id := p.opts.NewID()
	if err := p.store.Set(ctx, map[string]string{
		kv.KeyUserID:          id,
		kv.KeyUserIDCreatedAt: kv.FormatTime(p.opts.Now()),
	}); err != nil {
		return "", false, fmt.Errorf("identity: write id: %w", err)
	}
	if err := p.store.Remove(ctx, kv.KeyUserIDLock); err != nil {
		slog.Warn("identity lock release failed", "error", err)
	}

	// A late writer may still have overwritten the id; return whatever
	// persisted so every caller converges.
	if err := sleep(ctx, p.opts.Settle); err != nil {
		return "", false, err
	}
	vals, err = p.store.Get(ctx, kv.KeyUserID)
	if err != nil {
		return "", false, fmt.Errorf("identity: read back id: %w", err)
	}
	if persisted := vals[kv.KeyUserID]; persisted != "" {
		id = persisted
	}
	slog.Info("identity created", "extension_user_id", id)
	return id, true, nil
}

// lockHeld reports whether lock is younger than the expiry window.
func (p *Provider) lockHeld(lock string) bool {
	if lock == "" {
		return false
	}
	stamp, _, _ := strings.Cut(lock, ":")
	t, ok := kv.ParseTime(stamp)
	if !ok {
		return false
	}
	return p.opts.Now().Sub(t) < p.opts.LockExpiry
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
