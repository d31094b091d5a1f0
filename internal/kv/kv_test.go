package kv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func backends(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "tracker.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := s.Set(ctx, map[string]string{"a": "1", "tab_7_promptCount": "3", "tab_7_sessionId": "s"}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}
			if err := s.Set(ctx, map[string]string{"a": "2"}); err != nil {
				t.Fatalf("Set() error = %v", err)
			}

			got, err := s.Get(ctx, "a", "missing", "tab_7_promptCount")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			want := map[string]string{"a": "2", "tab_7_promptCount": "3"}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Fatalf("Get() mismatch (-want +got):\n%s", diff)
			}

			keys, err := s.Keys(ctx, TabPrefix)
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			if diff := cmp.Diff([]string{"tab_7_promptCount", "tab_7_sessionId"}, keys); diff != "" {
				t.Fatalf("Keys() mismatch (-want +got):\n%s", diff)
			}

			if err := s.Remove(ctx, "tab_7_promptCount", "tab_7_sessionId", "never-set"); err != nil {
				t.Fatalf("Remove() error = %v", err)
			}
			keys, err = s.Keys(ctx, TabPrefix)
			if err != nil {
				t.Fatalf("Keys() error = %v", err)
			}
			if len(keys) != 0 {
				t.Fatalf("Keys() after Remove = %v; want none", keys)
			}
		})
	}
}

func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tracker.db")
	ctx := context.Background()

	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := s.Set(ctx, map[string]string{KeyUserID: "abc"}); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite() reopen error = %v", err)
	}
	defer s.Close()
	got, err := s.Get(ctx, KeyUserID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got[KeyUserID] != "abc" {
		t.Fatalf("Get() = %v; want abc", got)
	}
}

func TestTabKeys(t *testing.T) {
	keys := TabKeys("9F2A")
	want := []string{
		"tab_9F2A_sessionId",
		"tab_9F2A_startTime",
		"tab_9F2A_promptCount",
		"tab_9F2A_estimatedEmissions",
		"tab_9F2A_estimatedWater",
		"tab_9F2A_url",
	}
	if diff := cmp.Diff(want, keys); diff != "" {
		t.Fatalf("TabKeys() mismatch (-want +got):\n%s", diff)
	}

	id, ok := SessionTabID("tab_9F2A_sessionId")
	if !ok || id != "9F2A" {
		t.Fatalf("SessionTabID() = %q, %v; want 9F2A", id, ok)
	}
	for _, k := range []string{"tab_9F2A_promptCount", "extensionUserId", "tab__sessionId"} {
		if _, ok := SessionTabID(k); ok {
			t.Fatalf("SessionTabID(%q) ok = true; want false", k)
		}
	}
}

func TestTimeAndNumberCodecs(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123)
	got, ok := ParseTime(FormatTime(now))
	if !ok || !got.Equal(now) {
		t.Fatalf("ParseTime(FormatTime()) = %v, %v; want %v", got, ok, now)
	}
	if _, ok := ParseTime(""); ok {
		t.Fatal("ParseTime(\"\") ok = true; want false")
	}
	if ParseInt("x") != 0 || ParseInt("12") != 12 {
		t.Fatal("ParseInt() mismatch")
	}
	if FormatFloat(0.0006) != "0.0006" || ParseFloat("1.5") != 1.5 {
		t.Fatal("float codec mismatch")
	}
}

func TestMemoryStoreHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := NewMemoryStore().Set(ctx, map[string]string{"a": "b"}); err == nil {
		t.Fatal("Set() with cancelled context = nil error")
	}
}
