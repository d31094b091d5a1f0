// Package kv is the shared key-value store. Writes are last-write-wins per
// key; there is no compare-and-swap.
package kv

import (
	"context"
	"strconv"
	"time"
)

// Store is the shared store used by the coordinator and the identity
// provider. A single Set call is applied as one write.
type Store interface {
	// Get returns the values of the keys that exist; missing keys are absent
	// from the map.
	Get(ctx context.Context, keys ...string) (map[string]string, error)
	Set(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
	// Keys lists the stored keys starting with prefix, sorted.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// FormatTime encodes a timestamp as unix milliseconds.
func FormatTime(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseTime decodes a FormatTime value. ok is false for empty or malformed
// values.
func ParseTime(v string) (time.Time, bool) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// FormatInt encodes an integer value.
func FormatInt(n int) string { return strconv.Itoa(n) }

// ParseInt decodes an integer value, returning 0 for malformed input.
func ParseInt(v string) int {
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// FormatFloat encodes a float with the shortest exact representation.
func FormatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ParseFloat decodes a float value, returning 0 for malformed input.
func ParseFloat(v string) float64 {
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0
	}
	return f
}
