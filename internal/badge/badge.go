// Package badge keeps the per-tab display badge, a projection of the stored
// prompt count that can be recomputed at any time.
package badge

import (
	"strconv"
	"sync"

	"github.com/dgnsrekt/offset_tracker/internal/events"
)

// Color is the badge background for a non-zero count.
const Color = "#22c55e"

// Badge is what a tab displays. The zero value is a cleared badge.
type Badge struct {
	Text  string `json:"text"`
	Color string `json:"color,omitempty"`
}

// Update is published on the badge feed.
type Update struct {
	TabID string `json:"tab_id"`
	Badge
}

// For returns the badge for count: the number in green, or cleared at 0.
func For(count int) Badge {
	if count <= 0 {
		return Badge{}
	}
	return Badge{Text: strconv.Itoa(count), Color: Color}
}

// Board holds the current badge of every tab.
type Board struct {
	mu     sync.RWMutex
	badges map[string]Badge
	broker *events.Broker
}

// NewBoard returns an empty board. broker may be nil.
func NewBoard(broker *events.Broker) *Board {
	return &Board{badges: make(map[string]Badge), broker: broker}
}

// Set recomputes the badge of tabID from count.
func (b *Board) Set(tabID string, count int) Badge {
	badge := For(count)
	b.mu.Lock()
	prev := b.badges[tabID]
	if badge.Text == "" {
		delete(b.badges, tabID)
	} else {
		b.badges[tabID] = badge
	}
	b.mu.Unlock()

	if b.broker != nil && prev != badge {
		b.broker.PublishJSON(events.FeedBadge, Update{TabID: tabID, Badge: badge})
	}
	return badge
}

// Clear removes the badge of tabID.
func (b *Board) Clear(tabID string) {
	b.Set(tabID, 0)
}

// Get returns the badge of tabID; cleared if unknown.
func (b *Board) Get(tabID string) Badge {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.badges[tabID]
}
