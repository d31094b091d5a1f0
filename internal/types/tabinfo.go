package types

// TabInfo holds metadata about a browser page target.
type TabInfo struct {
	TabID string `json:"tab_id"`
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// ShortID returns the first 8 chars of a tab ID for log lines.
func (t TabInfo) ShortID() string {
	return ShortTabID(t.TabID)
}

// ShortTabID returns the first 8 chars of a CDP target ID.
func ShortTabID(tabID string) string {
	if len(tabID) >= 8 {
		return tabID[:8]
	}
	return tabID
}
