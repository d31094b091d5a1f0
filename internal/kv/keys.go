package kv

import "strings"

// Installation-wide keys.
const (
	KeyUserID             = "extensionUserId"
	KeyUserIDCreatedAt    = "extensionUserIdCreatedAt"
	KeyUserIDLock         = "extensionUserIdLock"
	KeyInstallDate        = "installDate"
	KeyOnboardingComplete = "onboardingComplete"
	KeyOnboardingStep     = "onboardingStep"
)

// Per-tab fields.
const (
	FieldSessionID          = "sessionId"
	FieldStartTime          = "startTime"
	FieldPromptCount        = "promptCount"
	FieldEstimatedEmissions = "estimatedEmissions"
	FieldEstimatedWater     = "estimatedWater"
	FieldURL                = "url"
)

// TabPrefix is the common prefix of every per-tab key.
const TabPrefix = "tab_"

var tabFields = []string{
	FieldSessionID,
	FieldStartTime,
	FieldPromptCount,
	FieldEstimatedEmissions,
	FieldEstimatedWater,
	FieldURL,
}

// TabKey returns the key of one per-tab field, e.g. tab_<id>_promptCount.
func TabKey(tabID, field string) string {
	return TabPrefix + tabID + "_" + field
}

// TabKeys returns every per-tab key of tabID.
func TabKeys(tabID string) []string {
	keys := make([]string, len(tabFields))
	for i, f := range tabFields {
		keys[i] = TabKey(tabID, f)
	}
	return keys
}

// SessionTabID extracts the tab id from a tab_<id>_sessionId key.
func SessionTabID(key string) (string, bool) {
	suffix := "_" + FieldSessionID
	if !strings.HasPrefix(key, TabPrefix) || !strings.HasSuffix(key, suffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(key, TabPrefix), suffix)
	return id, id != ""
}
