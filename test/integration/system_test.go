//go:build integration

package integration

import (
	"net/http"
	"testing"
)

func TestHealth(t *testing.T) {
	resp := env.GET(t, "/api/v1/health")
	requireStatus(t, resp, http.StatusOK)
	result := decodeJSON[struct {
		Status string `json:"status"`
	}](t, resp)
	requireField(t, result.Status, "ok", "status")
}

func TestIdentityIsStable(t *testing.T) {
	type info struct {
		UserID string `json:"extension_user_id"`
	}
	first := decodeJSON[info](t, env.GET(t, "/api/v1/identity"))
	if first.UserID == "" {
		t.Fatal("expected an installation id after bootstrap")
	}
	second := decodeJSON[info](t, env.GET(t, "/api/v1/identity"))
	requireField(t, second.UserID, first.UserID, "extension_user_id")
}

func TestSummary(t *testing.T) {
	resp := env.GET(t, "/api/v1/summary")
	requireStatus(t, resp, http.StatusOK)
	result := decodeJSON[struct {
		PromptCount int    `json:"prompt_count"`
		Emissions   string `json:"emissions"`
		Water       string `json:"water"`
		OffsetURL   string `json:"offset_url"`
	}](t, resp)
	if result.PromptCount < 0 {
		t.Fatalf("prompt_count = %d, want >= 0", result.PromptCount)
	}
	if result.OffsetURL == "" {
		t.Fatal("expected an offset url")
	}
	t.Logf("summary: prompts=%d emissions=%s water=%s", result.PromptCount, result.Emissions, result.Water)
}

func TestOnboardingRoundTrip(t *testing.T) {
	type onboarding struct {
		Complete bool `json:"complete"`
		Step     int  `json:"step"`
	}
	orig := decodeJSON[onboarding](t, env.GET(t, "/api/v1/onboarding"))
	t.Cleanup(func() {
		resp := env.PUT(t, "/api/v1/onboarding", orig)
		resp.Body.Close()
	})

	resp := env.PUT(t, "/api/v1/onboarding", onboarding{Complete: false, Step: 2})
	requireStatus(t, resp, http.StatusOK)
	got := decodeJSON[onboarding](t, env.GET(t, "/api/v1/onboarding"))
	requireField(t, got.Step, 2, "step")

	resp = env.PUT(t, "/api/v1/onboarding", onboarding{Step: -1})
	requireStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}
