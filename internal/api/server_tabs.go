package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/offset_tracker/internal/controller"
	"github.com/dgnsrekt/offset_tracker/internal/messaging"
)

func registerTabHandlers(api huma.API, svc Service) {
	type listTabsOutput struct {
		Body struct {
			Tabs []controller.TabState `json:"tabs"`
		}
	}
	huma.Register(api, huma.Operation{OperationID: "list-tabs", Method: http.MethodGet, Path: "/api/v1/tabs", Summary: "List active sessions", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct{}) (*listTabsOutput, error) {
			tabs, err := svc.ListTabs(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &listTabsOutput{}
			out.Body.Tabs = tabs
			return out, nil
		})

	type tabOutput struct {
		Body controller.TabState
	}
	huma.Register(api, huma.Operation{OperationID: "get-tab", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}", Summary: "Get the session of one tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*tabOutput, error) {
			state, err := svc.GetTab(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &tabOutput{}
			out.Body = state
			return out, nil
		})

	type storeCountOutput struct {
		Body messaging.StoreTabCountResponse
	}
	huma.Register(api, huma.Operation{OperationID: "store-tab-count", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/count", Summary: "Store the prompt count of a tab", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *struct {
			TabID string `path:"tab_id"`
			Body  struct {
				Count int `json:"count" doc:"Current number of user prompts in the tab"`
			}
		}) (*storeCountOutput, error) {
			resp, err := svc.StoreTabCount(ctx, input.TabID, input.Body.Count)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &storeCountOutput{}
			out.Body = resp
			return out, nil
		})

	type resetOutput struct {
		Body messaging.ResetCountResponse
	}
	huma.Register(api, huma.Operation{OperationID: "reset-count", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/reset", Summary: "Reset the tab's counter to zero", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*resetOutput, error) {
			resp, err := svc.ResetCount(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &resetOutput{}
			out.Body = resp
			return out, nil
		})

	type refreshOutput struct {
		Body messaging.RefreshCountResponse
	}
	huma.Register(api, huma.Operation{OperationID: "refresh-count", Method: http.MethodPost, Path: "/api/v1/tabs/{tab_id}/refresh", Summary: "Recount prompts in the tab now", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*refreshOutput, error) {
			resp, err := svc.RefreshCount(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &refreshOutput{}
			out.Body = resp
			return out, nil
		})

	type pingOutput struct {
		Body messaging.PingResponse
	}
	huma.Register(api, huma.Operation{OperationID: "ping-tab", Method: http.MethodGet, Path: "/api/v1/tabs/{tab_id}/ping", Summary: "Check that the tab has a live observer", Tags: []string{"Tabs"}},
		func(ctx context.Context, input *tabIDInput) (*pingOutput, error) {
			resp, err := svc.Ping(ctx, input.TabID)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &pingOutput{}
			out.Body = resp
			return out, nil
		})
}
