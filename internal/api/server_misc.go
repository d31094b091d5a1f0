package api

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/dgnsrekt/offset_tracker/internal/controller"
	"github.com/dgnsrekt/offset_tracker/internal/identity"
)

func registerMiscHandlers(api huma.API, svc Service) {
	type healthOutput struct {
		Body controller.Health
	}
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/api/v1/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			health, err := svc.Health(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &healthOutput{}
			out.Body = health
			return out, nil
		})

	type identityOutput struct {
		Body identity.Info
	}
	huma.Register(api, huma.Operation{OperationID: "get-identity", Method: http.MethodGet, Path: "/api/v1/identity", Summary: "Installation identifier", Tags: []string{"Identity"}},
		func(ctx context.Context, input *struct{}) (*identityOutput, error) {
			info, err := svc.Identity(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &identityOutput{}
			out.Body = info
			return out, nil
		})

	type summaryOutput struct {
		Body controller.Summary
	}
	huma.Register(api, huma.Operation{OperationID: "get-summary", Method: http.MethodGet, Path: "/api/v1/summary", Summary: "Totals across active sessions", Tags: []string{"Summary"}},
		func(ctx context.Context, input *struct{}) (*summaryOutput, error) {
			sum, err := svc.Summary(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &summaryOutput{}
			out.Body = sum
			return out, nil
		})

	type onboardingOutput struct {
		Body controller.Onboarding
	}
	huma.Register(api, huma.Operation{OperationID: "get-onboarding", Method: http.MethodGet, Path: "/api/v1/onboarding", Summary: "Onboarding progress", Tags: []string{"Onboarding"}},
		func(ctx context.Context, input *struct{}) (*onboardingOutput, error) {
			o, err := svc.GetOnboarding(ctx)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &onboardingOutput{}
			out.Body = o
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "set-onboarding", Method: http.MethodPut, Path: "/api/v1/onboarding", Summary: "Update onboarding progress", Tags: []string{"Onboarding"}},
		func(ctx context.Context, input *struct {
			Body controller.Onboarding
		}) (*onboardingOutput, error) {
			o, err := svc.SetOnboarding(ctx, input.Body)
			if err != nil {
				return nil, mapErr(err)
			}
			out := &onboardingOutput{}
			out.Body = o
			return out, nil
		})
}
