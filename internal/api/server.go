package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/offset_tracker/internal/controller"
	"github.com/dgnsrekt/offset_tracker/internal/events"
	"github.com/dgnsrekt/offset_tracker/internal/identity"
	"github.com/dgnsrekt/offset_tracker/internal/messaging"
	"github.com/dgnsrekt/offset_tracker/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Service interface {
	Health(ctx context.Context) (controller.Health, error)
	Identity(ctx context.Context) (identity.Info, error)
	ListTabs(ctx context.Context) ([]controller.TabState, error)
	GetTab(ctx context.Context, tabID string) (controller.TabState, error)
	StoreTabCount(ctx context.Context, tabID string, count int) (messaging.StoreTabCountResponse, error)
	ResetCount(ctx context.Context, tabID string) (messaging.ResetCountResponse, error)
	RefreshCount(ctx context.Context, tabID string) (messaging.RefreshCountResponse, error)
	Ping(ctx context.Context, tabID string) (messaging.PingResponse, error)
	Summary(ctx context.Context) (controller.Summary, error)
	GetOnboarding(ctx context.Context) (controller.Onboarding, error)
	SetOnboarding(ctx context.Context, o controller.Onboarding) (controller.Onboarding, error)
}

type tabIDInput struct {
	TabID string `path:"tab_id" doc:"CDP target id of the tab"`
}

// NewServer builds the REST API. broker may be nil, in which case the event
// stream is not mounted.
func NewServer(svc Service, broker *events.Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Offset Tracker API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs/events", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(eventsDocsHTML)); err != nil {
			slog.Debug("events docs response write failed", "error", err)
		}
	})
	if broker != nil {
		router.Get("/api/v1/events", events.SSEHandler(broker))
	}

	registerTabHandlers(api, svc)
	registerMiscHandlers(api, svc)

	docs, err := renderDocs(api.OpenAPI())
	if err != nil {
		slog.Error("docs page render failed", "error", err)
	}
	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write(docs); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})

	return router
}

func mapErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return huma.Error504GatewayTimeout(err.Error())
	}
	var coded *types.CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case types.CodeValidation:
			return huma.Error400BadRequest(coded.Message)
		case types.CodeTabNotFound, types.CodeSessionNotFound:
			return huma.Error404NotFound(coded.Message)
		case types.CodeNoReceiver:
			return huma.Error503ServiceUnavailable(coded.Message)
		case types.CodeEvalTimeout:
			return huma.Error504GatewayTimeout(coded.Message)
		case types.CodeCDPUnavailable, types.CodeEvalFailure:
			return huma.Error502BadGateway(coded.Message)
		default:
			return huma.Error500InternalServerError(fmt.Sprintf("%s: %s", coded.Code, coded.Message))
		}
	}
	if errors.Is(err, messaging.ErrNoReceiver) {
		return huma.Error503ServiceUnavailable(err.Error())
	}
	return huma.Error500InternalServerError(err.Error())
}
