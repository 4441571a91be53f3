package router

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	bootstrap "github.com/tbeaudouin05/stripe-recurring/api/bootstrap"
	"github.com/tbeaudouin05/stripe-recurring/api/config"
	stripeapp "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/app"
	grpcserver "github.com/tbeaudouin05/stripe-recurring/api/services/stripe/grpc"
)

// Stripe events are small; anything larger is not a webhook we issued.
const maxWebhookBytes = 64 << 10

// NewRouter returns the central HTTP router for the API using grpc-gateway,
// wired from the bootstrap singletons. Webhooks, health and metrics are plain
// paths; admin routes are mounted by grpcserver.RegisterGateway. Servers that
// already hold an admin Server pass it to New instead.
func NewRouter() http.Handler {
	// Initialize app dependencies (non-fatal if it fails here; requests re-check).
	if err := bootstrap.Ensure(); err != nil {
		slog.Error("bootstrap ensure failed", "err", err)
	}

	var adminKey string
	if config.AppConfig != nil {
		adminKey = config.AppConfig.AdminAPIKey
	}
	svc := bootstrap.GetStripeService()
	var admin *grpcserver.Server
	if svc != nil {
		admin = grpcserver.New(svc, reconcilerOrNil(), slog.Default(), grpcserver.WithAdminKey(adminKey))
	}
	return New(svc, admin, bootstrap.Registry())
}

// reconcilerOrNil avoids handing a typed nil pointer to the admin server.
func reconcilerOrNil() grpcserver.Reconciler {
	if r := bootstrap.GetReconciler(); r != nil {
		return r
	}
	return nil
}

// New builds the router from explicit dependencies.
func New(svc stripeapp.Service, admin *grpcserver.Server, gatherer prometheus.Gatherer) http.Handler {
	mux := runtime.NewServeMux(runtime.WithIncomingHeaderMatcher(grpcserver.HeaderMatcher))

	must(mux.HandlePath(http.MethodPost, "/webhooks/stripe", webhookHandler(svc)))
	must(mux.HandlePath(http.MethodGet, "/healthz", func(w http.ResponseWriter, _ *http.Request, _ map[string]string) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}))
	metricsHandler := promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
	must(mux.HandlePath(http.MethodGet, "/metrics", func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		metricsHandler.ServeHTTP(w, r)
	}))

	if admin != nil {
		err := grpcserver.RegisterGateway(context.Background(), mux, admin)
		switch {
		case errors.Is(err, grpcserver.ErrNoAdminKey):
			slog.Warn("admin HTTP routes disabled: ADMIN_API_KEY not set")
		case err != nil:
			slog.Error("failed to register admin routes", "err", err)
		}
	}
	return MetricsMiddleware(mux)
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

func webhookHandler(svc stripeapp.Service) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, _ map[string]string) {
		if svc == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service not initialized"})
			return
		}
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "payload too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
			return
		}

		res, err := svc.HandleWebhook(r.Context(), body, r.Header.Get("Stripe-Signature"))
		switch {
		case errors.Is(err, stripeapp.ErrSignatureInvalid), errors.Is(err, stripeapp.ErrMalformedPayload):
			slog.Warn("webhook rejected", "err", err)
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		case err != nil:
			slog.Error("webhook failed", "event_id", res.EventID, "type", res.Type, "err", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		default:
			writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": res.Outcome})
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
