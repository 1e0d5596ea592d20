// Package httptransport is the thin HTTP layer over the sync engine. Handlers
// delegate to the feature services; transport concerns stay here.
package httptransport

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/lifecycle"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/reconcile"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/search"
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/metrics"
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/middleware"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// Handler carries the feature services the routes delegate to.
type Handler struct {
	logger *slog.Logger
	orch   *fetch.Orchestrator
	engine *search.Engine
	coord  *lifecycle.Coordinator
	rec    *reconcile.Reconciler
}

func NewHandler(
	logger *slog.Logger,
	orch *fetch.Orchestrator,
	engine *search.Engine,
	coord *lifecycle.Coordinator,
	rec *reconcile.Reconciler,
) *Handler {
	return &Handler{
		logger: logger,
		orch:   orch,
		engine: engine,
		coord:  coord,
		rec:    rec,
	}
}

// NewRouter wires all endpoints. API routes sit behind auth; health and
// metrics stay open.
func NewRouter(h *Handler, validator middleware.TokenValidator, httpMetrics *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(middleware.Timeout(30 * time.Second))
		api.Use(middleware.ContentTypeJSON)
		api.Use(middleware.Latency(httpMetrics))
		api.Use(middleware.RequireAuth(validator, h.logger))

		api.Get("/certificates", h.handleLoadView)
		api.Get("/certificates/{id}", h.handleLoadRecord)
		api.Post("/certificates/{id}/refresh", h.handleRefresh)
		api.Post("/certificates/search", h.handleSearch)

		api.Post("/certificates/{id}/verify", h.handleVerify)
		api.Post("/certificates/verify-batch", h.handleVerifyBatch)
		api.Post("/certificates/{id}/revoke", h.handleRevoke)

		api.Post("/certificates/{id}/burn-request", h.handleRequestBurn)
		api.Post("/certificates/burn-request-batch", h.handleRequestBurnBatch)
		api.Post("/certificates/{id}/burn-cancel", h.handleCancelBurn)
		api.Post("/certificates/{id}/burn-approve", h.handleApproveBurn)
		api.Post("/certificates/{id}/burn", h.handleExecuteBurn)
		api.Post("/certificates/{id}/burn-direct", h.handleDirectBurn)

		api.Post("/subscriptions", h.handleSubscribe)
		api.Delete("/subscriptions/{handle}", h.handleUnsubscribe)
	})

	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// viewScope resolves the scope a request may operate on. Admin sessions can
// inspect any scope via query parameters; institution and holder sessions are
// pinned to their own address.
func viewScope(r *http.Request) (models.Scope, error) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		return models.Scope{}, dErrors.New(dErrors.CodeUnauthorized, "missing session claims")
	}
	role := models.Role(claims.Role)

	qRole := r.URL.Query().Get("role")
	qAddress := r.URL.Query().Get("address")

	if role == models.RoleAdmin {
		if qRole == "" {
			return models.Scope{Role: models.RoleAdmin}, nil
		}
		return models.Scope{Role: models.Role(qRole), Address: qAddress}, nil
	}

	if qRole != "" && qRole != claims.Role {
		return models.Scope{}, dErrors.New(dErrors.CodeForbidden, "role not permitted for this session")
	}
	if qAddress != "" && qAddress != claims.Address {
		return models.Scope{}, dErrors.New(dErrors.CodeForbidden, "scope address not permitted for this session")
	}
	return models.Scope{Role: role, Address: claims.Address}, nil
}

// signer returns the ledger identity behind the session.
func signer(r *http.Request) (signerID, error) {
	claims, ok := middleware.GetClaims(r.Context())
	if !ok {
		return signerID{}, dErrors.New(dErrors.CodeUnauthorized, "missing session claims")
	}
	return signerID{Address: claims.Address, Role: models.Role(claims.Role)}, nil
}

type signerID struct {
	Address string
	Role    models.Role
}
