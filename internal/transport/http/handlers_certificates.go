package httptransport

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/fetch"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/search"
	"github.com/midoo12345/soulbound-nft-sub001/internal/platform/middleware"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// viewResponse is the wire shape of one loaded list view. FailedIDs and
// EmptyReason make partial loads and legitimate emptiness explicit instead of
// collapsing them into generic failures.
type viewResponse struct {
	Scope       models.Scope               `json:"scope"`
	Records     []models.CertificateRecord `json:"records"`
	OrderedIDs  []uint64                   `json:"ordered_ids"`
	HasMore     bool                       `json:"has_more"`
	Partial     bool                       `json:"partial,omitempty"`
	Stale       bool                       `json:"stale,omitempty"`
	KnownTotal  uint64                     `json:"known_total"`
	LoadedAt    time.Time                  `json:"loaded_at"`
	FailedIDs   []uint64                   `json:"failed_ids,omitempty"`
	EmptyReason string                     `json:"empty_reason,omitempty"`
}

func (h *Handler) handleLoadView(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := viewScope(r)
	if err != nil {
		writeError(w, err)
		return
	}

	req := fetch.ViewRequest{Scope: scope}
	if v := r.URL.Query().Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, dErrors.New(dErrors.CodeBadRequest, "page_size must be a positive integer"))
			return
		}
		req.PageSize = n
	}
	req.Reset = r.URL.Query().Get("reset") == "true"

	view, err := h.orch.LoadView(ctx, req)
	resp := h.composeView(ctx, view)

	switch {
	case err == nil:
	case dErrors.Is(err, dErrors.CodeScopeUnavailable):
		// Degraded enumeration; the view already carries Partial.
	case dErrors.Is(err, dErrors.CodePartialLoad):
		var partial *fetch.PartialLoadError
		if errors.As(err, &partial) {
			resp.FailedIDs = partial.FailedIDs
		}
	case dErrors.Is(err, dErrors.CodeNotFoundEmpty):
		resp.EmptyReason = string(search.EmptyScope)
	default:
		h.logger.WarnContext(ctx, "view load failed",
			"scope", scope.Key(),
			"error", err,
			"request_id", middleware.GetRequestID(ctx),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleLoadRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.orch.LoadRecord(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.orch.Refresh(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

// searchResponse carries the match set plus why it may be empty and what a
// caller could load remotely to widen it.
type searchResponse struct {
	Records     []models.CertificateRecord `json:"records"`
	IDs         []uint64                   `json:"ids"`
	Partial     bool                       `json:"partial,omitempty"`
	EmptyReason string                     `json:"empty_reason,omitempty"`
	Remote      *search.RemotePlan         `json:"remote,omitempty"`
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	scope, err := viewScope(r)
	if err != nil {
		writeError(w, err)
		return
	}

	var query models.SearchQuery
	if err := decodeJSON(r, &query); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.engine.Search(ctx, scope.Key(), query)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{
		Records:     result.Records,
		IDs:         result.IDs,
		Partial:     result.Partial,
		EmptyReason: string(result.Reason),
		Remote:      result.Remote,
	})
}

// composeView joins the view's identifier sequence with the cached records
// behind it.
func (h *Handler) composeView(ctx context.Context, view models.ViewState) viewResponse {
	records := make([]models.CertificateRecord, 0, len(view.OrderedIDs))
	for _, id := range view.OrderedIDs {
		record, err := h.orch.LoadRecord(ctx, id)
		if err != nil {
			continue
		}
		records = append(records, record)
	}
	return viewResponse{
		Scope:      view.Scope,
		Records:    records,
		OrderedIDs: view.OrderedIDs,
		HasMore:    view.HasMore,
		Partial:    view.Partial,
		Stale:      view.Stale,
		KnownTotal: view.KnownTotal,
		LoadedAt:   view.LoadedAt,
	}
}

func pathID(r *http.Request) (uint64, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return 0, dErrors.New(dErrors.CodeBadRequest, "certificate id must be a positive integer")
	}
	return id, nil
}
