package httptransport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// handleSubscribe registers the caller's scope for live reconciliation
// tracking and returns the watch handle.
func (h *Handler) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	scope, err := viewScope(r)
	if err != nil {
		writeError(w, err)
		return
	}
	handle, err := h.rec.Watch(scope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"handle": handle})
}

func (h *Handler) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	h.rec.Unwatch(chi.URLParam(r, "handle"))
	w.WriteHeader(http.StatusNoContent)
}
