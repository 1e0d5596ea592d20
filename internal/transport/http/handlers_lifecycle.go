package httptransport

import (
	"net/http"

	"github.com/midoo12345/soulbound-nft-sub001/internal/certificate/models"
	"github.com/midoo12345/soulbound-nft-sub001/internal/ledger"
	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// requireRole resolves the session signer and checks the dashboard role
// before any ledger interaction. The ledger still enforces its own roles; this
// keeps obviously unauthorized calls local.
func requireRole(r *http.Request, roles ...models.Role) (ledger.Signer, error) {
	id, err := signer(r)
	if err != nil {
		return ledger.Signer{}, err
	}
	for _, role := range roles {
		if id.Role == role {
			return ledger.Signer{Address: id.Address}, nil
		}
	}
	return ledger.Signer{}, dErrors.New(dErrors.CodeForbidden, "role not permitted for this operation")
}

func (h *Handler) handleVerify(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleInstitution, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.coord.Verify(r.Context(), sig, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

type batchRequest struct {
	IDs    []uint64 `json:"ids"`
	Reason string   `json:"reason,omitempty"`
}

func (h *Handler) handleVerifyBatch(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleInstitution, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	records, err := h.coord.VerifyBatch(r.Context(), sig, req.IDs)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRevoke(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleInstitution, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	record, err := h.coord.Revoke(r.Context(), sig, id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleRequestBurn(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleInstitution, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	burnReq, err := h.coord.RequestBurn(r.Context(), sig, id, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, burnReq)
}

func (h *Handler) handleRequestBurnBatch(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleInstitution, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	var req batchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	burnReqs, err := h.coord.RequestBurnBatch(r.Context(), sig, req.IDs, req.Reason)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"burn_requests": burnReqs})
}

func (h *Handler) handleCancelBurn(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleInstitution, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.coord.CancelBurn(r.Context(), sig, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleApproveBurn(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.coord.ApproveBurn(r.Context(), sig, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleExecuteBurn(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleInstitution, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.coord.ExecuteBurn(r.Context(), sig, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (h *Handler) handleDirectBurn(w http.ResponseWriter, r *http.Request) {
	sig, err := requireRole(r, models.RoleAdmin)
	if err != nil {
		writeError(w, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	record, err := h.coord.DirectBurn(r.Context(), sig, id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}
