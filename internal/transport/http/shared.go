package httptransport

import (
	"encoding/json"
	"errors"
	"net/http"

	dErrors "github.com/midoo12345/soulbound-nft-sub001/pkg/domain-errors"
)

// errorResponse is the JSON envelope every failed request gets.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError translates domain errors into the shared JSON envelope so every
// handler fails the same way.
func writeError(w http.ResponseWriter, err error) {
	code := dErrors.CodeOf(err)
	resp := errorResponse{Error: string(code)}
	var domainErr *dErrors.Error
	if errors.As(err, &domainErr) {
		resp.Message = domainErr.Message
	}
	writeJSON(w, dErrors.ToHTTPStatus(code), resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a request body into dst, mapping malformed input to a
// bad-request domain error.
func decodeJSON(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return dErrors.New(dErrors.CodeBadRequest, "invalid request body")
	}
	return nil
}
