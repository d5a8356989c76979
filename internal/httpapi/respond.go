package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Robert-Freire/epcis/pkg/epciserr"
)

// errorBody is the wire shape of every error response (spec §7).
type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps err to its wire status and body. Every error this
// package returns is (or wraps) a *epciserr.RepositoryError; anything else
// is a programming error and is reported as 500 without leaking detail.
func writeError(w http.ResponseWriter, err error) {
	re, ok := epciserr.AsRepositoryError(err)
	if !ok {
		writeInternalError(w)
		return
	}
	writeJSON(w, re.HTTPStatus, errorBody{Code: string(re.Code), Message: re.Message, Details: re.Details})
}

func writeInternalError(w http.ResponseWriter) {
	writeJSON(w, http.StatusInternalServerError, errorBody{Code: "INTERNAL_ERROR", Message: "internal error"})
}

func rateLimitedError() error {
	return epciserr.RateLimited()
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r.Body, limit+1))
}
