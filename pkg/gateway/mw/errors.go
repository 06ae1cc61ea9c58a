package mw

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/voxflame/voxgate/pkg/core/faults"
)

// Error envelope types.
const (
	ErrTypeInvalidRequest = "invalid_request_error"
	ErrTypePermission     = "permission_error"
	ErrTypeNotFound       = "not_found_error"
	ErrTypeOverloaded     = "overloaded_error"
	ErrTypeUpstream       = "upstream_error"
	ErrTypeInternal       = "api_error"
)

// APIError is the body of every JSON error response.
type APIError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Param     string `json:"param,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

type errorEnvelope struct {
	Error *APIError `json:"error"`
}

// WriteError writes {"error": {...}} with the request id filled in.
func WriteError(w http.ResponseWriter, r *http.Request, status int, apiErr *APIError) {
	if apiErr == nil {
		apiErr = &APIError{Type: ErrTypeInternal, Message: "internal error"}
	}
	if apiErr.RequestID == "" && r != nil {
		apiErr.RequestID, _ = RequestIDFrom(r.Context())
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorEnvelope{Error: apiErr})
}

// FromError maps err onto an envelope and HTTP status by its fault kind.
func FromError(err error) (*APIError, int) {
	if err == nil {
		return &APIError{Type: ErrTypeInternal, Message: "internal error"}, http.StatusInternalServerError
	}
	switch {
	case errors.Is(err, faults.Protocol):
		return &APIError{Type: ErrTypeInvalidRequest, Message: err.Error()}, http.StatusBadRequest
	case errors.Is(err, faults.TransientUpstream):
		return &APIError{Type: ErrTypeUpstream, Message: err.Error()}, http.StatusBadGateway
	case errors.Is(err, faults.Configuration):
		return &APIError{Type: ErrTypeInternal, Message: "gateway is misconfigured", Code: string(faults.KindConfiguration)}, http.StatusInternalServerError
	default:
		return &APIError{Type: ErrTypeInternal, Message: "internal error"}, http.StatusInternalServerError
	}
}
