package apiServer

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	antdist "github.com/antdist/antdist"
	"github.com/antdist/antdist/pkg/address"
	"github.com/antdist/antdist/pkg/cache"
	"github.com/antdist/antdist/pkg/graph"
	"github.com/antdist/antdist/pkg/manifest"
	"github.com/antdist/antdist/pkg/network"
	"github.com/antdist/antdist/pkg/transfer"
)

// JSON-RPC style error codes.
const (
	codeInvalidRequest = -32600
	codeInvalidParams  = -32602
	codeInternal       = -32603
	codeValidation     = -32000
	codeNotFound       = -32001
	codeUnavailable    = -32002
	codeUnauthorized   = -32003
)

type errorBody struct {
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    errorData `json:"data"`
}

type errorData struct {
	Code string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		slog.Default().Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status, code int, symbol, message string) {
	writeJSON(w, status, map[string]errorBody{"error": {
		Code:    code,
		Message: message,
		Data:    errorData{Code: symbol},
	}})
}

// writeDomainError maps a distributor error onto the wire envelope.
func writeDomainError(w http.ResponseWriter, err error) {
	var schemaErr *manifest.SchemaError
	var refused *manifest.LoadRefusedError
	switch {
	case errors.As(err, &schemaErr):
		writeError(w, http.StatusBadRequest, codeValidation, "validation_error", schemaErr.Error())
	case errors.As(err, &refused):
		writeError(w, http.StatusBadRequest, codeValidation, "load_refused", refused.Error())
	case errors.Is(err, manifest.ErrHashMismatch):
		writeError(w, http.StatusBadGateway, codeValidation, "hash_mismatch", err.Error())
	case errors.Is(err, manifest.ErrSignatureInvalid):
		writeError(w, http.StatusBadGateway, codeValidation, "signature_invalid", err.Error())
	case errors.Is(err, address.ErrInvalidURI):
		writeError(w, http.StatusBadRequest, codeInvalidParams, "invalid_uri", err.Error())
	case errors.Is(err, transfer.ErrNotFound),
		errors.Is(err, graph.ErrPointerNotFound),
		errors.Is(err, cache.ErrMiss):
		writeError(w, http.StatusNotFound, codeNotFound, "not_found", err.Error())
	case errors.Is(err, network.ErrUnavailable),
		errors.Is(err, network.ErrTimeout),
		errors.Is(err, network.ErrNotConnected),
		errors.Is(err, antdist.ErrNotStarted),
		errors.Is(err, antdist.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, codeUnavailable, "unavailable", err.Error())
	case errors.Is(err, antdist.ErrPublishDeclined):
		writeError(w, http.StatusForbidden, codeValidation, "publish_declined", err.Error())
	default:
		writeError(w, http.StatusInternalServerError, codeInternal, "internal_error", err.Error())
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.log = logger
		}
	}
}

func WithAuth(auth AuthFunc) Option {
	return func(s *Server) {
		if auth != nil {
			s.auth = auth
		}
	}
}
