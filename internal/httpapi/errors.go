package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"pkt.systems/pslog"
)

// ErrorResponse is the JSON document written for failed requests.
type ErrorResponse struct {
	ErrorCode string `json:"error"`
	Detail    string `json:"detail,omitempty"`
}

type httpError struct {
	Status int
	Code   string
	Detail string
	cause  error
}

func (h httpError) Error() string {
	if h.Detail != "" {
		return fmt.Sprintf("%s: %s", h.Code, h.Detail)
	}
	return h.Code
}

func (h httpError) Unwrap() error { return h.cause }

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = h.logger
	}
	var httpErr httpError
	if errors.As(err, &httpErr) {
		if httpErr.Status >= http.StatusInternalServerError {
			logger.Warn("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail, "error", httpErr.cause)
		} else {
			logger.Debug("http.request.failure", "status", httpErr.Status, "code", httpErr.Code, "detail", httpErr.Detail)
		}
		writeJSON(w, httpErr.Status, ErrorResponse{ErrorCode: httpErr.Code, Detail: httpErr.Detail}, nil)
		return
	}
	logger.Error("http.request.internal", "error", err)
	writeJSON(w, http.StatusInternalServerError, ErrorResponse{
		ErrorCode: "internal_error",
		Detail:    "internal server error",
	}, nil)
}

func writeJSON(w http.ResponseWriter, status int, payload any, headers map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	for k, v := range headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	enc := json.NewEncoder(w)
	_ = enc.Encode(payload)
}
