package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	klog "k8s.io/klog/v2"

	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/backend"
	"inference.networking.x-k8s.io/disagg-gateway/pkg/ext-proc/loadbalancer"
)

// ErrorResponse is the OpenAI style error body.
type ErrorResponse struct {
	Object  string `json:"object"`
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    int    `json:"code"`
}

// statusFor maps an error to the HTTP status returned to the client.
func statusFor(err error) int {
	switch {
	case errors.Is(err, loadbalancer.ErrInvalidRequest):
		return http.StatusBadRequest
	case backend.IsRetryable(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, backend.ErrDuplicateRank):
		return http.StatusConflict
	case errors.Is(err, backend.ErrWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, loadbalancer.ErrSessionFailed):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, code int, err error) {
	klog.V(2).Infof("Responding %d: %v", code, err)
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, code, ErrorResponse{
		Object:  "error",
		Message: err.Error(),
		Type:    http.StatusText(code),
		Code:    code,
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		klog.Errorf("Failed to write response: %v", err)
	}
}
