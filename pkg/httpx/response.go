package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/nicktill/tsgate/pkg/backend"
)

// Envelope codes carried in Result.Code
const (
	CodeSuccess    = http.StatusOK
	CodeParamError = http.StatusBadRequest
	CodeError      = http.StatusInternalServerError
)

// Result is the response envelope for /api routes.
type Result struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// RespondJSON writes a JSON response with the given status code and data.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		zap.L().Warn("failed to encode JSON response", zap.Error(err))
	}
}

// ErrorResponse is the body for requests that never reach an /api handler,
// such as unknown routes.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// RespondError writes an ErrorResponse with the given status code and message.
func RespondError(w http.ResponseWriter, status int, message string) {
	RespondJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
	})
}

// Success writes a 200 envelope carrying data.
func Success(w http.ResponseWriter, message string, data any) {
	if message == "" {
		message = "success"
	}
	RespondJSON(w, http.StatusOK, Result{Code: CodeSuccess, Message: message, Data: data})
}

// ParamError writes a 400 envelope.
func ParamError(w http.ResponseWriter, message string) {
	RespondJSON(w, http.StatusBadRequest, Result{Code: CodeParamError, Message: message})
}

// Failure writes a 500 envelope.
func Failure(w http.ResponseWriter, message string) {
	RespondJSON(w, http.StatusInternalServerError, Result{Code: CodeError, Message: message})
}

// BackendFailure writes a 503 envelope when the backend could not be reached
// and a 500 envelope carrying message otherwise. err never reaches the
// client; callers log it.
func BackendFailure(w http.ResponseWriter, message string, err error) {
	if errors.Is(err, backend.ErrBackendUnavailable) {
		RespondJSON(w, http.StatusServiceUnavailable, Result{Code: CodeError, Message: "backend unavailable"})
		return
	}
	Failure(w, message)
}
