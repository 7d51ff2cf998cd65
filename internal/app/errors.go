package app

import (
	"errors"
	"net/http"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/reqctx"
)

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Message string         `json:"message"`
	Type    string         `json:"type"`
	Code    string         `json:"code"`
	Details map[string]any `json:"details,omitempty"`
}

// writeError renders the single error shape every failure takes. Timeouts
// additionally carry the deadline arithmetic so callers can tune budgets.
func (s *Server) writeError(w http.ResponseWriter, rc *reqctx.RequestContext, timeout int64, err error) {
	var gw *domain.GatewayError
	if !errors.As(err, &gw) {
		gw = &domain.GatewayError{
			Code:       domain.CodeTransient,
			Type:       "api_error",
			Message:    err.Error(),
			HTTPStatus: http.StatusInternalServerError,
			Err:        err,
		}
		if rc != nil {
			gw.RequestID = rc.ID
		}
	}

	body := errorBody{Error: errorDetail{
		Message: gw.Message,
		Type:    gw.Type,
		Code:    gw.Code,
	}}
	if gw.Code == domain.CodeTimeout && rc != nil {
		body.Error.Details = map[string]any{
			"timeoutMs": timeout,
			"elapsedMs": rc.Elapsed().Milliseconds(),
			"requestId": rc.ID,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gw.HTTPStatus)
	if encodeErr := json.NewEncoder(w).Encode(body); encodeErr != nil {
		s.logger.Warn("Failed to write error response", "error", encodeErr)
	}
}
