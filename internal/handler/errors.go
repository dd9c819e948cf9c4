package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	appI18n "github.com/pavelanni/photograder/internal/i18n"
	"github.com/pavelanni/photograder/internal/session"
)

// Message IDs for failures detected by the HTTP layer itself.
const (
	codeInvalidUpload   = "InvalidUpload"
	codeNotAnImage      = "NotAnImage"
	codeUploadTooLarge  = "UploadTooLarge"
	codePreviewNotFound = "PreviewNotFound"
	codeGradingTimedOut = "GradingTimedOut"
	codeInternal        = "InternalError"
)

type errorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

// describeError maps a session error to an HTTP status and a localized body.
func describeError(ctx context.Context, err error) (int, errorView) {
	var verr *session.ValidationError
	if errors.As(err, &verr) {
		status := http.StatusBadRequest
		switch verr.Code {
		case session.CodeInvalidState:
			status = http.StatusConflict
		case session.CodeUnknownExercise, session.CodeUnknownProblem, session.CodeImageIndex:
			status = http.StatusNotFound
		}
		return status, errorView{
			Code:    string(verr.Code),
			Message: appI18n.T(ctx, string(verr.Code)),
			Detail:  verr.Detail,
		}
	}

	var serr *session.ServiceError
	if errors.As(err, &serr) {
		if errors.Is(err, context.DeadlineExceeded) {
			return http.StatusGatewayTimeout, errorView{
				Code:    codeGradingTimedOut,
				Message: appI18n.T(ctx, codeGradingTimedOut),
			}
		}
		return http.StatusBadGateway, errorView{
			Code:    string(session.CodeGradingFailed),
			Message: appI18n.Td(ctx, string(session.CodeGradingFailed), map[string]any{"Error": serr.Err.Error()}),
		}
	}

	return http.StatusInternalServerError, errorView{Code: codeInternal, Message: err.Error()}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, ev := describeError(r.Context(), err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	} else {
		slog.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", status, "error", err)
	}
	writeJSON(w, status, map[string]errorView{"error": ev})
}

// writeMessage answers with a handler-level message ID.
func writeMessage(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, map[string]errorView{"error": {
		Code:    code,
		Message: appI18n.T(r.Context(), code),
	}})
}
