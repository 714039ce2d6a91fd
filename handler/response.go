package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/google/uuid"

	"guidance-agent/internal/usecase"
)

const (
	correlationHeader = "X-Correlation-Id"
	flushTimeout      = 2 * time.Second
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Waiter blocks until background work started by a request has finished.
type Waiter interface {
	Wait()
}

// Flusher exports buffered telemetry.
type Flusher interface {
	ForceFlush(ctx context.Context) error
}

// finish waits for background work and flushes telemetry before the
// invocation may be frozen.
func finish(ctx context.Context, logger *slog.Logger, w Waiter, f Flusher) {
	if w != nil {
		w.Wait()
	}
	if f == nil {
		return
	}
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()
	if err := f.ForceFlush(fctx); err != nil {
		logger.WarnContext(ctx, "failed to flush telemetry", "err", err)
	}
}

var newCorrelationID = func() string {
	return uuid.NewString()
}

// correlationID returns the inbound X-Correlation-Id, matched
// case-insensitively, or mints a new one.
func correlationID(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, correlationHeader) && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return newCorrelationID()
}

func header(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func statusFor(code usecase.ErrorCode) int {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidAddress:
		return http.StatusBadRequest
	case usecase.ErrorUnauthorized:
		return http.StatusUnauthorized
	case usecase.ErrorQuotaExceeded:
		return http.StatusPaymentRequired
	case usecase.ErrorNotFound:
		return http.StatusNotFound
	case usecase.ErrorStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func messageFor(code usecase.ErrorCode) string {
	switch code {
	case usecase.ErrorInvalidInput:
		return "The request was invalid."
	case usecase.ErrorInvalidAddress:
		return "The conversation address is invalid."
	case usecase.ErrorUnauthorized:
		return "Sign in to continue."
	case usecase.ErrorQuotaExceeded:
		return "You've reached the free message limit."
	case usecase.ErrorNotFound:
		return "Conversation not found."
	case usecase.ErrorStoreUnavailable:
		return "The service is temporarily unavailable. Please try again."
	default:
		return "Something went wrong. Please try again."
	}
}

// asUseCaseError maps any error to a usecase error; unknown errors become
// INTERNAL_ERROR.
func asUseCaseError(err error) *usecase.Error {
	var ucErr *usecase.Error
	if errors.As(err, &ucErr) {
		return ucErr
	}
	return &usecase.Error{Code: usecase.ErrorInternal, Reason: "unexpected_error", Err: err}
}

func jsonResponse(status int, headers map[string]string, body any) events.APIGatewayProxyResponse {
	raw, err := json.Marshal(body)
	if err != nil {
		slog.Error("failed to encode response body", "err", err)
		status = http.StatusInternalServerError
		raw = []byte(`{"error":"INTERNAL_ERROR","message":"Something went wrong. Please try again."}`)
	}
	h := make(map[string]string, len(headers)+1)
	for k, v := range headers {
		h[k] = v
	}
	h["Content-Type"] = "application/json"
	return events.APIGatewayProxyResponse{StatusCode: status, Headers: h, Body: string(raw)}
}
