// Package handler adapts API Gateway events to the chat use case.
package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"guidance-agent/internal/domain"
	"guidance-agent/internal/title"
	"guidance-agent/internal/usecase"
)

type ChatUseCase interface {
	HandleMessage(ctx context.Context, in domain.InboundMessage) (usecase.Outcome, error)
	ListSessions(ctx context.Context, userID string) ([]domain.Session, error)
	CreateSession(ctx context.Context, userID string) (domain.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (usecase.SessionDetail, error)
	ArchiveSession(ctx context.Context, userID, sessionID string) error
	RetitleSession(ctx context.Context, userID, sessionID, newTitle string) (string, error)
}

type messageRequest struct {
	SessionID string `json:"sessionId"`
	Message   string `json:"message"`
}

type messageResponse struct {
	SessionID string               `json:"sessionId"`
	Message   string               `json:"message"`
	Role      string               `json:"role"`
	Metadata  domain.ReplyMetadata `json:"metadata"`
}

type sessionJSON struct {
	SessionID    string    `json:"sessionId"`
	Title        string    `json:"title"`
	MessageCount int       `json:"messageCount"`
	LastActivity time.Time `json:"lastActivity"`
	CreatedAt    time.Time `json:"createdAt"`
}

type messageJSON struct {
	MessageID string    `json:"messageId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

type titleRequest struct {
	Title string `json:"title"`
}

// WebHandler serves the authenticated /chat routes.
type WebHandler struct {
	uc         ChatUseCase
	corsOrigin string
	waiter     Waiter
	flusher    Flusher
	logger     *slog.Logger
}

type WebOption func(*WebHandler)

func WithCORSOrigin(origin string) WebOption {
	return func(h *WebHandler) { h.corsOrigin = origin }
}

// WithWaiter makes the handler wait for background work before returning.
func WithWaiter(w Waiter) WebOption {
	return func(h *WebHandler) { h.waiter = w }
}

func WithFlusher(f Flusher) WebOption {
	return func(h *WebHandler) { h.flusher = f }
}

func WithLogger(logger *slog.Logger) WebOption {
	return func(h *WebHandler) { h.logger = logger }
}

func NewHandler(uc ChatUseCase, opts ...WebOption) (*WebHandler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &WebHandler{uc: uc, corsOrigin: "*", logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

func (h *WebHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	headers := map[string]string{
		correlationHeader:                  corrID,
		"Access-Control-Allow-Origin":      h.corsOrigin,
		"Access-Control-Allow-Headers":     "Content-Type,Authorization,X-Correlation-Id",
		"Access-Control-Allow-Methods":     "GET,POST,PUT,DELETE,OPTIONS",
		"Access-Control-Allow-Credentials": "true",
	}
	logger := h.logger.With("correlation_id", corrID, "method", req.HTTPMethod, "path", req.Path)
	defer finish(ctx, h.logger, h.waiter, h.flusher)

	if req.HTTPMethod == http.MethodOptions {
		return events.APIGatewayProxyResponse{StatusCode: http.StatusOK, Headers: headers}, nil
	}

	userID := userIDFrom(req)
	if userID == "" {
		return h.fail(ctx, logger, headers, &usecase.Error{Code: usecase.ErrorUnauthorized, Reason: "missing_authorizer_user"}), nil
	}

	body, err := requestBody(req)
	if err != nil {
		return h.fail(ctx, logger, headers, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_body_encoding", Err: err}), nil
	}

	segments := routeSegments(req.Path)
	switch {
	case req.HTTPMethod == http.MethodPost && matches(segments, "chat", "message"):
		var in messageRequest
		if err := json.Unmarshal(body, &in); err != nil {
			return h.fail(ctx, logger, headers, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}), nil
		}
		out, err := h.uc.HandleMessage(ctx, domain.InboundMessage{
			Channel:       domain.ChannelWeb,
			UserID:        userID,
			SessionID:     in.SessionID,
			Text:          in.Message,
			CorrelationID: corrID,
		})
		if err != nil {
			return h.fail(ctx, logger, headers, err), nil
		}
		return jsonResponse(http.StatusOK, headers, messageResponse{
			SessionID: out.SessionID,
			Message:   out.Reply.Text,
			Role:      string(domain.RoleAssistant),
			Metadata:  out.Reply.Metadata,
		}), nil

	case req.HTTPMethod == http.MethodGet && matches(segments, "chat", "sessions"):
		sessions, err := h.uc.ListSessions(ctx, userID)
		if err != nil {
			return h.fail(ctx, logger, headers, err), nil
		}
		out := make([]sessionJSON, 0, len(sessions))
		for _, s := range sessions {
			out = append(out, toSessionJSON(s))
		}
		return jsonResponse(http.StatusOK, headers, map[string]any{"sessions": out, "count": len(out)}), nil

	case req.HTTPMethod == http.MethodPost && matches(segments, "chat", "sessions"):
		s, err := h.uc.CreateSession(ctx, userID)
		if err != nil {
			return h.fail(ctx, logger, headers, err), nil
		}
		return jsonResponse(http.StatusOK, headers, map[string]any{"session": toSessionJSON(s)}), nil

	case req.HTTPMethod == http.MethodGet && matches(segments, "chat", "sessions", "*"):
		detail, err := h.uc.GetSession(ctx, userID, sessionID(req, segments))
		if err != nil {
			return h.fail(ctx, logger, headers, err), nil
		}
		msgs := make([]messageJSON, 0, len(detail.Messages))
		for _, m := range detail.Messages {
			msgs = append(msgs, messageJSON{MessageID: m.MessageID, Role: string(m.Role), Content: m.Text, Timestamp: m.Timestamp})
		}
		return jsonResponse(http.StatusOK, headers, map[string]any{"session": toSessionJSON(detail.Session), "messages": msgs}), nil

	case req.HTTPMethod == http.MethodDelete && matches(segments, "chat", "sessions", "*"):
		id := sessionID(req, segments)
		if err := h.uc.ArchiveSession(ctx, userID, id); err != nil {
			return h.fail(ctx, logger, headers, err), nil
		}
		return jsonResponse(http.StatusOK, headers, map[string]any{"sessionId": id, "archived": true}), nil

	case req.HTTPMethod == http.MethodPut && matches(segments, "chat", "sessions", "*", "title"):
		var in titleRequest
		if len(strings.TrimSpace(string(body))) > 0 {
			if err := json.Unmarshal(body, &in); err != nil {
				return h.fail(ctx, logger, headers, &usecase.Error{Code: usecase.ErrorInvalidInput, Reason: "invalid_json", Err: err}), nil
			}
		}
		t, err := h.uc.RetitleSession(ctx, userID, sessionID(req, segments), in.Title)
		if err != nil {
			return h.fail(ctx, logger, headers, err), nil
		}
		return jsonResponse(http.StatusOK, headers, map[string]any{"title": t}), nil
	}

	return jsonResponse(http.StatusNotFound, headers, errorResponse{
		Error:   string(usecase.ErrorNotFound),
		Message: "Route not found.",
	}), nil
}

func (h *WebHandler) fail(ctx context.Context, logger *slog.Logger, headers map[string]string, err error) events.APIGatewayProxyResponse {
	ucErr := asUseCaseError(err)
	status := statusFor(ucErr.Code)
	level := slog.LevelWarn
	if status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	logger.Log(ctx, level, "request failed", "code", string(ucErr.Code), "reason", ucErr.Reason, "status", status, "err", ucErr.Err)

	msg := ucErr.Notice
	if msg == "" {
		msg = messageFor(ucErr.Code)
	}
	return jsonResponse(status, headers, errorResponse{Error: string(ucErr.Code), Message: msg})
}

func toSessionJSON(s domain.Session) sessionJSON {
	t := s.Title
	if t == "" {
		t = title.DefaultTitle
	}
	return sessionJSON{
		SessionID:    s.SessionID,
		Title:        t,
		MessageCount: s.MessageCount,
		LastActivity: s.LastActivity,
		CreatedAt:    s.CreatedAt,
	}
}

// userIDFrom reads the caller from the API Gateway authorizer context:
// Cognito claims first, then a custom authorizer's userId or principalId.
func userIDFrom(req events.APIGatewayProxyRequest) string {
	auth := req.RequestContext.Authorizer
	if auth == nil {
		return ""
	}
	if claims, ok := auth["claims"].(map[string]any); ok {
		if sub, ok := claims["sub"].(string); ok && sub != "" {
			return sub
		}
	}
	for _, k := range []string{"userId", "principalId"} {
		if v, ok := auth[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func requestBody(req events.APIGatewayProxyRequest) ([]byte, error) {
	if req.IsBase64Encoded {
		return base64.StdEncoding.DecodeString(req.Body)
	}
	return []byte(req.Body), nil
}

// routeSegments splits path from its "chat" segment on, dropping any stage
// or base-path prefix.
func routeSegments(path string) []string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, p := range parts {
		if p == "chat" {
			return parts[i:]
		}
	}
	return nil
}

// matches compares segments with a pattern where "*" matches any
// non-empty segment.
func matches(segments []string, pattern ...string) bool {
	if len(segments) != len(pattern) {
		return false
	}
	for i, p := range pattern {
		if segments[i] == "" || (p != "*" && p != segments[i]) {
			return false
		}
	}
	return true
}

func sessionID(req events.APIGatewayProxyRequest, segments []string) string {
	if id := req.PathParameters["id"]; id != "" {
		return id
	}
	if len(segments) > 2 {
		return segments[2]
	}
	return ""
}
