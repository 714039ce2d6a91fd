package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/aws/aws-lambda-go/events"
	twimlsdk "github.com/twilio/twilio-go/twiml"

	"guidance-agent/internal/domain"
	"guidance-agent/internal/usecase"
)

type MessageUseCase interface {
	HandleMessage(ctx context.Context, in domain.InboundMessage) (usecase.Outcome, error)
}

const emptyResponse = `<?xml version="1.0" encoding="UTF-8"?><Response/>`

// SMSHandler answers the messaging provider's inbound webhook with TwiML.
// It always responds 200 so the provider never retries a message that was
// already handled.
type SMSHandler struct {
	uc      MessageUseCase
	waiter  Waiter
	flusher Flusher
	logger  *slog.Logger
}

type SMSOption func(*SMSHandler)

func WithSMSWaiter(w Waiter) SMSOption {
	return func(h *SMSHandler) { h.waiter = w }
}

func WithSMSFlusher(f Flusher) SMSOption {
	return func(h *SMSHandler) { h.flusher = f }
}

func WithSMSLogger(logger *slog.Logger) SMSOption {
	return func(h *SMSHandler) { h.logger = logger }
}

func NewSMSHandler(uc MessageUseCase, opts ...SMSOption) (*SMSHandler, error) {
	if uc == nil {
		return nil, errors.New("handler: use case must not be nil")
	}
	h := &SMSHandler{uc: uc, logger: slog.Default()}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

func (h *SMSHandler) Handle(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	corrID := correlationID(req.Headers)
	logger := h.logger.With("correlation_id", corrID, "channel", string(domain.ChannelSMS))
	defer finish(ctx, h.logger, h.waiter, h.flusher)

	body, err := requestBody(req)
	if err != nil {
		logger.WarnContext(ctx, "invalid webhook body encoding", "err", err)
		return twiml(""), nil
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		logger.WarnContext(ctx, "invalid webhook form", "err", err)
		return twiml(""), nil
	}
	if ct := header(req.Headers, "Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		logger.WarnContext(ctx, "unexpected webhook content type", "content_type", ct)
	}

	out, err := h.uc.HandleMessage(ctx, domain.InboundMessage{
		Channel:            domain.ChannelSMS,
		FromAddress:        form.Get("From"),
		Text:               form.Get("Body"),
		TransportMessageID: form.Get("MessageSid"),
		CorrelationID:      corrID,
	})
	if err != nil {
		ucErr := asUseCaseError(err)
		logger.Log(ctx, smsLogLevel(ucErr.Code), "message not answered", "code", string(ucErr.Code), "reason", ucErr.Reason, "err", ucErr.Err)
		return twiml(""), nil
	}
	logger.InfoContext(ctx, "message handled", "outcome", string(out.Kind), "reason", string(out.Reason))
	if out.Kind == usecase.OutcomeSilence {
		return twiml(""), nil
	}
	return twiml(out.Reply.Text), nil
}

func smsLogLevel(code usecase.ErrorCode) slog.Level {
	switch code {
	case usecase.ErrorInvalidInput, usecase.ErrorInvalidAddress:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// twiml renders a reply, or an empty <Response/> when text is blank.
func twiml(text string) events.APIGatewayProxyResponse {
	var verbs []twimlsdk.Element
	if strings.TrimSpace(text) != "" {
		verbs = append(verbs, &twimlsdk.MessagingMessage{Body: text})
	}
	body, err := twimlsdk.Messages(verbs)
	if err != nil {
		slog.Error("failed to render twiml", "err", err)
		body = emptyResponse
	}
	return events.APIGatewayProxyResponse{
		StatusCode: http.StatusOK,
		Headers:    map[string]string{"Content-Type": "text/xml"},
		Body:       body,
	}
}
