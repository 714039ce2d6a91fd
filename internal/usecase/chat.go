package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"guidance-agent/internal/config"
	"guidance-agent/internal/domain"
	"guidance-agent/internal/generation"
	"guidance-agent/internal/identity"
	"guidance-agent/internal/integrations/twilio"
	"guidance-agent/internal/policy"
	"guidance-agent/internal/prompt"
	"guidance-agent/internal/repository"
	"guidance-agent/internal/tools"
	"guidance-agent/internal/tracing"
)

const (
	defaultMaxMessageLength = 1600
	defaultTimeout          = 25 * time.Second
)

type MessageStore interface {
	Append(ctx context.Context, msg domain.Message) (domain.Message, error)
	AppendToSession(ctx context.Context, msg domain.Message, userID, sessionID string) (domain.Message, error)
	LoadRecent(ctx context.Context, threadKey string, limit int) ([]domain.Message, error)
}

type SessionStore interface {
	CreateSession(ctx context.Context, userID string) (domain.Session, error)
	GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context, userID string, limit int) ([]domain.Session, error)
	ArchiveSession(ctx context.Context, userID, sessionID string) error
	RenameSession(ctx context.Context, userID, sessionID, title string, source domain.TitleSource, unless ...domain.TitleSource) error
}

type UsageStore interface {
	GetUsage(ctx context.Context, identity string) (*domain.UsageCounter, error)
	RecordNudge(ctx context.Context, identity string, limit int) (bool, error)
	SetOptOut(ctx context.Context, identity string, optedOut bool) error
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (domain.Profile, error)
	FindProfileByPhone(ctx context.Context, phone string) (domain.Profile, error)
}

// Store is satisfied by *repository.Client.
type Store interface {
	MessageStore
	SessionStore
	UsageStore
	ProfileStore
}

type ThreadResolver interface {
	ResolveMessaging(rawPhone string) (domain.PhoneThread, error)
	ResolveWeb(ctx context.Context, userID, sessionID string) (domain.WebThread, *domain.Session, error)
}

type Gatekeeper interface {
	Evaluate(ctx context.Context, s policy.Subject) policy.Decision
}

type PromptBuilder interface {
	Build(ch domain.Channel, prefs prompt.Preferences, inbound string) prompt.Spec
}

type Generator interface {
	Generate(ctx context.Context, req generation.Request) (generation.Result, error)
}

type Titler interface {
	Schedule(ctx context.Context, session domain.Session, history []domain.Message)
	Regenerate(ctx context.Context, userID, sessionID string) (string, error)
}

// Notifier delivers out-of-band text messages.
type Notifier interface {
	SendMessage(ctx context.Context, to, body string) (string, error)
}

// Deps are the collaborators of ChatService. Notifier is optional.
type Deps struct {
	Store     Store
	Resolver  ThreadResolver
	Policy    Gatekeeper
	Prompts   PromptBuilder
	Generator Generator
	Titles    Titler
	Notifier  Notifier
	Config    *config.Config
}

type OutcomeKind string

const (
	OutcomeReply   OutcomeKind = "reply"
	OutcomeRefusal OutcomeKind = "refusal"
	OutcomeSilence OutcomeKind = "silence"
)

// Outcome is the result of one inbound message. A refusal or silence may
// carry an empty Reply.Text; the adapter then answers with nothing.
type Outcome struct {
	Kind      OutcomeKind
	Reply     domain.OutboundMessage
	ThreadKey string
	SessionID string
	Reason    policy.Reason
}

type ChatService struct {
	store     Store
	resolver  ThreadResolver
	policy    Gatekeeper
	prompts   PromptBuilder
	generator Generator
	titles    Titler
	notifier  Notifier
	cfg       *config.Config

	logger        *slog.Logger
	maxMessageLen int
	timeout       time.Duration
	now           func() time.Time
}

type Option func(*ChatService)

func WithLogger(logger *slog.Logger) Option {
	return func(s *ChatService) { s.logger = logger }
}

// WithLimits sets the longest accepted inbound text and the time budget for
// history loading and generation. Non-positive values keep the defaults.
func WithLimits(maxMessageLen int, timeout time.Duration) Option {
	return func(s *ChatService) {
		if maxMessageLen > 0 {
			s.maxMessageLen = maxMessageLen
		}
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

func NewChatService(d Deps, opts ...Option) (*ChatService, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("usecase: store must not be nil")
	case d.Resolver == nil:
		return nil, errors.New("usecase: resolver must not be nil")
	case d.Policy == nil:
		return nil, errors.New("usecase: policy must not be nil")
	case d.Prompts == nil:
		return nil, errors.New("usecase: prompt builder must not be nil")
	case d.Generator == nil:
		return nil, errors.New("usecase: generator must not be nil")
	case d.Titles == nil:
		return nil, errors.New("usecase: title generator must not be nil")
	case d.Config == nil:
		return nil, errors.New("usecase: config must not be nil")
	}
	s := &ChatService{
		store:         d.Store,
		resolver:      d.Resolver,
		policy:        d.Policy,
		prompts:       d.Prompts,
		generator:     d.Generator,
		titles:        d.Titles,
		notifier:      d.Notifier,
		cfg:           d.Config,
		logger:        slog.Default(),
		maxMessageLen: defaultMaxMessageLength,
		timeout:       defaultTimeout,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s, nil
}

// turn carries one admitted message through reply generation.
type turn struct {
	thread        domain.ThreadKey
	channel       domain.Channel
	userID        string
	profile       *domain.Profile
	session       *domain.Session
	text          string
	decision      policy.Decision
	transportID   string
	correlationID string
}

// HandleMessage answers one inbound message. Every accepted message ends in
// a reply, a refusal or silence; errors are returned only for requests the
// adapter must reject.
func (s *ChatService) HandleMessage(ctx context.Context, in domain.InboundMessage) (Outcome, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return Outcome{}, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(text) > s.maxMessageLen {
		return Outcome{}, newError(ErrorInvalidInput, "message_too_long", nil)
	}

	switch in.Channel {
	case domain.ChannelSMS:
		return s.handleSMS(ctx, in, text)
	case domain.ChannelWeb:
		return s.handleWeb(ctx, in, text)
	default:
		return Outcome{}, newError(ErrorInvalidInput, "unknown_channel", nil)
	}
}

func (s *ChatService) handleSMS(ctx context.Context, in domain.InboundMessage, text string) (Outcome, error) {
	thread, err := s.resolver.ResolveMessaging(in.FromAddress)
	if err != nil {
		return Outcome{}, newError(ErrorInvalidAddress, "invalid_phone", err)
	}
	if out, ok := s.handleKeyword(ctx, thread, text); ok {
		return out, nil
	}

	profile := s.profileByPhone(ctx, thread.Phone)
	var userID string
	if profile != nil {
		userID = profile.UserID
	}

	d := s.policy.Evaluate(ctx, policy.Subject{
		Channel: domain.ChannelSMS,
		Thread:  thread,
		UserID:  userID,
		Profile: profile,
	})
	if d.NewIdentity && s.notify(ctx, thread, s.cfg.Notices.Welcome) == deliveryBlocked {
		return Outcome{Kind: OutcomeSilence, ThreadKey: thread.String(), Reason: policy.ReasonOptedOut}, nil
	}
	if !d.Allowed() {
		out := Outcome{Kind: OutcomeRefusal, ThreadKey: thread.String(), Reason: d.Reason}
		switch d.Reason {
		case policy.ReasonOptedOut:
			out.Kind = OutcomeSilence
		case policy.ReasonQuotaExceeded:
			out.Reply.Text = s.nudge(ctx, thread, d)
		default:
			out.Reply.Text = s.cfg.Notices.Fallback
		}
		return out, nil
	}

	return s.respond(ctx, turn{
		thread:        thread,
		channel:       domain.ChannelSMS,
		userID:        userID,
		profile:       profile,
		text:          text,
		decision:      d,
		transportID:   in.TransportMessageID,
		correlationID: in.CorrelationID,
	})
}

func (s *ChatService) handleWeb(ctx context.Context, in domain.InboundMessage, text string) (Outcome, error) {
	userID := strings.TrimSpace(in.UserID)
	if userID == "" {
		return Outcome{}, newError(ErrorUnauthorized, "missing_user", nil)
	}
	thread, session, err := s.resolver.ResolveWeb(ctx, userID, in.SessionID)
	if err != nil {
		if errors.Is(err, identity.ErrInvalidAddress) {
			return Outcome{}, newError(ErrorInvalidAddress, "invalid_session", err)
		}
		return Outcome{}, newError(ErrorStoreUnavailable, "session_create_error", err)
	}
	created := session != nil
	if !created {
		existing, err := s.activeSession(ctx, userID, thread.SessionID)
		if err != nil {
			return Outcome{}, err
		}
		session = &existing
	}

	profile := s.profileByID(ctx, userID)
	d := s.policy.Evaluate(ctx, policy.Subject{
		Channel: domain.ChannelWeb,
		Thread:  thread,
		UserID:  userID,
		Profile: profile,
	})
	if !d.Allowed() {
		if created {
			s.discardSession(ctx, userID, session.SessionID)
		}
		if d.Reason == policy.ReasonQuotaExceeded {
			e := newError(ErrorQuotaExceeded, "web_free_limit", nil)
			e.Notice = s.cfg.Notices.Subscribe
			return Outcome{}, e
		}
		return Outcome{}, newError(ErrorStoreUnavailable, "usage_store_unavailable", nil)
	}

	return s.respond(ctx, turn{
		thread:        thread,
		channel:       domain.ChannelWeb,
		userID:        userID,
		profile:       profile,
		session:       session,
		text:          text,
		decision:      d,
		transportID:   in.TransportMessageID,
		correlationID: in.CorrelationID,
	})
}

func (s *ChatService) respond(ctx context.Context, t turn) (Outcome, error) {
	key := t.thread.String()
	logger := s.logger.With("channel", string(t.channel), "correlation_id", t.correlationID)

	grouping := key
	if t.session != nil {
		grouping = t.session.SessionID
	}
	ctx = tracing.WithContext(ctx, tracing.Context{
		CorrelationID: t.correlationID,
		GroupingID:    grouping,
		Channel:       t.channel,
		ThreadKey:     key,
		UserID:        t.userID,
	})

	genCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	history, err := s.store.LoadRecent(genCtx, key, s.cfg.History.ContextWindow)
	if err != nil {
		logger.WarnContext(ctx, "failed to load history, continuing without context", "err", err)
		history = nil
	}

	persisted := 0
	inbound := domain.Message{
		ThreadKey: key,
		Role:      domain.RoleUser,
		Text:      t.text,
		Channel:   t.channel,
		UserID:    t.userID,
	}
	if t.transportID != "" {
		inbound.Metadata = map[string]string{"transportMessageId": t.transportID}
	}
	if stored, err := s.appendMessage(ctx, t, inbound); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Outcome{}, newError(ErrorNotFound, "session_not_found", err)
		}
		logger.ErrorContext(ctx, "failed to persist inbound message", "err", err)
	} else {
		inbound = stored
		persisted++
	}

	spec := s.prompts.Build(t.channel, preferences(t.profile), t.text)
	res, genErr := s.generator.Generate(genCtx, generation.Request{
		Spec:         spec,
		Conversation: prompt.Conversation(history, t.text),
		Channel:      t.channel,
		Caller:       tools.Caller{ThreadKey: key, Channel: t.channel, Profile: t.profile},
	})
	if genErr != nil {
		if strings.TrimSpace(res.Text) == "" {
			return Outcome{}, newError(ErrorGenerationFailure, "no_reply", genErr)
		}
		logger.WarnContext(ctx, "generation fell back", "err", genErr, "model_calls", res.ModelCalls)
	}

	text := prompt.FormatReply(t.channel, res.Text)
	if t.decision.Verdict == policy.AllowWithWarning {
		text = s.withLastFreeNotice(t.channel, text)
	}
	meta := domain.ReplyMetadata{
		TokensUsed: res.TokensUsed(),
		ModelUsed:  res.Model,
		LatencyMs:  res.Latency.Milliseconds(),
	}

	outbound := domain.Message{
		ThreadKey: key,
		Role:      domain.RoleAssistant,
		Text:      text,
		Channel:   t.channel,
		UserID:    t.userID,
		Metadata: map[string]string{
			"tokensUsed": strconv.Itoa(meta.TokensUsed),
			"modelUsed":  meta.ModelUsed,
			"latencyMs":  strconv.FormatInt(meta.LatencyMs, 10),
		},
	}
	if stored, err := s.appendMessage(ctx, t, outbound); err != nil {
		logger.ErrorContext(ctx, "failed to persist reply", "err", err)
	} else {
		outbound = stored
		persisted++
	}

	out := Outcome{
		Kind:      OutcomeReply,
		Reply:     domain.OutboundMessage{Text: text, Metadata: meta},
		ThreadKey: key,
	}
	if t.session != nil {
		out.SessionID = t.session.SessionID
		session := *t.session
		session.MessageCount += persisted
		s.titles.Schedule(ctx, session, append(history, inbound, outbound))
	}
	logger.InfoContext(ctx, "reply generated",
		"verdict", string(t.decision.Verdict),
		"tokens", meta.TokensUsed,
		"tool_rounds", res.ToolRounds,
		"fallback", res.Fallback,
		"latency_ms", meta.LatencyMs,
	)
	return out, nil
}

func (s *ChatService) appendMessage(ctx context.Context, t turn, msg domain.Message) (domain.Message, error) {
	if t.session != nil {
		return s.store.AppendToSession(ctx, msg, t.session.UserID, t.session.SessionID)
	}
	return s.store.Append(ctx, msg)
}

// withLastFreeNotice appends the last-free-message notice, shortening an
// SMS reply so the combined text still fits one message.
func (s *ChatService) withLastFreeNotice(ch domain.Channel, text string) string {
	notice := s.cfg.Notices.WebLastFree
	if ch == domain.ChannelSMS {
		notice = s.cfg.Notices.LastFree
	}
	if strings.TrimSpace(notice) == "" {
		return text
	}
	const sep = "\n\n"
	if ch == domain.ChannelSMS {
		room := prompt.SMSMaxLength - utf8.RuneCountInString(notice) - len(sep)
		if runes := []rune(text); len(runes) > room && room > 3 {
			text = string(runes[:room-3]) + "..."
		}
	}
	return text + sep + notice
}

// handleKeyword handles the messaging control words. ok is false when text
// is an ordinary message.
func (s *ChatService) handleKeyword(ctx context.Context, thread domain.PhoneThread, text string) (Outcome, bool) {
	word := strings.ToUpper(strings.Trim(text, " .!"))
	out := Outcome{ThreadKey: thread.String()}
	switch word {
	case "STOP", "STOPALL", "UNSUBSCRIBE", "CANCEL", "END", "QUIT":
		if err := s.store.SetOptOut(ctx, thread.String(), true); err != nil {
			s.logger.ErrorContext(ctx, "failed to record opt-out", "phone", identity.MaskPhone(thread.Phone), "err", err)
		}
		out.Kind, out.Reason = OutcomeSilence, policy.ReasonOptedOut
	case "START", "UNSTOP", "YES":
		if !s.optedOut(ctx, thread) {
			return Outcome{}, false
		}
		if err := s.store.SetOptOut(ctx, thread.String(), false); err != nil {
			s.logger.ErrorContext(ctx, "failed to clear opt-out", "phone", identity.MaskPhone(thread.Phone), "err", err)
		}
		out.Kind, out.Reply.Text = OutcomeReply, s.cfg.Notices.Resubscribed
	case "HELP", "INFO":
		out.Kind, out.Reply.Text = OutcomeReply, s.cfg.Notices.Help
	default:
		return Outcome{}, false
	}
	return out, true
}

// nudge returns the quota-exhausted notice for the inbound reply, or "" when
// the nudge limit is spent or the notice went out through the notifier.
func (s *ChatService) nudge(ctx context.Context, thread domain.PhoneThread, d policy.Decision) string {
	send, err := s.store.RecordNudge(ctx, d.Identity, s.cfg.Quota.NudgeLimit)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to record nudge", "phone", identity.MaskPhone(thread.Phone), "err", err)
		return ""
	}
	if !send {
		return ""
	}
	notice := exhaustedNotice(s.cfg.Notices.Exhausted, d.Cap, resetDate(s.now()))
	if s.notify(ctx, thread, notice) == deliveryFailed {
		return notice
	}
	return ""
}

type delivery int

const (
	delivered delivery = iota
	deliveryFailed
	// deliveryBlocked means the carrier refuses messages to the number.
	deliveryBlocked
)

// notify sends body out of band. A carrier-level unsubscribe is recorded as
// an opt-out so the number stops consuming quota and generation.
func (s *ChatService) notify(ctx context.Context, thread domain.PhoneThread, body string) delivery {
	if s.notifier == nil || strings.TrimSpace(body) == "" {
		return deliveryFailed
	}
	_, err := s.notifier.SendMessage(ctx, thread.Phone, body)
	switch {
	case err == nil:
		return delivered
	case errors.Is(err, twilio.ErrUnsubscribed):
		s.logger.WarnContext(ctx, "recipient unsubscribed at carrier", "phone", identity.MaskPhone(thread.Phone))
		if err := s.store.SetOptOut(ctx, thread.String(), true); err != nil {
			s.logger.ErrorContext(ctx, "failed to record carrier opt-out", "phone", identity.MaskPhone(thread.Phone), "err", err)
		}
		return deliveryBlocked
	default:
		s.logger.WarnContext(ctx, "failed to send notice", "phone", identity.MaskPhone(thread.Phone), "err", err)
		return deliveryFailed
	}
}

// optedOut reports whether the thread's usage record is opted out. Lookup
// failures count as not opted out.
func (s *ChatService) optedOut(ctx context.Context, thread domain.PhoneThread) bool {
	u, err := s.store.GetUsage(ctx, thread.String())
	if err != nil {
		s.logger.WarnContext(ctx, "usage lookup failed", "phone", identity.MaskPhone(thread.Phone), "err", err)
		return false
	}
	return u != nil && u.OptedOut
}

// discardSession archives a session allocated for a message that was then
// denied, so it does not show up empty in the user's list.
func (s *ChatService) discardSession(ctx context.Context, userID, sessionID string) {
	if err := s.store.ArchiveSession(ctx, userID, sessionID); err != nil {
		s.logger.WarnContext(ctx, "failed to discard unused session", "session_id", sessionID, "err", err)
	}
}

func (s *ChatService) profileByPhone(ctx context.Context, phone string) *domain.Profile {
	p, err := s.store.FindProfileByPhone(ctx, phone)
	return s.profileResult(ctx, p, err)
}

func (s *ChatService) profileByID(ctx context.Context, userID string) *domain.Profile {
	p, err := s.store.GetProfile(ctx, userID)
	return s.profileResult(ctx, p, err)
}

func (s *ChatService) profileResult(ctx context.Context, p domain.Profile, err error) *domain.Profile {
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			s.logger.WarnContext(ctx, "profile lookup failed", "err", err)
		}
		return nil
	}
	return &p
}

func preferences(p *domain.Profile) prompt.Preferences {
	if p == nil {
		return prompt.Preferences{}
	}
	return prompt.Preferences{FirstName: p.FirstName, Translation: p.Translation}
}

// resetDate is the first day of the month after now.
func resetDate(now time.Time) time.Time {
	now = now.UTC()
	return time.Date(now.Year(), now.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}

func exhaustedNotice(format string, limit int, reset time.Time) string {
	if !strings.Contains(format, "%") {
		return format
	}
	return fmt.Sprintf(format, limit, reset.Format("January 2"))
}
