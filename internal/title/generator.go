// Package title names web sessions. Naming is best effort: failures are
// logged and never reach the caller of MaybeGenerateTitle.
package title

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"guidance-agent/internal/config"
	"guidance-agent/internal/domain"
	"guidance-agent/internal/repository"
	"guidance-agent/internal/tracing"
)

const (
	DefaultTitle = "New Conversation"
	maxTitleLen  = 50

	// Messages fed to the title prompt, and characters kept from each.
	promptMessages   = 10
	promptMessageLen = 200

	titleTemperature = 0.5
	backgroundLimit  = 10 * time.Second
)

// ErrEmptyConversation is returned by Regenerate for a session without
// messages.
var ErrEmptyConversation = errors.New("title: conversation is empty")

type Model interface {
	Complete(ctx context.Context, req domain.CompletionRequest) (domain.CompletionResponse, error)
}

type Store interface {
	GetSession(ctx context.Context, userID, sessionID string) (domain.Session, error)
	RenameSession(ctx context.Context, userID, sessionID, title string, source domain.TitleSource, unless ...domain.TitleSource) error
	LoadRecent(ctx context.Context, threadKey string, limit int) ([]domain.Message, error)
}

type Generator struct {
	model  Model
	store  Store
	cfg    *config.Config
	tracer *tracing.Tracer
	logger *slog.Logger

	wg sync.WaitGroup
}

func NewGenerator(model Model, store Store, cfg *config.Config, tracer *tracing.Tracer, logger *slog.Logger) (*Generator, error) {
	if model == nil || store == nil || cfg == nil {
		return nil, errors.New("title: model, store and config are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{model: model, store: store, cfg: cfg, tracer: tracer, logger: logger}, nil
}

// MaybeGenerateTitle advances the session title at most one step. An
// untitled session gets a naive title from its first user message. A
// session still carrying a naive title gets a model title once it holds
// the configured number of messages. Titles are written conditionally on
// the source they replace, so repeating a call with the same session is a
// no-op. It returns the title written, or "".
func (g *Generator) MaybeGenerateTitle(ctx context.Context, session domain.Session, history []domain.Message) string {
	switch {
	case session.TitleSource == domain.TitleNone:
		t := NaiveTitle(firstUserText(history))
		return g.write(ctx, session, t, domain.TitleNaive, domain.TitleNaive, domain.TitleGenerated, domain.TitleManual)

	case session.TitleSource == domain.TitleNaive && session.MessageCount >= g.minTurns():
		t, err := g.generate(ctx, history)
		if err != nil {
			g.logger.WarnContext(ctx, "title generation failed", "session_id", session.SessionID, "err", err)
			return ""
		}
		return g.write(ctx, session, t, domain.TitleGenerated, domain.TitleGenerated, domain.TitleManual)
	}
	return ""
}

// Schedule runs MaybeGenerateTitle in the background on a context detached
// from ctx's cancellation. Call Wait before the process may be frozen.
func (g *Generator) Schedule(ctx context.Context, session domain.Session, history []domain.Message) {
	history = append([]domain.Message(nil), history...)
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundLimit)
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				g.logger.ErrorContext(bg, "title generation panicked", "panic", r)
			}
		}()
		g.MaybeGenerateTitle(bg, session, history)
	}()
}

// Wait blocks until scheduled title work has finished.
func (g *Generator) Wait() {
	g.wg.Wait()
}

// Regenerate always produces a fresh model title for the session. If the
// model fails, the naive title is used instead.
func (g *Generator) Regenerate(ctx context.Context, userID, sessionID string) (string, error) {
	session, err := g.store.GetSession(ctx, userID, sessionID)
	if err != nil {
		return "", fmt.Errorf("title: Regenerate: %w", err)
	}
	if session.Archived {
		return "", fmt.Errorf("title: Regenerate: %w", repository.ErrNotFound)
	}
	history, err := g.store.LoadRecent(ctx, session.Thread().String(), promptMessages)
	if err != nil {
		return "", fmt.Errorf("title: Regenerate: %w", err)
	}
	if len(history) == 0 {
		return "", ErrEmptyConversation
	}

	t, err := g.generate(ctx, history)
	source := domain.TitleGenerated
	if err != nil {
		g.logger.WarnContext(ctx, "title regeneration fell back to naive title", "session_id", sessionID, "err", err)
		t, source = NaiveTitle(firstUserText(history)), domain.TitleNaive
	}
	if err := g.store.RenameSession(ctx, userID, sessionID, t, source); err != nil {
		return "", fmt.Errorf("title: Regenerate: %w", err)
	}
	return t, nil
}

func (g *Generator) write(ctx context.Context, s domain.Session, t string, source domain.TitleSource, unless ...domain.TitleSource) string {
	err := g.store.RenameSession(ctx, s.UserID, s.SessionID, t, source, unless...)
	switch {
	case err == nil:
		g.logger.InfoContext(ctx, "session titled", "session_id", s.SessionID, "source", string(source))
		return t
	case errors.Is(err, repository.ErrConditionFailed):
		return ""
	default:
		g.logger.WarnContext(ctx, "title write failed", "session_id", s.SessionID, "err", err)
		return ""
	}
}

func (g *Generator) generate(ctx context.Context, history []domain.Message) (string, error) {
	if len(history) == 0 {
		return "", ErrEmptyConversation
	}
	var b strings.Builder
	for i, m := range history {
		if i == promptMessages {
			break
		}
		text := []rune(strings.TrimSpace(m.Text))
		if len(text) > promptMessageLen {
			text = text[:promptMessageLen]
		}
		role := "User"
		if m.Role == domain.RoleAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n\n", role, string(text))
	}
	instruction := "Based on the following conversation, generate a very short, descriptive title (maximum 4-6 words).\n" +
		"The title should capture the main topic or theme of the conversation.\n" +
		"Do not use quotes, colons, or special characters. Just provide the plain title.\n\n" +
		"Conversation:\n" + b.String() + "Title:"

	req := domain.CompletionRequest{
		Model:       g.cfg.Title.Model,
		Messages:    []domain.ChatMessage{{Role: "user", Content: instruction}},
		Temperature: titleTemperature,
		MaxTokens:   g.cfg.Title.MaxTokens,
	}
	spanCtx, span := g.tracer.StartGeneration(ctx, req.Model)
	resp, err := g.model.Complete(spanCtx, req)
	if err != nil {
		span.Fail(err)
		return "", err
	}
	span.End(tracing.Usage{Model: resp.Model, PromptTokens: resp.PromptTokens, CompletionTokens: resp.CompletionTokens})

	t := clean(resp.Content)
	if t == "" {
		return "", errors.New("title: model returned an empty title")
	}
	return t, nil
}

func (g *Generator) minTurns() int {
	if g.cfg.Title.MinTurns > 0 {
		return g.cfg.Title.MinTurns
	}
	return 4
}

// NaiveTitle derives a title from the first sentence of text.
func NaiveTitle(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.IndexAny(text, ".?!"); i >= 0 {
		text = text[:i]
	}
	text = truncate(strings.Join(strings.Fields(text), " "))
	if text == "" {
		return DefaultTitle
	}
	return text
}

func clean(s string) string {
	s = strings.NewReplacer(`"`, "", "'", "", "\n", " ").Replace(s)
	s = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(s), "Title:"))
	return truncate(strings.Join(strings.Fields(s), " "))
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxTitleLen {
		return s
	}
	return string(r[:maxTitleLen-3]) + "..."
}

func firstUserText(history []domain.Message) string {
	for _, m := range history {
		if m.Role == domain.RoleUser {
			return m.Text
		}
	}
	return ""
}
