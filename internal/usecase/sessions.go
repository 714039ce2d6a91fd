package usecase

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"guidance-agent/internal/domain"
	"guidance-agent/internal/repository"
	"guidance-agent/internal/title"
)

const (
	sessionListLimit    = 50
	sessionDetailLimit  = 100
	maxManualTitleRunes = 100
)

// SessionDetail is a session with its most recent messages, oldest first.
type SessionDetail struct {
	Session  domain.Session
	Messages []domain.Message
}

func (s *ChatService) ListSessions(ctx context.Context, userID string) ([]domain.Session, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx, userID, sessionListLimit)
	if err != nil {
		return nil, newError(ErrorStoreUnavailable, "session_list_error", err)
	}
	return sessions, nil
}

func (s *ChatService) CreateSession(ctx context.Context, userID string) (domain.Session, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return domain.Session{}, err
	}
	session, err := s.store.CreateSession(ctx, userID)
	if err != nil {
		return domain.Session{}, newError(ErrorStoreUnavailable, "session_create_error", err)
	}
	return session, nil
}

func (s *ChatService) GetSession(ctx context.Context, userID, sessionID string) (SessionDetail, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return SessionDetail{}, err
	}
	session, err := s.activeSession(ctx, userID, sessionID)
	if err != nil {
		return SessionDetail{}, err
	}
	msgs, err := s.store.LoadRecent(ctx, session.Thread().String(), sessionDetailLimit)
	if err != nil {
		return SessionDetail{}, newError(ErrorStoreUnavailable, "message_load_error", err)
	}
	return SessionDetail{Session: session, Messages: msgs}, nil
}

func (s *ChatService) ArchiveSession(ctx context.Context, userID, sessionID string) error {
	userID, err := requireUser(userID)
	if err != nil {
		return err
	}
	if _, err := s.activeSession(ctx, userID, sessionID); err != nil {
		return err
	}
	if err := s.store.ArchiveSession(ctx, userID, sessionID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return newError(ErrorNotFound, "session_not_found", err)
		}
		return newError(ErrorStoreUnavailable, "session_archive_error", err)
	}
	return nil
}

// RetitleSession sets a manual title, or regenerates one from the
// conversation when newTitle is blank.
func (s *ChatService) RetitleSession(ctx context.Context, userID, sessionID, newTitle string) (string, error) {
	userID, err := requireUser(userID)
	if err != nil {
		return "", err
	}
	newTitle = strings.Join(strings.Fields(newTitle), " ")
	if utf8.RuneCountInString(newTitle) > maxManualTitleRunes {
		return "", newError(ErrorInvalidInput, "title_too_long", nil)
	}
	if _, err := s.activeSession(ctx, userID, sessionID); err != nil {
		return "", err
	}

	if newTitle == "" {
		t, err := s.titles.Regenerate(ctx, userID, sessionID)
		switch {
		case errors.Is(err, title.ErrEmptyConversation):
			return "", newError(ErrorInvalidInput, "empty_conversation", err)
		case errors.Is(err, repository.ErrNotFound):
			return "", newError(ErrorNotFound, "session_not_found", err)
		case err != nil:
			return "", newError(ErrorStoreUnavailable, "title_regenerate_error", err)
		}
		return t, nil
	}

	err = s.store.RenameSession(ctx, userID, sessionID, newTitle, domain.TitleManual)
	switch {
	case errors.Is(err, repository.ErrConditionFailed), errors.Is(err, repository.ErrNotFound):
		return "", newError(ErrorNotFound, "session_not_found", err)
	case err != nil:
		return "", newError(ErrorStoreUnavailable, "session_rename_error", err)
	}
	return newTitle, nil
}

// activeSession loads a session that exists and is not archived.
func (s *ChatService) activeSession(ctx context.Context, userID, sessionID string) (domain.Session, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return domain.Session{}, newError(ErrorInvalidInput, "missing_session_id", nil)
	}
	session, err := s.store.GetSession(ctx, userID, sessionID)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return domain.Session{}, newError(ErrorNotFound, "session_not_found", err)
	case err != nil:
		return domain.Session{}, newError(ErrorStoreUnavailable, "session_load_error", err)
	case session.Archived:
		return domain.Session{}, newError(ErrorNotFound, "session_archived", nil)
	}
	return session, nil
}

func requireUser(userID string) (string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", newError(ErrorUnauthorized, "missing_user", nil)
	}
	return userID, nil
}
