// Package identity derives canonical thread keys from channel addressing.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"guidance-agent/internal/domain"
)

// ErrInvalidAddress is returned for phone numbers or web identifiers that
// cannot be turned into a thread key.
var ErrInvalidAddress = errors.New("identity: invalid address")

// SessionAllocator creates a new web session for a user.
type SessionAllocator interface {
	CreateSession(ctx context.Context, userID string) (domain.Session, error)
}

type Resolver struct {
	sessions SessionAllocator
}

func NewResolver(sessions SessionAllocator) (*Resolver, error) {
	if sessions == nil {
		return nil, errors.New("identity: session allocator must not be nil")
	}
	return &Resolver{sessions: sessions}, nil
}

// ResolveMessaging maps a raw sender number to its phone thread.
func (r *Resolver) ResolveMessaging(rawPhone string) (domain.PhoneThread, error) {
	phone, err := NormalizePhone(rawPhone)
	if err != nil {
		return domain.PhoneThread{}, err
	}
	return domain.PhoneThread{Phone: phone}, nil
}

// ResolveWeb maps a user and optional session id to a web thread. When
// sessionID is empty a new session is allocated and returned.
func (r *Resolver) ResolveWeb(ctx context.Context, userID, sessionID string) (domain.WebThread, *domain.Session, error) {
	userID = strings.TrimSpace(userID)
	sessionID = strings.TrimSpace(sessionID)
	if !validWebID(userID) {
		return domain.WebThread{}, nil, fmt.Errorf("%w: user id %q", ErrInvalidAddress, userID)
	}
	if sessionID != "" {
		if !validWebID(sessionID) {
			return domain.WebThread{}, nil, fmt.Errorf("%w: session id %q", ErrInvalidAddress, sessionID)
		}
		return domain.WebThread{UserID: userID, SessionID: sessionID}, nil, nil
	}

	session, err := r.sessions.CreateSession(ctx, userID)
	if err != nil {
		return domain.WebThread{}, nil, fmt.Errorf("identity: allocate session: %w", err)
	}
	return session.Thread(), &session, nil
}

// validWebID rejects identifiers that would make the thread key ambiguous.
func validWebID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	return !strings.ContainsAny(id, "#: \t\n")
}
