package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"guidance-agent/internal/domain"
	"guidance-agent/internal/title"
)

func TestSessions_CreateListGet(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	created, err := h.svc.CreateSession(ctx, "u-1")
	require.NoError(t, err)
	require.Equal(t, "u-1", created.UserID)

	_, err = h.svc.HandleMessage(ctx, domain.InboundMessage{Channel: domain.ChannelWeb, UserID: "u-1", SessionID: created.SessionID, Text: "Hello"})
	require.NoError(t, err)

	list, err := h.svc.ListSessions(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, list, 1)

	detail, err := h.svc.GetSession(ctx, "u-1", created.SessionID)
	require.NoError(t, err)
	require.Equal(t, 2, detail.Session.MessageCount)
	require.Len(t, detail.Messages, 2)
	require.Equal(t, "Hello", detail.Messages[0].Text)
}

func TestSessions_RequireUser(t *testing.T) {
	h := newHarness(t)
	_, err := h.svc.ListSessions(context.Background(), " ")
	requireCode(t, err, ErrorUnauthorized)
	_, err = h.svc.CreateSession(context.Background(), "")
	requireCode(t, err, ErrorUnauthorized)
}

func TestSessions_ArchiveHidesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.svc.CreateSession(ctx, "u-1")
	require.NoError(t, err)

	require.NoError(t, h.svc.ArchiveSession(ctx, "u-1", s.SessionID))

	list, err := h.svc.ListSessions(ctx, "u-1")
	require.NoError(t, err)
	require.Empty(t, list)

	_, err = h.svc.GetSession(ctx, "u-1", s.SessionID)
	requireCode(t, err, ErrorNotFound)
	err = h.svc.ArchiveSession(ctx, "u-1", s.SessionID)
	requireCode(t, err, ErrorNotFound)
}

func TestRetitleSession_Manual(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.svc.CreateSession(ctx, "u-1")
	require.NoError(t, err)

	got, err := h.svc.RetitleSession(ctx, "u-1", s.SessionID, "  Grief   and hope ")
	require.NoError(t, err)
	require.Equal(t, "Grief and hope", got)

	stored, err := h.store.GetSession(ctx, "u-1", s.SessionID)
	require.NoError(t, err)
	require.Equal(t, domain.TitleManual, stored.TitleSource)
	require.Equal(t, "Grief and hope", stored.Title)
}

func TestRetitleSession_Regenerate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	s, err := h.svc.CreateSession(ctx, "u-1")
	require.NoError(t, err)

	h.titles.title = "Finding Peace"
	got, err := h.svc.RetitleSession(ctx, "u-1", s.SessionID, "")
	require.NoError(t, err)
	require.Equal(t, "Finding Peace", got)

	h.titles.err = title.ErrEmptyConversation
	_, err = h.svc.RetitleSession(ctx, "u-1", s.SessionID, "")
	requireCode(t, err, ErrorInvalidInput)

	h.titles.err = errors.New("dynamodb down")
	_, err = h.svc.RetitleSession(ctx, "u-1", s.SessionID, "")
	requireCode(t, err, ErrorStoreUnavailable)
}

func TestRetitleSession_Errors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.svc.RetitleSession(ctx, "u-1", "missing", "x")
	requireCode(t, err, ErrorNotFound)

	s, err := h.svc.CreateSession(ctx, "u-1")
	require.NoError(t, err)
	_, err = h.svc.RetitleSession(ctx, "u-1", s.SessionID, strings.Repeat("a", 101))
	requireCode(t, err, ErrorInvalidInput)

	_, err = h.svc.GetSession(ctx, "u-1", "")
	requireCode(t, err, ErrorInvalidInput)
}
