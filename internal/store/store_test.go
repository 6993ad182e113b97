package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "companiond.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetSession(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	require.NotEmpty(t, created.ID)
	assert.Nil(t, created.Title)

	got, err := s.GetSession(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "u1", got.UserID)
	assert.Zero(t, got.MessageCount)
}

func TestGetSessionNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetSession(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListSessionsOrderedByUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = s.CreateSession(ctx, "someone-else", "")
	require.NoError(t, err)

	// A new message bumps the older session to the top.
	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: first.ID, Role: "user", Content: "hello",
	})
	require.NoError(t, err)

	sessions, err := s.ListSessions(ctx, "u1", 50)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, first.ID, sessions[0].ID)
	assert.Equal(t, second.ID, sessions[1].ID)
	assert.Equal(t, 1, sessions[0].MessageCount)
}

func TestListSessionsLimit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.CreateSession(ctx, "u1", "")
		require.NoError(t, err)
	}

	sessions, err := s.ListSessions(ctx, "u1", 3)
	require.NoError(t, err)
	assert.Len(t, sessions, 3)
}

func TestTitleDerivedFromFirstUserMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "user", Content: "tell me a very long story about dragons",
	})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "tell me a ...", *got.Title)

	// A second user message must not overwrite the title.
	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "user", Content: "something else entirely",
	})
	require.NoError(t, err)

	got, err = s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Equal(t, "tell me a ...", *got.Title)
}

func TestTitleDerivationCountsRunes(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "user", Content: "给我讲一个关于龙的很长的故事",
	})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "给我讲一个关于龙的很...", *got.Title)
}

func TestShortContentTitleHasNoEllipsis(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "user", Content: "hi",
	})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Title)
	assert.Equal(t, "hi", *got.Title)
}

func TestAssistantMessageDoesNotSetTitle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "assistant", Content: "greetings",
	})
	require.NoError(t, err)

	got, err := s.GetSession(ctx, session.ID)
	require.NoError(t, err)
	assert.Nil(t, got.Title)
}

func TestCreateMessageUnknownSession(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateMessage(context.Background(), CreateMessageParams{
		SessionID: "missing", Role: "user", Content: "hi",
	})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRecentMessagesOldestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	contents := []string{"one", "two", "three", "four"}
	for _, c := range contents {
		_, err := s.CreateMessage(ctx, CreateMessageParams{
			SessionID: session.ID, Role: "user", Content: c,
		})
		require.NoError(t, err)
	}

	recent, err := s.GetRecentMessages(ctx, session.ID, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, "two", recent[0].Content)
	assert.Equal(t, "three", recent[1].Content)
	assert.Equal(t, "four", recent[2].Content)
}

func TestGetMessagesChronological(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)

	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "user", Content: "hi",
	})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "assistant",
		Content: "hello", RawContent: "[emo:happy] hello",
	})
	require.NoError(t, err)

	all, err := s.GetMessages(ctx, session.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "user", all[0].Role)
	assert.Equal(t, "assistant", all[1].Role)
	require.NotNil(t, all[1].RawContent)
	assert.Equal(t, "[emo:happy] hello", *all[1].RawContent)
	assert.Nil(t, all[0].RawContent)

	limited, err := s.GetMessages(ctx, session.ID, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "hi", limited[0].Content)
}

func TestDeleteSessionCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	session, err := s.CreateSession(ctx, "u1", "")
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, CreateMessageParams{
		SessionID: session.ID, Role: "user", Content: "hi",
	})
	require.NoError(t, err)

	deleted, err := s.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	n, err := s.CountMessages(ctx, session.ID)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Deleting again reports absence rather than failing.
	deleted, err = s.DeleteSession(ctx, session.ID)
	require.NoError(t, err)
	assert.False(t, deleted)
}
