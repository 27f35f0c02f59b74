package services

import (
	"context"
	"testing"
	"time"

	"careline/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnalyticsStore_EnsureUser(t *testing.T) {
	db := newServiceTestDB(t)
	s := NewAnalyticsStore(db, quietLogger())
	ctx := context.Background()

	created, err := s.EnsureUser(ctx, "U1", t0)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.EnsureUser(ctx, "U1", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, created)

	var u models.User
	require.NoError(t, db.First(&u, "user_id = ?", "U1").Error)
	assert.True(t, u.FirstSeenAt.Equal(t0))
	assert.True(t, u.LastActiveAt.Equal(t0.Add(time.Hour)))
	assert.Equal(t, models.UserTypeNew, u.UserType)
}

func TestAnalyticsStore_ActiveConversationPicksNewest(t *testing.T) {
	db := newServiceTestDB(t)
	s := NewAnalyticsStore(db, quietLogger())
	ctx := context.Background()

	_, err := s.ActiveConversation(ctx, "S1")
	assert.ErrorIs(t, err, ErrSessionNotFound)

	older := &models.Conversation{SessionID: "S1", UserID: "U1", StartTime: t0}
	newer := &models.Conversation{SessionID: "S1", UserID: "U1", StartTime: t0.Add(time.Minute)}
	require.NoError(t, s.CreateConversation(ctx, older))
	require.NoError(t, s.CreateConversation(ctx, newer))

	got, err := s.ActiveConversation(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, newer.ConversationID, got.ConversationID)

	d, err := s.CloseConversation(ctx, got, t0.Add(3*time.Minute), models.ConversationCompleted)
	require.NoError(t, err)
	assert.EqualValues(t, 120, d)

	got, err = s.ActiveConversation(ctx, "S1")
	require.NoError(t, err)
	assert.Equal(t, older.ConversationID, got.ConversationID)
}

func TestAnalyticsStore_InsertMessageFillsIDs(t *testing.T) {
	db := newServiceTestDB(t)
	s := NewAnalyticsStore(db, quietLogger())
	fixed := t0.Add(42 * time.Second)
	s.now = func() time.Time { return fixed }

	msg := &models.Message{ConversationID: "C1", MessageType: models.MessageUser, Content: "hi"}
	require.NoError(t, s.InsertMessage(context.Background(), msg))
	assert.Len(t, msg.MessageID, 26)
	assert.True(t, msg.Timestamp.Equal(fixed))
}

func TestWholeSeconds(t *testing.T) {
	assert.EqualValues(t, 0, wholeSeconds(-time.Second))
	assert.EqualValues(t, 1, wholeSeconds(1999*time.Millisecond))
	assert.EqualValues(t, 90, wholeSeconds(90*time.Second))
}
