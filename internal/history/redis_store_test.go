package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symptom-chat/internal/chat"
)

func newTestStore(t *testing.T, ttl time.Duration) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client, ttl), mr
}

func TestRedisStore_SaveAndHistory(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, store.SaveMessage(ctx, chat.Message{ConversationID: "s1", Sender: chat.SenderUser, Text: "fever"}))
	require.NoError(t, store.SaveMessage(ctx, chat.Message{ConversationID: "s1", Sender: chat.SenderBot, Text: "Noted fever (1/3). Please tell me symptom 2."}))
	require.NoError(t, store.SaveMessage(ctx, chat.Message{ConversationID: "s2", Sender: chat.SenderUser, Text: "chills"}))

	msgs, err := store.History(ctx, "s1", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "fever", msgs[0].Text)
	assert.Equal(t, chat.SenderBot, msgs[1].Sender)
	assert.NotEmpty(t, msgs[0].ID)
	assert.False(t, msgs[0].CreatedAt.IsZero())

	assert.True(t, mr.TTL(transcriptKey("s1")) > 0)
}

func TestRedisStore_HistoryLimitKeepsNewest(t *testing.T) {
	store, _ := newTestStore(t, 0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.SaveMessage(ctx, chat.Message{ConversationID: "s1", Sender: chat.SenderUser, Text: fmt.Sprintf("m%d", i)}))
	}

	msgs, err := store.History(ctx, "s1", 2)

	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m3", msgs[0].Text)
	assert.Equal(t, "m4", msgs[1].Text)
}

func TestRedisStore_TrimsToMaxMessages(t *testing.T) {
	store, _ := newTestStore(t, 0)
	store.maxMessages = 3
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		require.NoError(t, store.SaveMessage(ctx, chat.Message{ConversationID: "s1", Sender: chat.SenderBot, Text: fmt.Sprintf("m%d", i)}))
	}

	msgs, err := store.History(ctx, "s1", 0)

	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "m3", msgs[0].Text)
}

func TestRedisStore_RequiresConversationID(t *testing.T) {
	store, _ := newTestStore(t, 0)

	err := store.SaveMessage(context.Background(), chat.Message{Sender: chat.SenderUser, Text: "fever"})
	assert.Error(t, err)

	_, err = store.History(context.Background(), "", 10)
	assert.Error(t, err)
}

func TestRedisStore_Clear(t *testing.T) {
	store, mr := newTestStore(t, 0)
	ctx := context.Background()
	require.NoError(t, store.SaveMessage(ctx, chat.Message{ConversationID: "s1", Sender: chat.SenderUser, Text: "fever"}))

	require.NoError(t, store.Clear(ctx, "s1"))

	assert.False(t, mr.Exists(transcriptKey("s1")))
	msgs, err := store.History(ctx, "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestRedisStore_NilIsNoop(t *testing.T) {
	var store *RedisStore
	assert.Nil(t, NewRedisStore(nil, 0))
	assert.NoError(t, store.SaveMessage(context.Background(), chat.Message{ConversationID: "s1"}))
	msgs, err := store.History(context.Background(), "s1", 0)
	assert.NoError(t, err)
	assert.Nil(t, msgs)
}

func TestRedisStore_BacksController(t *testing.T) {
	store, _ := newTestStore(t, time.Hour)
	ctrl := chat.NewController(nil, nil, store, chat.WithConversationID("s9"))

	out := ctrl.SubmitUtterance(context.Background(), "reset")
	ctrl.Wait()

	assert.Equal(t, chat.OutcomeReset, out.Kind)
	msgs, err := store.History(context.Background(), "s9", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "reset", msgs[0].Text)
}

func TestRedisStore_ClearedWhenSessionDeleted(t *testing.T) {
	store, mr := newTestStore(t, time.Hour)
	sessions := chat.NewSessions(nil, nil, store, nil)
	sess := sessions.Create("")

	sess.Controller.SubmitUtterance(context.Background(), "reset")
	require.True(t, sessions.Delete(sess.ID))
	sessions.Wait()

	assert.False(t, mr.Exists(transcriptKey(sess.ID)))
}
