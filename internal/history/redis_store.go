package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"symptom-chat/internal/chat"
)

const keyPrefix = "symptom_chat:transcript:"

// RedisStore keeps each conversation's transcript in a capped Redis list.
type RedisStore struct {
	redis       *redis.Client
	tracer      trace.Tracer
	ttl         time.Duration
	maxMessages int64
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{
		redis:       client,
		tracer:      otel.Tracer("symptomchat.internal.history"),
		ttl:         ttl,
		maxMessages: 250,
	}
}

var (
	_ chat.Recorder  = (*RedisStore)(nil)
	_ chat.Forgetter = (*RedisStore)(nil)
)

func (s *RedisStore) SaveMessage(ctx context.Context, msg chat.Message) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if msg.ConversationID == "" {
		return errors.New("history: conversation id required")
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("history: marshal message: %w", err)
	}

	ctx, span := s.tracer.Start(ctx, "history.redis.append")
	defer span.End()

	key := transcriptKey(msg.ConversationID)
	pipe := s.redis.TxPipeline()
	pipe.RPush(ctx, key, data)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if s.maxMessages > 0 {
		pipe.LTrim(ctx, key, -s.maxMessages, -1)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		span.RecordError(err)
		return fmt.Errorf("history: append message: %w", err)
	}
	return nil
}

// History returns the most recent limit messages, oldest first.
func (s *RedisStore) History(ctx context.Context, conversationID string, limit int) ([]chat.Message, error) {
	if s == nil || s.redis == nil {
		return nil, nil
	}
	if conversationID == "" {
		return nil, errors.New("history: conversation id required")
	}

	ctx, span := s.tracer.Start(ctx, "history.redis.list")
	defer span.End()

	start := int64(0)
	if limit > 0 {
		start = -int64(limit)
	}
	raw, err := s.redis.LRange(ctx, transcriptKey(conversationID), start, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return []chat.Message{}, nil
		}
		span.RecordError(err)
		return nil, fmt.Errorf("history: list messages: %w", err)
	}

	out := make([]chat.Message, 0, len(raw))
	for _, item := range raw {
		var m chat.Message
		if err := json.Unmarshal([]byte(item), &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Clear drops a conversation's transcript.
func (s *RedisStore) Clear(ctx context.Context, conversationID string) error {
	if s == nil || s.redis == nil {
		return nil
	}
	if err := s.redis.Del(ctx, transcriptKey(conversationID)).Err(); err != nil {
		return fmt.Errorf("history: clear transcript: %w", err)
	}
	return nil
}

func transcriptKey(conversationID string) string {
	return keyPrefix + conversationID
}
