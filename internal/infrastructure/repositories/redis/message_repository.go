package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/ports"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	alumlink:msg:{id}                message JSON
//	alumlink:conv:{conv}:seq         per-conversation sequence counter
//	alumlink:conv:{conv}:messages    sorted set, score = seq, member = id
//	alumlink:tmp:{sender}:{tempid}   client correlation key -> message id
type RedisMessageRepository struct {
	client *redis.Client
}

func NewRedisMessageRepository(client *redis.Client) ports.MessageRepository {
	return &RedisMessageRepository{client: client}
}

func msgKey(id domain.MessageID) string {
	return fmt.Sprintf("alumlink:msg:%s", id)
}

func seqKey(conv domain.ConversationID) string {
	return fmt.Sprintf("alumlink:conv:%s:seq", conv)
}

func convKey(conv domain.ConversationID) string {
	return fmt.Sprintf("alumlink:conv:%s:messages", conv)
}

func tmpKey(sender domain.UserID, clientTempID string) string {
	return fmt.Sprintf("alumlink:tmp:%s:%s", sender, clientTempID)
}

func (r *RedisMessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	seq, err := r.client.Incr(ctx, seqKey(msg.ConversationID)).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}
	msg.Seq = seq

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, msgKey(msg.ID), data, 0)
	pipe.ZAdd(ctx, convKey(msg.ConversationID), redis.Z{
		Score:  float64(seq),
		Member: string(msg.ID),
	})
	if msg.ClientTempID != "" {
		pipe.Set(ctx, tmpKey(msg.SenderID, msg.ClientTempID), string(msg.ID), 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	return nil
}

func (r *RedisMessageRepository) GetByID(ctx context.Context, id domain.MessageID) (*domain.Message, error) {
	data, err := r.client.Get(ctx, msgKey(id)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load message: %w", err)
	}

	var msg domain.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal message: %w", err)
	}
	return &msg, nil
}

func (r *RedisMessageRepository) GetByClientTempID(ctx context.Context, sender domain.UserID, clientTempID string) (*domain.Message, error) {
	id, err := r.client.Get(ctx, tmpKey(sender, clientTempID)).Result()
	if err == redis.Nil {
		return nil, domain.ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve client temp id: %w", err)
	}
	return r.GetByID(ctx, domain.MessageID(id))
}

func (r *RedisMessageRepository) UpdateStatus(ctx context.Context, id domain.MessageID, status domain.MessageStatus) error {
	msg, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !msg.Status.CanTransitionTo(status) {
		return domain.ErrStatusRegression
	}

	msg.Status = status
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if err := r.client.Set(ctx, msgKey(id), data, 0).Err(); err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}
	return nil
}

func (r *RedisMessageRepository) ListConversation(ctx context.Context, conv domain.ConversationID, afterSeq int64, limit int) ([]*domain.Message, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(afterSeq, 10),
		Max: "+inf",
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	ids, err := r.client.ZRangeByScore(ctx, convKey(conv), rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}
	return r.loadMessages(ctx, ids)
}

func (r *RedisMessageRepository) UnreadFor(ctx context.Context, conv domain.ConversationID, receiver domain.UserID) ([]*domain.Message, error) {
	ids, err := r.client.ZRange(ctx, convKey(conv), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list conversation: %w", err)
	}

	msgs, err := r.loadMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	var out []*domain.Message
	for _, msg := range msgs {
		if msg.ReceiverID != receiver || msg.Status == domain.StatusRead {
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

func (r *RedisMessageRepository) loadMessages(ctx context.Context, ids []string) ([]*domain.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = msgKey(domain.MessageID(id))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}

	out := make([]*domain.Message, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var msg domain.Message
		if err := json.Unmarshal([]byte(s), &msg); err != nil {
			continue
		}
		out = append(out, &msg)
	}
	return out, nil
}
