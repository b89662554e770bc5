package memory

import (
	"context"
	"sync"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/ports"
)

// MemoryMessageRepository is the in-memory history store used for tests
// and single-node deployments without Redis.
type MemoryMessageRepository struct {
	mu     sync.RWMutex
	byID   map[domain.MessageID]*domain.Message
	byConv map[domain.ConversationID][]*domain.Message
	byTemp map[string]domain.MessageID
	seqs   map[domain.ConversationID]int64
}

func NewMemoryMessageRepository() ports.MessageRepository {
	return &MemoryMessageRepository{
		byID:   make(map[domain.MessageID]*domain.Message),
		byConv: make(map[domain.ConversationID][]*domain.Message),
		byTemp: make(map[string]domain.MessageID),
		seqs:   make(map[domain.ConversationID]int64),
	}
}

func tempKey(sender domain.UserID, clientTempID string) string {
	return string(sender) + "|" + clientTempID
}

func (r *MemoryMessageRepository) Append(ctx context.Context, msg *domain.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seqs[msg.ConversationID]++
	msg.Seq = r.seqs[msg.ConversationID]

	stored := *msg
	r.byID[msg.ID] = &stored
	r.byConv[msg.ConversationID] = append(r.byConv[msg.ConversationID], &stored)
	if msg.ClientTempID != "" {
		r.byTemp[tempKey(msg.SenderID, msg.ClientTempID)] = msg.ID
	}
	return nil
}

func (r *MemoryMessageRepository) GetByID(ctx context.Context, id domain.MessageID) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	msg, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	snapshot := *msg
	return &snapshot, nil
}

func (r *MemoryMessageRepository) GetByClientTempID(ctx context.Context, sender domain.UserID, clientTempID string) (*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTemp[tempKey(sender, clientTempID)]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	msg, ok := r.byID[id]
	if !ok {
		return nil, domain.ErrMessageNotFound
	}
	snapshot := *msg
	return &snapshot, nil
}

func (r *MemoryMessageRepository) UpdateStatus(ctx context.Context, id domain.MessageID, status domain.MessageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	msg, ok := r.byID[id]
	if !ok {
		return domain.ErrMessageNotFound
	}
	if !msg.Status.CanTransitionTo(status) {
		return domain.ErrStatusRegression
	}
	msg.Status = status
	return nil
}

func (r *MemoryMessageRepository) ListConversation(ctx context.Context, conv domain.ConversationID, afterSeq int64, limit int) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Message
	for _, msg := range r.byConv[conv] {
		if msg.Seq <= afterSeq {
			continue
		}
		snapshot := *msg
		out = append(out, &snapshot)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *MemoryMessageRepository) UnreadFor(ctx context.Context, conv domain.ConversationID, receiver domain.UserID) ([]*domain.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*domain.Message
	for _, msg := range r.byConv[conv] {
		if msg.ReceiverID != receiver || msg.Status == domain.StatusRead {
			continue
		}
		snapshot := *msg
		out = append(out, &snapshot)
	}
	return out, nil
}
