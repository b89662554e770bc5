package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/ports"
	apperrors "alumlink/pkg/errors"
	"alumlink/pkg/utils"
	"alumlink/pkg/validation"

	"go.uber.org/zap"
)

// messageService implements the staged-delivery pipeline. Appends within a
// conversation go through that conversation's lock, which is the single
// writer guaranteeing monotonically increasing sequence numbers. Distinct
// conversations proceed fully in parallel.
type messageService struct {
	repo     ports.MessageRepository
	notifier ports.Notifier
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger

	maxContentLength int
	historyPageSize  int

	mu        sync.Mutex
	convLocks map[domain.ConversationID]*sync.Mutex
}

func NewMessageService(
	repo ports.MessageRepository,
	notifier ports.Notifier,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
	maxContentLength int,
	historyPageSize int,
) ports.MessageService {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &messageService{
		repo:             repo,
		notifier:         notifier,
		metrics:          metrics,
		logger:           logger,
		maxContentLength: maxContentLength,
		historyPageSize:  historyPageSize,
		convLocks:        make(map[domain.ConversationID]*sync.Mutex),
	}
}

func (s *messageService) Submit(ctx context.Context, senderID, receiverID domain.UserID, content, clientTempID string) (*domain.Message, error) {
	if err := validation.ValidateUserID(string(senderID)); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("sender: %v", err))
	}
	if err := validation.ValidateUserID(string(receiverID)); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("receiver: %v", err))
	}
	if senderID == receiverID {
		return nil, apperrors.NewValidationError("cannot message yourself")
	}
	if err := validation.ValidateMessageContent(content, s.maxContentLength); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	conv := domain.ConversationKey(senderID, receiverID)
	lock := s.convLock(conv)
	lock.Lock()
	defer lock.Unlock()

	// Resubmits with the same correlation key return the original
	// canonical record, so the client never reconciles duplicates.
	if clientTempID != "" {
		if existing, err := s.repo.GetByClientTempID(ctx, senderID, clientTempID); err == nil && existing != nil {
			return existing, nil
		}
	}

	msg := &domain.Message{
		ID:             domain.MessageID(utils.GenerateMessageID()),
		ConversationID: conv,
		SenderID:       senderID,
		ReceiverID:     receiverID,
		Content:        content,
		Status:         domain.StatusSent,
		ClientTempID:   clientTempID,
		CreatedAt:      time.Now(),
	}

	if err := s.repo.Append(ctx, msg); err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to persist message", 500)
	}

	// Push unconditionally: the notifier is a no-op with no local
	// connections but still fans out over the event bus, so a receiver
	// on a peer instance gets the message in real time. Transport push
	// success is not delivery; the message stays "sent" until the
	// receiver acks.
	s.notifier.PushToUser(receiverID, domain.Event{
		Type:    domain.EventReceiveMessage,
		Payload: msg,
	})

	s.metrics.RecordMessageSubmitted()
	s.logger.Debugw("message submitted",
		"message_id", msg.ID,
		"conversation_id", conv,
		"sender_id", senderID,
		"receiver_id", receiverID,
		"seq", msg.Seq,
	)
	return msg, nil
}

func (s *messageService) AcknowledgeDelivered(ctx context.Context, ackingUserID domain.UserID, messageIDs []domain.MessageID) error {
	if len(messageIDs) == 0 {
		return nil
	}

	// Transitioned ids grouped per conversation so each sender gets one
	// coherent update.
	updated := make(map[domain.ConversationID][]domain.MessageID)
	senders := make(map[domain.ConversationID]domain.UserID)

	for _, id := range messageIDs {
		msg, err := s.repo.GetByID(ctx, id)
		if err != nil {
			s.logger.Debugw("delivered ack for unknown message", "message_id", id, "user_id", ackingUserID)
			continue
		}
		// Only the addressee advances a message, and only forward.
		if msg.ReceiverID != ackingUserID || msg.Status != domain.StatusSent {
			continue
		}

		lock := s.convLock(msg.ConversationID)
		lock.Lock()
		err = s.transition(ctx, msg.ID, domain.StatusDelivered)
		lock.Unlock()
		if err != nil {
			continue
		}

		updated[msg.ConversationID] = append(updated[msg.ConversationID], msg.ID)
		senders[msg.ConversationID] = msg.SenderID
	}

	for conv, ids := range updated {
		s.notifier.PushToUser(senders[conv], domain.Event{
			Type: domain.EventMessageStatusUpdate,
			Payload: domain.StatusUpdatePayload{
				ConversationID: conv,
				MessageIDs:     ids,
				Status:         domain.StatusDelivered,
			},
		})
	}
	return nil
}

func (s *messageService) AcknowledgeRead(ctx context.Context, ackingUserID domain.UserID, conversationID domain.ConversationID) error {
	a, b, ok := domain.ConversationParticipants(conversationID)
	if !ok {
		return apperrors.NewValidationError("malformed conversation id")
	}
	if ackingUserID != a && ackingUserID != b {
		return apperrors.NewValidationError("user is not a conversation participant")
	}

	counterpart := a
	if counterpart == ackingUserID {
		counterpart = b
	}

	lock := s.convLock(conversationID)
	lock.Lock()
	pending, err := s.repo.UnreadFor(ctx, conversationID, ackingUserID)
	if err != nil {
		lock.Unlock()
		return apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load unread messages", 500)
	}

	// A read ack arriving before a delivered ack still produces a single
	// forward transition straight to read.
	ids := make([]domain.MessageID, 0, len(pending))
	for _, msg := range pending {
		if err := s.transition(ctx, msg.ID, domain.StatusRead); err != nil {
			continue
		}
		ids = append(ids, msg.ID)
	}
	lock.Unlock()

	if len(ids) == 0 {
		return nil
	}

	s.notifier.PushToUser(counterpart, domain.Event{
		Type: domain.EventMessageStatusUpdate,
		Payload: domain.StatusUpdatePayload{
			ConversationID: conversationID,
			MessageIDs:     ids,
			Status:         domain.StatusRead,
		},
	})
	return nil
}

func (s *messageService) History(ctx context.Context, requesterID, counterpartID domain.UserID, afterSeq int64, limit int) ([]*domain.Message, error) {
	if err := validation.ValidateUserID(string(counterpartID)); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("counterpart: %v", err))
	}
	if limit <= 0 || limit > s.historyPageSize {
		limit = s.historyPageSize
	}

	conv := domain.ConversationKey(requesterID, counterpartID)
	msgs, err := s.repo.ListConversation(ctx, conv, afterSeq, limit)
	if err != nil {
		return nil, apperrors.WrapError(err, apperrors.ErrCodeInternal, "failed to load history", 500)
	}
	return msgs, nil
}

// transition advances a message status and records the metric. The repo
// rejects any non-forward transition, so concurrent acks stay monotonic.
func (s *messageService) transition(ctx context.Context, id domain.MessageID, status domain.MessageStatus) error {
	if err := s.repo.UpdateStatus(ctx, id, status); err != nil {
		return err
	}
	s.metrics.RecordStatusTransition(status)
	return nil
}

func (s *messageService) convLock(conv domain.ConversationID) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.convLocks[conv]
	if !ok {
		lock = &sync.Mutex{}
		s.convLocks[conv] = lock
	}
	return lock
}
