package services

import (
	"context"
	"sync"
	"time"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/ports"

	"go.uber.org/zap"
)

// presenceRegistry tracks live connections per user. All mutation for a
// given user is serialized through that user's entry lock, so concurrent
// register/unregister on the same user cannot race the online/offline
// transition.
type presenceRegistry struct {
	mu    sync.Mutex
	users map[domain.UserID]*presenceEntry
	conns map[domain.ConnectionID]domain.UserID

	notifier  ports.Notifier
	publisher ports.PresencePublisher
	metrics   ports.MetricsRecorder
	logger    *zap.SugaredLogger
}

type presenceEntry struct {
	mu    sync.Mutex
	conns map[domain.ConnectionID]*domain.Connection
}

func NewPresenceRegistry(
	notifier ports.Notifier,
	publisher ports.PresencePublisher,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
) ports.PresenceRegistry {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &presenceRegistry{
		users:     make(map[domain.UserID]*presenceEntry),
		conns:     make(map[domain.ConnectionID]domain.UserID),
		notifier:  notifier,
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

func (r *presenceRegistry) Register(ctx context.Context, userID domain.UserID, connID domain.ConnectionID) error {
	r.mu.Lock()
	if existing, ok := r.conns[connID]; ok {
		r.mu.Unlock()
		if existing != userID {
			r.logger.Warnw("connection already registered to another user",
				"connection_id", connID,
				"user_id", userID,
				"registered_to", existing,
			)
		}
		return nil
	}
	entry, ok := r.users[userID]
	if !ok {
		entry = &presenceEntry{conns: make(map[domain.ConnectionID]*domain.Connection)}
		r.users[userID] = entry
	}
	r.conns[connID] = userID
	r.mu.Unlock()

	entry.mu.Lock()
	wasOffline := len(entry.conns) == 0
	entry.conns[connID] = &domain.Connection{
		ID:          connID,
		UserID:      userID,
		ConnectedAt: time.Now(),
	}

	if wasOffline {
		r.notifier.Broadcast(domain.Event{
			Type:    domain.EventUserOnline,
			Payload: domain.PresencePayload{UserID: userID},
		})
		if r.publisher != nil {
			r.publisher.PublishPresence(userID, true)
		}
		r.metrics.RecordUserOnline()
	}
	entry.mu.Unlock()

	r.metrics.RecordConnectionOpened()
	r.logger.Infow("connection registered",
		"user_id", userID,
		"connection_id", connID,
		"first_connection", wasOffline,
	)
	return nil
}

func (r *presenceRegistry) Unregister(ctx context.Context, connID domain.ConnectionID) error {
	r.mu.Lock()
	userID, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	delete(r.conns, connID)
	entry := r.users[userID]
	r.mu.Unlock()

	if entry == nil {
		return nil
	}

	entry.mu.Lock()
	if _, ok := entry.conns[connID]; !ok {
		entry.mu.Unlock()
		return nil
	}
	delete(entry.conns, connID)
	nowOffline := len(entry.conns) == 0

	if nowOffline {
		r.notifier.Broadcast(domain.Event{
			Type:    domain.EventUserOffline,
			Payload: domain.PresencePayload{UserID: userID},
		})
		if r.publisher != nil {
			r.publisher.PublishPresence(userID, false)
		}
		r.metrics.RecordUserOffline()
	}
	entry.mu.Unlock()

	if nowOffline {
		// Drop the entry only if no connection re-registered in between.
		r.mu.Lock()
		entry.mu.Lock()
		if len(entry.conns) == 0 {
			delete(r.users, userID)
		}
		entry.mu.Unlock()
		r.mu.Unlock()
	}

	r.metrics.RecordConnectionClosed()
	r.logger.Infow("connection unregistered",
		"user_id", userID,
		"connection_id", connID,
		"last_connection", nowOffline,
	)
	return nil
}

func (r *presenceRegistry) IsOnline(userID domain.UserID) bool {
	entry := r.entryFor(userID)
	if entry == nil {
		return false
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return len(entry.conns) > 0
}

func (r *presenceRegistry) ConnectionsFor(userID domain.UserID) []domain.ConnectionID {
	entry := r.entryFor(userID)
	if entry == nil {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	ids := make([]domain.ConnectionID, 0, len(entry.conns))
	for id := range entry.conns {
		ids = append(ids, id)
	}
	return ids
}

func (r *presenceRegistry) OnlineUsers() []domain.UserID {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]domain.UserID, 0, len(r.users))
	for id := range r.users {
		users = append(users, id)
	}
	return users
}

func (r *presenceRegistry) entryFor(userID domain.UserID) *presenceEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[userID]
}
