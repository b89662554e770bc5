package services

import (
	"context"
	"encoding/json"
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

// CallConfig bounds the lifetime of call sessions.
type CallConfig struct {
	RingTimeout     time.Duration
	DisconnectGrace time.Duration
	EndedRetention  time.Duration
	JanitorInterval time.Duration
}

// Coordinator owns the arena of call sessions. Sessions are indexed by
// call id and by participant; every state mutation for a call goes through
// that call's entry lock. A user is caller or receiver of at most one
// session in {ringing, active} at any time.
type Coordinator struct {
	presence ports.PresenceRegistry
	notifier ports.Notifier
	metrics  ports.MetricsRecorder
	logger   *zap.SugaredLogger
	cfg      CallConfig

	mu       sync.Mutex
	sessions map[domain.CallID]*callEntry
	byUser   map[domain.UserID]domain.CallID

	done     chan struct{}
	stopOnce sync.Once
}

type callEntry struct {
	mu          sync.Mutex
	session     *domain.CallSession
	ringTimer   *time.Timer
	graceTimers map[domain.UserID]*time.Timer
	// graceGen identifies the current grace window per user, so an
	// expiry that lost the race against a reconnect (or a reconnect
	// followed by a fresh drop) can recognize itself as stale.
	graceGen map[domain.UserID]uint64
}

func NewCallCoordinator(
	presence ports.PresenceRegistry,
	notifier ports.Notifier,
	metrics ports.MetricsRecorder,
	logger *zap.SugaredLogger,
	cfg CallConfig,
) *Coordinator {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Coordinator{
		presence: presence,
		notifier: notifier,
		metrics:  metrics,
		logger:   logger,
		cfg:      cfg,
		sessions: make(map[domain.CallID]*callEntry),
		byUser:   make(map[domain.UserID]domain.CallID),
		done:     make(chan struct{}),
	}
}

// Start launches the janitor that reclaims ended sessions after the
// retention window.
func (c *Coordinator) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(c.cfg.JanitorInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-ticker.C:
				c.reclaimEnded()
			}
		}
	}()
}

// Stop halts the janitor. Live sessions are left untouched.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
}

func (c *Coordinator) InitCall(ctx context.Context, callerID, receiverID domain.UserID, callType domain.CallType) (*domain.CallSession, error) {
	if err := validation.ValidateUserID(string(receiverID)); err != nil {
		return nil, apperrors.NewValidationError(fmt.Sprintf("receiver: %v", err))
	}
	if callerID == receiverID {
		return nil, apperrors.NewValidationError("cannot call yourself")
	}
	if err := validation.ValidateCallType(string(callType)); err != nil {
		return nil, apperrors.NewValidationError(err.Error())
	}

	c.mu.Lock()
	if _, busy := c.byUser[callerID]; busy {
		c.mu.Unlock()
		return nil, apperrors.WrapError(domain.ErrUserBusy, apperrors.ErrCodeStateConflict, "caller already has a live call", 409)
	}
	if _, busy := c.byUser[receiverID]; busy {
		c.mu.Unlock()
		return nil, apperrors.WrapError(domain.ErrUserBusy, apperrors.ErrCodeStateConflict, "recipient already has a live call", 409)
	}
	if !c.presence.IsOnline(receiverID) {
		c.mu.Unlock()
		return nil, apperrors.WrapError(domain.ErrRecipientOffline, apperrors.ErrCodeRecipientUnavailable, "recipient has no live connection", 409)
	}

	session := &domain.CallSession{
		ID:         domain.CallID(utils.GenerateCallID()),
		CallerID:   callerID,
		ReceiverID: receiverID,
		Type:       callType,
		State:      domain.CallRinging,
		CreatedAt:  time.Now(),
	}
	entry := &callEntry{
		session:     session,
		graceTimers: make(map[domain.UserID]*time.Timer),
		graceGen:    make(map[domain.UserID]uint64),
	}
	c.sessions[session.ID] = entry
	c.byUser[callerID] = session.ID
	c.byUser[receiverID] = session.ID
	c.mu.Unlock()

	// A callee that never responds must not leak a ringing session.
	entry.mu.Lock()
	if entry.session.State == domain.CallRinging {
		callID := session.ID
		entry.ringTimer = time.AfterFunc(c.cfg.RingTimeout, func() {
			c.ringExpired(callID)
		})
	}
	entry.mu.Unlock()

	c.notifier.PushToUser(receiverID, domain.Event{
		Type: domain.EventCallIncoming,
		Payload: domain.CallIncomingPayload{
			CallID:   session.ID,
			CallerID: callerID,
			Type:     callType,
		},
	})

	c.metrics.RecordCallStarted(callType)
	c.logger.Infow("call initiated",
		"call_id", session.ID,
		"caller_id", callerID,
		"receiver_id", receiverID,
		"type", callType,
	)
	return session, nil
}

func (c *Coordinator) AnswerCall(ctx context.Context, callID domain.CallID, answererID domain.UserID) error {
	entry, err := c.entryFor(callID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	session := entry.session
	if session.State != domain.CallRinging {
		entry.mu.Unlock()
		return apperrors.WrapError(domain.ErrInvalidTransition, apperrors.ErrCodeStateConflict, "call is not ringing", 409)
	}
	if answererID != session.ReceiverID {
		entry.mu.Unlock()
		return apperrors.WrapError(domain.ErrNotParticipant, apperrors.ErrCodeStateConflict, "only the call recipient can answer", 409)
	}

	now := time.Now()
	session.State = domain.CallActive
	session.AnsweredAt = &now
	if entry.ringTimer != nil {
		entry.ringTimer.Stop()
		entry.ringTimer = nil
	}
	callerID := session.CallerID
	receiverID := session.ReceiverID
	entry.mu.Unlock()

	// Both sides observe the active transition; the answerer's other
	// devices stop ringing.
	accepted := domain.Event{
		Type: domain.EventCallAccepted,
		Payload: domain.CallAcceptedPayload{
			CallID:     callID,
			AnsweredBy: answererID,
		},
	}
	c.notifier.PushToUser(callerID, accepted)
	c.notifier.PushToUser(receiverID, accepted)

	c.logger.Infow("call answered", "call_id", callID, "answerer_id", answererID)
	return nil
}

func (c *Coordinator) RejectCall(ctx context.Context, callID domain.CallID, byID domain.UserID) error {
	return c.endWithReason(callID, byID, domain.EndReasonRejected)
}

func (c *Coordinator) EndCall(ctx context.Context, callID domain.CallID, byID domain.UserID) error {
	return c.endWithReason(callID, byID, domain.EndReasonHangup)
}

func (c *Coordinator) RelaySignal(ctx context.Context, callID domain.CallID, fromID domain.UserID, payload json.RawMessage) error {
	entry, err := c.entryFor(callID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	session := entry.session
	if !session.Live() {
		entry.mu.Unlock()
		return apperrors.WrapError(domain.ErrCallAlreadyEnded, apperrors.ErrCodeStateConflict, "call already ended", 409)
	}
	other, ok := session.OtherParty(fromID)
	if !ok {
		entry.mu.Unlock()
		return apperrors.WrapError(domain.ErrNotParticipant, apperrors.ErrCodeStateConflict, "user is not a call participant", 409)
	}
	entry.mu.Unlock()

	// Pure relay: the payload is forwarded verbatim, never inspected or
	// buffered.
	c.notifier.PushToUser(other, domain.Event{
		Type: domain.EventSignal,
		Payload: domain.SignalPayload{
			CallID: callID,
			FromID: fromID,
			Data:   payload,
		},
	})
	c.metrics.RecordSignalRelayed()
	return nil
}

func (c *Coordinator) SessionFor(userID domain.UserID) (*domain.CallSession, bool) {
	c.mu.Lock()
	callID, ok := c.byUser[userID]
	if !ok {
		c.mu.Unlock()
		return nil, false
	}
	entry := c.sessions[callID]
	c.mu.Unlock()
	if entry == nil {
		return nil, false
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	snapshot := *entry.session
	return &snapshot, true
}

// UserOffline is invoked when a user's last connection drops. A ringing
// call ends immediately; an active call gets a grace window to tolerate
// transient network loss before the implicit disconnect end.
func (c *Coordinator) UserOffline(userID domain.UserID) {
	c.mu.Lock()
	callID, ok := c.byUser[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry := c.sessions[callID]
	c.mu.Unlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	state := entry.session.State
	if state == domain.CallActive {
		if _, pending := entry.graceTimers[userID]; !pending {
			gen := entry.graceGen[userID] + 1
			entry.graceGen[userID] = gen
			entry.graceTimers[userID] = time.AfterFunc(c.cfg.DisconnectGrace, func() {
				c.graceExpired(callID, userID, gen)
			})
		}
	}
	entry.mu.Unlock()

	if state == domain.CallRinging {
		_ = c.endWithReason(callID, "", domain.EndReasonDisconnect)
	}
}

// UserOnline cancels a pending disconnect grace window when the user
// returns with a fresh connection.
func (c *Coordinator) UserOnline(userID domain.UserID) {
	c.mu.Lock()
	callID, ok := c.byUser[userID]
	if !ok {
		c.mu.Unlock()
		return
	}
	entry := c.sessions[callID]
	c.mu.Unlock()
	if entry == nil {
		return
	}

	entry.mu.Lock()
	if t, pending := entry.graceTimers[userID]; pending {
		t.Stop()
		delete(entry.graceTimers, userID)
		c.logger.Infow("disconnect grace canceled", "call_id", callID, "user_id", userID)
	}
	entry.mu.Unlock()
}

// ringExpired runs when the ring timer fires. A fired timer cannot be
// stopped, so an answer that won the entry lock first leaves the session
// active and the expiry must become a no-op rather than end the call.
func (c *Coordinator) ringExpired(callID domain.CallID) {
	stillRinging := func(e *callEntry) bool {
		return e.session.State == domain.CallRinging
	}
	if err := c.end(callID, "", domain.EndReasonTimeout, stillRinging); err == nil {
		c.logger.Infow("call ring timed out", "call_id", callID)
	}
}

// graceExpired runs when a disconnect grace timer fires. The generation
// check discards an expiry racing a reconnect, including a reconnect
// followed by a fresh drop that opened a newer window.
func (c *Coordinator) graceExpired(callID domain.CallID, userID domain.UserID, gen uint64) {
	windowStillOpen := func(e *callEntry) bool {
		_, pending := e.graceTimers[userID]
		return pending && e.graceGen[userID] == gen && e.session.State == domain.CallActive
	}
	if err := c.end(callID, "", domain.EndReasonDisconnect, windowStillOpen); err == nil {
		c.logger.Infow("call ended after disconnect grace",
			"call_id", callID,
			"user_id", userID,
		)
	}
}

func (c *Coordinator) endWithReason(callID domain.CallID, byID domain.UserID, reason domain.CallEndReason) error {
	return c.end(callID, byID, reason, nil)
}

// end moves a live session to the terminal state and releases both
// participants. The optional guard is evaluated under the entry lock so
// timer expiries only act on the state they were armed against.
func (c *Coordinator) end(callID domain.CallID, byID domain.UserID, reason domain.CallEndReason, guard func(*callEntry) bool) error {
	entry, err := c.entryFor(callID)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	session := entry.session
	if !session.Live() {
		entry.mu.Unlock()
		return apperrors.WrapError(domain.ErrCallAlreadyEnded, apperrors.ErrCodeStateConflict, "call already ended", 409)
	}
	if byID != "" && !session.HasParticipant(byID) {
		entry.mu.Unlock()
		return apperrors.WrapError(domain.ErrNotParticipant, apperrors.ErrCodeStateConflict, "user is not a call participant", 409)
	}
	if guard != nil && !guard(entry) {
		entry.mu.Unlock()
		return apperrors.WrapError(domain.ErrInvalidTransition, apperrors.ErrCodeStateConflict, "call state changed", 409)
	}

	now := time.Now()
	session.State = domain.CallEnded
	session.EndReason = reason
	session.EndedAt = &now

	if entry.ringTimer != nil {
		entry.ringTimer.Stop()
		entry.ringTimer = nil
	}
	for uid, t := range entry.graceTimers {
		t.Stop()
		delete(entry.graceTimers, uid)
	}

	callerID := session.CallerID
	receiverID := session.ReceiverID
	var duration float64
	if session.AnsweredAt != nil {
		duration = now.Sub(*session.AnsweredAt).Seconds()
	}
	entry.mu.Unlock()

	// Release the per-user single-call reservation.
	c.mu.Lock()
	if c.byUser[callerID] == callID {
		delete(c.byUser, callerID)
	}
	if c.byUser[receiverID] == callID {
		delete(c.byUser, receiverID)
	}
	c.mu.Unlock()

	ended := domain.Event{
		Type: domain.EventCallEnded,
		Payload: domain.CallEndedPayload{
			CallID: callID,
			Reason: reason,
		},
	}
	c.notifier.PushToUser(callerID, ended)
	c.notifier.PushToUser(receiverID, ended)

	c.metrics.RecordCallEnded(reason, duration)
	c.logger.Infow("call ended",
		"call_id", callID,
		"by", byID,
		"reason", reason,
		"duration_s", duration,
	)
	return nil
}

func (c *Coordinator) entryFor(callID domain.CallID) (*callEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.sessions[callID]
	if !ok {
		return nil, apperrors.WrapError(domain.ErrCallNotFound, apperrors.ErrCodeStateConflict, "unknown call", 409)
	}
	return entry, nil
}

func (c *Coordinator) reclaimEnded() {
	cutoff := time.Now().Add(-c.cfg.EndedRetention)

	c.mu.Lock()
	defer c.mu.Unlock()
	for id, entry := range c.sessions {
		entry.mu.Lock()
		reclaim := entry.session.State == domain.CallEnded &&
			entry.session.EndedAt != nil &&
			entry.session.EndedAt.Before(cutoff)
		entry.mu.Unlock()
		if reclaim {
			delete(c.sessions, id)
		}
	}
}
