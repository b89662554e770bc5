package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/ports"
	apperrors "alumlink/pkg/errors"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCallFixture(t *testing.T, cfg CallConfig) (*Coordinator, ports.PresenceRegistry, *recordingNotifier) {
	t.Helper()
	if cfg.RingTimeout == 0 {
		cfg.RingTimeout = time.Second
	}
	if cfg.DisconnectGrace == 0 {
		cfg.DisconnectGrace = time.Second
	}
	if cfg.EndedRetention == 0 {
		cfg.EndedRetention = time.Minute
	}
	if cfg.JanitorInterval == 0 {
		cfg.JanitorInterval = time.Minute
	}

	notifier := newRecordingNotifier()
	presence := NewPresenceRegistry(notifier, nil, nil, testLogger())
	coordinator := NewCallCoordinator(presence, notifier, nil, testLogger(), cfg)
	t.Cleanup(coordinator.Stop)
	return coordinator, presence, notifier
}

func bothOnline(t *testing.T, presence ports.PresenceRegistry) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, presence.Register(ctx, "caller", "conn-caller"))
	require.NoError(t, presence.Register(ctx, "callee", "conn-callee"))
}

func requireStateConflict(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeStateConflict, appErr.Code)
}

func TestInitCallRingsReceiver(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)

	session, err := coordinator.InitCall(context.Background(), "caller", "callee", domain.CallTypeVideo)
	require.NoError(t, err)

	assert.Equal(t, domain.CallRinging, session.State)
	assert.Equal(t, domain.UserID("caller"), session.CallerID)

	event := notifier.waitForEventType(t, "callee", domain.EventCallIncoming, time.Second)
	payload := event.Payload.(domain.CallIncomingPayload)
	assert.Equal(t, session.ID, payload.CallID)
	assert.Equal(t, domain.CallTypeVideo, payload.Type)
}

func TestInitCallOfflineReceiverIsRejected(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	require.NoError(t, presence.Register(context.Background(), "caller", "conn-caller"))

	_, err := coordinator.InitCall(context.Background(), "caller", "callee", domain.CallTypeAudio)
	require.Error(t, err)

	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeRecipientUnavailable, appErr.Code)
}

func TestInitCallBusyPartiesAreRejected(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()
	require.NoError(t, presence.Register(ctx, "third", "conn-third"))

	_, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	// A ringing caller cannot start a second call.
	_, err = coordinator.InitCall(ctx, "caller", "third", domain.CallTypeAudio)
	requireStateConflict(t, err)

	// Calling a busy callee is equally a conflict.
	_, err = coordinator.InitCall(ctx, "third", "callee", domain.CallTypeAudio)
	requireStateConflict(t, err)
}

func TestInitCallValidatesInput(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	_, err := coordinator.InitCall(ctx, "caller", "caller", domain.CallTypeAudio)
	require.Error(t, err)

	_, err = coordinator.InitCall(ctx, "caller", "callee", "screenshare")
	require.Error(t, err)
	appErr := apperrors.GetAppError(err)
	require.NotNil(t, appErr)
	assert.Equal(t, apperrors.ErrCodeValidation, appErr.Code)
}

func TestAnswerCallActivatesAndNotifiesBothParties(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	active, ok := coordinator.SessionFor("caller")
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, active.State)
	require.NotNil(t, active.AnsweredAt)

	notifier.waitForEventType(t, "caller", domain.EventCallAccepted, time.Second)
	notifier.waitForEventType(t, "callee", domain.EventCallAccepted, time.Second)
}

func TestAnswerCallOnlyReceiverCanAnswer(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	requireStateConflict(t, coordinator.AnswerCall(ctx, session.ID, "caller"))
	requireStateConflict(t, coordinator.AnswerCall(ctx, session.ID, "stranger"))
}

func TestAnswerCallTwiceIsConflict(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))
	requireStateConflict(t, coordinator.AnswerCall(ctx, session.ID, "callee"))
}

func TestRejectCallEndsRinging(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	require.NoError(t, coordinator.RejectCall(ctx, session.ID, "callee"))

	event := notifier.waitForEventType(t, "caller", domain.EventCallEnded, time.Second)
	payload := event.Payload.(domain.CallEndedPayload)
	assert.Equal(t, domain.EndReasonRejected, payload.Reason)

	// Both parties are free again.
	_, ok := coordinator.SessionFor("caller")
	assert.False(t, ok)
	_, ok = coordinator.SessionFor("callee")
	assert.False(t, ok)
}

func TestEndCallIsIdempotentlyConflicting(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	require.NoError(t, coordinator.EndCall(ctx, session.ID, "caller"))
	requireStateConflict(t, coordinator.EndCall(ctx, session.ID, "callee"))
}

func TestEndCallRejectsNonParticipant(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	requireStateConflict(t, coordinator.EndCall(ctx, session.ID, "stranger"))
}

func TestRingTimeoutEndsCall(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{RingTimeout: 30 * time.Millisecond})
	bothOnline(t, presence)

	_, err := coordinator.InitCall(context.Background(), "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	event := notifier.waitForEventType(t, "caller", domain.EventCallEnded, time.Second)
	payload := event.Payload.(domain.CallEndedPayload)
	assert.Equal(t, domain.EndReasonTimeout, payload.Reason)

	_, ok := coordinator.SessionFor("caller")
	assert.False(t, ok)
}

func TestAnswerStopsRingTimer(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{RingTimeout: 30 * time.Millisecond})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	time.Sleep(80 * time.Millisecond)

	active, ok := coordinator.SessionFor("caller")
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, active.State)

	for _, e := range notifier.eventsFor("caller") {
		assert.NotEqual(t, domain.EventCallEnded, e.Type)
	}
}

func TestRelaySignalForwardsVerbatim(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeVideo)
	require.NoError(t, err)

	offer := json.RawMessage(`{"sdp":"v=0...","type":"offer"}`)
	require.NoError(t, coordinator.RelaySignal(ctx, session.ID, "caller", offer))

	event := notifier.waitForEventType(t, "callee", domain.EventSignal, time.Second)
	payload := event.Payload.(domain.SignalPayload)
	assert.Equal(t, session.ID, payload.CallID)
	assert.Equal(t, domain.UserID("caller"), payload.FromID)
	assert.JSONEq(t, string(offer), string(payload.Data))
}

func TestRelaySignalRejectsOutsiders(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	data := json.RawMessage(`{}`)
	requireStateConflict(t, coordinator.RelaySignal(ctx, session.ID, "stranger", data))
	requireStateConflict(t, coordinator.RelaySignal(ctx, "call_unknown", "caller", data))
}

func TestRelaySignalAfterEndIsConflict(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.EndCall(ctx, session.ID, "caller"))

	requireStateConflict(t, coordinator.RelaySignal(ctx, session.ID, "caller", json.RawMessage(`{}`)))
}

func TestDisconnectDuringRingingEndsImmediately(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	_, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	require.NoError(t, presence.Unregister(ctx, "conn-callee"))
	coordinator.UserOffline("callee")

	event := notifier.waitForEventType(t, "caller", domain.EventCallEnded, time.Second)
	payload := event.Payload.(domain.CallEndedPayload)
	assert.Equal(t, domain.EndReasonDisconnect, payload.Reason)
}

func TestDisconnectDuringActiveEndsAfterGrace(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{DisconnectGrace: 30 * time.Millisecond})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	require.NoError(t, presence.Unregister(ctx, "conn-callee"))
	coordinator.UserOffline("callee")

	// Still active inside the grace window.
	active, ok := coordinator.SessionFor("caller")
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, active.State)

	event := notifier.waitForEventType(t, "caller", domain.EventCallEnded, time.Second)
	payload := event.Payload.(domain.CallEndedPayload)
	assert.Equal(t, domain.EndReasonDisconnect, payload.Reason)
}

func TestReconnectWithinGraceKeepsCallAlive(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{DisconnectGrace: 60 * time.Millisecond})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	require.NoError(t, presence.Unregister(ctx, "conn-callee"))
	coordinator.UserOffline("callee")

	require.NoError(t, presence.Register(ctx, "callee", "conn-callee-2"))
	coordinator.UserOnline("callee")

	time.Sleep(120 * time.Millisecond)

	active, ok := coordinator.SessionFor("caller")
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, active.State)

	for _, e := range notifier.eventsFor("caller") {
		assert.NotEqual(t, domain.EventCallEnded, e.Type)
	}
}

func TestLateRingExpiryDoesNotEndAnsweredCall(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{RingTimeout: time.Hour})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	// A ring timer that fired but lost the entry lock race against the
	// answer runs this path afterwards. It must leave the call alone.
	coordinator.ringExpired(session.ID)

	active, ok := coordinator.SessionFor("caller")
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, active.State)

	for _, e := range notifier.eventsFor("caller") {
		assert.NotEqual(t, domain.EventCallEnded, e.Type)
	}
}

func TestLateGraceExpiryDoesNotEndRejoinedCall(t *testing.T) {
	coordinator, presence, notifier := newCallFixture(t, CallConfig{DisconnectGrace: time.Hour})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	require.NoError(t, presence.Unregister(ctx, "conn-callee"))
	coordinator.UserOffline("callee")

	require.NoError(t, presence.Register(ctx, "callee", "conn-callee-2"))
	coordinator.UserOnline("callee")

	// A grace timer that fired at the instant of the reconnect runs this
	// path after the window was already canceled.
	coordinator.graceExpired(session.ID, "callee", 1)

	active, ok := coordinator.SessionFor("caller")
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, active.State)

	for _, e := range notifier.eventsFor("caller") {
		assert.NotEqual(t, domain.EventCallEnded, e.Type)
	}
}

func TestStaleGraceExpiryAfterFreshDropIsIgnored(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{DisconnectGrace: time.Hour})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))

	// First drop opens window 1, the reconnect cancels it, the second
	// drop opens window 2. Window 1's expiry must not end the call even
	// though a timer is pending again.
	require.NoError(t, presence.Unregister(ctx, "conn-callee"))
	coordinator.UserOffline("callee")
	require.NoError(t, presence.Register(ctx, "callee", "conn-callee-2"))
	coordinator.UserOnline("callee")
	require.NoError(t, presence.Unregister(ctx, "conn-callee-2"))
	coordinator.UserOffline("callee")

	coordinator.graceExpired(session.ID, "callee", 1)

	active, ok := coordinator.SessionFor("caller")
	require.True(t, ok)
	assert.Equal(t, domain.CallActive, active.State)
}

func TestCallErrorsCarrySentinelCauses(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	err := coordinator.EndCall(ctx, "call_unknown", "caller")
	assert.True(t, errors.Is(err, domain.ErrCallNotFound))

	_, err = coordinator.InitCall(ctx, "caller", "ghost", domain.CallTypeAudio)
	assert.True(t, errors.Is(err, domain.ErrRecipientOffline))

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)

	_, err = coordinator.InitCall(ctx, "callee", "caller", domain.CallTypeAudio)
	assert.True(t, errors.Is(err, domain.ErrUserBusy))

	err = coordinator.EndCall(ctx, session.ID, "stranger")
	assert.True(t, errors.Is(err, domain.ErrNotParticipant))

	require.NoError(t, coordinator.AnswerCall(ctx, session.ID, "callee"))
	err = coordinator.AnswerCall(ctx, session.ID, "callee")
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))

	require.NoError(t, coordinator.EndCall(ctx, session.ID, "caller"))
	err = coordinator.RelaySignal(ctx, session.ID, "caller", json.RawMessage(`{}`))
	assert.True(t, errors.Is(err, domain.ErrCallAlreadyEnded))
}

func TestPartiesFreeForNewCallAfterEnd(t *testing.T) {
	coordinator, presence, _ := newCallFixture(t, CallConfig{})
	bothOnline(t, presence)
	ctx := context.Background()

	session, err := coordinator.InitCall(ctx, "caller", "callee", domain.CallTypeAudio)
	require.NoError(t, err)
	require.NoError(t, coordinator.EndCall(ctx, session.ID, "caller"))

	next, err := coordinator.InitCall(ctx, "callee", "caller", domain.CallTypeVideo)
	require.NoError(t, err)
	assert.NotEqual(t, session.ID, next.ID)
}
