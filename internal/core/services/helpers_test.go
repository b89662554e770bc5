package services

import (
	"sync"
	"testing"
	"time"

	"alumlink/internal/core/domain"

	"go.uber.org/zap"
)

// recordingNotifier captures pushed events so tests can assert on the
// outbound traffic of a service.
type recordingNotifier struct {
	mu         sync.Mutex
	pushes     map[domain.UserID][]domain.Event
	broadcasts []domain.Event
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		pushes: make(map[domain.UserID][]domain.Event),
	}
}

func (n *recordingNotifier) PushToUser(userID domain.UserID, event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes[userID] = append(n.pushes[userID], event)
}

func (n *recordingNotifier) PushToConnection(connID domain.ConnectionID, event domain.Event) {}

func (n *recordingNotifier) Broadcast(event domain.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcasts = append(n.broadcasts, event)
}

func (n *recordingNotifier) eventsFor(userID domain.UserID) []domain.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Event, len(n.pushes[userID]))
	copy(out, n.pushes[userID])
	return out
}

func (n *recordingNotifier) lastEventFor(userID domain.UserID) (domain.Event, bool) {
	events := n.eventsFor(userID)
	if len(events) == 0 {
		return domain.Event{}, false
	}
	return events[len(events)-1], true
}

func (n *recordingNotifier) broadcastTypes() []domain.EventType {
	n.mu.Lock()
	defer n.mu.Unlock()
	types := make([]domain.EventType, 0, len(n.broadcasts))
	for _, e := range n.broadcasts {
		types = append(types, e.Type)
	}
	return types
}

// waitForEventType polls until the user receives an event of the given
// type. Used for behavior driven by timers.
func (n *recordingNotifier) waitForEventType(t *testing.T, userID domain.UserID, eventType domain.EventType, timeout time.Duration) domain.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, e := range n.eventsFor(userID) {
			if e.Type == eventType {
				return e
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s event for user %s", eventType, userID)
	return domain.Event{}
}

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
