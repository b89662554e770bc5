package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"alumlink/internal/core/domain"
	"alumlink/internal/core/ports"
	"alumlink/internal/infrastructure/distributed"
	apperrors "alumlink/pkg/errors"
	"alumlink/pkg/tracing"
	"alumlink/pkg/utils"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Command is the inbound envelope read from client connections.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	CmdSendMessage      = "send_message"
	CmdMessageDelivered = "message_delivered"
	CmdMarkRead         = "mark_read"
	CmdGetHistory       = "get_history"
	CmdCallInit         = "call_init"
	CmdAnswerCall       = "answer_call"
	CmdRejectCall       = "reject_call"
	CmdEndCall          = "end_call"
	CmdSignal           = "signal"
	CmdTyping           = "typing"
)

type sendMessagePayload struct {
	ReceiverID   domain.UserID `json:"receiver_id"`
	Content      string        `json:"content"`
	ClientTempID string        `json:"client_temp_id,omitempty"`
}

type messageDeliveredPayload struct {
	MessageIDs []domain.MessageID `json:"message_ids"`
}

type markReadPayload struct {
	ConversationID domain.ConversationID `json:"conversation_id"`
}

type getHistoryPayload struct {
	CounterpartID domain.UserID `json:"counterpart_id"`
	AfterSeq      int64         `json:"after_seq"`
	Limit         int           `json:"limit"`
}

type callInitPayload struct {
	ReceiverID domain.UserID   `json:"receiver_id"`
	Type       domain.CallType `json:"type"`
}

type callControlPayload struct {
	CallID domain.CallID `json:"call_id"`
}

type signalCommandPayload struct {
	CallID domain.CallID   `json:"call_id"`
	Data   json.RawMessage `json:"data"`
}

type typingCommandPayload struct {
	CounterpartID domain.UserID `json:"counterpart_id"`
	Typing        bool          `json:"typing"`
}

type historyResultPayload struct {
	CounterpartID domain.UserID     `json:"counterpart_id"`
	Messages      []*domain.Message `json:"messages"`
}

// client is one live WebSocket connection owned by a single user.
type client struct {
	id     domain.ConnectionID
	userID domain.UserID
	conn   *websocket.Conn

	send      chan domain.Event
	done      chan struct{}
	closeOnce sync.Once

	limiter *rate.Limiter
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Config carries gateway transport tuning.
type Config struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	WriteTimeout   time.Duration
	SendBufferSize int

	MessagesPerSecond float64
	MessageBurst      int
	MaxMessageSize    int64

	AllowedOrigins []string
}

// Server terminates WebSocket connections, dispatches inbound commands to
// the core services and pushes outbound events. It implements
// ports.Notifier.
type Server struct {
	cfg      Config
	logger   *zap.SugaredLogger
	upgrader websocket.Upgrader

	presence ports.PresenceRegistry
	messages ports.MessageService
	calls    ports.CallCoordinator

	bus *distributed.EventBus

	mu     sync.RWMutex
	conns  map[domain.ConnectionID]*client
	byUser map[domain.UserID]map[domain.ConnectionID]*client
}

func NewServer(cfg Config, logger *zap.SugaredLogger) *Server {
	s := &Server{
		cfg:    cfg,
		logger: logger,
		conns:  make(map[domain.ConnectionID]*client),
		byUser: make(map[domain.UserID]map[domain.ConnectionID]*client),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Bind attaches the core services. The server is constructed before the
// services because they receive it as their Notifier.
func (s *Server) Bind(presence ports.PresenceRegistry, messages ports.MessageService, calls ports.CallCoordinator) {
	s.presence = presence
	s.messages = messages
	s.calls = calls
}

// SetEventBus enables cross-instance event fan-out.
func (s *Server) SetEventBus(bus *distributed.EventBus) {
	s.bus = bus
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// HandleWebSocket upgrades an authenticated request and runs the
// connection until the client disconnects.
func (s *Server) HandleWebSocket(c *gin.Context) {
	userIDVal, exists := c.Get("user_id")
	if !exists {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
		return
	}
	userID, ok := userIDVal.(domain.UserID)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid user context"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warnw("websocket upgrade failed",
			"user_id", userID,
			"error", err,
		)
		return
	}

	cl := &client{
		id:     domain.ConnectionID(utils.GenerateConnectionID()),
		userID: userID,
		conn:   conn,
		send:   make(chan domain.Event, s.cfg.SendBufferSize),
		done:   make(chan struct{}),
	}
	if s.cfg.MessagesPerSecond > 0 {
		cl.limiter = rate.NewLimiter(rate.Limit(s.cfg.MessagesPerSecond), s.cfg.MessageBurst)
	}

	s.addClient(cl)
	defer s.removeClient(cl)

	ctx := c.Request.Context()
	if err := s.presence.Register(ctx, userID, cl.id); err != nil {
		s.logger.Errorw("failed to register presence",
			"user_id", userID,
			"connection_id", cl.id,
			"error", err,
		)
		cl.close()
		return
	}
	s.calls.UserOnline(userID)

	go s.writePump(cl)
	s.readPump(ctx, cl)
}

func (s *Server) addClient(cl *client) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.conns[cl.id] = cl
	userConns, ok := s.byUser[cl.userID]
	if !ok {
		userConns = make(map[domain.ConnectionID]*client)
		s.byUser[cl.userID] = userConns
	}
	userConns[cl.id] = cl
}

func (s *Server) removeClient(cl *client) {
	cl.close()

	s.mu.Lock()
	delete(s.conns, cl.id)
	if userConns, ok := s.byUser[cl.userID]; ok {
		delete(userConns, cl.id)
		if len(userConns) == 0 {
			delete(s.byUser, cl.userID)
		}
	}
	s.mu.Unlock()

	if err := s.presence.Unregister(context.Background(), cl.id); err != nil {
		s.logger.Warnw("failed to unregister presence",
			"connection_id", cl.id,
			"error", err,
		)
	}
	if !s.presence.IsOnline(cl.userID) {
		s.calls.UserOffline(cl.userID)
	}
}

func (s *Server) readPump(ctx context.Context, cl *client) {
	if s.cfg.MaxMessageSize > 0 {
		cl.conn.SetReadLimit(s.cfg.MaxMessageSize)
	}
	cl.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		var cmd Command
		if err := cl.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Warnw("websocket read error",
					"user_id", cl.userID,
					"connection_id", cl.id,
					"error", err,
				)
			}
			return
		}

		if cl.limiter != nil && !cl.limiter.Allow() {
			s.pushError(cl, apperrors.NewRateLimitError())
			continue
		}

		if err := s.dispatch(ctx, cl, cmd); err != nil {
			s.pushError(cl, err)
		}
	}
}

func (s *Server) writePump(cl *client) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	defer cl.close()

	for {
		select {
		case <-cl.done:
			return
		case event := <-cl.send:
			cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteJSON(event); err != nil {
				s.logger.Warnw("websocket write error",
					"user_id", cl.userID,
					"connection_id", cl.id,
					"error", err,
				)
				return
			}
		case <-ticker.C:
			cl.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Server) dispatch(ctx context.Context, cl *client, cmd Command) error {
	if cmd.Type == "" {
		return apperrors.NewValidationError("command type is required")
	}

	ctx, span := tracing.TraceCommand(ctx, cmd.Type, string(cl.userID))
	defer span.End()

	var err error
	switch cmd.Type {
	case CmdSendMessage:
		err = s.handleSendMessage(ctx, cl, cmd.Payload)
	case CmdMessageDelivered:
		err = s.handleMessageDelivered(ctx, cl, cmd.Payload)
	case CmdMarkRead:
		err = s.handleMarkRead(ctx, cl, cmd.Payload)
	case CmdGetHistory:
		err = s.handleGetHistory(ctx, cl, cmd.Payload)
	case CmdCallInit:
		err = s.handleCallInit(ctx, cl, cmd.Payload)
	case CmdAnswerCall:
		err = s.handleAnswerCall(ctx, cl, cmd.Payload)
	case CmdRejectCall:
		err = s.handleRejectCall(ctx, cl, cmd.Payload)
	case CmdEndCall:
		err = s.handleEndCall(ctx, cl, cmd.Payload)
	case CmdSignal:
		err = s.handleSignal(ctx, cl, cmd.Payload)
	case CmdTyping:
		err = s.handleTyping(ctx, cl, cmd.Payload)
	default:
		err = apperrors.NewValidationError(fmt.Sprintf("unknown command type: %s", cmd.Type))
	}

	if err != nil {
		tracing.RecordError(ctx, err)
	}
	return err
}

func (s *Server) handleSendMessage(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p sendMessagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid send_message payload").WithContext("error", err.Error())
	}

	msg, err := s.messages.Submit(ctx, cl.userID, p.ReceiverID, p.Content, p.ClientTempID)
	if err != nil {
		return err
	}

	s.pushToClient(cl, domain.Event{
		Type: domain.EventMessageAck,
		Payload: domain.MessageAckPayload{
			ClientTempID:   p.ClientTempID,
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			Seq:            msg.Seq,
			Status:         msg.Status,
		},
	})
	return nil
}

func (s *Server) handleMessageDelivered(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p messageDeliveredPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid message_delivered payload").WithContext("error", err.Error())
	}
	if len(p.MessageIDs) == 0 {
		return apperrors.NewValidationError("message_ids must not be empty")
	}
	return s.messages.AcknowledgeDelivered(ctx, cl.userID, p.MessageIDs)
}

func (s *Server) handleMarkRead(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p markReadPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid mark_read payload").WithContext("error", err.Error())
	}
	if p.ConversationID == "" {
		return apperrors.NewValidationError("conversation_id is required")
	}
	return s.messages.AcknowledgeRead(ctx, cl.userID, p.ConversationID)
}

func (s *Server) handleGetHistory(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p getHistoryPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid get_history payload").WithContext("error", err.Error())
	}

	msgs, err := s.messages.History(ctx, cl.userID, p.CounterpartID, p.AfterSeq, p.Limit)
	if err != nil {
		return err
	}

	s.pushToClient(cl, domain.Event{
		Type: domain.EventHistory,
		Payload: historyResultPayload{
			CounterpartID: p.CounterpartID,
			Messages:      msgs,
		},
	})
	return nil
}

func (s *Server) handleCallInit(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p callInitPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid call_init payload").WithContext("error", err.Error())
	}
	_, err := s.calls.InitCall(ctx, cl.userID, p.ReceiverID, p.Type)
	return err
}

func (s *Server) handleAnswerCall(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p callControlPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid answer_call payload").WithContext("error", err.Error())
	}
	return s.calls.AnswerCall(ctx, p.CallID, cl.userID)
}

func (s *Server) handleRejectCall(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p callControlPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid reject_call payload").WithContext("error", err.Error())
	}
	return s.calls.RejectCall(ctx, p.CallID, cl.userID)
}

func (s *Server) handleEndCall(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p callControlPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid end_call payload").WithContext("error", err.Error())
	}
	return s.calls.EndCall(ctx, p.CallID, cl.userID)
}

func (s *Server) handleSignal(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p signalCommandPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid signal payload").WithContext("error", err.Error())
	}
	if len(p.Data) == 0 {
		return apperrors.NewValidationError("signal data is required")
	}
	return s.calls.RelaySignal(ctx, p.CallID, cl.userID, p.Data)
}

func (s *Server) handleTyping(ctx context.Context, cl *client, raw json.RawMessage) error {
	var p typingCommandPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return apperrors.NewValidationError("invalid typing payload").WithContext("error", err.Error())
	}
	if p.CounterpartID == "" {
		return apperrors.NewValidationError("counterpart_id is required")
	}

	// Typing is ephemeral and never persisted. Dropped silently when the
	// counterpart is offline.
	s.PushToUser(p.CounterpartID, domain.Event{
		Type: domain.EventTyping,
		Payload: domain.TypingPayload{
			ConversationID: domain.ConversationKey(cl.userID, p.CounterpartID),
			UserID:         cl.userID,
			Typing:         p.Typing,
		},
	})
	return nil
}

func (s *Server) pushError(cl *client, err error) {
	appErr := apperrors.GetAppError(err)
	payload := domain.ErrorPayload{
		Code:    string(apperrors.ErrCodeInternal),
		Message: "internal error",
	}
	if appErr != nil {
		payload.Code = string(appErr.Code)
		payload.Message = appErr.Message
	}
	s.pushToClient(cl, domain.Event{Type: domain.EventError, Payload: payload})
}

func (s *Server) pushToClient(cl *client, event domain.Event) {
	select {
	case cl.send <- event:
	default:
		// Slow consumer. Drop the connection rather than block the
		// pipeline; the client is expected to reconnect and catch up
		// through history.
		s.logger.Warnw("send buffer full, closing connection",
			"user_id", cl.userID,
			"connection_id", cl.id,
		)
		cl.close()
	}
}

// PushToUser fans an event out to every live connection of the user, on
// this instance and, when an event bus is configured, on the others.
func (s *Server) PushToUser(userID domain.UserID, event domain.Event) {
	s.pushToUserLocal(userID, event)

	if s.bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.bus.PublishUserPush(ctx, userID, event); err != nil {
			s.logger.Warnw("failed to publish user event",
				"user_id", userID,
				"error", err,
			)
		}
	}
}

func (s *Server) pushToUserLocal(userID domain.UserID, event domain.Event) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.byUser[userID]))
	for _, cl := range s.byUser[userID] {
		clients = append(clients, cl)
	}
	s.mu.RUnlock()

	for _, cl := range clients {
		s.pushToClient(cl, event)
	}
}

func (s *Server) PushToConnection(connID domain.ConnectionID, event domain.Event) {
	s.mu.RLock()
	cl, ok := s.conns[connID]
	s.mu.RUnlock()

	if ok {
		s.pushToClient(cl, event)
	}
}

// Broadcast pushes an event to every connection on this instance.
// Cross-instance presence fan-out goes through the event bus, so remote
// instances re-broadcast locally from HandleBusEvent.
func (s *Server) Broadcast(event domain.Event) {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.conns))
	for _, cl := range s.conns {
		clients = append(clients, cl)
	}
	s.mu.RUnlock()

	for _, cl := range clients {
		s.pushToClient(cl, event)
	}
}

// HandleBusEvent processes an event published by another gateway
// instance.
func (s *Server) HandleBusEvent(event *distributed.Event) error {
	switch event.Type {
	case distributed.EventPresenceChanged:
		eventType := domain.EventUserOffline
		if event.Online {
			eventType = domain.EventUserOnline
		}
		s.Broadcast(domain.Event{
			Type:    eventType,
			Payload: domain.PresencePayload{UserID: event.UserID},
		})
	case distributed.EventUserPush:
		var pushed domain.Event
		if err := json.Unmarshal(event.Payload, &pushed); err != nil {
			return fmt.Errorf("failed to unmarshal pushed event: %w", err)
		}
		s.pushToUserLocal(event.UserID, pushed)
	default:
		s.logger.Debugw("ignoring bus event", "type", event.Type)
	}
	return nil
}

// ConnectionCount reports the number of open connections on this
// instance.
func (s *Server) ConnectionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns)
}
