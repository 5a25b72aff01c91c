package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hoverdesk/hoverdesk/pkg/chatstore"
	"github.com/hoverdesk/hoverdesk/pkg/routing"
)

// DefaultMissedTimeout is how long a session may stay waiting before it is
// marked missed.
const DefaultMissedTimeout = 5 * time.Minute

// BotSenderPrefix tags synthesized replies with a synthetic agent sender id.
const BotSenderPrefix = "chatbot:"

// RoutingService is the slice of the routing engine the dispatcher calls.
type RoutingService interface {
	ProcessMessage(ctx context.Context, sessionID, widgetID, visitorMessage string, history []*chatstore.Message) (routing.ProcessResult, error)
}

// DispatcherConfig collects the dispatcher's collaborators.
type DispatcherConfig struct {
	Store         chatstore.Store
	Routing       RoutingService
	Rooms         *RoomRegistry
	MissedTimeout time.Duration
	Logger        zerolog.Logger
}

// Dispatcher is the real-time front door: it owns connection lifecycle, room
// membership, and session state transitions, and is the sole caller into the
// routing engine.
type Dispatcher struct {
	store         chatstore.Store
	routing       RoutingService
	rooms         *RoomRegistry
	presence      *AgentPresence
	locks         *sessionLocks
	missedTimeout time.Duration
	logger        zerolog.Logger

	timersMu     sync.Mutex
	missedTimers map[string]*time.Timer
}

func NewDispatcher(cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Store == nil {
		return nil, errors.New("dispatcher: store is nil")
	}
	if cfg.Routing == nil {
		return nil, errors.New("dispatcher: routing service is nil")
	}
	if cfg.Rooms == nil {
		return nil, errors.New("dispatcher: room registry is nil")
	}
	if cfg.MissedTimeout <= 0 {
		cfg.MissedTimeout = DefaultMissedTimeout
	}
	return &Dispatcher{
		store:         cfg.Store,
		routing:       cfg.Routing,
		rooms:         cfg.Rooms,
		presence:      NewAgentPresence(),
		locks:         newSessionLocks(),
		missedTimeout: cfg.MissedTimeout,
		logger:        cfg.Logger.With().Str("component", "dispatch").Logger(),
		missedTimers:  map[string]*time.Timer{},
	}, nil
}

// Presence exposes agent availability for server composition.
func (d *Dispatcher) Presence() *AgentPresence { return d.presence }

// client is the per-connection state the dispatcher tracks.
type client struct {
	conn Conn

	mu      sync.Mutex
	agentID string
	rooms   map[string]struct{}
}

func newClient(conn Conn) *client {
	return &client{conn: conn, rooms: map[string]struct{}{}}
}

func (c *client) joined(roomID string) {
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
}

func (c *client) roomList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}

// clientError carries a message safe to surface on the error event; anything
// else reaches the client as a generic "internal error".
type clientError struct {
	msg string
	err error
}

func (e *clientError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *clientError) Unwrap() error { return e.err }

func clientErrorf(err error, msg string) error {
	return &clientError{msg: msg, err: err}
}

// HandleFrame processes one inbound websocket frame as an independent unit of
// work. Handler errors and panics are logged and answered with an error event
// on the originating connection; the connection itself stays up.
func (d *Dispatcher) HandleFrame(ctx context.Context, c *client, raw []byte) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error().Interface("panic", r).Msg("event handler panicked")
			d.sendError(c, "internal error")
		}
	}()

	env, err := DecodeEnvelope(raw)
	if err != nil {
		d.sendError(c, "malformed event")
		return
	}
	if err := d.dispatchEvent(ctx, c, env); err != nil {
		d.logger.Warn().Err(err).Str("event", env.Type).Msg("event handler failed")
		var ce *clientError
		if errors.As(err, &ce) {
			d.sendError(c, ce.msg)
			return
		}
		d.sendError(c, "internal error")
	}
}

func (d *Dispatcher) dispatchEvent(ctx context.Context, c *client, env Envelope) error {
	switch env.Type {
	case EventJoinAgent:
		return d.handleJoinAgent(ctx, c, env.Payload)
	case EventJoinVisitor:
		return d.handleJoinVisitor(ctx, c, env.Payload)
	case EventSessionAccept:
		return d.handleAcceptSession(ctx, c, env.Payload)
	case EventMessageSend:
		return d.handleSendMessage(ctx, c, env.Payload)
	case EventTypingStart, EventTypingStop:
		return d.handleTyping(env.Type, env.Payload)
	case EventSessionEnd:
		return d.handleEndSession(ctx, env.Payload)
	case EventAgentStatus:
		return d.handleAgentStatus(env.Payload)
	default:
		return clientErrorf(nil, "unknown event type "+env.Type)
	}
}

// Disconnect unregisters a connection from all its rooms. Agent connections
// revert to offline so routing a session their way stops immediately.
func (d *Dispatcher) Disconnect(c *client) {
	for _, roomID := range c.roomList() {
		d.rooms.Leave(roomID, c.conn)
	}
	c.mu.Lock()
	agentID := c.agentID
	c.mu.Unlock()
	if agentID != "" {
		d.presence.Set(agentID, AgentOffline)
		d.logger.Debug().Str("agent_id", agentID).Msg("agent disconnected, presence reverted")
	}
	_ = c.conn.Close()
}

func (d *Dispatcher) handleJoinAgent(ctx context.Context, c *client, payload json.RawMessage) error {
	var p JoinAgentPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return clientErrorf(err, "join:agent requires userId")
	}
	if err := d.rooms.Join(roomAgents, c.conn); err != nil {
		return err
	}
	c.joined(roomAgents)
	if err := d.rooms.Join(agentRoom(p.UserID), c.conn); err != nil {
		return err
	}
	c.joined(agentRoom(p.UserID))
	c.mu.Lock()
	c.agentID = p.UserID
	c.mu.Unlock()
	d.presence.Set(p.UserID, AgentAvailable)

	// hand the joining agent a snapshot of sessions still in play
	sessions, err := d.store.ListSessionsByStatus(ctx, chatstore.SessionWaiting, chatstore.SessionActive)
	if err != nil {
		return errors.Wrap(err, "list sessions for agent snapshot")
	}
	for _, sess := range sessions {
		data, err := EncodeEvent(EventSessionNew, sessionPayloadFrom(sess))
		if err != nil {
			return err
		}
		d.rooms.SendToOne(roomAgents, c.conn, data)
	}
	d.logger.Info().Str("agent_id", p.UserID).Int("sessions", len(sessions)).Msg("agent joined")
	return nil
}

func (d *Dispatcher) handleJoinVisitor(ctx context.Context, c *client, payload json.RawMessage) error {
	var p JoinVisitorPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return clientErrorf(err, "join:visitor requires sessionId")
	}

	release := d.locks.Acquire(p.SessionID)
	sess, err := d.store.GetSession(ctx, p.SessionID)
	if chatstore.IsNotFound(err) {
		// first contact from this widget: open the session in waiting state
		sess = &chatstore.Session{
			ID:        p.SessionID,
			WidgetID:  p.WidgetID,
			Type:      chatstore.SessionTypeChat,
			Status:    chatstore.SessionWaiting,
			VisitorID: p.VisitorID,
			StartedAt: time.Now(),
		}
		if err := d.store.CreateSession(ctx, sess); err != nil {
			release()
			return errors.Wrap(err, "create session on first contact")
		}
		release()
		d.armMissedTimer(sess.ID)
		if err := d.broadcastSessionEvent(EventSessionNew, sess, roomAgents); err != nil {
			return err
		}
	} else {
		release()
		if err != nil {
			return errors.Wrap(err, "load session")
		}
	}

	if err := d.rooms.Join(sessionRoom(p.SessionID), c.conn); err != nil {
		return err
	}
	c.joined(sessionRoom(p.SessionID))
	d.logger.Debug().Str("session_id", p.SessionID).Msg("visitor joined")
	return nil
}

func (d *Dispatcher) handleAcceptSession(ctx context.Context, c *client, payload json.RawMessage) error {
	var p AcceptSessionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.AgentID == "" {
		return clientErrorf(err, "session:accept requires sessionId and agentId")
	}

	release := d.locks.Acquire(p.SessionID)
	defer release()

	sess, err := d.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return clientErrorf(err, "session not found")
	}
	if sess.Status != chatstore.SessionWaiting && sess.Status != chatstore.SessionActive {
		return clientErrorf(nil, "session is no longer open")
	}
	sess.Status = chatstore.SessionActive
	sess.AgentID = p.AgentID
	if err := d.store.UpdateSession(ctx, sess); err != nil {
		return errors.Wrap(err, "accept session")
	}
	d.cancelMissedTimer(p.SessionID)

	if err := d.broadcastSessionEvent(EventSessionStarted, sess, sessionRoom(sess.ID), roomAgents); err != nil {
		return err
	}
	d.logger.Info().Str("session_id", sess.ID).Str("agent_id", p.AgentID).Msg("session accepted")
	return nil
}

func (d *Dispatcher) handleSendMessage(ctx context.Context, c *client, payload json.RawMessage) error {
	var p SendMessagePayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" || p.Content == "" {
		return clientErrorf(err, "message:send requires sessionId and content")
	}

	sess, err := d.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return clientErrorf(err, "session not found")
	}

	msg := &chatstore.Message{
		ID:         uuid.NewString(),
		SessionID:  p.SessionID,
		SenderType: chatstore.SenderType(p.SenderType),
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Content:    p.Content,
		CreatedAt:  time.Now(),
	}
	if err := d.store.CreateMessage(ctx, msg); err != nil {
		// surfaced to the sender only; no automatic retry here
		return clientErrorf(err, "failed to send message")
	}
	if err := d.broadcastMessage(sess, msg); err != nil {
		return err
	}

	// the routing engine only ever runs while no human agent owns the session
	if sess.AgentID == "" && msg.SenderType == chatstore.SenderVisitor {
		return d.runChatbot(ctx, sess, p.Content)
	}
	return nil
}

// runChatbot drives the routing engine for one visitor message under the
// session lock, making the read-evaluate-handoff-write sequence atomic with
// respect to concurrent messages for the same session.
func (d *Dispatcher) runChatbot(ctx context.Context, sess *chatstore.Session, visitorMessage string) error {
	release := d.locks.Acquire(sess.ID)
	defer release()

	// re-check under the lock: an agent may have accepted meanwhile
	current, err := d.store.GetSession(ctx, sess.ID)
	if err != nil {
		return errors.Wrap(err, "reload session")
	}
	if current.AgentID != "" {
		return nil
	}

	history, err := d.store.GetMessagesBySessionID(ctx, sess.ID)
	if err != nil {
		return errors.Wrap(err, "load history")
	}
	res, err := d.routing.ProcessMessage(ctx, sess.ID, sess.WidgetID, visitorMessage, history)
	if errors.Is(err, routing.ErrNoRoutingRule) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "process message")
	}

	if res.EscalatedToHuman {
		d.logger.Info().Str("session_id", sess.ID).Str("reason", res.HandoffReason).Msg("session escalated to human agents")
		return d.broadcastSessionEvent(EventSessionNew, current, roomAgents)
	}

	reply := &chatstore.Message{
		ID:         uuid.NewString(),
		SessionID:  sess.ID,
		SenderType: chatstore.SenderAgent,
		SenderID:   BotSenderPrefix + res.ChatbotID,
		SenderName: res.ChatbotID,
		Content:    res.ReplyText,
		CreatedAt:  time.Now(),
	}
	if err := d.store.CreateMessage(ctx, reply); err != nil {
		return clientErrorf(err, "failed to send message")
	}
	if err := d.broadcastMessage(current, reply); err != nil {
		return err
	}

	if res.HandoffOccurred {
		data, err := EncodeEvent(EventChatbotHandoff, HandoffPayload{
			SessionID:    sess.ID,
			NewChatbotID: res.ChatbotID,
			Reason:       res.HandoffReason,
		})
		if err != nil {
			return err
		}
		if err := d.rooms.Broadcast(sessionRoom(sess.ID), data); err != nil {
			return err
		}
		if err := d.rooms.Broadcast(roomAgents, data); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) handleTyping(eventType string, payload json.RawMessage) error {
	var p TypingPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return clientErrorf(err, eventType+" requires sessionId")
	}
	// pure relay, no persistence
	data, err := EncodeEvent(eventType, p)
	if err != nil {
		return err
	}
	return d.rooms.Broadcast(sessionRoom(p.SessionID), data)
}

func (d *Dispatcher) handleEndSession(ctx context.Context, payload json.RawMessage) error {
	var p EndSessionPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.SessionID == "" {
		return clientErrorf(err, "session:end requires sessionId")
	}

	release := d.locks.Acquire(p.SessionID)
	defer release()

	sess, err := d.store.GetSession(ctx, p.SessionID)
	if err != nil {
		return clientErrorf(err, "session not found")
	}
	if sess.Status == chatstore.SessionEnded || sess.Status == chatstore.SessionMissed {
		return nil
	}
	now := time.Now()
	sess.Status = chatstore.SessionEnded
	sess.EndedAt = &now
	sess.DurationSeconds = int64(now.Sub(sess.StartedAt).Seconds())
	if err := d.store.UpdateSession(ctx, sess); err != nil {
		return errors.Wrap(err, "end session")
	}
	d.cancelMissedTimer(p.SessionID)

	if err := d.broadcastSessionEvent(EventSessionEnded, sess, sessionRoom(sess.ID), roomAgents); err != nil {
		return err
	}
	d.logger.Info().Str("session_id", sess.ID).Int64("duration_s", sess.DurationSeconds).Msg("session ended")
	return nil
}

func (d *Dispatcher) handleAgentStatus(payload json.RawMessage) error {
	var p AgentStatusPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.UserID == "" {
		return clientErrorf(err, "agent:status requires userId")
	}
	switch AgentAvailability(p.Status) {
	case AgentAvailable, AgentBusy, AgentOffline:
	default:
		return clientErrorf(nil, "unknown agent status "+p.Status)
	}
	d.presence.Set(p.UserID, AgentAvailability(p.Status))
	return nil
}

func (d *Dispatcher) broadcastMessage(sess *chatstore.Session, msg *chatstore.Message) error {
	data, err := EncodeEvent(EventMessageReceived, messagePayloadFrom(msg))
	if err != nil {
		return err
	}
	if err := d.rooms.Broadcast(sessionRoom(sess.ID), data); err != nil {
		return err
	}
	if sess.AgentID != "" {
		return d.rooms.Broadcast(agentRoom(sess.AgentID), data)
	}
	return nil
}

func (d *Dispatcher) broadcastSessionEvent(eventType string, sess *chatstore.Session, roomIDs ...string) error {
	data, err := EncodeEvent(eventType, sessionPayloadFrom(sess))
	if err != nil {
		return err
	}
	for _, roomID := range roomIDs {
		if err := d.rooms.Broadcast(roomID, data); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) sendError(c *client, msg string) {
	data, err := EncodeEvent(EventError, ErrorPayload{Message: msg})
	if err != nil {
		return
	}
	_ = c.conn.WriteMessage(websocket.TextMessage, data)
}

func (d *Dispatcher) armMissedTimer(sessionID string) {
	d.timersMu.Lock()
	defer d.timersMu.Unlock()
	if _, ok := d.missedTimers[sessionID]; ok {
		return
	}
	d.missedTimers[sessionID] = time.AfterFunc(d.missedTimeout, func() {
		d.expireWaitingSession(sessionID)
	})
}

func (d *Dispatcher) cancelMissedTimer(sessionID string) {
	d.timersMu.Lock()
	if t, ok := d.missedTimers[sessionID]; ok {
		t.Stop()
		delete(d.missedTimers, sessionID)
	}
	d.timersMu.Unlock()
}

// expireWaitingSession moves a still-waiting session to missed once the
// timeout elapses without an agent accepting.
func (d *Dispatcher) expireWaitingSession(sessionID string) {
	d.timersMu.Lock()
	delete(d.missedTimers, sessionID)
	d.timersMu.Unlock()

	release := d.locks.Acquire(sessionID)
	defer release()

	ctx := context.Background()
	sess, err := d.store.GetSession(ctx, sessionID)
	if err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("missed-session check failed")
		return
	}
	if sess.Status != chatstore.SessionWaiting {
		return
	}
	now := time.Now()
	sess.Status = chatstore.SessionMissed
	sess.EndedAt = &now
	sess.DurationSeconds = int64(now.Sub(sess.StartedAt).Seconds())
	if err := d.store.UpdateSession(ctx, sess); err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("marking session missed failed")
		return
	}
	if err := d.broadcastSessionEvent(EventSessionEnded, sess, sessionRoom(sess.ID), roomAgents); err != nil {
		d.logger.Warn().Err(err).Str("session_id", sessionID).Msg("broadcasting missed session failed")
	}
	d.logger.Info().Str("session_id", sessionID).Msg("waiting session marked missed")
}
