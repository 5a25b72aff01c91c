package dispatch

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/hoverdesk/hoverdesk/pkg/chatstore"
)

// Client-to-server and server-to-client event names. These are the widget
// wire contract; renaming any of them breaks deployed widget and agent
// clients.
const (
	EventJoinAgent     = "join:agent"
	EventJoinVisitor   = "join:visitor"
	EventSessionAccept = "session:accept"
	EventMessageSend   = "message:send"
	EventTypingStart   = "typing:start"
	EventTypingStop    = "typing:stop"
	EventSessionEnd    = "session:end"
	EventAgentStatus   = "agent:status"

	EventMessageReceived = "message:received"
	EventSessionStarted  = "session:started"
	EventSessionEnded    = "session:ended"
	EventSessionNew      = "session:new"
	EventChatbotHandoff  = "chatbot:handoff"
	EventError           = "error"
)

// Envelope frames every websocket message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinAgentPayload struct {
	UserID string `json:"userId"`
}

type JoinVisitorPayload struct {
	SessionID string `json:"sessionId"`
	WidgetID  string `json:"widgetId,omitempty"`
	VisitorID string `json:"visitorId,omitempty"`
}

type AcceptSessionPayload struct {
	SessionID string `json:"sessionId"`
	AgentID   string `json:"agentId"`
}

type SendMessagePayload struct {
	SessionID  string `json:"sessionId"`
	Content    string `json:"content"`
	SenderType string `json:"senderType"`
	SenderID   string `json:"senderId"`
	SenderName string `json:"senderName,omitempty"`
}

type TypingPayload struct {
	SessionID  string `json:"sessionId"`
	SenderType string `json:"senderType"`
}

type EndSessionPayload struct {
	SessionID string `json:"sessionId"`
}

type AgentStatusPayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// MessagePayload is the persisted message as broadcast to clients.
type MessagePayload struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"sessionId"`
	SenderType string    `json:"senderType"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName,omitempty"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
}

type SessionPayload struct {
	SessionID string `json:"sessionId"`
	WidgetID  string `json:"widgetId,omitempty"`
	Status    string `json:"status,omitempty"`
	AgentID   string `json:"agentId,omitempty"`
}

type HandoffPayload struct {
	SessionID    string `json:"sessionId"`
	NewChatbotID string `json:"newChatbotId"`
	Reason       string `json:"reason,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeEvent frames a payload into an envelope ready for the wire.
func EncodeEvent(eventType string, payload any) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrapf(err, "encode %s payload", eventType)
		}
		raw = b
	}
	b, err := json.Marshal(Envelope{Type: eventType, Payload: raw})
	if err != nil {
		return nil, errors.Wrapf(err, "encode %s envelope", eventType)
	}
	return b, nil
}

// DecodeEnvelope parses an inbound frame. The payload stays raw until the
// handler for the event type decodes it.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "decode envelope")
	}
	if env.Type == "" {
		return Envelope{}, errors.New("envelope has no type")
	}
	return env, nil
}

func messagePayloadFrom(m *chatstore.Message) MessagePayload {
	return MessagePayload{
		ID:         m.ID,
		SessionID:  m.SessionID,
		SenderType: string(m.SenderType),
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Content:    m.Content,
		CreatedAt:  m.CreatedAt,
	}
}

func sessionPayloadFrom(s *chatstore.Session) SessionPayload {
	return SessionPayload{
		SessionID: s.ID,
		WidgetID:  s.WidgetID,
		Status:    string(s.Status),
		AgentID:   s.AgentID,
	}
}
