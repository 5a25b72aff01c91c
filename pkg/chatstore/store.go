package chatstore

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("chatstore: not found")

type SessionType string

const (
	SessionTypeChat  SessionType = "chat"
	SessionTypeVoice SessionType = "voice"
)

type SessionStatus string

const (
	SessionWaiting SessionStatus = "waiting"
	SessionActive  SessionStatus = "active"
	SessionEnded   SessionStatus = "ended"
	SessionMissed  SessionStatus = "missed"
)

// Session is one visitor conversation. AgentID is empty until an agent accepts.
type Session struct {
	ID              string
	WidgetID        string
	Type            SessionType
	Status          SessionStatus
	VisitorID       string
	AgentID         string
	StartedAt       time.Time
	EndedAt         *time.Time
	DurationSeconds int64
}

type SenderType string

const (
	SenderVisitor SenderType = "visitor"
	SenderAgent   SenderType = "agent"
)

// Message is append-only; chatbot replies carry SenderAgent with a synthetic SenderID.
type Message struct {
	ID         string
	SessionID  string
	SenderType SenderType
	SenderID   string
	SenderName string
	Content    string
	CreatedAt  time.Time
}

// RoutingRule holds a widget's escalation graph as stored, uninterpreted JSON.
// Parsing and validation happen in pkg/routing at rule-load time.
type RoutingRule struct {
	ID               string
	WidgetID         string
	InitialChatbotID string
	Graph            []byte
	IsActive         bool
}

// ChatbotHistoryEntry records one persona assignment. The entry with a nil
// EndedAt is the session's current persona; TransitionChatbotHistory keeps at
// most one such entry per session.
type ChatbotHistoryEntry struct {
	ID            string
	SessionID     string
	ChatbotID     string
	HandoffReason string
	StartedAt     time.Time
	EndedAt       *time.Time
}

// Store is the persistence contract consumed by the routing engine and the
// dispatcher. Implementations do CRUD only; no business logic, no retries.
type Store interface {
	CreateSession(ctx context.Context, s *Session) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, s *Session) error
	ListSessionsByStatus(ctx context.Context, statuses ...SessionStatus) ([]*Session, error)

	CreateMessage(ctx context.Context, m *Message) error
	GetMessagesBySessionID(ctx context.Context, sessionID string) ([]*Message, error)

	// GetOpenChatbotHistory returns the entry with EndedAt == nil, or ErrNotFound.
	GetOpenChatbotHistory(ctx context.Context, sessionID string) (*ChatbotHistoryEntry, error)
	// TransitionChatbotHistory closes the open entry (if any) and opens a new
	// one for chatbotID in a single atomic step, returning the new entry.
	TransitionChatbotHistory(ctx context.Context, sessionID, chatbotID, reason string) (*ChatbotHistoryEntry, error)

	CreateRoutingRule(ctx context.Context, r *RoutingRule) error
	// GetRoutingRuleForWidget returns the widget's active rule, or ErrNotFound.
	// An inactive rule is treated the same as no rule at all.
	GetRoutingRuleForWidget(ctx context.Context, widgetID string) (*RoutingRule, error)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
