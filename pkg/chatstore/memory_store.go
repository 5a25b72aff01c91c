package chatstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	messages map[string][]*Message
	history  map[string][]*ChatbotHistoryEntry
	rules    map[string][]*RoutingRule
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: map[string]*Session{},
		messages: map[string][]*Message{},
		history:  map[string][]*ChatbotHistoryEntry{},
		rules:    map[string][]*RoutingRule{},
	}
}

func (s *MemoryStore) CreateSession(_ context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("memory store: session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; ok {
		return errors.Errorf("memory store: session %s already exists", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "session %s", id)
	}
	cp := *sess
	return &cp, nil
}

func (s *MemoryStore) UpdateSession(_ context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("memory store: session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return errors.Wrapf(ErrNotFound, "session %s", sess.ID)
	}
	cp := *sess
	s.sessions[sess.ID] = &cp
	return nil
}

func (s *MemoryStore) ListSessionsByStatus(_ context.Context, statuses ...SessionStatus) ([]*Session, error) {
	want := map[SessionStatus]struct{}{}
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []*Session{}
	for _, sess := range s.sessions {
		if len(want) > 0 {
			if _, ok := want[sess.Status]; !ok {
				continue
			}
		}
		cp := *sess
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *Message) error {
	if m == nil || m.SessionID == "" {
		return errors.New("memory store: message session id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *m
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	s.messages[m.SessionID] = append(s.messages[m.SessionID], &cp)
	return nil
}

func (s *MemoryStore) GetMessagesBySessionID(_ context.Context, sessionID string) ([]*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	out := make([]*Message, 0, len(msgs))
	for _, m := range msgs {
		cp := *m
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetOpenChatbotHistory(_ context.Context, sessionID string) (*ChatbotHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history[sessionID] {
		if e.EndedAt == nil {
			cp := *e
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "open chatbot history for session %s", sessionID)
}

func (s *MemoryStore) TransitionChatbotHistory(_ context.Context, sessionID, chatbotID, reason string) (*ChatbotHistoryEntry, error) {
	if sessionID == "" || chatbotID == "" {
		return nil, errors.New("memory store: sessionID and chatbotID are required")
	}
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.history[sessionID] {
		if e.EndedAt == nil {
			t := now
			e.EndedAt = &t
		}
	}
	entry := &ChatbotHistoryEntry{
		ID:            uuid.NewString(),
		SessionID:     sessionID,
		ChatbotID:     chatbotID,
		HandoffReason: reason,
		StartedAt:     now,
	}
	s.history[sessionID] = append(s.history[sessionID], entry)
	cp := *entry
	return &cp, nil
}

func (s *MemoryStore) CreateRoutingRule(_ context.Context, r *RoutingRule) error {
	if r == nil || r.WidgetID == "" {
		return errors.New("memory store: rule widget id is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.Graph = append([]byte(nil), r.Graph...)
	s.rules[r.WidgetID] = append(s.rules[r.WidgetID], &cp)
	return nil
}

func (s *MemoryStore) GetRoutingRuleForWidget(_ context.Context, widgetID string) (*RoutingRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules[widgetID] {
		if r.IsActive {
			cp := *r
			cp.Graph = append([]byte(nil), r.Graph...)
			return &cp, nil
		}
	}
	return nil, errors.Wrapf(ErrNotFound, "active routing rule for widget %s", widgetID)
}
