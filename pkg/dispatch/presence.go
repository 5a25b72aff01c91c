package dispatch

import "sync"

type AgentAvailability string

const (
	AgentAvailable AgentAvailability = "available"
	AgentBusy      AgentAvailability = "busy"
	AgentOffline   AgentAvailability = "offline"
)

// AgentPresence tracks agent availability independent of any session.
type AgentPresence struct {
	mu     sync.RWMutex
	status map[string]AgentAvailability
}

func NewAgentPresence() *AgentPresence {
	return &AgentPresence{status: map[string]AgentAvailability{}}
}

func (p *AgentPresence) Set(userID string, status AgentAvailability) {
	if userID == "" {
		return
	}
	p.mu.Lock()
	p.status[userID] = status
	p.mu.Unlock()
}

func (p *AgentPresence) Get(userID string) AgentAvailability {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if s, ok := p.status[userID]; ok {
		return s
	}
	return AgentOffline
}
