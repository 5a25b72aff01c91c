package routing

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ErrInvalidConfig rejects a malformed routing rule at load time, before any
// per-message evaluation can trip over it.
var ErrInvalidConfig = errors.New("routing: invalid routing config")

// ErrCyclicGraph rejects rules whose predicate nodes can loop. It wraps
// ErrInvalidConfig so callers can treat both uniformly.
var ErrCyclicGraph = errors.Wrap(ErrInvalidConfig, "cyclic path between predicate nodes")

type NodeKind string

const (
	NodeChatbot       NodeKind = "chatbot"
	NodeCondition     NodeKind = "condition"
	NodeExternalCheck NodeKind = "external_check"
	NodeHandoff       NodeKind = "handoff"
)

// Node is the tagged union over routing node kinds. Which fields are
// meaningful depends on Kind; ParseGraph validates the required ones.
type Node struct {
	ID   string   `json:"id"`
	Kind NodeKind `json:"type"`

	// chatbot
	ChatbotID string `json:"chatbotId,omitempty"`
	// condition
	Keywords []string `json:"keywords,omitempty"`
	// external_check
	ServerName    string `json:"serverName,omitempty"`
	ToolName      string `json:"toolName,omitempty"`
	Key           string `json:"key,omitempty"`
	ExpectedValue string `json:"expectedValue,omitempty"`
}

// IsPredicate reports whether the node gates traversal rather than ending it.
func (n Node) IsPredicate() bool {
	return n.Kind == NodeCondition || n.Kind == NodeExternalCheck
}

type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Label  string `json:"label,omitempty"`
}

// Graph is a validated routing rule: a node table plus an adjacency list that
// preserves stored edge order (first satisfied edge wins during evaluation).
type Graph struct {
	nodes    map[string]Node
	outgoing map[string][]Edge
}

type rawGraph struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// ParseGraph decodes and validates a stored routing graph. It is called once
// per rule load, never per message.
func ParseGraph(raw []byte) (*Graph, error) {
	var rg rawGraph
	if err := json.Unmarshal(raw, &rg); err != nil {
		return nil, errors.Wrapf(ErrInvalidConfig, "decode graph: %v", err)
	}

	g := &Graph{
		nodes:    make(map[string]Node, len(rg.Nodes)),
		outgoing: make(map[string][]Edge, len(rg.Nodes)),
	}
	for _, n := range rg.Nodes {
		if n.ID == "" {
			return nil, errors.Wrap(ErrInvalidConfig, "node with empty id")
		}
		if _, ok := g.nodes[n.ID]; ok {
			return nil, errors.Wrapf(ErrInvalidConfig, "duplicate node id %q", n.ID)
		}
		switch n.Kind {
		case NodeChatbot:
			if n.ChatbotID == "" {
				return nil, errors.Wrapf(ErrInvalidConfig, "chatbot node %q has no chatbotId", n.ID)
			}
		case NodeCondition:
			if len(n.Keywords) == 0 {
				return nil, errors.Wrapf(ErrInvalidConfig, "condition node %q has no keywords", n.ID)
			}
		case NodeExternalCheck:
			if n.Key == "" {
				return nil, errors.Wrapf(ErrInvalidConfig, "external check node %q has no key", n.ID)
			}
		case NodeHandoff:
		default:
			return nil, errors.Wrapf(ErrInvalidConfig, "node %q has unknown type %q", n.ID, n.Kind)
		}
		g.nodes[n.ID] = n
	}
	for _, e := range rg.Edges {
		if _, ok := g.nodes[e.Source]; !ok {
			return nil, errors.Wrapf(ErrInvalidConfig, "edge source %q is not a node", e.Source)
		}
		if _, ok := g.nodes[e.Target]; !ok {
			return nil, errors.Wrapf(ErrInvalidConfig, "edge target %q is not a node", e.Target)
		}
		g.outgoing[e.Source] = append(g.outgoing[e.Source], e)
	}
	if err := g.checkPredicateCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkPredicateCycles walks the subgraph of predicate nodes. Chatbot and
// handoff nodes terminate evaluation, so only cycles that never pass through
// one of them can make the path search loop.
func (g *Graph) checkPredicateCycles() error {
	const (
		unseen = 0
		active = 1
		done   = 2
	)
	state := make(map[string]int, len(g.nodes))
	var visit func(id string) error
	visit = func(id string) error {
		switch state[id] {
		case active:
			return ErrCyclicGraph
		case done:
			return nil
		}
		state[id] = active
		for _, e := range g.outgoing[id] {
			target := g.nodes[e.Target]
			if !target.IsPredicate() {
				continue
			}
			if err := visit(e.Target); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id, n := range g.nodes {
		if !n.IsPredicate() {
			continue
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// Node returns the node with the given graph-local id.
func (g *Graph) Node(id string) (Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeForChatbot locates the chatbot node for the currently assigned persona.
func (g *Graph) NodeForChatbot(chatbotID string) (Node, bool) {
	for _, n := range g.nodes {
		if n.Kind == NodeChatbot && n.ChatbotID == chatbotID {
			return n, true
		}
	}
	return Node{}, false
}

// OutgoingEdges returns edges in stored order.
func (g *Graph) OutgoingEdges(nodeID string) []Edge {
	return g.outgoing[nodeID]
}

// NodeCount is used to bound traversal diagnostics in logs and tests.
func (g *Graph) NodeCount() int {
	return len(g.nodes)
}
