package routing

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/hoverdesk/hoverdesk/pkg/chatstore"
	"github.com/hoverdesk/hoverdesk/pkg/synthesis"
)

// ErrNoRoutingRule means the widget has no active rule; the caller skips all
// chatbot behavior for the session.
var ErrNoRoutingRule = errors.New("routing: widget has no active routing rule")

// ApologyReply is returned verbatim when reply synthesis fails or times out.
const ApologyReply = "I'm sorry, I'm having trouble responding right now. Please try again in a moment."

const (
	DefaultSynthesisTimeout = 30 * time.Second
	DefaultFetchTimeout     = 5 * time.Second
)

// Decision is the outcome of one routing evaluation.
type Decision struct {
	ShouldHandoff   bool
	TargetChatbotID string
	Reason          string
	// EscalateToHuman is set when the walk lands on a handoff node: the bot
	// stops responding and the session goes back to the agent pool.
	EscalateToHuman bool
}

// ProcessResult packages the dispatcher-facing outcome of one visitor message.
type ProcessResult struct {
	ReplyText        string
	ChatbotID        string
	HandoffOccurred  bool
	HandoffReason    string
	EscalatedToHuman bool
}

// EngineConfig collects the engine's collaborators.
type EngineConfig struct {
	Store       chatstore.Store
	Synthesizer synthesis.Synthesizer
	Values      ExternalValueSource

	SynthesisTimeout time.Duration
	FetchTimeout     time.Duration
	Logger           zerolog.Logger
}

// Engine walks a widget's routing graph on each inbound visitor message and
// decides whether the active persona hands off. It is the only writer of
// chatbot history entries.
type Engine struct {
	store  chatstore.Store
	synth  synthesis.Synthesizer
	values ExternalValueSource

	synthTimeout time.Duration
	fetchTimeout time.Duration
	logger       zerolog.Logger

	mu    sync.RWMutex
	cache map[string]*cachedRule
}

type cachedRule struct {
	ruleID string
	graph  *Graph
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("routing engine: store is nil")
	}
	if cfg.Synthesizer == nil {
		return nil, errors.New("routing engine: synthesizer is nil")
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	return &Engine{
		store:        cfg.Store,
		synth:        cfg.Synthesizer,
		values:       cfg.Values,
		synthTimeout: cfg.SynthesisTimeout,
		fetchTimeout: cfg.FetchTimeout,
		logger:       cfg.Logger.With().Str("component", "routing").Logger(),
		cache:        map[string]*cachedRule{},
	}, nil
}

// CurrentPersona returns the chatbot of the open history entry, or "" when no
// assignment exists yet.
func (e *Engine) CurrentPersona(ctx context.Context, sessionID string) (string, error) {
	entry, err := e.store.GetOpenChatbotHistory(ctx, sessionID)
	if chatstore.IsNotFound(err) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "current persona")
	}
	return entry.ChatbotID, nil
}

// InitializeSession assigns the widget's initial persona. Returns "" without
// writing anything when the widget has no active rule.
func (e *Engine) InitializeSession(ctx context.Context, sessionID, widgetID string) (string, error) {
	rule, _, err := e.ruleForWidget(ctx, widgetID)
	if errors.Is(err, ErrNoRoutingRule) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if _, err := e.store.TransitionChatbotHistory(ctx, sessionID, rule.InitialChatbotID, "initial assignment"); err != nil {
		return "", errors.Wrap(err, "initialize session")
	}
	e.logger.Debug().Str("session_id", sessionID).Str("chatbot_id", rule.InitialChatbotID).Msg("assigned initial persona")
	return rule.InitialChatbotID, nil
}

// EvaluateRouting decides whether the current persona should hand off, based
// on the latest visitor message. It performs no writes: calling it twice with
// unchanged history yields the same decision.
func (e *Engine) EvaluateRouting(ctx context.Context, sessionID, widgetID, latestVisitorMessage string) (Decision, error) {
	_, graph, err := e.ruleForWidget(ctx, widgetID)
	if errors.Is(err, ErrNoRoutingRule) {
		return Decision{}, nil
	}
	if err != nil {
		return Decision{}, err
	}
	current, err := e.CurrentPersona(ctx, sessionID)
	if err != nil {
		return Decision{}, err
	}
	if current == "" {
		return Decision{}, nil
	}
	node, ok := graph.NodeForChatbot(current)
	if !ok {
		return Decision{}, nil
	}

	w := &walker{
		engine:    e,
		graph:     graph,
		sessionID: sessionID,
		message:   latestVisitorMessage,
		visited:   map[string]struct{}{},
		fetched:   map[string]map[string]string{},
		ctx:       ctx,
	}
	d := w.search(node.ID)
	if d.ShouldHandoff && d.Reason == "" {
		d.Reason = "routing rule matched"
	}
	if d.EscalateToHuman && d.Reason == "" {
		d.Reason = "escalated to human agent"
	}
	return d, nil
}

// Handoff transitions the session's persona atomically: the open history entry
// is closed and the new one opened in a single store operation.
func (e *Engine) Handoff(ctx context.Context, sessionID, targetChatbotID, reason string) error {
	if _, err := e.store.TransitionChatbotHistory(ctx, sessionID, targetChatbotID, reason); err != nil {
		return errors.Wrap(err, "handoff")
	}
	e.logger.Info().
		Str("session_id", sessionID).
		Str("chatbot_id", targetChatbotID).
		Str("reason", reason).
		Msg("chatbot handoff")
	return nil
}

// ProcessMessage orchestrates initialize-if-absent, routing evaluation, the
// optional handoff, and reply synthesis. Callers must serialize invocations
// per session; the dispatcher does so with its per-session lock.
func (e *Engine) ProcessMessage(ctx context.Context, sessionID, widgetID, visitorMessage string, history []*chatstore.Message) (ProcessResult, error) {
	persona, err := e.CurrentPersona(ctx, sessionID)
	if err != nil {
		return ProcessResult{}, err
	}
	if persona == "" {
		persona, err = e.InitializeSession(ctx, sessionID, widgetID)
		if err != nil {
			return ProcessResult{}, err
		}
		if persona == "" {
			return ProcessResult{}, ErrNoRoutingRule
		}
	}

	decision, err := e.EvaluateRouting(ctx, sessionID, widgetID, visitorMessage)
	if err != nil {
		return ProcessResult{}, err
	}
	if decision.EscalateToHuman {
		return ProcessResult{
			ChatbotID:        persona,
			EscalatedToHuman: true,
			HandoffReason:    decision.Reason,
		}, nil
	}

	result := ProcessResult{ChatbotID: persona}
	if decision.ShouldHandoff {
		if err := e.Handoff(ctx, sessionID, decision.TargetChatbotID, decision.Reason); err != nil {
			return ProcessResult{}, err
		}
		result.ChatbotID = decision.TargetChatbotID
		result.HandoffOccurred = true
		result.HandoffReason = decision.Reason
	}

	result.ReplyText = e.synthesizeReply(ctx, result.ChatbotID, visitorMessage, history)
	return result, nil
}

func (e *Engine) synthesizeReply(ctx context.Context, chatbotID, visitorMessage string, history []*chatstore.Message) string {
	sctx, cancel := context.WithTimeout(ctx, e.synthTimeout)
	defer cancel()
	text, err := e.synth.Synthesize(sctx, chatbotID, visitorMessage, history)
	if err != nil {
		e.logger.Warn().Err(err).Str("chatbot_id", chatbotID).Msg("reply synthesis failed, using apology")
		return ApologyReply
	}
	return text
}

// ruleForWidget resolves the widget's active rule and its parsed graph,
// re-parsing only when the active rule changes.
func (e *Engine) ruleForWidget(ctx context.Context, widgetID string) (*chatstore.RoutingRule, *Graph, error) {
	rule, err := e.store.GetRoutingRuleForWidget(ctx, widgetID)
	if chatstore.IsNotFound(err) {
		return nil, nil, ErrNoRoutingRule
	}
	if err != nil {
		return nil, nil, errors.Wrap(err, "load routing rule")
	}

	e.mu.RLock()
	cached, ok := e.cache[widgetID]
	e.mu.RUnlock()
	if ok && cached.ruleID == rule.ID {
		return rule, cached.graph, nil
	}

	graph, err := ParseGraph(rule.Graph)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "rule %s for widget %s", rule.ID, widgetID)
	}
	e.mu.Lock()
	e.cache[widgetID] = &cachedRule{ruleID: rule.ID, graph: graph}
	e.mu.Unlock()
	return rule, graph, nil
}

// walker carries the state of one depth-first evaluation. The visited set
// bounds the traversal even if a graph with unexpected shape slips through
// validation.
type walker struct {
	engine    *Engine
	graph     *Graph
	sessionID string
	message   string
	visited   map[string]struct{}
	fetched   map[string]map[string]string
	ctx       context.Context
}

// search walks the outgoing edges of nodeID in stored order. The first
// satisfied edge wins and there is no backtracking once a predicate branch is
// taken: a dead end below it ends the whole search even if a sibling would
// have succeeded.
func (w *walker) search(nodeID string) Decision {
	for _, edge := range w.graph.OutgoingEdges(nodeID) {
		target, ok := w.graph.Node(edge.Target)
		if !ok {
			continue
		}
		if _, seen := w.visited[target.ID]; seen {
			continue
		}
		switch target.Kind {
		case NodeChatbot:
			// the edge label is only the default reason: a predicate higher up
			// the walk supplies the matched keyword when the label is empty
			return Decision{ShouldHandoff: true, TargetChatbotID: target.ChatbotID, Reason: edge.Label}
		case NodeHandoff:
			return Decision{EscalateToHuman: true, Reason: edge.Label}
		case NodeCondition:
			keyword, matched := matchKeyword(target.Keywords, w.message)
			if !matched {
				continue
			}
			w.visited[target.ID] = struct{}{}
			d := w.search(target.ID)
			if (d.ShouldHandoff || d.EscalateToHuman) && d.Reason == "" {
				d.Reason = "matched keyword \"" + keyword + "\""
			}
			return d
		case NodeExternalCheck:
			if !w.checkExternal(target) {
				continue
			}
			w.visited[target.ID] = struct{}{}
			d := w.search(target.ID)
			if (d.ShouldHandoff || d.EscalateToHuman) && d.Reason == "" {
				d.Reason = edge.Label
			}
			return d
		}
	}
	return Decision{}
}

func (w *walker) checkExternal(n Node) bool {
	values, ok := w.fetched[n.ServerName+"/"+n.ToolName]
	if !ok {
		if w.engine.values == nil {
			return false
		}
		fctx, cancel := context.WithTimeout(w.ctx, w.engine.fetchTimeout)
		fetched, err := w.engine.values.Fetch(fctx, w.sessionID, n.ServerName, n.ToolName)
		cancel()
		if err != nil {
			w.engine.logger.Warn().Err(err).
				Str("session_id", w.sessionID).
				Str("server", n.ServerName).
				Str("tool", n.ToolName).
				Msg("external check unavailable, treating as false")
			fetched = nil
		}
		w.fetched[n.ServerName+"/"+n.ToolName] = fetched
		values = fetched
	}
	got, ok := values[n.Key]
	if !ok {
		return false
	}
	// exact string equality, no type coercion
	return got == n.ExpectedValue
}

func matchKeyword(keywords []string, message string) (string, bool) {
	lower := strings.ToLower(message)
	for _, kw := range keywords {
		if kw == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(kw)) {
			return kw, true
		}
	}
	return "", false
}
