package routing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hoverdesk/hoverdesk/pkg/chatstore"
	"github.com/hoverdesk/hoverdesk/pkg/synthesis"
)

type failingSynth struct{}

func (failingSynth) Synthesize(context.Context, string, string, []*chatstore.Message) (string, error) {
	return "", errors.New("synthesis backend down")
}

type slowValueSource struct{}

func (slowValueSource) Fetch(ctx context.Context, _, _, _ string) (map[string]string, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Second):
		return map[string]string{}, nil
	}
}

func newTestEngine(t *testing.T, store chatstore.Store, synth synthesis.Synthesizer, values ExternalValueSource) *Engine {
	t.Helper()
	if synth == nil {
		synth = &synthesis.CannedSynthesizer{}
	}
	e, err := NewEngine(EngineConfig{
		Store:        store,
		Synthesizer:  synth,
		Values:       values,
		FetchTimeout: 100 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	require.NoError(t, err)
	return e
}

func seedRule(t *testing.T, store chatstore.Store, widgetID, initial, graph string) {
	t.Helper()
	require.NoError(t, store.CreateRoutingRule(context.Background(), &chatstore.RoutingRule{
		WidgetID:         widgetID,
		InitialChatbotID: initial,
		Graph:            []byte(graph),
		IsActive:         true,
	}))
}

const refundGraph = `{
	"nodes": [
		{"id": "a", "type": "chatbot", "chatbotId": "bot-a"},
		{"id": "cond", "type": "condition", "keywords": ["refund"]},
		{"id": "b", "type": "chatbot", "chatbotId": "bot-b"}
	],
	"edges": [
		{"source": "a", "target": "cond"},
		{"source": "cond", "target": "b"}
	]
}`

func TestProcessMessageHandsOffOnKeyword(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", refundGraph)
	e := newTestEngine(t, store, &synthesis.CannedSynthesizer{Replies: map[string]string{"bot-b": "I can help with refunds."}}, nil)

	res, err := e.ProcessMessage(ctx, "s1", "w1", "I want a refund", nil)
	require.NoError(t, err)
	require.True(t, res.HandoffOccurred)
	require.Equal(t, "bot-b", res.ChatbotID)
	require.Equal(t, `matched keyword "refund"`, res.HandoffReason)
	require.Equal(t, "I can help with refunds.", res.ReplyText)

	open, err := store.GetOpenChatbotHistory(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "bot-b", open.ChatbotID)
}

func TestKeywordMatchIsCaseInsensitive(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", refundGraph)
	e := newTestEngine(t, store, nil, nil)

	_, err := e.InitializeSession(ctx, "s1", "w1")
	require.NoError(t, err)

	d, err := e.EvaluateRouting(ctx, "s1", "w1", "I need a REFUND please")
	require.NoError(t, err)
	require.True(t, d.ShouldHandoff)
	require.Equal(t, "bot-b", d.TargetChatbotID)
}

func TestEvaluateRoutingIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", refundGraph)
	e := newTestEngine(t, store, nil, nil)

	_, err := e.InitializeSession(ctx, "s1", "w1")
	require.NoError(t, err)

	first, err := e.EvaluateRouting(ctx, "s1", "w1", "refund please")
	require.NoError(t, err)
	second, err := e.EvaluateRouting(ctx, "s1", "w1", "refund please")
	require.NoError(t, err)
	require.Equal(t, first, second)

	// evaluation writes nothing: the persona is still the initial one
	persona, err := e.CurrentPersona(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "bot-a", persona)
}

func TestNoActiveRuleSkipsRouting(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	// inactive rule behaves exactly like no rule at all
	require.NoError(t, store.CreateRoutingRule(ctx, &chatstore.RoutingRule{
		WidgetID:         "w1",
		InitialChatbotID: "bot-a",
		Graph:            []byte(refundGraph),
		IsActive:         false,
	}))
	e := newTestEngine(t, store, nil, nil)

	persona, err := e.InitializeSession(ctx, "s1", "w1")
	require.NoError(t, err)
	require.Empty(t, persona)

	_, err = e.ProcessMessage(ctx, "s1", "w1", "hello", nil)
	require.ErrorIs(t, err, ErrNoRoutingRule)

	_, err = store.GetOpenChatbotHistory(ctx, "s1")
	require.True(t, chatstore.IsNotFound(err))
}

func TestExternalCheckFailureContinuesWithSiblings(t *testing.T) {
	graph := `{
		"nodes": [
			{"id": "a", "type": "chatbot", "chatbotId": "bot-a"},
			{"id": "ext", "type": "external_check", "serverName": "crm", "toolName": "lookup", "key": "tier", "expectedValue": "gold"},
			{"id": "vip", "type": "chatbot", "chatbotId": "bot-vip"},
			{"id": "cond", "type": "condition", "keywords": ["billing"]},
			{"id": "b", "type": "chatbot", "chatbotId": "bot-b"}
		],
		"edges": [
			{"source": "a", "target": "ext"},
			{"source": "ext", "target": "vip"},
			{"source": "a", "target": "cond"},
			{"source": "cond", "target": "b"}
		]
	}`
	ctx := context.Background()

	t.Run("fetch error", func(t *testing.T) {
		store := chatstore.NewMemoryStore()
		seedRule(t, store, "w1", "bot-a", graph)
		// no value source configured at all: every external check is false
		e := newTestEngine(t, store, nil, nil)
		_, err := e.InitializeSession(ctx, "s1", "w1")
		require.NoError(t, err)

		d, err := e.EvaluateRouting(ctx, "s1", "w1", "billing question")
		require.NoError(t, err)
		require.True(t, d.ShouldHandoff)
		require.Equal(t, "bot-b", d.TargetChatbotID)
	})

	t.Run("missing key", func(t *testing.T) {
		store := chatstore.NewMemoryStore()
		seedRule(t, store, "w1", "bot-a", graph)
		e := newTestEngine(t, store, nil, StaticValueSource{"crm/lookup": {"plan": "basic"}})
		_, err := e.InitializeSession(ctx, "s1", "w1")
		require.NoError(t, err)

		d, err := e.EvaluateRouting(ctx, "s1", "w1", "billing question")
		require.NoError(t, err)
		require.True(t, d.ShouldHandoff)
		require.Equal(t, "bot-b", d.TargetChatbotID)
	})

	t.Run("fetch timeout", func(t *testing.T) {
		store := chatstore.NewMemoryStore()
		seedRule(t, store, "w1", "bot-a", graph)
		e := newTestEngine(t, store, nil, slowValueSource{})
		_, err := e.InitializeSession(ctx, "s1", "w1")
		require.NoError(t, err)

		d, err := e.EvaluateRouting(ctx, "s1", "w1", "billing question")
		require.NoError(t, err)
		require.Equal(t, "bot-b", d.TargetChatbotID)
	})

	t.Run("value matches", func(t *testing.T) {
		store := chatstore.NewMemoryStore()
		seedRule(t, store, "w1", "bot-a", graph)
		e := newTestEngine(t, store, nil, StaticValueSource{"crm/lookup": {"tier": "gold"}})
		_, err := e.InitializeSession(ctx, "s1", "w1")
		require.NoError(t, err)

		d, err := e.EvaluateRouting(ctx, "s1", "w1", "billing question")
		require.NoError(t, err)
		require.True(t, d.ShouldHandoff)
		require.Equal(t, "bot-vip", d.TargetChatbotID)
	})
}

func TestFirstSatisfiedBranchWinsWithoutBacktracking(t *testing.T) {
	// cond1 matches but leads nowhere; cond2 would reach bot-b. The walk takes
	// cond1, dead-ends, and does not back out: documented behavior.
	graph := `{
		"nodes": [
			{"id": "a", "type": "chatbot", "chatbotId": "bot-a"},
			{"id": "cond1", "type": "condition", "keywords": ["help"]},
			{"id": "cond2", "type": "condition", "keywords": ["help"]},
			{"id": "b", "type": "chatbot", "chatbotId": "bot-b"}
		],
		"edges": [
			{"source": "a", "target": "cond1"},
			{"source": "a", "target": "cond2"},
			{"source": "cond2", "target": "b"}
		]
	}`
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", graph)
	e := newTestEngine(t, store, nil, nil)
	_, err := e.InitializeSession(ctx, "s1", "w1")
	require.NoError(t, err)

	d, err := e.EvaluateRouting(ctx, "s1", "w1", "help me")
	require.NoError(t, err)
	require.False(t, d.ShouldHandoff)
}

func TestEdgeLabelOverridesKeywordReason(t *testing.T) {
	graph := `{
		"nodes": [
			{"id": "a", "type": "chatbot", "chatbotId": "bot-a"},
			{"id": "cond", "type": "condition", "keywords": ["refund"]},
			{"id": "b", "type": "chatbot", "chatbotId": "bot-b"}
		],
		"edges": [
			{"source": "a", "target": "cond"},
			{"source": "cond", "target": "b", "label": "refund request"}
		]
	}`
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", graph)
	e := newTestEngine(t, store, nil, nil)
	_, err := e.InitializeSession(ctx, "s1", "w1")
	require.NoError(t, err)

	d, err := e.EvaluateRouting(ctx, "s1", "w1", "refund")
	require.NoError(t, err)
	require.True(t, d.ShouldHandoff)
	require.Equal(t, "refund request", d.Reason)
}

func TestHandoffNodeEscalatesToHuman(t *testing.T) {
	graph := `{
		"nodes": [
			{"id": "a", "type": "chatbot", "chatbotId": "bot-a"},
			{"id": "cond", "type": "condition", "keywords": ["agent"]},
			{"id": "h", "type": "handoff"}
		],
		"edges": [
			{"source": "a", "target": "cond"},
			{"source": "cond", "target": "h"}
		]
	}`
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", graph)
	e := newTestEngine(t, store, nil, nil)

	res, err := e.ProcessMessage(ctx, "s1", "w1", "I want a human agent", nil)
	require.NoError(t, err)
	require.True(t, res.EscalatedToHuman)
	require.False(t, res.HandoffOccurred)
	require.Empty(t, res.ReplyText)

	// persona unchanged: escalation does not rewrite chatbot history
	persona, err := e.CurrentPersona(ctx, "s1")
	require.NoError(t, err)
	require.Equal(t, "bot-a", persona)
}

func TestSynthesisFailureDegradesToApology(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", refundGraph)
	e := newTestEngine(t, store, failingSynth{}, nil)

	res, err := e.ProcessMessage(ctx, "s1", "w1", "I want a refund", nil)
	require.NoError(t, err)
	require.Equal(t, ApologyReply, res.ReplyText)
	// the handoff itself still happened
	require.True(t, res.HandoffOccurred)
	require.Equal(t, "bot-b", res.ChatbotID)
}

func TestEvaluateRoutingWithoutAssignmentIsNoop(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", refundGraph)
	e := newTestEngine(t, store, nil, nil)

	d, err := e.EvaluateRouting(ctx, "s1", "w1", "refund")
	require.NoError(t, err)
	require.False(t, d.ShouldHandoff)
}

func TestCorruptRuleSurfacesTypedError(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", `{"nodes": [{"id": "c1", "type": "condition", "keywords": ["x"]}, {"id": "c2", "type": "condition", "keywords": ["y"]}], "edges": [{"source": "c1", "target": "c2"}, {"source": "c2", "target": "c1"}]}`)
	e := newTestEngine(t, store, nil, nil)

	_, err := e.InitializeSession(ctx, "s1", "w1")
	require.ErrorIs(t, err, ErrCyclicGraph)
	require.ErrorIs(t, err, ErrInvalidConfig)

	_, err = e.EvaluateRouting(ctx, "s1", "w1", "x")
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestConcurrentProcessMessageKeepsSingleOpenAssignment(t *testing.T) {
	ctx := context.Background()
	store := chatstore.NewMemoryStore()
	seedRule(t, store, "w1", "bot-a", refundGraph)
	e := newTestEngine(t, store, nil, nil)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.ProcessMessage(ctx, "s1", "w1", "I want a refund", nil)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// the unserialized interleaving may settle on either persona, but there is
	// exactly one coherent assignment afterward
	open, err := store.GetOpenChatbotHistory(ctx, "s1")
	require.NoError(t, err)
	require.Contains(t, []string{"bot-a", "bot-b"}, open.ChatbotID)
}
