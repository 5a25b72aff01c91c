package chatstore

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func storesUnderTest(t *testing.T) map[string]Store {
	t.Helper()
	dsn, err := SQLiteDSNForFile(filepath.Join(t.TempDir(), "chat.db"))
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestSessionLifecycle(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.GetSession(ctx, "missing")
			require.True(t, IsNotFound(err))

			sess := &Session{
				ID:        "s1",
				WidgetID:  "w1",
				Type:      SessionTypeChat,
				Status:    SessionWaiting,
				VisitorID: "v1",
				StartedAt: time.Now(),
			}
			require.NoError(t, store.CreateSession(ctx, sess))

			got, err := store.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, SessionWaiting, got.Status)
			require.Empty(t, got.AgentID)

			got.Status = SessionActive
			got.AgentID = "a1"
			require.NoError(t, store.UpdateSession(ctx, got))

			got, err = store.GetSession(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, SessionActive, got.Status)
			require.Equal(t, "a1", got.AgentID)

			waiting, err := store.ListSessionsByStatus(ctx, SessionWaiting)
			require.NoError(t, err)
			require.Empty(t, waiting)
			active, err := store.ListSessionsByStatus(ctx, SessionWaiting, SessionActive)
			require.NoError(t, err)
			require.Len(t, active, 1)
		})
	}
}

func TestMessagesAreAppendOnlyAndOrdered(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now()
			for i, content := range []string{"hello", "anyone there?", "hi!"} {
				require.NoError(t, store.CreateMessage(ctx, &Message{
					SessionID:  "s1",
					SenderType: SenderVisitor,
					SenderID:   "v1",
					Content:    content,
					CreatedAt:  base.Add(time.Duration(i) * time.Second),
				}))
			}
			msgs, err := store.GetMessagesBySessionID(ctx, "s1")
			require.NoError(t, err)
			require.Len(t, msgs, 3)
			require.Equal(t, "hello", msgs[0].Content)
			require.Equal(t, "hi!", msgs[2].Content)
			for _, m := range msgs {
				require.NotEmpty(t, m.ID)
			}
		})
	}
}

func TestTransitionChatbotHistoryKeepsSingleOpenEntry(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := store.GetOpenChatbotHistory(ctx, "s1")
			require.True(t, IsNotFound(err))

			first, err := store.TransitionChatbotHistory(ctx, "s1", "bot-a", "initial assignment")
			require.NoError(t, err)
			require.Nil(t, first.EndedAt)

			second, err := store.TransitionChatbotHistory(ctx, "s1", "bot-b", "matched keyword \"refund\"")
			require.NoError(t, err)

			open, err := store.GetOpenChatbotHistory(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, second.ID, open.ID)
			require.Equal(t, "bot-b", open.ChatbotID)
		})
	}
}

func TestTransitionChatbotHistoryConcurrent(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			var wg sync.WaitGroup
			errs := make(chan error, 16)
			for i := 0; i < 16; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := store.TransitionChatbotHistory(ctx, "s1", "bot-a", "")
					errs <- err
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				require.NoError(t, err)
			}

			open, err := store.GetOpenChatbotHistory(ctx, "s1")
			require.NoError(t, err)
			require.Equal(t, "bot-a", open.ChatbotID)
		})
	}
}

func TestInactiveRoutingRuleBehavesAsNoRule(t *testing.T) {
	for name, store := range storesUnderTest(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.CreateRoutingRule(ctx, &RoutingRule{
				WidgetID:         "w1",
				InitialChatbotID: "bot-a",
				Graph:            []byte(`{"nodes":[],"edges":[]}`),
				IsActive:         false,
			}))
			_, err := store.GetRoutingRuleForWidget(ctx, "w1")
			require.True(t, IsNotFound(err))

			require.NoError(t, store.CreateRoutingRule(ctx, &RoutingRule{
				WidgetID:         "w1",
				InitialChatbotID: "bot-a",
				Graph:            []byte(`{"nodes":[],"edges":[]}`),
				IsActive:         true,
			}))
			rule, err := store.GetRoutingRuleForWidget(ctx, "w1")
			require.NoError(t, err)
			require.Equal(t, "bot-a", rule.InitialChatbotID)
		})
	}
}
