package dispatch

import (
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
)

type failingConn struct {
	mu     sync.Mutex
	closed bool
}

func (f *failingConn) WriteMessage(int, []byte) error {
	return errors.New("write failed")
}

func (f *failingConn) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *failingConn) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func TestPoolBroadcastReachesAllConnections(t *testing.T) {
	pool := NewConnectionPool("r1", 0, nil)
	a := &stubConn{}
	b := &stubConn{}
	pool.Add(a)
	pool.Add(b)

	pool.Broadcast([]byte(`{"type":"message:received"}`))
	require.Len(t, a.envelopes(), 1)
	require.Len(t, b.envelopes(), 1)
}

func TestPoolDropsConnectionOnWriteError(t *testing.T) {
	pool := NewConnectionPool("r1", 0, nil)
	good := &stubConn{}
	bad := &failingConn{}
	pool.Add(good)
	pool.Add(bad)
	require.Equal(t, 2, pool.Count())

	pool.Broadcast([]byte("x"))
	require.Equal(t, 1, pool.Count())
	require.True(t, bad.isClosed())

	// subsequent broadcasts still reach the healthy connection
	pool.Broadcast([]byte("y"))
	good.mu.Lock()
	frames := len(good.frames)
	good.mu.Unlock()
	require.Equal(t, 2, frames)
}

func TestPoolSendToOneIgnoresStrangers(t *testing.T) {
	pool := NewConnectionPool("r1", 0, nil)
	member := &stubConn{}
	stranger := &stubConn{}
	pool.Add(member)

	pool.SendToOne(stranger, []byte("x"))
	pool.SendToOne(member, []byte("x"))

	require.Empty(t, stranger.frames)
	require.Len(t, member.frames, 1)
}

func TestPoolIdleCallbackFiresWhenEmpty(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("r1", 20*time.Millisecond, func() {
		idle <- struct{}{}
	})
	conn := &stubConn{}
	pool.Add(conn)
	pool.Remove(conn)

	select {
	case <-idle:
	case <-time.After(time.Second):
		t.Fatal("idle callback never fired")
	}
}

func TestPoolIdleCallbackCancelledByRejoin(t *testing.T) {
	idle := make(chan struct{}, 1)
	pool := NewConnectionPool("r1", 30*time.Millisecond, func() {
		idle <- struct{}{}
	})
	conn := &stubConn{}
	pool.Add(conn)
	pool.Remove(conn)
	pool.Add(conn)

	select {
	case <-idle:
		t.Fatal("idle callback fired despite rejoin")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPoolNilReceiverIsSafe(t *testing.T) {
	var pool *ConnectionPool
	pool.Add(&stubConn{})
	pool.Remove(&stubConn{})
	pool.Broadcast([]byte("x"))
	pool.CloseAll()
	require.Equal(t, 0, pool.Count())
	require.True(t, pool.IsEmpty())
}
