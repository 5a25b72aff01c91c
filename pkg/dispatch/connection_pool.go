package dispatch

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Conn is the subset of *websocket.Conn the pool needs; tests substitute
// stub connections.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// ConnectionPool holds the live connections of one room. It centralizes
// broadcasting, write-error handling, and idle detection so room registry
// logic stays small.
type ConnectionPool struct {
	roomID      string
	mu          sync.Mutex
	conns       map[Conn]struct{}
	idleTimer   *time.Timer
	idleTimeout time.Duration
	onIdle      func()
}

func NewConnectionPool(roomID string, idleTimeout time.Duration, onIdle func()) *ConnectionPool {
	return &ConnectionPool{
		roomID:      roomID,
		conns:       map[Conn]struct{}{},
		idleTimeout: idleTimeout,
		onIdle:      onIdle,
	}
}

func (cp *ConnectionPool) Add(conn Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	cp.conns[conn] = struct{}{}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Remove(conn Conn) {
	if cp == nil || conn == nil {
		return
	}
	cp.mu.Lock()
	delete(cp.conns, conn)
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) Broadcast(data []byte) {
	if cp == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			log.Warn().Err(err).Str("component", "dispatch").Str("room_id", cp.roomID).Msg("ws broadcast failed, dropping connection")
			delete(cp.conns, conn)
			_ = conn.Close()
		}
	}
	cp.scheduleIdleTimerLocked()
	cp.mu.Unlock()
}

// SendToOne writes to a single member; unknown connections are ignored.
func (cp *ConnectionPool) SendToOne(conn Conn, data []byte) {
	if cp == nil || conn == nil || len(data) == 0 {
		return
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	if _, ok := cp.conns[conn]; !ok {
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		log.Warn().Err(err).Str("component", "dispatch").Str("room_id", cp.roomID).Msg("ws send failed, dropping connection")
		delete(cp.conns, conn)
		_ = conn.Close()
	}
}

func (cp *ConnectionPool) Count() int {
	if cp == nil {
		return 0
	}
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.conns)
}

func (cp *ConnectionPool) IsEmpty() bool {
	return cp.Count() == 0
}

func (cp *ConnectionPool) CloseAll() {
	if cp == nil {
		return
	}
	cp.mu.Lock()
	for conn := range cp.conns {
		_ = conn.Close()
		delete(cp.conns, conn)
	}
	cp.stopIdleTimerLocked()
	cp.mu.Unlock()
}

func (cp *ConnectionPool) stopIdleTimerLocked() {
	if cp.idleTimer != nil {
		cp.idleTimer.Stop()
		cp.idleTimer = nil
	}
}

func (cp *ConnectionPool) scheduleIdleTimerLocked() {
	if len(cp.conns) != 0 || cp.idleTimeout <= 0 || cp.onIdle == nil {
		cp.stopIdleTimerLocked()
		return
	}
	cp.stopIdleTimerLocked()
	cp.idleTimer = time.AfterFunc(cp.idleTimeout, cp.triggerIdle)
}

func (cp *ConnectionPool) triggerIdle() {
	if cp == nil {
		return
	}
	var callback func()
	cp.mu.Lock()
	if len(cp.conns) == 0 {
		callback = cp.onIdle
	}
	cp.idleTimer = nil
	cp.mu.Unlock()
	if callback != nil {
		callback()
	}
}
