package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	roomAgents        = "agents"
	agentRoomPrefix   = "agent:"
	sessionRoomPrefix = "session:"
)

func agentRoom(userID string) string      { return agentRoomPrefix + userID }
func sessionRoom(sessionID string) string { return sessionRoomPrefix + sessionID }

// RoomRegistry owns the mapping from logical rooms to connection pools and a
// forwarder goroutine per room that reads the room's broadcast topic and fans
// frames out to the pool. Publishing goes through the stream backend so
// multi-process deployments share rooms via Redis.
type RoomRegistry struct {
	baseCtx     context.Context
	backend     StreamBackend
	idleTimeout time.Duration
	logger      zerolog.Logger

	mu    sync.Mutex
	rooms map[string]*roomState
}

type roomState struct {
	pool     *ConnectionPool
	stopRead context.CancelFunc
	ownsSub  bool
	sub      message.Subscriber
}

func NewRoomRegistry(ctx context.Context, backend StreamBackend, idleTimeout time.Duration, logger zerolog.Logger) *RoomRegistry {
	return &RoomRegistry{
		baseCtx:     ctx,
		backend:     backend,
		idleTimeout: idleTimeout,
		logger:      logger.With().Str("component", "rooms").Logger(),
		rooms:       map[string]*roomState{},
	}
}

// Join adds a connection to a room, creating the room and starting its
// forwarder on first join.
func (r *RoomRegistry) Join(roomID string, conn Conn) error {
	r.mu.Lock()
	state, ok := r.rooms[roomID]
	if !ok {
		var err error
		state, err = r.startRoomLocked(roomID)
		if err != nil {
			r.mu.Unlock()
			return err
		}
	}
	r.mu.Unlock()
	state.pool.Add(conn)
	return nil
}

// Leave removes a connection from a room. The room itself is torn down by the
// pool's idle timer once it has been empty for idleTimeout.
func (r *RoomRegistry) Leave(roomID string, conn Conn) {
	r.mu.Lock()
	state, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}
	state.pool.Remove(conn)
}

// Broadcast publishes a frame to the room topic; the forwarder delivers it to
// local connections (and, over Redis, to every other process's connections).
func (r *RoomRegistry) Broadcast(roomID string, data []byte) error {
	pub := r.backend.Publisher()
	if pub == nil {
		return errors.New("room registry: no publisher")
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	return errors.Wrapf(pub.Publish(topicForRoom(roomID), msg), "broadcast to %s", roomID)
}

// SendToOne writes directly to a single connection in a room, bypassing the
// broadcast topic (used for per-connection snapshots and error events).
func (r *RoomRegistry) SendToOne(roomID string, conn Conn, data []byte) {
	r.mu.Lock()
	state, ok := r.rooms[roomID]
	r.mu.Unlock()
	if !ok {
		return
	}
	state.pool.SendToOne(conn, data)
}

// Close stops every forwarder and closes every connection.
func (r *RoomRegistry) Close() {
	r.mu.Lock()
	rooms := r.rooms
	r.rooms = map[string]*roomState{}
	r.mu.Unlock()
	for _, state := range rooms {
		state.stopRead()
		state.pool.CloseAll()
		if state.ownsSub {
			_ = state.sub.Close()
		}
	}
}

func (r *RoomRegistry) startRoomLocked(roomID string) (*roomState, error) {
	sub, owned, err := r.backend.BuildSubscriber(r.baseCtx, roomID)
	if err != nil {
		return nil, errors.Wrapf(err, "build subscriber for room %s", roomID)
	}
	readCtx, readCancel := context.WithCancel(r.baseCtx)
	ch, err := sub.Subscribe(readCtx, topicForRoom(roomID))
	if err != nil {
		readCancel()
		if owned {
			_ = sub.Close()
		}
		return nil, errors.Wrapf(err, "subscribe room %s", roomID)
	}

	state := &roomState{stopRead: readCancel, ownsSub: owned, sub: sub}
	state.pool = NewConnectionPool(roomID, r.idleTimeout, func() { r.dropRoom(roomID, state) })
	r.rooms[roomID] = state

	r.logger.Debug().Str("room_id", roomID).Msg("starting room forwarder")
	go func() {
		for msg := range ch {
			state.pool.Broadcast(msg.Payload)
			msg.Ack()
		}
		r.logger.Debug().Str("room_id", roomID).Msg("room forwarder stopped")
	}()
	return state, nil
}

// dropRoom tears down an idle room. A connection may have joined between the
// idle callback firing and the lock being taken; the drop is skipped then.
func (r *RoomRegistry) dropRoom(roomID string, state *roomState) {
	r.mu.Lock()
	current, ok := r.rooms[roomID]
	if !ok || current != state || !state.pool.IsEmpty() {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, roomID)
	r.mu.Unlock()

	state.stopRead()
	if state.ownsSub {
		_ = state.sub.Close()
	}
	r.logger.Debug().Str("room_id", roomID).Msg("dropped idle room")
}
