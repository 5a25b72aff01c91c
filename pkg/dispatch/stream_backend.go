package dispatch

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/hoverdesk/hoverdesk/pkg/redisstream"
)

// topicForRoom computes the broadcast topic for a room.
func topicForRoom(roomID string) string { return "room:" + roomID }

// StreamBackend wraps transport setup concerns (in-memory or redis) and
// exposes publisher/subscriber construction for room broadcast streams.
type StreamBackend interface {
	Publisher() message.Publisher
	// BuildSubscriber returns a subscriber for one room's topic. The bool is
	// true when the subscriber is owned by the caller and must be closed when
	// the room forwarder stops.
	BuildSubscriber(ctx context.Context, roomID string) (message.Subscriber, bool, error)
	Close() error
}

type goChannelBackend struct {
	pubsub *gochannel.GoChannel
}

// NewGoChannelBackend builds the in-memory transport used when Redis is
// disabled. All rooms share one pub/sub.
func NewGoChannelBackend() StreamBackend {
	return &goChannelBackend{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 256,
		}, redisstream.NewWatermillLogger(log.Logger)),
	}
}

func (b *goChannelBackend) Publisher() message.Publisher {
	if b == nil {
		return nil
	}
	return b.pubsub
}

func (b *goChannelBackend) BuildSubscriber(_ context.Context, roomID string) (message.Subscriber, bool, error) {
	if b == nil || b.pubsub == nil {
		return nil, false, errors.New("stream backend is not initialized")
	}
	if roomID == "" {
		return nil, false, errors.New("roomID is empty")
	}
	return b.pubsub, false, nil
}

func (b *goChannelBackend) Close() error {
	if b == nil || b.pubsub == nil {
		return nil
	}
	return b.pubsub.Close()
}

type redisBackend struct {
	settings  redisstream.Settings
	publisher message.Publisher
}

// NewRedisBackend builds the Redis Streams transport so room broadcasts fan
// out across dispatcher processes.
func NewRedisBackend(settings redisstream.Settings) (StreamBackend, error) {
	pub, err := redisstream.BuildPublisher(settings)
	if err != nil {
		return nil, errors.Wrap(err, "build redis publisher")
	}
	return &redisBackend{settings: settings, publisher: pub}, nil
}

func (b *redisBackend) Publisher() message.Publisher {
	if b == nil {
		return nil
	}
	return b.publisher
}

func (b *redisBackend) BuildSubscriber(ctx context.Context, roomID string) (message.Subscriber, bool, error) {
	if b == nil {
		return nil, false, errors.New("stream backend is not initialized")
	}
	if roomID == "" {
		return nil, false, errors.New("roomID is empty")
	}
	if ctx == nil {
		return nil, false, errors.New("ctx is nil")
	}
	_ = redisstream.EnsureGroupAtTail(ctx, b.settings.Addr, topicForRoom(roomID), b.settings.Group)
	sub, err := redisstream.BuildGroupSubscriber(b.settings.Addr, b.settings.Group, b.settings.Consumer+":"+roomID)
	if err != nil {
		return nil, false, err
	}
	return sub, true, nil
}

func (b *redisBackend) Close() error {
	if b == nil || b.publisher == nil {
		return nil
	}
	return b.publisher.Close()
}

// NewStreamBackend picks the transport from settings.
func NewStreamBackend(settings redisstream.Settings) (StreamBackend, error) {
	if settings.Enabled {
		return NewRedisBackend(settings)
	}
	return NewGoChannelBackend(), nil
}
