package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Bus publishes session notifications and runs consumers over them.
type Bus struct {
	settings   Settings
	logger     watermill.LoggerAdapter
	publisher  message.Publisher
	subscriber message.Subscriber
	client     *redis.Client
	router     *message.Router
}

// Build returns a Bus backed by Redis Streams when settings.Enabled is set
// and by an in-memory gochannel otherwise.
func Build(s Settings) (*Bus, error) {
	logger := NewWatermillLogger(log.Logger)
	router, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build watermill router")
	}
	b := &Bus{settings: s, logger: logger, router: router}

	if !s.Enabled {
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, logger)
		b.publisher = ch
		b.subscriber = ch
		return b, nil
	}

	b.client = redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     b.client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = b.client.Close()
		return nil, errors.Wrap(err, "build redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = b.client.Close()
		return nil, errors.Wrap(err, "build redis subscriber")
	}
	b.publisher = pub
	b.subscriber = sub
	return b, nil
}

// Publish sends one notification on Topic.
func (b *Bus) Publish(_ context.Context, n Notification) error {
	if b == nil || b.publisher == nil {
		return errors.New("notification bus is not initialized")
	}
	payload, err := n.Marshal()
	if err != nil {
		return errors.Wrap(err, "marshal notification")
	}
	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set("type", string(n.Type))
	msg.Metadata.Set("session_id", n.SessionID)
	return b.publisher.Publish(Topic, msg)
}

// AddConsumer registers a handler for every notification. Decode failures
// are logged and acked so a bad payload never blocks the stream.
func (b *Bus) AddConsumer(name string, handle func(Notification) error) {
	b.router.AddNoPublisherHandler(name, Topic, b.subscriber, func(msg *message.Message) error {
		n, err := UnmarshalNotification(msg.Payload)
		if err != nil {
			log.Warn().Err(err).Str("component", "bus").Str("handler", name).Msg("failed to decode notification")
			return nil
		}
		return handle(n)
	})
}

// Run blocks until ctx is cancelled or the router stops.
func (b *Bus) Run(ctx context.Context) error {
	if b.settings.Enabled {
		if err := EnsureGroupAtTail(ctx, b.client, Topic, b.settings.Group); err != nil {
			return err
		}
	}
	return b.router.Run(ctx)
}

// Running is closed once consumers are subscribed.
func (b *Bus) Running() chan struct{} { return b.router.Running() }

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var errs []string
	if b.router != nil {
		if err := b.router.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.publisher != nil {
		if err := b.publisher.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.subscriber != nil && b.settings.Enabled {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return errors.Errorf("close notification bus: %s", strings.Join(errs, "; "))
	}
	return nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, so a fresh consumer does not replay history.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP: group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create redis consumer group")
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// LogConsumer writes every notification to the global logger.
func LogConsumer(n Notification) error {
	ev := log.Info()
	if n.Error != "" {
		ev = log.Warn().Str("error", n.Error)
	}
	ev.Str("component", "bus").
		Str("type", string(n.Type)).
		Str("session_id", n.SessionID).
		Str("role", n.Role).
		Str("cause", n.Cause).
		Int("content_len", len(n.Content)).
		Msg("session notification")
	return nil
}
