// workers/queue.go
package workers

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	natsgo "github.com/nats-io/nats.go"

	"game-library-sync/config"
	"game-library-sync/models"
)

const ResultTopic = "library.sync.results"

// TaskTopic is the per-platform topic sync tasks are published on. One
// handler per topic bounds per-platform concurrency.
func TaskTopic(p models.Platform) string {
	return "library.sync.tasks." + string(p)
}

// Queue is the publisher/subscriber pair behind the sync task queue.
type Queue struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	shared bool // both sides are the same gochannel
}

// NewQueue builds an in-process gochannel queue or a NATS one, per cfg.Backend.
func NewQueue(cfg config.QueueConfig, logger watermill.LoggerAdapter) (*Queue, error) {
	switch cfg.Backend {
	case "", "memory":
		ch := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, logger)
		return &Queue{Publisher: ch, Subscriber: ch, shared: true}, nil
	case "nats":
		return newNATSQueue(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}

func newNATSQueue(cfg config.QueueConfig, logger watermill.LoggerAdapter) (*Queue, error) {
	opts := []natsgo.Option{
		natsgo.Name("game-library-sync"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{"url": nc.ConnectedUrl()})
		}),
	}

	// Core NATS with queue groups; lost deliveries are recovered by the sweeper.
	jetStream := wmNats.JetStreamConfig{Disabled: true}

	pub, err := wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         cfg.NATSURL,
		NatsOptions: opts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream:   jetStream,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create nats publisher: %w", err)
	}

	sub, err := wmNats.NewSubscriber(wmNats.SubscriberConfig{
		URL:              cfg.NATSURL,
		QueueGroupPrefix: cfg.QueueGroup,
		SubscribersCount: cfg.SubscribersCount,
		CloseTimeout:     cfg.CloseTimeout,
		AckWaitTimeout:   cfg.CloseTimeout,
		NatsOptions:      opts,
		Unmarshaler:      &wmNats.NATSMarshaler{},
		JetStream:        jetStream,
	}, logger)
	if err != nil {
		_ = pub.Close()
		return nil, fmt.Errorf("create nats subscriber: %w", err)
	}
	return &Queue{Publisher: pub, Subscriber: sub}, nil
}

func (q *Queue) Close() error {
	if q.shared {
		return q.Publisher.Close()
	}
	return errors.Join(q.Publisher.Close(), q.Subscriber.Close())
}
