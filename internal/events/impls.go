package events

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
)

// The actual implementation of the TopicPublisher interface that
// is handed to a caller who wants to publish events to a topic.
type topicPublisherImpl struct {
	emitterId string
	topic     string

	router EventRouter
}

func (tp *topicPublisherImpl) Publish(ctx context.Context, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return tp.router(ctx, Event{
		EventID:   uuid.NewString(),
		Topic:     tp.topic,
		EmittedAt: time.Now(),
		Emitter:   tp.emitterId,
		Payload:   payload,
	})
}

type subscription struct {
	topic      string // empty for every topic
	subscriber TopicSubscriber
}

// pubSubImpl validates topics, hands out publishers and keeps the
// subscriber registry used by the default in-process router.
type pubSubImpl struct {
	permittedTopics []string
	subscribers     *xsync.Map[string, subscription]

	router EventRouter
}

func (ps *pubSubImpl) GetPermittedTopics() ([]string, error) {
	return ps.permittedTopics, nil
}

func (ps *pubSubImpl) GetPublisher(emitterId, topic string) (TopicPublisher, error) {
	if !slices.Contains(ps.permittedTopics, topic) {
		return nil, ErrTopicNotPermitted
	}
	return &topicPublisherImpl{
		emitterId: emitterId,
		topic:     topic,
		router:    ps.router,
	}, nil
}

func (ps *pubSubImpl) Subscribe(topic string, subscriber TopicSubscriber) (Unsubscriber, error) {
	if !slices.Contains(ps.permittedTopics, topic) {
		return nil, ErrTopicNotPermitted
	}
	return ps.register(subscription{topic: topic, subscriber: subscriber}), nil
}

func (ps *pubSubImpl) SubscribeAll(subscriber TopicSubscriber) (Unsubscriber, error) {
	return ps.register(subscription{subscriber: subscriber}), nil
}

func (ps *pubSubImpl) register(sub subscription) Unsubscriber {
	id := uuid.NewString()
	ps.subscribers.Store(id, sub)
	return func() {
		ps.subscribers.Delete(id)
	}
}

// dispatch delivers synchronously so each subscriber observes events in
// publication order.
func (ps *pubSubImpl) dispatch(ctx context.Context, event Event) error {
	ps.subscribers.Range(func(_ string, sub subscription) bool {
		if sub.topic == "" || sub.topic == event.Topic {
			sub.subscriber.OnMessage(ctx, event)
		}
		return true
	})
	return nil
}
