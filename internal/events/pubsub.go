package events

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

var (
	ErrTopicNotPermitted = errors.New("topic not permitted")
)

// Signal identities produced by a project. Payload fields per topic:
//
//	directoryCreated, fileOpened, fileWritten, pathDeleted: Path
//	pathMoved: OldPath, NewPath
//	attached, detached, timeConflict, connectionFailed: none
const (
	TopicAttached         = "attached"
	TopicDetached         = "detached"
	TopicTimeConflict     = "timeConflict"
	TopicConnectionFailed = "connectionFailed"
	TopicDirectoryCreated = "directoryCreated"
	TopicFileOpened       = "fileOpened"
	TopicFileWritten      = "fileWritten"
	TopicPathMoved        = "pathMoved"
	TopicPathDeleted      = "pathDeleted"
)

// ProjectTopics lists every topic a project publishes.
var ProjectTopics = []string{
	TopicAttached,
	TopicDetached,
	TopicTimeConflict,
	TopicConnectionFailed,
	TopicDirectoryCreated,
	TopicFileOpened,
	TopicFileWritten,
	TopicPathMoved,
	TopicPathDeleted,
}

type Event struct {
	EventID   string    `json:"eventId"`
	Topic     string    `json:"topic"`
	EmittedAt time.Time `json:"emittedAt"`
	Emitter   string    `json:"emitter"`
	Payload
}

type Payload struct {
	Path    string `json:"path,omitempty"`
	OldPath string `json:"oldPath,omitempty"`
	NewPath string `json:"newPath,omitempty"`
}

type TopicPublisher interface {
	// Publish is handed a context that should be respected by the EventRouter provider
	// such that if the context is cancelled the event should not be published
	Publish(ctx context.Context, payload Payload) error
}

// TopicSubscriber is the interface that is used to receive events from a topic.
// When returned from the PubSub.Subscribe method it is the responsibility of the
// caller to call the Unsubscriber function to unsubscribe from the topic.
type TopicSubscriber interface {
	OnMessage(ctx context.Context, event Event)
}

// SubscriberFunc adapts a plain function to TopicSubscriber.
type SubscriberFunc func(ctx context.Context, event Event)

func (f SubscriberFunc) OnMessage(ctx context.Context, event Event) {
	f(ctx, event)
}

// Call to unsubscribe from a topic
type Unsubscriber func()

// The actual function that fulfills the event publishing logic
// that is handed to the pubsub implementation so the underlying
// transport can be swapped out for something else. When nil, events
// are delivered in-process to the pubsub's own subscribers.
type EventRouter func(ctx context.Context, event Event) error

type PubSub interface {
	GetPermittedTopics() ([]string, error)
	GetPublisher(emitterId, topic string) (TopicPublisher, error)
	Subscribe(topic string, subscriber TopicSubscriber) (Unsubscriber, error)
	SubscribeAll(subscriber TopicSubscriber) (Unsubscriber, error)
}

type Config struct {
	Router EventRouter
	Topics []string
}

func NewPubSub(config Config) PubSub {
	if config.Topics == nil {
		config.Topics = ProjectTopics
	}
	ps := &pubSubImpl{
		permittedTopics: config.Topics,
		subscribers:     xsync.NewMap[string, subscription](),
	}
	ps.router = config.Router
	if ps.router == nil {
		ps.router = ps.dispatch
	}
	return ps
}
