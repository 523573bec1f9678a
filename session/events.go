package session

import (
	"context"
	"sync"
	"time"

	"github.com/emunet-dev/emunetd/internal/logging"
	"github.com/emunet-dev/emunetd/model"
)

// EventType partitions the event stream into the message categories the
// control protocol exposes.
type EventType int

const (
	EventSession EventType = iota
	EventNode
	EventLink
	EventConfig
	EventException
	EventFile
)

var eventTypeNames = map[EventType]string{
	EventSession:   "session",
	EventNode:      "node",
	EventLink:      "link",
	EventConfig:    "config",
	EventException: "exception",
	EventFile:      "file",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

// ExceptionLevel grades exception events.
type ExceptionLevel int

const (
	LevelError ExceptionLevel = iota
	LevelWarning
)

func (l ExceptionLevel) String() string {
	if l == LevelWarning {
		return "warning"
	}
	return "error"
}

// Event is the tagged union broadcast to session subscribers. Exactly the
// fields relevant to Type are populated.
type Event struct {
	Type      EventType      `json:"type"`
	SessionID int            `json:"session_id"`
	Time      time.Time      `json:"time"`
	State     State          `json:"state,omitempty"`
	// Complete marks the session event closing the instantiation commit
	// pipeline, after every node and link realization was attempted.
	Complete bool `json:"complete,omitempty"`
	Node      *model.Node    `json:"node,omitempty"`
	Link      *model.Link    `json:"link,omitempty"`
	Deleted   bool           `json:"deleted,omitempty"`
	Source    string         `json:"source,omitempty"`
	Level     ExceptionLevel `json:"level,omitempty"`
	NodeID    int            `json:"node_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	FileName  string         `json:"file_name,omitempty"`
}

const subscriberBuffer = 64

// Broker fans events out to any number of subscribers. Publishing never
// blocks a mutator: a subscriber that falls behind its buffer loses events
// rather than stalling the session.
type Broker struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan Event
	log    logging.Logger
}

func NewBroker(log logging.Logger) *Broker {
	if log == nil {
		log = logging.Noop()
	}
	return &Broker{subs: make(map[int]chan Event), log: log}
}

// Subscribe registers a new event channel and returns its id for later
// removal. The channel is closed on Unsubscribe.
func (b *Broker) Subscribe() (int, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	ch := make(chan Event, subscriberBuffer)
	b.subs[b.nextID] = ch
	return b.nextID, ch
}

func (b *Broker) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// SubscriberCount reports the number of active subscribers.
func (b *Broker) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish delivers the event to every subscriber without blocking.
func (b *Broker) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.log.Warn(context.Background(), "event dropped for slow subscriber",
				logging.Int("subscriber", id),
				logging.String("event_type", ev.Type.String()))
		}
	}
}
