// Package eventbus is the topic-addressed publish/subscribe fabric of spec
// §4.6. It generalizes the connection-bound Hub/Client pattern the teacher
// used for its WebSocket server (pkg/api previously) into a
// transport-agnostic bus: the matching engine and the simulator publish
// here without knowing who, if anyone, is listening, and pkg/api's
// WebSocket layer is just one subscriber implementation among possible
// others.
package eventbus

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Event is one published message. Seq is per-topic and monotonic, letting
// a subscriber detect gaps caused by a drop.
type Event struct {
	Topic   string
	Payload any
	Seq     int64
}

type Subscriber struct {
	ID    string
	ch    chan Event
	bus   *Bus
	topic string
}

// C is the channel a subscriber drains. Closed when the subscriber is
// dropped or explicitly unsubscribed.
func (s *Subscriber) C() <-chan Event { return s.ch }

func (s *Subscriber) Unsubscribe() { s.bus.unsubscribe(s.topic, s) }

type topicState struct {
	mu   sync.Mutex
	seq  int64
	subs map[*Subscriber]bool
}

type Bus struct {
	log        *zap.SugaredLogger
	queueLimit int

	mu     sync.Mutex
	topics map[string]*topicState

	dropped atomic.Int64
}

func New(log *zap.SugaredLogger, queueLimit int) *Bus {
	if queueLimit <= 0 {
		queueLimit = 256
	}
	return &Bus{log: log, queueLimit: queueLimit, topics: make(map[string]*topicState)}
}

func (b *Bus) stateFor(topic string) *topicState {
	b.mu.Lock()
	defer b.mu.Unlock()
	ts, ok := b.topics[topic]
	if !ok {
		ts = &topicState{subs: make(map[*Subscriber]bool)}
		b.topics[topic] = ts
	}
	return ts
}

// Subscribe registers a new subscriber to topic. Messages published before
// this call are never delivered (spec §4.6: "a subscriber receives events
// published after its subscription").
func (b *Bus) Subscribe(id, topic string) *Subscriber {
	ts := b.stateFor(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	sub := &Subscriber{ID: id, ch: make(chan Event, b.queueLimit), bus: b, topic: topic}
	ts.subs[sub] = true
	return sub
}

// SubscribeWithSnapshot registers a subscriber and enqueues snapshot()
// before any subsequent Publish can be observed on this topic — the
// ordering guarantee book.<pair> needs (spec §4.6: "a subscriber joining
// mid-stream is sent a full snapshot before any subsequent delta"). The
// topic's publish lock is held across the snapshot call, so a concurrent
// Publish on the same topic blocks until the new subscriber is registered.
func (b *Bus) SubscribeWithSnapshot(id, topic string, snapshot func() any) *Subscriber {
	ts := b.stateFor(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	sub := &Subscriber{ID: id, ch: make(chan Event, b.queueLimit), bus: b, topic: topic}
	ts.seq++
	sub.ch <- Event{Topic: topic, Payload: snapshot(), Seq: ts.seq}
	ts.subs[sub] = true
	return sub
}

func (b *Bus) unsubscribe(topic string, sub *Subscriber) {
	ts := b.stateFor(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.subs[sub] {
		delete(ts.subs, sub)
		close(sub.ch)
	}
}

// Publish delivers payload to every current subscriber of topic,
// non-blocking per subscriber. A subscriber whose queue is already full —
// at least queueLimit outstanding messages — is dropped and logged rather
// than allowed to stall publication (spec §4.6, §5: "event publication is
// non-blocking with respect to matching").
func (b *Bus) Publish(topic string, payload any) {
	ts := b.stateFor(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	ts.seq++
	ev := Event{Topic: topic, Payload: payload, Seq: ts.seq}
	for sub := range ts.subs {
		select {
		case sub.ch <- ev:
		default:
			delete(ts.subs, sub)
			close(sub.ch)
			b.dropped.Add(1)
			if b.log != nil {
				b.log.Warnw("eventbus_subscriber_dropped", "topic", topic, "subscriber", sub.ID)
			}
		}
	}
}

// DroppedCount reports how many subscribers have been dropped for
// exceeding their outstanding-message threshold, process lifetime total.
func (b *Bus) DroppedCount() int64 { return b.dropped.Load() }
