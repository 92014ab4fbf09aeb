// Package changefeed carries "something changed under this topic" signals from
// writers to live subscriptions. Subscribers re-read state on each signal, so
// notifications coalesce: a subscriber with one pending signal does not queue
// another.
package changefeed

import (
	"context"
	"errors"
	"sync"
	"time"
)

const (
	Created = "created"
	Updated = "updated"
	Deleted = "deleted"
)

// Change describes one write under Topic.
type Change struct {
	Type         string    `json:"type"`
	Topic        string    `json:"topic"`
	ResourceType string    `json:"resourceType"`
	ResourceID   string    `json:"resourceId,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Subscription delivers changes for one topic until closed.
type Subscription interface {
	C() <-chan Change
	Close()
}

type Bus interface {
	Publish(ctx context.Context, ch Change) error
	Subscribe(ctx context.Context, topic string) (Subscription, error)
	Ping(ctx context.Context) error
	Close() error
}

var ErrClosed = errors.New("changefeed closed")

// LocalBus fans changes out within one process.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSub]struct{}
	closed bool
}

func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*localSub]struct{})}
}

type localSub struct {
	bus   *LocalBus
	topic string
	ch    chan Change
	once  sync.Once
}

func (s *localSub) C() <-chan Change { return s.ch }

func (s *localSub) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.ch)
	})
}

func (b *LocalBus) Publish(_ context.Context, ch Change) error {
	if ch.Timestamp.IsZero() {
		ch.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for s := range b.subs[ch.Topic] {
		offer(s.ch, ch)
	}
	return nil
}

// offer delivers ch unless a signal is already pending.
func offer(dst chan Change, ch Change) {
	select {
	case dst <- ch:
	default:
	}
}

// Subscribe registers for topic. The subscription closes itself when ctx ends.
func (b *LocalBus) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	s := &localSub{bus: b, topic: topic, ch: make(chan Change, 1)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*localSub]struct{})
	}
	b.subs[topic][s] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.Close()
	}()
	return s, nil
}

func (b *LocalBus) remove(s *localSub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.topic]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.topic)
		}
	}
}

// SubscriberCount returns the number of open subscriptions on topic.
func (b *LocalBus) SubscriberCount(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

func (b *LocalBus) Ping(context.Context) error { return nil }

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	return nil
}
