// Package broadcast fans out session-room updates and namespace events to
// in-process subscribers.
package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"github.com/g960059/agthub/internal/api"
)

const DefaultBuffer = 256

// Relay forwards namespace events to other hub processes.
type Relay interface {
	Publish(ctx context.Context, ev api.SyncEvent) error
}

// Subscription is a buffered feed. Publishing never blocks on it: a full
// buffer drops the value for this subscriber only.
type Subscription[T any] struct {
	C      <-chan T
	ch     chan T
	once   sync.Once
	cancel func()
}

// Close unregisters the subscription and closes C.
func (s *Subscription[T]) Close() {
	s.once.Do(s.cancel)
}

type topic[T any] struct {
	subs map[*Subscription[T]]struct{}
}

// Hub owns every room and namespace subscription of this process.
type Hub struct {
	buffer int
	now    func() time.Time

	mu         sync.Mutex
	rooms      map[string]*topic[api.Update]
	namespaces map[string]*topic[api.SyncEvent]
	roomClock  map[string]int64
	relay      Relay

	dropped atomic.Int64
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Hub{
		buffer:     buffer,
		now:        time.Now,
		rooms:      map[string]*topic[api.Update]{},
		namespaces: map[string]*topic[api.SyncEvent]{},
		roomClock:  map[string]int64{},
	}
}

func (h *Hub) SetRelay(relay Relay) {
	h.mu.Lock()
	h.relay = relay
	h.mu.Unlock()
}

// Dropped reports how many deliveries were skipped on full buffers.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// SubscribeRoom joins the room of one session.
func (h *Hub) SubscribeRoom(sessionID string) *Subscription[api.Update] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return subscribe(&h.mu, h.rooms, sessionID, h.buffer)
}

// SubscribeNamespace receives list-level events of one namespace.
func (h *Hub) SubscribeNamespace(namespace string) *Subscription[api.SyncEvent] {
	h.mu.Lock()
	defer h.mu.Unlock()
	return subscribe(&h.mu, h.namespaces, namespace, h.buffer)
}

func subscribe[T any](mu *sync.Mutex, topics map[string]*topic[T], name string, buffer int) *Subscription[T] {
	t, ok := topics[name]
	if !ok {
		t = &topic[T]{subs: map[*Subscription[T]]struct{}{}}
		topics[name] = t
	}
	ch := make(chan T, buffer)
	sub := &Subscription[T]{C: ch, ch: ch}
	sub.cancel = func() {
		mu.Lock()
		defer mu.Unlock()
		if _, ok := t.subs[sub]; !ok {
			return
		}
		delete(t.subs, sub)
		close(sub.ch)
		if len(t.subs) == 0 && topics[name] == t {
			delete(topics, name)
		}
	}
	t.subs[sub] = struct{}{}
	return sub
}

// PublishRoom wraps body in an update envelope and delivers it to the
// session room. A new-message envelope carries the message seq, so a
// client can resume with the last seq it saw. Other bodies get a
// millisecond clock that never goes backwards within a room.
func (h *Hub) PublishRoom(ctx context.Context, sessionID string, body any) api.Update {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()
	update := api.Update{
		ID:        uuid.NewString(),
		Seq:       h.envelopeSeq(sessionID, body, now),
		CreatedAt: now.UnixMilli(),
		Body:      body,
	}
	if t, ok := h.rooms[sessionID]; ok {
		h.fanout(ctx, "update", deliverAll(t, update))
	}
	return update
}

func (h *Hub) envelopeSeq(sessionID string, body any, now time.Time) int64 {
	switch b := body.(type) {
	case api.NewMessageBody:
		return b.Message.Seq
	case *api.NewMessageBody:
		return b.Message.Seq
	}
	seq := now.UnixMilli()
	if last := h.roomClock[sessionID]; seq <= last {
		seq = last + 1
	}
	h.roomClock[sessionID] = seq
	return seq
}

// PublishNamespace delivers ev locally and hands it to the relay, if any.
func (h *Hub) PublishNamespace(ctx context.Context, ev api.SyncEvent) {
	relay := h.Deliver(ctx, ev)
	if relay == nil {
		return
	}
	if err := relay.Publish(ctx, ev); err != nil {
		log.Error(ctx, err, log.KV{K: "msg", V: "relay publish failed"}, log.KV{K: "event", V: ev.Type})
	}
}

// Deliver fans ev out to local subscribers only. It returns the relay in
// effect so PublishNamespace can forward outside the lock.
func (h *Hub) Deliver(ctx context.Context, ev api.SyncEvent) Relay {
	h.mu.Lock()
	defer h.mu.Unlock()
	if t, ok := h.namespaces[ev.Namespace]; ok {
		h.fanout(ctx, ev.Type, deliverAll(t, ev))
	}
	return h.relay
}

// ForgetRoom drops the room clock of a deleted session.
func (h *Hub) ForgetRoom(sessionID string) {
	h.mu.Lock()
	delete(h.roomClock, sessionID)
	h.mu.Unlock()
}

func (h *Hub) fanout(ctx context.Context, event string, dropped int) {
	if dropped == 0 {
		return
	}
	h.dropped.Add(int64(dropped))
	log.Debug(ctx, log.KV{K: "msg", V: "subscriber buffer full"}, log.KV{K: "event", V: event}, log.KV{K: "dropped", V: dropped})
}

func deliverAll[T any](t *topic[T], value T) int {
	dropped := 0
	for sub := range t.subs {
		select {
		case sub.ch <- value:
		default:
			dropped++
		}
	}
	return dropped
}
