package server

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/paysplit/paysplit/internal/billing"
)

// Dispatcher fans bill snapshots out to the websocket streams of each
// participant. It implements billsvc.BillPublisher.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[uuid.UUID]*subscriber
	bufferSize  int
}

type subscriber struct {
	id     uuid.UUID
	stream chan billing.BillPayload
}

// NewDispatcher constructs an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[uuid.UUID]*subscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream of bill updates for the username. The stream
// closes with the context; the returned cleanup is idempotent.
func (d *Dispatcher) Subscribe(ctx context.Context, username string) (<-chan billing.BillPayload, func()) {
	if username == "" {
		ch := make(chan billing.BillPayload)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     uuid.New(),
		stream: make(chan billing.BillPayload, d.bufferSize),
	}
	d.register(username, sub)
	cleanup := func() {
		d.unregister(username, sub.id)
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// PublishBill delivers the payload to every live stream of each named user.
// Slow consumers drop updates rather than block the caller; the client
// reconciles on its next snapshot fetch.
func (d *Dispatcher) PublishBill(usernames []string, payload billing.BillPayload) {
	for _, username := range usernames {
		d.mu.RLock()
		subscribers := d.subscribers[username]
		if len(subscribers) == 0 {
			d.mu.RUnlock()
			continue
		}
		copies := make([]*subscriber, 0, len(subscribers))
		for _, sub := range subscribers {
			copies = append(copies, sub)
		}
		d.mu.RUnlock()
		for _, sub := range copies {
			select {
			case sub.stream <- payload:
			default:
			}
		}
	}
}

func (d *Dispatcher) register(username string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[username]; !ok {
		d.subscribers[username] = make(map[uuid.UUID]*subscriber)
	}
	d.subscribers[username][sub.id] = sub
}

func (d *Dispatcher) unregister(username string, id uuid.UUID) {
	d.mu.Lock()
	subscribers := d.subscribers[username]
	if subscribers != nil {
		delete(subscribers, id)
		if len(subscribers) == 0 {
			delete(d.subscribers, username)
		}
	}
	d.mu.Unlock()
}
