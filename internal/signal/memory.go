package signal

import (
	"context"
	"sync"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/rpc"
)

// MemoryTransport delivers envelopes between endpoints of one process.
type MemoryTransport struct {
	mu   sync.Mutex
	subs map[core.EndpointID]*memorySubscription
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{subs: make(map[core.EndpointID]*memorySubscription)}
}

func (t *MemoryTransport) Publish(_ context.Context, to, from core.EndpointID, msg rpc.Rpc) error {
	payload, err := encodeEnvelope(from, msg)
	if err != nil {
		return err
	}
	env, err := decodeEnvelope(payload)
	if err != nil {
		return err
	}

	t.mu.Lock()
	sub, ok := t.subs[to]
	t.mu.Unlock()
	if !ok {
		// Nobody listens on the endpoint, same as a pub/sub broker.
		return nil
	}
	sub.deliver(env)

	return nil
}

func (t *MemoryTransport) Subscribe(_ context.Context, endpoint core.EndpointID) (Subscription, error) {
	sub := &memorySubscription{
		transport: t,
		endpoint:  endpoint,
		out:       make(chan Envelope, 256),
	}

	t.mu.Lock()
	if old, ok := t.subs[endpoint]; ok {
		old.closeLocked()
	}
	t.subs[endpoint] = sub
	t.mu.Unlock()

	return sub, nil
}

type memorySubscription struct {
	transport *MemoryTransport
	endpoint  core.EndpointID

	mu     sync.Mutex
	out    chan Envelope
	closed bool
}

func (s *memorySubscription) deliver(env Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.out <- env
}

func (s *memorySubscription) Channel() <-chan Envelope {
	return s.out
}

func (s *memorySubscription) Close() error {
	s.transport.mu.Lock()
	defer s.transport.mu.Unlock()

	if s.transport.subs[s.endpoint] == s {
		delete(s.transport.subs, s.endpoint)
	}
	s.closeLocked()

	return nil
}

func (s *memorySubscription) closeLocked() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.out)
	}
}
