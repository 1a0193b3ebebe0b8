// Package mediatest provides an in-process media library and capturer for tests.
package mediatest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
)

var (
	ErrUnreachable = errors.New("mediatest: endpoint unreachable")
	ErrDestroyed   = errors.New("mediatest: library destroyed")
)

// Network connects the libraries created from it.
type Network struct {
	mu        sync.Mutex
	endpoints map[core.EndpointID]*Library
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[core.EndpointID]*Library)}
}

// NewLibrary returns a library whose endpoint will be id once created.
func (n *Network) NewLibrary(id core.EndpointID) *Library {
	return &Library{net: n, id: id}
}

func (n *Network) lookup(id core.EndpointID) (*Library, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()

	l, ok := n.endpoints[id]
	return l, ok
}

type Library struct {
	net *Network
	id  core.EndpointID

	mu        sync.Mutex
	created   bool
	destroyed bool
	incoming  func(media.Call)
	calls     []*Call

	// CreateErr fails CreateEndpoint.
	CreateErr error
	// CallErr fails every outgoing call.
	CallErr error
	// Gate, when set, holds outgoing calls until it is closed. Like a real
	// signaling round trip it does not observe the context.
	Gate chan struct{}
	// Manual stops the callee side from answering through the network; tests
	// drive streams with EmitStream instead.
	Manual bool
}

func (l *Library) CreateEndpoint(ctx context.Context) (core.EndpointID, error) {
	if l.CreateErr != nil {
		return "", l.CreateErr
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	l.created = true
	l.mu.Unlock()

	l.net.mu.Lock()
	l.net.endpoints[l.id] = l
	l.net.mu.Unlock()

	return l.id, nil
}

func (l *Library) Call(ctx context.Context, target core.EndpointID, src *media.LocalSource, meta core.CallMetadata) (media.Call, error) {
	if l.Gate != nil {
		<-l.Gate
	}
	if l.CallErr != nil {
		return nil, l.CallErr
	}

	l.mu.Lock()
	destroyed := l.destroyed
	l.mu.Unlock()
	if destroyed {
		return nil, ErrDestroyed
	}

	callee, ok := l.net.lookup(target)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, target)
	}

	id := uuid.NewString()
	out := newCall(id, target, meta, true)
	out.outbound = src.Video()
	l.track(out)

	in := newCall(id, l.id, meta, false)
	in.remote = out
	in.manual = callee.Manual || l.Manual
	out.remote = in

	if !callee.deliver(in) {
		out.EmitClose()
		return nil, fmt.Errorf("%w: %s", ErrUnreachable, target)
	}

	return out, nil
}

func (l *Library) deliver(c *Call) bool {
	l.mu.Lock()
	if l.destroyed || !l.created {
		l.mu.Unlock()
		return false
	}
	handler := l.incoming
	l.calls = append(l.calls, c)
	l.mu.Unlock()

	if handler == nil {
		// Nobody is listening, the far side hangs up.
		go c.Close()
		return true
	}
	handler(c)

	return true
}

func (l *Library) track(c *Call) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls = append(l.calls, c)
}

func (l *Library) OnIncomingCall(fn func(media.Call)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.incoming = fn
}

func (l *Library) Destroy() error {
	l.mu.Lock()
	l.destroyed = true
	calls := append([]*Call(nil), l.calls...)
	l.mu.Unlock()

	l.net.mu.Lock()
	if l.net.endpoints[l.id] == l {
		delete(l.net.endpoints, l.id)
	}
	l.net.mu.Unlock()

	for _, c := range calls {
		c.Close()
	}

	return nil
}

func (l *Library) Destroyed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.destroyed
}

// Calls returns every call this library originated or received.
func (l *Library) Calls() []*Call {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]*Call(nil), l.calls...)
}

// OpenCalls returns the calls that are not closed yet.
func (l *Library) OpenCalls() []*Call {
	open := make([]*Call, 0)
	for _, c := range l.Calls() {
		if !c.Closed() {
			open = append(open, c)
		}
	}
	return open
}
