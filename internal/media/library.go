package media

import (
	"context"
	"sync"

	"github.com/isqad/livelook-meet/internal/core"
)

// Library places, answers and closes media calls between endpoints.
type Library interface {
	// CreateEndpoint brings the local endpoint up and returns its address.
	CreateEndpoint(ctx context.Context) (core.EndpointID, error)
	// Call originates a call to target. It returns once the call is placed;
	// the remote stream arrives later through Call.OnRemoteStream.
	Call(ctx context.Context, target core.EndpointID, src *LocalSource, meta core.CallMetadata) (Call, error)
	OnIncomingCall(fn func(Call))
	Destroy() error
}

type Call interface {
	ID() string
	Peer() core.EndpointID
	Metadata() core.CallMetadata
	Answer(ctx context.Context, src *LocalSource) error
	OnRemoteStream(fn func(*RemoteStream))
	OnClose(fn func())
	ReplaceOutboundVideo(t *Track) error
	Close() error
}

// CallEvents buffers the stream and close notifications of a call until
// handlers are registered. Each notification fires at most once.
type CallEvents struct {
	mu       sync.Mutex
	onStream func(*RemoteStream)
	onClose  func()
	stream   *RemoteStream
	closed   bool
}

func (e *CallEvents) OnRemoteStream(fn func(*RemoteStream)) {
	e.mu.Lock()
	e.onStream = fn
	stream := e.stream
	closed := e.closed
	e.mu.Unlock()

	if stream != nil && !closed {
		fn(stream)
	}
}

func (e *CallEvents) OnClose(fn func()) {
	e.mu.Lock()
	e.onClose = fn
	closed := e.closed
	e.mu.Unlock()

	if closed {
		fn()
	}
}

// EmitStream reports the remote stream. It returns false when a stream was already reported or the call is closed.
func (e *CallEvents) EmitStream(s *RemoteStream) bool {
	e.mu.Lock()
	if e.stream != nil || e.closed {
		e.mu.Unlock()
		return false
	}
	e.stream = s
	fn := e.onStream
	e.mu.Unlock()

	if fn != nil {
		fn(s)
	}
	return true
}

// EmitClose reports the end of the call. It returns false when already closed.
func (e *CallEvents) EmitClose() bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.closed = true
	fn := e.onClose
	e.mu.Unlock()

	if fn != nil {
		fn()
	}
	return true
}

func (e *CallEvents) Stream() *RemoteStream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

func (e *CallEvents) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
