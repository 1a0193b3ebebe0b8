package mediatest

import (
	"context"
	"errors"
	"sync"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
)

var ErrClosed = errors.New("mediatest: call closed")

// Call is one side of an in-process call.
type Call struct {
	media.CallEvents

	id         string
	peer       core.EndpointID
	meta       core.CallMetadata
	originated bool
	manual     bool
	remote     *Call

	mu       sync.Mutex
	answered bool
	outbound *media.Track
	replaced []*media.Track
}

func newCall(id string, peer core.EndpointID, meta core.CallMetadata, originated bool) *Call {
	return &Call{id: id, peer: peer, meta: meta, originated: originated}
}

func (c *Call) ID() string {
	return c.id
}

func (c *Call) Peer() core.EndpointID {
	return c.peer
}

func (c *Call) Metadata() core.CallMetadata {
	return c.meta
}

func (c *Call) Originated() bool {
	return c.originated
}

// Answer accepts an inbound call; both sides then receive each other's stream.
func (c *Call) Answer(ctx context.Context, src *media.LocalSource) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.Closed() {
		return ErrClosed
	}

	c.mu.Lock()
	c.answered = true
	c.outbound = src.Video()
	c.mu.Unlock()

	if c.manual || c.remote == nil {
		return nil
	}

	c.remote.EmitStream(media.NewRemoteStream(string(c.remote.peer)))
	c.EmitStream(media.NewRemoteStream(string(c.peer)))

	return nil
}

func (c *Call) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.answered
}

func (c *Call) ReplaceOutboundVideo(t *media.Track) error {
	if c.Closed() {
		return ErrClosed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.outbound = t
	c.replaced = append(c.replaced, t)

	return nil
}

// OutboundVideo is the video track the call currently sends.
func (c *Call) OutboundVideo() *media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.outbound
}

// Replacements lists every track passed to ReplaceOutboundVideo.
func (c *Call) Replacements() []*media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*media.Track(nil), c.replaced...)
}

// Close ends both sides of the call.
func (c *Call) Close() error {
	if c.EmitClose() && c.remote != nil {
		c.remote.EmitClose()
	}
	return nil
}

// Deliver emits the remote stream as if it arrived from the far side.
func (c *Call) Deliver() {
	c.EmitStream(media.NewRemoteStream(string(c.peer)))
}

// Drop simulates a library-level disconnection.
func (c *Call) Drop() {
	c.Close()
}
