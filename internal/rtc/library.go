// Package rtc implements the media library on pion/webrtc: one peer
// connection per call, signaled over an endpoint-addressed transport.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/rpc"
	"github.com/isqad/livelook-meet/internal/signal"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

const signalTimeout = 5 * time.Second

var (
	ErrEndpointNotReady = errors.New("rtc: endpoint is not ready")
	ErrUnknownCall      = errors.New("rtc: unknown call")
)

type Library struct {
	transport signal.Transport
	params    TransportParams

	mu         sync.Mutex
	endpoint   core.EndpointID
	sub        signal.Subscription
	calls      map[string]*Call
	onIncoming func(media.Call)
	destroyed  bool
}

func NewLibrary(transport signal.Transport, params TransportParams) *Library {
	return &Library{
		transport: transport,
		params:    params,
		calls:     make(map[string]*Call),
	}
}

// CreateEndpoint subscribes a fresh endpoint address on the signaling transport.
func (l *Library) CreateEndpoint(ctx context.Context) (core.EndpointID, error) {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return "", ErrEndpointNotReady
	}
	if l.endpoint != "" {
		endpoint := l.endpoint
		l.mu.Unlock()
		return endpoint, nil
	}
	l.mu.Unlock()

	endpoint := core.EndpointID(uuid.NewString())
	sub, err := l.transport.Subscribe(ctx, endpoint)
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("create_endpoint", "error", "signal").Add(1)
		return "", fmt.Errorf("subscribe endpoint: %w", err)
	}

	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		_ = sub.Close()
		return "", ErrEndpointNotReady
	}
	l.endpoint = endpoint
	l.sub = sub
	l.mu.Unlock()

	go l.readLoop(sub)

	log.Info().Str("service", "rtc").Str("endpoint", endpoint.String()).Msg("endpoint is up")
	telemetry.ServiceOperationCounter.WithLabelValues("create_endpoint", "success", "").Add(1)

	return endpoint, nil
}

func (l *Library) OnIncomingCall(fn func(media.Call)) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.onIncoming = fn
}

// Call sends an offer to target. The call goes live once the remote media arrives.
func (l *Library) Call(ctx context.Context, target core.EndpointID, src *media.LocalSource, meta core.CallMetadata) (media.Call, error) {
	local, ok := l.localEndpoint()
	if !ok {
		return nil, ErrEndpointNotReady
	}

	c, err := l.newCall(uuid.NewString(), local, target, meta)
	if err != nil {
		return nil, err
	}

	if err := c.offer(ctx, src); err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("call", "error", "offer").Add(1)
		_ = c.Close()
		return nil, err
	}

	telemetry.ServiceOperationCounter.WithLabelValues("call", "success", "").Add(1)
	return c, nil
}

// Destroy closes every call and the endpoint subscription.
func (l *Library) Destroy() error {
	l.mu.Lock()
	if l.destroyed {
		l.mu.Unlock()
		return nil
	}
	l.destroyed = true
	sub := l.sub
	endpoint := l.endpoint
	calls := make([]*Call, 0, len(l.calls))
	for _, c := range l.calls {
		calls = append(calls, c)
	}
	l.mu.Unlock()

	for _, c := range calls {
		_ = c.Close()
	}

	log.Info().Str("service", "rtc").Str("endpoint", endpoint.String()).Msg("endpoint destroyed")

	if sub != nil {
		return sub.Close()
	}
	return nil
}

func (l *Library) localEndpoint() (core.EndpointID, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.endpoint, l.endpoint != "" && !l.destroyed
}

func (l *Library) newCall(id string, local, peer core.EndpointID, meta core.CallMetadata) (*Call, error) {
	c, err := newCall(l, id, local, peer, meta)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.calls[id] = c
	l.mu.Unlock()

	return c, nil
}

func (l *Library) lookup(id string) (*Call, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, ok := l.calls[id]
	return c, ok
}

func (l *Library) remove(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.calls, id)
}

func (l *Library) publish(to core.EndpointID, msg rpc.Rpc) error {
	local, _ := l.localEndpoint()
	return l.publishFrom(local, to, msg)
}

func (l *Library) publishFrom(local, to core.EndpointID, msg rpc.Rpc) error {
	if local == "" {
		return ErrEndpointNotReady
	}

	ctx, cancel := context.WithTimeout(context.Background(), signalTimeout)
	defer cancel()

	return l.transport.Publish(ctx, to, local, msg)
}

func (l *Library) readLoop(sub signal.Subscription) {
	for env := range sub.Channel() {
		msg, err := env.Rpc()
		if err != nil {
			log.Warn().Err(err).Str("service", "rtc").Str("from", env.From.String()).Msg("drop signaling message")
			continue
		}
		if err := l.handle(env.From, msg); err != nil {
			log.Warn().Err(err).Str("service", "rtc").Str("from", env.From.String()).Str("method", string(msg.GetMethod())).Str("call", msg.GetCallID()).Msg("handle signaling message")
		}
	}

	log.Debug().Str("service", "rtc").Msg("signaling subscription closed")
}

func (l *Library) handle(from core.EndpointID, msg rpc.Rpc) error {
	if msg.GetMethod() == rpc.SDPOfferMethod {
		offer, ok := msg.(*rpc.SDPRpc)
		if !ok {
			return rpc.ErrUnknownRpcType
		}
		return l.handleOffer(from, offer.Params)
	}

	c, ok := l.lookup(msg.GetCallID())
	if !ok || c.peer != from {
		return ErrUnknownCall
	}

	switch m := msg.(type) {
	case *rpc.SDPRpc:
		return c.handleAnswer(m.Params.SessionDescription)
	case *rpc.ICECandidateRpc:
		return c.transport.AddICECandidate(m.Params.ICECandidateInit)
	case *rpc.HangupRpc:
		log.Debug().Str("service", "rtc").Str("call", c.id).Str("reason", m.Params.Reason).Msg("remote hung up")
		c.shutdown(false)
		return nil
	default:
		return rpc.ErrUnknownRpcType
	}
}

func (l *Library) handleOffer(from core.EndpointID, params rpc.SDPParams) error {
	l.mu.Lock()
	handler := l.onIncoming
	destroyed := l.destroyed
	local := l.endpoint
	l.mu.Unlock()

	if destroyed {
		_ = l.publishFrom(local, from, rpc.NewHangupRpc(params.CallID, "rejected"))
		return ErrEndpointNotReady
	}
	if handler == nil {
		telemetry.ServiceOperationCounter.WithLabelValues("answer", "error", "no_handler").Add(1)
		return l.publish(from, rpc.NewHangupRpc(params.CallID, "rejected"))
	}
	if _, exists := l.lookup(params.CallID); exists {
		return fmt.Errorf("duplicate offer for call %s", params.CallID)
	}

	meta := core.CallMetadata{}
	if params.Metadata != nil {
		meta = *params.Metadata
	}

	c, err := l.newCall(params.CallID, local, from, meta)
	if err != nil {
		_ = l.publish(from, rpc.NewHangupRpc(params.CallID, "error"))
		return err
	}
	c.remoteOffer = &params.SessionDescription

	handler(c)

	return nil
}
