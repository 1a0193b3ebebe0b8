package signal

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/rpc"
)

const natsSubjectPrefix = "livelook.signal."

func buildSubject(endpoint core.EndpointID) string {
	return natsSubjectPrefix + string(endpoint)
}

type NATSTransport struct {
	nc *nats.Conn
}

func NATSPubSub(nc *nats.Conn) *NATSTransport {
	return &NATSTransport{nc: nc}
}

func (t *NATSTransport) Publish(_ context.Context, to, from core.EndpointID, msg rpc.Rpc) error {
	payload, err := encodeEnvelope(from, msg)
	if err != nil {
		return err
	}
	return t.nc.Publish(buildSubject(to), payload)
}

func (t *NATSTransport) Subscribe(_ context.Context, endpoint core.EndpointID) (Subscription, error) {
	msgs := make(chan *nats.Msg, 64)
	sub, err := t.nc.ChanSubscribe(buildSubject(endpoint), msgs)
	if err != nil {
		return nil, err
	}
	if err := t.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, err
	}

	s := &natsSubscription{
		sub:  sub,
		msgs: msgs,
		out:  make(chan Envelope, 64),
		done: make(chan struct{}),
	}
	go s.run(endpoint)

	return s, nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	msgs chan *nats.Msg
	out  chan Envelope
	done chan struct{}
	once sync.Once
}

func (s *natsSubscription) run(endpoint core.EndpointID) {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.msgs:
			env, err := decodeEnvelope(msg.Data)
			if err != nil {
				log.Warn().Err(err).Str("service", "signal").Str("endpoint", string(endpoint)).Msg("drop malformed envelope")
				continue
			}
			select {
			case s.out <- env:
			case <-s.done:
				return
			}
		}
	}
}

func (s *natsSubscription) Channel() <-chan Envelope {
	return s.out
}

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		err = s.sub.Unsubscribe()
		close(s.done)
	})
	return err
}
