// Package signal carries endpoint-addressed signaling messages between media endpoints.
package signal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/rpc"
)

var ErrClosed = errors.New("signal: subscription closed")

// Envelope is a signaling message together with the endpoint that sent it.
type Envelope struct {
	From    core.EndpointID `json:"from"`
	Message json.RawMessage `json:"message"`
}

// Rpc decodes the carried message.
func (e Envelope) Rpc() (rpc.Rpc, error) {
	return rpc.RpcFromReader(bytes.NewReader(e.Message))
}

type Publisher interface {
	Publish(ctx context.Context, to, from core.EndpointID, msg rpc.Rpc) error
}

type Subscriber interface {
	Subscribe(ctx context.Context, endpoint core.EndpointID) (Subscription, error)
}

type Transport interface {
	Publisher
	Subscriber
}

type Subscription interface {
	Channel() <-chan Envelope
	Close() error
}

func encodeEnvelope(from core.EndpointID, msg rpc.Rpc) ([]byte, error) {
	payload, err := msg.ToJSON()
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{From: from, Message: payload})
}

func decodeEnvelope(data []byte) (Envelope, error) {
	env := Envelope{}
	if err := json.Unmarshal(data, &env); err != nil {
		return env, err
	}
	if env.From == "" || len(env.Message) == 0 {
		return env, fmt.Errorf("%w: incomplete envelope", rpc.ErrMalformedRpc)
	}
	return env, nil
}
