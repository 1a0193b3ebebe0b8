package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const jsonRpcVersion = "2.0"

type Method string

const (
	SDPOfferMethod     Method = "offer"
	SDPAnswerMethod    Method = "answer"
	ICECandidateMethod Method = "iceCandidate"
	HangupMethod       Method = "hangup"
)

var (
	ErrUnknownRpcType = errors.New("unknown RPC type")
	ErrMalformedRpc   = errors.New("malformed RPC")
)

type Rpc interface {
	GetMethod() Method
	GetCallID() string
	ToJSON() ([]byte, error)
}

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
}

type jsonRpc struct {
	jsonRpcHead
	Params json.RawMessage `json:"params"`
}

func RpcFromReader(reader io.Reader) (Rpc, error) {
	rpc := &jsonRpc{}

	if err := json.NewDecoder(reader).Decode(rpc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}
	if rpc.Version != jsonRpcVersion {
		return nil, fmt.Errorf("%w: version %q", ErrMalformedRpc, rpc.Version)
	}

	switch rpc.Method {
	case SDPOfferMethod, SDPAnswerMethod:
		r := &SDPRpc{jsonRpcHead: rpc.jsonRpcHead}
		if err := decodeParams(rpc.Params, &r.Params); err != nil {
			return nil, err
		}
		if r.Params.SDP == "" {
			return nil, fmt.Errorf("%w: empty sdp", ErrMalformedRpc)
		}
		return r, nil
	case ICECandidateMethod:
		r := &ICECandidateRpc{jsonRpcHead: rpc.jsonRpcHead}
		if err := decodeParams(rpc.Params, &r.Params); err != nil {
			return nil, err
		}
		return r, nil
	case HangupMethod:
		r := &HangupRpc{jsonRpcHead: rpc.jsonRpcHead}
		if err := decodeParams(rpc.Params, &r.Params); err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, ErrUnknownRpcType
	}
}

func decodeParams(raw json.RawMessage, v interface{ callID() string }) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", ErrMalformedRpc)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRpc, err)
	}
	if v.callID() == "" {
		return fmt.Errorf("%w: missing call_id", ErrMalformedRpc)
	}
	return nil
}
