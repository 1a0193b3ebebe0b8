package rpc

import (
	"encoding/json"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/pion/webrtc/v3"
)

type SDPParams struct {
	webrtc.SessionDescription
	CallID   string             `json:"call_id"`
	Metadata *core.CallMetadata `json:"metadata,omitempty"`
}

func (p *SDPParams) callID() string {
	return p.CallID
}

// SDP RPC
type SDPRpc struct {
	jsonRpcHead
	Params SDPParams `json:"params"`
}

func NewSDPOfferRpc(sdp *webrtc.SessionDescription, callID string, meta core.CallMetadata) *SDPRpc {
	return &SDPRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  SDPOfferMethod,
		},
		Params: SDPParams{
			SessionDescription: *sdp,
			CallID:             callID,
			Metadata:           &meta,
		},
	}
}

func NewSDPAnswerRpc(sdp *webrtc.SessionDescription, callID string) *SDPRpc {
	return &SDPRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  SDPAnswerMethod,
		},
		Params: SDPParams{
			SessionDescription: *sdp,
			CallID:             callID,
		},
	}
}

func (r SDPRpc) GetMethod() Method {
	return r.Method
}

func (r SDPRpc) GetCallID() string {
	return r.Params.CallID
}

func (r SDPRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
