package rpc

import (
	"encoding/json"

	"github.com/pion/webrtc/v3"
)

type ICECandidateParams struct {
	webrtc.ICECandidateInit
	CallID string `json:"call_id"`
}

func (p *ICECandidateParams) callID() string {
	return p.CallID
}

// ICE candidate RPC
type ICECandidateRpc struct {
	jsonRpcHead
	Params ICECandidateParams `json:"params"`
}

func NewICECandidateRpc(candidate webrtc.ICECandidateInit, callID string) *ICECandidateRpc {
	return &ICECandidateRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  ICECandidateMethod,
		},
		Params: ICECandidateParams{
			ICECandidateInit: candidate,
			CallID:           callID,
		},
	}
}

func (r ICECandidateRpc) GetMethod() Method {
	return r.Method
}

func (r ICECandidateRpc) GetCallID() string {
	return r.Params.CallID
}

func (r ICECandidateRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
