package rpc

import "encoding/json"

type HangupParams struct {
	CallID string `json:"call_id"`
	Reason string `json:"reason,omitempty"`
}

func (p *HangupParams) callID() string {
	return p.CallID
}

// Hangup RPC closes the call on the far side
type HangupRpc struct {
	jsonRpcHead
	Params HangupParams `json:"params"`
}

func NewHangupRpc(callID, reason string) *HangupRpc {
	return &HangupRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  HangupMethod,
		},
		Params: HangupParams{
			CallID: callID,
			Reason: reason,
		},
	}
}

func (r HangupRpc) GetMethod() Method {
	return r.Method
}

func (r HangupRpc) GetCallID() string {
	return r.Params.CallID
}

func (r HangupRpc) ToJSON() ([]byte, error) {
	return json.Marshal(r)
}
