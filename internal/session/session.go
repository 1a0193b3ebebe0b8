package session

import (
	"context"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
)

type Direction string

const (
	Originated Direction = "originated"
	Answered   Direction = "answered"
)

type State string

const (
	Connecting State = "connecting"
	Live       State = "live"
	Closed     State = "closed"
)

// Session is one media relationship with a remote endpoint. Sessions are
// owned by the Coordinator and never leave it; callers get Views.
type Session struct {
	RemoteEndpoint    core.EndpointID
	RemoteParticipant core.ParticipantID
	DisplayName       string
	Direction         Direction
	State             State

	call         media.Call
	stream       *media.RemoteStream
	pendingVideo *media.Track
	cancel       context.CancelFunc
}

// View is a read-only copy of a session.
type View struct {
	RemoteEndpoint    core.EndpointID     `json:"remote_endpoint"`
	RemoteParticipant core.ParticipantID  `json:"remote_participant,omitempty"`
	DisplayName       string              `json:"display_name"`
	Direction         Direction           `json:"direction"`
	State             State               `json:"state"`
	CallID            string              `json:"call_id,omitempty"`
	Stream            *media.RemoteStream `json:"-"`
}

func (s *Session) view() View {
	v := View{
		RemoteEndpoint:    s.RemoteEndpoint,
		RemoteParticipant: s.RemoteParticipant,
		DisplayName:       s.DisplayName,
		Direction:         s.Direction,
		State:             s.State,
		Stream:            s.stream,
	}
	if s.call != nil {
		v.CallID = s.call.ID()
	}
	return v
}

// Key is how remote views are indexed: the participant when known, the endpoint otherwise.
func (v View) Key() core.ParticipantID {
	if v.RemoteParticipant != "" {
		return v.RemoteParticipant
	}
	return core.ParticipantID(v.RemoteEndpoint)
}
