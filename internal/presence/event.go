package presence

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/isqad/livelook-meet/internal/core"
)

type Kind string

const (
	KindSync      Kind = "sync"
	KindJoin      Kind = "join"
	KindLeave     Kind = "leave"
	KindMessage   Kind = "message"
	KindReady     Kind = "ready"
	KindBroadcast Kind = "broadcast"
)

// Broadcast event names shared by every client of a room.
const (
	MessageEventName = "message"
	ReadyEventName   = "user_ready"
)

type Event interface {
	Kind() Kind
}

// SyncEvent carries the whole presence set.
type SyncEvent struct {
	State State
}

type JoinEvent struct {
	Key     core.ParticipantID
	Records []core.PresenceRecord
}

type LeaveEvent struct {
	Key     core.ParticipantID
	Records []core.PresenceRecord
}

// MessageEvent is a chat line broadcast by another occupant.
type MessageEvent struct {
	SenderID   core.ParticipantID
	SenderName string
	Text       string
}

// ReadyEvent announces that an occupant's media endpoint is up.
type ReadyEvent struct {
	ParticipantID core.ParticipantID
	EndpointID    core.EndpointID
	DisplayName   string
}

// BroadcastEvent is any broadcast this package has no dedicated variant for.
type BroadcastEvent struct {
	Name    string
	Payload json.RawMessage
}

func (SyncEvent) Kind() Kind      { return KindSync }
func (JoinEvent) Kind() Kind      { return KindJoin }
func (LeaveEvent) Kind() Kind     { return KindLeave }
func (MessageEvent) Kind() Kind   { return KindMessage }
func (ReadyEvent) Kind() Kind     { return KindReady }
func (BroadcastEvent) Kind() Kind { return KindBroadcast }

// Latest returns the record the joiner published last.
func (e JoinEvent) Latest() core.PresenceRecord {
	if len(e.Records) == 0 {
		return core.PresenceRecord{DisplayName: core.AnonymousName}
	}
	return e.Records[len(e.Records)-1]
}

type MessagePayload struct {
	UserID   core.ParticipantID `json:"userId"`
	Username string             `json:"username,omitempty"`
	Text     string             `json:"text"`
}

type ReadyPayload struct {
	UserID   core.ParticipantID `json:"userId"`
	PeerID   core.EndpointID    `json:"peerId"`
	Username string             `json:"username,omitempty"`
}

// decodeBroadcast turns a named broadcast into its event variant.
func decodeBroadcast(name string, payload json.RawMessage) (Event, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: broadcast without name", ErrMalformedEvent)
	}

	switch name {
	case MessageEventName:
		p := MessagePayload{}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if p.UserID == "" {
			return nil, fmt.Errorf("%w: message without userId", ErrMalformedEvent)
		}
		if strings.TrimSpace(p.Text) == "" {
			return nil, fmt.Errorf("%w: empty message text", ErrMalformedEvent)
		}
		name := strings.TrimSpace(p.Username)
		if name == "" {
			name = core.AnonymousName
		}
		return MessageEvent{SenderID: p.UserID, SenderName: name, Text: p.Text}, nil
	case ReadyEventName:
		p := ReadyPayload{}
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
		}
		if p.UserID == "" || p.PeerID == "" {
			return nil, fmt.Errorf("%w: ready without userId or peerId", ErrMalformedEvent)
		}
		rec := core.PresenceRecord{DisplayName: p.Username}.Normalize()
		return ReadyEvent{ParticipantID: p.UserID, EndpointID: p.PeerID, DisplayName: rec.DisplayName}, nil
	default:
		return BroadcastEvent{Name: name, Payload: payload}, nil
	}
}
