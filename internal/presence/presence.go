// Package presence is the room rendezvous: a live presence set plus
// fire-and-forget broadcasts delivered to every subscriber of a room.
package presence

import (
	"context"
	"errors"

	"github.com/isqad/livelook-meet/internal/core"
)

var (
	ErrMalformedEvent = errors.New("presence: malformed event")
	ErrClosed         = errors.New("presence: subscription closed")
)

// State is the live presence set of a room.
type State map[core.ParticipantID][]core.PresenceRecord

// Latest returns the most recent record published under key.
func (s State) Latest(key core.ParticipantID) (core.PresenceRecord, bool) {
	recs := s[key]
	if len(recs) == 0 {
		return core.PresenceRecord{}, false
	}
	return recs[len(recs)-1], true
}

type Channel interface {
	// Subscribe joins the room topic under key. The first event delivered is a SyncEvent.
	Subscribe(ctx context.Context, room core.RoomID, key core.ParticipantID) (Subscription, error)
}

type Subscription interface {
	// Events is closed when the subscription ends, either by Close or because the channel was lost.
	Events() <-chan Event
	Track(ctx context.Context, rec core.PresenceRecord) error
	Untrack(ctx context.Context) error
	PresenceState(ctx context.Context) (State, error)
	Broadcast(ctx context.Context, name string, payload interface{}) error
	Close() error
}
