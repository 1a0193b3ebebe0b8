package core

import (
	"strings"
	"time"
)

const AnonymousName = "Anonymous"

// PresenceRecord is what every occupant publishes into the presence set.
type PresenceRecord struct {
	DisplayName string     `json:"name"`
	EndpointID  EndpointID `json:"endpoint_id,omitempty"`
	OnlineAt    time.Time  `json:"online_at"`
}

func NewPresenceRecord(name string, endpoint EndpointID) PresenceRecord {
	rec := PresenceRecord{
		DisplayName: name,
		EndpointID:  endpoint,
		OnlineAt:    time.Now().UTC(),
	}
	return rec.Normalize()
}

// Normalize fills the defaults every consumer expects.
func (r PresenceRecord) Normalize() PresenceRecord {
	r.DisplayName = strings.TrimSpace(r.DisplayName)
	if r.DisplayName == "" {
		r.DisplayName = AnonymousName
	}
	return r
}

// HasEndpoint reports whether the occupant's media stack is up.
func (r PresenceRecord) HasEndpoint() bool {
	return r.EndpointID != ""
}
