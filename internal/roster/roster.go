// Package roster derives who is in the room from presence events.
package roster

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/presence"
)

var ErrRoomFull = errors.New("roster: room is full")

type DeltaKind string

const (
	Join  DeltaKind = "join"
	Leave DeltaKind = "leave"
)

type Entry struct {
	ParticipantID core.ParticipantID `json:"participant_id"`
	DisplayName   string             `json:"display_name"`
	EndpointID    core.EndpointID    `json:"endpoint_id,omitempty"`
	OnlineAt      time.Time          `json:"online_at"`
}

// Delta is a change of the roster. Synthetic deltas are derived from a full
// sync or an endpoint change rather than reported by the channel.
type Delta struct {
	Kind          DeltaKind
	ParticipantID core.ParticipantID
	DisplayName   string
	EndpointID    core.EndpointID
	Synthetic     bool
}

// Manager holds the roster of one room visit. Apply methods must be called
// from a single goroutine; reads are safe from anywhere.
type Manager struct {
	room core.RoomID

	mu      sync.RWMutex
	entries map[core.ParticipantID]Entry
}

func NewManager(room core.RoomID) *Manager {
	return &Manager{
		room:    room,
		entries: make(map[core.ParticipantID]Entry),
	}
}

func entryFrom(key core.ParticipantID, rec core.PresenceRecord) Entry {
	rec = rec.Normalize()
	return Entry{
		ParticipantID: key,
		DisplayName:   rec.DisplayName,
		EndpointID:    rec.EndpointID,
		OnlineAt:      rec.OnlineAt,
	}
}

// Apply dispatches a presence event. Events that do not concern the roster yield no deltas.
func (m *Manager) Apply(ev presence.Event) []Delta {
	switch ev := ev.(type) {
	case presence.SyncEvent:
		return m.ApplySync(ev.State)
	case presence.JoinEvent:
		return m.ApplyJoin(ev.Key, ev.Records)
	case presence.LeaveEvent:
		return m.ApplyLeave(ev.Key, ev.Records)
	case presence.ReadyEvent:
		return m.ApplyReady(ev.ParticipantID, ev.EndpointID, ev.DisplayName)
	default:
		return nil
	}
}

// ApplySync replaces the roster with the full presence set.
func (m *Manager) ApplySync(state presence.State) []Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := make(map[core.ParticipantID]Entry, len(state))
	for key := range state {
		rec, ok := state.Latest(key)
		if !ok {
			continue
		}
		next[key] = entryFrom(key, rec)
	}

	deltas := make([]Delta, 0)
	for _, key := range sortedKeys(m.entries) {
		if _, ok := next[key]; !ok {
			deltas = append(deltas, leaveOf(m.entries[key], true))
		}
	}
	for _, key := range sortedKeys(next) {
		entry := next[key]
		old, known := m.entries[key]
		switch {
		case !known:
			deltas = append(deltas, joinOf(entry, true))
		case old.EndpointID != entry.EndpointID:
			if old.EndpointID != "" {
				deltas = append(deltas, leaveOf(old, true))
			}
			deltas = append(deltas, joinOf(entry, true))
		}
	}

	m.entries = next

	log.Debug().Str("service", "roster").Str("room", string(m.room)).Int("participants", len(next)).Int("deltas", len(deltas)).Msg("presence synced")

	return deltas
}

// ApplyJoin inserts or updates a participant.
func (m *Manager) ApplyJoin(key core.ParticipantID, records []core.PresenceRecord) []Delta {
	if len(records) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := entryFrom(key, records[len(records)-1])
	old, known := m.entries[key]
	m.entries[key] = entry

	deltas := make([]Delta, 0, 2)
	if known && old.EndpointID != "" && old.EndpointID != entry.EndpointID {
		deltas = append(deltas, leaveOf(old, true))
	}
	deltas = append(deltas, joinOf(entry, known))

	return deltas
}

// ApplyLeave removes a participant. The delta carries the endpoint it held.
func (m *Manager) ApplyLeave(key core.ParticipantID, records []core.PresenceRecord) []Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, known := m.entries[key]
	if !known {
		if len(records) == 0 || records[len(records)-1].EndpointID == "" {
			return nil
		}
		old = entryFrom(key, records[len(records)-1])
	}
	delete(m.entries, key)

	return []Delta{leaveOf(old, false)}
}

// ApplyReady records the endpoint announced by a ready broadcast. Unknown
// participants are ignored; their presence join carries the endpoint anyway.
func (m *Manager) ApplyReady(key core.ParticipantID, endpoint core.EndpointID, name string) []Delta {
	m.mu.Lock()
	defer m.mu.Unlock()

	old, known := m.entries[key]
	if !known {
		return nil
	}

	entry := old
	entry.EndpointID = endpoint
	if name != "" {
		entry.DisplayName = name
	}
	m.entries[key] = entry

	deltas := make([]Delta, 0, 2)
	if old.EndpointID != "" && old.EndpointID != endpoint {
		deltas = append(deltas, leaveOf(old, true))
	}
	deltas = append(deltas, joinOf(entry, true))

	return deltas
}

func joinOf(e Entry, synthetic bool) Delta {
	return Delta{Kind: Join, ParticipantID: e.ParticipantID, DisplayName: e.DisplayName, EndpointID: e.EndpointID, Synthetic: synthetic}
}

func leaveOf(e Entry, synthetic bool) Delta {
	return Delta{Kind: Leave, ParticipantID: e.ParticipantID, DisplayName: e.DisplayName, EndpointID: e.EndpointID, Synthetic: synthetic}
}

func sortedKeys(entries map[core.ParticipantID]Entry) []core.ParticipantID {
	keys := make([]core.ParticipantID, 0, len(entries))
	for k := range entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

// Snapshot returns the roster ordered by arrival.
func (m *Manager) Snapshot() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].OnlineAt.Equal(out[j].OnlineAt) {
			return out[i].OnlineAt.Before(out[j].OnlineAt)
		}
		return out[i].ParticipantID < out[j].ParticipantID
	})
	return out
}

func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.entries)
}

func (m *Manager) Lookup(key core.ParticipantID) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[key]
	return e, ok
}

// Holds reports whether participant is present and still publishes endpoint.
func (m *Manager) Holds(participant core.ParticipantID, endpoint core.EndpointID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[participant]
	return ok && e.EndpointID == endpoint
}

// Owner finds the participant publishing endpoint.
func (m *Manager) Owner(endpoint core.EndpointID) (core.ParticipantID, string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if endpoint == "" {
		return "", "", false
	}
	for _, e := range m.entries {
		if e.EndpointID == endpoint {
			return e.ParticipantID, e.DisplayName, true
		}
	}
	return "", "", false
}

// CheckCapacity is the optional admission policy. Capacity is the maximum
// number of occupants including self; zero means unlimited.
func CheckCapacity(state presence.State, self core.ParticipantID, capacity int) error {
	if capacity <= 0 {
		return nil
	}

	others := 0
	for key := range state {
		if key != self {
			others++
		}
	}
	if others >= capacity {
		return ErrRoomFull
	}
	return nil
}
