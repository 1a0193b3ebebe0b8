package presence

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
)

// Hub is an in-process presence channel. Every room keeps its records and
// subscribers in memory and delivers events to each subscriber in order.
type Hub struct {
	mu    sync.Mutex
	rooms map[core.RoomID]*hubRoom
}

type hubRoom struct {
	records map[core.ParticipantID]core.PresenceRecord
	subs    map[*hubSubscription]struct{}
}

func NewHub() *Hub {
	return &Hub{rooms: make(map[core.RoomID]*hubRoom)}
}

func (h *Hub) room(id core.RoomID) *hubRoom {
	r, ok := h.rooms[id]
	if !ok {
		r = &hubRoom{
			records: make(map[core.ParticipantID]core.PresenceRecord),
			subs:    make(map[*hubSubscription]struct{}),
		}
		h.rooms[id] = r
	}
	return r
}

func (r *hubRoom) state() State {
	state := make(State, len(r.records))
	for k, rec := range r.records {
		state[k] = []core.PresenceRecord{rec}
	}
	return state
}

func (h *Hub) Subscribe(_ context.Context, room core.RoomID, key core.ParticipantID) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.room(room)
	s := &hubSubscription{
		hub:    h,
		room:   room,
		key:    key,
		events: make(chan Event, 1024),
	}
	r.subs[s] = struct{}{}
	s.deliverLocked(SyncEvent{State: r.state()})

	return s, nil
}

// Resync delivers the full presence set to every subscriber of the room.
func (h *Hub) Resync(room core.RoomID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.room(room)
	for s := range r.subs {
		s.deliverLocked(SyncEvent{State: r.state()})
	}
}

// Drop simulates an abrupt disconnect of key: its subscriptions lose the
// channel and its record leaves the presence set.
func (h *Hub) Drop(room core.RoomID, key core.ParticipantID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.room(room)
	for s := range r.subs {
		if s.key == key {
			delete(r.subs, s)
			s.closeLocked()
		}
	}
	h.untrackLocked(r, key)
}

// Occupants returns the keys currently in the presence set of the room.
func (h *Hub) Occupants(room core.RoomID) []core.ParticipantID {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.room(room)
	keys := make([]core.ParticipantID, 0, len(r.records))
	for k := range r.records {
		keys = append(keys, k)
	}
	return keys
}

func (h *Hub) untrackLocked(r *hubRoom, key core.ParticipantID) {
	rec, ok := r.records[key]
	if !ok {
		return
	}
	delete(r.records, key)
	for s := range r.subs {
		s.deliverLocked(LeaveEvent{Key: key, Records: []core.PresenceRecord{rec}})
	}
}

type hubSubscription struct {
	hub    *Hub
	room   core.RoomID
	key    core.ParticipantID
	events chan Event
	closed bool
}

func (s *hubSubscription) deliverLocked(ev Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
	default:
		log.Warn().Str("service", "presence").Str("room", string(s.room)).Str("participant", string(s.key)).Msg("subscriber queue is full, event dropped")
	}
}

func (s *hubSubscription) closeLocked() {
	if !s.closed {
		s.closed = true
		close(s.events)
	}
}

func (s *hubSubscription) Events() <-chan Event {
	return s.events
}

func (s *hubSubscription) Track(_ context.Context, rec core.PresenceRecord) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	rec = rec.Normalize()
	r := s.hub.room(s.room)
	r.records[s.key] = rec
	for sub := range r.subs {
		sub.deliverLocked(JoinEvent{Key: s.key, Records: []core.PresenceRecord{rec}})
	}

	return nil
}

func (s *hubSubscription) Untrack(_ context.Context) error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	s.hub.untrackLocked(s.hub.room(s.room), s.key)

	return nil
}

func (s *hubSubscription) PresenceState(_ context.Context) (State, error) {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}

	return s.hub.room(s.room).state(), nil
}

func (s *hubSubscription) Broadcast(_ context.Context, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	ev, err := decodeBroadcast(name, data)
	if err != nil {
		return err
	}

	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for sub := range s.hub.room(s.room).subs {
		if sub == s {
			continue
		}
		sub.deliverLocked(ev)
	}

	return nil
}

func (s *hubSubscription) Close() error {
	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()

	delete(s.hub.room(s.room).subs, s)
	s.closeLocked()

	return nil
}
