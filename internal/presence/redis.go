package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

const (
	presenceKeyPrefix = "presence:"
	roomChannelPrefix = "room:"

	defaultHeartbeatInterval = 5 * time.Second
	defaultTTL               = 15 * time.Second
	defaultSyncInterval      = 30 * time.Second

	opTimeout       = 5 * time.Second
	maxSyncFailures = 3
)

const (
	wireJoin      = "join"
	wireLeave     = "leave"
	wireBroadcast = "broadcast"
)

type RedisOptions struct {
	HeartbeatInterval time.Duration
	TTL               time.Duration
	SyncInterval      time.Duration
}

// RedisChannel keeps the presence set of a room in a redis hash and fans out
// joins, leaves and broadcasts over a pub/sub channel of the room.
type RedisChannel struct {
	rdb  *redis.Client
	opts RedisOptions
}

// RedisPresence is factory for building a presence channel based on redis
func RedisPresence(rdb *redis.Client, opts RedisOptions) *RedisChannel {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.TTL <= opts.HeartbeatInterval {
		opts.TTL = 3 * opts.HeartbeatInterval
	}
	if opts.SyncInterval <= 0 {
		opts.SyncInterval = defaultSyncInterval
	}

	return &RedisChannel{rdb: rdb, opts: opts}
}

func buildPresenceKey(room core.RoomID) string {
	return presenceKeyPrefix + string(room)
}

func buildRoomChannel(room core.RoomID) string {
	return roomChannelPrefix + string(room)
}

type storedRecord struct {
	core.PresenceRecord
	SeenAt time.Time `json:"seen_at"`
}

type wireMessage struct {
	Type    string               `json:"type"`
	Key     core.ParticipantID   `json:"key,omitempty"`
	Record  *core.PresenceRecord `json:"record,omitempty"`
	Event   string               `json:"event,omitempty"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	Origin  string               `json:"origin"`
}

// decodeMessage validates a pub/sub payload and turns it into an event variant.
func decodeMessage(data []byte) (wireMessage, Event, error) {
	msg := wireMessage{}
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch msg.Type {
	case wireJoin:
		if msg.Key == "" || msg.Record == nil {
			return msg, nil, fmt.Errorf("%w: join without key or record", ErrMalformedEvent)
		}
		return msg, JoinEvent{Key: msg.Key, Records: []core.PresenceRecord{msg.Record.Normalize()}}, nil
	case wireLeave:
		if msg.Key == "" {
			return msg, nil, fmt.Errorf("%w: leave without key", ErrMalformedEvent)
		}
		ev := LeaveEvent{Key: msg.Key}
		if msg.Record != nil {
			ev.Records = []core.PresenceRecord{msg.Record.Normalize()}
		}
		return msg, ev, nil
	case wireBroadcast:
		ev, err := decodeBroadcast(msg.Event, msg.Payload)
		return msg, ev, err
	default:
		return msg, nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEvent, msg.Type)
	}
}

func (c *RedisChannel) Subscribe(ctx context.Context, room core.RoomID, key core.ParticipantID) (Subscription, error) {
	pubsub := c.rdb.Subscribe(ctx, buildRoomChannel(room))
	// Wait until subscription is created
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	s := &redisSubscription{
		channel: c,
		room:    room,
		key:     key,
		origin:  uuid.NewString(),
		pubsub:  pubsub,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
	}

	initial, err := s.PresenceState(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	go s.run(initial)

	return s, nil
}

type redisSubscription struct {
	channel *RedisChannel
	room    core.RoomID
	key     core.ParticipantID
	origin  string
	pubsub  *redis.PubSub

	events    chan Event
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	tracked *core.PresenceRecord
}

func (s *redisSubscription) Events() <-chan Event {
	return s.events
}

func (s *redisSubscription) run(initial State) {
	defer close(s.events)

	if !s.emit(SyncEvent{State: initial}) {
		return
	}

	heartbeat := time.NewTicker(s.channel.opts.HeartbeatInterval)
	defer heartbeat.Stop()
	resync := time.NewTicker(s.channel.opts.SyncInterval)
	defer resync.Stop()

	msgs := s.pubsub.Channel()
	failures := 0

	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			wm, ev, err := decodeMessage([]byte(msg.Payload))
			if err != nil {
				log.Warn().Err(err).Str("service", "presence").Str("room", string(s.room)).Msg("drop malformed event")
				telemetry.ServiceOperationCounter.WithLabelValues("presence_event", "error", "malformed").Add(1)
				continue
			}
			if wm.Type == wireBroadcast && wm.Origin == s.origin {
				continue
			}
			if !s.emit(ev) {
				return
			}
		case <-heartbeat.C:
			s.heartbeat()
		case <-resync.C:
			ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
			state, err := s.PresenceState(ctx)
			cancel()
			if err != nil {
				failures++
				log.Warn().Err(err).Str("service", "presence").Str("room", string(s.room)).Int("failures", failures).Msg("presence sync failed")
				if failures >= maxSyncFailures {
					log.Error().Str("service", "presence").Str("room", string(s.room)).Msg("presence channel lost")
					return
				}
				continue
			}
			failures = 0
			if !s.emit(SyncEvent{State: state}) {
				return
			}
		}
	}
}

func (s *redisSubscription) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// heartbeat refreshes the own record and reaps records of clients that stopped refreshing.
func (s *redisSubscription) heartbeat() {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	s.mu.Lock()
	tracked := s.tracked
	s.mu.Unlock()

	if tracked != nil {
		if err := s.store(ctx, *tracked); err != nil {
			log.Warn().Err(err).Str("service", "presence").Str("room", string(s.room)).Msg("heartbeat failed")
		}
	}

	if err := s.reap(ctx); err != nil {
		log.Warn().Err(err).Str("service", "presence").Str("room", string(s.room)).Msg("reap failed")
	}
}

func (s *redisSubscription) reap(ctx context.Context) error {
	entries, err := s.channel.rdb.HGetAll(ctx, buildPresenceKey(s.room)).Result()
	if err != nil {
		return err
	}

	deadline := time.Now().Add(-s.channel.opts.TTL)
	for key, raw := range entries {
		stored := storedRecord{}
		malformed := json.Unmarshal([]byte(raw), &stored) != nil
		if !malformed && stored.SeenAt.After(deadline) {
			continue
		}

		// Only the client whose HDEL wins announces the leave.
		n, err := s.channel.rdb.HDel(ctx, buildPresenceKey(s.room), key).Result()
		if err != nil {
			return err
		}
		if n == 0 || malformed {
			continue
		}

		log.Info().Str("service", "presence").Str("room", string(s.room)).Str("participant", key).Msg("reaped stale presence")
		rec := stored.PresenceRecord
		if err := s.publish(ctx, wireMessage{Type: wireLeave, Key: core.ParticipantID(key), Record: &rec}); err != nil {
			return err
		}
	}

	return nil
}

func (s *redisSubscription) store(ctx context.Context, rec core.PresenceRecord) error {
	payload, err := json.Marshal(storedRecord{PresenceRecord: rec, SeenAt: time.Now().UTC()})
	if err != nil {
		return err
	}
	return s.channel.rdb.HSet(ctx, buildPresenceKey(s.room), string(s.key), payload).Err()
}

func (s *redisSubscription) publish(ctx context.Context, msg wireMessage) error {
	msg.Origin = s.origin
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return s.channel.rdb.Publish(ctx, buildRoomChannel(s.room), payload).Err()
}

func (s *redisSubscription) Track(ctx context.Context, rec core.PresenceRecord) error {
	rec = rec.Normalize()
	if err := s.store(ctx, rec); err != nil {
		return err
	}

	s.mu.Lock()
	s.tracked = &rec
	s.mu.Unlock()

	return s.publish(ctx, wireMessage{Type: wireJoin, Key: s.key, Record: &rec})
}

func (s *redisSubscription) Untrack(ctx context.Context) error {
	s.mu.Lock()
	tracked := s.tracked
	s.tracked = nil
	s.mu.Unlock()

	n, err := s.channel.rdb.HDel(ctx, buildPresenceKey(s.room), string(s.key)).Result()
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}

	return s.publish(ctx, wireMessage{Type: wireLeave, Key: s.key, Record: tracked})
}

func (s *redisSubscription) PresenceState(ctx context.Context) (State, error) {
	entries, err := s.channel.rdb.HGetAll(ctx, buildPresenceKey(s.room)).Result()
	if err != nil {
		return nil, err
	}

	deadline := time.Now().Add(-s.channel.opts.TTL)
	state := make(State, len(entries))
	for key, raw := range entries {
		stored := storedRecord{}
		if err := json.Unmarshal([]byte(raw), &stored); err != nil {
			log.Warn().Err(err).Str("service", "presence").Str("room", string(s.room)).Str("participant", key).Msg("skip malformed presence record")
			continue
		}
		if stored.SeenAt.Before(deadline) {
			continue
		}
		state[core.ParticipantID(key)] = []core.PresenceRecord{stored.PresenceRecord.Normalize()}
	}

	return state, nil
}

func (s *redisSubscription) Broadcast(ctx context.Context, name string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.publish(ctx, wireMessage{Type: wireBroadcast, Event: name, Payload: data})
}

func (s *redisSubscription) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
	})
	return err
}
