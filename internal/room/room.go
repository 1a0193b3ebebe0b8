// Package room is one visit to a room: it serializes presence events,
// session callbacks and user actions on a single loop and exposes a
// read-only view of the result.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/chat"
	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/localmedia"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/presence"
	"github.com/isqad/livelook-meet/internal/render"
	"github.com/isqad/livelook-meet/internal/roster"
	"github.com/isqad/livelook-meet/internal/session"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

const (
	announceTimeout   = 5 * time.Second
	notificationQueue = 64
)

var (
	ErrRoomFull      = roster.ErrRoomFull
	ErrNotJoined     = errors.New("room: not joined")
	ErrAlreadyJoined = errors.New("room: already joined")
)

// Renderer shows remote media.
type Renderer interface {
	Attach(participant core.ParticipantID, endpoint core.EndpointID, stream *media.RemoteStream)
	Detach(participant core.ParticipantID, endpoint core.EndpointID) bool
	Clear()
	Views() []render.View
}

type Options struct {
	Room        core.RoomID
	Self        core.ParticipantID
	DisplayName string
	// Capacity counts the local participant. Zero means unlimited.
	Capacity     int
	CameraOnJoin bool

	Presence presence.Channel
	Library  media.Library
	Capturer media.Capturer
	Renderer Renderer

	CallTimeout    time.Duration
	CaptureTimeout time.Duration
}

type status int

const (
	idle status = iota
	joining
	joined
	left
)

// Snapshot is the read-only state handed to the UI.
type Snapshot struct {
	Room             core.RoomID        `json:"room"`
	Self             core.ParticipantID `json:"self"`
	DisplayName      string             `json:"display_name"`
	Endpoint         core.EndpointID    `json:"endpoint,omitempty"`
	Joined           bool               `json:"joined"`
	Roster           []roster.Entry     `json:"roster"`
	ParticipantCount int                `json:"participant_count"`
	Views            []render.View      `json:"views"`
	Sessions         []session.View     `json:"sessions"`
	Media            localmedia.State   `json:"media"`
	Preview          string             `json:"preview,omitempty"`
	Chat             []core.ChatMessage `json:"chat"`
}

type Room struct {
	opts     Options
	name     string
	loop     *loop
	roster   *roster.Manager
	renderer Renderer
	coord    *session.Coordinator
	machine  *localmedia.Machine

	notifications chan Notification
	changes       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	status status
	sub    presence.Subscription
	relay  *chat.Relay
	final  Snapshot

	// owned by the loop
	joinedAt time.Time
	endpoint core.EndpointID
	preview  string
	left     bool
}

func New(opts Options) *Room {
	ctx, cancel := context.WithCancel(context.Background())

	r := &Room{
		opts:          opts,
		name:          core.PresenceRecord{DisplayName: opts.DisplayName}.Normalize().DisplayName,
		loop:          newLoop(),
		roster:        roster.NewManager(opts.Room),
		renderer:      opts.Renderer,
		notifications: make(chan Notification, notificationQueue),
		changes:       make(chan struct{}, 1),
		ctx:           ctx,
		cancel:        cancel,
	}
	if r.renderer == nil {
		r.renderer = render.NewDrain()
	}

	h := hooks{r}
	r.coord = session.NewCoordinator(session.Options{
		Loop:        r.loop,
		Library:     opts.Library,
		Members:     r.roster,
		Listener:    h,
		Self:        core.CallMetadata{ParticipantID: opts.Self, DisplayName: r.name},
		CallTimeout: opts.CallTimeout,
	})
	r.machine = localmedia.NewMachine(localmedia.Options{
		Loop:           r.loop,
		Capturer:       opts.Capturer,
		Fanout:         r.coord,
		Listener:       h,
		CameraOnJoin:   opts.CameraOnJoin,
		CaptureTimeout: opts.CaptureTimeout,
	})

	return r
}

// Notifications delivers toasts. Toasts are dropped when nobody reads them.
func (r *Room) Notifications() <-chan Notification {
	return r.notifications
}

// Changes is signaled whenever the snapshot may have changed.
func (r *Room) Changes() <-chan struct{} {
	return r.changes
}

func (r *Room) Joined() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status == joined
}

// Join subscribes to the room, applies the capacity policy and publishes the
// local presence. Local media comes up in the background.
func (r *Room) Join(ctx context.Context) error {
	r.mu.Lock()
	if r.status != idle {
		r.mu.Unlock()
		return ErrAlreadyJoined
	}
	r.status = joining
	r.mu.Unlock()

	logger := log.With().Str("service", "room").Str("room", r.opts.Room.String()).Str("participant", r.opts.Self.String()).Logger()

	sub, err := r.opts.Presence.Subscribe(ctx, r.opts.Room, r.opts.Self)
	if err != nil {
		logger.Error().Err(err).Msg("subscribe room")
		r.reset()
		r.notify(toast(Failure, "Could not connect to the room"))
		return fmt.Errorf("subscribe room %s: %w", r.opts.Room, err)
	}

	state, err := sub.PresenceState(ctx)
	if err == nil {
		err = roster.CheckCapacity(state, r.opts.Self, r.opts.Capacity)
	}
	if err != nil {
		_ = sub.Close()
		r.reset()
		if errors.Is(err, ErrRoomFull) {
			logger.Info().Int("capacity", r.opts.Capacity).Msg("room is full")
			r.notify(toast(Warning, "Room is full"))
			return ErrRoomFull
		}
		r.notify(toast(Failure, "Could not connect to the room"))
		return fmt.Errorf("presence state: %w", err)
	}

	r.mu.Lock()
	r.sub = sub
	r.relay = chat.NewRelay(r.opts.Self, r.name, sub)
	r.status = joined
	r.mu.Unlock()

	r.joinedAt = time.Now().UTC()
	r.opts.Library.OnIncomingCall(func(c media.Call) {
		if !r.loop.tryPost(func() { r.coord.OnInboundSession(c) }) {
			_ = c.Close()
		}
	})

	go r.loop.run()
	go r.pump(sub)

	if err := sub.Track(ctx, r.record("")); err != nil {
		logger.Error().Err(err).Msg("track presence")
		_ = r.Leave(context.Background())
		return fmt.Errorf("track presence: %w", err)
	}

	logger.Info().Msg("joined room")
	go r.startMedia()

	return nil
}

func (r *Room) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.status = idle
}

func (r *Room) record(endpoint core.EndpointID) core.PresenceRecord {
	return core.PresenceRecord{DisplayName: r.name, EndpointID: endpoint, OnlineAt: r.joinedAt}.Normalize()
}

func (r *Room) subscription() (presence.Subscription, *chat.Relay) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.sub, r.relay
}

// pump feeds presence events to the loop in channel order.
func (r *Room) pump(sub presence.Subscription) {
	for ev := range sub.Events() {
		ev := ev
		if !r.loop.tryPost(func() { r.handleEvent(ev) }) {
			return
		}
	}
	r.loop.tryPost(r.channelLost)
}

func (r *Room) startMedia() {
	endpoint, err := r.opts.Library.CreateEndpoint(r.ctx)

	var src *media.LocalSource
	if err == nil {
		src, err = r.machine.Acquire(r.ctx)
	}

	if !r.loop.tryPost(func() { r.mediaReady(endpoint, src, err) }) && src != nil {
		src.Stop()
	}
}

func (r *Room) mediaReady(endpoint core.EndpointID, src *media.LocalSource, err error) {
	if r.left {
		if src != nil {
			src.Stop()
		}
		return
	}

	logger := log.With().Str("service", "room").Str("room", r.opts.Room.String()).Logger()

	if err != nil {
		logger.Warn().Err(err).Msg("local media unavailable")
		if errors.Is(err, media.ErrCaptureUnavailable) {
			r.notify(toast(Warning, "Could not access camera or microphone"))
		} else {
			r.notify(toast(Failure, "Could not start media"))
		}
		return
	}

	r.endpoint = endpoint
	r.machine.Install(src)
	r.coord.SetLocal(endpoint, src)

	logger.Info().Str("endpoint", endpoint.String()).Msg("local media is ready")

	sub, _ := r.subscription()
	go r.announce(sub, endpoint)

	// Joins seen before media was up were deferred.
	for _, e := range r.roster.Snapshot() {
		if e.ParticipantID == r.opts.Self || e.EndpointID == "" {
			continue
		}
		r.coord.OnRosterJoin(e.ParticipantID, e.EndpointID, e.DisplayName)
	}
	r.touch()
}

// announce publishes the endpoint in presence and tells everyone it is ready.
func (r *Room) announce(sub presence.Subscription, endpoint core.EndpointID) {
	ctx, cancel := context.WithTimeout(r.ctx, announceTimeout)
	defer cancel()

	err := sub.Track(ctx, r.record(endpoint))
	if err == nil {
		payload := presence.ReadyPayload{UserID: r.opts.Self, PeerID: endpoint, Username: r.name}
		err = sub.Broadcast(ctx, presence.ReadyEventName, payload)
	}
	if err != nil {
		log.Warn().Err(err).Str("service", "room").Str("endpoint", endpoint.String()).Msg("announce endpoint")
		r.notify(toast(Warning, "Could not announce your media to the room"))
	}
}

func (r *Room) handleEvent(ev presence.Event) {
	if r.left {
		return
	}

	switch ev := ev.(type) {
	case presence.MessageEvent:
		_, relay := r.subscription()
		relay.Receive(ev)
		r.notify(messageToast(ev.SenderName))
		r.touch()
		return
	case presence.BroadcastEvent:
		log.Debug().Str("service", "room").Str("event", ev.Name).Msg("ignore broadcast")
		return
	}

	for _, d := range r.roster.Apply(ev) {
		if d.ParticipantID == r.opts.Self {
			continue
		}

		switch d.Kind {
		case roster.Join:
			r.coord.OnRosterJoin(d.ParticipantID, d.EndpointID, d.DisplayName)
			if !d.Synthetic {
				r.notify(joinedToast(d.DisplayName))
			}
		case roster.Leave:
			r.coord.OnRosterLeave(d.ParticipantID, d.EndpointID)
			if !d.Synthetic {
				r.notify(leftToast())
			}
		}
	}

	telemetry.ParticipantsChanged(r.roster.Len())
	r.touch()
}

func (r *Room) channelLost() {
	if r.left {
		return
	}

	log.Error().Str("service", "room").Str("room", r.opts.Room.String()).Msg("lost the room channel")
	r.notify(toast(Failure, "Lost connection to the room"))
	r.teardown()
}

// teardown closes every session, stops capture and leaves the channel.
func (r *Room) teardown() {
	if r.left {
		return
	}
	r.left = true

	r.coord.TeardownAll()
	r.machine.Teardown()
	r.renderer.Clear()
	if err := r.opts.Library.Destroy(); err != nil {
		log.Warn().Err(err).Str("service", "room").Msg("destroy media endpoint")
	}
	r.cancel()

	final := r.snapshot()

	r.mu.Lock()
	r.status = left
	r.final = final
	sub := r.sub
	r.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), announceTimeout)
		defer cancel()

		if err := sub.Untrack(ctx); err != nil && !errors.Is(err, presence.ErrClosed) {
			log.Warn().Err(err).Str("service", "room").Msg("untrack presence")
		}
		_ = sub.Close()
	}()

	telemetry.ParticipantsChanged(0)
	log.Info().Str("service", "room").Str("room", r.opts.Room.String()).Msg("left room")

	r.touch()
	r.loop.stop()
}

func (r *Room) snapshot() Snapshot {
	entries := r.roster.Snapshot()
	snap := Snapshot{
		Room:             r.opts.Room,
		Self:             r.opts.Self,
		DisplayName:      r.name,
		Endpoint:         r.endpoint,
		Joined:           !r.left,
		Roster:           entries,
		ParticipantCount: len(entries),
		Views:            r.renderer.Views(),
		Sessions:         r.coord.Sessions(),
		Media:            r.machine.State(),
		Preview:          r.preview,
	}
	if _, relay := r.subscription(); relay != nil {
		snap.Chat = relay.Log()
	}
	return snap
}

// Snapshot returns the current state. After leaving it returns the last state.
func (r *Room) Snapshot(ctx context.Context) (Snapshot, error) {
	r.mu.Lock()
	st, final := r.status, r.final
	r.mu.Unlock()

	switch st {
	case idle, joining:
		return Snapshot{Room: r.opts.Room, Self: r.opts.Self, DisplayName: r.name}, nil
	case left:
		return final, nil
	}

	var snap Snapshot
	err := r.do(ctx, func() error {
		snap = r.snapshot()
		return nil
	})
	if errors.Is(err, ErrNotJoined) {
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.final, nil
	}
	return snap, err
}

// do runs fn on the loop and waits for it.
func (r *Room) do(ctx context.Context, fn func() error) error {
	if !r.Joined() {
		return ErrNotJoined
	}

	errc := make(chan error, 1)
	posted := r.loop.tryPost(func() {
		if r.left {
			errc <- ErrNotJoined
			return
		}
		errc <- fn()
	})
	if !posted {
		return ErrNotJoined
	}

	select {
	case err := <-errc:
		return err
	case <-r.loop.done:
		select {
		case err := <-errc:
			return err
		default:
			return ErrNotJoined
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) ToggleMic(ctx context.Context) (localmedia.State, error) {
	var st localmedia.State
	err := r.do(ctx, func() error {
		var err error
		st, err = r.machine.ToggleMic()
		r.touch()
		return err
	})
	return st, err
}

func (r *Room) ToggleCamera(ctx context.Context) (localmedia.State, error) {
	var st localmedia.State
	err := r.do(ctx, func() error {
		var err error
		st, err = r.machine.ToggleCamera()
		r.touch()
		return err
	})
	return st, err
}

// StartScreenShare begins the switch to the screen. Capture failures are
// reported as notifications.
func (r *Room) StartScreenShare(ctx context.Context) error {
	return r.do(ctx, func() error {
		defer r.touch()
		return r.machine.StartScreenShare()
	})
}

func (r *Room) StopScreenShare(ctx context.Context) error {
	return r.do(ctx, func() error {
		defer r.touch()
		return r.machine.StopScreenShare()
	})
}

// SendMessage appends text to the chat log and broadcasts it.
func (r *Room) SendMessage(ctx context.Context, text string) (core.ChatMessage, error) {
	_, relay := r.subscription()
	if !r.Joined() || relay == nil {
		return core.ChatMessage{}, ErrNotJoined
	}

	msg, err := relay.Send(ctx, text)
	r.touch()
	return msg, err
}

// Leave closes every session, stops local media and leaves the channel.
func (r *Room) Leave(ctx context.Context) error {
	if !r.Joined() {
		return ErrNotJoined
	}
	r.loop.tryPost(r.teardown)

	select {
	case <-r.loop.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Room) notify(n Notification) {
	select {
	case r.notifications <- n:
	default:
		log.Debug().Str("service", "room").Str("message", n.Message).Msg("notification dropped")
	}
}

func (r *Room) touch() {
	select {
	case r.changes <- struct{}{}:
	default:
	}
}

// hooks receives session and local media callbacks on the loop.
type hooks struct {
	r *Room
}

func (h hooks) SessionLive(v session.View) {
	h.r.renderer.Attach(v.Key(), v.RemoteEndpoint, v.Stream)
	h.r.touch()
}

func (h hooks) SessionClosed(v session.View) {
	h.r.renderer.Detach(v.Key(), v.RemoteEndpoint)
	h.r.touch()
}

func (h hooks) PreviewChanged(t *media.Track) {
	h.r.preview = t.Label()
	h.r.touch()
}

func (h hooks) Warn(err error) {
	log.Warn().Err(err).Str("service", "room").Msg("non-fatal failure")
	h.r.notify(toast(Warning, err.Error()))
}
