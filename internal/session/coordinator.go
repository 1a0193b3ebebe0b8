// Package session maps roster entries to media sessions: exactly one
// session per remote endpoint, torn down when the endpoint leaves.
package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

const defaultCallTimeout = 30 * time.Second

var ErrEstablishment = errors.New("session: establishment failed")

// Loop runs continuations on the goroutine that owns the coordinator.
type Loop interface {
	Post(fn func())
}

// Membership answers roster questions at the points where a suspended
// operation resumes.
type Membership interface {
	Holds(participant core.ParticipantID, endpoint core.EndpointID) bool
	Owner(endpoint core.EndpointID) (core.ParticipantID, string, bool)
}

// Listener is told about session transitions. It is called on the loop.
type Listener interface {
	SessionLive(v View)
	SessionClosed(v View)
	Warn(err error)
}

type Options struct {
	Loop        Loop
	Library     media.Library
	Members     Membership
	Listener    Listener
	Self        core.CallMetadata
	// CallTimeout bounds the connecting phase of every session.
	CallTimeout time.Duration
}

// Coordinator owns the session table. Every method except NewCoordinator
// must be called on the loop.
type Coordinator struct {
	loop     Loop
	lib      media.Library
	members  Membership
	listener Listener
	self     core.CallMetadata
	timeout  time.Duration

	local    core.EndpointID
	source   *media.LocalSource
	sessions map[core.EndpointID]*Session
	tornDown bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewCoordinator(opts Options) *Coordinator {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Coordinator{
		loop:     opts.Loop,
		lib:      opts.Library,
		members:  opts.Members,
		listener: opts.Listener,
		self:     opts.Self,
		timeout:  opts.CallTimeout,
		sessions: make(map[core.EndpointID]*Session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// SetLocal installs the local endpoint and outbound source once media is up.
// Joins seen before that are deferred and must be replayed by the caller.
func (c *Coordinator) SetLocal(endpoint core.EndpointID, src *media.LocalSource) {
	c.local = endpoint
	c.source = src
}

func (c *Coordinator) Local() core.EndpointID {
	return c.local
}

func (c *Coordinator) Ready() bool {
	return c.local != "" && c.source != nil
}

// OnRosterJoin originates a session towards endpoint unless one exists.
func (c *Coordinator) OnRosterJoin(participant core.ParticipantID, endpoint core.EndpointID, name string) {
	if c.tornDown {
		return
	}

	logger := log.With().Str("service", "session").Str("participant", string(participant)).Str("endpoint", string(endpoint)).Logger()

	if endpoint == "" {
		logger.Debug().Msg("no endpoint yet, origination deferred")
		return
	}
	if s, ok := c.sessions[endpoint]; ok {
		if s.RemoteParticipant == "" {
			s.RemoteParticipant = participant
			s.DisplayName = name
		}
		return
	}
	if endpoint == c.local {
		return
	}
	if !c.Ready() {
		logger.Debug().Msg("local media is not ready, origination deferred")
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	s := &Session{
		RemoteEndpoint:    endpoint,
		RemoteParticipant: participant,
		DisplayName:       name,
		Direction:         Originated,
		State:             Connecting,
		cancel:            cancel,
	}
	c.sessions[endpoint] = s
	c.expireAfter(ctx, s)

	logger.Info().Msg("originate session")

	src := c.source
	meta := c.self
	go func() {
		call, err := c.lib.Call(ctx, endpoint, src, meta)
		c.loop.Post(func() {
			c.finishOrigination(s, call, err)
		})
	}()
}

func (c *Coordinator) finishOrigination(s *Session, call media.Call, err error) {
	logger := log.With().Str("service", "session").Str("participant", string(s.RemoteParticipant)).Str("endpoint", string(s.RemoteEndpoint)).Logger()

	current := !c.tornDown && c.sessions[s.RemoteEndpoint] == s
	if current && !c.members.Holds(s.RemoteParticipant, s.RemoteEndpoint) {
		logger.Debug().Msg("participant no longer holds the endpoint")
		c.drop(s.RemoteEndpoint)
		current = false
	}

	if !current {
		logger.Debug().Msg("discard stale origination")
		telemetry.ServiceOperationCounter.WithLabelValues("originate", "stale", "").Add(1)
		if call != nil {
			_ = call.Close()
		}
		return
	}

	if err != nil {
		logger.Warn().Err(err).Msg("origination failed")
		telemetry.ServiceOperationCounter.WithLabelValues("originate", "error", "call_failed").Add(1)
		c.drop(s.RemoteEndpoint)
		c.listener.Warn(fmt.Errorf("%w: call %s: %v", ErrEstablishment, s.DisplayName, err))
		return
	}

	telemetry.ServiceOperationCounter.WithLabelValues("originate", "success", "").Add(1)
	s.call = call
	c.watch(s)
}

// expireAfter ends the connecting phase of s once ctx is done. Publishing
// an offer succeeds with nobody listening, so the call itself never fails
// for an unreachable endpoint.
func (c *Coordinator) expireAfter(ctx context.Context, s *Session) {
	go func() {
		<-ctx.Done()
		c.loop.Post(func() {
			c.expire(s)
		})
	}()
}

func (c *Coordinator) expire(s *Session) {
	if c.tornDown || c.sessions[s.RemoteEndpoint] != s || s.State != Connecting {
		return
	}

	log.Warn().Str("service", "session").Str("participant", string(s.RemoteParticipant)).Str("endpoint", string(s.RemoteEndpoint)).Dur("timeout", c.timeout).Msg("session did not go live in time")
	telemetry.ServiceOperationCounter.WithLabelValues("establish", "error", "timeout").Add(1)
	c.drop(s.RemoteEndpoint)
	c.listener.Warn(fmt.Errorf("%w: %s did not answer in time", ErrEstablishment, s.DisplayName))
}

// OnRosterLeave closes the session of endpoint. An empty endpoint closes
// every session of participant.
func (c *Coordinator) OnRosterLeave(participant core.ParticipantID, endpoint core.EndpointID) {
	if c.tornDown {
		return
	}

	if endpoint != "" {
		c.drop(endpoint)
		return
	}
	for _, s := range c.sortedSessions() {
		if s.RemoteParticipant == participant {
			c.drop(s.RemoteEndpoint)
		}
	}
}

// OnInboundSession answers a call or rejects it, resolving glare.
func (c *Coordinator) OnInboundSession(call media.Call) {
	remote := call.Peer()
	logger := log.With().Str("service", "session").Str("endpoint", string(remote)).Str("call", call.ID()).Logger()

	if c.tornDown || remote == "" || remote == c.local {
		_ = call.Close()
		return
	}
	if !c.Ready() {
		logger.Info().Msg("reject inbound session, local media is not ready")
		telemetry.ServiceOperationCounter.WithLabelValues("answer", "rejected", "not_ready").Add(1)
		_ = call.Close()
		return
	}

	var direction Direction
	existing, ok := c.sessions[remote]
	if ok {
		direction = existing.Direction
	}
	if !AcceptInbound(c.local, remote, direction) {
		logger.Info().Msg("glare, keep the originated session")
		telemetry.ServiceOperationCounter.WithLabelValues("answer", "rejected", "glare").Add(1)
		_ = call.Close()
		return
	}
	if ok {
		logger.Info().Str("direction", string(direction)).Msg("inbound session replaces the existing one")
		c.drop(remote)
	}

	meta := call.Metadata()
	participant, name := meta.ParticipantID, meta.DisplayName
	if pid, rosterName, known := c.members.Owner(remote); known {
		participant, name = pid, rosterName
	}
	if name == "" {
		name = core.AnonymousName
	}

	ctx, cancel := context.WithTimeout(c.ctx, c.timeout)
	s := &Session{
		RemoteEndpoint:    remote,
		RemoteParticipant: participant,
		DisplayName:       name,
		Direction:         Answered,
		State:             Connecting,
		call:              call,
		cancel:            cancel,
	}
	c.sessions[remote] = s
	c.expireAfter(ctx, s)
	c.watch(s)

	logger.Info().Str("participant", string(participant)).Msg("answer session")

	src := c.source
	go func() {
		if err := call.Answer(ctx, src); err != nil {
			c.loop.Post(func() {
				c.failAnswer(s, err)
			})
		}
	}()
}

func (c *Coordinator) failAnswer(s *Session, err error) {
	if c.tornDown || c.sessions[s.RemoteEndpoint] != s {
		return
	}

	log.Warn().Err(err).Str("service", "session").Str("endpoint", string(s.RemoteEndpoint)).Msg("answer failed")
	telemetry.ServiceOperationCounter.WithLabelValues("answer", "error", "answer_failed").Add(1)
	c.drop(s.RemoteEndpoint)
	c.listener.Warn(fmt.Errorf("%w: answer %s: %v", ErrEstablishment, s.DisplayName, err))
}

// watch routes the call callbacks back onto the loop.
func (c *Coordinator) watch(s *Session) {
	call := s.call
	call.OnRemoteStream(func(stream *media.RemoteStream) {
		c.loop.Post(func() {
			c.onStream(s, stream)
		})
	})
	call.OnClose(func() {
		c.loop.Post(func() {
			c.onCallClosed(s)
		})
	})
}

func (c *Coordinator) onStream(s *Session, stream *media.RemoteStream) {
	if c.tornDown || c.sessions[s.RemoteEndpoint] != s || s.State != Connecting {
		return
	}

	s.State = Live
	s.stream = stream

	if s.pendingVideo != nil {
		if err := s.call.ReplaceOutboundVideo(s.pendingVideo); err != nil {
			log.Warn().Err(err).Str("service", "session").Str("endpoint", string(s.RemoteEndpoint)).Msg("apply pending video")
		}
		s.pendingVideo = nil
	}

	log.Info().Str("service", "session").Str("endpoint", string(s.RemoteEndpoint)).Str("direction", string(s.Direction)).Msg("session is live")
	telemetry.SessionStarted()
	c.listener.SessionLive(s.view())
}

func (c *Coordinator) onCallClosed(s *Session) {
	if c.sessions[s.RemoteEndpoint] != s {
		return
	}

	log.Info().Str("service", "session").Str("endpoint", string(s.RemoteEndpoint)).Msg("call closed by the library")
	c.drop(s.RemoteEndpoint)
}

// drop is the single cleanup path for leave, disconnect, failure and teardown.
func (c *Coordinator) drop(endpoint core.EndpointID) {
	s, ok := c.sessions[endpoint]
	if !ok {
		return
	}
	delete(c.sessions, endpoint)

	wasLive := s.State == Live
	s.State = Closed
	s.pendingVideo = nil
	if s.cancel != nil {
		s.cancel()
	}
	if s.call != nil {
		_ = s.call.Close()
	}
	if wasLive {
		telemetry.SessionStopped()
	}

	log.Debug().Str("service", "session").Str("endpoint", string(endpoint)).Bool("was_live", wasLive).Msg("session closed")
	c.listener.SessionClosed(s.view())
}

// ReplaceOutboundVideo swaps the video of every live session. Connecting
// sessions get the track once they go live.
func (c *Coordinator) ReplaceOutboundVideo(t *media.Track) {
	for _, s := range c.sortedSessions() {
		switch s.State {
		case Live:
			if err := s.call.ReplaceOutboundVideo(t); err != nil {
				log.Warn().Err(err).Str("service", "session").Str("endpoint", string(s.RemoteEndpoint)).Msg("replace outbound video")
				c.listener.Warn(fmt.Errorf("replace video for %s: %w", s.DisplayName, err))
			}
		case Connecting:
			s.pendingVideo = t
		}
	}
}

// TeardownAll closes every session. Later callbacks are ignored.
func (c *Coordinator) TeardownAll() {
	if c.tornDown {
		return
	}

	for _, s := range c.sortedSessions() {
		c.drop(s.RemoteEndpoint)
	}
	c.tornDown = true
	c.cancel()
}

func (c *Coordinator) TornDown() bool {
	return c.tornDown
}

// Sessions returns views of the non-closed sessions ordered by endpoint.
func (c *Coordinator) Sessions() []View {
	out := make([]View, 0, len(c.sessions))
	for _, s := range c.sortedSessions() {
		out = append(out, s.view())
	}
	return out
}

// Session returns the view of the session held for endpoint.
func (c *Coordinator) Session(endpoint core.EndpointID) (View, bool) {
	s, ok := c.sessions[endpoint]
	if !ok {
		return View{}, false
	}
	return s.view(), true
}

func (c *Coordinator) sortedSessions() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RemoteEndpoint < out[j].RemoteEndpoint })
	return out
}
