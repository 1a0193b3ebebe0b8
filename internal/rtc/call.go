package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/rpc"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

var errNoVideoSender = errors.New("rtc: call has no video sender")

// Call is one peer connection towards a remote endpoint.
type Call struct {
	media.CallEvents

	id    string
	local core.EndpointID
	peer  core.EndpointID
	meta  core.CallMetadata
	lib   *Library

	transport *PCTransport
	allocator *StreamAllocator

	mu          sync.Mutex
	remoteOffer *webrtc.SessionDescription
	videoSender *webrtc.RTPSender
	stream      *media.RemoteStream

	closeOnce sync.Once
	done      chan struct{}
}

func newCall(lib *Library, id string, local, peer core.EndpointID, meta core.CallMetadata) (*Call, error) {
	c := &Call{
		id:        id,
		local:     local,
		peer:      peer,
		meta:      meta,
		lib:       lib,
		allocator: NewStreamAllocator(id),
		done:      make(chan struct{}),
	}

	transport, err := NewPCTransport(lib.params, func(bwe cc.BandwidthEstimator) {
		c.allocator.SetBandwidthEstimator(bwe)
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}
	c.transport = transport

	pc := transport.pc
	pc.OnICECandidate(c.onICECandidate)
	pc.OnConnectionStateChange(c.onConnectionStateChange)
	pc.OnTrack(c.onTrack)

	return c, nil
}

func (c *Call) ID() string {
	return c.id
}

func (c *Call) Peer() core.EndpointID {
	return c.peer
}

func (c *Call) Metadata() core.CallMetadata {
	return c.meta
}

// TargetBitrate is the current send side bandwidth estimate in bits per second.
func (c *Call) TargetBitrate() int {
	return c.allocator.TargetBitrate()
}

func (c *Call) offer(ctx context.Context, src *media.LocalSource) error {
	if err := c.addSource(src); err != nil {
		return err
	}

	pc := c.transport.pc
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	log.Debug().Str("service", "rtc").Str("call", c.id).Str("peer", c.peer.String()).Msg("send offer")

	msg := rpc.NewSDPOfferRpc(pc.LocalDescription(), c.id, c.meta)
	if err := c.lib.transport.Publish(ctx, c.peer, c.local, msg); err != nil {
		return fmt.Errorf("publish offer: %w", err)
	}
	return nil
}

// Answer accepts an inbound call with the local source.
func (c *Call) Answer(ctx context.Context, src *media.LocalSource) error {
	c.mu.Lock()
	offer := c.remoteOffer
	c.remoteOffer = nil
	c.mu.Unlock()

	if offer == nil {
		return fmt.Errorf("answer call %s: no pending offer", c.id)
	}
	if err := c.addSource(src); err != nil {
		return err
	}
	if err := c.transport.SetRemoteDescription(*offer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}

	pc := c.transport.pc
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	log.Debug().Str("service", "rtc").Str("call", c.id).Str("peer", c.peer.String()).Msg("send answer")

	if err := c.lib.transport.Publish(ctx, c.peer, c.local, rpc.NewSDPAnswerRpc(pc.LocalDescription(), c.id)); err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("answer", "error", "signal").Add(1)
		return fmt.Errorf("publish answer: %w", err)
	}

	telemetry.ServiceOperationCounter.WithLabelValues("answer", "success", "").Add(1)
	return nil
}

func (c *Call) handleAnswer(desc webrtc.SessionDescription) error {
	if err := c.transport.SetRemoteDescription(desc); err != nil {
		c.shutdown(true)
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

// ReplaceOutboundVideo swaps the track sent on the video sender without renegotiation.
func (c *Call) ReplaceOutboundVideo(t *media.Track) error {
	c.mu.Lock()
	sender := c.videoSender
	c.mu.Unlock()

	if sender == nil {
		return errNoVideoSender
	}
	return sender.ReplaceTrack(t.Local())
}

// Close hangs up and releases the peer connection.
func (c *Call) Close() error {
	c.shutdown(true)
	return nil
}

func (c *Call) addSource(src *media.LocalSource) error {
	if src == nil {
		return fmt.Errorf("call %s: no local source", c.id)
	}

	pc := c.transport.pc
	for _, t := range []*media.Track{src.Audio(), src.Video()} {
		if t == nil {
			continue
		}
		sender, err := pc.AddTrack(t.Local())
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Label(), err)
		}
		go drainRTCP(sender)

		if t.Kind() == webrtc.RTPCodecTypeVideo {
			c.mu.Lock()
			c.videoSender = sender
			c.mu.Unlock()
		}
	}
	return nil
}

// drainRTCP reads incoming RTCP so the interceptors keep working.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

func (c *Call) onICECandidate(candidate *webrtc.ICECandidate) {
	if candidate == nil {
		return
	}

	if err := c.lib.publish(c.peer, rpc.NewICECandidateRpc(candidate.ToJSON(), c.id)); err != nil {
		log.Error().Err(err).Str("service", "rtc").Str("call", c.id).Msg("error on send ICE candidate")
	}
}

func (c *Call) onConnectionStateChange(state webrtc.PeerConnectionState) {
	log.Debug().Str("service", "rtc").Str("call", c.id).Str("state", state.String()).Msg("connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "success", "").Add(1)
	case webrtc.PeerConnectionStateFailed:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "error", "state_failed").Add(1)
		c.shutdown(true)
	case webrtc.PeerConnectionStateClosed:
		c.shutdown(false)
	}
}

func (c *Call) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	log.Debug().Str("service", "rtc").Str("call", c.id).Str("kind", track.Kind().String()).Msg("on media track")

	if track.Kind() == webrtc.RTPCodecTypeVideo {
		go c.requestKeyframes(track)
	}

	c.mu.Lock()
	first := c.stream == nil
	if first {
		c.stream = media.NewRemoteStream(track.StreamID())
	}
	stream := c.stream
	c.mu.Unlock()

	stream.AddTrack(track)
	if first {
		c.EmitStream(stream)
	}
}

// requestKeyframes sends a PLI every rtcpPLIInterval until the call ends.
func (c *Call) requestKeyframes(track *webrtc.TrackRemote) {
	ticker := time.NewTicker(rtcpPLIInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.transport.pc.WriteRTCP(
				[]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(track.SSRC())}},
			); err != nil {
				log.Debug().Err(err).Str("service", "rtc").Str("call", c.id).Msg("write PLI")
			}
		}
	}
}

// shutdown is the single exit of a call. notify tells the peer to hang up.
func (c *Call) shutdown(notify bool) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.lib.remove(c.id)

		if notify {
			if err := c.lib.publish(c.peer, rpc.NewHangupRpc(c.id, "closed")); err != nil {
				log.Debug().Err(err).Str("service", "rtc").Str("call", c.id).Msg("publish hangup")
			}
		}

		// Close peer connections without blocking. If the peer connection is
		// gathering candidates Close will block.
		go c.transport.Close()

		log.Debug().Str("service", "rtc").Str("call", c.id).Str("peer", c.peer.String()).Msg("call closed")
		c.EmitClose()
	})
}
