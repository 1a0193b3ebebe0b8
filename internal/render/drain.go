// Package render consumes remote media the way a video element would:
// every remote track is read until it ends and its packets are counted.
package render

import (
	"sort"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

// View is the rendered media of one remote participant.
type View struct {
	ParticipantID core.ParticipantID `json:"participant_id"`
	EndpointID    core.EndpointID    `json:"endpoint_id"`
	StreamID      string             `json:"stream_id"`
	Tracks        int                `json:"tracks"`
	Packets       uint64             `json:"packets"`
	Lost          uint64             `json:"lost"`
}

type view struct {
	participant core.ParticipantID
	endpoint    core.EndpointID
	stream      *media.RemoteStream

	detached atomic.Bool
	tracks   atomic.Int32
	packets  atomic.Uint64
	lost     atomic.Uint64
}

// Drain keeps one view per remote participant.
type Drain struct {
	mu    sync.RWMutex
	views map[core.ParticipantID]*view
}

func NewDrain() *Drain {
	return &Drain{views: make(map[core.ParticipantID]*view)}
}

// Attach renders stream as the view of participant, replacing any previous view.
func (d *Drain) Attach(participant core.ParticipantID, endpoint core.EndpointID, stream *media.RemoteStream) {
	v := &view{participant: participant, endpoint: endpoint, stream: stream}

	d.mu.Lock()
	if prev, ok := d.views[participant]; ok {
		prev.detached.Store(true)
	}
	d.views[participant] = v
	d.mu.Unlock()

	log.Debug().Str("service", "render").Str("participant", participant.String()).Str("endpoint", endpoint.String()).Msg("attach remote view")

	if stream == nil {
		return
	}
	stream.OnTrack(func(t *webrtc.TrackRemote) {
		v.tracks.Inc()
		go v.read(t)
	})
}

// Detach removes the view of participant if it still renders endpoint.
func (d *Drain) Detach(participant core.ParticipantID, endpoint core.EndpointID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	v, ok := d.views[participant]
	if !ok || v.endpoint != endpoint {
		return false
	}
	v.detached.Store(true)
	delete(d.views, participant)

	log.Debug().Str("service", "render").Str("participant", participant.String()).Str("endpoint", endpoint.String()).Msg("detach remote view")
	return true
}

// Clear detaches every view.
func (d *Drain) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()

	for pid, v := range d.views {
		v.detached.Store(true)
		delete(d.views, pid)
	}
}

func (d *Drain) Views() []View {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]View, 0, len(d.views))
	for _, v := range d.views {
		out = append(out, v.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParticipantID < out[j].ParticipantID })
	return out
}

func (d *Drain) View(participant core.ParticipantID) (View, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	v, ok := d.views[participant]
	if !ok {
		return View{}, false
	}
	return v.snapshot(), true
}

func (v *view) snapshot() View {
	out := View{
		ParticipantID: v.participant,
		EndpointID:    v.endpoint,
		Tracks:        int(v.tracks.Load()),
		Packets:       v.packets.Load(),
		Lost:          v.lost.Load(),
	}
	if v.stream != nil {
		out.StreamID = v.stream.ID
	}
	return out
}

// read consumes t until the call closes it.
func (v *view) read(t *webrtc.TrackRemote) {
	kind := t.Kind().String()
	seq := &sequence{}

	for {
		pkt, _, err := t.ReadRTP()
		if err != nil {
			log.Debug().Err(err).Str("service", "render").Str("participant", v.participant.String()).Str("kind", kind).Msg("remote track ended")
			return
		}
		if v.detached.Load() {
			continue
		}
		v.count(kind, seq, pkt)
	}
}

func (v *view) count(kind string, seq *sequence, pkt *rtp.Packet) {
	lost := seq.push(pkt)

	v.packets.Inc()
	telemetry.RTPPacketCounter.WithLabelValues(kind).Inc()
	if lost > 0 {
		v.lost.Add(uint64(lost))
		telemetry.RTPPacketLossCounter.WithLabelValues(kind).Add(float64(lost))
	}
}

// sequence follows RTP sequence numbers and reports gaps.
type sequence struct {
	started bool
	last    uint16
}

// push returns how many packets are missing before pkt. Late and duplicate
// packets report zero.
func (s *sequence) push(pkt *rtp.Packet) int {
	n := pkt.SequenceNumber
	if !s.started {
		s.started = true
		s.last = n
		return 0
	}

	diff := n - s.last
	if diff == 0 || diff >= 0x8000 {
		return 0
	}
	s.last = n
	return int(diff) - 1
}
