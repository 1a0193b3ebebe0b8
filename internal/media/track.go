package media

import (
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"go.uber.org/atomic"
)

const streamID = "livelook"

// Track is a locally captured source. The same track is bound to every
// peer connection that sends it, so muting it mutes it everywhere.
type Track struct {
	label   string
	local   *webrtc.TrackLocalStaticSample
	enabled *atomic.Bool

	stopOnce sync.Once
	stopped  chan struct{}
	endOnce  sync.Once
	ended    chan struct{}
}

func NewTrack(capability webrtc.RTPCodecCapability, label string) (*Track, error) {
	local, err := webrtc.NewTrackLocalStaticSample(capability, label+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}

	t := &Track{
		label:   label,
		local:   local,
		enabled: atomic.NewBool(true),
		stopped: make(chan struct{}),
		ended:   make(chan struct{}),
	}

	return t, nil
}

func NewAudioTrack(label string) (*Track, error) {
	return NewTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}, label)
}

func NewVideoTrack(label string) (*Track, error) {
	return NewTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, label)
}

func (t *Track) ID() string {
	return t.local.ID()
}

func (t *Track) Label() string {
	return t.label
}

func (t *Track) Kind() webrtc.RTPCodecType {
	return t.local.Kind()
}

// Local is the pion track to bind to a peer connection.
func (t *Track) Local() webrtc.TrackLocal {
	return t.local
}

func (t *Track) Enabled() bool {
	return t.enabled.Load()
}

// SetEnabled mutes or unmutes the track in place.
func (t *Track) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// WriteSample forwards a captured sample unless the track is muted or stopped.
func (t *Track) WriteSample(s pionmedia.Sample) error {
	if !t.Enabled() || t.IsStopped() {
		return nil
	}
	return t.local.WriteSample(s)
}

// Stop ends capture. It is safe to call more than once.
func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
	})
}

func (t *Track) Stopped() <-chan struct{} {
	return t.stopped
}

func (t *Track) IsStopped() bool {
	select {
	case <-t.stopped:
		return true
	default:
		return false
	}
}

// End marks the track as terminated by the platform, e.g. a screen share
// stopped from outside the app.
func (t *Track) End() {
	t.endOnce.Do(func() {
		close(t.ended)
	})
	t.Stop()
}

func (t *Track) Ended() <-chan struct{} {
	return t.ended
}
