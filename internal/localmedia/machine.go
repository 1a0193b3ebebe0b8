// Package localmedia owns the local outbound source: mute toggles in place
// and camera/screen switches fanned out to every session.
package localmedia

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/telemetry"
)

const defaultCaptureTimeout = time.Minute

var (
	ErrNotStarted           = errors.New("localmedia: local media is not started")
	ErrTransitionInProgress = errors.New("localmedia: a source switch is in progress")
)

type Mode string

const (
	Camera Mode = "camera"
	Screen Mode = "screen"
)

type State struct {
	Mode          Mode `json:"mode"`
	MicEnabled    bool `json:"mic_enabled"`
	CameraEnabled bool `json:"camera_enabled"`
	Switching     bool `json:"switching"`
	Started       bool `json:"started"`
}

type Loop interface {
	Post(fn func())
}

// Fanout replaces the outbound video on every session.
type Fanout interface {
	ReplaceOutboundVideo(t *media.Track)
}

// Listener is called on the loop.
type Listener interface {
	PreviewChanged(t *media.Track)
	Warn(err error)
}

type Options struct {
	Loop           Loop
	Capturer       media.Capturer
	Fanout         Fanout
	Listener       Listener
	CameraOnJoin   bool
	CaptureTimeout time.Duration
}

// Machine switches the outbound video between camera and screen. Every
// method except Acquire must be called on the loop.
type Machine struct {
	loop     Loop
	capturer media.Capturer
	fanout   Fanout
	listener Listener
	timeout  time.Duration

	source        *media.LocalSource
	mode          Mode
	micEnabled    bool
	cameraEnabled bool
	switching     bool
	generation    uint64
	tornDown      bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewMachine(opts Options) *Machine {
	if opts.CaptureTimeout <= 0 {
		opts.CaptureTimeout = defaultCaptureTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Machine{
		loop:          opts.Loop,
		capturer:      opts.Capturer,
		fanout:        opts.Fanout,
		listener:      opts.Listener,
		timeout:       opts.CaptureTimeout,
		mode:          Camera,
		micEnabled:    true,
		cameraEnabled: opts.CameraOnJoin,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Acquire captures the microphone and camera. It blocks and may be called from any goroutine.
func (m *Machine) Acquire(ctx context.Context) (*media.LocalSource, error) {
	audio, err := m.capturer.Microphone(ctx)
	if err != nil {
		return nil, fmt.Errorf("microphone: %w", err)
	}

	video, err := m.capturer.Camera(ctx)
	if err != nil {
		audio.Stop()
		return nil, fmt.Errorf("camera: %w", err)
	}

	return media.NewLocalSource(audio, video), nil
}

// Install makes src the outbound source, applying the initial mute state.
func (m *Machine) Install(src *media.LocalSource) {
	if m.tornDown {
		src.Stop()
		return
	}

	m.source = src
	m.mode = Camera
	src.Audio().SetEnabled(m.micEnabled)
	src.Video().SetEnabled(m.cameraEnabled)
	m.listener.PreviewChanged(src.Video())
}

func (m *Machine) Source() *media.LocalSource {
	return m.source
}

func (m *Machine) State() State {
	return State{
		Mode:          m.mode,
		MicEnabled:    m.micEnabled,
		CameraEnabled: m.cameraEnabled,
		Switching:     m.switching,
		Started:       m.source != nil,
	}
}

// ToggleMic flips the enabled flag of the audio track in place.
func (m *Machine) ToggleMic() (State, error) {
	if m.source == nil || m.tornDown {
		return m.State(), ErrNotStarted
	}

	m.micEnabled = !m.micEnabled
	m.source.Audio().SetEnabled(m.micEnabled)

	return m.State(), nil
}

// ToggleCamera flips the enabled flag of the current video track in place,
// whether it is the camera or a screen share.
func (m *Machine) ToggleCamera() (State, error) {
	if m.source == nil || m.tornDown {
		return m.State(), ErrNotStarted
	}

	m.cameraEnabled = !m.cameraEnabled
	m.source.Video().SetEnabled(m.cameraEnabled)

	return m.State(), nil
}

func (m *Machine) StartScreenShare() error {
	if m.source == nil || m.tornDown {
		return ErrNotStarted
	}
	if m.switching {
		return ErrTransitionInProgress
	}
	if m.mode == Screen {
		return nil
	}

	m.switchTo(Screen)
	return nil
}

func (m *Machine) StopScreenShare() error {
	if m.source == nil || m.tornDown {
		return ErrNotStarted
	}
	if m.switching {
		return ErrTransitionInProgress
	}
	if m.mode == Camera {
		return nil
	}

	m.switchTo(Camera)
	return nil
}

// switchTo acquires the new source off the loop and finishes on it.
func (m *Machine) switchTo(target Mode) {
	m.switching = true
	m.generation++
	generation := m.generation

	log.Info().Str("service", "localmedia").Str("from", string(m.mode)).Str("to", string(target)).Msg("switch outbound video")

	ctx, cancel := context.WithTimeout(m.ctx, m.timeout)
	capturer := m.capturer
	go func() {
		defer cancel()

		var (
			t   *media.Track
			err error
		)
		if target == Screen {
			t, err = capturer.Screen(ctx)
		} else {
			t, err = capturer.Camera(ctx)
		}

		m.loop.Post(func() {
			m.finishSwitch(generation, target, t, err)
		})
	}()
}

func (m *Machine) finishSwitch(generation uint64, target Mode, t *media.Track, err error) {
	if m.tornDown || generation != m.generation {
		if t != nil {
			t.Stop()
		}
		return
	}
	m.switching = false

	if err != nil {
		log.Warn().Err(err).Str("service", "localmedia").Str("target", string(target)).Msg("source acquisition failed")
		telemetry.ServiceOperationCounter.WithLabelValues("switch_"+string(target), "error", "capture").Add(1)
		m.listener.Warn(fmt.Errorf("%s: %w", target, err))
		return
	}

	t.SetEnabled(m.cameraEnabled)
	old := m.source.SwapVideo(t)
	m.mode = target

	m.fanout.ReplaceOutboundVideo(t)
	m.listener.PreviewChanged(t)

	if old != nil && old != t {
		old.Stop()
	}
	if target == Screen {
		go m.watchEnded(t)
	}

	telemetry.ServiceOperationCounter.WithLabelValues("switch_"+string(target), "success", "").Add(1)
}

// watchEnded falls back to the camera when the share is stopped outside the app.
func (m *Machine) watchEnded(t *media.Track) {
	select {
	case <-t.Ended():
	case <-t.Stopped():
		select {
		case <-t.Ended():
		default:
			return
		}
	}

	m.loop.Post(func() {
		m.onShareEnded(t)
	})
}

func (m *Machine) onShareEnded(t *media.Track) {
	if m.tornDown || m.mode != Screen || m.source.Video() != t || m.switching {
		return
	}

	log.Info().Str("service", "localmedia").Msg("screen share ended externally")
	m.switchTo(Camera)
}

// Teardown stops capture and ignores every acquisition still in flight.
func (m *Machine) Teardown() {
	if m.tornDown {
		return
	}
	m.tornDown = true
	m.generation++
	m.switching = false
	m.cancel()

	if m.source != nil {
		m.source.Stop()
	}
}
