package localmedia

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/media/mediatest"
)

type testLoop struct {
	mu    sync.Mutex
	queue []func()
}

func (l *testLoop) Post(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.queue = append(l.queue, fn)
}

func (l *testLoop) settle() {
	idle := 0
	for idle < 5 {
		l.mu.Lock()
		queue := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(queue) == 0 {
			idle++
			time.Sleep(10 * time.Millisecond)
			continue
		}
		idle = 0
		for _, fn := range queue {
			fn()
		}
	}
}

type recordingFanout struct {
	tracks []*media.Track
}

func (f *recordingFanout) ReplaceOutboundVideo(t *media.Track) {
	f.tracks = append(f.tracks, t)
}

type recordingListener struct {
	previews []*media.Track
	warns    []error
}

func (l *recordingListener) PreviewChanged(t *media.Track) { l.previews = append(l.previews, t) }
func (l *recordingListener) Warn(err error)                { l.warns = append(l.warns, err) }

type fixture struct {
	loop     *testLoop
	capturer *mediatest.Capturer
	fanout   *recordingFanout
	listener *recordingListener
	machine  *Machine
	source   *media.LocalSource
}

func newFixture(t *testing.T, cameraOnJoin bool) *fixture {
	f := &fixture{
		loop:     &testLoop{},
		capturer: &mediatest.Capturer{},
		fanout:   &recordingFanout{},
		listener: &recordingListener{},
	}
	f.machine = NewMachine(Options{
		Loop:         f.loop,
		Capturer:     f.capturer,
		Fanout:       f.fanout,
		Listener:     f.listener,
		CameraOnJoin: cameraOnJoin,
	})

	src, err := f.machine.Acquire(context.Background())
	require.NoError(t, err)
	f.machine.Install(src)
	f.source = src

	return f
}

func TestInstallDefaults(t *testing.T) {
	f := newFixture(t, false)

	state := f.machine.State()
	assert.Equal(t, Camera, state.Mode)
	assert.True(t, state.MicEnabled)
	assert.False(t, state.CameraEnabled)
	assert.True(t, state.Started)

	assert.True(t, f.source.Audio().Enabled())
	assert.False(t, f.source.Video().Enabled())
	require.Len(t, f.listener.previews, 1)
	assert.Same(t, f.source.Video(), f.listener.previews[0])
}

func TestTogglesMuteInPlace(t *testing.T) {
	f := newFixture(t, true)
	audio, video := f.source.Audio(), f.source.Video()

	state, err := f.machine.ToggleMic()
	require.NoError(t, err)
	assert.False(t, state.MicEnabled)
	assert.False(t, audio.Enabled())

	state, err = f.machine.ToggleCamera()
	require.NoError(t, err)
	assert.False(t, state.CameraEnabled)
	assert.False(t, video.Enabled())

	state, err = f.machine.ToggleMic()
	require.NoError(t, err)
	assert.True(t, state.MicEnabled)

	assert.Same(t, audio, f.source.Audio())
	assert.Same(t, video, f.source.Video())
	assert.Empty(t, f.fanout.tracks)
}

func TestStartScreenShare(t *testing.T) {
	f := newFixture(t, true)
	camera := f.source.Video()

	_, err := f.machine.ToggleMic()
	require.NoError(t, err)

	require.NoError(t, f.machine.StartScreenShare())
	assert.True(t, f.machine.State().Switching)
	f.loop.settle()

	screens := f.capturer.Screens()
	require.Len(t, screens, 1)
	screen := screens[0]

	state := f.machine.State()
	assert.Equal(t, Screen, state.Mode)
	assert.False(t, state.Switching)
	assert.False(t, state.MicEnabled, "mute state survives the swap")
	assert.True(t, screen.Enabled())

	assert.Same(t, screen, f.source.Video())
	require.Len(t, f.fanout.tracks, 1)
	assert.Same(t, screen, f.fanout.tracks[0])
	assert.Same(t, screen, f.listener.previews[len(f.listener.previews)-1])
	assert.True(t, camera.IsStopped())

	require.NoError(t, f.machine.StartScreenShare())
	f.loop.settle()
	assert.Len(t, f.capturer.Screens(), 1, "already sharing")
}

func TestScreenInheritsDisabledVideo(t *testing.T) {
	f := newFixture(t, false)

	require.NoError(t, f.machine.StartScreenShare())
	f.loop.settle()

	assert.False(t, f.source.Video().Enabled())
}

func TestStopScreenShare(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.machine.StartScreenShare())
	f.loop.settle()
	screen := f.source.Video()

	require.NoError(t, f.machine.StopScreenShare())
	f.loop.settle()

	assert.Equal(t, Camera, f.machine.State().Mode)
	cameras := f.capturer.Cameras()
	require.Len(t, cameras, 2)
	assert.Same(t, cameras[1], f.source.Video())
	assert.Same(t, cameras[1], f.fanout.tracks[len(f.fanout.tracks)-1])
	assert.True(t, screen.IsStopped())
}

func TestScreenCaptureFailureKeepsState(t *testing.T) {
	f := newFixture(t, true)
	camera := f.source.Video()
	f.capturer.SetScreenErr(errors.New("permission denied"))

	require.NoError(t, f.machine.StartScreenShare())
	f.loop.settle()

	assert.Equal(t, Camera, f.machine.State().Mode)
	assert.False(t, f.machine.State().Switching)
	assert.Same(t, camera, f.source.Video())
	assert.False(t, camera.IsStopped())
	assert.Empty(t, f.fanout.tracks)
	require.Len(t, f.listener.warns, 1)
	assert.ErrorIs(t, f.listener.warns[0], media.ErrCaptureUnavailable)
}

func TestExternalShareEndFallsBackToCamera(t *testing.T) {
	f := newFixture(t, true)

	require.NoError(t, f.machine.StartScreenShare())
	f.loop.settle()
	screen := f.source.Video()

	screen.End()
	f.loop.settle()

	assert.Equal(t, Camera, f.machine.State().Mode)
	assert.Len(t, f.capturer.Cameras(), 2)
	assert.Same(t, f.capturer.Cameras()[1], f.source.Video())
	require.Len(t, f.fanout.tracks, 2)
}

func TestSwitchInProgress(t *testing.T) {
	f := newFixture(t, true)
	f.capturer.ScreenGate = make(chan struct{})

	require.NoError(t, f.machine.StartScreenShare())
	assert.ErrorIs(t, f.machine.StartScreenShare(), ErrTransitionInProgress)
	assert.ErrorIs(t, f.machine.StopScreenShare(), ErrTransitionInProgress)

	_, err := f.machine.ToggleMic()
	assert.NoError(t, err, "mute toggles are orthogonal to switching")

	close(f.capturer.ScreenGate)
	f.loop.settle()
	assert.Equal(t, Screen, f.machine.State().Mode)
}

func TestTeardownDiscardsPendingSwitch(t *testing.T) {
	f := newFixture(t, true)
	f.capturer.ScreenGate = make(chan struct{})

	require.NoError(t, f.machine.StartScreenShare())
	f.machine.Teardown()
	close(f.capturer.ScreenGate)
	f.loop.settle()

	assert.Empty(t, f.fanout.tracks)
	assert.True(t, f.source.Audio().IsStopped())
	assert.True(t, f.source.Video().IsStopped())
	for _, s := range f.capturer.Screens() {
		assert.True(t, s.IsStopped())
	}

	_, err := f.machine.ToggleMic()
	assert.ErrorIs(t, err, ErrNotStarted)
}

func TestNotStarted(t *testing.T) {
	m := NewMachine(Options{Loop: &testLoop{}, Capturer: &mediatest.Capturer{}, Fanout: &recordingFanout{}, Listener: &recordingListener{}})

	_, err := m.ToggleMic()
	assert.ErrorIs(t, err, ErrNotStarted)
	_, err = m.ToggleCamera()
	assert.ErrorIs(t, err, ErrNotStarted)
	assert.ErrorIs(t, m.StartScreenShare(), ErrNotStarted)
	assert.ErrorIs(t, m.StopScreenShare(), ErrNotStarted)
}

func TestAcquireFailure(t *testing.T) {
	capturer := &mediatest.Capturer{MicrophoneErr: errors.New("no device")}
	m := NewMachine(Options{Loop: &testLoop{}, Capturer: capturer, Fanout: &recordingFanout{}, Listener: &recordingListener{}})

	_, err := m.Acquire(context.Background())
	assert.ErrorIs(t, err, media.ErrCaptureUnavailable)
}
