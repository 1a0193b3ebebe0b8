package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIVF(t *testing.T, frames int) string {
	t.Helper()

	buf := &bytes.Buffer{}
	header := make([]byte, 32)
	copy(header[0:4], "DKIF")
	binary.LittleEndian.PutUint16(header[6:8], 32)
	copy(header[8:12], "VP80")
	binary.LittleEndian.PutUint16(header[12:14], 64)
	binary.LittleEndian.PutUint16(header[14:16], 48)
	binary.LittleEndian.PutUint32(header[16:20], 100)
	binary.LittleEndian.PutUint32(header[20:24], 1)
	binary.LittleEndian.PutUint32(header[24:28], uint32(frames))
	buf.Write(header)

	for i := 0; i < frames; i++ {
		frameHeader := make([]byte, 12)
		binary.LittleEndian.PutUint32(frameHeader[0:4], 4)
		binary.LittleEndian.PutUint64(frameHeader[4:12], uint64(i))
		buf.Write(frameHeader)
		buf.Write([]byte{0x10, 0x02, 0x00, 0x9d})
	}

	name := filepath.Join(t.TempDir(), "screen.ivf")
	require.NoError(t, os.WriteFile(name, buf.Bytes(), 0o600))

	return name
}

func TestTrack(t *testing.T) {
	track, err := NewVideoTrack("camera")
	require.NoError(t, err)

	assert.Equal(t, "camera", track.Label())
	assert.True(t, track.Enabled())
	assert.NotEmpty(t, track.ID())

	track.SetEnabled(false)
	assert.False(t, track.Enabled())

	track.Stop()
	track.Stop()
	assert.True(t, track.IsStopped())

	select {
	case <-track.Ended():
		t.Fatal("stop must not end the track")
	default:
	}

	track.End()
	<-track.Ended()
}

func TestTrackToggleFromManyGoroutines(t *testing.T) {
	track, err := NewAudioTrack("microphone")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(on bool) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				track.SetEnabled(on)
				_ = track.Enabled()
			}
		}(i%2 == 0)
	}
	wg.Wait()

	track.SetEnabled(true)
	assert.True(t, track.Enabled())
}

func TestLocalSourceSwapVideo(t *testing.T) {
	audio, err := NewAudioTrack("microphone")
	require.NoError(t, err)
	camera, err := NewVideoTrack("camera")
	require.NoError(t, err)
	screen, err := NewVideoTrack("screen")
	require.NoError(t, err)

	src := NewLocalSource(audio, camera)
	old := src.SwapVideo(screen)
	assert.Same(t, camera, old)
	assert.Same(t, screen, src.Video())
	assert.Same(t, audio, src.Audio())

	src.Stop()
	assert.True(t, audio.IsStopped())
	assert.True(t, screen.IsStopped())
	assert.False(t, camera.IsStopped())
}

func TestCallEventsBuffersUntilRegistered(t *testing.T) {
	ev := &CallEvents{}

	stream := NewRemoteStream("s1")
	assert.True(t, ev.EmitStream(stream))
	assert.False(t, ev.EmitStream(NewRemoteStream("s2")))

	var got *RemoteStream
	ev.OnRemoteStream(func(s *RemoteStream) { got = s })
	assert.Same(t, stream, got)

	closes := 0
	ev.OnClose(func() { closes++ })
	assert.True(t, ev.EmitClose())
	assert.False(t, ev.EmitClose())
	assert.Equal(t, 1, closes)
	assert.True(t, ev.Closed())
}

func TestCallEventsNoStreamAfterClose(t *testing.T) {
	ev := &CallEvents{}
	ev.EmitClose()

	assert.False(t, ev.EmitStream(NewRemoteStream("s1")))

	closed := false
	ev.OnClose(func() { closed = true })
	assert.True(t, closed)
}

func TestFileCapturerUnavailable(t *testing.T) {
	c := &FileCapturer{CameraFile: filepath.Join(t.TempDir(), "missing.ivf")}
	ctx := context.Background()

	_, err := c.Camera(ctx)
	assert.ErrorIs(t, err, ErrCaptureUnavailable)

	_, err = c.Screen(ctx)
	assert.ErrorIs(t, err, ErrCaptureUnavailable)

	_, err = c.Microphone(ctx)
	assert.ErrorIs(t, err, ErrCaptureUnavailable)
}

func TestFileCapturerScreenEndsWithFile(t *testing.T) {
	c := &FileCapturer{ScreenFile: writeIVF(t, 3)}

	track, err := c.Screen(context.Background())
	require.NoError(t, err)

	select {
	case <-track.Ended():
	case <-time.After(2 * time.Second):
		t.Fatal("screen track did not end with its file")
	}
	assert.True(t, track.IsStopped())
}

func TestFileCapturerCameraLoops(t *testing.T) {
	c := &FileCapturer{CameraFile: writeIVF(t, 2)}

	track, err := c.Camera(context.Background())
	require.NoError(t, err)

	select {
	case <-track.Ended():
		t.Fatal("camera must loop")
	case <-time.After(200 * time.Millisecond):
	}
	track.Stop()
}

func TestRemoteStreamOnTrackReplays(t *testing.T) {
	s := NewRemoteStream("s1")
	s.AddTrack(nil)

	calls := 0
	s.OnTrack(func(_ *webrtc.TrackRemote) { calls++ })
	s.AddTrack(nil)

	assert.Equal(t, 2, calls)
	assert.Len(t, s.Tracks(), 2)
}
