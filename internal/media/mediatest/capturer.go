package mediatest

import (
	"context"
	"fmt"
	"sync"

	"github.com/isqad/livelook-meet/internal/media"
)

// Capturer hands out real, unbound tracks and lets tests fail or hold capture.
type Capturer struct {
	mu sync.Mutex

	MicrophoneErr error
	CameraErr     error
	ScreenErr     error
	// ScreenGate, when set, holds screen capture until it is closed.
	ScreenGate chan struct{}

	cameras []*media.Track
	screens []*media.Track
}

func (c *Capturer) Microphone(ctx context.Context) (*media.Track, error) {
	c.mu.Lock()
	err := c.MicrophoneErr
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrCaptureUnavailable, err)
	}
	return media.NewAudioTrack("microphone")
}

func (c *Capturer) Camera(ctx context.Context) (*media.Track, error) {
	c.mu.Lock()
	err := c.CameraErr
	c.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrCaptureUnavailable, err)
	}

	t, err := media.NewVideoTrack("camera")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cameras = append(c.cameras, t)
	c.mu.Unlock()

	return t, nil
}

func (c *Capturer) Screen(ctx context.Context) (*media.Track, error) {
	c.mu.Lock()
	gate := c.ScreenGate
	err := c.ScreenErr
	c.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", media.ErrCaptureUnavailable, err)
	}

	t, err := media.NewVideoTrack("screen")
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.screens = append(c.screens, t)
	c.mu.Unlock()

	return t, nil
}

func (c *Capturer) SetScreenErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.ScreenErr = err
}

func (c *Capturer) SetCameraErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.CameraErr = err
}

func (c *Capturer) Cameras() []*media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*media.Track(nil), c.cameras...)
}

func (c *Capturer) Screens() []*media.Track {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*media.Track(nil), c.screens...)
}
