package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/oggreader"
	"github.com/rs/zerolog/log"
)

const oggPageDuration = 20 * time.Millisecond

var ErrCaptureUnavailable = errors.New("media: capture unavailable")

// Capturer acquires local sources. Failures wrap ErrCaptureUnavailable.
type Capturer interface {
	Microphone(ctx context.Context) (*Track, error)
	Camera(ctx context.Context) (*Track, error)
	Screen(ctx context.Context) (*Track, error)
}

// FileCapturer plays media files as if they were devices. The camera and
// microphone loop forever; the screen ends with the file, which looks like
// the user stopping the share from outside the app.
type FileCapturer struct {
	MicrophoneFile string
	CameraFile     string
	ScreenFile     string
}

func (c *FileCapturer) Microphone(ctx context.Context) (*Track, error) {
	if c.MicrophoneFile == "" {
		return nil, fmt.Errorf("%w: no microphone", ErrCaptureUnavailable)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	probe, err := openOgg(c.MicrophoneFile)
	if err != nil {
		return nil, err
	}
	probe.Close()

	track, err := NewAudioTrack("microphone")
	if err != nil {
		return nil, err
	}
	go playOgg(track, c.MicrophoneFile)

	return track, nil
}

func (c *FileCapturer) Camera(ctx context.Context) (*Track, error) {
	return c.video(ctx, "camera", c.CameraFile, true)
}

func (c *FileCapturer) Screen(ctx context.Context) (*Track, error) {
	return c.video(ctx, "screen", c.ScreenFile, false)
}

func (c *FileCapturer) video(ctx context.Context, label, file string, loop bool) (*Track, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if file == "" {
		return nil, fmt.Errorf("%w: no %s", ErrCaptureUnavailable, label)
	}
	probe, _, err := openIVF(file)
	if err != nil {
		return nil, err
	}
	probe.Close()

	track, err := NewVideoTrack(label)
	if err != nil {
		return nil, err
	}
	go playIVF(track, file, loop)

	return track, nil
}

type ivfFile struct {
	*os.File
	reader *ivfreader.IVFReader
}

func openIVF(name string) (*ivfFile, *ivfreader.IVFFileHeader, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	return &ivfFile{File: file, reader: reader}, header, nil
}

type oggFile struct {
	*os.File
	reader *oggreader.OggReader
}

func openOgg(name string) (*oggFile, error) {
	file, err := os.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	reader, _, err := oggreader.NewWith(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	return &oggFile{File: file, reader: reader}, nil
}

// playIVF paces frames by the timebase of the file until the track stops.
func playIVF(track *Track, name string, loop bool) {
	for {
		ivf, header, err := openIVF(name)
		if err != nil {
			log.Error().Err(err).Str("service", "media").Str("track", track.Label()).Msg("reopen video file")
			track.End()
			return
		}

		frameDuration := time.Millisecond * time.Duration((float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
		if frameDuration <= 0 {
			frameDuration = time.Second / 30
		}

		eof := pumpIVF(track, ivf, frameDuration)
		ivf.Close()

		if !eof || !loop {
			if eof {
				log.Debug().Str("service", "media").Str("track", track.Label()).Msg("video file ended")
				track.End()
			}
			return
		}
	}
}

func pumpIVF(track *Track, ivf *ivfFile, frameDuration time.Duration) bool {
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-track.Stopped():
			return false
		case <-ticker.C:
		}

		frame, _, err := ivf.reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			log.Error().Err(err).Str("service", "media").Str("track", track.Label()).Msg("parse video frame")
			return true
		}

		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			log.Error().Err(err).Str("service", "media").Str("track", track.Label()).Msg("write video sample")
		}
	}
}

func playOgg(track *Track, name string) {
	for {
		ogg, err := openOgg(name)
		if err != nil {
			log.Error().Err(err).Str("service", "media").Str("track", track.Label()).Msg("reopen audio file")
			track.End()
			return
		}

		eof := pumpOgg(track, ogg)
		ogg.Close()

		if !eof {
			return
		}
	}
}

func pumpOgg(track *Track, ogg *oggFile) bool {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		select {
		case <-track.Stopped():
			return false
		case <-ticker.C:
		}

		page, header, err := ogg.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return true
		}
		if err != nil {
			log.Error().Err(err).Str("service", "media").Str("track", track.Label()).Msg("parse audio page")
			return true
		}

		// The amount of samples is the difference between the last and current timestamp
		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		sampleDuration := time.Duration((sampleCount/48000)*1000) * time.Millisecond

		if err := track.WriteSample(pionmedia.Sample{Data: page, Duration: sampleDuration}); err != nil {
			log.Error().Err(err).Str("service", "media").Str("track", track.Label()).Msg("write audio sample")
		}
	}
}
