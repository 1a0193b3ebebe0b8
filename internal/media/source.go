package media

import "sync"

// LocalSource is the outbound media shared by every session.
type LocalSource struct {
	mu    sync.RWMutex
	audio *Track
	video *Track
}

func NewLocalSource(audio, video *Track) *LocalSource {
	return &LocalSource{audio: audio, video: video}
}

func (s *LocalSource) Audio() *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.audio
}

func (s *LocalSource) Video() *Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.video
}

// SwapVideo installs a new outbound video track and returns the previous one.
func (s *LocalSource) SwapVideo(t *Track) *Track {
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.video
	s.video = t
	return old
}

// Stop stops capture of every track of the source.
func (s *LocalSource) Stop() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.audio != nil {
		s.audio.Stop()
	}
	if s.video != nil {
		s.video.Stop()
	}
}
