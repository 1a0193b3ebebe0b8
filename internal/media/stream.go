package media

import (
	"sync"

	"github.com/pion/webrtc/v3"
)

// RemoteStream is the media a remote endpoint sends on a call. Tracks arrive one by one.
type RemoteStream struct {
	ID string

	mu      sync.Mutex
	tracks  []*webrtc.TrackRemote
	onTrack func(*webrtc.TrackRemote)
}

func NewRemoteStream(id string) *RemoteStream {
	return &RemoteStream{ID: id}
}

func (s *RemoteStream) AddTrack(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	fn := s.onTrack
	s.mu.Unlock()

	if fn != nil {
		fn(t)
	}
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]*webrtc.TrackRemote(nil), s.tracks...)
}

// OnTrack registers fn for every track of the stream, including the ones already received.
func (s *RemoteStream) OnTrack(fn func(*webrtc.TrackRemote)) {
	s.mu.Lock()
	s.onTrack = fn
	existing := append([]*webrtc.TrackRemote(nil), s.tracks...)
	s.mu.Unlock()

	for _, t := range existing {
		fn(t)
	}
}
