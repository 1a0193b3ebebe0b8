package rtc

import (
	"github.com/pion/interceptor/pkg/cc"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

// StreamAllocator follows the send side bandwidth estimate of one call.
type StreamAllocator struct {
	callID string
	target atomic.Int64
}

func NewStreamAllocator(callID string) *StreamAllocator {
	s := &StreamAllocator{callID: callID}
	s.target.Store(initialBitrate)

	return s
}

func (s *StreamAllocator) SetBandwidthEstimator(bwe cc.BandwidthEstimator) {
	if bwe == nil {
		return
	}
	bwe.OnTargetBitrateChange(s.onTargetBitrateChange)
}

func (s *StreamAllocator) TargetBitrate() int {
	return int(s.target.Load())
}

// called when target bitrate changes (send side bandwidth estimation)
func (s *StreamAllocator) onTargetBitrateChange(bitrate int) {
	s.target.Store(int64(bitrate))
	log.Debug().Str("service", "rtc").Str("call", s.callID).Int("bitrate", bitrate).Msg("target bitrate changed")
}
