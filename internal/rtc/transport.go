package rtc

import (
	"sync"
	"time"

	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-meet/internal/config"
)

const rtcpPLIInterval = time.Second * 3

// PCTransport is one peer connection with trickle ICE. Candidates that
// arrive before the remote description are held back.
type PCTransport struct {
	pc *webrtc.PeerConnection
	me *webrtc.MediaEngine

	lock              sync.Mutex
	pendingCandidates []webrtc.ICECandidateInit
}

type TransportParams struct {
	EnabledCodecs []config.CodecSpec
	Config        *config.WebRTCConfig
}

func NewPCTransport(params TransportParams, onEstimator func(cc.BandwidthEstimator)) (*PCTransport, error) {
	pc, me, err := newPeerConnection(params, onEstimator)
	if err != nil {
		return nil, err
	}

	t := &PCTransport{
		pc:                pc,
		me:                me,
		pendingCandidates: make([]webrtc.ICECandidateInit, 0),
	}

	t.pc.OnICEGatheringStateChange(func(state webrtc.ICEGathererState) {
		if state == webrtc.ICEGathererStateComplete {
			log.Debug().Str("service", "rtc").Msg("ICE gathering complete")
		}
	})

	return t, nil
}

func newPeerConnection(params TransportParams, onEstimator func(cc.BandwidthEstimator)) (*webrtc.PeerConnection, *webrtc.MediaEngine, error) {
	me, ir, err := createMediaEngine(params.EnabledCodecs, params.Config.Call, onEstimator)
	if err != nil {
		return nil, nil, err
	}

	// each call owns its engine, pion does not need to copy it
	se := params.Config.SettingEngine
	se.DisableMediaEngineCopy(true)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(me),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)

	pc, err := api.NewPeerConnection(params.Config.Configuration)

	return pc, me, err
}

func (t *PCTransport) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if t.pc.RemoteDescription() != nil {
		return t.pc.AddICECandidate(candidate)
	}

	t.pendingCandidates = append(t.pendingCandidates, candidate)

	return nil
}

func (t *PCTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.lock.Lock()
	defer t.lock.Unlock()

	if err := t.pc.SetRemoteDescription(sdp); err != nil {
		return err
	}

	for _, candidate := range t.pendingCandidates {
		if err := t.pc.AddICECandidate(candidate); err != nil {
			log.Warn().Err(err).Str("service", "rtc").Msg("add pending ICE candidate")
		}
	}

	t.pendingCandidates = make([]webrtc.ICECandidateInit, 0)

	return nil
}

func (t *PCTransport) Close() {
	_ = t.pc.Close()
}
