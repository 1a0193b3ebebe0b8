package rtc

import (
	"strings"

	"github.com/pion/interceptor"
	"github.com/pion/interceptor/pkg/cc"
	"github.com/pion/interceptor/pkg/gcc"
	"github.com/pion/webrtc/v3"

	"github.com/isqad/livelook-meet/internal/config"
)

const initialBitrate = 1_000_000

var opusCodec = webrtc.RTPCodecParameters{
	RTPCodecCapability: webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	},
	PayloadType: 111,
}

// videoCodecs a call may offer, in preference order. Only those enabled in
// the config are registered.
var videoCodecs = []struct {
	mime        string
	fmtp        string
	payloadType webrtc.PayloadType
}{
	{webrtc.MimeTypeVP8, "", 96},
	{webrtc.MimeTypeVP9, "profile-id=0", 98},
	{webrtc.MimeTypeVP9, "profile-id=1", 100},
	{webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f", 125},
	{webrtc.MimeTypeH264, "level-asymmetry-allowed=1;packetization-mode=0;profile-level-id=42e01f", 108},
	{webrtc.MimeTypeAV1, "", 35},
}

// createMediaEngine builds the codecs and the RTP/RTCP pipeline of one call.
// onEstimator receives the send side bandwidth estimator.
func createMediaEngine(
	enabledCodecs []config.CodecSpec,
	callConfig config.CallMediaConfig,
	onEstimator func(cc.BandwidthEstimator),
) (*webrtc.MediaEngine, *interceptor.Registry, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := registerCodecs(mediaEngine, enabledCodecs, callConfig.RTCPFeedback); err != nil {
		return nil, nil, err
	}

	if err := registerHeaderExtensions(mediaEngine, callConfig.RTPHeaderExtension); err != nil {
		return nil, nil, err
	}

	// A registry serves exactly one peer connection.
	i := &interceptor.Registry{}

	congestionController, err := cc.NewInterceptor(func() (cc.BandwidthEstimator, error) {
		return gcc.NewSendSideBWE(gcc.SendSideBWEInitialBitrate(initialBitrate))
	})
	if err != nil {
		return nil, nil, err
	}
	congestionController.OnNewPeerConnection(func(_ string, estimator cc.BandwidthEstimator) {
		if onEstimator != nil {
			onEstimator(estimator)
		}
	})
	i.Add(congestionController)

	if err := webrtc.ConfigureTWCCHeaderExtensionSender(mediaEngine, i); err != nil {
		return nil, nil, err
	}

	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		return nil, nil, err
	}

	return mediaEngine, i, nil
}

func registerCodecs(
	mediaEngine *webrtc.MediaEngine,
	enabledCodecs []config.CodecSpec,
	rtcpFeedback config.RTCPFeedbackConfig,
) error {
	audio := opusCodec
	audio.RTCPFeedback = rtcpFeedback.Audio
	if isCodecEnabled(enabledCodecs, audio.RTPCodecCapability) {
		if err := mediaEngine.RegisterCodec(audio, webrtc.RTPCodecTypeAudio); err != nil {
			return err
		}
	}

	for _, c := range videoCodecs {
		codec := webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:     c.mime,
				ClockRate:    90000,
				SDPFmtpLine:  c.fmtp,
				RTCPFeedback: rtcpFeedback.Video,
			},
			PayloadType: c.payloadType,
		}
		if !isCodecEnabled(enabledCodecs, codec.RTPCodecCapability) {
			continue
		}
		if err := mediaEngine.RegisterCodec(codec, webrtc.RTPCodecTypeVideo); err != nil {
			return err
		}
	}

	return nil
}

func registerHeaderExtensions(me *webrtc.MediaEngine, rtpHeaderExtension config.RTPHeaderExtensionConfig) error {
	for kind, uris := range map[webrtc.RTPCodecType][]string{
		webrtc.RTPCodecTypeAudio: rtpHeaderExtension.Audio,
		webrtc.RTPCodecTypeVideo: rtpHeaderExtension.Video,
	} {
		for _, uri := range uris {
			if err := me.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: uri}, kind); err != nil {
				return err
			}
		}
	}

	return nil
}

// isCodecEnabled matches by mime type, and by fmtp line when the config names one.
func isCodecEnabled(codecs []config.CodecSpec, cap webrtc.RTPCodecCapability) bool {
	for _, codec := range codecs {
		if !strings.EqualFold(codec.Mime, cap.MimeType) {
			continue
		}
		if codec.FmtpLine == "" || strings.EqualFold(codec.FmtpLine, cap.SDPFmtpLine) {
			return true
		}
	}
	return false
}
