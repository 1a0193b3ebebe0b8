package rtc

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/config"
	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/media"
	"github.com/isqad/livelook-meet/internal/rpc"
	"github.com/isqad/livelook-meet/internal/signal"
)

func testParams(t *testing.T) TransportParams {
	conf, err := config.Load("")
	require.NoError(t, err)

	conf.RTC.ICEServers = nil
	rtcConf, err := config.NewWebRTCConfig(conf)
	require.NoError(t, err)

	return TransportParams{EnabledCodecs: conf.Peer.EnabledCodecs, Config: rtcConf}
}

func testSource(t *testing.T) *media.LocalSource {
	audio, err := media.NewAudioTrack("microphone")
	require.NoError(t, err)
	video, err := media.NewVideoTrack("camera")
	require.NoError(t, err)

	return media.NewLocalSource(audio, video)
}

func TestCallBeforeEndpoint(t *testing.T) {
	lib := NewLibrary(signal.NewMemoryTransport(), testParams(t))

	_, err := lib.Call(context.Background(), "remote", testSource(t), core.CallMetadata{})
	assert.ErrorIs(t, err, ErrEndpointNotReady)
}

func TestOfferWithoutHandlerIsRejected(t *testing.T) {
	ctx := context.Background()
	transport := signal.NewMemoryTransport()
	lib := NewLibrary(transport, testParams(t))
	defer lib.Destroy()

	local, err := lib.CreateEndpoint(ctx)
	require.NoError(t, err)

	remote, err := transport.Subscribe(ctx, "remote")
	require.NoError(t, err)
	defer remote.Close()

	offer := rpc.NewSDPOfferRpc(&webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, "c1", core.CallMetadata{ParticipantID: "bob"})
	require.NoError(t, transport.Publish(ctx, local, "remote", offer))

	select {
	case env := <-remote.Channel():
		assert.Equal(t, local, env.From)
		msg, err := env.Rpc()
		require.NoError(t, err)
		assert.Equal(t, rpc.HangupMethod, msg.GetMethod())
		assert.Equal(t, "c1", msg.GetCallID())
	case <-time.After(2 * time.Second):
		t.Fatal("no hangup for the rejected offer")
	}
}

func TestOfferAfterDestroyIsRejected(t *testing.T) {
	ctx := context.Background()
	transport := signal.NewMemoryTransport()
	lib := NewLibrary(transport, testParams(t))
	lib.OnIncomingCall(func(media.Call) { t.Error("destroyed endpoint accepted a call") })

	_, err := lib.CreateEndpoint(ctx)
	require.NoError(t, err)

	remote, err := transport.Subscribe(ctx, "remote")
	require.NoError(t, err)
	defer remote.Close()

	require.NoError(t, lib.Destroy())

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}
	err = lib.handleOffer("remote", rpc.SDPParams{SessionDescription: offer, CallID: "c2"})
	assert.ErrorIs(t, err, ErrEndpointNotReady)

	select {
	case env := <-remote.Channel():
		msg, err := env.Rpc()
		require.NoError(t, err)
		assert.Equal(t, rpc.HangupMethod, msg.GetMethod())
		assert.Equal(t, "c2", msg.GetCallID())
	case <-time.After(2 * time.Second):
		t.Fatal("no hangup from the destroyed endpoint")
	}
}

func TestMessagesForUnknownCall(t *testing.T) {
	lib := NewLibrary(signal.NewMemoryTransport(), testParams(t))

	err := lib.handle("remote", rpc.NewHangupRpc("missing", ""))
	assert.ErrorIs(t, err, ErrUnknownCall)

	err = lib.handle("remote", rpc.NewICECandidateRpc(webrtc.ICECandidateInit{Candidate: "candidate:1"}, "missing"))
	assert.ErrorIs(t, err, ErrUnknownCall)
}

func TestIsCodecEnabled(t *testing.T) {
	vp9 := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, SDPFmtpLine: "profile-id=0"}

	assert.True(t, isCodecEnabled([]config.CodecSpec{{Mime: "video/vp9"}}, vp9))
	assert.True(t, isCodecEnabled([]config.CodecSpec{{Mime: "video/VP9", FmtpLine: "profile-id=0"}}, vp9))
	assert.False(t, isCodecEnabled([]config.CodecSpec{{Mime: "video/VP9", FmtpLine: "profile-id=1"}}, vp9))
	assert.False(t, isCodecEnabled([]config.CodecSpec{{Mime: "video/VP8"}}, vp9))
}

func pump(t *media.Track, done <-chan struct{}) {
	ticker := time.NewTicker(33 * time.Millisecond)
	defer ticker.Stop()

	frame := make([]byte, 200)
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_ = t.WriteSample(pionmedia.Sample{Data: frame, Duration: 33 * time.Millisecond})
		}
	}
}

func TestLoopbackCall(t *testing.T) {
	if testing.Short() {
		t.Skip("opens real peer connections")
	}

	ctx := context.Background()
	transport := signal.NewMemoryTransport()
	params := testParams(t)

	caller := NewLibrary(transport, params)
	callee := NewLibrary(transport, params)
	defer caller.Destroy()
	defer callee.Destroy()

	_, err := caller.CreateEndpoint(ctx)
	require.NoError(t, err)
	calleeEndpoint, err := callee.CreateEndpoint(ctx)
	require.NoError(t, err)

	callerSrc, calleeSrc := testSource(t), testSource(t)
	done := make(chan struct{})
	defer close(done)
	go pump(callerSrc.Video(), done)
	go pump(calleeSrc.Video(), done)

	inbound := make(chan media.Call, 1)
	callee.OnIncomingCall(func(c media.Call) {
		assert.NoError(t, c.Answer(ctx, calleeSrc))
		inbound <- c
	})

	out, err := caller.Call(ctx, calleeEndpoint, callerSrc, core.CallMetadata{ParticipantID: "alice", DisplayName: "Alice"})
	require.NoError(t, err)

	var in media.Call
	select {
	case in = <-inbound:
	case <-time.After(5 * time.Second):
		t.Fatal("callee never saw the call")
	}
	assert.Equal(t, out.ID(), in.ID())
	assert.Equal(t, core.ParticipantID("alice"), in.Metadata().ParticipantID)

	outCall, inCall := out.(*Call), in.(*Call)
	assert.Eventually(t, func() bool { return outCall.Stream() != nil && inCall.Stream() != nil }, 15*time.Second, 50*time.Millisecond)

	screen, err := media.NewVideoTrack("screen")
	require.NoError(t, err)
	assert.NoError(t, out.ReplaceOutboundVideo(screen))

	require.NoError(t, out.Close())
	assert.Eventually(t, inCall.Closed, 5*time.Second, 50*time.Millisecond)
}
