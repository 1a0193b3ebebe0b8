package render

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/media"
)

func packet(seq uint16) *rtp.Packet {
	return &rtp.Packet{Header: rtp.Header{Version: 2, SequenceNumber: seq}}
}

func TestSequenceGaps(t *testing.T) {
	s := &sequence{}

	assert.Equal(t, 0, s.push(packet(10)))
	assert.Equal(t, 0, s.push(packet(11)))
	assert.Equal(t, 2, s.push(packet(14)))
	assert.Equal(t, 0, s.push(packet(12)), "late packet")
	assert.Equal(t, 0, s.push(packet(14)), "duplicate")
	assert.Equal(t, 0, s.push(packet(15)))
}

func TestSequenceWraps(t *testing.T) {
	s := &sequence{}

	assert.Equal(t, 0, s.push(packet(65534)))
	assert.Equal(t, 0, s.push(packet(65535)))
	assert.Equal(t, 1, s.push(packet(1)))
}

func TestCountUpdatesView(t *testing.T) {
	v := &view{participant: "bob", endpoint: "e1"}
	seq := &sequence{}

	v.count("video", seq, packet(1))
	v.count("video", seq, packet(2))
	v.count("video", seq, packet(5))

	snap := v.snapshot()
	assert.Equal(t, uint64(3), snap.Packets)
	assert.Equal(t, uint64(2), snap.Lost)
}

func TestAttachDetach(t *testing.T) {
	d := NewDrain()

	d.Attach("bob", "e1", media.NewRemoteStream("s1"))
	d.Attach("carol", "e2", nil)

	views := d.Views()
	require.Len(t, views, 2)
	assert.Equal(t, "s1", views[0].StreamID)
	assert.Equal(t, "", views[1].StreamID)

	d.Attach("bob", "e3", media.NewRemoteStream("s3"))
	assert.False(t, d.Detach("bob", "e1"), "stale endpoint keeps the newer view")

	v, ok := d.View("bob")
	require.True(t, ok)
	assert.Equal(t, "s3", v.StreamID)

	assert.True(t, d.Detach("bob", "e3"))
	_, ok = d.View("bob")
	assert.False(t, ok)

	d.Clear()
	assert.Empty(t, d.Views())
}
