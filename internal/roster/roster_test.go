package roster

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-meet/internal/core"
	"github.com/isqad/livelook-meet/internal/presence"
)

func record(name string, endpoint core.EndpointID) []core.PresenceRecord {
	return []core.PresenceRecord{{DisplayName: name, EndpointID: endpoint, OnlineAt: time.Now()}}
}

func TestApplyJoin(t *testing.T) {
	m := NewManager("abc-def-123")

	deltas := m.ApplyJoin("alice", record("Alice", "e1"))
	require.Len(t, deltas, 1)
	assert.Equal(t, Delta{Kind: Join, ParticipantID: "alice", DisplayName: "Alice", EndpointID: "e1"}, deltas[0])

	e, ok := m.Lookup("alice")
	require.True(t, ok)
	assert.Equal(t, core.EndpointID("e1"), e.EndpointID)

	t.Run("without endpoint", func(t *testing.T) {
		deltas := m.ApplyJoin("bob", record("", ""))
		require.Len(t, deltas, 1)
		assert.Equal(t, core.EndpointID(""), deltas[0].EndpointID)
		assert.Equal(t, core.AnonymousName, deltas[0].DisplayName)
	})

	t.Run("endpoint changes after reload", func(t *testing.T) {
		deltas := m.ApplyJoin("alice", record("Alice", "e2"))
		require.Len(t, deltas, 2)
		assert.Equal(t, Leave, deltas[0].Kind)
		assert.Equal(t, core.EndpointID("e1"), deltas[0].EndpointID)
		assert.Equal(t, Join, deltas[1].Kind)
		assert.Equal(t, core.EndpointID("e2"), deltas[1].EndpointID)
		assert.True(t, deltas[1].Synthetic)
	})

	t.Run("no records", func(t *testing.T) {
		assert.Empty(t, m.ApplyJoin("carol", nil))
	})
}

func TestApplyLeave(t *testing.T) {
	m := NewManager("abc-def-123")
	m.ApplyJoin("alice", record("Alice", "e1"))
	m.ApplyJoin("bob", record("Bob", "e2"))

	deltas := m.ApplyLeave("alice", nil)
	require.Len(t, deltas, 1)
	assert.Equal(t, Leave, deltas[0].Kind)
	assert.Equal(t, core.EndpointID("e1"), deltas[0].EndpointID)
	assert.False(t, deltas[0].Synthetic)

	_, ok := m.Lookup("alice")
	assert.False(t, ok)
	assert.Equal(t, 1, m.Len())

	t.Run("unknown participant without endpoint", func(t *testing.T) {
		assert.Empty(t, m.ApplyLeave("ghost", nil))
	})

	t.Run("unknown participant with endpoint in payload", func(t *testing.T) {
		deltas := m.ApplyLeave("ghost", record("Ghost", "e9"))
		require.Len(t, deltas, 1)
		assert.Equal(t, core.EndpointID("e9"), deltas[0].EndpointID)
	})
}

func TestApplySync(t *testing.T) {
	m := NewManager("abc-def-123")
	m.ApplyJoin("a", record("A", "ea"))
	m.ApplyJoin("b", record("B", "eb"))

	deltas := m.ApplySync(presence.State{
		"a": record("A", "ea"),
		"c": record("C", "ec"),
	})

	require.Len(t, deltas, 2)
	assert.Equal(t, Delta{Kind: Leave, ParticipantID: "b", DisplayName: "B", EndpointID: "eb", Synthetic: true}, deltas[0])
	assert.Equal(t, Delta{Kind: Join, ParticipantID: "c", DisplayName: "C", EndpointID: "ec", Synthetic: true}, deltas[1])

	ids := make([]core.ParticipantID, 0)
	for _, e := range m.Snapshot() {
		ids = append(ids, e.ParticipantID)
	}
	assert.ElementsMatch(t, []core.ParticipantID{"a", "c"}, ids)

	t.Run("endpoint published later", func(t *testing.T) {
		m.ApplyJoin("d", record("D", ""))
		deltas := m.ApplySync(presence.State{
			"a": record("A", "ea"),
			"c": record("C", "ec"),
			"d": record("D", "ed"),
		})
		require.Len(t, deltas, 1)
		assert.Equal(t, Join, deltas[0].Kind)
		assert.Equal(t, core.EndpointID("ed"), deltas[0].EndpointID)
	})

	t.Run("identical sync yields nothing", func(t *testing.T) {
		deltas := m.ApplySync(presence.State{
			"a": record("A", "ea"),
			"c": record("C", "ec"),
			"d": record("D", "ed"),
		})
		assert.Empty(t, deltas)
	})
}

func TestApplyReady(t *testing.T) {
	m := NewManager("abc-def-123")

	assert.Empty(t, m.ApplyReady("alice", "e1", "Alice"))

	m.ApplyJoin("alice", record("Alice", ""))
	deltas := m.ApplyReady("alice", "e1", "Alice")
	require.Len(t, deltas, 1)
	assert.Equal(t, Join, deltas[0].Kind)
	assert.Equal(t, core.EndpointID("e1"), deltas[0].EndpointID)
	assert.True(t, m.Holds("alice", "e1"))

	pid, name, ok := m.Owner("e1")
	require.True(t, ok)
	assert.Equal(t, core.ParticipantID("alice"), pid)
	assert.Equal(t, "Alice", name)
}

func TestApplyDispatch(t *testing.T) {
	m := NewManager("abc-def-123")

	deltas := m.Apply(presence.JoinEvent{Key: "alice", Records: record("Alice", "e1")})
	assert.Len(t, deltas, 1)

	assert.Nil(t, m.Apply(presence.MessageEvent{SenderID: "alice", Text: "hi"}))

	deltas = m.Apply(presence.LeaveEvent{Key: "alice"})
	assert.Len(t, deltas, 1)
}

func TestSnapshotOrder(t *testing.T) {
	m := NewManager("abc-def-123")
	now := time.Now()
	m.ApplyJoin("late", []core.PresenceRecord{{DisplayName: "Late", OnlineAt: now.Add(time.Minute)}})
	m.ApplyJoin("early", []core.PresenceRecord{{DisplayName: "Early", OnlineAt: now}})

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, core.ParticipantID("early"), snap[0].ParticipantID)
}

func TestCheckCapacity(t *testing.T) {
	state := presence.State{"a": record("A", ""), "self": record("Me", "")}

	assert.NoError(t, CheckCapacity(state, "self", 0))
	assert.NoError(t, CheckCapacity(state, "self", 2))
	assert.ErrorIs(t, CheckCapacity(state, "other", 2), ErrRoomFull)
	assert.ErrorIs(t, CheckCapacity(state, "self", 1), ErrRoomFull)
}
