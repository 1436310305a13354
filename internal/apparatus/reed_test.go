package apparatus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apparatuslink/internal/protocol"
	"apparatuslink/internal/transport"
)

func newReedRecorder(f *fakeSession) *ReedRecorder {
	r := &ReedRecorder{}
	r.bind(f)
	return r
}

func TestReedStartSendsCommand(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)

	require.NoError(t, r.Start(100, Holes(0, 5, 10)))
	assert.True(t, r.Measuring())
	require.Len(t, f.sent, 1)
	assert.Equal(t, protocol.CmdReedStart, f.sent[0].msgType)
	assert.Equal(t, protocol.AddrClient, f.sent[0].dst)
	assert.Equal(t, []byte{0x10, 0x27, 0x00, 0x00, 0x21, 0x04, 0x00, 0x00}, f.sent[0].payload)
	assert.Equal(t, 1, f.cleared)
}

func TestReedEdgeDetection(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(4)))

	const bit4 = 1 << 4
	f.addReed(1.0, bit4)
	f.addReed(1.5, 0)
	f.addReed(2.0, bit4)
	f.addReed(2.2, 0)
	r.Update()

	events := r.Events()
	require.Len(t, events, 4)
	assert.Equal(t, ReedEvent{T: 1.0, Hole: 4, Action: ReedInsert}, events[0])
	assert.Equal(t, ReedEvent{T: 1.5, Hole: 4, Action: ReedRemove}, events[1])
	assert.Equal(t, ReedEvent{T: 2.0, Hole: 4, Action: ReedInsert}, events[2])
	assert.Equal(t, ReedEvent{T: 2.2, Hole: 4, Action: ReedRemove}, events[3])

	f.now = 3.0
	require.NoError(t, r.Stop())
	summary := r.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, 4, summary[0].Hole)
	assert.Equal(t, 2, summary[0].Insertions)
	assert.Equal(t, 2, summary[0].Removals)
	assert.InDelta(t, 0.7, summary[0].Duration, 1e-9)
}

func TestReedOpenIntervalClosedAtStop(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(2)))

	f.addReed(1.0, 1<<2)
	f.now = 2.5
	require.NoError(t, r.Stop())

	summary := r.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, 1, summary[0].Insertions)
	assert.Equal(t, 0, summary[0].Removals)
	assert.InDelta(t, 1.5, summary[0].Duration, 1e-9)
}

func TestReedRepeatedSnapshotsNoEdges(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(4)))

	const bit4 = 1 << 4
	f.addReed(1.0, bit4)
	f.addReed(1.1, bit4)
	f.addReed(1.2, bit4)
	r.Update()
	assert.Equal(t, 1, r.EventCount())
}

func TestReedIgnoresUnmonitoredHoles(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(0, 5)))

	f.addReed(1.0, 1<<7)
	r.Update()
	assert.Zero(t, r.EventCount())

	// a monitored hole in the same snapshot still counts
	f.addReed(1.2, 1<<7|1<<5)
	r.Update()
	require.Equal(t, 1, r.EventCount())
	assert.Equal(t, 5, r.Events()[0].Hole)
}

func TestReedDuplicateHolesCountOnce(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(4, 4, 4)))

	f.addReed(1.0, 1<<4)
	f.addReed(1.5, 0)
	r.Update()
	assert.Equal(t, 2, r.EventCount())

	f.now = 2.0
	require.NoError(t, r.Stop())
	summary := r.Summary()
	require.Len(t, summary, 1)
	assert.Equal(t, 1, summary[0].Insertions)
	assert.Equal(t, 1, summary[0].Removals)
}

func TestReedSummarySortedAndFiltered(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, AllHoles))

	f.addReed(1.0, 1<<9)
	f.addReed(1.2, 1<<9|1<<2)
	f.addReed(1.4, 1<<2)
	f.now = 2.0
	require.NoError(t, r.Stop())

	summary := r.Summary()
	require.Len(t, summary, 2, "untouched holes are omitted")
	assert.Equal(t, 2, summary[0].Hole)
	assert.Equal(t, 9, summary[1].Hole)

	// hole 2 was still inserted at stop
	assert.Equal(t, 1, summary[0].Insertions)
	assert.Equal(t, 0, summary[0].Removals)
	assert.InDelta(t, 0.8, summary[0].Duration, 1e-9)

	assert.Equal(t, 1, summary[1].Insertions)
	assert.Equal(t, 1, summary[1].Removals)
	assert.InDelta(t, 0.4, summary[1].Duration, 1e-9)
}

func TestReedStatesSnapshot(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(3, 4)))

	f.addReed(1.0, 1<<4)
	r.Update()
	states := r.States()
	assert.True(t, states[4])
	assert.False(t, states[3])
}

func TestReedStartRejectsBadHoles(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)

	err := r.Start(100, Holes(25))
	require.Error(t, err)
	assert.Empty(t, f.sent)
	assert.False(t, r.Measuring())
}

func TestReedSkipsForeignResponses(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(4)))

	f.addForce(0.9, 123, protocol.DeviceWhite)
	f.addReed(1.0, 1<<4)
	r.Update()
	assert.Equal(t, 1, r.EventCount())
}

func TestReedMalformedSnapshotSkipped(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(4)))

	f.add(transport.Response{
		T:   1.0,
		Msg: protocol.Message{Type: protocol.DataReed, Payload: []byte{0x01}},
	})
	f.addReed(1.5, 1<<4)
	r.Update()
	require.Equal(t, 1, r.EventCount(), "short snapshot dropped")
	assert.Equal(t, 1.5, r.Events()[0].T)
}

func TestReedRestartClears(t *testing.T) {
	f := &fakeSession{}
	r := newReedRecorder(f)
	require.NoError(t, r.Start(100, Holes(4)))
	f.addReed(1.0, 1<<4)
	f.addReed(1.5, 0)
	f.now = 2.0
	require.NoError(t, r.Stop())
	require.Equal(t, 2, r.EventCount())

	require.NoError(t, r.Start(100, Holes(4)))
	assert.Zero(t, r.EventCount())
	assert.Empty(t, r.Summary())
	assert.Equal(t, [NumHoles]bool{}, r.States())
}

func TestReedNotConnected(t *testing.T) {
	r := &ReedRecorder{}
	assert.ErrorIs(t, r.Start(100, AllHoles), ErrNotConnected)
	assert.ErrorIs(t, r.Stop(), ErrNotConnected)
	r.Update() // must not panic
}
