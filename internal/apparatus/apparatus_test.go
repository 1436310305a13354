package apparatus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apparatuslink/internal/protocol"
	"apparatuslink/internal/transport"
)

func newDemoApparatus(t *testing.T) *Apparatus {
	t.Helper()
	app := New(Config{Type: "demo", RateLimitMs: -1})
	require.NoError(t, app.Connect())
	t.Cleanup(func() { app.Close() })
	return app
}

func TestApparatusConnectDemo(t *testing.T) {
	app := New(Config{Type: "demo"})
	assert.False(t, app.Connected())

	require.NoError(t, app.Connect())
	assert.True(t, app.Connected())
	require.NoError(t, app.Connect(), "connect is idempotent")

	require.NoError(t, app.Close())
	assert.False(t, app.Connected())
	require.NoError(t, app.Close(), "close is idempotent")
}

func TestApparatusLEDRoundTrip(t *testing.T) {
	app := newDemoApparatus(t)
	red := protocol.Color{R: 255}

	require.NoError(t, app.SetHoleLights(AllHoles, red, false))
	require.NoError(t, app.SetColors(map[int]protocol.Color{3: red, 7: {B: 128}}, false))
	require.NoError(t, app.TurnOffHoleLights(InnerHoles, false))
	require.NoError(t, app.TurnOffAllLights(false))
}

func TestApparatusEmptySelectionIsNoOp(t *testing.T) {
	// an empty selection succeeds without touching the link at all
	app := New(Config{Type: "demo"})
	require.NoError(t, app.SetHoleLights(NoHoles, protocol.Color{R: 1}, false))
	require.NoError(t, app.SetColors(nil, false))
}

func TestApparatusRateLimiting(t *testing.T) {
	app := New(Config{Type: "demo", RateLimitMs: 3600000})
	require.NoError(t, app.Connect())
	t.Cleanup(func() { app.Close() })
	red := protocol.Color{R: 255}

	require.NoError(t, app.SetHoleLights(Holes(0), red, true), "first send passes")

	err := app.SetHoleLights(Holes(1), red, true)
	assert.ErrorIs(t, err, transport.ErrRateLimited)
	err = app.TurnOffAllLights(true)
	assert.ErrorIs(t, err, transport.ErrRateLimited)

	// opting out bypasses the limiter
	require.NoError(t, app.SetHoleLights(Holes(2), red, false))
}

func TestApparatusForceDemoStream(t *testing.T) {
	app := newDemoApparatus(t)
	force := app.Force()

	require.NoError(t, force.Start(200, protocol.DeviceBoth))
	assert.Eventually(t, func() bool {
		force.Update()
		return len(force.White().Values) > 0 && len(force.Blue().Values) > 0
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, force.Stop())
	assert.False(t, force.Measuring())

	white := force.White()
	assert.GreaterOrEqual(t, white.Max, white.Current)
	assert.Equal(t, len(white.Values), len(white.Timestamps))
}

func TestApparatusReedDemoStream(t *testing.T) {
	app := newDemoApparatus(t)
	reed := app.Reed()

	require.NoError(t, reed.Start(100, AllHoles))
	assert.Eventually(t, func() bool {
		reed.Update()
		return reed.EventCount() > 0
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, reed.Stop())
	assert.False(t, reed.Measuring())
	assert.NotEmpty(t, reed.Summary())
}

func TestApparatusNotConnected(t *testing.T) {
	app := New(Config{})

	assert.ErrorIs(t, app.SetHoleLights(AllHoles, protocol.Color{R: 1}, false), ErrNotConnected)
	assert.ErrorIs(t, app.ShowLeds(), ErrNotConnected)
	assert.ErrorIs(t, app.Force().Start(100, protocol.DeviceWhite), ErrNotConnected)
	assert.ErrorIs(t, app.Reed().Start(100, AllHoles), ErrNotConnected)

	assert.Zero(t, app.ResponseCount())
	assert.Empty(t, app.Responses())
	_, ok := app.LatestResponse()
	assert.False(t, ok)
	app.ClearResponses() // must not panic
	app.ResetClock()
}

func TestApparatusRejectsBadColorMap(t *testing.T) {
	app := newDemoApparatus(t)
	err := app.SetColors(map[int]protocol.Color{30: {R: 1}}, false)
	require.Error(t, err)
}
