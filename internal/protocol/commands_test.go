package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLEDPayloadSharedColor(t *testing.T) {
	payload, err := EncodeLEDPayload([]int{3, 7, 12}, []Color{{R: 10, G: 20, B: 30}})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 3, 7, 12, 10, 20, 30}, payload)
}

func TestEncodeLEDPayloadUniformListCollapsesToFormatA(t *testing.T) {
	c := Color{R: 10, G: 20, B: 30}
	payload, err := EncodeLEDPayload([]int{3, 7, 12}, []Color{c, c, c})
	require.NoError(t, err)
	assert.Equal(t, []byte{3, 3, 7, 12, 10, 20, 30}, payload)
}

func TestEncodeLEDPayloadMixedColorsUseFormatB(t *testing.T) {
	payload, err := EncodeLEDPayload(
		[]int{3, 7, 12},
		[]Color{{R: 10, G: 20, B: 30}, {R: 10, G: 20, B: 30}, {R: 40, G: 50, B: 60}},
	)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		3,
		3, 10, 20, 30,
		7, 10, 20, 30,
		12, 40, 50, 60,
	}, payload)
}

func TestEncodeLEDPayloadValidation(t *testing.T) {
	cases := []struct {
		name   string
		holes  []int
		colors []Color
	}{
		{"no holes", nil, []Color{{}}},
		{"no colors", []int{1, 2}, nil},
		{"count mismatch", []int{1, 2, 3}, []Color{{}, {}}},
		{"hole above byte range", []int{300}, []Color{{}}},
		{"negative hole", []int{-1}, []Color{{}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := EncodeLEDPayload(tc.holes, tc.colors)
			assert.Error(t, err)
		})
	}
}

func TestEncodeLEDFormatB(t *testing.T) {
	payload, err := EncodeLEDFormatB([]int{0, 20}, []Color{{R: 1}, {B: 2}})
	require.NoError(t, err)
	assert.Equal(t, []byte{2, 0, 1, 0, 0, 20, 0, 0, 2}, payload)

	_, err = EncodeLEDFormatB([]int{0, 20}, []Color{{R: 1}})
	assert.Error(t, err)
}

func TestEncodeForceStart(t *testing.T) {
	cases := []struct {
		name string
		rate float64
		dev  ForceDevice
		want []byte
	}{
		{"100 Hz white", 100, DeviceWhite, []byte{0x10, 0x27, 0x00, 0x00, 0x00}},
		{"50 Hz both", 50, DeviceBoth, []byte{0x20, 0x4E, 0x00, 0x00, 0x02}},
		{"200 Hz blue", 200, DeviceBlue, []byte{0x88, 0x13, 0x00, 0x00, 0x01}},
		{"333 Hz rounds period", 333, DeviceWhite, []byte{0xBB, 0x0B, 0x00, 0x00, 0x00}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := EncodeForceStart(tc.rate, tc.dev)
			require.NoError(t, err)
			assert.Equal(t, tc.want, payload)
		})
	}

	_, err := EncodeForceStart(0, DeviceWhite)
	assert.Error(t, err)
	_, err = EncodeForceStart(-5, DeviceWhite)
	assert.Error(t, err)
	_, err = EncodeForceStart(100, ForceDevice(7))
	assert.Error(t, err)
}

func TestParseForceDevice(t *testing.T) {
	for in, want := range map[string]ForceDevice{
		"white": DeviceWhite,
		"WHITE": DeviceWhite,
		"Blue":  DeviceBlue,
		"both":  DeviceBoth,
		"BoTh":  DeviceBoth,
	} {
		got, err := ParseForceDevice(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseForceDevice("green")
	assert.Error(t, err)
	_, err = ParseForceDevice("")
	assert.Error(t, err)
}

func TestParseForceData(t *testing.T) {
	// time=1000us, value=-123, device=blue
	reading, err := ParseForceData([]byte{0xE8, 0x03, 0x00, 0x00, 0x85, 0xFF, 0x01})
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), reading.TimeMicros)
	assert.Equal(t, int16(-123), reading.Value)
	assert.Equal(t, DeviceBlue, reading.Device)

	_, err = ParseForceData([]byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadPayload)
	_, err = ParseForceData(nil)
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestEncodeReedStart(t *testing.T) {
	payload, err := EncodeReedStart(100, []int{0, 5, 10})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x27, 0x00, 0x00, 0x21, 0x04, 0x00, 0x00}, payload)

	all := make([]int, 21)
	for i := range all {
		all[i] = i
	}
	payload, err = EncodeReedStart(100, all)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x10, 0x27, 0x00, 0x00, 0xFF, 0xFF, 0x1F, 0x00}, payload)

	_, err = EncodeReedStart(0, []int{1})
	assert.Error(t, err)
	_, err = EncodeReedStart(100, []int{32})
	assert.Error(t, err)
}

func TestParseReedData(t *testing.T) {
	states, err := ParseReedData([]byte{0x21, 0x04, 0x00, 0x00})
	require.NoError(t, err)
	assert.True(t, states.Inserted(0))
	assert.True(t, states.Inserted(5))
	assert.True(t, states.Inserted(10))
	assert.False(t, states.Inserted(1))
	assert.False(t, states.Inserted(20))
	assert.False(t, states.Inserted(-1))
	assert.False(t, states.Inserted(32))

	_, err = ParseReedData([]byte{0x01})
	assert.ErrorIs(t, err, ErrBadPayload)
}

func TestTypeNames(t *testing.T) {
	assert.Equal(t, "FORCE_START", TypeName(CmdForceStart))
	assert.Equal(t, "ACK", TypeName(MsgAck))
	assert.Equal(t, "REED_DATA", TypeName(DataReed))
	assert.Equal(t, "UNKNOWN_0x7E", TypeName(0x7E))

	assert.Equal(t, "BAD_PAYLOAD", NackName(NackBadPayload))
	assert.Equal(t, "UNKNOWN_9", NackName(9))
}
