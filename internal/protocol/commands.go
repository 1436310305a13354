package protocol

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

// Color is an 8-bit-per-channel RGB triple as sent to the LED driver.
type Color struct {
	R, G, B uint8
}

// EncodeLEDFormatA builds the shared-color LED payload:
//
//	count:u8 holes[count]:u8 r:u8 g:u8 b:u8
func EncodeLEDFormatA(holes []int, c Color) ([]byte, error) {
	if err := checkHoleList(holes); err != nil {
		return nil, err
	}
	payload := make([]byte, 0, 1+len(holes)+3)
	payload = append(payload, byte(len(holes)))
	for _, h := range holes {
		payload = append(payload, byte(h))
	}
	return append(payload, c.R, c.G, c.B), nil
}

// EncodeLEDFormatB builds the per-hole-color LED payload:
//
//	count:u8 (hole:u8 r:u8 g:u8 b:u8)[count]
func EncodeLEDFormatB(holes []int, colors []Color) ([]byte, error) {
	if err := checkHoleList(holes); err != nil {
		return nil, err
	}
	if len(colors) != len(holes) {
		return nil, fmt.Errorf("protocol: %d holes but %d colors", len(holes), len(colors))
	}
	payload := make([]byte, 0, 1+4*len(holes))
	payload = append(payload, byte(len(holes)))
	for i, h := range holes {
		payload = append(payload, byte(h), colors[i].R, colors[i].G, colors[i].B)
	}
	return payload, nil
}

// EncodeLEDPayload picks the wire format automatically: a single shared
// color, or per-hole colors that are all exactly equal, go out in the
// compact Format A; any mix of colors goes out in Format B. colors must
// hold either one entry or one entry per hole.
func EncodeLEDPayload(holes []int, colors []Color) ([]byte, error) {
	switch {
	case len(colors) == 1:
		return EncodeLEDFormatA(holes, colors[0])
	case len(colors) == len(holes) && len(colors) > 0:
		uniform := true
		for _, c := range colors[1:] {
			if c != colors[0] {
				uniform = false
				break
			}
		}
		if uniform {
			return EncodeLEDFormatA(holes, colors[0])
		}
		return EncodeLEDFormatB(holes, colors)
	default:
		return nil, fmt.Errorf("protocol: %d holes but %d colors", len(holes), len(colors))
	}
}

func checkHoleList(holes []int) error {
	if len(holes) == 0 {
		return fmt.Errorf("protocol: no holes given")
	}
	if len(holes) > 0xFF {
		return fmt.Errorf("protocol: too many holes: %d", len(holes))
	}
	for _, h := range holes {
		if h < 0 || h > 0xFF {
			return fmt.Errorf("protocol: hole index %d out of range", h)
		}
	}
	return nil
}

// ForceDevice selects which dynamometer a force command addresses.
type ForceDevice uint8

const (
	DeviceWhite ForceDevice = 0
	DeviceBlue  ForceDevice = 1
	DeviceBoth  ForceDevice = 2
)

// String returns the selector name as used on the command line and in logs.
func (d ForceDevice) String() string {
	switch d {
	case DeviceWhite:
		return "white"
	case DeviceBlue:
		return "blue"
	case DeviceBoth:
		return "both"
	default:
		return fmt.Sprintf("device(%d)", uint8(d))
	}
}

// ParseForceDevice maps a selector string to a device, case-insensitively.
func ParseForceDevice(s string) (ForceDevice, error) {
	switch strings.ToLower(s) {
	case "white":
		return DeviceWhite, nil
	case "blue":
		return DeviceBlue, nil
	case "both":
		return DeviceBoth, nil
	default:
		return 0, fmt.Errorf("protocol: unknown force device %q (want white, blue or both)", s)
	}
}

// EncodeForceStart builds the force-start payload:
//
//	period_us:u32 device:u8
//
// The sample period is the rate's reciprocal rounded to the nearest
// microsecond.
func EncodeForceStart(rateHz float64, dev ForceDevice) ([]byte, error) {
	period, err := samplePeriodMicros(rateHz)
	if err != nil {
		return nil, err
	}
	if dev > DeviceBoth {
		return nil, fmt.Errorf("protocol: invalid force device %d", uint8(dev))
	}
	payload := make([]byte, 5)
	binary.LittleEndian.PutUint32(payload[0:4], period)
	payload[4] = byte(dev)
	return payload, nil
}

// EncodeReedStart builds the reed-start payload:
//
//	period_us:u32 mask:u32
//
// Bit i of the mask selects hole i for monitoring.
func EncodeReedStart(rateHz float64, holes []int) ([]byte, error) {
	period, err := samplePeriodMicros(rateHz)
	if err != nil {
		return nil, err
	}
	var mask uint32
	for _, h := range holes {
		if h < 0 || h > 31 {
			return nil, fmt.Errorf("protocol: hole index %d out of mask range", h)
		}
		mask |= 1 << uint(h)
	}
	payload := make([]byte, 8)
	binary.LittleEndian.PutUint32(payload[0:4], period)
	binary.LittleEndian.PutUint32(payload[4:8], mask)
	return payload, nil
}

func samplePeriodMicros(rateHz float64) (uint32, error) {
	if rateHz <= 0 {
		return 0, fmt.Errorf("protocol: sample rate must be positive, got %g", rateHz)
	}
	period := math.Round(1e6 / rateHz)
	if period < 1 || period > math.MaxUint32 {
		return 0, fmt.Errorf("protocol: sample rate %g Hz out of range", rateHz)
	}
	return uint32(period), nil
}

// ForceReading is one decoded force-data sample.
type ForceReading struct {
	TimeMicros uint32 // device-side capture time
	Value      int16  // raw load cell counts, signed
	Device     ForceDevice
}

// ParseForceData decodes a force-data payload:
//
//	time_us:u32 value:i16 device:u8
func ParseForceData(payload []byte) (ForceReading, error) {
	if len(payload) != 7 {
		return ForceReading{}, fmt.Errorf("protocol: %w: force data is %d bytes, want 7", ErrBadPayload, len(payload))
	}
	return ForceReading{
		TimeMicros: binary.LittleEndian.Uint32(payload[0:4]),
		Value:      int16(binary.LittleEndian.Uint16(payload[4:6])),
		Device:     ForceDevice(payload[6]),
	}, nil
}

// ReedStates is one full board snapshot from a reed-data message; bit i
// set means hole i currently detects an insertion.
type ReedStates uint32

// Inserted reports the state of one hole.
func (s ReedStates) Inserted(hole int) bool {
	if hole < 0 || hole > 31 {
		return false
	}
	return s&(1<<uint(hole)) != 0
}

// ParseReedData decodes a reed-data payload:
//
//	mask:u32
func ParseReedData(payload []byte) (ReedStates, error) {
	if len(payload) != 4 {
		return 0, fmt.Errorf("protocol: %w: reed data is %d bytes, want 4", ErrBadPayload, len(payload))
	}
	return ReedStates(binary.LittleEndian.Uint32(payload)), nil
}
