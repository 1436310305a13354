// Package protocol implements the apparatus wire protocol: COBS frame
// stuffing, the 11-byte XOR-checksummed message header, and the payload
// encodings for the LED, force and reed commands.
//
// Everything in this package is pure byte manipulation with no I/O. The
// transport session owns the serial link and calls into this package on
// both the send and the receive path; the simulated device uses the same
// codec from the far side of the link.
package protocol

import "fmt"

// Node addresses. The host drives two ESP32 nodes over one serial link:
// the relay server (force sensing) and the sensor client (LEDs, reed
// switches). Every host-built command carries AddrHost as source.
const (
	AddrHost   byte = 1
	AddrServer byte = 2
	AddrClient byte = 3
)

// Header flag bits.
const (
	FlagAckRequired byte = 0x01
)

// Message type codes. The 0x0x commands are handled by the relay server,
// the 0x1x commands are forwarded to the sensor client, 0x8x are command
// responses and 0x9x are streamed data messages.
const (
	CmdForceStart byte = 0x03
	CmdForceStop  byte = 0x04

	CmdLedSetN   byte = 0x10
	CmdLedShow   byte = 0x11
	CmdHoleStart byte = 0x12
	CmdHoleStop  byte = 0x13
	CmdReedStart byte = 0x14
	CmdReedStop  byte = 0x15

	MsgAck  byte = 0x80
	MsgNack byte = 0x81

	DataForce byte = 0x90
	DataReed  byte = 0x91
	DataHall  byte = 0x92
)

// NACK error codes carried in the single payload byte of a NACK response.
const (
	NackBadLength  byte = 1
	NackBadMessage byte = 2
	NackBadPayload byte = 3
)

// HeaderSize is the fixed message header length in bytes.
const HeaderSize = 11

// TypeName returns a readable name for a message type code, for debug
// logs and wire traces.
func TypeName(t byte) string {
	switch t {
	case CmdForceStart:
		return "FORCE_START"
	case CmdForceStop:
		return "FORCE_STOP"
	case CmdLedSetN:
		return "LED_SET_N"
	case CmdLedShow:
		return "LED_SHOW"
	case CmdHoleStart:
		return "HOLE_START"
	case CmdHoleStop:
		return "HOLE_STOP"
	case CmdReedStart:
		return "REED_START"
	case CmdReedStop:
		return "REED_STOP"
	case MsgAck:
		return "ACK"
	case MsgNack:
		return "NACK"
	case DataForce:
		return "FORCE_DATA"
	case DataReed:
		return "REED_DATA"
	case DataHall:
		return "HALL_DATA"
	default:
		return fmt.Sprintf("UNKNOWN_0x%02X", t)
	}
}

// NackName returns the name of a NACK error code.
func NackName(code byte) string {
	switch code {
	case NackBadLength:
		return "BAD_LEN"
	case NackBadMessage:
		return "BAD_MSG"
	case NackBadPayload:
		return "BAD_PAYLOAD"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}
