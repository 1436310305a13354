package protocol

import (
	"encoding/binary"
	"fmt"
)

// Message is one protocol message. The payload length field and the
// checksum are computed during encoding and verified during parsing,
// never stored.
//
// Header layout, little-endian, 11 bytes:
//
//	type:u8 seq:u32 payload_len:u16 src:u8 dst:u8 flags:u8 checksum:u8
type Message struct {
	Type    byte
	Seq     uint32
	Src     byte
	Dst     byte
	Flags   byte
	Payload []byte
}

// Encode serializes the message with the checksum filled in. The result
// still needs COBS framing before it can go on the wire.
func (m Message) Encode() ([]byte, error) {
	if len(m.Payload) > 0xFFFF {
		return nil, fmt.Errorf("protocol: payload too large: %d bytes", len(m.Payload))
	}
	buf := make([]byte, HeaderSize+len(m.Payload))
	buf[0] = m.Type
	binary.LittleEndian.PutUint32(buf[1:5], m.Seq)
	binary.LittleEndian.PutUint16(buf[5:7], uint16(len(m.Payload)))
	buf[7] = m.Src
	buf[8] = m.Dst
	buf[9] = m.Flags
	copy(buf[HeaderSize:], m.Payload)
	buf[10] = xorChecksum(buf[:10], buf[HeaderSize:])
	return buf, nil
}

// ParseMessage validates and decodes one unstuffed frame. The declared
// payload length is honored up to the bytes actually present; anything
// past it is ignored for both slicing and checksum purposes, matching
// the firmware's parser.
func ParseMessage(data []byte) (Message, error) {
	if len(data) < HeaderSize {
		return Message{}, fmt.Errorf("protocol: %w (%d bytes)", ErrFrameTooShort, len(data))
	}
	declared := int(binary.LittleEndian.Uint16(data[5:7]))
	end := HeaderSize + declared
	if end > len(data) {
		end = len(data)
	}
	payload := data[HeaderSize:end]

	if got, want := data[10], xorChecksum(data[:10], payload); got != want {
		return Message{}, fmt.Errorf("protocol: %w (got 0x%02X, want 0x%02X)", ErrChecksum, got, want)
	}

	m := Message{
		Type:  data[0],
		Seq:   binary.LittleEndian.Uint32(data[1:5]),
		Src:   data[7],
		Dst:   data[8],
		Flags: data[9],
	}
	if len(payload) > 0 {
		m.Payload = append([]byte(nil), payload...)
	}
	return m, nil
}

// xorChecksum folds the first ten header bytes and the payload into the
// single checksum byte.
func xorChecksum(header, payload []byte) byte {
	var c byte
	for _, b := range header {
		c ^= b
	}
	for _, b := range payload {
		c ^= b
	}
	return c
}
