package protocol

import "errors"

var (
	// ErrFrameTooShort is returned by ParseMessage for input shorter than
	// the fixed header.
	ErrFrameTooShort = errors.New("frame too short")

	// ErrChecksum is returned by ParseMessage when the recomputed XOR
	// checksum does not match the header's.
	ErrChecksum = errors.New("checksum mismatch")

	// ErrBadPayload is returned by the data parsers for payloads of the
	// wrong size.
	ErrBadPayload = errors.New("bad payload")
)
