package protocol

import "bytes"

// FrameDelimiter terminates every encoded frame on the wire. COBS
// stuffing guarantees it never appears inside a frame body.
const FrameDelimiter byte = 0x00

// EncodeFrame byte-stuffs data with COBS and appends the frame delimiter.
// Each code byte gives the distance to the next stuffed zero; a code of
// 0xFF means 254 data bytes follow with no implied zero, so runs longer
// than 254 are split without inventing one.
func EncodeFrame(data []byte) []byte {
	out := make([]byte, 1, len(data)+2)
	codeIndex := 0
	code := byte(1)

	for _, b := range data {
		if b == 0 {
			out[codeIndex] = code
			codeIndex = len(out)
			out = append(out, 0)
			code = 1
			continue
		}
		out = append(out, b)
		code++
		if code == 0xFF {
			out[codeIndex] = code
			codeIndex = len(out)
			out = append(out, 0)
			code = 1
		}
	}
	out[codeIndex] = code
	return append(out, FrameDelimiter)
}

// DecodeFrame reverses EncodeFrame for one frame whose trailing delimiter
// has already been stripped. Decoding is permissive: truncated or
// malformed input yields whatever bytes were recovered, never an error —
// the message checksum catches anything that slips through.
func DecodeFrame(frame []byte) []byte {
	out := make([]byte, 0, len(frame))
	i := 0
	for i < len(frame) {
		code := frame[i]
		if code == 0 {
			return out
		}
		i++
		for j := byte(1); j < code; j++ {
			if i >= len(frame) {
				return out
			}
			out = append(out, frame[i])
			i++
		}
		if code < 0xFF && i < len(frame) {
			out = append(out, 0)
		}
	}
	return out
}

// Deframer accumulates raw serial bytes and splits out completed frames
// at each delimiter. Bytes after the last delimiter stay buffered until
// the next push.
type Deframer struct {
	buf []byte
}

// Push appends raw bytes and returns the stuffed body of every frame
// completed by this push, delimiters stripped. Empty frames from
// back-to-back delimiters are dropped.
func (d *Deframer) Push(p []byte) [][]byte {
	d.buf = append(d.buf, p...)
	var frames [][]byte
	for {
		idx := bytes.IndexByte(d.buf, FrameDelimiter)
		if idx < 0 {
			return frames
		}
		if idx > 0 {
			frame := make([]byte, idx)
			copy(frame, d.buf[:idx])
			frames = append(frames, frame)
		}
		d.buf = d.buf[idx+1:]
	}
}

// Pending returns the number of buffered bytes not yet terminated by a
// delimiter.
func (d *Deframer) Pending() int { return len(d.buf) }

// Reset discards any partially received frame.
func (d *Deframer) Reset() { d.buf = nil }
