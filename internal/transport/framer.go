package transport

import "bytes"

// Framer splits an inbound byte stream into discrete messages and encodes
// outbound ones.
type Framer interface {
	// Split returns every complete frame in buf plus the unconsumed tail.
	// Returned frames do not alias buf.
	Split(buf []byte) (frames [][]byte, rest []byte)
	// Encode appends the frame delimiter to payload.
	Encode(payload []byte) []byte
}

// DelimitedFramer frames messages terminated by a single delimiter byte.
type DelimitedFramer struct {
	Delimiter byte
	// TrimCR strips a trailing carriage return, for CRLF line protocols.
	TrimCR bool
}

// LineFramer returns the framer used by line-delimited JSON bridges.
func LineFramer() DelimitedFramer {
	return DelimitedFramer{Delimiter: '\n', TrimCR: true}
}

// NullFramer returns the framer used by positional bridges that terminate
// each message with a null byte.
func NullFramer() DelimitedFramer {
	return DelimitedFramer{Delimiter: 0}
}

// Split implements Framer.
func (f DelimitedFramer) Split(buf []byte) ([][]byte, []byte) {
	var frames [][]byte
	for {
		i := bytes.IndexByte(buf, f.Delimiter)
		if i < 0 {
			break
		}
		frame := buf[:i]
		buf = buf[i+1:]
		if f.TrimCR {
			frame = bytes.TrimSuffix(frame, []byte{'\r'})
		}
		if len(bytes.TrimSpace(frame)) == 0 {
			continue
		}
		frames = append(frames, append([]byte(nil), frame...))
	}
	return frames, buf
}

// Encode implements Framer.
func (f DelimitedFramer) Encode(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+1)
	out = append(out, payload...)
	return append(out, f.Delimiter)
}

var _ Framer = DelimitedFramer{}
