// Package framing implements the wire-level length-prefixed frame format
// (spec §4.1): varint(len) ‖ bytes[len], adapted from the teacher's
// big-endian-uint32 frame codec in internal/proto/envelope.go but switched
// to unsigned LEB128 so the prefix is self-delimiting and cheap for small
// control messages.
package framing

import (
	"fmt"
	"io"
)

// MaxFrameSize is the hard ceiling on a single frame's payload length.
const MaxFrameSize = 16 << 20

// PutVarint appends x LEB128-encoded to dst and returns the result.
func PutVarint(dst []byte, x uint64) []byte {
	for x >= 0x80 {
		dst = append(dst, byte(x)|0x80)
		x >>= 7
	}
	return append(dst, byte(x))
}

// Encode returns payload framed as varint(len) ‖ payload.
func Encode(payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return nil, fmt.Errorf("framing: payload too large: %d bytes", len(payload))
	}
	out := make([]byte, 0, 10+len(payload))
	out = PutVarint(out, uint64(len(payload)))
	out = append(out, payload...)
	return out, nil
}

// WriteFrame writes one framed payload to w, retrying on short writes.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := Encode(payload)
	if err != nil {
		return err
	}
	total := 0
	for total < len(frame) {
		n, err := w.Write(frame[total:])
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("framing: short write")
		}
		total += n
	}
	return nil
}

// ReadFrame blocks until one complete frame has been read from r.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint64
	var shift uint
	br := singleByteReader{r}
	for {
		b, err := br.readByte()
		if err != nil {
			return nil, err
		}
		if shift >= 28 {
			return nil, fmt.Errorf("framing: varint too large")
		}
		length |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	if length > MaxFrameSize {
		return nil, fmt.Errorf("framing: declared length %d exceeds max %d", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

type singleByteReader struct{ io.Reader }

func (r singleByteReader) readByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.Reader, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// Buffer is an incremental frame decoder fed by raw socket reads. It holds
// partially-received bytes across calls and yields complete frames as they
// become available, mirroring the teacher's read-loop shape (append, then
// try-decode) without requiring a full frame in one read.
type Buffer struct {
	buf []byte
}

// Append adds raw bytes read from the socket to the buffer.
func (b *Buffer) Append(p []byte) {
	b.buf = append(b.buf, p...)
}

// TryRead attempts to decode one complete frame from the buffered bytes. It
// returns ok=false (no error) when more bytes are needed.
func (b *Buffer) TryRead() (payload []byte, ok bool, err error) {
	length, n, complete, err := peekVarint(b.buf)
	if err != nil {
		return nil, false, err
	}
	if !complete {
		return nil, false, nil
	}
	if length > MaxFrameSize {
		return nil, false, fmt.Errorf("framing: declared length %d exceeds max %d", length, MaxFrameSize)
	}
	total := n + int(length)
	if len(b.buf) < total {
		return nil, false, nil
	}
	payload = make([]byte, length)
	copy(payload, b.buf[n:total])
	remaining := len(b.buf) - total
	copy(b.buf, b.buf[total:])
	b.buf = b.buf[:remaining]
	return payload, true, nil
}

// peekVarint decodes a LEB128 length prefix from buf without consuming it,
// reporting whether enough bytes have arrived to know the full value.
func peekVarint(buf []byte) (value uint64, n int, complete bool, err error) {
	var shift uint
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if shift >= 28 {
			return 0, 0, false, fmt.Errorf("framing: varint too large")
		}
		value |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, i + 1, true, nil
		}
		shift += 7
	}
	return 0, 0, false, nil
}
