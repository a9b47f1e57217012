package protocol

import (
	"context"
	"encoding/binary"
	"io"
)

// readChunkSize is the amount requested from the underlying reader each time
// the framer's buffer doesn't yet hold a full message. It mirrors the chunk
// size used by the reference leecher this protocol was distilled from.
const readChunkSize = 10 * 1024

// Framer turns a byte stream into a sequence of decoded messages, pulled one
// at a time. It carries no state beyond its own read buffer: the buffer's
// leading bytes always begin a message header, or are too short to tell yet.
type Framer struct {
	r   io.Reader
	buf []byte
}

// NewFramer constructs a Framer reading from r, seeded with any bytes already
// read past a handshake (which may begin the next message).
func NewFramer(r io.Reader, initial []byte) *Framer {
	buf := make([]byte, len(initial))
	copy(buf, initial)

	return &Framer{r: r, buf: buf}
}

// Next returns the next decoded message, blocking on reads as needed. A nil
// *Message with a nil error denotes a keep-alive. Next returns the reader's
// error (io.EOF or a transport error) once the stream ends, and ctx.Err()
// once ctx is cancelled; callers should treat that as "no more messages",
// not necessarily a protocol error.
func (f *Framer) Next(ctx context.Context) (*Message, error) {
	for {
		if m, ok, err := f.tryParse(); err != nil {
			return nil, err
		} else if ok {
			return m, nil
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		chunk := make([]byte, readChunkSize)
		n, err := f.r.Read(chunk)
		if n > 0 {
			f.buf = append(f.buf, chunk[:n]...)
			if m, ok, perr := f.tryParse(); ok || perr != nil {
				return m, perr
			}
		}
		if err != nil {
			return nil, err
		}
	}
}

// tryParse attempts to decode one message from the current buffer without
// reading further. ok is false when more bytes are needed.
func (f *Framer) tryParse() (m *Message, ok bool, err error) {
	if len(f.buf) < 4 {
		return nil, false, nil
	}

	length := binary.BigEndian.Uint32(f.buf[0:4])
	if length == 0 {
		f.buf = f.buf[4:]
		return nil, true, nil
	}

	total := 4 + int(length)
	if len(f.buf) < total {
		return nil, false, nil
	}

	var msg Message
	if err := msg.UnmarshalBinary(f.buf[:total]); err != nil {
		return nil, false, err
	}
	f.buf = f.buf[total:]

	return &msg, true, nil
}
