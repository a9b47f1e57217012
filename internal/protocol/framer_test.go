package protocol

import (
	"bytes"
	"context"
	"io"
	"testing"
)

func TestFramer_KeepAliveThenUnchoke(t *testing.T) {
	// 4 zero bytes (keep-alive) followed by an unchoke message.
	stream := []byte{0, 0, 0, 0, 0, 0, 0, 1, 1}

	f := NewFramer(bytes.NewReader(stream), nil)
	ctx := context.Background()

	m1, err := f.Next(ctx)
	if err != nil {
		t.Fatalf("Next() #1 error: %v", err)
	}
	if m1 != nil {
		t.Fatalf("want keep-alive (nil), got %+v", m1)
	}

	m2, err := f.Next(ctx)
	if err != nil {
		t.Fatalf("Next() #2 error: %v", err)
	}
	if m2 == nil || m2.ID != Unchoke {
		t.Fatalf("want Unchoke, got %+v", m2)
	}

	if _, err := f.Next(ctx); err != io.EOF {
		t.Fatalf("want io.EOF at stream end, got %v", err)
	}
}

func TestFramer_CompletenessAcrossArbitraryChunking(t *testing.T) {
	want := []*Message{
		MessageUnchoke(),
		MessageHave(3),
		MessageRequest(0, 0, 16384),
		MessagePiece(0, 0, []byte("abcdef")),
	}

	var buf bytes.Buffer
	for _, m := range want {
		if _, err := m.WriteTo(&buf); err != nil {
			t.Fatalf("WriteTo: %v", err)
		}
	}

	// Simulate a transport that dribbles out one byte at a time.
	f := NewFramer(&oneByteReader{data: buf.Bytes()}, nil)
	ctx := context.Background()

	for i, wantMsg := range want {
		got, err := f.Next(ctx)
		if err != nil {
			t.Fatalf("Next() #%d error: %v", i, err)
		}
		if got == nil || got.ID != wantMsg.ID || !bytes.Equal(got.Payload, wantMsg.Payload) {
			t.Fatalf("message #%d = %+v, want %+v", i, got, wantMsg)
		}
	}

	if _, err := f.Next(ctx); err != io.EOF {
		t.Fatalf("want io.EOF after last message, got %v", err)
	}
}

// oneByteReader returns at most one byte per Read call, forcing the framer
// to accumulate across many short reads.
type oneByteReader struct {
	data []byte
	pos  int
}

func (r *oneByteReader) Read(p []byte) (int, error) {
	if r.pos >= len(r.data) {
		return 0, io.EOF
	}
	p[0] = r.data[r.pos]
	r.pos++
	return 1, nil
}
