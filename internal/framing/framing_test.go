package framing

import (
	"bytes"
	"strings"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		[]byte("hello"),
		bytes.Repeat([]byte{0x42}, 1<<20),
	}
	for _, payload := range cases {
		var buf bytes.Buffer
		if err := WriteFrame(&buf, payload); err != nil {
			t.Fatalf("WriteFrame: %v", err)
		}
		got, err := ReadFrame(&buf)
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	}
}

func TestRejectsOversizeLength(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(PutVarint(nil, MaxFrameSize+1))
	if _, err := ReadFrame(&buf); err == nil {
		t.Fatalf("expected rejection of oversize frame")
	}
}

func TestIncrementalBuffer(t *testing.T) {
	payload := []byte("incremental payload")
	frame, err := Encode(payload)
	if err != nil {
		t.Fatal(err)
	}
	var b Buffer
	// Feed one byte at a time; only the last should complete the frame.
	for i := 0; i < len(frame)-1; i++ {
		b.Append(frame[i : i+1])
		_, ok, err := b.TryRead()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if ok {
			t.Fatalf("frame completed early at byte %d", i)
		}
	}
	b.Append(frame[len(frame)-1:])
	got, ok, err := b.TryRead()
	if err != nil || !ok {
		t.Fatalf("expected complete frame, ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("got %q want %q", got, payload)
	}
}

func TestBufferHandlesMultipleFramesAndLeftover(t *testing.T) {
	f1, _ := Encode([]byte("one"))
	f2, _ := Encode([]byte("two"))
	var b Buffer
	b.Append(append(append([]byte{}, f1...), f2...))
	b.Append([]byte{0x01}) // start of a third, incomplete frame

	got1, ok, err := b.TryRead()
	if err != nil || !ok || string(got1) != "one" {
		t.Fatalf("first frame: got=%q ok=%v err=%v", got1, ok, err)
	}
	got2, ok, err := b.TryRead()
	if err != nil || !ok || string(got2) != "two" {
		t.Fatalf("second frame: got=%q ok=%v err=%v", got2, ok, err)
	}
	_, ok, err = b.TryRead()
	if err != nil || ok {
		t.Fatalf("expected no complete frame yet, ok=%v err=%v", ok, err)
	}
}

func TestVarintTooLarge(t *testing.T) {
	// Five continuation bytes exceed the 28-bit guard before a terminator.
	buf := bytes.Repeat([]byte{0x80}, 5)
	var b Buffer
	b.Append(buf)
	_, _, err := b.TryRead()
	if err == nil || !strings.Contains(err.Error(), "too large") {
		t.Fatalf("expected too-large error, got %v", err)
	}
}
