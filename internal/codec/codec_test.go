package codec

import (
	"bytes"
	"testing"

	"github.com/alexrudloff/snap2p/internal/protoerr"
)

func roundTrip(t *testing.T, m Message) []byte {
	t.Helper()
	enc, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dec, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	reenc, err := Encode(dec)
	if err != nil {
		t.Fatalf("re-Encode: %v", err)
	}
	if !bytes.Equal(enc, reenc) {
		t.Fatalf("encode not stable across round trip:\n%s\nvs\n%s", enc, reenc)
	}
	return enc
}

func TestHelloRoundTrip(t *testing.T) {
	m := Hello{
		Version:       1,
		NodePublicKey: bytes.Repeat([]byte{0xAB}, 32),
		Nonce:         bytes.Repeat([]byte{0x01}, 32),
		Timestamp:     1700000000,
		Visibility:    VisibilityPublic,
		Capabilities:  []string{"echo", "dataexchange"},
	}
	roundTrip(t, m)
}

func TestHelloEmptyCapabilities(t *testing.T) {
	m := Hello{Version: 1, NodePublicKey: make([]byte, 32), Nonce: make([]byte, 32), Visibility: VisibilityStealth, Capabilities: []string{}}
	enc := roundTrip(t, m)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	h := dec.(Hello)
	if h.Capabilities == nil || len(h.Capabilities) != 0 {
		t.Fatalf("expected empty (non-nil-decoded-as-empty) capabilities, got %#v", h.Capabilities)
	}
}

func TestStreamDataRoundTripWithFin(t *testing.T) {
	m := StreamData{StreamID: 42, Data: []byte("payload"), Fin: true}
	roundTrip(t, m)
}

func TestOpenStreamLargeID(t *testing.T) {
	m := OpenStream{StreamID: 1<<64 - 2, Label: "big"}
	enc := roundTrip(t, m)
	dec, err := Decode(enc)
	if err != nil {
		t.Fatal(err)
	}
	os := dec.(OpenStream)
	if os.StreamID != 1<<64-2 {
		t.Fatalf("got %d, want %d", os.StreamID, uint64(1<<64-2))
	}
}

func TestUnknownFieldsToleratedOnDecode(t *testing.T) {
	raw := []byte(`{"t":32,"seq":7,"ts":100,"future_field":"ignored"}`)
	dec, err := Decode(raw)
	if err != nil {
		t.Fatalf("expected decode to tolerate unknown field: %v", err)
	}
	p := dec.(Ping)
	if p.Sequence != 7 || p.Timestamp != 100 {
		t.Fatalf("got %+v", p)
	}
	// Re-encoding must drop the unknown field, not preserve it.
	enc, err := Encode(p)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(enc, []byte("future_field")) {
		t.Fatalf("unknown field leaked into re-encoded bytes: %s", enc)
	}
}

func TestUnknownTagRejected(t *testing.T) {
	raw := []byte(`{"t":250}`)
	_, err := Decode(raw)
	if err == nil {
		t.Fatalf("expected error for unknown tag")
	}
	pe, ok := protoerr.As(err)
	if !ok || pe.Kind != protoerr.VersionUnsupported {
		t.Fatalf("expected VersionUnsupported, got %v", err)
	}
}

func TestCloseStreamOptionalErrorCode(t *testing.T) {
	without := CloseStream{StreamID: 5}
	enc := roundTrip(t, without)
	if bytes.Contains(enc, []byte(`"ec"`)) {
		t.Fatalf("expected no ec field when HasError=false: %s", enc)
	}

	with := CloseStream{StreamID: 5, ErrorCode: 9, HasError: true}
	enc2 := roundTrip(t, with)
	if !bytes.Contains(enc2, []byte(`"ec":9`)) {
		t.Fatalf("expected ec field: %s", enc2)
	}
}

func TestAllMessageTypesRoundTrip(t *testing.T) {
	msgs := []Message{
		Auth{Attestation: []byte("att-bytes"), HandshakeData: nil},
		AuthOK{Principal: "stacks:SP000000000000000000002Q6VF78", SessionID: bytes.Repeat([]byte{0x9}, 32)},
		AuthFail{ErrorCode: protoerr.NotAllowed.Code(), Reason: "not on allowlist"},
		CloseStream{StreamID: 3, ErrorCode: protoerr.StreamNotFound.Code(), HasError: true},
		Pong{Sequence: 1, Timestamp: 5},
		Knock{InviteToken: bytes.Repeat([]byte{0x7}, 24)},
		KnockResponse{Allowed: true},
		ErrorMsg{ErrorCode: protoerr.Internal.Code(), Reason: "boom"},
	}
	for _, m := range msgs {
		roundTrip(t, m)
	}
}
