package noise

import (
	"bytes"
	"io"
	"net"
	"testing"

	flynn "github.com/flynn/noise"
)

func genKeypair(t *testing.T) flynn.DHKey {
	t.Helper()
	kp, err := flynn.DH25519.GenerateKeypair(nil)
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	return kp
}

func TestHandshakeRoundTrip(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	initKey := genKeypair(t)
	respKey := genKeypair(t)

	type outcome struct {
		res Result
		err error
	}
	initCh := make(chan outcome, 1)
	respCh := make(chan outcome, 1)

	go func() {
		res, err := RunInitiator(initConn, initKey, []byte("snap2p-v1"))
		initCh <- outcome{res, err}
	}()
	go func() {
		res, err := RunResponder(respConn, respKey, []byte("snap2p-v1"))
		respCh <- outcome{res, err}
	}()

	initOut := <-initCh
	respOut := <-respCh

	if initOut.err != nil {
		t.Fatalf("initiator handshake failed: %v", initOut.err)
	}
	if respOut.err != nil {
		t.Fatalf("responder handshake failed: %v", respOut.err)
	}

	if !bytes.Equal(initOut.res.RemoteStatic, respKey.Public) {
		t.Fatalf("initiator did not learn responder's static key")
	}
	if !bytes.Equal(respOut.res.RemoteStatic, initKey.Public) {
		t.Fatalf("responder did not learn initiator's static key")
	}
	if !bytes.Equal(initOut.res.HandshakeHash, respOut.res.HandshakeHash) {
		t.Fatalf("handshake transcripts diverge between sides")
	}

	// Transport phase: initiator encrypts, responder decrypts, and vice versa.
	plaintext := []byte("control-plane message")
	ct, err := initOut.res.Send.Encrypt(nil, nil, plaintext)
	if err != nil {
		t.Fatalf("initiator encrypt: %v", err)
	}
	pt, err := respOut.res.Recv.Decrypt(nil, nil, ct)
	if err != nil {
		t.Fatalf("responder decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("got %q want %q", pt, plaintext)
	}

	reply := []byte("reply from responder")
	ct2, err := respOut.res.Send.Encrypt(nil, nil, reply)
	if err != nil {
		t.Fatalf("responder encrypt: %v", err)
	}
	pt2, err := initOut.res.Recv.Decrypt(nil, nil, ct2)
	if err != nil {
		t.Fatalf("initiator decrypt: %v", err)
	}
	if !bytes.Equal(pt2, reply) {
		t.Fatalf("got %q want %q", pt2, reply)
	}
}

func TestHandshakeRejectsPrologueMismatch(t *testing.T) {
	initConn, respConn := net.Pipe()
	defer initConn.Close()
	defer respConn.Close()

	initKey := genKeypair(t)
	respKey := genKeypair(t)

	errCh := make(chan error, 2)
	go func() {
		_, err := RunInitiator(initConn, initKey, []byte("version-a"))
		errCh <- err
	}()
	go func() {
		_, err := RunResponder(respConn, respKey, []byte("version-b"))
		errCh <- err
	}()

	e1 := <-errCh
	// The side that fails first stops exchanging messages; closing both ends
	// unblocks the other side's pending frame read so it returns as well.
	initConn.Close()
	respConn.Close()
	e2 := <-errCh
	if e1 == nil && e2 == nil {
		t.Fatalf("expected prologue mismatch to fail the handshake on at least one side")
	}
}

func TestStaticKeyFromX25519RejectsBadLength(t *testing.T) {
	if _, err := StaticKeyFromX25519([]byte("short"), make([]byte, 32)); err == nil {
		t.Fatalf("expected error for short private key")
	}
}

var _ io.ReadWriter = (net.Conn)(nil)
