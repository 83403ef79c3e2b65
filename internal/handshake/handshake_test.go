package handshake

import (
	"net"
	"strings"
	"testing"
	"time"

	flynn "github.com/flynn/noise"

	"github.com/alexrudloff/snap2p/internal/attestation"
	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/crypto"
	"github.com/alexrudloff/snap2p/internal/invite"
	"github.com/alexrudloff/snap2p/internal/noise"
	"github.com/alexrudloff/snap2p/internal/protoerr"
	"github.com/alexrudloff/snap2p/internal/wallet"
)

type party struct {
	wallet  *wallet.Ephemeral
	dhKey   flynn.DHKey
	nodePub []byte
	att     *attestation.Attestation
}

func newParty(t *testing.T, validity time.Duration) party {
	t.Helper()
	pub, priv, err := crypto.GenerateNodeKey()
	if err != nil {
		t.Fatalf("GenerateNodeKey: %v", err)
	}
	xPriv, err := crypto.Ed25519PrivateKeyToX25519(priv)
	if err != nil {
		t.Fatalf("Ed25519PrivateKeyToX25519: %v", err)
	}
	xPub, err := crypto.Ed25519PublicKeyToX25519(pub)
	if err != nil {
		t.Fatalf("Ed25519PublicKeyToX25519: %v", err)
	}
	dh, err := noise.StaticKeyFromX25519(xPriv, xPub)
	if err != nil {
		t.Fatalf("StaticKeyFromX25519: %v", err)
	}
	w, err := wallet.NewEphemeral()
	if err != nil {
		t.Fatalf("NewEphemeral: %v", err)
	}
	att, err := attestation.Build(w, []byte(pub), validity, time.Now())
	if err != nil {
		t.Fatalf("attestation.Build: %v", err)
	}
	return party{wallet: w, dhKey: dh, nodePub: []byte(pub), att: att}
}

func TestHappyPathPublicHandshake(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	initiator := newParty(t, time.Hour)
	responder := newParty(t, time.Hour)

	type outcome struct {
		res Result
		err error
	}
	initCh := make(chan outcome, 1)
	respCh := make(chan outcome, 1)

	go func() {
		res, err := RunInitiator(connA, Config{
			NoiseStatic:      initiator.dhKey,
			LocalAttestation: initiator.att,
			Visibility:       codec.VisibilityPublic,
		})
		initCh <- outcome{res, err}
	}()
	go func() {
		res, err := RunResponder(connB, Config{
			NoiseStatic:      responder.dhKey,
			LocalAttestation: responder.att,
			Visibility:       codec.VisibilityPublic,
		})
		respCh <- outcome{res, err}
	}()

	var initOut, respOut outcome
	for i := 0; i < 2; i++ {
		select {
		case initOut = <-initCh:
		case respOut = <-respCh:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for handshake completion")
		}
	}
	if initOut.err != nil {
		t.Fatalf("initiator: %v", initOut.err)
	}
	if respOut.err != nil {
		t.Fatalf("responder: %v", respOut.err)
	}
	if string(initOut.res.SessionID) != string(respOut.res.SessionID) {
		t.Fatal("session ids must match on both sides")
	}
	if initOut.res.RemotePrincipal != responder.wallet.Principal() {
		t.Fatalf("initiator resolved wrong remote principal: %s", initOut.res.RemotePrincipal)
	}
	if respOut.res.RemotePrincipal != initiator.wallet.Principal() {
		t.Fatalf("responder resolved wrong remote principal: %s", respOut.res.RemotePrincipal)
	}
}

func TestForgedAttestationBindingFailsHandshake(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	initiator := newParty(t, time.Hour)
	responder := newParty(t, time.Hour)

	// Swap in an attestation for a different node key than the one this
	// party's Noise static key actually derives from.
	other := newParty(t, time.Hour)
	responder.att = other.att

	initCh := make(chan error, 1)
	respCh := make(chan error, 1)
	go func() {
		_, err := RunInitiator(connA, Config{
			NoiseStatic:      initiator.dhKey,
			LocalAttestation: initiator.att,
			Visibility:       codec.VisibilityPublic,
		})
		initCh <- err
	}()
	go func() {
		_, err := RunResponder(connB, Config{
			NoiseStatic:      responder.dhKey,
			LocalAttestation: responder.att,
			Visibility:       codec.VisibilityPublic,
		})
		respCh <- err
	}()

	var initErr error
	select {
	case initErr = <-initCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	// The initiator detects the binding failure locally and does not notify
	// the wire (spec §4.5 step 6); closing here unblocks the responder's
	// pending write of its AUTH_OK (net.Pipe writes block until read) the
	// same way a real caller tearing down a failed dial would.
	connA.Close()
	<-respCh

	if initErr == nil {
		t.Fatal("expected initiator to reject the forged attestation binding")
	}
	pe, ok := protoerr.As(initErr)
	if !ok || pe.Kind != protoerr.AttestationInvalid {
		t.Fatalf("expected ATTESTATION_INVALID, got %v", initErr)
	}
	if !strings.Contains(initErr.Error(), "binding") {
		t.Fatalf("expected error text to mention binding, got %q", initErr.Error())
	}
}

func TestExpiredAttestationRejectedWithAuthFail(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	initiator := newParty(t, -400*time.Second) // already expired
	responder := newParty(t, time.Hour)

	respCh := make(chan error, 1)
	go func() {
		_, err := RunResponder(connB, Config{
			NoiseStatic:      responder.dhKey,
			LocalAttestation: responder.att,
			Visibility:       codec.VisibilityPublic,
		})
		respCh <- err
	}()

	initCh := make(chan error, 1)
	go func() {
		_, err := RunInitiator(connA, Config{
			NoiseStatic:      initiator.dhKey,
			LocalAttestation: initiator.att,
			Visibility:       codec.VisibilityPublic,
		})
		initCh <- err
	}()

	var respErr error
	select {
	case respErr = <-respCh:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out")
	}
	<-initCh

	if respErr == nil {
		t.Fatal("expected responder to reject the expired attestation")
	}
	pe, ok := protoerr.As(respErr)
	if !ok || pe.Kind != protoerr.AttestationExpired {
		t.Fatalf("expected ATTESTATION_EXPIRED, got %v", respErr)
	}
}

func TestAllowlistRejectsUnlistedPrincipal(t *testing.T) {
	connA, connB := net.Pipe()
	defer connA.Close()
	defer connB.Close()

	initiator := newParty(t, time.Hour)
	responder := newParty(t, time.Hour)
	allowedElsewhere := newParty(t, time.Hour)

	respCh := make(chan error, 1)
	go func() {
		_, err := RunResponder(connB, Config{
			NoiseStatic:      responder.dhKey,
			LocalAttestation: responder.att,
			Visibility:       codec.VisibilityPrivate,
			Allowlist:        map[wallet.Principal]bool{allowedElsewhere.wallet.Principal(): true},
		})
		respCh <- err
	}()
	initCh := make(chan error, 1)
	go func() {
		_, err := RunInitiator(connA, Config{
			NoiseStatic:      initiator.dhKey,
			LocalAttestation: initiator.att,
			Visibility:       codec.VisibilityPrivate,
		})
		initCh <- err
	}()

	var respErr, initErr error
	for i := 0; i < 2; i++ {
		select {
		case respErr = <-respCh:
		case initErr = <-initCh:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out")
		}
	}

	if pe, ok := protoerr.As(respErr); !ok || pe.Kind != protoerr.NotAllowed {
		t.Fatalf("expected responder NOT_ALLOWED, got %v", respErr)
	}
	if pe, ok := protoerr.As(initErr); !ok || pe.Kind != protoerr.NotAllowed {
		t.Fatalf("expected initiator to surface NOT_ALLOWED, got %v", initErr)
	}
}

func TestStealthKnockFullCycle(t *testing.T) {
	store := invite.New()
	token, err := store.Generate(invite.Options{SingleUse: true})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	initiator := newParty(t, time.Hour)
	responder := newParty(t, time.Hour)

	// First dial: no token, must be rejected with INVITE_REQUIRED.
	connA, connB := net.Pipe()
	respCh := make(chan error, 1)
	go func() {
		_, err := RunResponder(connB, Config{
			NoiseStatic:      responder.dhKey,
			LocalAttestation: responder.att,
			Visibility:       codec.VisibilityStealth,
			InviteStore:      store,
		})
		respCh <- err
	}()
	_, initErr := RunInitiator(connA, Config{
		NoiseStatic:      initiator.dhKey,
		LocalAttestation: initiator.att,
		Visibility:       codec.VisibilityPublic,
	})
	respErr := <-respCh
	connA.Close()
	connB.Close()
	if pe, ok := protoerr.As(respErr); !ok || pe.Kind != protoerr.InviteRequired {
		t.Fatalf("expected INVITE_REQUIRED, got %v", respErr)
	}
	if initErr == nil {
		t.Fatal("expected initiator read to fail after responder closed on missing KNOCK")
	}

	// Second dial: correct token, handshake completes.
	connA2, connB2 := net.Pipe()
	defer connA2.Close()
	defer connB2.Close()
	respCh2 := make(chan error, 1)
	go func() {
		_, err := RunResponder(connB2, Config{
			NoiseStatic:      responder.dhKey,
			LocalAttestation: responder.att,
			Visibility:       codec.VisibilityStealth,
			InviteStore:      store,
		})
		respCh2 <- err
	}()
	_, initErr2 := RunInitiator(connA2, Config{
		NoiseStatic:      initiator.dhKey,
		LocalAttestation: initiator.att,
		Visibility:       codec.VisibilityPublic,
		InviteToken:      token,
	})
	respErr2 := <-respCh2
	if initErr2 != nil {
		t.Fatalf("initiator with valid token: %v", initErr2)
	}
	if respErr2 != nil {
		t.Fatalf("responder with valid token: %v", respErr2)
	}
	if store.Count() != 0 {
		t.Fatalf("expected single-use token to be consumed, store still has %d", store.Count())
	}
}
