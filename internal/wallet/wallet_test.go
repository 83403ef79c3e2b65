package wallet

import "testing"

func TestEphemeralSignAndRecover(t *testing.T) {
	w, err := NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	if !w.Principal().Valid() {
		t.Fatalf("derived principal %q does not match expected format", w.Principal())
	}

	msg := []byte("node-key attestation payload")
	sig, err := w.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := Recover(w.Principal(), msg, sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if !ok {
		t.Fatal("expected signature to recover to signer's own principal")
	}
}

func TestRecoverRejectsTamperedMessage(t *testing.T) {
	w, err := NewEphemeral()
	if err != nil {
		t.Fatal(err)
	}
	msg := []byte("original")
	sig, err := w.Sign(msg)
	if err != nil {
		t.Fatal(err)
	}
	ok, err := Recover(w.Principal(), []byte("tampered"), sig)
	if err != nil {
		t.Fatalf("Recover: %v", err)
	}
	if ok {
		t.Fatal("expected tampered message to fail principal match")
	}
}

func TestTwoWalletsHaveDistinctPrincipals(t *testing.T) {
	w1, _ := NewEphemeral()
	w2, _ := NewEphemeral()
	if w1.Principal() == w2.Principal() {
		t.Fatal("expected independently generated wallets to have distinct principals")
	}
}
