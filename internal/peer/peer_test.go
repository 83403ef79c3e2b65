package peer

import (
	"context"
	"testing"
	"time"

	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/invite"
	"github.com/alexrudloff/snap2p/internal/locator"
	"github.com/alexrudloff/snap2p/internal/wallet"
)

func newTestPeer(t *testing.T, opts Options) *Peer {
	t.Helper()
	if opts.Wallet == nil {
		w, err := wallet.NewEphemeral()
		if err != nil {
			t.Fatalf("NewEphemeral: %v", err)
		}
		opts.Wallet = w
	}
	if opts.Home == "" {
		opts.Home = t.TempDir()
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func TestDialListenRoundTripTCP(t *testing.T) {
	connCh := make(chan *Connection, 1)
	server := newTestPeer(t, Options{
		Visibility:   codec.VisibilityPublic,
		OnConnection: func(c *Connection) { connCh <- c },
	})
	defer server.Close()

	loc, err := server.Listen(context.Background(), locator.TCP, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := newTestPeer(t, Options{Visibility: codec.VisibilityPublic})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := client.Dial(ctx, loc.String(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if conn.RemotePrincipal() != server.Principal() {
		t.Fatalf("client resolved wrong remote principal: %s", conn.RemotePrincipal())
	}

	select {
	case serverConn := <-connCh:
		if serverConn.RemotePrincipal() != client.Principal() {
			t.Fatalf("server resolved wrong remote principal: %s", serverConn.RemotePrincipal())
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never observed the connection")
	}
}

func TestDialRejectedByAllowlist(t *testing.T) {
	stranger := newTestPeer(t, Options{})
	server := newTestPeer(t, Options{
		Visibility: codec.VisibilityPrivate,
		Allowlist:  []wallet.Principal{stranger.Principal()},
	})
	defer server.Close()

	loc, err := server.Listen(context.Background(), locator.TCP, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	client := newTestPeer(t, Options{Visibility: codec.VisibilityPrivate})
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Dial(ctx, loc.String(), nil); err == nil {
		t.Fatal("expected dial to be rejected by the allowlist")
	}
}

func TestStealthDialRequiresInviteToken(t *testing.T) {
	server := newTestPeer(t, Options{Visibility: codec.VisibilityStealth})
	defer server.Close()

	loc, err := server.Listen(context.Background(), locator.TCP, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	token, err := server.GenerateInviteToken(invite.Options{SingleUse: true})
	if err != nil {
		t.Fatalf("GenerateInviteToken: %v", err)
	}

	client := newTestPeer(t, Options{})
	defer client.Close()

	ctxFail, cancelFail := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelFail()
	if _, err := client.Dial(ctxFail, loc.String(), nil); err == nil {
		t.Fatal("expected dial without an invite token to fail")
	}

	ctxOK, cancelOK := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelOK()
	conn, err := client.Dial(ctxOK, loc.String(), token)
	if err != nil {
		t.Fatalf("Dial with valid invite token: %v", err)
	}
	if conn.RemotePrincipal() != server.Principal() {
		t.Fatalf("resolved wrong remote principal: %s", conn.RemotePrincipal())
	}
	if server.InviteTokenCount() != 0 {
		t.Fatalf("expected single-use token to be consumed, store still has %d", server.InviteTokenCount())
	}
}

func TestGenerateInviteTokenRequiresStealth(t *testing.T) {
	p := newTestPeer(t, Options{Visibility: codec.VisibilityPublic})
	defer p.Close()
	if _, err := p.GenerateInviteToken(invite.Options{}); err == nil {
		t.Fatal("expected GenerateInviteToken to fail for a non-STEALTH peer")
	}
}
