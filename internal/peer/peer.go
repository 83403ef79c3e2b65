// Package peer implements the top-level facade spec §4.8 describes: one
// wallet, one long-lived node key and attestation, a listener or two, and a
// table of live sessions, wired to dial out or accept in over either wire
// carrier. Grounded on the teacher's internal/node/node.go for the "load or
// generate a keypair under a home directory" shape and internal/daemon/peer.go
// for the "one struct owns the keys, the stores and the accept loop, a
// background goroutine drains Accept and hands each connection to a
// per-connection handler" shape — with all ledger/gossip/math4 business
// logic stripped out and replaced by this protocol's handshake, session and
// stream machinery.
package peer

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	flynn "github.com/flynn/noise"

	"github.com/alexrudloff/snap2p/internal/attestation"
	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/crypto"
	"github.com/alexrudloff/snap2p/internal/debuglog"
	"github.com/alexrudloff/snap2p/internal/handshake"
	"github.com/alexrudloff/snap2p/internal/identity"
	"github.com/alexrudloff/snap2p/internal/invite"
	"github.com/alexrudloff/snap2p/internal/locator"
	"github.com/alexrudloff/snap2p/internal/noise"
	"github.com/alexrudloff/snap2p/internal/protoerr"
	"github.com/alexrudloff/snap2p/internal/ratelimit"
	"github.com/alexrudloff/snap2p/internal/session"
	"github.com/alexrudloff/snap2p/internal/stream"
	"github.com/alexrudloff/snap2p/internal/transport"
	"github.com/alexrudloff/snap2p/internal/wallet"
)

// DefaultAttestationValidity is how long a freshly built attestation is
// valid for when Options.AttestationValidity is unset.
const DefaultAttestationValidity = 24 * time.Hour

// Options configures a Peer at construction time.
type Options struct {
	// Home is the directory the node key is loaded from or generated into.
	// Defaults to ~/.snap2p.
	Home string

	// Wallet signs this node's attestation and names its principal.
	Wallet wallet.Wallet

	Visibility           codec.Visibility
	Capabilities         []string
	Allowlist            []wallet.Principal
	AttestationValidity  time.Duration
	HandshakeTimeout     time.Duration
	MaxStreamsPerSession int
	KeepaliveOpts        session.Options

	// RateLimit overrides the default per-visibility inbound rate limit
	// profile (spec §4.8: 5/min STEALTH, 30/min PRIVATE, unlimited PUBLIC).
	RateLimit *ratelimit.Profile

	// OnConnection fires once per established session, inbound or outbound.
	OnConnection func(*Connection)

	// OnStream fires whenever the remote end of a Connection opens a stream.
	OnStream func(*Connection, *stream.Stream)
}

// Peer is one node's identity plus its live listeners and sessions.
type Peer struct {
	wallet      wallet.Wallet
	identity    *identity.Identity
	noiseStatic flynn.DHKey

	mu          sync.Mutex
	attestation *attestation.Attestation

	visibility           codec.Visibility
	capabilities         []string
	allowlist            map[wallet.Principal]bool
	handshakeTimeout     time.Duration
	maxStreamsPerSession int
	keepaliveOpts        session.Options

	limiter *ratelimit.Limiter
	invites *invite.Store

	onConnection func(*Connection)
	onStream     func(*Connection, *stream.Stream)

	listener io.Closer
	sessions map[string]*Connection
}

// Connection is one established, authenticated session and the multiplexer
// riding on it.
type Connection struct {
	Peer    *Peer
	Session *session.Session
	Streams *stream.Multiplexer
}

// RemotePrincipal returns the verified identity on the other end.
func (c *Connection) RemotePrincipal() wallet.Principal {
	return c.Session.Identities().RemotePrincipal
}

// RemoteAttestation returns the verified attestation presented by the
// remote side during the handshake.
func (c *Connection) RemoteAttestation() *attestation.Attestation {
	return c.Session.Identities().RemoteAttested
}

// New loads or generates this node's identity under opts.Home, builds a
// fresh attestation and constructs a Peer ready to Dial or Listen.
func New(opts Options) (*Peer, error) {
	if opts.Wallet == nil {
		return nil, fmt.Errorf("peer: Wallet is required")
	}
	home := opts.Home
	if home == "" {
		home = defaultHome()
	}
	id, err := identity.LoadOrGenerate(home)
	if err != nil {
		return nil, err
	}
	xPriv, err := crypto.Ed25519PrivateKeyToX25519(id.Private)
	if err != nil {
		return nil, err
	}
	xPub, err := crypto.Ed25519PublicKeyToX25519(id.Public)
	if err != nil {
		return nil, err
	}
	dh, err := noise.StaticKeyFromX25519(xPriv, xPub)
	if err != nil {
		return nil, err
	}

	validity := opts.AttestationValidity
	if validity <= 0 {
		validity = DefaultAttestationValidity
	}
	att, err := attestation.Build(opts.Wallet, []byte(id.Public), validity, time.Now())
	if err != nil {
		return nil, err
	}

	visibility := opts.Visibility
	if visibility == "" {
		visibility = codec.VisibilityPublic
	}

	var allow map[wallet.Principal]bool
	if len(opts.Allowlist) > 0 {
		allow = make(map[wallet.Principal]bool, len(opts.Allowlist))
		for _, pr := range opts.Allowlist {
			allow[pr] = true
		}
	}

	profile := defaultProfile(visibility)
	if opts.RateLimit != nil {
		profile = *opts.RateLimit
	}

	var invites *invite.Store
	if visibility == codec.VisibilityStealth {
		invites = invite.New()
	}

	maxStreams := opts.MaxStreamsPerSession
	if maxStreams <= 0 {
		maxStreams = stream.DefaultMaxStreams
	}
	to := opts.HandshakeTimeout
	if to <= 0 {
		to = handshake.DefaultTimeout
	}

	return &Peer{
		wallet:               opts.Wallet,
		identity:             id,
		noiseStatic:          dh,
		attestation:          att,
		visibility:           visibility,
		capabilities:         opts.Capabilities,
		allowlist:            allow,
		handshakeTimeout:     to,
		maxStreamsPerSession: maxStreams,
		keepaliveOpts:        opts.KeepaliveOpts,
		limiter:              ratelimit.NewForProfile(profile),
		invites:              invites,
		onConnection:         opts.OnConnection,
		onStream:             opts.OnStream,
		sessions:             make(map[string]*Connection),
	}, nil
}

func defaultProfile(v codec.Visibility) ratelimit.Profile {
	switch v {
	case codec.VisibilityStealth:
		return ratelimit.StealthProfile
	case codec.VisibilityPrivate:
		return ratelimit.PrivateProfile
	default:
		return ratelimit.PublicProfile
	}
}

func defaultHome() string {
	if h, err := os.UserHomeDir(); err == nil {
		return filepath.Join(h, ".snap2p")
	}
	return ".snap2p"
}

// Principal returns this peer's stable wallet address.
func (p *Peer) Principal() wallet.Principal { return p.wallet.Principal() }

// Attestation returns the attestation this peer currently presents.
func (p *Peer) Attestation() *attestation.Attestation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attestation
}

// SessionCount returns the number of live sessions.
func (p *Peer) SessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Dial resolves a locator, connects over its named transport, runs the
// initiator handshake and registers the resulting session. inviteToken is
// presented as a KNOCK when dialing into a STEALTH peer; pass nil otherwise.
func (p *Peer) Dial(ctx context.Context, addr string, inviteToken []byte) (*Connection, error) {
	loc, err := locator.Parse(addr)
	if err != nil {
		return nil, err
	}

	var conn net.Conn
	switch loc.Transport {
	case locator.QUIC:
		conn, err = transport.DialQUIC(ctx, loc.Address())
	default:
		conn, err = transport.DialTCP(ctx, loc.Address())
	}
	if err != nil {
		return nil, err
	}

	cfg := p.handshakeConfig()
	cfg.InviteToken = inviteToken
	res, err := handshake.RunInitiator(conn, cfg)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return p.register(conn, res, stream.Initiator), nil
}

// Listen binds addr on the named transport and accepts inbound connections
// in the background until the Peer is closed. The returned locator carries
// the actual bound address, useful when addr's port is 0.
func (p *Peer) Listen(ctx context.Context, transportKind locator.Transport, addr string) (locator.Locator, error) {
	switch transportKind {
	case locator.QUIC:
		ln, err := transport.ListenQUIC(addr)
		if err != nil {
			return locator.Locator{}, err
		}
		p.mu.Lock()
		p.listener = ln
		p.mu.Unlock()
		loc, err := locator.Parse("quic://" + ln.Addr().String())
		if err != nil {
			return locator.Locator{}, err
		}
		go p.acceptQUIC(ctx, ln)
		return loc, nil
	default:
		ln, err := transport.ListenTCP(addr)
		if err != nil {
			return locator.Locator{}, err
		}
		p.mu.Lock()
		p.listener = ln
		p.mu.Unlock()
		loc, err := locator.Parse("tcp://" + ln.Addr().String())
		if err != nil {
			return locator.Locator{}, err
		}
		go p.acceptTCP(ln)
		return loc, nil
	}
}

func (p *Peer) acceptTCP(ln *net.TCPListener) {
	for {
		conn, err := transport.AcceptTCP(ln)
		if err != nil {
			return
		}
		p.admit(conn)
	}
}

func (p *Peer) acceptQUIC(ctx context.Context, ln *transport.QUICListener) {
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return
		}
		p.admit(conn)
	}
}

// admit applies the inbound rate limit keyed by remote IP, then hands the
// connection off to its own handshake goroutine per spec §4.8's Listen
// script: a rejected dial is dropped silently, never answered.
func (p *Peer) admit(conn net.Conn) {
	if !p.limiter.Allow(transport.RemoteHost(conn)) {
		_ = conn.Close()
		return
	}
	go p.acceptOne(conn)
}

func (p *Peer) acceptOne(conn net.Conn) {
	res, err := handshake.RunResponder(conn, p.handshakeConfig())
	if err != nil {
		_ = conn.Close()
		debuglog.Debugf("peer: inbound handshake failed: %v", err)
		return
	}
	p.register(conn, res, stream.Responder)
}

func (p *Peer) handshakeConfig() handshake.Config {
	p.mu.Lock()
	defer p.mu.Unlock()
	return handshake.Config{
		NoiseStatic:          p.noiseStatic,
		LocalAttestation:     p.attestation,
		Visibility:           p.visibility,
		Capabilities:         p.capabilities,
		Allowlist:            p.allowlist,
		InviteStore:          p.invites,
		Timeout:              p.handshakeTimeout,
		KeepaliveOpts:        p.keepaliveOpts,
		MaxStreamsPerSession: p.maxStreamsPerSession,
	}
}

func (p *Peer) register(conn net.Conn, res handshake.Result, role stream.Role) *Connection {
	sess := session.New(conn, res.Send, res.Recv, res.SessionID, session.Identities{
		LocalPrincipal:  p.wallet.Principal(),
		RemotePrincipal: res.RemotePrincipal,
		RemoteAttested:  res.RemoteAttested,
	}, p.keepaliveOpts)

	var c *Connection
	mux := stream.New(sess, role, p.maxStreamsPerSession, func(st *stream.Stream) {
		if p.onStream != nil {
			p.onStream(c, st)
		}
	})
	sess.SetStreamDispatcher(mux)
	c = &Connection{Peer: p, Session: sess, Streams: mux}

	key := hex.EncodeToString(res.SessionID)
	p.mu.Lock()
	p.sessions[key] = c
	p.mu.Unlock()

	go func() {
		_ = sess.Run()
		p.mu.Lock()
		delete(p.sessions, key)
		p.mu.Unlock()
	}()

	if p.onConnection != nil {
		p.onConnection(c)
	}
	return c
}

// GenerateInviteToken mints a fresh STEALTH invite token. It errors for any
// other visibility, per spec §4.8.
func (p *Peer) GenerateInviteToken(opts invite.Options) ([]byte, error) {
	if p.invites == nil {
		return nil, protoerr.New(protoerr.NotAllowed, "invite tokens require STEALTH visibility")
	}
	return p.invites.Generate(opts)
}

// ImportInviteToken registers an externally minted STEALTH invite token.
func (p *Peer) ImportInviteToken(token []byte, opts invite.Options) error {
	if p.invites == nil {
		return protoerr.New(protoerr.NotAllowed, "invite tokens require STEALTH visibility")
	}
	return p.invites.Import(token, opts)
}

// RevokeInviteToken removes a STEALTH invite token immediately.
func (p *Peer) RevokeInviteToken(token []byte) bool {
	if p.invites == nil {
		return false
	}
	return p.invites.Revoke(token)
}

// InviteTokenCount returns the number of live STEALTH invite tokens.
func (p *Peer) InviteTokenCount() int {
	if p.invites == nil {
		return 0
	}
	return p.invites.Count()
}

// Close stops accepting new connections and tears down every live session.
func (p *Peer) Close() error {
	p.mu.Lock()
	ln := p.listener
	p.listener = nil
	sessions := make([]*Connection, 0, len(p.sessions))
	for _, c := range p.sessions {
		sessions = append(sessions, c)
	}
	p.mu.Unlock()

	for _, c := range sessions {
		_ = c.Session.Close()
	}
	if ln != nil {
		return ln.Close()
	}
	return nil
}
