// Package handshake drives the control-plane handshake orchestrator (spec
// §4.5): the linear initiator/responder scripts that run Noise XX, exchange
// HELLO/AUTH, verify attestations and node-key binding, and enforce
// allowlist/invite-token policy. Grounded on the teacher's
// internal/node/session.go handshake functions for shape — a linear
// script per role, explicit per-step validation, fatal-on-first-failure —
// with the actual cryptographic exchange delegated to internal/noise
// instead of the teacher's own 2-message Diffie-Hellman code.
package handshake

import (
	"fmt"
	"time"
	"unicode/utf8"

	flynn "github.com/flynn/noise"

	"github.com/alexrudloff/snap2p/internal/attestation"
	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/crypto"
	"github.com/alexrudloff/snap2p/internal/debuglog"
	"github.com/alexrudloff/snap2p/internal/framing"
	"github.com/alexrudloff/snap2p/internal/invite"
	"github.com/alexrudloff/snap2p/internal/noise"
	"github.com/alexrudloff/snap2p/internal/protoerr"
	"github.com/alexrudloff/snap2p/internal/session"
	"github.com/alexrudloff/snap2p/internal/wallet"
)

// DefaultTimeout is the per-I/O deadline spec §4.5 defaults every
// handshake step to.
const DefaultTimeout = 30 * time.Second

// ProtocolVersion is the only HELLO/control-plane version this core speaks.
const ProtocolVersion = 1

// Conn is the subset of net.Conn (also satisfied by a quic.Stream) the
// handshake needs: byte I/O plus a deadline.
type Conn interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	SetDeadline(t time.Time) error
	Close() error
}

// Config carries everything one handshake run needs from its owning Peer.
type Config struct {
	NoiseStatic      flynn.DHKey
	LocalAttestation *attestation.Attestation
	Visibility       codec.Visibility
	Capabilities     []string

	// Allowlist, if non-nil, restricts which remote principals the
	// responder will complete a handshake with.
	Allowlist map[wallet.Principal]bool

	// InviteStore validates KNOCK tokens; required when Visibility is
	// STEALTH on the responder side.
	InviteStore *invite.Store

	// InviteToken is presented by an initiator dialing into a STEALTH peer.
	InviteToken []byte

	Timeout              time.Duration
	KeepaliveOpts         session.Options
	MaxStreamsPerSession  int
}

func (c Config) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

// Result is a completed handshake's outputs: enough to build a Session.
type Result struct {
	Send             *flynn.CipherState
	Recv             *flynn.CipherState
	SessionID        []byte
	RemoteAttested   *attestation.Attestation
	RemotePrincipal  wallet.Principal
}

func withDeadline(conn Conn, d time.Duration, fn func() error) error {
	if err := conn.SetDeadline(time.Now().Add(d)); err != nil {
		return err
	}
	err := fn()
	_ = conn.SetDeadline(time.Time{})
	return err
}

func sendPlain(conn Conn, m codec.Message) error {
	b, err := codec.Encode(m)
	if err != nil {
		return err
	}
	return framing.WriteFrame(conn, b)
}

func recvPlain(conn Conn) (codec.Message, error) {
	b, err := framing.ReadFrame(conn)
	if err != nil {
		return nil, err
	}
	return codec.Decode(b)
}

// RunInitiator drives the dialing side of the handshake.
func RunInitiator(conn Conn, cfg Config) (Result, error) {
	to := cfg.timeout()

	if len(cfg.InviteToken) > 0 {
		var allowed bool
		err := withDeadline(conn, to, func() error {
			if err := sendPlain(conn, codec.Knock{InviteToken: cfg.InviteToken}); err != nil {
				return err
			}
			reply, err := recvPlain(conn)
			if err != nil {
				return err
			}
			switch v := reply.(type) {
			case codec.AuthFail:
				return protoerr.New(protoerr.FromCode(v.ErrorCode), v.Reason)
			case codec.KnockResponse:
				if !v.Allowed {
					return protoerr.New(protoerr.InvalidToken, "invite token rejected")
				}
				allowed = true
				return nil
			default:
				return protoerr.New(protoerr.InvalidMessage, "unexpected reply to KNOCK")
			}
		})
		if err != nil {
			return Result{}, err
		}
		if !allowed {
			return Result{}, protoerr.New(protoerr.InvalidToken, "invite token rejected")
		}
	}

	var noiseRes noise.Result
	err := withDeadline(conn, to, func() error {
		var err error
		noiseRes, err = noise.RunInitiator(conn, cfg.NoiseStatic, nil)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	sess := &plainSession{conn: conn, send: noiseRes.Send, recv: noiseRes.Recv}

	myNonce, err := crypto.RandomBytes(32)
	if err != nil {
		return Result{}, err
	}
	myHello := codec.Hello{
		Version:       ProtocolVersion,
		NodePublicKey: cfg.NoiseStatic.Public,
		Nonce:         myNonce,
		Timestamp:     time.Now().Unix(),
		Visibility:    cfg.Visibility,
		Capabilities:  cfg.Capabilities,
	}
	if err := withDeadline(conn, to, func() error { return sess.send_(myHello) }); err != nil {
		return Result{}, err
	}

	var remoteHello codec.Hello
	if err := withDeadline(conn, to, func() error {
		m, err := sess.recv_()
		if err != nil {
			return err
		}
		h, ok := m.(codec.Hello)
		if !ok {
			return protoerr.New(protoerr.InvalidMessage, "expected HELLO")
		}
		if err := validateHello(h); err != nil {
			return err
		}
		remoteHello = h
		return nil
	}); err != nil {
		return Result{}, err
	}
	debuglog.Debugf("handshake: initiator got remote HELLO, visibility=%s capabilities=%v", remoteHello.Visibility, remoteHello.Capabilities)

	attBytes, err := cfg.LocalAttestation.Serialize()
	if err != nil {
		return Result{}, err
	}
	if err := withDeadline(conn, to, func() error {
		return sess.send_(codec.Auth{Attestation: attBytes})
	}); err != nil {
		return Result{}, err
	}

	var remoteAtt *attestation.Attestation
	if err := withDeadline(conn, to, func() error {
		m, err := sess.recv_()
		if err != nil {
			return err
		}
		if f, ok := m.(codec.AuthFail); ok {
			return protoerr.New(protoerr.FromCode(f.ErrorCode), f.Reason)
		}
		a, ok := m.(codec.Auth)
		if !ok {
			return protoerr.New(protoerr.InvalidMessage, "expected AUTH")
		}
		att, err := attestation.Deserialize(a.Attestation)
		if err != nil {
			return err
		}
		if err := att.Verify(time.Now()); err != nil {
			return err
		}
		binds, err := att.BindsNodeKey(noiseRes.RemoteStatic)
		if err != nil {
			return err
		}
		if !binds {
			return protoerr.New(protoerr.AttestationInvalid, "attestation node_public_key does not match noise static key (binding)")
		}
		remoteAtt = att
		return nil
	}); err != nil {
		return Result{}, err
	}

	var sessionID []byte
	if err := withDeadline(conn, to, func() error {
		m, err := sess.recv_()
		if err != nil {
			return err
		}
		switch v := m.(type) {
		case codec.AuthFail:
			return protoerr.New(protoerr.FromCode(v.ErrorCode), v.Reason)
		case codec.AuthOK:
			sessionID = v.SessionID
			return nil
		default:
			return protoerr.New(protoerr.InvalidMessage, "expected AUTH_OK or AUTH_FAIL")
		}
	}); err != nil {
		return Result{}, err
	}

	if err := withDeadline(conn, to, func() error {
		return sess.send_(codec.AuthOK{Principal: string(localPrincipal(cfg)), SessionID: sessionID})
	}); err != nil {
		return Result{}, err
	}

	return Result{
		Send:            noiseRes.Send,
		Recv:            noiseRes.Recv,
		SessionID:       sessionID,
		RemoteAttested:  remoteAtt,
		RemotePrincipal: remoteAtt.Principal,
	}, nil
}

// RunResponder drives the accepting side of the handshake.
func RunResponder(conn Conn, cfg Config) (Result, error) {
	to := cfg.timeout()

	if cfg.Visibility == codec.VisibilityStealth {
		if err := stealthGate(conn, to, cfg); err != nil {
			_ = conn.Close()
			return Result{}, err
		}
	}

	var noiseRes noise.Result
	err := withDeadline(conn, to, func() error {
		var err error
		noiseRes, err = noise.RunResponder(conn, cfg.NoiseStatic, nil)
		return err
	})
	if err != nil {
		return Result{}, err
	}
	sess := &plainSession{conn: conn, send: noiseRes.Send, recv: noiseRes.Recv}

	var remoteHello codec.Hello
	if err := withDeadline(conn, to, func() error {
		m, err := sess.recv_()
		if err != nil {
			return err
		}
		h, ok := m.(codec.Hello)
		if !ok {
			return protoerr.New(protoerr.InvalidMessage, "expected HELLO")
		}
		if err := validateHello(h); err != nil {
			return err
		}
		remoteHello = h
		return nil
	}); err != nil {
		return Result{}, err
	}
	debuglog.Debugf("handshake: responder got remote HELLO, visibility=%s capabilities=%v", remoteHello.Visibility, remoteHello.Capabilities)

	myNonce, err := crypto.RandomBytes(32)
	if err != nil {
		return Result{}, err
	}
	myHello := codec.Hello{
		Version:       ProtocolVersion,
		NodePublicKey: cfg.NoiseStatic.Public,
		Nonce:         myNonce,
		Timestamp:     time.Now().Unix(),
		Visibility:    cfg.Visibility,
		Capabilities:  cfg.Capabilities,
	}
	if err := withDeadline(conn, to, func() error { return sess.send_(myHello) }); err != nil {
		return Result{}, err
	}

	var remoteAtt *attestation.Attestation
	authErr := withDeadline(conn, to, func() error {
		m, err := sess.recv_()
		if err != nil {
			return err
		}
		a, ok := m.(codec.Auth)
		if !ok {
			return protoerr.New(protoerr.InvalidMessage, "expected AUTH")
		}
		att, err := attestation.Deserialize(a.Attestation)
		if err != nil {
			return err
		}
		if err := att.Verify(time.Now()); err != nil {
			return err
		}
		binds, err := att.BindsNodeKey(noiseRes.RemoteStatic)
		if err != nil {
			return err
		}
		if !binds {
			return protoerr.New(protoerr.AttestationInvalid, "attestation node_public_key does not match noise static key (binding)")
		}
		remoteAtt = att
		return nil
	})
	if authErr != nil {
		pe, _ := protoerr.As(authErr)
		reason := authErr.Error()
		code := protoerr.AttestationInvalid.Code()
		if pe != nil {
			code = pe.Kind.Code()
		}
		_ = withDeadline(conn, to, func() error {
			return sess.send_(codec.AuthFail{ErrorCode: code, Reason: reason})
		})
		_ = conn.Close()
		return Result{}, authErr
	}

	if cfg.Allowlist != nil && !cfg.Allowlist[remoteAtt.Principal] {
		_ = withDeadline(conn, to, func() error {
			return sess.send_(codec.AuthFail{ErrorCode: protoerr.NotAllowed.Code(), Reason: "principal not on allowlist"})
		})
		_ = conn.Close()
		return Result{}, protoerr.New(protoerr.NotAllowed, "principal not on allowlist")
	}

	attBytes, err := cfg.LocalAttestation.Serialize()
	if err != nil {
		return Result{}, err
	}
	if err := withDeadline(conn, to, func() error {
		return sess.send_(codec.Auth{Attestation: attBytes})
	}); err != nil {
		return Result{}, err
	}

	sessionID, err := crypto.RandomBytes(32)
	if err != nil {
		return Result{}, err
	}
	if err := withDeadline(conn, to, func() error {
		return sess.send_(codec.AuthOK{Principal: string(localPrincipal(cfg)), SessionID: sessionID})
	}); err != nil {
		return Result{}, err
	}

	if err := withDeadline(conn, to, func() error {
		m, err := sess.recv_()
		if err != nil {
			return err
		}
		if _, ok := m.(codec.AuthOK); !ok {
			return protoerr.New(protoerr.InvalidMessage, "expected AUTH_OK")
		}
		return nil
	}); err != nil {
		return Result{}, err
	}

	return Result{
		Send:            noiseRes.Send,
		Recv:            noiseRes.Recv,
		SessionID:       sessionID,
		RemoteAttested:  remoteAtt,
		RemotePrincipal: remoteAtt.Principal,
	}, nil
}

func stealthGate(conn Conn, to time.Duration, cfg Config) error {
	return withDeadline(conn, to, func() error {
		m, err := recvPlain(conn)
		knock, ok := m.(codec.Knock)
		if err != nil || !ok {
			_ = sendPlain(conn, codec.AuthFail{ErrorCode: protoerr.InviteRequired.Code(), Reason: "first frame must be KNOCK for a STEALTH peer"})
			return protoerr.New(protoerr.InviteRequired, "missing invite token")
		}
		if cfg.InviteStore == nil || !cfg.InviteStore.Validate(knock.InviteToken, time.Now()) {
			_ = sendPlain(conn, codec.AuthFail{ErrorCode: protoerr.InvalidToken.Code(), Reason: "invite token invalid, expired or exhausted"})
			return protoerr.New(protoerr.InvalidToken, "invalid invite token")
		}
		debuglog.Debugf("handshake: invite token accepted")
		return sendPlain(conn, codec.KnockResponse{Allowed: true})
	})
}

func validateHello(h codec.Hello) error {
	if h.Version != ProtocolVersion {
		return protoerr.New(protoerr.VersionUnsupported, "unsupported HELLO version")
	}
	if len(h.NodePublicKey) != 32 {
		return protoerr.New(protoerr.InvalidMessage, "node_public_key must be 32 bytes")
	}
	if len(h.Nonce) != 32 {
		return protoerr.New(protoerr.InvalidMessage, "nonce must be 32 bytes")
	}
	now := time.Now().Unix()
	if h.Timestamp-now > 300 || now-h.Timestamp > 300 {
		return protoerr.New(protoerr.InvalidMessage, "timestamp outside allowed skew")
	}
	for _, c := range h.Capabilities {
		if !utf8.ValidString(c) {
			return protoerr.New(protoerr.InvalidMessage, "capabilities must be valid UTF-8")
		}
	}
	return nil
}

func localPrincipal(cfg Config) wallet.Principal {
	if cfg.LocalAttestation == nil {
		return ""
	}
	return cfg.LocalAttestation.Principal
}

// plainSession encrypts/decrypts single control messages directly over the
// Noise cipher states, used only during the handshake before a full
// session.Session exists.
type plainSession struct {
	conn Conn
	send *flynn.CipherState
	recv *flynn.CipherState
}

func (s *plainSession) send_(m codec.Message) error {
	plaintext, err := codec.Encode(m)
	if err != nil {
		return err
	}
	ciphertext, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return fmt.Errorf("handshake: encrypt failed: %w", err)
	}
	return framing.WriteFrame(s.conn, ciphertext)
}

func (s *plainSession) recv_() (codec.Message, error) {
	frame, err := framing.ReadFrame(s.conn)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.recv.Decrypt(nil, nil, frame)
	if err != nil {
		return nil, fmt.Errorf("handshake: decrypt failed: %w", err)
	}
	return codec.Decode(plaintext)
}
