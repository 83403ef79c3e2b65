// Package session implements the post-handshake encrypted control channel
// (spec §4.6): send = encode -> AEAD-encrypt -> frame -> write; receive =
// frame -> AEAD-decrypt -> decode -> dispatch, plus PING/PONG keepalive and
// nonce-exhaustion enforcement. Grounded on the teacher's
// internal/node/session.go for the lifecycle shape (one struct owning
// directional keys/counters, idempotent teardown) even
// though the actual AEAD here rides on github.com/flynn/noise's CipherState
// rather than the teacher's hand-rolled send/recv key pair.
package session

import (
	"io"
	"sync"
	"time"

	flynn "github.com/flynn/noise"

	"github.com/alexrudloff/snap2p/internal/attestation"
	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/debuglog"
	"github.com/alexrudloff/snap2p/internal/framing"
	"github.com/alexrudloff/snap2p/internal/protoerr"
	"github.com/alexrudloff/snap2p/internal/wallet"
)

// maxNonce is 2^64-1, spec §4.6's hard nonce-exhaustion ceiling.
const maxNonce = ^uint64(0)

// DefaultKeepaliveInterval and DefaultKeepaliveTimeout are spec §4.6's
// default PING cadence and per-PING ack deadline.
const (
	DefaultKeepaliveInterval = 30 * time.Second
	DefaultKeepaliveTimeout  = 10 * time.Second
)

// StreamDispatcher receives inbound multiplexer events decoded off the wire.
// internal/stream implements this; keeping it as an interface here avoids a
// session <-> stream import cycle.
type StreamDispatcher interface {
	HandleOpenStream(id uint64, label string)
	HandleStreamData(id uint64, data []byte, fin bool)
	HandleCloseStream(id uint64, hasError bool, code int64)
}

// Identities is the pair of verified identities a Session was built from.
type Identities struct {
	LocalPrincipal  wallet.Principal
	RemotePrincipal wallet.Principal
	RemoteAttested  *attestation.Attestation
}

// Options configures keepalive behavior and event callbacks.
type Options struct {
	KeepaliveInterval time.Duration // 0 selects DefaultKeepaliveInterval; negative disables the local keepalive timer
	KeepaliveTimeout  time.Duration // 0 selects DefaultKeepaliveTimeout
	OnMessage         func(codec.Message)
	OnError           func(error)
	OnClose           func(error)
}

// Session is one established, authenticated control channel.
type Session struct {
	conn      io.ReadWriteCloser
	send      *flynn.CipherState
	recv      *flynn.CipherState
	sessionID []byte
	ids       Identities

	sendNonce uint64
	recvNonce uint64

	mu     sync.Mutex
	closed bool

	dispatcher StreamDispatcher
	opts       Options

	keepaliveStop chan struct{}
	keepaliveOnce sync.Once

	pendingMu sync.Mutex
	pending   map[uint64]*pendingPing
	pingSeq   uint64

	lastRTTMu sync.Mutex
	lastRTT   time.Duration
}

// New wraps an already-handshaken connection into a Session.
func New(conn io.ReadWriteCloser, send, recv *flynn.CipherState, sessionID []byte, ids Identities, opts Options) *Session {
	if opts.KeepaliveInterval == 0 {
		opts.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if opts.KeepaliveTimeout == 0 {
		opts.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	return &Session{
		conn:          conn,
		send:          send,
		recv:          recv,
		sessionID:     sessionID,
		ids:           ids,
		opts:          opts,
		pending:       make(map[uint64]*pendingPing),
		keepaliveStop: make(chan struct{}),
	}
}

type pendingPing struct {
	timer  *time.Timer
	sentAt time.Time
}

// SetStreamDispatcher attaches the multiplexer that owns this session's
// streams. Must be called before Run.
func (s *Session) SetStreamDispatcher(d StreamDispatcher) { s.dispatcher = d }

// SessionID returns the 32-byte session identifier chosen by the responder
// during the handshake.
func (s *Session) SessionID() []byte { return s.sessionID }

// Identities returns the verified local/remote principals for this session.
func (s *Session) Identities() Identities { return s.ids }

// LastRTT returns the most recently observed PING/PONG round trip time, or
// zero if no PONG has been observed yet.
func (s *Session) LastRTT() time.Duration {
	s.lastRTTMu.Lock()
	defer s.lastRTTMu.Unlock()
	return s.lastRTT
}

// Send encodes, encrypts and frames m onto the wire. Sending on a closed
// session is a no-op, per spec §4.6's "any further send returns closed
// without error".
func (s *Session) Send(m codec.Message) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	if s.sendNonce >= maxNonce {
		s.mu.Unlock()
		_ = s.Close()
		return protoerr.New(protoerr.Internal, "session: send nonce exhausted, session must be re-established")
	}
	s.sendNonce++
	s.mu.Unlock()

	plaintext, err := codec.Encode(m)
	if err != nil {
		return protoerr.Wrap(protoerr.InvalidMessage, "encoding outbound message", err)
	}
	ciphertext, err := s.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return protoerr.Wrap(protoerr.Internal, "encrypting outbound message", err)
	}
	return framing.WriteFrame(s.conn, ciphertext)
}

// Run drives the blocking receive loop: frame -> decrypt -> decode ->
// dispatch. It returns when the connection closes or a fatal protocol
// error occurs; callers run it in its own goroutine per spec §5's
// single-threaded-per-session model.
func (s *Session) Run() error {
	if s.opts.KeepaliveInterval > 0 {
		go s.keepaliveLoop()
	}
	var runErr error
	for {
		frame, err := framing.ReadFrame(s.conn)
		if err != nil {
			runErr = err
			break
		}
		if s.recvNonce >= maxNonce {
			runErr = protoerr.New(protoerr.Internal, "session: recv nonce exhausted, session must be re-established")
			break
		}
		s.recvNonce++
		plaintext, err := s.recv.Decrypt(nil, nil, frame)
		if err != nil {
			runErr = protoerr.Wrap(protoerr.InvalidMessage, "decrypting inbound frame", err)
			break
		}
		msg, err := codec.Decode(plaintext)
		if err != nil {
			runErr = err
			break
		}
		if err := s.dispatch(msg); err != nil {
			runErr = err
			break
		}
	}
	_ = s.Close()
	if s.opts.OnClose != nil {
		s.opts.OnClose(runErr)
	}
	return runErr
}

func (s *Session) dispatch(m codec.Message) error {
	switch v := m.(type) {
	case codec.Ping:
		return s.Send(codec.Pong{Sequence: v.Sequence, Timestamp: v.Timestamp})
	case codec.Pong:
		s.onPong(v.Sequence)
		return nil
	case codec.OpenStream:
		if s.dispatcher != nil {
			s.dispatcher.HandleOpenStream(v.StreamID, v.Label)
		}
		return nil
	case codec.StreamData:
		if s.dispatcher != nil {
			s.dispatcher.HandleStreamData(v.StreamID, v.Data, v.Fin)
		}
		return nil
	case codec.CloseStream:
		if s.dispatcher != nil {
			s.dispatcher.HandleCloseStream(v.StreamID, v.HasError, v.ErrorCode)
		}
		return nil
	case codec.ErrorMsg:
		if s.opts.OnError != nil {
			s.opts.OnError(protoerr.New(protoerr.FromCode(v.ErrorCode), v.Reason))
		}
		return nil
	default:
		if s.opts.OnMessage != nil {
			s.opts.OnMessage(m)
		}
		return nil
	}
}

func (s *Session) keepaliveLoop() {
	ticker := time.NewTicker(s.opts.KeepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.keepaliveStop:
			return
		case <-ticker.C:
			s.sendPing()
		}
	}
}

func (s *Session) sendPing() {
	s.pendingMu.Lock()
	s.pingSeq++
	seq := s.pingSeq
	sentAt := time.Now()
	timer := time.AfterFunc(s.opts.KeepaliveTimeout, func() { s.onPingTimeout(seq) })
	s.pending[seq] = &pendingPing{timer: timer, sentAt: sentAt}
	s.pendingMu.Unlock()

	if err := s.Send(codec.Ping{Sequence: seq, Timestamp: sentAt.Unix()}); err != nil {
		debuglog.Debugf("session: keepalive ping send failed: %v", err)
	}
}

func (s *Session) onPong(seq uint64) {
	s.pendingMu.Lock()
	p, ok := s.pending[seq]
	if ok {
		p.timer.Stop()
		delete(s.pending, seq)
	}
	s.pendingMu.Unlock()
	if ok {
		s.lastRTTMu.Lock()
		s.lastRTT = time.Since(p.sentAt)
		s.lastRTTMu.Unlock()
	}
}

func (s *Session) onPingTimeout(seq uint64) {
	s.pendingMu.Lock()
	_, ok := s.pending[seq]
	delete(s.pending, seq)
	s.pendingMu.Unlock()
	if !ok {
		return
	}
	debuglog.Logf("session: keepalive ping %d timed out, closing", seq)
	_ = s.Close()
}

// Close idempotently tears the session down: stops keepalive, closes the
// socket. Calling Close more than once is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.keepaliveOnce.Do(func() { close(s.keepaliveStop) })

	s.pendingMu.Lock()
	for seq, p := range s.pending {
		p.timer.Stop()
		delete(s.pending, seq)
	}
	s.pendingMu.Unlock()

	return s.conn.Close()
}

// IsClosed reports whether the session has been closed.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
