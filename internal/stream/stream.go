// Package stream implements the multiplexer and backpressured duplex
// streams riding on one session (spec §4.7): even/odd id parity by role,
// OPEN_STREAM/STREAM_DATA/CLOSE_STREAM routing, and a bounded read buffer
// that blocks rather than drops when full. No pack repo multiplexes
// streams over an encrypted control channel this way; the closest shape is
// TeoSlayer-pilotprotocol's pkg/driver/conn.go, whose channel-backed
// Read/Write-with-deadline Conn is the model for this package's Stream —
// adapted from a single raw connection abstraction into one duplex stream
// among many sharing a session, with a high-water-mark buffer instead of
// an unbounded channel.
package stream

import (
	"io"
	"sync"

	"github.com/alexrudloff/snap2p/internal/codec"
	"github.com/alexrudloff/snap2p/internal/protoerr"
)

// DefaultMaxStreams is the per-session cap on concurrently open streams.
const DefaultMaxStreams = 100

// DefaultHighWaterMark is the default bound on a stream's unread buffered
// bytes before inbound STREAM_DATA processing blocks.
const DefaultHighWaterMark = 64 * 1024

// Sender is the subset of session.Session a Multiplexer needs to emit
// control messages; kept as an interface to avoid a stream <-> session
// import cycle (session.Session already depends on nothing in this
// package, so this interface is satisfied structurally).
type Sender interface {
	Send(codec.Message) error
}

// Role picks which id parity a Multiplexer allocates locally-opened
// streams from. Initiators get even ids starting at 0, responders get
// odd ids starting at 1, so concurrent opens from both ends can never
// collide.
type Role int

const (
	Initiator Role = iota
	Responder
)

// Multiplexer owns every stream for one session.
type Multiplexer struct {
	mu         sync.Mutex
	sender     Sender
	nextID     uint64
	maxStreams int
	streams    map[uint64]*Stream
	onStream   func(*Stream)
}

// New constructs a Multiplexer for one session. onStream is invoked
// (outside the lock) for every stream the remote opens.
func New(sender Sender, role Role, maxStreams int, onStream func(*Stream)) *Multiplexer {
	if maxStreams <= 0 {
		maxStreams = DefaultMaxStreams
	}
	start := uint64(1)
	if role == Initiator {
		start = 0
	}
	return &Multiplexer{
		sender:     sender,
		nextID:     start,
		maxStreams: maxStreams,
		streams:    make(map[uint64]*Stream),
		onStream:   onStream,
	}
}

// OpenStream allocates the next id of this multiplexer's parity, registers
// a new Stream, and sends OPEN_STREAM.
func (m *Multiplexer) OpenStream(label string) (*Stream, error) {
	m.mu.Lock()
	if len(m.streams) >= m.maxStreams {
		m.mu.Unlock()
		return nil, protoerr.New(protoerr.ResourceExhausted, "stream: multiplexer at capacity")
	}
	id := m.nextID
	m.nextID += 2
	st := newStream(id, label, m)
	m.streams[id] = st
	m.mu.Unlock()

	if err := m.sender.Send(codec.OpenStream{StreamID: id, Label: label}); err != nil {
		m.mu.Lock()
		delete(m.streams, id)
		m.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// HandleOpenStream implements session.StreamDispatcher.
func (m *Multiplexer) HandleOpenStream(id uint64, label string) {
	m.mu.Lock()
	if _, exists := m.streams[id]; exists {
		m.mu.Unlock()
		_ = m.sender.Send(codec.CloseStream{StreamID: id, HasError: true, ErrorCode: protoerr.StreamIDInUse.Code()})
		return
	}
	if len(m.streams) >= m.maxStreams {
		m.mu.Unlock()
		_ = m.sender.Send(codec.CloseStream{StreamID: id, HasError: true, ErrorCode: protoerr.ResourceExhausted.Code()})
		return
	}
	st := newStream(id, label, m)
	m.streams[id] = st
	m.mu.Unlock()

	if m.onStream != nil {
		m.onStream(st)
	}
}

// HandleStreamData implements session.StreamDispatcher.
func (m *Multiplexer) HandleStreamData(id uint64, data []byte, fin bool) {
	m.mu.Lock()
	st, ok := m.streams[id]
	m.mu.Unlock()
	if !ok {
		_ = m.sender.Send(codec.CloseStream{StreamID: id, HasError: true, ErrorCode: protoerr.StreamNotFound.Code()})
		return
	}
	st.push(data, fin)
}

// HandleCloseStream implements session.StreamDispatcher.
func (m *Multiplexer) HandleCloseStream(id uint64, hasError bool, code int64) {
	m.mu.Lock()
	st, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	m.mu.Unlock()
	if ok {
		st.remoteClosed()
	}
}

// Len reports the number of streams currently tracked (for tests and
// diagnostics).
func (m *Multiplexer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

func (m *Multiplexer) release(id uint64) {
	m.mu.Lock()
	delete(m.streams, id)
	m.mu.Unlock()
}

// Stream is one bidirectional, flow-controlled byte stream multiplexed
// over a session.
type Stream struct {
	id    uint64
	label string
	mux   *Multiplexer

	highWaterMark int

	mu          sync.Mutex
	cond        *sync.Cond
	readBuf     []byte
	readClosed  bool // remote sent fin
	writeClosed bool // we sent our own fin
	destroyed   bool
}

func newStream(id uint64, label string, mux *Multiplexer) *Stream {
	s := &Stream{id: id, label: label, mux: mux, highWaterMark: DefaultHighWaterMark}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// ID returns this stream's multiplexer-scoped identifier.
func (s *Stream) ID() uint64 { return s.id }

// Label returns the opaque debugging label supplied at open time.
func (s *Stream) Label() string { return s.label }

// Write sends data as a STREAM_DATA frame. Writing after End or Close
// returns an error.
func (s *Stream) Write(data []byte) (int, error) {
	s.mu.Lock()
	if s.writeClosed || s.destroyed {
		s.mu.Unlock()
		return 0, protoerr.New(protoerr.StreamClosed, "stream: write after close")
	}
	s.mu.Unlock()

	if err := s.mux.sender.Send(codec.StreamData{StreamID: s.id, Data: data, Fin: false}); err != nil {
		return 0, err
	}
	return len(data), nil
}

// End sends a single fin=true STREAM_DATA frame, closing the write side.
// Calling End more than once is a no-op.
func (s *Stream) End() error {
	s.mu.Lock()
	if s.writeClosed {
		s.mu.Unlock()
		return nil
	}
	s.writeClosed = true
	s.mu.Unlock()
	return s.mux.sender.Send(codec.StreamData{StreamID: s.id, Fin: true})
}

// push appends inbound data to the read buffer, blocking the caller (the
// session's single receive-loop goroutine) while the buffer sits at or
// above its high-water mark, rather than ever dropping bytes.
func (s *Stream) push(data []byte, fin bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.readBuf) >= s.highWaterMark && !s.destroyed {
		s.cond.Wait()
	}
	if s.destroyed {
		return
	}
	if len(data) > 0 {
		s.readBuf = append(s.readBuf, data...)
	}
	if fin {
		s.readClosed = true
	}
	s.cond.Broadcast()
}

// Read implements io.Reader, yielding the concatenation of received DATA
// payloads in arrival order and io.EOF once the remote's fin has been
// consumed.
func (s *Stream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.readBuf) == 0 {
		if s.readClosed {
			return 0, io.EOF
		}
		if s.destroyed {
			return 0, protoerr.New(protoerr.StreamClosed, "stream: destroyed")
		}
		s.cond.Wait()
	}
	n := copy(p, s.readBuf)
	s.readBuf = s.readBuf[n:]
	s.cond.Broadcast() // wake any push() blocked on the high-water mark
	return n, nil
}

func (s *Stream) remoteClosed() {
	s.mu.Lock()
	s.destroyed = true
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Close forces both directions closed locally and, if the stream was not
// already closed by the remote, emits CLOSE_STREAM with ERR_INTERNAL.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return nil
	}
	s.destroyed = true
	s.mu.Unlock()
	s.cond.Broadcast()
	s.mux.release(s.id)
	return s.mux.sender.Send(codec.CloseStream{StreamID: s.id, HasError: true, ErrorCode: protoerr.Internal.Code()})
}
