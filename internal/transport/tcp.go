// Package transport implements the two wire carriers spec §4.8/§6 name for
// Peer.dial/Peer.listen: plain TCP and QUIC's single bidirectional stream
// treated as a byte stream. Both sides hand back a connection satisfying
// internal/handshake.Conn, so the orchestrator is carrier-agnostic.
package transport

import (
	"context"
	"fmt"
	"net"
	"time"
)

// DefaultDialTimeout is spec §5's default TCP connect timeout.
const DefaultDialTimeout = 10 * time.Second

// DialTCP connects to addr, then enables TCP keepalive and disables Nagle's
// algorithm per spec §4.8's Dial script.
func DialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp dial %s: %w", addr, err)
	}
	if err := configureTCP(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// ListenTCP binds addr for accepting connections; each accepted socket is
// still configured via configureTCP before the caller sees it (AcceptTCP).
func ListenTCP(addr string) (*net.TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp listen %s: %w", addr, err)
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		return nil, fmt.Errorf("transport: unexpected listener type %T", ln)
	}
	return tl, nil
}

// AcceptTCP accepts the next connection off ln and configures it.
func AcceptTCP(ln *net.TCPListener) (net.Conn, error) {
	conn, err := ln.Accept()
	if err != nil {
		return nil, err
	}
	if err := configureTCP(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func configureTCP(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	if err := tc.SetKeepAlive(true); err != nil {
		return fmt.Errorf("transport: enable keepalive: %w", err)
	}
	if err := tc.SetKeepAlivePeriod(30 * time.Second); err != nil {
		return fmt.Errorf("transport: set keepalive period: %w", err)
	}
	if err := tc.SetNoDelay(true); err != nil {
		return fmt.Errorf("transport: disable Nagle: %w", err)
	}
	return nil
}

// RemoteHost extracts the bare host (no port) a net.Conn is connected to,
// used by Peer's rate limiter to key on remote IP per spec §4.8's Listen
// script.
func RemoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
