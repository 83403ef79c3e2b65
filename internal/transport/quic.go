package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"golang.org/x/crypto/hkdf"
)

// quicALPN is the protocol name negotiated on every QUIC connection this
// core opens.
const quicALPN = "snap2p-quic"

// devTLSSeed anchors the HKDF stream devTLSCert reads its key material and
// serial number from. There is no certificate authority in this protocol —
// Noise XX over the QUIC stream is the real authentication layer (spec
// §4.4/§4.5 equivalents enforced in internal/handshake); this TLS layer
// exists only because QUIC requires one to set up the transport, so every
// process derives the same throwaway P-256 cert instead of minting a fresh
// one per run.
var devTLSSeed = sha256.Sum256([]byte("snap2p-quic-transport-bootstrap"))

var (
	devTLSCertOnce sync.Once
	devTLSCertVal  tls.Certificate
	devTLSCertDER  []byte
	devTLSCertErr  error
)

// devTLSCert lazily builds and caches the one self-signed ECDSA P-256
// certificate this process's QUIC listener and dialer both trust, keying
// everything off an HKDF stream expanded from devTLSSeed so the serial
// number and key are reproducible without handing x509 an all-zero reader.
func devTLSCert() (tls.Certificate, []byte, error) {
	devTLSCertOnce.Do(func() {
		stream := hkdf.New(sha256.New, devTLSSeed[:], nil, []byte("snap2p-quic-dev-cert"))

		// The scalar is read from the stream directly: ecdsa.GenerateKey may
		// consume an extra byte from a non-default reader at random, which
		// would make the key differ between processes.
		var scalarBuf [32]byte
		if _, err := io.ReadFull(stream, scalarBuf[:]); err != nil {
			devTLSCertErr = fmt.Errorf("transport: generate dev tls key: %w", err)
			return
		}
		curve := elliptic.P256()
		d := new(big.Int).SetBytes(scalarBuf[:])
		d.Mod(d, new(big.Int).Sub(curve.Params().N, big.NewInt(1)))
		d.Add(d, big.NewInt(1))
		priv := &ecdsa.PrivateKey{D: d}
		priv.PublicKey.Curve = curve
		priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(d.Bytes())

		var serialBuf [8]byte
		if _, err := io.ReadFull(stream, serialBuf[:]); err != nil {
			devTLSCertErr = fmt.Errorf("transport: derive dev tls serial: %w", err)
			return
		}
		serial := new(big.Int).SetBytes(serialBuf[:])

		template := x509.Certificate{
			SerialNumber: serial,
			NotBefore:    time.Unix(0, 0),
			NotAfter:     time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC),
			KeyUsage:     x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
			ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
			DNSNames:     []string{"localhost"},
			IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		}
		der, err := x509.CreateCertificate(stream, &template, &template, &priv.PublicKey, priv)
		if err != nil {
			devTLSCertErr = fmt.Errorf("transport: create dev tls cert: %w", err)
			return
		}
		devTLSCertVal = tls.Certificate{Certificate: [][]byte{der}, PrivateKey: priv}
		devTLSCertDER = der
	})
	return devTLSCertVal, devTLSCertDER, devTLSCertErr
}

func serverTLSConfig() (*tls.Config, error) {
	cert, _, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{quicALPN}}, nil
}

func clientTLSConfig() (*tls.Config, error) {
	_, der, err := devTLSCert()
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	pool.AddCert(cert)
	return &tls.Config{RootCAs: pool, NextProtos: []string{quicALPN}}, nil
}

// quicConn adapts a QUIC connection's single bidirectional stream into a
// byte-stream Conn: Close tears down the stream and the underlying
// connection together so a handshake failure doesn't leak the connection.
type quicConn struct {
	conn   quic.Connection
	stream quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

func (c *quicConn) SetDeadline(t time.Time) error {
	if err := c.stream.SetReadDeadline(t); err != nil {
		return err
	}
	return c.stream.SetWriteDeadline(t)
}

func (c *quicConn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *quicConn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

func (c *quicConn) Close() error {
	_ = c.stream.Close()
	return c.conn.CloseWithError(0, "")
}

// DialQUIC opens a QUIC connection to addr and its single bidirectional
// stream, wrapped as a byte-stream Conn.
func DialQUIC(ctx context.Context, addr string) (net.Conn, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, fmt.Errorf("transport: quic open stream: %w", err)
	}
	return &quicAddrConn{quicConn: quicConn{conn: conn, stream: stream}}, nil
}

// QUICListener accepts inbound QUIC connections and exposes each one's
// first bidirectional stream as a Conn, mirroring ListenTCP/AcceptTCP.
type QUICListener struct {
	inner *quic.Listener
}

// ListenQUIC binds addr for accepting QUIC connections.
func ListenQUIC(addr string) (*QUICListener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: quic listen %s: %w", addr, err)
	}
	return &QUICListener{inner: ln}, nil
}

// Addr returns the listener's bound local address.
func (l *QUICListener) Addr() net.Addr { return l.inner.Addr() }

// Close stops accepting new connections.
func (l *QUICListener) Close() error { return l.inner.Close() }

// Accept blocks for the next inbound QUIC connection and its first stream.
func (l *QUICListener) Accept(ctx context.Context) (net.Conn, error) {
	conn, err := l.inner.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &quicAddrConn{quicConn: quicConn{conn: conn, stream: stream}}, nil
}

// quicAddrConn adds the net.Conn address accessors quicConn itself doesn't
// need for internal/handshake but net.Conn still requires.
type quicAddrConn struct {
	quicConn
}

func (c *quicAddrConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *quicAddrConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

var _ io.ReadWriteCloser = (*quicAddrConn)(nil)
var _ net.Conn = (*quicAddrConn)(nil)
