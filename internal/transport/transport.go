// Package transport owns the single UDP socket each filerelay process
// binds, multiplexing a QUIC server role (for inbound peer connections) and
// a QUIC client role (for dialing the rendezvous server and peers) over it.
package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
)

// IdleTimeout closes a QUIC connection after this much silence in both
// directions. KeepAliveInterval is derived from it so a healthy peer always
// sends a keepalive well before the peer times it out.
const IdleTimeout = 30 * time.Second

// KeepAliveInterval is approximately one sixth of IdleTimeout, matching the
// ratio used for the peer and rendezvous connections alike.
const KeepAliveInterval = IdleTimeout / 6

// Endpoint wraps one UDP socket and the QUIC transport built on top of it.
// A single Endpoint can simultaneously accept inbound peer connections
// (server role, self-signed certificate) and dial out to the rendezvous
// server or other peers (client role, chain validation skipped).
type Endpoint struct {
	log *zap.Logger

	conn      *net.UDPConn
	transport *quic.Transport
	listener  *quic.Listener

	serverTLS *tls.Config
	clientTLS *tls.Config
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  IdleTimeout,
		KeepAlivePeriod: KeepAliveInterval,
	}
}

// New binds a UDP socket at listenAddr and prepares both the server-role
// (self-signed certificate) and client-role (chain validation skipped) TLS
// configurations needed to use it for QUIC in both directions.
func New(log *zap.Logger, listenAddr *net.UDPAddr) (*Endpoint, error) {
	conn, err := net.ListenUDP("udp", listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen udp: %w", err)
	}

	cert, err := generateSelfSignedCert()
	if err != nil {
		conn.Close()
		return nil, err
	}

	tr := &quic.Transport{Conn: conn}

	serverTLS := &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{alpn},
	}

	listener, err := tr.Listen(serverTLS, quicConfig())
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("transport: listen quic: %w", err)
	}

	return &Endpoint{
		log:       log,
		conn:      conn,
		transport: tr,
		listener:  listener,
		serverTLS: serverTLS,
		clientTLS: newPeerVerifier(),
	}, nil
}

// LocalAddr returns the UDP address this endpoint is bound to, including
// the port the kernel assigned if an ephemeral port was requested.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Accept blocks until a peer dials in, returning the resulting connection.
// It serves both rendezvous-initiated holepunch attempts and any other
// inbound QUIC connection arriving on this socket.
func (e *Endpoint) Accept(ctx context.Context) (quic.Connection, error) {
	conn, err := e.listener.Accept(ctx)
	if err != nil {
		return nil, fmt.Errorf("transport: accept: %w", err)
	}
	return conn, nil
}

// Connect dials addr over QUIC using the client-role TLS configuration,
// which accepts any certificate the remote presents. sni is sent as the
// TLS server name; it carries no trust significance here since chain
// validation is skipped, but some middleboxes expect a non-empty value.
func (e *Endpoint) Connect(ctx context.Context, addr *net.UDPAddr, sni string) (quic.Connection, error) {
	tlsConf := e.clientTLS.Clone()
	tlsConf.ServerName = sni

	conn, err := e.transport.Dial(ctx, addr, tlsConf, quicConfig())
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return conn, nil
}

// Close releases the listener and underlying UDP socket. Any connections
// accepted or dialed previously are unaffected and must be closed
// separately by their owners.
func (e *Endpoint) Close() error {
	e.listener.Close()
	return e.transport.Close()
}
