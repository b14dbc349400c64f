// Package holepunch establishes a direct peer connection by simultaneously
// listening for an inbound connection and dialing outbound, racing the
// two and resolving the winner deterministically by role.
package holepunch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/filerelay/filerelay/internal/connections"
	"github.com/filerelay/filerelay/internal/transport"
	"github.com/filerelay/filerelay/internal/wire"
)

// Role identifies which side of a transfer this process is playing for a
// given holepunch attempt.
type Role int

const (
	// Pub is the publisher (upload) side.
	Pub Role = iota
	// Sub is the subscriber (download) side.
	Sub
)

// Timing constants from the concurrency model.
const (
	PeerListenTimeout          = 1500 * time.Millisecond
	PeerConnectTimeout         = 2000 * time.Millisecond
	MaxPeerConnectionAttempts  = 10
	streamHandshakeTimeout     = 400 * time.Millisecond
)

// ErrHashMismatch is returned by the stream handshake when the publisher's
// side reads a requested hash that does not match the expected one.
var ErrHashMismatch = errors.New("holepunch: requested hash does not match expected hash")

// ErrNoConnection is returned when neither the listen nor the connect path
// produced a usable connection before their respective timeouts.
var ErrNoConnection = errors.New("holepunch: failed to establish a peer connection")

// Result is the outcome of a successful holepunch: an established
// connection and the bi-directional stream whose purpose has already been
// authenticated by the hash handshake.
type Result struct {
	Conn   quic.Connection
	Stream quic.Stream
}

// Punch attempts to establish a direct connection to peerAddr for a
// transfer of expectedHash, racing an inbound listen against an outbound
// connect and registering the winner with mgr if it arrived via listen.
func Punch(ctx context.Context, log *zap.Logger, ep *transport.Endpoint, mgr *connections.Manager, peerAddr netip.AddrPort, expectedHash [wire.HashByteCount]byte, role Role) (*Result, error) {
	listenCtx, cancelListen := context.WithTimeout(ctx, PeerListenTimeout)
	defer cancelListen()
	connectCtx, cancelConnect := context.WithTimeout(ctx, PeerConnectTimeout)
	defer cancelConnect()

	var listenConn, connectConn quic.Connection

	g := new(errgroup.Group)
	g.Go(func() error {
		conn, err := mgr.AwaitPeer(listenCtx, peerAddr, PeerListenTimeout)
		if err != nil {
			return nil // timing out on the listen side is not fatal
		}
		listenConn = conn
		return nil
	})
	g.Go(func() error {
		conn, err := dialWithRetries(connectCtx, ep, peerAddr)
		if err != nil {
			return nil // exhausting retries is not fatal; the listen side may still win
		}
		connectConn = conn
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var conn quic.Connection
	var wonByListen bool
	switch {
	case listenConn == nil && connectConn == nil:
		return nil, ErrNoConnection
	case listenConn != nil && connectConn == nil:
		conn, wonByListen = listenConn, true
	case listenConn == nil && connectConn != nil:
		conn, wonByListen = connectConn, false
	default:
		// Both succeeded: resolve the tie deterministically by role. The
		// publisher prefers the connection it listened for; the
		// subscriber prefers the one it actively dialed. This makes the
		// side whose peer initiated the subscribe the active opener,
		// giving predictable stream ownership.
		if role == Pub {
			conn, wonByListen = listenConn, true
			connectConn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)
		} else {
			conn, wonByListen = connectConn, false
			listenConn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)
		}
	}

	stream, err := Handshake(ctx, conn, expectedHash, role)
	if err != nil {
		return nil, err
	}

	if wonByListen {
		if err := mgr.AcceptPeer(conn); err != nil {
			log.Warn("failed to register listen-won connection", zap.Error(err))
		}
	}

	return &Result{Conn: conn, Stream: stream}, nil
}

// dialWithRetries attempts an outbound connection to addr up to
// MaxPeerConnectionAttempts times, stopping early once the context is done.
func dialWithRetries(ctx context.Context, ep *transport.Endpoint, addr netip.AddrPort) (quic.Connection, error) {
	var lastErr error
	for attempt := 0; attempt < MaxPeerConnectionAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		conn, err := ep.Connect(ctx, net.UDPAddrFromAddrPort(addr), "peer")
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("holepunch: exhausted connection attempts: %w", lastErr)
}

// Handshake authenticates a new stream on an established connection
// according to role: the publisher accepts a stream and verifies the
// subscriber's requested hash; the subscriber opens a stream and asserts
// the hash it wants. It is exported so the transfer engine can reuse it on
// an already-connected peer, without re-running the listen/connect race.
func Handshake(ctx context.Context, conn quic.Connection, expectedHash [wire.HashByteCount]byte, role Role) (quic.Stream, error) {
	hctx, cancel := context.WithTimeout(ctx, streamHandshakeTimeout)
	defer cancel()

	switch role {
	case Pub:
		stream, err := conn.AcceptStream(hctx)
		if err != nil {
			return nil, fmt.Errorf("holepunch: accept handshake stream: %w", err)
		}
		requested, err := wire.ReadHash(stream)
		if err != nil {
			return nil, fmt.Errorf("holepunch: read requested hash: %w", err)
		}
		if requested != expectedHash {
			return nil, ErrHashMismatch
		}
		return stream, nil

	case Sub:
		stream, err := conn.OpenStreamSync(hctx)
		if err != nil {
			return nil, fmt.Errorf("holepunch: open handshake stream: %w", err)
		}
		if err := wire.WriteHash(stream, expectedHash); err != nil {
			return nil, fmt.Errorf("holepunch: write expected hash: %w", err)
		}
		return stream, nil

	default:
		return nil, fmt.Errorf("holepunch: unknown role %d", role)
	}
}
