// Package rendezvous implements the client side of the rendezvous wire
// protocol: ping, port override, publish, and subscribe, each carried over
// its own bi-directional QUIC stream to the server.
package rendezvous

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/wire"
)

// Request kinds, matching the wire protocol exactly.
const (
	kindSocketPing   uint16 = 0
	kindPortOverride uint16 = 1
	kindPublish      uint16 = 2
	kindSubscribe    uint16 = 3
	kindEmptyPing    uint16 = 4
)

// ErrUnknownHash is returned by Subscribe when the server has no publisher
// for the requested hash.
var ErrUnknownHash = errors.New("rendezvous: no publisher for hash")

// Listing is one publisher entry returned by Subscribe.
type Listing struct {
	Addr     netip.AddrPort
	FileSize uint64
}

// Client talks to one rendezvous server connection. It does not own the
// connection's lifecycle; callers obtain a quic.Connection from
// internal/transport and pass it to New.
type Client struct {
	log  *zap.Logger
	conn quic.Connection
}

// New wraps an established connection to the rendezvous server.
func New(log *zap.Logger, conn quic.Connection) *Client {
	return &Client{log: log, conn: conn}
}

// Ping opens a SocketPing stream and returns the address the server
// observed for this connection. It is the one idempotent operation safe to
// retry.
func (c *Client) Ping(ctx context.Context) (netip.AddrPort, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("rendezvous: open ping stream: %w", err)
	}
	defer stream.Close()

	if err := wire.WriteUint16(stream, kindSocketPing); err != nil {
		return netip.AddrPort{}, fmt.Errorf("rendezvous: write ping kind: %w", err)
	}
	if err := stream.Close(); err != nil {
		return netip.AddrPort{}, fmt.Errorf("rendezvous: close ping write side: %w", err)
	}

	addr, err := wire.ReadAddr(stream)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("rendezvous: read ping response: %w", err)
	}
	return addr, nil
}

// EmptyPing sends a keep-alive with no payload and no response.
func (c *Client) EmptyPing(ctx context.Context) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("rendezvous: open empty-ping stream: %w", err)
	}
	defer stream.Close()

	if err := wire.WriteUint16(stream, kindEmptyPing); err != nil {
		return fmt.Errorf("rendezvous: write empty-ping kind: %w", err)
	}
	return stream.Close()
}

// PortOverride tells the server to record port as the externally-reachable
// port for this connection, overriding whatever it observed on the wire
// (used when an operator has configured explicit port forwarding).
func (c *Client) PortOverride(ctx context.Context, port uint16) error {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("rendezvous: open port-override stream: %w", err)
	}
	defer stream.Close()

	if err := wire.WriteUint16(stream, kindPortOverride); err != nil {
		return fmt.Errorf("rendezvous: write port-override kind: %w", err)
	}
	if err := wire.WriteUint16(stream, port); err != nil {
		return fmt.Errorf("rendezvous: write port-override value: %w", err)
	}
	return stream.Close()
}

// Subscribe asks the server for the current publishers of hash.
func (c *Client) Subscribe(ctx context.Context, hash [wire.HashByteCount]byte) ([]Listing, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: open subscribe stream: %w", err)
	}
	defer stream.Close()

	if err := wire.WriteUint16(stream, kindSubscribe); err != nil {
		return nil, fmt.Errorf("rendezvous: write subscribe kind: %w", err)
	}
	if err := wire.WriteHash(stream, hash); err != nil {
		return nil, fmt.Errorf("rendezvous: write subscribe hash: %w", err)
	}
	if err := stream.Close(); err != nil {
		return nil, fmt.Errorf("rendezvous: close subscribe write side: %w", err)
	}

	count, err := wire.ReadUint16(stream)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: read subscribe count: %w", err)
	}
	if count == 0 {
		return nil, ErrUnknownHash
	}

	listings := make([]Listing, 0, count)
	for i := uint16(0); i < count; i++ {
		addr, err := wire.ReadAddr(stream)
		if err != nil {
			return nil, fmt.Errorf("rendezvous: read subscribe address %d: %w", i, err)
		}
		size, err := wire.ReadUint64(stream)
		if err != nil {
			return nil, fmt.Errorf("rendezvous: read subscribe size %d: %w", i, err)
		}
		listings = append(listings, Listing{Addr: addr, FileSize: size})
	}
	return listings, nil
}

// PublishHandle is a long-lived Publish stream. The server pushes
// subscriber addresses into it for as long as it stays open. The server
// removes the publisher entry when the underlying connection closes;
// closing only this stream does not remove it.
type PublishHandle struct {
	log    *zap.Logger
	stream quic.Stream
}

// Publish opens a Publish stream advertising hash/size, and returns a
// handle the caller can read subscriber addresses from until the publish
// ends.
func (c *Client) Publish(ctx context.Context, hash [wire.HashByteCount]byte, fileSize uint64) (*PublishHandle, error) {
	stream, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: open publish stream: %w", err)
	}

	if err := wire.WriteUint16(stream, kindPublish); err != nil {
		stream.Close()
		return nil, fmt.Errorf("rendezvous: write publish kind: %w", err)
	}
	if err := wire.WriteHash(stream, hash); err != nil {
		stream.Close()
		return nil, fmt.Errorf("rendezvous: write publish hash: %w", err)
	}
	if err := wire.WriteUint64(stream, fileSize); err != nil {
		stream.Close()
		return nil, fmt.Errorf("rendezvous: write publish size: %w", err)
	}

	return &PublishHandle{log: c.log, stream: stream}, nil
}

// NextSubscriber blocks until the server forwards another subscriber's
// address, or returns an error once the stream ends.
func (h *PublishHandle) NextSubscriber() (netip.AddrPort, error) {
	addr, err := wire.ReadAddr(h.stream)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("rendezvous: read subscriber notification: %w", err)
	}
	return addr, nil
}

// Cancel best-effort hints the server that this publish is ending, by
// writing a single zero byte, then closes the stream. Errors from an
// already-closed connection are expected during shutdown and are logged at
// debug rather than surfaced.
func (h *PublishHandle) Cancel() {
	if _, err := h.stream.Write([]byte{0}); err != nil {
		h.log.Debug("publish cancel hint failed, connection likely already closing", zap.Error(err))
	}
	h.stream.Close()
}

// Close ends the publish without sending a cancel hint (e.g. when the
// underlying connection is already gone).
func (h *PublishHandle) Close() error {
	return h.stream.Close()
}
