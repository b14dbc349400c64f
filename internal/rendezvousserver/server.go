// Package rendezvousserver implements the coordinator side of the
// rendezvous protocol: it never carries file bytes, only introduces
// publishers and subscribers to each other by address.
package rendezvousserver

import (
	"context"
	"net"
	"net/netip"
	"sync"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/transport"
	"github.com/filerelay/filerelay/internal/wire"
)

// Request kinds, matching internal/rendezvous exactly.
const (
	kindSocketPing   uint16 = 0
	kindPortOverride uint16 = 1
	kindPublish      uint16 = 2
	kindSubscribe    uint16 = 3
	kindEmptyPing    uint16 = 4
)

// subscriberQueueCapacity is the bounded FIFO depth for a publisher's
// forwarding queue, preserved at 4 * MaxPayloadSize for interoperability
// with the protocol's backpressure contract.
const subscriberQueueCapacity = 4 * wire.MaxPayloadSize

// publisher is the server's record of one live Publish stream.
type publisher struct {
	addr        netip.AddrPort
	fileSize    uint64
	subscribers chan netip.AddrPort
}

// Server holds the hash -> publisher mapping and dispatches every accepted
// connection's request streams.
type Server struct {
	log *zap.Logger
	ep  *transport.Endpoint

	mu         sync.RWMutex
	publishers map[[wire.HashByteCount]byte]*publisher
}

// New wraps an already-bound transport endpoint as a rendezvous server.
func New(log *zap.Logger, ep *transport.Endpoint) *Server {
	return &Server{
		log:        log,
		ep:         ep,
		publishers: make(map[[wire.HashByteCount]byte]*publisher),
	}
}

// Serve accepts connections until ctx is cancelled, handling each on its
// own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.log.Warn("failed to accept connection", zap.Error(err))
			continue
		}
		go s.handleConnection(ctx, conn)
	}
}

// connState is the mutable, per-connection record of the address the
// server will hand out for this client: initially the observed UDP source
// address, but overridable via PortOverride.
type connState struct {
	mu   sync.Mutex
	addr netip.AddrPort
}

func (c *connState) get() netip.AddrPort {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *connState) overridePort(port uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = netip.AddrPortFrom(c.addr.Addr(), port)
}

func (s *Server) handleConnection(ctx context.Context, conn quic.Connection) {
	remote, ok := conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		s.log.Warn("connection has non-UDP remote address", zap.Stringer("addr", conn.RemoteAddr()))
		conn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)
		return
	}
	addr, err := wire.UDPAddrToAddrPort(remote)
	if err != nil {
		s.log.Warn("failed to convert remote address", zap.Error(err))
		conn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)
		return
	}

	state := &connState{addr: addr}
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go s.handleStream(ctx, conn, state, stream)
	}
}

func (s *Server) handleStream(ctx context.Context, conn quic.Connection, state *connState, stream quic.Stream) {
	kind, err := wire.ReadUint16(stream)
	if err != nil {
		return
	}

	switch kind {
	case kindEmptyPing:
		stream.Close()

	case kindSocketPing:
		if err := wire.WriteAddr(stream, state.get()); err != nil {
			s.log.Debug("failed to write ping response", zap.Error(err))
		}
		stream.Close()

	case kindPortOverride:
		port, err := wire.ReadUint16(stream)
		if err != nil {
			s.log.Debug("failed to read port override", zap.Error(err))
			stream.Close()
			return
		}
		state.overridePort(port)
		s.log.Info("overriding client port", zap.Uint16("port", port))
		stream.Close()

	case kindPublish:
		hash, err := wire.ReadHash(stream)
		if err != nil {
			s.log.Debug("failed to read publish hash", zap.Error(err))
			stream.Close()
			return
		}
		size, err := wire.ReadUint64(stream)
		if err != nil {
			s.log.Debug("failed to read publish size", zap.Error(err))
			stream.Close()
			return
		}
		s.handlePublish(ctx, conn, state, stream, hash, size)

	case kindSubscribe:
		hash, err := wire.ReadHash(stream)
		if err != nil {
			s.log.Debug("failed to read subscribe hash", zap.Error(err))
			stream.Close()
			return
		}
		s.handleSubscribe(ctx, state, stream, hash)

	default:
		s.log.Warn("unknown request kind", zap.Uint16("kind", kind))
		stream.Close()
	}
}

// handlePublish records the publisher, forwards subscriber notifications
// to its stream for as long as the connection lives, then removes the
// entry. Matching the upstream protocol's current behavior, a removal at
// connection-close is unconditional: if a second Publish for the same hash
// has already replaced this entry, that replacement can be evicted early.
// This is a known single-publisher-per-hash limitation, not a Go-specific
// bug.
func (s *Server) handlePublish(ctx context.Context, conn quic.Connection, state *connState, stream quic.Stream, hash [wire.HashByteCount]byte, fileSize uint64) {
	pub := &publisher{
		addr:        state.get(),
		fileSize:    fileSize,
		subscribers: make(chan netip.AddrPort, subscriberQueueCapacity),
	}

	s.mu.Lock()
	old, replaced := s.publishers[hash]
	s.publishers[hash] = pub
	s.mu.Unlock()
	if replaced {
		s.log.Warn("replaced existing publisher for hash", zap.Stringer("oldAddr", old.addr))
	}

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for addr := range pub.subscribers {
			if err := wire.WriteAddr(stream, addr); err != nil {
				s.log.Debug("failed to forward subscriber to publisher", zap.Error(err))
				return
			}
		}
	}()

	select {
	case <-conn.Context().Done():
	case <-ctx.Done():
	}
	s.log.Info("publisher disconnected", zap.Stringer("addr", pub.addr))

	close(pub.subscribers)
	<-forwardDone

	s.mu.Lock()
	delete(s.publishers, hash)
	s.mu.Unlock()
}

func (s *Server) handleSubscribe(ctx context.Context, state *connState, stream quic.Stream, hash [wire.HashByteCount]byte) {
	defer stream.Close()

	s.mu.RLock()
	pub, ok := s.publishers[hash]
	s.mu.RUnlock()
	if !ok {
		s.log.Info("no publisher found for subscribe request")
		if err := wire.WriteUint16(stream, 0); err != nil {
			s.log.Debug("failed to write subscribe miss response", zap.Error(err))
		}
		return
	}

	select {
	case pub.subscribers <- state.get():
	case <-ctx.Done():
		return
	}

	if err := wire.WriteUint16(stream, 1); err != nil {
		s.log.Debug("failed to write subscribe count", zap.Error(err))
		return
	}
	if err := wire.WriteAddr(stream, pub.addr); err != nil {
		s.log.Debug("failed to write subscribe address", zap.Error(err))
		return
	}
	if err := wire.WriteUint64(stream, pub.fileSize); err != nil {
		s.log.Debug("failed to write subscribe size", zap.Error(err))
	}
}
