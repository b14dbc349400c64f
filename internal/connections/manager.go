// Package connections maintains the process-wide registry of peer QUIC
// connections, shared by every in-flight holepunch and transfer.
package connections

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/transport"
	"github.com/filerelay/filerelay/internal/wire"
)

// acceptErrorBackoff is ticked after a failed Accept to avoid log-spamming
// a busy error loop.
const acceptErrorBackoff = 100 * time.Millisecond

// ErrTimeout is returned by AwaitPeer when no connection for the address
// arrives before the deadline.
var ErrTimeout = fmt.Errorf("connections: timed out waiting for peer")

// Peer is a live, handshake-complete connection to a remote peer. StableID
// distinguishes this specific connection instance from any connection that
// might later replace it at the same address, so a stale RemovePeer call
// can't evict a newer connection.
type Peer struct {
	Conn     quic.Connection
	StableID uint64
}

// entry is the manager's per-address state: either a live Peer, or a set
// of one-shot waiters blocked in AwaitPeer for a connection that hasn't
// arrived yet. Exactly one of the two is populated.
type entry struct {
	peer    *Peer
	waiters []chan quic.Connection
}

// Manager is the single shared map[address]state for every peer this
// process has accepted or is waiting to accept, guarded by one lock. It is
// constructed once and passed by dependency injection to every consumer
// (holepunch engine, transfer engine) rather than held as a package
// global.
type Manager struct {
	log *zap.Logger

	mu      sync.RWMutex
	entries map[netip.AddrPort]*entry

	nextID atomic.Uint64
}

// New constructs an empty, ready-to-use Manager.
func New(log *zap.Logger) *Manager {
	return &Manager{
		log:     log,
		entries: make(map[netip.AddrPort]*entry),
	}
}

// AwaitPeer returns the live connection for addr. If one is already
// connected and not known to be closed, it returns immediately; otherwise
// it blocks (up to timeout) for AcceptPeer to deliver one.
func (m *Manager) AwaitPeer(ctx context.Context, addr netip.AddrPort, timeout time.Duration) (quic.Connection, error) {
	m.mu.Lock()
	e, ok := m.entries[addr]
	if ok && e.peer != nil {
		if e.peer.Conn.Context().Err() == nil {
			conn := e.peer.Conn
			m.mu.Unlock()
			return conn, nil
		}
		m.log.Debug("discarding closed peer entry while awaiting", zap.Stringer("addr", addr))
		e = nil
		ok = false
	}

	waiter := make(chan quic.Connection, 1)
	if !ok {
		e = &entry{}
		m.entries[addr] = e
	}
	e.waiters = append(e.waiters, waiter)
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case conn := <-waiter:
		return conn, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptPeer records conn as the live connection for its remote address,
// replacing whatever was there. Any goroutines blocked in AwaitPeer for
// this address are released with the new connection.
func (m *Manager) AcceptPeer(conn quic.Connection) error {
	udpAddr, ok := conn.RemoteAddr().(*net.UDPAddr)
	if !ok {
		return fmt.Errorf("connections: remote address is not UDP: %v", conn.RemoteAddr())
	}
	addr, err := wire.UDPAddrToAddrPort(udpAddr)
	if err != nil {
		return err
	}

	stableID := m.nextID.Add(1)

	m.mu.Lock()
	old := m.entries[addr]
	m.entries[addr] = &entry{peer: &Peer{Conn: conn, StableID: stableID}}
	m.mu.Unlock()

	if old != nil {
		for _, w := range old.waiters {
			w <- conn
		}
	}
	return nil
}

// RemovePeer deletes the entry for addr only if it is still connected with
// the given stableID, preventing a race where a newer connection has
// already replaced the one being torn down.
func (m *Manager) RemovePeer(addr netip.AddrPort, stableID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[addr]
	if !ok || e.peer == nil || e.peer.StableID != stableID {
		return
	}
	delete(m.entries, addr)
}

// ManageIncomingLoop accepts inbound connections from ep until ctx is
// cancelled, publishing each one via AcceptPeer.
func (m *Manager) ManageIncomingLoop(ctx context.Context, ep *transport.Endpoint) {
	for {
		conn, err := ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("failed to accept incoming connection", zap.Error(err))
			select {
			case <-time.After(acceptErrorBackoff):
			case <-ctx.Done():
				return
			}
			continue
		}
		if err := m.AcceptPeer(conn); err != nil {
			m.log.Warn("failed to register accepted connection", zap.Error(err))
		}
	}
}

// FilterMap snapshot-iterates the currently connected peers, returning
// those for which f returns true.
func (m *Manager) FilterMap(f func(addr netip.AddrPort, peer *Peer) bool) []*Peer {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Peer
	for addr, e := range m.entries {
		if e.peer == nil {
			continue
		}
		if f(addr, e.peer) {
			out = append(out, e.peer)
		}
	}
	return out
}
