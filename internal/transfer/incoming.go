package transfer

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/connections"
	"github.com/filerelay/filerelay/internal/hashutil"
	"github.com/filerelay/filerelay/internal/ratelimit"
	"github.com/filerelay/filerelay/internal/wire"
)

// Lookup resolves a content hash to a local Publishing, if this process is
// currently serving that file.
type Lookup func(hash hashutil.FileHash) (*Publishing, bool)

// Dispatcher watches connected peers for incoming transfer requests and
// serves matching ones. It tracks, per peer, the set of transfers
// currently in flight (by nonce) so the underlying connection can be torn
// down as soon as the last one finishes.
type Dispatcher struct {
	log     *zap.Logger
	mgr     *connections.Manager
	lookup  Lookup
	limiter *ratelimit.Limiter

	mu        sync.Mutex
	activeTxs map[netip.AddrPort]map[uint64]struct{}
	nextNonce atomic.Uint64
}

// NewDispatcher builds a Dispatcher that resolves incoming hash requests
// via lookup and serves uploads with the given rate limiter (nil to
// disable pacing).
func NewDispatcher(log *zap.Logger, mgr *connections.Manager, lookup Lookup, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		log:       log,
		mgr:       mgr,
		lookup:    lookup,
		limiter:   limiter,
		activeTxs: make(map[netip.AddrPort]map[uint64]struct{}),
	}
}

// WatchPeer runs the per-connection incoming-stream loop for peer until its
// connection closes or ctx is cancelled: each new bi-directional stream is
// expected to begin with a 32-byte hash, which is looked up against local
// publishes; a match dispatches an upload, a miss closes the stream.
func (d *Dispatcher) WatchPeer(ctx context.Context, addr netip.AddrPort, peer *connections.Peer) {
	for {
		stream, err := peer.Conn.AcceptStream(ctx)
		if err != nil {
			return
		}

		hash, err := wire.ReadHash(stream)
		if err != nil {
			stream.Close()
			continue
		}

		pub, ok := d.lookup(hashutil.FileHash(hash))
		if !ok {
			stream.Close()
			continue
		}

		nonce := d.beginTransfer(addr)
		go func() {
			defer d.endTransfer(addr, nonce, peer)
			if err := UploadFile(d.log, stream, pub.File, pub.FileSize, nil, d.limiter); err != nil {
				d.log.Warn("incoming upload failed", zap.Stringer("addr", addr), zap.Error(err))
			}
		}()
	}
}

func (d *Dispatcher) beginTransfer(addr netip.AddrPort) uint64 {
	nonce := d.nextNonce.Add(1)

	d.mu.Lock()
	defer d.mu.Unlock()
	set, ok := d.activeTxs[addr]
	if !ok {
		set = make(map[uint64]struct{})
		d.activeTxs[addr] = set
	}
	set[nonce] = struct{}{}
	return nonce
}

// endTransfer releases nonce for addr; once no transfers remain for that
// peer, the connection is closed with GoodbyeCode and removed from the
// connections manager.
func (d *Dispatcher) endTransfer(addr netip.AddrPort, nonce uint64, peer *connections.Peer) {
	d.mu.Lock()
	set, ok := d.activeTxs[addr]
	empty := false
	if ok {
		delete(set, nonce)
		empty = len(set) == 0
		if empty {
			delete(d.activeTxs, addr)
		}
	}
	d.mu.Unlock()

	if ok && empty {
		peer.Conn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)
		d.mgr.RemovePeer(addr, peer.StableID)
	}
}
