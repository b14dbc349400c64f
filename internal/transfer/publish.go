package transfer

import (
	"context"
	"net/netip"
	"os"

	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/connections"
	"github.com/filerelay/filerelay/internal/hashutil"
	"github.com/filerelay/filerelay/internal/holepunch"
	"github.com/filerelay/filerelay/internal/ratelimit"
	"github.com/filerelay/filerelay/internal/rendezvous"
	"github.com/filerelay/filerelay/internal/transport"
)

// Publishing holds everything needed to serve a file that has been
// published to the rendezvous server.
type Publishing struct {
	File     *os.File
	FileSize uint64
	Hash     hashutil.FileHash
}

// RunPublishLoop holds a Publish control stream open and, for each
// subscriber address the server forwards, establishes a peer connection
// (reusing one the connections manager already has, or holepunching a new
// one) and serves an upload on it. It returns when the publish stream ends
// or ctx is cancelled.
func RunPublishLoop(ctx context.Context, log *zap.Logger, ep *transport.Endpoint, mgr *connections.Manager, handle *rendezvous.PublishHandle, ownExternalAddr netip.AddrPort, pub *Publishing, limiter *ratelimit.Limiter) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			addr, err := handle.NextSubscriber()
			if err != nil {
				log.Debug("publish stream ended", zap.Error(err))
				return
			}
			if addr == ownExternalAddr {
				log.Debug("ignoring subscriber notification for our own address")
				continue
			}
			go serveSubscriber(ctx, log, ep, mgr, addr, pub, limiter)
		}
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Best-effort cancel hint; the server does not read it, and its
		// connection-closed detection is what removes the entry. Errors here
		// (the connection is already closing) are expected and not logged
		// as warnings.
		handle.Cancel()
		<-done
	}
}

func serveSubscriber(ctx context.Context, log *zap.Logger, ep *transport.Endpoint, mgr *connections.Manager, addr netip.AddrPort, pub *Publishing, limiter *ratelimit.Limiter) {
	hash := [32]byte(pub.Hash)

	existing := mgr.FilterMap(func(a netip.AddrPort, p *connections.Peer) bool { return a == addr })

	if len(existing) > 0 {
		s, err := holepunch.Handshake(ctx, existing[0].Conn, hash, holepunch.Pub)
		if err != nil {
			log.Warn("handshake on existing peer connection failed", zap.Stringer("addr", addr), zap.Error(err))
			return
		}
		if err := UploadFile(log, s, pub.File, pub.FileSize, nil, limiter); err != nil {
			log.Warn("upload failed", zap.Stringer("addr", addr), zap.Error(err))
		}
		return
	}

	result, err := holepunch.Punch(ctx, log, ep, mgr, addr, hash, holepunch.Pub)
	if err != nil {
		log.Warn("holepunch to subscriber failed", zap.Stringer("addr", addr), zap.Error(err))
		return
	}
	if err := UploadFile(log, result.Stream, pub.File, pub.FileSize, nil, limiter); err != nil {
		log.Warn("upload failed", zap.Stringer("addr", addr), zap.Error(err))
	}
}
