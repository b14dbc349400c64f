package connections

import (
	"context"
	"net"
	"net/netip"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/transport"
	"github.com/filerelay/filerelay/internal/wire"
)

func mustEndpoint(t *testing.T) *transport.Endpoint {
	t.Helper()
	ep, err := transport.New(zap.NewNop(), &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("transport.New failed: %v", err)
	}
	t.Cleanup(func() { ep.Close() })
	return ep
}

func TestAwaitPeer_TimesOutWithoutAccept(t *testing.T) {
	m := New(zap.NewNop())
	ctx := context.Background()

	_, err := m.AwaitPeer(ctx, netip.MustParseAddrPort("127.0.0.1:9"), 50*time.Millisecond)
	if err != ErrTimeout {
		t.Fatalf("got err %v, want ErrTimeout", err)
	}
}

func TestAcceptPeer_WakesAwaiter(t *testing.T) {
	m := New(zap.NewNop())
	serverEp := mustEndpoint(t)
	clientEp := mustEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientAddr, err := wire.UDPAddrToAddrPort(clientEp.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}

	awaitResult := make(chan error, 1)
	go func() {
		conn, err := m.AwaitPeer(ctx, clientAddr, 5*time.Second)
		if err != nil {
			awaitResult <- err
			return
		}
		if conn == nil {
			awaitResult <- context.Canceled
			return
		}
		awaitResult <- nil
	}()

	time.Sleep(50 * time.Millisecond) // let AwaitPeer register its waiter first

	serverAccepted := make(chan error, 1)
	go func() {
		conn, err := serverEp.Accept(ctx)
		if err != nil {
			serverAccepted <- err
			return
		}
		serverAccepted <- m.AcceptPeer(conn)
	}()

	if _, err := clientEp.Connect(ctx, serverEp.LocalAddr(), "filerelay"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}

	if err := <-serverAccepted; err != nil {
		t.Fatalf("server-side accept/register failed: %v", err)
	}
	if err := <-awaitResult; err != nil {
		t.Fatalf("AwaitPeer failed: %v", err)
	}
}

func TestRemovePeer_RequiresMatchingStableID(t *testing.T) {
	m := New(zap.NewNop())
	serverEp := mustEndpoint(t)
	clientEp := mustEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	type acceptResult struct {
		err error
	}
	accepted := make(chan acceptResult, 1)
	go func() {
		conn, err := serverEp.Accept(ctx)
		if err == nil {
			err = m.AcceptPeer(conn)
		}
		accepted <- acceptResult{err}
	}()

	if _, err := clientEp.Connect(ctx, serverEp.LocalAddr(), "filerelay"); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	res := <-accepted
	if res.err != nil {
		t.Fatalf("accept/register failed: %v", res.err)
	}

	addr, err := wire.UDPAddrToAddrPort(clientEp.LocalAddr())
	if err != nil {
		t.Fatal(err)
	}

	before := m.FilterMap(func(a netip.AddrPort, p *Peer) bool { return a == addr })
	if len(before) != 1 {
		t.Fatalf("got %d matching peers before RemovePeer, want 1", len(before))
	}

	m.RemovePeer(addr, before[0].StableID+1) // wrong id: must be a no-op
	afterWrongID := m.FilterMap(func(a netip.AddrPort, p *Peer) bool { return a == addr })
	if len(afterWrongID) != 1 {
		t.Fatalf("entry removed by mismatched stable id: got %d peers, want 1", len(afterWrongID))
	}

	m.RemovePeer(addr, before[0].StableID) // correct id: must remove
	afterCorrectID := m.FilterMap(func(a netip.AddrPort, p *Peer) bool { return a == addr })
	if len(afterCorrectID) != 0 {
		t.Fatalf("entry survived matching-id RemovePeer: got %d peers, want 0", len(afterCorrectID))
	}
}
