package main

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/audit"
	"github.com/filerelay/filerelay/internal/config"
	"github.com/filerelay/filerelay/internal/connections"
	"github.com/filerelay/filerelay/internal/hashutil"
	"github.com/filerelay/filerelay/internal/portmap"
	"github.com/filerelay/filerelay/internal/ratelimit"
	"github.com/filerelay/filerelay/internal/rendezvous"
	"github.com/filerelay/filerelay/internal/sanitize"
	"github.com/filerelay/filerelay/internal/state"
	"github.com/filerelay/filerelay/internal/transfer"
	"github.com/filerelay/filerelay/internal/transport"
	"github.com/filerelay/filerelay/internal/wire"
)

func pubCmd() *cobra.Command {
	var serverAddress string
	var serverPort int
	var portOverride int
	var gateway string
	var natMap bool
	var maxUploadRate string

	cmd := &cobra.Command{
		Use:   "pub <file>",
		Short: "Publish a file for peers to download",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			logger, err := setupLogger()
			if err != nil {
				return fmt.Errorf("failed to set up logger: %w", err)
			}
			defer logger.Sync()

			cfg, warnings, err := loadConfigWithWarnings()
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			for _, w := range warnings {
				logger.Warn("security warning", zap.String("message", w.Message), zap.String("file", w.File))
			}

			addr := serverAddress
			if addr == "" {
				addr = cfg.Server.Address
			}
			if serverPort > 0 {
				addr = fmt.Sprintf("%s:%d", addr, serverPort)
			}
			if addr == "" {
				return fmt.Errorf("no rendezvous server address configured; pass --server-address or set server.address")
			}
			if gateway != "" {
				logger.Debug("gateway override given but no mapper uses it yet", zap.String("gateway", gateway))
			}

			auditLogger, err := newAuditLogger(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize audit logger: %w", err)
			}
			defer auditLogger.Close()

			dataDir, err := resolveDataDir(cfg)
			if err != nil {
				return fmt.Errorf("failed to resolve data directory: %w", err)
			}
			st, err := state.Load(dataDir, addr)
			if err != nil {
				return fmt.Errorf("failed to load persisted state: %w", err)
			}

			logger.Info("hashing file", zap.String("path", sanitize.Path(path)))
			f, fileSize, hash, err := hashutil.HashFileFromStart(path, nil)
			if err != nil {
				auditLogger.Log(audit.NewPublishFailedEvent("", path, sanitize.Error(err)))
				return fmt.Errorf("failed to hash file: %w", err)
			}
			defer f.Close()
			logger.Info("computed hash", zap.String("hash", hash.String()), zap.Int64("size", fileSize))

			listenPort := cfg.Server.GetListenPort()
			udpAddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf(":%d", listenPort))
			if err != nil {
				return fmt.Errorf("failed to resolve listen address: %w", err)
			}
			ep, err := transport.New(logger, udpAddr)
			if err != nil {
				return fmt.Errorf("failed to bind transport endpoint: %w", err)
			}
			defer ep.Close()

			mapper := resolveMapper(logger, portOverride, natMap, cfg.PortMap, ep.LocalAddr().Port)

			serverUDPAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				return fmt.Errorf("invalid server address %q: %w", addr, err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			connCtx, connCancel := context.WithTimeout(ctx, 5*time.Second)
			serverConn, err := ep.Connect(connCtx, serverUDPAddr, "rendezvous")
			connCancel()
			if err != nil {
				return fmt.Errorf("failed to connect to rendezvous server: %w", err)
			}
			defer serverConn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)

			rc := rendezvous.New(logger, serverConn)

			ownAddr, err := rc.Ping(ctx)
			if err != nil {
				return fmt.Errorf("failed to ping rendezvous server: %w", err)
			}
			logger.Info("observed external address", zap.Stringer("addr", ownAddr))

			if externalPort := mapper.ExternalPort(); externalPort != 0 && externalPort != ownAddr.Port() {
				if err := rc.PortOverride(ctx, externalPort); err != nil {
					logger.Warn("failed to send port override", zap.Error(err))
				} else {
					ownAddr = netip.AddrPortFrom(ownAddr.Addr(), externalPort)
					logger.Info("overrode externally-observed port", zap.Uint16("port", externalPort))
				}
			}

			hashBytes := [wire.HashByteCount]byte(hash)
			handle, err := rc.Publish(ctx, hashBytes, uint64(fileSize))
			if err != nil {
				auditLogger.Log(audit.NewPublishFailedEvent(hash.String(), path, sanitize.Error(err)))
				return fmt.Errorf("failed to start publish: %w", err)
			}

			auditLogger.Log(audit.NewPublishStartedEvent(hash.String(), path, uint64(fileSize)))

			size := uint64(fileSize)
			st.LastPublishes = append(st.LastPublishes, state.PublishRecord{
				Path: path,
				Hash: hash.String(),
				Size: &size,
			})
			if err := state.Save(dataDir, st); err != nil {
				logger.Warn("failed to persist publish record", zap.Error(err))
			}

			mgr := connections.New(logger)
			pub := &transfer.Publishing{File: f, FileSize: uint64(fileSize), Hash: hash}
			limiter := resolveUploadLimiter(cfg, maxUploadRate)

			dispatcher := transfer.NewDispatcher(logger, mgr, func(h hashutil.FileHash) (*transfer.Publishing, bool) {
				if h == hash {
					return pub, true
				}
				return nil, false
			}, limiter)

			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				acceptAndDispatch(ctx, &wg, logger, ep, mgr, dispatcher)
			}()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			runDone := make(chan struct{})
			go func() {
				defer close(runDone)
				transfer.RunPublishLoop(ctx, logger, ep, mgr, handle, ownAddr, pub, limiter)
			}()

			fmt.Printf("Publishing %s\n", path)
			fmt.Printf("Hash: %s\n", hash.String())
			fmt.Printf("Size: %s\n", formatBytes(fileSize))
			fmt.Printf("Press Ctrl+C to stop publishing.\n")

			<-sigChan
			logger.Info("shutting down publish")
			cancel()

			select {
			case <-runDone:
			case <-time.After(maxShutdownWait):
				logger.Warn("timed out waiting for publish loop to stop")
			}
			wg.Wait()
			mapper.TryDrop(context.Background())

			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddress, "server-address", "", "Rendezvous server host[:port]")
	cmd.Flags().IntVar(&serverPort, "server-port", 0, "Rendezvous server port, if not embedded in --server-address")
	cmd.Flags().IntVar(&portOverride, "port-override", 0, "Externally-reachable port to advertise instead of the observed one")
	cmd.Flags().StringVar(&gateway, "gateway", "", "Gateway IP address for port mapping discovery (accepted and logged; no port mapper uses it)")
	cmd.Flags().BoolVar(&natMap, "nat-map", false, "Request automatic NAT port mapping (not implemented: logs a warning and uses no mapping)")
	cmd.Flags().StringVar(&maxUploadRate, "max-upload-rate", "", "Cap upload bandwidth (e.g. 5MB/s); 0/empty = unlimited")
	return cmd
}

// resolveMapper picks the port-mapping strategy from, in priority order,
// an explicit --port-override, then the configured port_map.kind. A
// PCP/NAT-PMP negotiator is not implemented (see DESIGN.md); --nat-map and
// a configured kind of "try_pcp_nat_pmp" both fall back to a no-op mapper
// with a logged warning rather than silently pretending to have mapped a
// port.
func resolveMapper(logger *zap.Logger, portOverride int, natMap bool, pmCfg config.PortMapConfig, localPort int) portmap.Mapping {
	if portOverride > 0 {
		return portmap.NewExternalOverrideMapper(uint16(portOverride))
	}

	kind := pmCfg.GetKind()
	switch {
	case kind == "port_forwarding":
		port := pmCfg.Port
		if port == 0 {
			port = localPort
		}
		return portmap.NewExternalOverrideMapper(uint16(port))
	case kind == "try_pcp_nat_pmp" || natMap:
		logger.Warn("PCP/NAT-PMP port mapping is not implemented, falling back to no port mapping")
		return portmap.NewNoopMapper(uint16(localPort))
	default:
		return portmap.NewNoopMapper(uint16(localPort))
	}
}

func resolveUploadLimiter(cfg *config.Config, flagRate string) *ratelimit.Limiter {
	if flagRate != "" {
		if rate, err := config.ParseRate(flagRate); err == nil {
			return ratelimit.New(rate)
		}
	}
	return ratelimit.New(cfg.Transfer.MaxUploadRateBytes())
}

// acceptAndDispatch accepts inbound peer connections, registers each one
// with mgr, and hands it to the dispatcher's per-connection watch loop so
// later streams on an already-established connection (e.g. a second range
// request) are served without a fresh holepunch.
func acceptAndDispatch(ctx context.Context, wg *sync.WaitGroup, logger *zap.Logger, ep *transport.Endpoint, mgr *connections.Manager, dispatcher *transfer.Dispatcher) {
	for {
		conn, err := ep.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("failed to accept incoming connection", zap.Error(err))
			continue
		}
		if err := mgr.AcceptPeer(conn); err != nil {
			logger.Warn("failed to register accepted connection", zap.Error(err))
			continue
		}
		udpAddr, ok := conn.RemoteAddr().(*net.UDPAddr)
		if !ok {
			continue
		}
		addrPort, err := wire.UDPAddrToAddrPort(udpAddr)
		if err != nil {
			continue
		}
		peers := mgr.FilterMap(func(a netip.AddrPort, p *connections.Peer) bool { return a == addrPort })
		if len(peers) == 0 {
			continue
		}
		peer := peers[0]
		wg.Add(1)
		go func() {
			defer wg.Done()
			dispatcher.WatchPeer(ctx, addrPort, peer)
		}()
	}
}
