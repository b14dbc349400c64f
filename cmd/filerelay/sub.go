package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/audit"
	"github.com/filerelay/filerelay/internal/config"
	"github.com/filerelay/filerelay/internal/connections"
	"github.com/filerelay/filerelay/internal/hashutil"
	"github.com/filerelay/filerelay/internal/holepunch"
	"github.com/filerelay/filerelay/internal/intervals"
	"github.com/filerelay/filerelay/internal/ratelimit"
	"github.com/filerelay/filerelay/internal/rendezvous"
	"github.com/filerelay/filerelay/internal/sanitize"
	"github.com/filerelay/filerelay/internal/state"
	"github.com/filerelay/filerelay/internal/transfer"
	"github.com/filerelay/filerelay/internal/transport"
	"github.com/filerelay/filerelay/internal/wire"
)

func subCmd() *cobra.Command {
	var serverAddress string
	var serverPort int
	var maxDownloadRate string

	cmd := &cobra.Command{
		Use:   "sub <hex[:ext]> [<output_path>]",
		Short: "Subscribe to and download a published file",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, ext, err := hashutil.ParseFileHash(args[0])
			if err != nil {
				return fmt.Errorf("invalid hash %q: %w", args[0], err)
			}

			outputPath := ""
			if len(args) == 2 {
				outputPath = args[1]
			} else {
				outputPath = hash.String()
				if ext != "" {
					outputPath += "." + ext
				}
			}

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

			serverUDPAddr, err := net.ResolveUDPAddr("udp", addr)
			if err != nil {
				return fmt.Errorf("invalid server address %q: %w", addr, err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			auditLogger.Log(audit.NewSubscribeStartedEvent(hash.String()))

			connCtx, connCancel := context.WithTimeout(ctx, 5*time.Second)
			serverConn, err := ep.Connect(connCtx, serverUDPAddr, "rendezvous")
			connCancel()
			if err != nil {
				return fmt.Errorf("failed to connect to rendezvous server: %w", err)
			}
			defer serverConn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)

			rc := rendezvous.New(logger, serverConn)

			hashBytes := [wire.HashByteCount]byte(hash)
			listings, err := rc.Subscribe(ctx, hashBytes)
			if err != nil {
				if errors.Is(err, rendezvous.ErrUnknownHash) {
					auditLogger.Log(audit.NewDownloadFailedEvent(hash.String(), outputPath, "no publisher for hash"))
					return fmt.Errorf("no publisher is currently advertising %s", hash.String())
				}
				auditLogger.Log(audit.NewDownloadFailedEvent(hash.String(), outputPath, sanitize.Error(err)))
				return fmt.Errorf("failed to subscribe: %w", err)
			}
			listing := listings[0]

			fmt.Printf("Found publisher at %s\n", sanitize.String(listing.Addr.String()))
			fmt.Printf("Size: %s\n", formatBytes(int64(listing.FileSize)))

			mgr := connections.New(logger)
			go mgr.ManageIncomingLoop(ctx, ep)

			start := time.Now()
			result, err := holepunch.Punch(ctx, logger, ep, mgr, listing.Addr, hashBytes, holepunch.Sub)
			if err != nil {
				auditLogger.Log(audit.NewHolepunchFailedEvent(listing.Addr.String(), sanitize.Error(err)))
				return fmt.Errorf("failed to establish peer connection: %w", err)
			}
			defer result.Conn.CloseWithError(wire.GoodbyeCode, wire.GoodbyeMessage)

			currentSize, err := resumeOffset(outputPath, listing.FileSize)
			if err != nil {
				return fmt.Errorf("failed to prepare output file: %w", err)
			}

			out, err := os.OpenFile(outputPath, os.O_CREATE|os.O_RDWR, 0o644)
			if err != nil {
				return fmt.Errorf("failed to open output file: %w", err)
			}
			defer out.Close()

			limiter := resolveDownloadLimiter(cfg, maxDownloadRate)

			if currentSize > 0 {
				fmt.Printf("Resuming from %s\n", formatBytes(int64(currentSize)))
			}

			set := intervals.New(listing.FileSize)
			if currentSize > 0 {
				if err := set.Add(intervals.Range{Start: 0, End: currentSize}); err != nil {
					return fmt.Errorf("failed to record resumed range: %w", err)
				}
			}

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

			cancelled := false
			firstChunk := true
			for {
				select {
				case <-sigChan:
					cancelled = true
				default:
				}
				if cancelled {
					break
				}

				chunk, ok := set.NextDownloadChunk()
				if !ok {
					break
				}

				// DownloadRange closes the stream it's given once the range
				// completes, so only the very first chunk can reuse the
				// stream the handshake produced. Every later chunk opens a
				// fresh stream on the same connection, re-asserting the
				// hash the way a brand new peer stream is expected to.
				stream := result.Stream
				if !firstChunk {
					stream, err = holepunch.Handshake(ctx, result.Conn, hashBytes, holepunch.Sub)
					if err != nil {
						auditLogger.Log(audit.NewDownloadFailedEvent(hash.String(), outputPath, sanitize.Error(err)))
						return fmt.Errorf("failed to open stream for next chunk: %w", err)
					}
				}
				firstChunk = false

				if err := transfer.DownloadRange(logger, stream, out, chunk.Start, chunk.End, nil, nil, limiter); err != nil {
					auditLogger.Log(audit.NewDownloadFailedEvent(hash.String(), outputPath, sanitize.Error(err)))
					return fmt.Errorf("download failed: %w", err)
				}
				if err := set.Add(chunk); err != nil {
					return fmt.Errorf("failed to record downloaded range: %w", err)
				}
			}

			record := state.DownloadRecord{
				Hash:     hash.String(),
				FileSize: listing.FileSize,
				Path:     outputPath,
			}
			for _, r := range set.Ranges() {
				record.Intervals = append(record.Intervals, state.Interval{Start: r.Start, End: r.End})
			}

			if cancelled {
				auditLogger.Log(audit.NewCancelledEvent(hash.String(), "interrupted by operator"))
				st.LastDownloads = append(st.LastDownloads, record)
				if err := state.Save(dataDir, st); err != nil {
					logger.Warn("failed to persist download record", zap.Error(err))
				}
				fmt.Printf("\nDownload cancelled; %s saved to %s\n", formatBytes(int64(set.TotalSize()-set.Remaining())), outputPath)
				return nil
			}

			hasher, err := hashutil.ContinueHashFromOffset(out, int64(listing.FileSize), nil)
			if err != nil {
				return fmt.Errorf("failed to verify downloaded file: %w", err)
			}
			if err := transfer.ResumeDigest(hasher, hash).Finalize(); err != nil {
				auditLogger.Log(audit.NewHashMismatchEvent(hash.String(), listing.Addr.String()))
				return fmt.Errorf("download failed: %w", err)
			}

			durationMs := time.Since(start).Milliseconds()
			auditLogger.Log(audit.NewDownloadCompleteEvent(hash.String(), outputPath, listing.FileSize, listing.Addr.String(), durationMs))

			st.LastDownloads = append(st.LastDownloads, record)
			if err := state.Save(dataDir, st); err != nil {
				logger.Warn("failed to persist download record", zap.Error(err))
			}

			fmt.Printf("Downloaded to %s\n", outputPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&serverAddress, "server-address", "", "Rendezvous server host[:port]")
	cmd.Flags().IntVar(&serverPort, "server-port", 0, "Rendezvous server port, if not embedded in --server-address")
	cmd.Flags().StringVar(&maxDownloadRate, "max-download-rate", "", "Cap download bandwidth (e.g. 5MB/s); 0/empty = unlimited")
	return cmd
}

// resumeOffset inspects any partial output file already on disk and
// returns the byte offset to resume downloading from. A missing, empty, or
// already-complete file starts fresh at offset 0.
func resumeOffset(path string, fileSize uint64) (uint64, error) {
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return 0, nil
	}
	if uint64(info.Size()) >= fileSize {
		return 0, nil
	}
	return uint64(info.Size()), nil
}

func resolveDownloadLimiter(cfg *config.Config, flagRate string) *ratelimit.Limiter {
	if flagRate != "" {
		if rate, err := config.ParseRate(flagRate); err == nil {
			return ratelimit.New(rate)
		}
	}
	return ratelimit.New(cfg.Transfer.MaxDownloadRateBytes())
}
