// Package transfer implements the upload (publisher) and download
// (subscriber) sides of a peer-to-peer file transfer, plus the control
// loops that dispatch them over an established peer connection.
package transfer

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/ratelimit"
	"github.com/filerelay/filerelay/internal/wire"
)

// ErrInvalidRange is returned when a requested range ends past the file's
// size, or (in DownloadRange) ends before it starts. Zero-length ranges are
// not an error; they complete immediately.
var ErrInvalidRange = errors.New("transfer: invalid range")

// ErrRangeOverflow is returned when start+length overflows a uint64.
var ErrRangeOverflow = errors.New("transfer: requested range overflows")

// UploadFile serves one peer's request to read [startIndex,
// startIndex+length) from f, whose total size is fileSize. limiter may be
// nil to disable pacing.
func UploadFile(log *zap.Logger, stream quic.Stream, f *os.File, fileSize uint64, progress func(uint64), limiter *ratelimit.Limiter) error {
	startIndex, err := wire.ReadUint64(stream)
	if err != nil {
		return fmt.Errorf("transfer: read upload start index: %w", err)
	}
	length, err := wire.ReadUint64(stream)
	if err != nil {
		return fmt.Errorf("transfer: read upload length: %w", err)
	}

	end := startIndex + length
	if end < startIndex {
		return ErrRangeOverflow
	}
	if end > fileSize {
		return ErrInvalidRange
	}
	if length == 0 {
		return nil
	}

	var w io.Writer = stream
	if limiter != nil && limiter.Enabled() {
		w = limiter.Writer(stream)
	}

	buf := make([]byte, wire.MaxPeerCommunicationSize)
	var sent uint64
	for sent < length {
		toRead := uint64(len(buf))
		if remaining := length - sent; remaining < toRead {
			toRead = remaining
		}
		n, err := f.ReadAt(buf[:toRead], int64(startIndex+sent))
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return fmt.Errorf("transfer: write upload chunk: %w", werr)
			}
			sent += uint64(n)
			if progress != nil {
				progress(sent)
			}
		}
		if err != nil {
			if err == io.EOF && sent == length {
				break
			}
			if err == io.EOF {
				return fmt.Errorf("transfer: unexpected end of file, file was truncated during upload")
			}
			return fmt.Errorf("transfer: read file chunk: %w", err)
		}
	}

	// Close the send side and wait for the peer's graceful stop
	// acknowledgement (its own stream half-close) before returning, so the
	// connection isn't torn down mid-drain on the reader's side.
	if err := stream.Close(); err != nil {
		log.Debug("failed to close upload send side cleanly", zap.Error(err))
	}
	var discard [1]byte
	if _, err := stream.Read(discard[:]); err != nil && err != io.EOF {
		log.Debug("peer did not acknowledge upload completion cleanly", zap.Error(err))
	}
	return nil
}
