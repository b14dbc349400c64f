package transfer

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/filerelay/filerelay/internal/hashutil"
	"github.com/filerelay/filerelay/internal/ratelimit"
	"github.com/filerelay/filerelay/internal/wire"
)

// ErrHashMismatch is a fatal, non-recoverable error: the downloaded bytes
// did not hash to the expected content hash.
var ErrHashMismatch = errors.New("transfer: downloaded content does not match expected hash")

// Digest accumulates a running hash over a download. It may start from a
// hasher that already covers a partial file's prefix, so a resumed download
// continues hashing from wherever it left off. DownloadRange finalizes it at
// the end of every call.
type Digest struct {
	hasher   hash.Hash
	expected hashutil.FileHash
}

// NewDigest starts a fresh digest that will be compared against expected
// once the download completes.
func NewDigest(expected hashutil.FileHash) *Digest {
	return &Digest{hasher: sha256.New(), expected: expected}
}

// ResumeDigest wraps an in-progress hasher (e.g. from
// hashutil.ContinueHashFromOffset) so a resumed download keeps hashing from
// where the partial file left off.
func ResumeDigest(hasher hash.Hash, expected hashutil.FileHash) *Digest {
	return &Digest{hasher: hasher, expected: expected}
}

// Finalize compares the accumulated digest against the expected hash.
func (d *Digest) Finalize() error {
	var got hashutil.FileHash
	copy(got[:], d.hasher.Sum(nil))
	if got != d.expected {
		return ErrHashMismatch
	}
	return nil
}

// DownloadRange fetches [start, end) from a peer over stream into f
// (already open for writing), optionally verifying the result against
// digest. DownloadRange seeks f to start before writing.
func DownloadRange(log *zap.Logger, stream quic.Stream, f *os.File, start, end uint64, digest *Digest, progress func(uint64), limiter *ratelimit.Limiter) error {
	if end < start {
		return ErrInvalidRange
	}
	length := end - start

	if _, err := f.Seek(int64(start), io.SeekStart); err != nil {
		return fmt.Errorf("transfer: seek to start: %w", err)
	}

	if err := wire.WriteUint64(stream, start); err != nil {
		return fmt.Errorf("transfer: write range start: %w", err)
	}
	if err := wire.WriteUint64(stream, length); err != nil {
		return fmt.Errorf("transfer: write range length: %w", err)
	}

	var r io.Reader = stream
	if limiter != nil && limiter.Enabled() {
		r = limiter.Reader(stream)
	}

	buf := make([]byte, wire.MaxPeerCommunicationSize)
	var received uint64
	for received < length {
		toRead := uint64(len(buf))
		if remaining := length - received; remaining < toRead {
			toRead = remaining
		}
		n, err := r.Read(buf[:toRead])
		if n > 0 {
			if digest != nil {
				digest.hasher.Write(buf[:n])
			}
			if _, werr := f.Write(buf[:n]); werr != nil {
				return fmt.Errorf("transfer: write to file: %w", werr)
			}
			received += uint64(n)
			if progress != nil {
				progress(received)
			}
		}
		if err != nil {
			if err == io.EOF && received == length {
				break
			}
			return fmt.Errorf("transfer: read range chunk: %w", err)
		}
	}

	// Stop reads now that the requested bytes are in hand; a close error
	// here is expected (the publisher may already be done writing) and
	// only worth logging.
	stream.CancelRead(wire.GoodbyeCode)
	if err := stream.Close(); err != nil {
		log.Debug("failed to close download stream cleanly", zap.Error(err))
	}

	if digest != nil {
		if err := digest.Finalize(); err != nil {
			return err
		}
	}
	return nil
}
