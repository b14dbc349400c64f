// Package hashutil provides utilities for computing SHA256 hashes during I/O operations.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// Size is the number of bytes in a content hash.
const Size = sha256.Size

// streamBufferSize is the chunk size used when hashing a file from disk.
const streamBufferSize = 16 * 1024

// FileHash is the 32-byte SHA-256 digest used to content-address a file.
type FileHash [Size]byte

// String renders the hash as 64 lowercase hex characters.
func (h FileHash) String() string {
	return hex.EncodeToString(h[:])
}

// ErrInvalidHash is returned when a hash string cannot be parsed.
var ErrInvalidHash = errors.New("hashutil: invalid hash string")

// ParseFileHash parses a 64-character hex hash, optionally followed by a
// ":ext" suffix that conveys a file extension hint. The extension is
// returned without the colon, or "" if none was present.
func ParseFileHash(s string) (FileHash, string, error) {
	var ext string
	if i := strings.IndexByte(s, ':'); i >= 0 {
		ext = s[i+1:]
		s = s[:i]
	}

	var h FileHash
	if len(s) != Size*2 {
		return h, "", fmt.Errorf("%w: want %d hex chars, got %d", ErrInvalidHash, Size*2, len(s))
	}
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return h, "", fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}
	copy(h[:], decoded)
	return h, ext, nil
}

// HashFileFromStart opens path, determines its size, and streams the whole
// file through SHA-256 from the beginning. progress, if non-nil, is called
// periodically with the fraction hashed so far in [0,1]. The returned file
// is left open and positioned at EOF; callers that want to keep reading
// (e.g. to continue into a download) may seek it as needed.
func HashFileFromStart(path string, progress func(float64)) (*os.File, int64, FileHash, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, FileHash{}, fmt.Errorf("hashutil: open: %w", err)
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, 0, FileHash{}, fmt.Errorf("hashutil: seek to end: %w", err)
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		f.Close()
		return nil, 0, FileHash{}, fmt.Errorf("hashutil: seek to start: %w", err)
	}

	digest, err := streamHash(f, size, size, progress)
	if err != nil {
		f.Close()
		return nil, 0, FileHash{}, err
	}

	var h FileHash
	copy(h[:], digest.Sum(nil))
	return f, size, h, nil
}

// ContinueHashFromOffset re-hashes the first offset bytes of an
// already-open file and returns the live hash.Hash so the caller can keep
// feeding it bytes as a resumed download continues past offset. The file's
// read position is left at offset on success.
func ContinueHashFromOffset(f *os.File, offset int64, progress func(float64)) (hash.Hash, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("hashutil: seek to start: %w", err)
	}

	digest, err := streamHash(f, offset, offset, progress)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("hashutil: seek to offset: %w", err)
	}
	return digest, nil
}

// streamHash reads exactly limit bytes from r in streamBufferSize chunks,
// feeding them to a running SHA-256 digest. total is used only to compute
// the progress fraction (it may exceed limit, e.g. when hashing a partial
// prefix of a larger file).
func streamHash(r io.Reader, limit int64, total int64, progress func(float64)) (hash.Hash, error) {
	digest := sha256.New()
	buf := make([]byte, streamBufferSize)
	var read int64

	for read < limit {
		toRead := int64(len(buf))
		if remaining := limit - read; remaining < toRead {
			toRead = remaining
		}
		n, err := r.Read(buf[:toRead])
		if n > 0 {
			digest.Write(buf[:n])
			read += int64(n)
			if progress != nil && total > 0 {
				progress(float64(read) / float64(total))
			}
		}
		if err != nil {
			if err == io.EOF && read == limit {
				break
			}
			return nil, fmt.Errorf("hashutil: read: %w", err)
		}
	}

	return digest, nil
}
