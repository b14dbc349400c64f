package transfer

import (
	"io"
	"os"

	"github.com/filerelay/filerelay/internal/hashutil"
)

// ResumeState is what's needed to continue a previously-interrupted
// download: the live digest over the bytes already on disk, and how far
// into the file those bytes reach.
type ResumeState struct {
	Digest          *Digest
	CurrentFileSize uint64
}

// PreparePartialResume hash-verifies the partial file at path from offset 0
// to its current length, returning a ResumeState whose digest can be fed
// the remaining bytes as the download continues from CurrentFileSize.
func PreparePartialResume(path string, expected hashutil.FileHash, progress func(float64)) (*ResumeState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		return nil, err
	}

	hasher, err := hashutil.ContinueHashFromOffset(f, size, progress)
	if err != nil {
		return nil, err
	}

	return &ResumeState{
		Digest:          ResumeDigest(hasher, expected),
		CurrentFileSize: uint64(size),
	}, nil
}
