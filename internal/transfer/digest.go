package transfer

import (
	"encoding/hex"
	"errors"
	"io"
	"io/fs"

	"github.com/spf13/afero"
	"github.com/zeebo/blake3"
)

// DefaultDigestChunkSize bounds the memory used while hashing a partial artifact.
const DefaultDigestChunkSize = 64 * 1024

var (
	errArtifactMissing = errors.New("artifact missing")
	errArtifactShort   = errors.New("artifact shorter than recorded progress")
)

// digestPrefix hashes the first n bytes of the file at path, reading at most
// chunkSize bytes at a time.
func digestPrefix(afs afero.Fs, path string, n int64, chunkSize int) (string, error) {
	f, err := afs.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", errArtifactMissing
		}

		return "", &ArtifactError{Path: path, Reason: "open failed", Err: err}
	}
	defer f.Close()

	h := blake3.New()
	buf := make([]byte, chunkSize)

	copied, err := io.CopyBuffer(h, io.LimitReader(f, n), buf)
	if err != nil {
		return "", &ArtifactError{Path: path, Reason: "read failed", Err: err}
	}

	if copied < n {
		return "", errArtifactShort
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}
