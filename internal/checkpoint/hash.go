package checkpoint

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// digestKey domain-separates checkpoint file digests from any other use of
// BLAKE3: the ASCII of "tether.checkpoint.file", zero-padded to 32 bytes.
var digestKey = [32]byte{
	't', 'e', 't', 'h', 'e', 'r', '.', 'c', 'h', 'e', 'c', 'k', 'p', 'o', 'i', 'n',
	't', '.', 'f', 'i', 'l', 'e',
}

// Digest returns the hex keyed BLAKE3 digest of data.
func Digest(data []byte) string {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("checkpoint: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// digestFile hashes a file and returns its digest and size.
func digestFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		return "", 0, fmt.Errorf("init hasher: %w", err)
	}
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
