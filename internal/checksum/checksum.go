// Package checksum provides the "sha256:<hex>" content digests recorded on
// patch previews and verified before apply.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
)

const prefix = "sha256:"

// Bytes digests a byte slice.
func Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return prefix + hex.EncodeToString(sum[:])
}

// File digests a file, streaming so large patches stay cheap.
func File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}
	return prefix + hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile reports whether a file still matches a previously recorded
// digest.
func VerifyFile(path, expected string) error {
	actual, err := File(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("checksum mismatch: expected %s, got %s", expected, actual)
	}
	return nil
}
