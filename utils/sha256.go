package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrChecksumMismatch = errors.New("checksum mismatch")

// Sha256SumFile computes the hex-encoded SHA-256 checksum for a given file path.
func Sha256SumFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	return Sha256SumReader(file)
}

// Sha256SumReader hashes everything r yields.
func Sha256SumReader(r io.Reader) (string, error) {
	hash := sha256.New()
	if _, err := io.Copy(hash, r); err != nil {
		return "", fmt.Errorf("failed to hash: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// Sha256SumVerify compares the file checksum with the expected hex value, case-insensitively.
func Sha256SumVerify(path string, checksum string) error {
	targetHash, hashErr := Sha256SumFile(path)
	if hashErr != nil {
		return hashErr
	}

	if !strings.EqualFold(strings.TrimSpace(checksum), targetHash) {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, checksum, targetHash)
	}
	return nil
}
