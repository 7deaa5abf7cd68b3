package main

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// sha256Hex computes the SHA-256 hex digest of r.
func sha256Hex(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// sha256File computes the SHA-256 hex digest of a file.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return sha256Hex(f)
}

// parseChecksumFile parses shasum -a 256 output.
// Each line: "<hex>  <filename>" or "<hex> <filename>", with an optional
// "*" binary marker before the name. Malformed lines are skipped.
func parseChecksumFile(r io.Reader) (map[string]string, error) {
	result := make(map[string]string)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) < 2 {
			continue
		}
		hash := strings.ToLower(parts[0])
		name := strings.TrimPrefix(parts[len(parts)-1], "*")
		if len(hash) != 64 {
			continue
		}
		result[name] = hash
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading checksums: %w", err)
	}
	return result, nil
}

// checksumLine formats one entry the way shasum -a 256 does.
func checksumLine(hash, name string) string {
	return hash + "  " + name
}

// matchChecksum looks path up in a checksums file, first by the path as
// given and then by its base name, and compares it to hash.
func matchChecksum(sumsFile, path, hash string) error {
	f, err := os.Open(sumsFile)
	if err != nil {
		return err
	}
	defer f.Close()
	sums, err := parseChecksumFile(f)
	if err != nil {
		return err
	}
	want, ok := sums[path]
	if !ok {
		want, ok = sums[filepath.Base(path)]
	}
	if !ok {
		return fmt.Errorf("%s has no entry for %s", sumsFile, path)
	}
	if want != hash {
		return fmt.Errorf("checksum mismatch for %s: expected %s, got %s", path, want, hash)
	}
	return nil
}
