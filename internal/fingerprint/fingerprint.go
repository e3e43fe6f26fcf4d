// Package fingerprint derives a cheap content identity for a file from its
// size and modification time. Two files with identical fingerprints are
// treated as identical content; this is a deliberate approximation, not a
// cryptographic hash.
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// Compute returns "size:mtime" for the file at path, or the empty string if
// the file cannot be stat'd. An empty fingerprint means "identity unknown":
// callers must bypass caches and proceed uncached rather than fail.
func Compute(path string) string {
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}
	return fmt.Sprintf("%d:%d", info.Size(), info.ModTime().Unix())
}

// Text returns a stable digest of the first 300 bytes of extracted text,
// used by suggestion-memory consumers to key remembered choices.
func Text(s string) string {
	snippet := s
	if len(snippet) > 300 {
		snippet = snippet[:300]
	}
	sum := sha1.Sum([]byte(snippet))
	return hex.EncodeToString(sum[:])
}

// NormalizePath resolves path to a cleaned absolute form so cache and job
// keys agree regardless of how callers spell the path. Deliberately does not
// resolve symlinks: a key must not change depending on whether the file still
// exists. Falls back to the input when resolution fails.
func NormalizePath(path string) string {
	resolved, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return filepath.Clean(resolved)
}
