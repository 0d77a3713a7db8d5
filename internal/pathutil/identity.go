// Package pathutil provides filename sanitization, deterministic job
// identity, and cross-device-safe atomic file moves for the inbox pipeline.
package pathutil

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
)

var unsafeChar = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// Sanitize rewrites name by replacing every character not in
// [A-Za-z0-9._-] with "_".
func Sanitize(name string) string {
	return unsafeChar.ReplaceAllString(name, "_")
}

// DeterministicID derives a stable job id from the identity triple
// (sourcePath, sizeBytes, mtimeMS): id = hex(MD5("{path}:{size}:{mtime_ms}")).
// MD5 is sufficient because the input space is constrained to this triple,
// not used for any security purpose.
func DeterministicID(sourcePath string, sizeBytes, mtimeMS int64) string {
	input := fmt.Sprintf("%s:%d:%d", sourcePath, sizeBytes, mtimeMS)
	sum := md5.Sum([]byte(input))
	return hex.EncodeToString(sum[:])
}
