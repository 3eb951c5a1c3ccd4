// Package signature normalizes failure reasons into stable signatures.
//
// The same normalization feeds both the circuit breaker (signature-keyed
// freeze) and pattern memory (signatures are embedded for similarity recall),
// so a failure that differs only in timestamps, paths, or addresses maps to
// the same key in both places.
package signature

import (
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/zeebo/blake3"
)

// Pre-compiled normalization patterns. Order matters: dates before times,
// specific path forms before the generic port rule.
var (
	isoDateRegex  = regexp.MustCompile(`\d{4}-\d{2}-\d{2}`)
	clockRegex    = regexp.MustCompile(`\d{2}:\d{2}:\d{2}`)
	lineNumRegex  = regexp.MustCompile(`line \d+`)
	colonNumRegex = regexp.MustCompile(`:\d+:`)
	unixPathRegex = regexp.MustCompile(`/[\w/.-]+\.(py|js|ts|java|go|rb|cpp|c|h|yml|yaml|json)`)
	winPathRegex  = regexp.MustCompile(`[A-Za-z]:\\[\w\\.-]+\.(py|js|ts|java|go|rb|cpp|c|h|yml|yaml|json)`)
	tmpPathRegex  = regexp.MustCompile(`/tmp/[\w-]+`)
	addrRegex     = regexp.MustCompile(`0x[0-9a-f]+`)
	uuidRegex     = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	portRegex     = regexp.MustCompile(`:\d{2,5}\b`)
	spaceRegex    = regexp.MustCompile(`\s+`)
)

// maxPatternLen bounds the normalized pattern so signatures stay stable for
// very long log lines.
const maxPatternLen = 200

// Normalize erases the variable tokens from a failure reason: dates, times,
// line numbers, file paths, memory addresses, UUIDs, and ports. The result is
// lowercase with collapsed whitespace, truncated to 200 characters.
func Normalize(reason string) string {
	s := strings.ToLower(reason)
	s = isoDateRegex.ReplaceAllString(s, "")
	s = clockRegex.ReplaceAllString(s, "")
	s = lineNumRegex.ReplaceAllString(s, "line X")
	s = colonNumRegex.ReplaceAllString(s, ":X:")
	s = unixPathRegex.ReplaceAllString(s, "/path/file.ext")
	s = winPathRegex.ReplaceAllString(s, "C:/path/file.ext")
	s = tmpPathRegex.ReplaceAllString(s, "/tmp/X")
	s = addrRegex.ReplaceAllString(s, "0xADDR")
	s = uuidRegex.ReplaceAllString(s, "UUID")
	s = portRegex.ReplaceAllString(s, ":PORT")
	s = strings.TrimSpace(spaceRegex.ReplaceAllString(s, " "))
	if len(s) > maxPatternLen {
		s = s[:maxPatternLen]
	}
	return s
}

// Key returns the circuit/pattern key for (repository, branch, reason). The
// reason is normalized first, so two failures with the same shape share a key.
func Key(repository, branch, reason string) string {
	content := repository + ":" + branch + ":" + Normalize(reason)
	sum := blake3.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

// HashContent returns a full-length content hash, used for snapshot file
// hashes and prompt context digests.
func HashContent(b []byte) string {
	sum := blake3.Sum256(b)
	return hex.EncodeToString(sum[:])
}
