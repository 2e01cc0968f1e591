// Package snapshot turns a flat configuration map into a deterministic
// canonical form and digests it. Agents and the drift detector must agree on
// this encoding byte for byte.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Source identifies where a configuration was resolved from.
type Source struct {
	Application string `json:"application"`
	Profile     string `json:"profile"`
	Label       string `json:"label,omitempty"`
}

// Snapshot is a resolved configuration with its canonical digest.
type Snapshot struct {
	Source    Source            `json:"source"`
	Values    map[string]string `json:"values"`
	Canonical string            `json:"-"`
	Hash      string            `json:"hash"`
}

// New canonicalizes values and computes the digest.
func New(src Source, values map[string]string) Snapshot {
	canonical := Canonicalize(values)
	return Snapshot{
		Source:    src,
		Values:    values,
		Canonical: canonical,
		Hash:      Hash(canonical),
	}
}

// Canonicalize sorts keys lexicographically and emits one key=value\n line per entry.
func Canonicalize(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(values[k])
		b.WriteByte('\n')
	}
	return b.String()
}

// Hash returns the hex SHA-256 of the canonical string's UTF-8 bytes.
func Hash(canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// HashValues is Hash(Canonicalize(values)).
func HashValues(values map[string]string) string {
	return Hash(Canonicalize(values))
}
