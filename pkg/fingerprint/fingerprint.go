// Package fingerprint derives stable content-addressable keys for enhancement work.
//
// A fingerprint covers the normalized document body, the strategy identifier and
// the option set. Fields are length-prefixed before hashing so that no two
// distinct tuples share an encoding, and a version tag is mixed in so a future
// change to normalization can never collide with keys written by an older build.
package fingerprint

import (
	"crypto/sha256"
	"encoding/binary"
	"hash"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"github.com/polisai/polis-enhance/pkg/domain"
)

const version = "polis-enhance/fp/v1"

// Compute returns the fingerprint of a single (document, strategy, options) tuple.
func Compute(document string, strategy domain.StrategyID, options map[string]string) (domain.Fingerprint, error) {
	if err := validate(document, []domain.StrategyID{strategy}, options); err != nil {
		return domain.Fingerprint{}, err
	}

	h := sha256.New()
	writeField(h, version)
	writeField(h, "single")
	writeField(h, Normalize(document))
	writeField(h, string(strategy))
	writeOptions(h, options)

	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// ComputeRequest returns one fingerprint covering a whole strategy set. Strategy
// order does not matter; duplicates are collapsed.
func ComputeRequest(document string, strategies []domain.StrategyID, options map[string]string) (domain.Fingerprint, error) {
	if len(strategies) == 0 {
		return domain.Fingerprint{}, domain.InvalidInput("at least one strategy is required")
	}
	if err := validate(document, strategies, options); err != nil {
		return domain.Fingerprint{}, err
	}

	ids := make([]string, 0, len(strategies))
	seen := make(map[domain.StrategyID]struct{}, len(strategies))
	for _, s := range strategies {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		ids = append(ids, string(s))
	}
	sort.Strings(ids)

	h := sha256.New()
	writeField(h, version)
	writeField(h, "request")
	writeField(h, Normalize(document))
	writeUint(h, uint64(len(ids)))
	for _, id := range ids {
		writeField(h, id)
	}
	writeOptions(h, options)

	var fp domain.Fingerprint
	copy(fp[:], h.Sum(nil))
	return fp, nil
}

// Normalize canonicalizes line endings, trailing whitespace and Unicode
// composition (NFC) so that cosmetically different copies of a document map
// to the same key.
func Normalize(document string) string {
	document = norm.NFC.String(document)
	document = strings.ReplaceAll(document, "\r\n", "\n")
	document = strings.ReplaceAll(document, "\r", "\n")

	lines := strings.Split(document, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimRight(line, " \t")
	}
	return strings.TrimRight(strings.Join(lines, "\n"), "\n")
}

func validate(document string, strategies []domain.StrategyID, options map[string]string) error {
	if !utf8.ValidString(document) {
		return domain.InvalidInput("document is not valid UTF-8")
	}
	for _, s := range strategies {
		if strings.TrimSpace(string(s)) == "" {
			return domain.InvalidInput("strategy id is required")
		}
	}
	for k, v := range options {
		if k == "" {
			return domain.InvalidInput("option keys must not be empty")
		}
		if !utf8.ValidString(k) || !utf8.ValidString(v) {
			return domain.InvalidInput("option %q is not valid UTF-8", k)
		}
	}
	return nil
}

func writeOptions(h hash.Hash, options map[string]string) {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	writeUint(h, uint64(len(keys)))
	for _, k := range keys {
		writeField(h, k)
		writeField(h, options[k])
	}
}

// writeField writes a length-prefixed field so adjacent fields cannot bleed into each other.
func writeField(h hash.Hash, value string) {
	writeUint(h, uint64(len(value)))
	h.Write([]byte(value))
}

func writeUint(h hash.Hash, n uint64) {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], n)
	h.Write(buf[:])
}
