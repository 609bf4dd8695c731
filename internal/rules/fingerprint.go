// internal/rules/fingerprint.go
package rules

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"

	"github.com/solatis/redirector/internal/types"
)

// Fingerprint is a content hash of a normalized rule used to detect
// duplicates on import. Source order does not matter: keys are sorted.
// Inputs must already be normalized (NormalizeSource, trimmed destination).
func Fingerprint(sources []types.SourcePattern, destination string, status types.StatusCode) string {
	keys := make([]string, len(sources))
	for i, src := range sources {
		keys[i] = string(src.Type) + "\x00" + ComparisonKey(src)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'\n'})
	}
	if status.Terminal() {
		destination = ""
	}
	h.Write([]byte(destination))
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.Itoa(int(status))))

	return hex.EncodeToString(h.Sum(nil))
}
