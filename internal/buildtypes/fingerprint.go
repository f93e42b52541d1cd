package buildtypes

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// maxHintSignatures bounds how many fix-hint signatures enter a fingerprint.
// Hints beyond the top few add noise without changing whether two attempts
// failed the same way.
const maxHintSignatures = 5

// Fingerprint computes the stable failure fingerprint of a report: a digest
// over (sorted error kinds, failing test ids, sorted top fix-hint
// signatures). Two attempts with an equal fingerprint are non-progressing.
func Fingerprint(r *ValidationReport) string {
	var kinds, testIDs, hints []string
	for _, f := range r.Findings {
		if !f.Severity.Blocking() {
			continue
		}
		kinds = append(kinds, string(f.Kind))
		if f.TestID != "" {
			testIDs = append(testIDs, f.TestID)
		}
		if f.FixHint != "" {
			hints = append(hints, f.FixHint)
		}
	}
	sort.Strings(kinds)
	sort.Strings(testIDs)
	sort.Strings(hints)
	if len(hints) > maxHintSignatures {
		hints = hints[:maxHintSignatures]
	}

	h := sha256.New()
	h.Write([]byte("kinds:" + strings.Join(kinds, ",")))
	h.Write([]byte("|tests:" + strings.Join(testIDs, ",")))
	h.Write([]byte("|hints:" + strings.Join(hints, ",")))
	return hex.EncodeToString(h.Sum(nil))
}
