// Package fingerprint computes the opaque identifiers used as cache keys
// and grading-unit fingerprints: total, pure, fixed-width functions over
// rubric text and page images.
package fingerprint

import (
	"crypto/sha256"
	"strings"

	"github.com/Milly/go-base2048"
)

// Rubric returns a stable, opaque fingerprint for rubric text. Whitespace
// is collapsed first so that formatting-only edits to a rubric file do not
// invalidate every cache entry keyed on it.
func Rubric(text string) string {
	return encode(collapseWhitespace(text))
}

// Key fingerprints an arbitrary set of string components, joined with a
// separator that cannot appear in any legitimate component (a NUL byte),
// so cache keys built from (rubric, student, question) triples can't
// collide across component boundaries.
func Key(components ...string) string {
	return encode(strings.Join(components, "\x00"))
}

func encode(s string) string {
	sum := sha256.Sum256([]byte(s))
	return base2048.DefaultEncoding.EncodeToString(sum[:])
}

func collapseWhitespace(s string) string {
	fields := strings.Fields(s)
	return strings.Join(fields, " ")
}
