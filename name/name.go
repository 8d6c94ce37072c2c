// Package name generates the fixed-width element names used throughout the
// directory queue on-disk layout, and holds the name grammars that decide
// which directory entries are recognized as queue state at all.
//
// An element name is 14 hexadecimal digits:
//
//	SSSSSSSSMMMMMR
//
//  1. SSSSSSSS: 32-bit seconds since the Unix epoch.
//  2. MMMMM: the microsecond part of the same timestamp.
//  3. R: a per-instance disambiguation digit to reduce collisions between
//     concurrent producers.
//
// Names are fixed size, lexically sortable, ever increasing for a given
// producer (under normal clock behavior) and unique with high probability.
// Collisions are expected to be rare and are handled by the callers, which
// regenerate and retry.
package name

import (
	"fmt"
	"math/rand"
	"regexp"
	"time"
)

var (
	// Bucket matches an intermediate ("bucket") directory name.
	Bucket = regexp.MustCompile(`^[0-9a-f]{8}$`)

	// Element matches a bare element name.
	Element = regexp.MustCompile(`^[0-9a-f]{14}$`)

	// Path matches a full element identifier, "<bucket>/<element>".
	Path = regexp.MustCompile(`^[0-9a-f]{8}/[0-9a-f]{14}$`)
)

// Now is the clock used for name generation. It is a variable so tests can
// substitute a deterministic clock.
var Now = time.Now

// New returns a new element name built from the current time and the given
// disambiguation digit. Only the low 4 bits of rndhex are used.
func New(rndhex uint8) string {
	now := Now()
	return fmt.Sprintf("%08x%05x%01x", now.Unix(), now.Nanosecond()/1000, rndhex&0xf)
}

// Rand returns a randomly chosen disambiguation digit, used when the caller
// does not pin one at construction time.
func Rand() uint8 {
	return uint8(rand.Intn(16))
}

// Bucketed formats a bucket index or time-bucket value as a bucket name.
func Bucketed(n int64) string {
	return fmt.Sprintf("%08x", n)
}
