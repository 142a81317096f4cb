// Package digest maps cache keys to filesystem-safe payload filenames.
package digest

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Filename returns the content-addressed filename for a cache key:
// the xxhash64 of the key rendered as 16 lowercase hex characters.
//
// The mapping is stable across runs and platforms; the same key always
// yields the same filename. 64 well-distributed bits keep accidental
// collisions negligible at cache sizes up to ~10^7 entries. On a true
// collision the disk index is authoritative and the later put overwrites
// the earlier payload, so colliding keys degrade to a miss, not
// corruption.
func Filename(key string) string {
	return fmt.Sprintf("%016x", xxhash.Sum64String(key))
}
