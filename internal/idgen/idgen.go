// Package idgen allocates entity ids: 26-character Crockford base32
// strings that sort lexicographically in creation order, matching the
// spec's "lexicographically sortable, millisecond-ordered" requirement.
//
// Fact ids are not allocated here — they come from the store's monotonic
// counter (a SQLite autoincrement column), since the spec requires a
// single global counter rather than a distributed-safe scheme.
package idgen

import (
	"crypto/rand"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// entropy is a monotonic source shared across calls so that ids generated
// within the same millisecond still sort correctly relative to each other.
var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.Reader, 0)
)

// NewEntityID returns a new 26-character ULID string for the given
// creation time. Callers almost always want NewEntityIDNow.
func NewEntityID(at time.Time) (string, error) {
	mu.Lock()
	defer mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(at), entropy)
	if err != nil {
		return "", fmt.Errorf("idgen: generate entity id: %w", err)
	}
	return id.String(), nil
}

// NewEntityIDNow is NewEntityID(time.Now()).
func NewEntityIDNow() (string, error) {
	return NewEntityID(time.Now())
}

// SentinelID builds one of the fixed-id sentinel genus ids: 26 Crockford
// base32 characters, all zero except the last, which increments per
// sentinel so that each sentinel genus gets a distinct, stable id. A
// ULID's first ten characters encode its timestamp, so a sentinel id sorts
// before any id NewEntityID produces for a time after the Unix epoch.
func SentinelID(index int) string {
	if index < 0 || index >= len(crockfordAlphabet) {
		panic(fmt.Sprintf("idgen: sentinel index %d out of range", index))
	}
	return strings.Repeat("0", 25) + string(crockfordAlphabet[index])
}

// crockfordAlphabet mirrors the alphabet ulid.String() emits, used only to
// build sentinel ids that are visually and lexicographically consistent
// with generated ones.
const crockfordAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
