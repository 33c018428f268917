// Package ids generates unique, time-sortable identifiers for fleetwatch:
// broker client identities and archive object part tokens.
package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// New returns a ULID encoded as a 26-character uppercase string.
func New() string {
	return NewAt(time.Now())
}

// NewAt returns a ULID whose timestamp component is taken from t. Archive
// object keys use this so the part token sorts with the flush time.
func NewAt(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(t), entropy)
	return id.String()
}

// NewLower returns a lowercase ULID, for identifiers embedded in object keys
// or broker client ids where lowercase is conventional.
func NewLower() string {
	return strings.ToLower(New())
}
