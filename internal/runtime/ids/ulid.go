package ids

import (
	"crypto/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// It is used as the correlation id of RPC calls.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// CorrelationTime returns the creation time encoded in a correlation id made
// by CreateULID.
func CorrelationTime(id string) (time.Time, bool) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, false
	}
	return ulid.Time(parsed.Time()), true
}

// NewRunID returns a random 32-character hex identifier for one process run.
func NewRunID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewAddressSuffix returns a random suffix for synthesized listen addresses.
func NewAddressSuffix() string {
	return uuid.NewString()
}
