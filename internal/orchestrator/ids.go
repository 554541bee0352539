package orchestrator

import (
	"crypto/rand"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// entropy is shared monotonic entropy, so two run ids created in the same
// millisecond still sort in creation order.
var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewRunID generates a K-sortable run identifier: a "run_" prefix over a
// ULID. ULIDs sort lexicographically by creation time, which keeps
// run ids roughly ordered the way the spec's append-only timeline and
// created_at index expect, without a round-trip to the database for a
// sequence value.
func NewRunID() string {
	entropyMu.Lock()
	id := ulid.MustNew(ulid.Now(), entropy)
	entropyMu.Unlock()
	return "run_" + strings.ToLower(id.String())
}

// NewJobDedupeKey generates a short opaque key for queue-level dedup,
// independent of run id format.
func NewJobDedupeKey() string {
	id := ulid.MustNew(ulid.Now(), rand.Reader)
	return strings.ToLower(id.String())
}
