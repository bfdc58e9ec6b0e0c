package ids

import (
	"crypto/rand"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// Generator produces message identifiers. It must be safe for concurrent use.
type Generator func() string

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// It is the default message id generator, so ids sort in creation order.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// CreateUUID returns a random RFC 4122 UUID.
func CreateUUID() string {
	return uuid.NewString()
}

// Sequence returns a deterministic generator yielding prefix-1, prefix-2, ...
func Sequence(prefix string) Generator {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%s-%d", prefix, n.Add(1))
	}
}

// OrDefault returns g, or CreateULID when g is nil.
func (g Generator) OrDefault() Generator {
	if g == nil {
		return CreateULID
	}
	return g
}
