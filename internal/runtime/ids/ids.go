// Package ids allocates consumer ids and message ULIDs.
package ids

import (
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

var consumerIDs atomic.Uint64

// NextConsumerID allocates the next process-wide consumer id. Ids start at
// zero, are never reused and are strictly increasing in allocation order.
func NextConsumerID() uint64 {
	return consumerIDs.Add(1) - 1
}

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// ulid.Make draws from a process-wide monotonic source, so ids from one
// process never repeat and sort in creation order.
func CreateULID() string {
	return ulid.Make().String()
}
