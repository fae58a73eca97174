package repo

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// newSessionId mints a process-lifetime-scoped identifier for ephemeral
// message dedupe (section 4.3). ULIDs are lexicographically sortable and
// collision-resistant without a central authority, and need no persistence
// across restarts (a fresh session id is correct and expected on restart).
func newSessionId() string {
	return ulid.Make().String()
}

// stampTimestamp returns the wall-clock time used for remote-heads
// newest-timestamp-wins comparisons (section 4.6, I6). Millisecond
// resolution matches the StorageHeads.Timestamp wire field.
func stampTimestamp() int64 {
	return time.Now().UnixMilli()
}
