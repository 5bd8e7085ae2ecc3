package realtime

import (
	"time"

	"tether/cmd/internal/ids"
)

// NewEnvelopeID returns a ULID used as envelope id.
func NewEnvelopeID(now time.Time) string {
	return ids.MustULID(now)
}
