// Package timesession implements the time-based pricing session store
// (spec §4.5): while an unexpired session exists for a key, the payment is
// verified but not settled.
package timesession

import (
	"context"
	"time"
)

// Store records a per-key absolute expiry. Writes are last-write-wins at
// the key.
type Store interface {
	// Get returns the absolute expiry for key, or ok=false if absent or expired.
	Get(ctx context.Context, key string) (expiresAt time.Time, ok bool, err error)
	// Set records key's session as valid until expiresAt.
	Set(ctx context.Context, key string, expiresAt time.Time) error
}
