package domain

import "time"

// LocalOverride suppresses a global block on the local partition. Its expiry
// is independent of the block's own expiry.
type LocalOverride struct {
	BlockID      int64
	OverriddenBy string
	Reason       string
	ExpiresAt    time.Time
	Enabled      bool
}

// Suppresses reports whether the override is in force at now.
func (o LocalOverride) Suppresses(now time.Time) bool {
	return o.Enabled && o.ExpiresAt.After(now)
}
