package domain

import (
	"fmt"
	"strings"
	"time"
)

// Infinity is the expiry of a block that never expires. It compares after
// every real timestamp, so the usual expires_at > now check passes for it.
var Infinity = time.Date(9999, time.December, 31, 23, 59, 59, 0, time.UTC)

// TargetKind classifies what a BlockRecord is aimed at.
type TargetKind uint8

const (
	TargetAccount TargetKind = iota
	TargetAddress
	TargetRange
)

// String returns a stable string representation of the target kind.
func (k TargetKind) String() string {
	switch k {
	case TargetAccount:
		return "account"
	case TargetAddress:
		return "address"
	case TargetRange:
		return "range"
	default:
		return fmt.Sprintf("TargetKind(%d)", k)
	}
}

// BlockRecord is one row of the global block registry.
//
// Exactly one of TargetIdentityID or the RangeStart/RangeEnd pair is set.
// For a single address RangeStart == RangeEnd. Keys are produced by
// rangecodec and compare lexicographically in address order.
type BlockRecord struct {
	ID                      int64
	TargetIdentityID        uint64 // central id of a blocked account, 0 for address blocks
	Target                  string // account name, address or CIDR as displayed
	BlockerIdentityID       uint64 // central id of the blocker
	BlockerPartition        string // partition (wiki) the block was made on
	Reason                  string
	CreatedAt               time.Time
	ExpiresAt               time.Time // Infinity for indefinite blocks
	AnonymousOnly           bool      // soft block: only actors without an account
	DisablesAccountCreation bool
	RangeStart              string
	RangeEnd                string
}

// Validate checks the structural invariants of the record.
func (r BlockRecord) Validate() error {
	if strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("block target must not be empty")
	}
	if r.ExpiresAt.IsZero() {
		return fmt.Errorf("block expiry must be set")
	}
	hasRange := r.RangeStart != "" || r.RangeEnd != ""
	switch {
	case r.TargetIdentityID != 0 && hasRange:
		return fmt.Errorf("block %d targets both an account and a range", r.ID)
	case r.TargetIdentityID == 0 && !hasRange:
		return fmt.Errorf("block %d has no target identity and no range", r.ID)
	case hasRange && (r.RangeStart == "" || r.RangeEnd == ""):
		return fmt.Errorf("block %d has a half-open range", r.ID)
	case hasRange && r.RangeStart > r.RangeEnd:
		return fmt.Errorf("block %d range start %q is after range end %q", r.ID, r.RangeStart, r.RangeEnd)
	}
	return nil
}

// Kind reports whether the record targets an account, an address or a range.
func (r BlockRecord) Kind() TargetKind {
	switch {
	case r.TargetIdentityID != 0:
		return TargetAccount
	case r.RangeStart == r.RangeEnd:
		return TargetAddress
	default:
		return TargetRange
	}
}

func (r BlockRecord) IsAccountBlock() bool { return r.Kind() == TargetAccount }

func (r BlockRecord) IsRangeBlock() bool { return r.Kind() == TargetRange }

func (r BlockRecord) IsSingleAddress() bool { return r.Kind() == TargetAddress }

// IsLive reports whether the block is still in effect at now. A block whose
// expiry equals now has expired.
func (r BlockRecord) IsLive(now time.Time) bool {
	return r.ExpiresAt.After(now)
}

// IsIndefinite reports whether the block never expires.
func (r BlockRecord) IsIndefinite() bool {
	return !r.ExpiresAt.Before(Infinity)
}
