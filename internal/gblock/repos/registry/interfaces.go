// Package registry holds the contracts shared by the block registry backends.
package registry

import (
	"context"
	"errors"
	"time"

	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/services/lookup"
)

// ErrDuplicateBlock reports an insert whose explicit id is already taken.
var ErrDuplicateBlock = errors.New("block id already exists")

// Prefilter is a probabilistic index over stored blocks. MayMatch false
// means no stored block can satisfy conds; true means the store must be read.
type Prefilter interface {
	Add(rec domain.BlockRecord)
	MayMatch(conds *domain.Conditions) bool
}

// PrefilterFactory builds a prefilter sized for capacity blocks.
type PrefilterFactory interface {
	New(capacity uint64) Prefilter
}

// Registry is a BlockStore that tooling can also write to and list.
// The lookup engine only ever reads through lookup.BlockStore.
type Registry interface {
	lookup.BlockStore

	// Insert stores a new block and returns its assigned id. A non-zero
	// rec.ID is kept as given.
	Insert(ctx context.Context, rec domain.BlockRecord) (int64, error)
	// InsertOverride records or replaces the local override of a block.
	InsertOverride(ctx context.Context, o domain.LocalOverride) error
	// List returns the blocks accepted by f, newest id first.
	List(ctx context.Context, f ListFilter) ([]domain.BlockRecord, error)
	Close() error
}

// ListFilter selects blocks for listing. The zero value lists everything.
type ListFilter struct {
	HideAddress    bool
	HideRange      bool
	HideAccount    bool
	HideTemporary  bool
	HideIndefinite bool

	// Now, when set, hides blocks that have expired.
	Now time.Time

	// TargetIdentityID narrows to blocks on that account; Range narrows
	// to address blocks containing the given range. Both set match either.
	TargetIdentityID uint64
	Range            *domain.RangePredicate

	// Limit caps the result; 0 means no limit.
	Limit int
}

// HasTarget reports whether the filter narrows by target.
func (f ListFilter) HasTarget() bool {
	return f.TargetIdentityID != 0 || f.Range != nil
}

// Accepts evaluates the filter against a record in memory.
func (f ListFilter) Accepts(r domain.BlockRecord) bool {
	switch r.Kind() {
	case domain.TargetAccount:
		if f.HideAccount {
			return false
		}
	case domain.TargetAddress:
		if f.HideAddress {
			return false
		}
	case domain.TargetRange:
		if f.HideRange {
			return false
		}
	}
	if r.IsIndefinite() {
		if f.HideIndefinite {
			return false
		}
	} else if f.HideTemporary {
		return false
	}
	if !f.Now.IsZero() && !r.IsLive(f.Now) {
		return false
	}
	if !f.HasTarget() {
		return true
	}
	if f.TargetIdentityID != 0 && r.TargetIdentityID == f.TargetIdentityID {
		return true
	}
	return f.Range != nil && r.TargetIdentityID == 0 && f.Range.Contains(r.RangeStart, r.RangeEnd)
}
