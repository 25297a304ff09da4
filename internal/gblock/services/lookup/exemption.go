package lookup

import "github.com/haukened/gblock/internal/gblock/domain"

const (
	// RightIPBlockExempt exempts an actor from every kind of address block.
	RightIPBlockExempt = "ipblock-exempt"
	// RightGlobalBlockExempt exempts an actor from global address blocks only.
	RightGlobalBlockExempt = "globalblock-exempt"
)

// IsExempt reports whether the actor may bypass address and range blocks.
// It never exempts from a block on the actor's own account.
func IsExempt(actor domain.Actor) bool {
	return actor.HasRight(RightIPBlockExempt) || actor.HasRight(RightGlobalBlockExempt)
}
