package lookup

import (
	"context"

	"github.com/haukened/gblock/internal/gblock/domain"
)

// BlockStore reads candidate blocks from the registry. Implementations wrap
// their failures in domain.ErrStoreUnavailable and own timeouts and retries.
type BlockStore interface {
	// Fetch returns every record matching conds. Replica reads may lag
	// writes; ReadPrimary forces a read that observes them.
	Fetch(ctx context.Context, conds *domain.Conditions, consistency domain.ReadConsistency) ([]domain.BlockRecord, error)

	// FetchOverrides returns the local overrides recorded for the given block ids.
	FetchOverrides(ctx context.Context, blockIDs []int64) ([]domain.LocalOverride, error)
}

// IdentityResolver maps account names to stable central ids and back.
type IdentityResolver interface {
	// IDFor returns 0 when the name is unknown.
	IDFor(ctx context.Context, name string) (uint64, error)
	// NameFor returns "" when the id is unknown.
	NameFor(ctx context.Context, id uint64) (string, error)
	// IsLocalIdentity reports whether the account exists on the local partition.
	IsLocalIdentity(ctx context.Context, id uint64) (bool, error)
	// BlockerName returns the display name of a blocker who acted on partition.
	// Reconciling blockers from other partitions is the resolver's policy.
	BlockerName(ctx context.Context, id uint64, partition string) (string, error)
}

// RequestMetadata describes the connection a lookup is made for.
type RequestMetadata interface {
	DirectAddress() string
	// ForwardedChain is the forwarded-address chain, nearest to the client
	// first, already split and trimmed.
	ForwardedChain() []string
}

// CacheScope separates actor lookups from single-target lookups that
// happen to share identity, address and flags.
type CacheScope uint8

const (
	ScopeActor CacheScope = iota
	ScopeTarget
)

// CacheKey identifies one memoised lookup within a request.
type CacheKey struct {
	Scope      CacheScope
	IdentityID uint64
	Address    string
	Flags      domain.LookupFlags
	Exempt     bool
}

// Cache memoises resolutions for the lifetime of a single request.
type Cache interface {
	Get(key CacheKey) (domain.Resolution, bool)
	Put(key CacheKey, res domain.Resolution)
}
