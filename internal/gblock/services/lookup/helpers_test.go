package lookup

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/haukened/gblock/internal/gblock/common/clock"
	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/domain"
)

var testNow = time.Date(2024, 2, 19, 5, 4, 3, 0, time.UTC)

// memStore evaluates conditions in memory, the way the bolt registry does.
type memStore struct {
	records       []domain.BlockRecord
	overrides     []domain.LocalOverride
	fetches       int
	consistencies []domain.ReadConsistency
}

func (s *memStore) Fetch(_ context.Context, conds *domain.Conditions, c domain.ReadConsistency) ([]domain.BlockRecord, error) {
	s.fetches++
	s.consistencies = append(s.consistencies, c)
	var out []domain.BlockRecord
	for _, r := range s.records {
		if conds.Matches(r) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *memStore) FetchOverrides(_ context.Context, ids []int64) ([]domain.LocalOverride, error) {
	var out []domain.LocalOverride
	for _, o := range s.overrides {
		for _, id := range ids {
			if o.BlockID == id {
				out = append(out, o)
			}
		}
	}
	return out, nil
}

// MockStore is a testify mock of BlockStore for failure paths.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Fetch(ctx context.Context, conds *domain.Conditions, c domain.ReadConsistency) ([]domain.BlockRecord, error) {
	args := m.Called(ctx, conds, c)
	recs, _ := args.Get(0).([]domain.BlockRecord)
	return recs, args.Error(1)
}

func (m *MockStore) FetchOverrides(ctx context.Context, ids []int64) ([]domain.LocalOverride, error) {
	args := m.Called(ctx, ids)
	ovs, _ := args.Get(0).([]domain.LocalOverride)
	return ovs, args.Error(1)
}

// stubIdentities resolves names from fixed maps.
type stubIdentities struct {
	ids      map[string]uint64
	nonLocal map[uint64]bool
	blockers map[uint64]string
	idErr    error
	blockErr error
}

func (s *stubIdentities) IDFor(_ context.Context, name string) (uint64, error) {
	if s.idErr != nil {
		return 0, s.idErr
	}
	return s.ids[name], nil
}

func (s *stubIdentities) NameFor(_ context.Context, id uint64) (string, error) {
	for name, v := range s.ids {
		if v == id {
			return name, nil
		}
	}
	return "", nil
}

func (s *stubIdentities) IsLocalIdentity(_ context.Context, id uint64) (bool, error) {
	return !s.nonLocal[id], nil
}

func (s *stubIdentities) BlockerName(_ context.Context, id uint64, partition string) (string, error) {
	if s.blockErr != nil {
		return "", s.blockErr
	}
	return s.blockers[id], nil
}

// mapCache is an unbounded Cache for tests.
type mapCache map[CacheKey]domain.Resolution

func (c mapCache) Get(k CacheKey) (domain.Resolution, bool) {
	r, ok := c[k]
	return r, ok
}

func (c mapCache) Put(k CacheKey, r domain.Resolution) { c[k] = r }

type staticRequest struct {
	direct string
	chain  []string
}

func (r staticRequest) DirectAddress() string    { return r.direct }
func (r staticRequest) ForwardedChain() []string { return r.chain }

func addressBlock(t *testing.T, id int64, target string) domain.BlockRecord {
	t.Helper()
	start, end, err := rangecodec.Default().RangeBounds(target)
	require.NoError(t, err)
	return domain.BlockRecord{
		ID:                id,
		Target:            target,
		BlockerIdentityID: 100,
		BlockerPartition:  "metawiki",
		Reason:            fmt.Sprintf("reason %d", id),
		CreatedAt:         testNow.Add(-time.Hour),
		ExpiresAt:         domain.Infinity,
		RangeStart:        start,
		RangeEnd:          end,
	}
}

func accountBlock(id int64, identityID uint64, name string) domain.BlockRecord {
	return domain.BlockRecord{
		ID:                id,
		Target:            name,
		TargetIdentityID:  identityID,
		BlockerIdentityID: 100,
		BlockerPartition:  "metawiki",
		Reason:            fmt.Sprintf("reason %d", id),
		CreatedAt:         testNow.Add(-time.Hour),
		ExpiresAt:         domain.Infinity,
	}
}

func newTestLookup(store BlockStore, ids IdentityResolver, snap Snapshot) *Lookup {
	return New(Options{
		Store:      store,
		Identities: ids,
		Snapshot:   snap,
		Clock:      clock.NewFixed(testNow),
	})
}
