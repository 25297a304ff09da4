package seed

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"

	"github.com/haukened/gblock/internal/gblock/common/clock"
	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/repos/registry"
	"github.com/haukened/gblock/internal/gblock/repos/registry/bolt"
	"github.com/haukened/gblock/internal/gblock/repos/registry/parsers"
)

var testNow = time.Date(2024, 2, 19, 5, 4, 3, 0, time.UTC)

type mapResolver map[string]uint64

func (m mapResolver) IDFor(_ context.Context, name string) (uint64, error) {
	return m[name], nil
}

func newImporter(t *testing.T) (*Importer, registry.Registry) {
	t.Helper()
	reg, err := bolt.New(bolt.Options{Path: filepath.Join(t.TempDir(), "seed.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })
	im := NewImporter(Options{
		Registry:   reg,
		Identities: mapResolver{"Alice": 7, "Steward": 100},
		Partition:  "localwiki",
		Clock:      clock.NewFixed(testNow),
	})
	return im, reg
}

const seedDoc = `
blocks:
  - target: 1.2.3.0/24
    reason: open proxy
    blocker: steward
    partition: metawiki
    expiry: 720h
    anonymous_only: true
  - id: 50
    target: alice
    reason: cross-wiki abuse
    blocker_id: 100
    disables_account_creation: true
  - target: 1.0.0.0/8
    reason: too wide
  - target: Nobody
overrides:
  - block_id: 1
    by: LocalAdmin
    reason: school range
    expiry: "2030-01-01T00:00:00Z"
  - block_id: 50
    enabled: false
`

func TestParseAndApply(t *testing.T) {
	f, err := Parse(strings.NewReader(seedDoc))
	require.NoError(t, err)
	require.Len(t, f.Blocks, 4)
	require.Len(t, f.Overrides, 2)

	im, reg := newImporter(t)
	res, err := im.Apply(context.Background(), f)
	assert.Equal(t, Result{Blocks: 2, Overrides: 2, Skipped: 2}, res)
	require.Error(t, err)
	assert.Len(t, multierr.Errors(err), 2)
	assert.ErrorIs(t, err, domain.ErrInvalidAddress)

	recs, err := reg.List(context.Background(), registry.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 2)

	acct := recs[0]
	assert.Equal(t, int64(50), acct.ID)
	assert.Equal(t, "Alice", acct.Target)
	assert.Equal(t, uint64(7), acct.TargetIdentityID)
	assert.Equal(t, "localwiki", acct.BlockerPartition)
	assert.True(t, acct.DisablesAccountCreation)
	assert.True(t, acct.IsIndefinite())

	rng := recs[1]
	assert.Equal(t, "1.2.3.0/24", rng.Target)
	assert.Equal(t, "01020300", rng.RangeStart)
	assert.Equal(t, uint64(100), rng.BlockerIdentityID)
	assert.Equal(t, "metawiki", rng.BlockerPartition)
	assert.True(t, rng.AnonymousOnly)
	assert.True(t, rng.ExpiresAt.Equal(testNow.Add(720*time.Hour)))

	ovs, err := reg.FetchOverrides(context.Background(), []int64{rng.ID, 50})
	require.NoError(t, err)
	require.Len(t, ovs, 2)
	for _, o := range ovs {
		if o.BlockID == 50 {
			assert.False(t, o.Enabled)
			assert.True(t, o.ExpiresAt.Equal(domain.Infinity))
		} else {
			assert.True(t, o.Enabled)
			assert.Equal(t, "LocalAdmin", o.OverriddenBy)
		}
	}
}

func TestApply_DuplicateIDIsSkipped(t *testing.T) {
	im, _ := newImporter(t)
	f := &File{Blocks: []Block{{ID: 3, Target: "1.2.3.4"}, {ID: 3, Target: "1.2.3.5"}}}

	res, err := im.Apply(context.Background(), f)
	assert.Equal(t, Result{Blocks: 1, Skipped: 1}, res)
	assert.ErrorIs(t, err, registry.ErrDuplicateBlock)
}

func TestParse_RejectsUnknownFields(t *testing.T) {
	_, err := Parse(strings.NewReader("blocks:\n  - target: 1.2.3.4\n    colour: red\n"))
	assert.Error(t, err)

	f, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, f.Blocks)
}

func TestImportList(t *testing.T) {
	im, reg := newImporter(t)
	entries, err := parsers.ParsePlainList(strings.NewReader("1.2.3.4\nalice\n"), rangecodec.Default(), log.NewNoopLogger())
	require.NoError(t, err)

	res, err := im.ImportList(context.Background(), entries, Template{Reason: "spam", Blocker: "Steward", Expiry: "24h"})
	require.NoError(t, err)
	assert.Equal(t, Result{Blocks: 2}, res)

	recs, err := reg.List(context.Background(), registry.ListFilter{HideAccount: true})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "spam", recs[0].Reason)
	assert.Equal(t, uint64(100), recs[0].BlockerIdentityID)
	assert.True(t, recs[0].ExpiresAt.Equal(testNow.Add(24*time.Hour)))
}

func TestImportList_SoftAccountRejected(t *testing.T) {
	im, _ := newImporter(t)
	entries := []parsers.Entry{{Target: "Alice", Account: true}}
	res, err := im.ImportList(context.Background(), entries, Template{AnonymousOnly: true})
	assert.Equal(t, 1, res.Skipped)
	assert.Error(t, err)
}

func TestParseExpiry(t *testing.T) {
	cases := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{"", domain.Infinity, false},
		{"Infinite", domain.Infinity, false},
		{"never", domain.Infinity, false},
		{"2030-01-02T03:04:05+01:00", time.Date(2030, 1, 2, 2, 4, 5, 0, time.UTC), false},
		{"36h", testNow.Add(36 * time.Hour), false},
		{"-1h", time.Time{}, true},
		{"tomorrow", time.Time{}, true},
	}
	for _, tc := range cases {
		got, err := ParseExpiry(tc.in, testNow)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.True(t, got.Equal(tc.want), "%s: got %v", tc.in, got)
	}
}

func TestApply_StoreFailureStops(t *testing.T) {
	im, reg := newImporter(t)
	require.NoError(t, reg.Close())

	_, err := im.Apply(context.Background(), &File{Blocks: []Block{{Target: "1.2.3.4"}}})
	assert.True(t, errors.Is(err, domain.ErrStoreUnavailable), "got %v", err)
}

type fakeDirectory struct {
	ids      map[string]uint64
	attached map[string][]string
}

func (f *fakeDirectory) IDFor(_ context.Context, name string) (uint64, error) {
	return f.ids[name], nil
}

func (f *fakeDirectory) Register(_ context.Context, name, home string, attached ...string) (uint64, error) {
	if id, ok := f.ids[name]; ok {
		return id, nil
	}
	id := uint64(len(f.ids) + 1)
	f.ids[name] = id
	f.attached[name] = append([]string{home}, attached...)
	return id, nil
}

func TestApply_RegistersAccountsFirst(t *testing.T) {
	reg, err := bolt.New(bolt.Options{Path: filepath.Join(t.TempDir(), "seed.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	dir := &fakeDirectory{ids: map[string]uint64{}, attached: map[string][]string{}}
	im := NewImporter(Options{Registry: reg, Identities: dir, Accounts: dir, Partition: "localwiki"})

	f, err := Parse(strings.NewReader(`
accounts:
  - name: Mallory
    home: localwiki
  - name: Steward
    home: metawiki
    attached: [localwiki]
blocks:
  - target: Mallory
    blocker: Steward
    partition: metawiki
`))
	require.NoError(t, err)

	res, err := im.Apply(context.Background(), f)
	require.NoError(t, err)
	assert.Equal(t, Result{Accounts: 2, Blocks: 1}, res)
	assert.Equal(t, []string{"metawiki", "localwiki"}, dir.attached["Steward"])

	recs, err := reg.List(context.Background(), registry.ListFilter{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].TargetIdentityID)
	assert.Equal(t, uint64(2), recs[0].BlockerIdentityID)
}

func TestApply_AccountsWithoutRegistrar(t *testing.T) {
	im, _ := newImporter(t)
	_, err := im.Apply(context.Background(), &File{Accounts: []Account{{Name: "X"}}})
	assert.Error(t, err)
}
