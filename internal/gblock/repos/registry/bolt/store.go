package bolt

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bbolt "go.etcd.io/bbolt"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/repos/registry"
)

var (
	bucketBlocks     = []byte("blocks")
	bucketRanges     = []byte("ranges")
	bucketIdentities = []byte("identities")
	bucketOverrides  = []byte("overrides")
)

// boltStore implements registry.Registry on a single bbolt file.
//
// Layout:
//
//	blocks      id(8)                   -> JSON record
//	ranges      rangeStart 0x00 id(8)   -> rangeEnd
//	identities  identityID(8) id(8)     -> nil
//	overrides   blockID(8)              -> JSON override
//
// Range keys sort in address order, so a containment query seeks to the
// bucket prefix and stops at the first start past the probe.
type boltStore struct {
	db     *bbolt.DB
	filter registry.Prefilter
	logger log.Logger
}

type Options struct {
	Path string
	// Prefilter builds the in-memory prefilter; nil disables it.
	Prefilter registry.PrefilterFactory
	Logger    log.Logger
}

// New opens (or creates) a Bolt registry at opts.Path, ensures the buckets
// exist and loads the prefilter from the stored blocks.
func New(opts Options) (registry.Registry, error) {
	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", domain.ErrStoreUnavailable, opts.Path, err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketBlocks, bucketRanges, bucketIdentities, bucketOverrides} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: init buckets: %w", domain.ErrStoreUnavailable, err)
	}
	s := &boltStore{db: db, logger: opts.Logger}
	if s.logger == nil {
		s.logger = log.NewNoopLogger()
	}
	if opts.Prefilter != nil {
		if err := s.loadPrefilter(opts.Prefilter); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *boltStore) Close() error { return s.db.Close() }

// loadPrefilter sizes a prefilter for the stored blocks plus headroom and
// fills it.
func (s *boltStore) loadPrefilter(factory registry.PrefilterFactory) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		n := uint64(tx.Bucket(bucketBlocks).Stats().KeyN)
		pf := factory.New(2*n + 1024)
		err := tx.Bucket(bucketBlocks).ForEach(func(_, v []byte) error {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			pf.Add(rec)
			return nil
		})
		if err != nil {
			return fmt.Errorf("%w: load prefilter: %w", domain.ErrStoreUnavailable, err)
		}
		s.filter = pf
		s.logger.Debug(map[string]any{"blocks": n}, "bolt_prefilter_loaded")
		return nil
	})
}

func (s *boltStore) mayMatch(conds *domain.Conditions) bool {
	return s.filter == nil || s.filter.MayMatch(conds)
}

// Fetch returns the records matching conds. bbolt has no replicas, so the
// read consistency is always satisfied.
func (s *boltStore) Fetch(ctx context.Context, conds *domain.Conditions, _ domain.ReadConsistency) ([]domain.BlockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if conds == nil || !s.mayMatch(conds) {
		return nil, nil
	}
	var out []domain.BlockRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		visit := func(id []byte) error {
			v := blocks.Get(id)
			if v == nil {
				return nil
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if conds.Matches(rec) {
				out = append(out, rec)
			}
			return nil
		}

		if conds.TargetIdentityID != 0 {
			prefix := u64(conds.TargetIdentityID)
			c := tx.Bucket(bucketIdentities).Cursor()
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				if err := visit(k[8:]); err != nil {
					return err
				}
			}
		}

		if p := conds.Range; p != nil {
			bucket := []byte(p.Bucket)
			c := tx.Bucket(bucketRanges).Cursor()
			for k, _ := c.Seek(bucket); k != nil && bytes.HasPrefix(k, bucket); k, _ = c.Next() {
				start, id, ok := splitRangeKey(k)
				if !ok {
					continue
				}
				if start > p.Start {
					break
				}
				if err := visit(id); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch: %w", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *boltStore) FetchOverrides(ctx context.Context, blockIDs []int64) ([]domain.LocalOverride, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	var out []domain.LocalOverride
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketOverrides)
		for _, id := range blockIDs {
			v := b.Get(u64(uint64(id)))
			if v == nil {
				continue
			}
			var o override
			if err := json.Unmarshal(v, &o); err != nil {
				return err
			}
			out = append(out, o.toDomain())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: fetch overrides: %w", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *boltStore) Insert(ctx context.Context, rec domain.BlockRecord) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	if err := rec.Validate(); err != nil {
		return 0, err
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		blocks := tx.Bucket(bucketBlocks)
		if rec.ID == 0 {
			seq, err := blocks.NextSequence()
			if err != nil {
				return err
			}
			rec.ID = int64(seq)
		} else if blocks.Get(u64(uint64(rec.ID))) != nil {
			return fmt.Errorf("%w: %d", registry.ErrDuplicateBlock, rec.ID)
		} else if uint64(rec.ID) > blocks.Sequence() {
			if err := blocks.SetSequence(uint64(rec.ID)); err != nil {
				return err
			}
		}
		v, err := json.Marshal(fromDomain(rec))
		if err != nil {
			return err
		}
		id := u64(uint64(rec.ID))
		if err := blocks.Put(id, v); err != nil {
			return err
		}
		if rec.TargetIdentityID != 0 {
			return tx.Bucket(bucketIdentities).Put(append(u64(rec.TargetIdentityID), id...), nil)
		}
		return tx.Bucket(bucketRanges).Put(rangeKey(rec.RangeStart, id), []byte(rec.RangeEnd))
	})
	if errors.Is(err, registry.ErrDuplicateBlock) {
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("%w: insert: %w", domain.ErrStoreUnavailable, err)
	}
	if s.filter != nil {
		s.filter.Add(rec)
	}
	return rec.ID, nil
}

func (s *boltStore) InsertOverride(ctx context.Context, o domain.LocalOverride) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	v, err := json.Marshal(overrideFromDomain(o))
	if err != nil {
		return err
	}
	if err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketOverrides).Put(u64(uint64(o.BlockID)), v)
	}); err != nil {
		return fmt.Errorf("%w: insert override: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// List walks every block in id order and filters in memory.
func (s *boltStore) List(ctx context.Context, f registry.ListFilter) ([]domain.BlockRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
	var out []domain.BlockRecord
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketBlocks).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			if !f.Accepts(rec) {
				continue
			}
			out = append(out, rec)
			if f.Limit > 0 && len(out) >= f.Limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: list: %w", domain.ErrStoreUnavailable, err)
	}
	return out, nil
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func rangeKey(start string, id []byte) []byte {
	k := make([]byte, 0, len(start)+1+len(id))
	k = append(k, start...)
	k = append(k, 0)
	return append(k, id...)
}

func splitRangeKey(k []byte) (start string, id []byte, ok bool) {
	i := bytes.IndexByte(k, 0)
	if i < 0 || len(k)-i-1 != 8 {
		return "", nil, false
	}
	return string(k[:i]), k[i+1:], true
}

// record is the stored form of a block.
type record struct {
	ID                      int64     `json:"id"`
	TargetIdentityID        uint64    `json:"target_identity_id,omitempty"`
	Target                  string    `json:"target"`
	BlockerIdentityID       uint64    `json:"blocker_identity_id"`
	BlockerPartition        string    `json:"blocker_partition"`
	Reason                  string    `json:"reason"`
	CreatedAt               time.Time `json:"created_at"`
	ExpiresAt               time.Time `json:"expires_at"`
	AnonymousOnly           bool      `json:"anonymous_only,omitempty"`
	DisablesAccountCreation bool      `json:"disables_account_creation,omitempty"`
	RangeStart              string    `json:"range_start,omitempty"`
	RangeEnd                string    `json:"range_end,omitempty"`
}

func fromDomain(r domain.BlockRecord) record {
	return record{
		ID:                      r.ID,
		TargetIdentityID:        r.TargetIdentityID,
		Target:                  r.Target,
		BlockerIdentityID:       r.BlockerIdentityID,
		BlockerPartition:        r.BlockerPartition,
		Reason:                  r.Reason,
		CreatedAt:               r.CreatedAt.UTC(),
		ExpiresAt:               r.ExpiresAt.UTC(),
		AnonymousOnly:           r.AnonymousOnly,
		DisablesAccountCreation: r.DisablesAccountCreation,
		RangeStart:              r.RangeStart,
		RangeEnd:                r.RangeEnd,
	}
}

func decodeRecord(v []byte) (domain.BlockRecord, error) {
	var r record
	if err := json.Unmarshal(v, &r); err != nil {
		return domain.BlockRecord{}, err
	}
	return domain.BlockRecord{
		ID:                      r.ID,
		TargetIdentityID:        r.TargetIdentityID,
		Target:                  r.Target,
		BlockerIdentityID:       r.BlockerIdentityID,
		BlockerPartition:        r.BlockerPartition,
		Reason:                  r.Reason,
		CreatedAt:               r.CreatedAt,
		ExpiresAt:               r.ExpiresAt,
		AnonymousOnly:           r.AnonymousOnly,
		DisablesAccountCreation: r.DisablesAccountCreation,
		RangeStart:              r.RangeStart,
		RangeEnd:                r.RangeEnd,
	}, nil
}

type override struct {
	BlockID      int64     `json:"block_id"`
	OverriddenBy string    `json:"overridden_by"`
	Reason       string    `json:"reason"`
	ExpiresAt    time.Time `json:"expires_at"`
	Enabled      bool      `json:"enabled"`
}

func overrideFromDomain(o domain.LocalOverride) override {
	return override{BlockID: o.BlockID, OverriddenBy: o.OverriddenBy, Reason: o.Reason, ExpiresAt: o.ExpiresAt.UTC(), Enabled: o.Enabled}
}

func (o override) toDomain() domain.LocalOverride {
	return domain.LocalOverride{BlockID: o.BlockID, OverriddenBy: o.OverriddenBy, Reason: o.Reason, ExpiresAt: o.ExpiresAt, Enabled: o.Enabled}
}

var _ registry.Registry = (*boltStore)(nil)
