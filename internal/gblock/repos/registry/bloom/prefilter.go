// Package bloom implements the registry prefilter on a bits-and-blooms
// Bloom filter.
package bloom

import (
	"strconv"
	"strings"
	"sync"

	bitsbloom "github.com/bits-and-blooms/bloom/v3"

	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/repos/registry"
)

// DefaultFPRate is used when a factory is given a rate outside (0, 1).
const DefaultFPRate = 0.01

// RangeDigits is the number of hex digits of a range start that feed the
// prefilter. Buckets shorter than this cannot be answered by it.
const RangeDigits = 2

type factory struct {
	fpRate float64
}

// NewFactory returns a PrefilterFactory targeting fpRate false positives.
func NewFactory(fpRate float64) registry.PrefilterFactory {
	if !(fpRate > 0 && fpRate < 1) {
		fpRate = DefaultFPRate
	}
	return factory{fpRate: fpRate}
}

func (f factory) New(capacity uint64) registry.Prefilter {
	if capacity == 0 {
		capacity = 1
	}
	return &prefilter{bf: bitsbloom.NewWithEstimates(uint(capacity), f.fpRate)}
}

// prefilter indexes account blocks by central id and address blocks by the
// leading digits of their range start. Inserts and lookups may race.
type prefilter struct {
	mu sync.RWMutex
	bf *bitsbloom.BloomFilter
}

func (p *prefilter) Add(rec domain.BlockRecord) {
	k, ok := RecordKey(rec)
	if !ok {
		return
	}
	p.mu.Lock()
	p.bf.Add(k)
	p.mu.Unlock()
}

// MayMatch answers for the identity and the range bucket of conds. A bucket
// too short to key always reads through.
func (p *prefilter) MayMatch(conds *domain.Conditions) bool {
	if conds == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if conds.TargetIdentityID != 0 && p.bf.Test(IdentityKey(conds.TargetIdentityID)) {
		return true
	}
	if conds.Range != nil {
		k, ok := RangeKey(conds.Range.Bucket)
		if !ok || p.bf.Test(k) {
			return true
		}
	}
	return false
}

// IdentityKey is the prefilter key of blocks on an account.
func IdentityKey(id uint64) []byte {
	return []byte("id:" + strconv.FormatUint(id, 10))
}

// RangeKey is the family tag plus the leading digits of a range key or
// bucket. ok is false when k is too short.
func RangeKey(k string) (key []byte, ok bool) {
	tag := ""
	if strings.HasPrefix(k, rangecodec.V6Tag) {
		tag, k = rangecodec.V6Tag, k[len(rangecodec.V6Tag):]
	}
	if len(k) < RangeDigits {
		return nil, false
	}
	return []byte(tag + k[:RangeDigits]), true
}

// RecordKey returns the key a stored block is indexed under.
func RecordKey(rec domain.BlockRecord) ([]byte, bool) {
	if rec.TargetIdentityID != 0 {
		return IdentityKey(rec.TargetIdentityID), true
	}
	return RangeKey(rec.RangeStart)
}
