package lookup

import (
	"time"

	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/domain"
)

// BuildConditions turns a target into the predicate set for the registry.
//
// The address is validated before anything else, so an invalid address
// fails even when an identity is given. A nil result means there is nothing
// to query. Local overrides are not part of the conditions; they are
// checked in memory after the fetch.
func BuildConditions(codec *rangecodec.Codec, now time.Time, identityID uint64, addressOrRange string, flags domain.LookupFlags) (*domain.Conditions, error) {
	var rp *domain.RangePredicate
	if addressOrRange != "" {
		p, err := codec.Predicate(addressOrRange)
		if err != nil {
			return nil, err
		}
		if !flags.Has(domain.SkipAddressBlocks) {
			rp = &p
		}
	}
	if identityID == 0 && rp == nil {
		return nil, nil
	}
	return &domain.Conditions{
		Now:              now,
		TargetIdentityID: identityID,
		Range:            rp,
		ExcludeSoft:      rp != nil && flags.Has(domain.SkipSoftAddressBlocks),
	}, nil
}
