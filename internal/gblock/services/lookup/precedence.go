package lookup

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/domain"
)

// attempt is one target probed during a lookup.
type attempt struct {
	kind       domain.AttemptKind
	identityID uint64
	address    string
	flags      domain.LookupFlags
}

// resolveAttempts evaluates attempts in order and returns the resolution of
// the first one with a surviving candidate. Invalid addresses skip their
// attempt; store failures end the lookup.
func (l *Lookup) resolveAttempts(ctx context.Context, now time.Time, attempts []attempt, consistency domain.ReadConsistency) (domain.Resolution, error) {
	for _, a := range attempts {
		conds, err := BuildConditions(l.snapshot.Codec, now, a.identityID, a.address, a.flags)
		if errors.Is(err, domain.ErrInvalidAddress) {
			l.logger.Debug(map[string]any{
				"attempt": a.kind.String(),
				"address": a.address,
				"error":   err,
			}, "lookup_attempt_skipped")
			l.metrics.attemptsSkipped.Inc()
			continue
		}
		if err != nil {
			return domain.NoBlock(), err
		}
		if conds == nil {
			continue
		}

		l.metrics.storeQueries.Inc()
		records, err := l.store.Fetch(ctx, conds, consistency)
		if err != nil {
			return domain.NoBlock(), err
		}
		candidates := make([]domain.BlockRecord, 0, len(records))
		for _, r := range records {
			if r.IsLive(now) {
				candidates = append(candidates, r)
			}
		}
		if len(candidates) == 0 {
			continue
		}
		if !a.flags.Has(domain.SkipLocalOverrideCheck) {
			candidates, err = l.dropOverridden(ctx, now, candidates)
			if err != nil {
				return domain.NoBlock(), err
			}
		}
		best, ok := selectCandidate(candidates)
		if !ok {
			continue
		}
		return domain.Resolution{Block: &best, Attempt: a.kind, Address: a.address}, nil
	}
	return domain.NoBlock(), nil
}

// dropOverridden removes candidates suppressed by a live local override.
func (l *Lookup) dropOverridden(ctx context.Context, now time.Time, candidates []domain.BlockRecord) ([]domain.BlockRecord, error) {
	ids := make([]int64, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}
	overrides, err := l.store.FetchOverrides(ctx, ids)
	if err != nil {
		return nil, err
	}
	suppressed := make(map[int64]struct{}, len(overrides))
	for _, o := range overrides {
		if o.Suppresses(now) {
			suppressed[o.BlockID] = struct{}{}
		}
	}
	if len(suppressed) == 0 {
		return candidates, nil
	}
	return slices.DeleteFunc(candidates, func(c domain.BlockRecord) bool {
		_, ok := suppressed[c.ID]
		if ok {
			l.logger.Debug(map[string]any{"block_id": c.ID}, "lookup_block_locally_overridden")
		}
		return ok
	}), nil
}

// selectCandidate picks the effective block of one attempt: blocks that
// disable account creation first, then the most specific target, then the
// most recent id.
func selectCandidate(candidates []domain.BlockRecord) (domain.BlockRecord, bool) {
	if len(candidates) == 0 {
		return domain.BlockRecord{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if outranks(c, best) {
			best = c
		}
	}
	return best, true
}

func outranks(a, b domain.BlockRecord) bool {
	if a.DisablesAccountCreation != b.DisablesAccountCreation {
		return a.DisablesAccountCreation
	}
	if c := compareSpecificity(a, b); c != 0 {
		return c < 0
	}
	return a.ID > b.ID
}

// compareSpecificity orders account blocks before address blocks, and
// address blocks by the number of addresses they cover.
func compareSpecificity(a, b domain.BlockRecord) int {
	aAcct, bAcct := a.IsAccountBlock(), b.IsAccountBlock()
	switch {
	case aAcct && bAcct:
		return 0
	case aAcct:
		return -1
	case bAcct:
		return 1
	}
	sa := rangecodec.Span(a.RangeStart, a.RangeEnd)
	sb := rangecodec.Span(b.RangeStart, b.RangeEnd)
	if sa == nil || sb == nil {
		return 0
	}
	return sa.Cmp(sb)
}
