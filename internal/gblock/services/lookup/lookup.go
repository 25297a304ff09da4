package lookup

import (
	"context"
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haukened/gblock/internal/gblock/common/clock"
	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/config"
	"github.com/haukened/gblock/internal/gblock/domain"
)

const tracerName = "github.com/haukened/gblock/lookup"

// Snapshot is the read-only configuration a Lookup is built from. Changing
// configuration means building a new Lookup.
type Snapshot struct {
	Codec          *rangecodec.Codec
	TrustForwarded bool
	// AllowedRanges are never matched against address blocks.
	AllowedRanges []netip.Prefix
}

// SnapshotFromConfig builds a Snapshot from the lookup configuration section.
func SnapshotFromConfig(cfg config.LookupConfig) (Snapshot, error) {
	codec, err := cfg.Codec()
	if err != nil {
		return Snapshot{}, err
	}
	allowed := make([]netip.Prefix, 0, len(cfg.AllowedRanges))
	for _, s := range cfg.AllowedRanges {
		p, err := rangecodec.ParsePrefix(s)
		if err != nil {
			return Snapshot{}, fmt.Errorf("%w: allowed range %q: %w", domain.ErrConfiguration, s, err)
		}
		allowed = append(allowed, p)
	}
	return Snapshot{Codec: codec, TrustForwarded: cfg.TrustForwarded, AllowedRanges: allowed}, nil
}

// allowed reports whether addr falls inside one of the allowed ranges.
func (s Snapshot) allowed(addr string) bool {
	if len(s.AllowedRanges) == 0 {
		return false
	}
	p, err := rangecodec.ParsePrefix(addr)
	if err != nil {
		return false
	}
	for _, a := range s.AllowedRanges {
		if a.Bits() <= p.Bits() && a.Contains(p.Addr()) {
			return true
		}
	}
	return false
}

// Lookup resolves the effective global block for actors and targets.
type Lookup struct {
	store          BlockStore
	identities     IdentityResolver
	snapshot       Snapshot
	clock          clock.Clock
	logger         log.Logger
	metrics        *lookupMetrics
	tracer         trace.Tracer
	messageKeyHook MessageKeyHook
}

type Options struct {
	Store      BlockStore
	Identities IdentityResolver
	Snapshot   Snapshot
	Clock      clock.Clock
	Logger     log.Logger
	// Registerer receives the lookup metrics; nil leaves them unregistered.
	Registerer     prometheus.Registerer
	MessageKeyHook MessageKeyHook
}

func New(opts Options) *Lookup {
	l := &Lookup{
		store:          opts.Store,
		identities:     opts.Identities,
		snapshot:       opts.Snapshot,
		clock:          opts.Clock,
		logger:         opts.Logger,
		metrics:        initLookupMetrics(opts.Registerer),
		tracer:         otel.Tracer(tracerName),
		messageKeyHook: opts.MessageKeyHook,
	}
	if l.snapshot.Codec == nil {
		l.snapshot.Codec = rangecodec.Default()
	}
	if l.clock == nil {
		l.clock = clock.System{}
	}
	if l.logger == nil {
		l.logger = log.NewNoopLogger()
	}
	return l
}

// BlockForActor returns the block in effect for actor connecting from
// directAddress. Attempts run in order: the actor's own account, the direct
// address, then the forwarded chain from the request metadata in ctx.
// Address attempts never fail the lookup on an invalid address; store
// failures always do.
func (l *Lookup) BlockForActor(ctx context.Context, actor domain.Actor, directAddress string) (res domain.Resolution, err error) {
	ctx, span := l.tracer.Start(ctx, "lookup.BlockForActor",
		trace.WithAttributes(attribute.String("direct_address", directAddress)))
	defer l.observe("actor", span, time.Now(), &res, &err)

	directAddress = strings.TrimSpace(directAddress)
	named := isNamed(actor)
	identityID := actor.IdentityID
	if identityID == 0 && named && l.identities != nil {
		if identityID, err = l.identities.IDFor(ctx, actor.Name); err != nil {
			return domain.NoBlock(), err
		}
	}
	exempt := IsExempt(actor)

	// named actors are never subject to anonymous-only blocks, even when
	// the central directory does not know them
	var addrFlags domain.LookupFlags
	if named {
		addrFlags |= domain.SkipSoftAddressBlocks
	}

	key := CacheKey{Scope: ScopeActor, IdentityID: identityID, Address: directAddress, Flags: addrFlags, Exempt: exempt}
	if cached, ok := l.cacheGet(ctx, key); ok {
		return cached, nil
	}

	var attempts []attempt
	if identityID != 0 && l.identities != nil {
		local, err := l.identities.IsLocalIdentity(ctx, identityID)
		if err != nil {
			return domain.NoBlock(), err
		}
		if local {
			attempts = append(attempts, attempt{kind: domain.AttemptIdentity, identityID: identityID})
		}
	}
	if !exempt {
		attempts = append(attempts, l.addressAttempts(ctx, directAddress, addrFlags)...)
	}

	now := l.clock.Now()
	res, err = l.resolveAttempts(ctx, now, attempts, domain.ReadReplica)
	if err != nil {
		return domain.NoBlock(), err
	}
	res = l.withPayload(ctx, res)
	l.cachePut(ctx, key, res)
	return res, nil
}

// isNamed reports whether actor is a named account rather than an
// anonymous caller identified by its address.
func isNamed(actor domain.Actor) bool {
	if actor.IdentityID != 0 {
		return true
	}
	name := strings.TrimSpace(actor.Name)
	return name != "" && !rangecodec.LooksLikeAddress(name)
}

// addressAttempts lists the direct address and, when trusted, the
// forwarded chain. An allowed direct address excludes both.
func (l *Lookup) addressAttempts(ctx context.Context, directAddress string, flags domain.LookupFlags) []attempt {
	directAddress = strings.TrimSpace(directAddress)
	if directAddress == "" {
		return nil
	}
	if l.snapshot.allowed(directAddress) {
		l.logger.Debug(map[string]any{"address": directAddress}, "lookup_address_allowed")
		return nil
	}
	attempts := []attempt{{kind: domain.AttemptDirectAddress, address: directAddress, flags: flags}}
	if !l.snapshot.TrustForwarded {
		return attempts
	}
	md, ok := RequestFrom(ctx)
	if !ok {
		return attempts
	}
	seen := map[string]struct{}{directAddress: {}}
	for _, addr := range md.ForwardedChain() {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		if l.snapshot.allowed(addr) {
			continue
		}
		attempts = append(attempts, attempt{kind: domain.AttemptForwarded, address: addr, flags: flags})
	}
	return attempts
}

// BlockForTarget returns the block in effect for a single target: an
// address, a range or an account name. An invalid address fails with
// domain.ErrInvalidAddress. ReadPrimary bypasses the request cache.
func (l *Lookup) BlockForTarget(ctx context.Context, target string, flags domain.LookupFlags, consistency domain.ReadConsistency) (res domain.Resolution, err error) {
	ctx, span := l.tracer.Start(ctx, "lookup.BlockForTarget",
		trace.WithAttributes(
			attribute.String("target", target),
			attribute.String("flags", flags.String()),
			attribute.String("consistency", consistency.String()),
		))
	defer l.observe("target", span, time.Now(), &res, &err)

	target = strings.TrimSpace(target)
	if target == "" {
		return domain.NoBlock(), nil
	}

	a := attempt{kind: domain.AttemptTarget, flags: flags}
	if rangecodec.LooksLikeAddress(target) {
		if _, err := l.snapshot.Codec.Predicate(target); err != nil {
			return domain.NoBlock(), err
		}
		a.address = target
	} else {
		if l.identities == nil {
			return domain.NoBlock(), nil
		}
		id, err := l.identities.IDFor(ctx, target)
		if err != nil {
			return domain.NoBlock(), err
		}
		if id == 0 {
			return domain.NoBlock(), nil
		}
		a.identityID = id
	}

	key := CacheKey{Scope: ScopeTarget, IdentityID: a.identityID, Address: a.address, Flags: flags}
	if consistency != domain.ReadPrimary {
		if cached, ok := l.cacheGet(ctx, key); ok {
			return cached, nil
		}
	}

	res, err = l.resolveAttempts(ctx, l.clock.Now(), []attempt{a}, consistency)
	if err != nil {
		return domain.NoBlock(), err
	}
	res = l.withPayload(ctx, res)
	l.cachePut(ctx, key, res)
	return res, nil
}

// EffectiveBlockID returns the id of the block in effect for target
// regardless of local overrides, or 0 when there is none.
func (l *Lookup) EffectiveBlockID(ctx context.Context, target string, consistency domain.ReadConsistency) (int64, error) {
	res, err := l.BlockForTarget(ctx, target, domain.SkipLocalOverrideCheck, consistency)
	if err != nil {
		return 0, err
	}
	return res.ID(), nil
}

// UserBlockErrors returns the error payloads to show a blocked actor; it is
// empty when the actor is not blocked.
func (l *Lookup) UserBlockErrors(ctx context.Context, actor domain.Actor, directAddress string) ([]domain.ErrorPayload, error) {
	res, err := l.BlockForActor(ctx, actor, directAddress)
	if err != nil {
		return nil, err
	}
	if !res.IsBlocked() {
		return []domain.ErrorPayload{}, nil
	}
	return []domain.ErrorPayload{res.ErrorPayload}, nil
}

func (l *Lookup) cacheGet(ctx context.Context, key CacheKey) (domain.Resolution, bool) {
	c := cacheFrom(ctx)
	if c == nil {
		return domain.Resolution{}, false
	}
	res, ok := c.Get(key)
	if ok {
		l.metrics.cacheHits.Inc()
	} else {
		l.metrics.cacheMisses.Inc()
	}
	return res, ok
}

func (l *Lookup) cachePut(ctx context.Context, key CacheKey, res domain.Resolution) {
	if c := cacheFrom(ctx); c != nil {
		c.Put(key, res)
	}
}

// observe records metrics and closes the span of one facade call.
func (l *Lookup) observe(op string, span trace.Span, start time.Time, res *domain.Resolution, err *error) {
	l.metrics.lookups.WithLabelValues(op, outcome(*res, *err)).Inc()
	l.metrics.duration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if *err != nil {
		span.RecordError(*err)
		span.SetStatus(codes.Error, (*err).Error())
	} else if res.IsBlocked() {
		span.SetAttributes(
			attribute.Int64("block_id", res.ID()),
			attribute.String("attempt", res.Attempt.String()),
		)
	}
	span.End()
}
