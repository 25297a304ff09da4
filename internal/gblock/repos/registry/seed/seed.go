// Package seed loads blocks into a registry from YAML seed files and plain
// target lists.
package seed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/haukened/gblock/internal/gblock/common/clock"
	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/common/utils"
	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/repos/registry"
	"github.com/haukened/gblock/internal/gblock/repos/registry/parsers"
)

// File is a registry seed document.
//
//	accounts:
//	  - name: Steward
//	    home: metawiki
//	    attached: [localwiki]
//	blocks:
//	  - target: 1.2.3.0/24
//	    reason: open proxy
//	    blocker: Steward
//	    expiry: 720h
//	    anonymous_only: true
//	overrides:
//	  - block_id: 1
//	    by: LocalAdmin
//	    reason: shared school range
type File struct {
	Accounts  []Account  `yaml:"accounts"`
	Blocks    []Block    `yaml:"blocks"`
	Overrides []Override `yaml:"overrides"`
}

// Account registers a central account before any block refers to it.
type Account struct {
	Name     string   `yaml:"name"`
	Home     string   `yaml:"home"`
	Attached []string `yaml:"attached"`
}

// Block describes one block. Expiry is "infinite" (the default), an
// RFC 3339 time, or a duration from now.
type Block struct {
	ID                      int64  `yaml:"id"`
	Target                  string `yaml:"target"`
	Reason                  string `yaml:"reason"`
	Blocker                 string `yaml:"blocker"`
	BlockerID               uint64 `yaml:"blocker_id"`
	Partition               string `yaml:"partition"`
	Expiry                  string `yaml:"expiry"`
	AnonymousOnly           bool   `yaml:"anonymous_only"`
	DisablesAccountCreation bool   `yaml:"disables_account_creation"`
}

type Override struct {
	BlockID int64  `yaml:"block_id"`
	By      string `yaml:"by"`
	Reason  string `yaml:"reason"`
	Expiry  string `yaml:"expiry"`
	// Enabled defaults to true.
	Enabled *bool `yaml:"enabled"`
}

// Parse decodes a seed document. Unknown fields are rejected.
func Parse(r io.Reader) (*File, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f File
	if err := dec.Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	return &f, nil
}

// IDResolver maps account names to central ids; 0 means unknown.
type IDResolver interface {
	IDFor(ctx context.Context, name string) (uint64, error)
}

// AccountRegistrar creates central accounts named by a seed file.
type AccountRegistrar interface {
	Register(ctx context.Context, name, home string, attached ...string) (uint64, error)
}

// Result counts what an import wrote.
type Result struct {
	Accounts  int
	Blocks    int
	Overrides int
	Skipped   int
}

// Importer writes seed entries to a registry.
type Importer struct {
	registry   registry.Registry
	codec      *rangecodec.Codec
	identities IDResolver
	accounts   AccountRegistrar
	partition  string
	clock      clock.Clock
	logger     log.Logger
}

type Options struct {
	Registry   registry.Registry
	Codec      *rangecodec.Codec
	Identities IDResolver
	// Accounts is required only for seed files with an accounts section.
	Accounts AccountRegistrar
	// Partition is recorded as the blocker partition when an entry has none.
	Partition string
	Clock     clock.Clock
	Logger    log.Logger
}

func NewImporter(opts Options) *Importer {
	im := &Importer{
		registry:   opts.Registry,
		codec:      opts.Codec,
		identities: opts.Identities,
		accounts:   opts.Accounts,
		partition:  opts.Partition,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if im.codec == nil {
		im.codec = rangecodec.Default()
	}
	if im.clock == nil {
		im.clock = clock.System{}
	}
	if im.logger == nil {
		im.logger = log.NewNoopLogger()
	}
	return im
}

// Apply writes every block and override of f. Invalid entries are skipped
// and reported together in the returned error; store failures stop the
// import immediately.
func (im *Importer) Apply(ctx context.Context, f *File) (Result, error) {
	var res Result
	var skipped error
	now := im.clock.Now()
	if len(f.Accounts) > 0 && im.accounts == nil {
		return res, fmt.Errorf("seed has accounts but no account registrar is configured")
	}
	for _, a := range f.Accounts {
		if _, err := im.accounts.Register(ctx, a.Name, a.Home, a.Attached...); err != nil {
			return res, err
		}
		res.Accounts++
	}
	for i, b := range f.Blocks {
		rec, err := im.buildRecord(ctx, b, now)
		if err != nil {
			res.Skipped++
			skipped = multierr.Append(skipped, fmt.Errorf("block %d (%s): %w", i, b.Target, err))
			continue
		}
		if _, err := im.registry.Insert(ctx, rec); err != nil {
			if stop := im.skipOrStop(&res, &skipped, err, fmt.Sprintf("block %d (%s)", i, b.Target)); stop != nil {
				return res, stop
			}
			continue
		}
		res.Blocks++
	}
	for i, o := range f.Overrides {
		lo, err := im.buildOverride(o, now)
		if err != nil {
			res.Skipped++
			skipped = multierr.Append(skipped, fmt.Errorf("override %d: %w", i, err))
			continue
		}
		if err := im.registry.InsertOverride(ctx, lo); err != nil {
			return res, err
		}
		res.Overrides++
	}
	im.logger.Info(map[string]any{"accounts": res.Accounts, "blocks": res.Blocks, "overrides": res.Overrides, "skipped": res.Skipped}, "seed_applied")
	return res, skipped
}

// Template holds the block attributes applied to every entry of a list.
type Template struct {
	Reason                  string
	Blocker                 string
	Expiry                  string
	AnonymousOnly           bool
	DisablesAccountCreation bool
}

// ImportList writes one block per list entry using tmpl.
func (im *Importer) ImportList(ctx context.Context, entries []parsers.Entry, tmpl Template) (Result, error) {
	f := &File{Blocks: make([]Block, 0, len(entries))}
	for _, e := range entries {
		f.Blocks = append(f.Blocks, Block{
			Target:                  e.Target,
			Reason:                  tmpl.Reason,
			Blocker:                 tmpl.Blocker,
			Expiry:                  tmpl.Expiry,
			AnonymousOnly:           tmpl.AnonymousOnly,
			DisablesAccountCreation: tmpl.DisablesAccountCreation,
		})
	}
	return im.Apply(ctx, f)
}

// skipOrStop records a duplicate id as skipped and returns any other
// insert failure.
func (im *Importer) skipOrStop(res *Result, skipped *error, err error, what string) error {
	if errors.Is(err, registry.ErrDuplicateBlock) {
		res.Skipped++
		*skipped = multierr.Append(*skipped, fmt.Errorf("%s: %w", what, err))
		return nil
	}
	return err
}

func (im *Importer) buildRecord(ctx context.Context, b Block, now time.Time) (domain.BlockRecord, error) {
	expiry, err := ParseExpiry(b.Expiry, now)
	if err != nil {
		return domain.BlockRecord{}, err
	}
	partition := b.Partition
	if partition == "" {
		partition = im.partition
	}
	rec := domain.BlockRecord{
		ID:                      b.ID,
		Reason:                  b.Reason,
		BlockerIdentityID:       b.BlockerID,
		BlockerPartition:        partition,
		CreatedAt:               now,
		ExpiresAt:               expiry,
		AnonymousOnly:           b.AnonymousOnly,
		DisablesAccountCreation: b.DisablesAccountCreation,
	}
	if rec.BlockerIdentityID == 0 && b.Blocker != "" {
		if rec.BlockerIdentityID, err = im.resolve(ctx, b.Blocker); err != nil {
			return domain.BlockRecord{}, fmt.Errorf("blocker: %w", err)
		}
	}

	target := strings.TrimSpace(b.Target)
	if rangecodec.LooksLikeAddress(target) {
		if rec.RangeStart, rec.RangeEnd, err = im.codec.RangeBounds(target); err != nil {
			return domain.BlockRecord{}, err
		}
		if rec.Target, err = rangecodec.Normalize(target); err != nil {
			return domain.BlockRecord{}, err
		}
	} else {
		rec.Target = utils.CanonicalAccountName(target)
		if rec.TargetIdentityID, err = im.resolve(ctx, rec.Target); err != nil {
			return domain.BlockRecord{}, err
		}
		if rec.AnonymousOnly {
			return domain.BlockRecord{}, fmt.Errorf("anonymous_only does not apply to account %q", rec.Target)
		}
	}
	return rec, rec.Validate()
}

func (im *Importer) resolve(ctx context.Context, name string) (uint64, error) {
	if im.identities == nil {
		return 0, fmt.Errorf("no identity resolver for account %q", name)
	}
	id, err := im.identities.IDFor(ctx, utils.CanonicalAccountName(name))
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, fmt.Errorf("unknown account %q", name)
	}
	return id, nil
}

func (im *Importer) buildOverride(o Override, now time.Time) (domain.LocalOverride, error) {
	if o.BlockID <= 0 {
		return domain.LocalOverride{}, fmt.Errorf("override needs a block_id")
	}
	expiry, err := ParseExpiry(o.Expiry, now)
	if err != nil {
		return domain.LocalOverride{}, err
	}
	enabled := true
	if o.Enabled != nil {
		enabled = *o.Enabled
	}
	return domain.LocalOverride{BlockID: o.BlockID, OverriddenBy: o.By, Reason: o.Reason, ExpiresAt: expiry, Enabled: enabled}, nil
}

// ParseExpiry reads "infinite", an RFC 3339 time, or a duration from now.
func ParseExpiry(s string, now time.Time) (time.Time, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "infinite", "indefinite", "infinity", "never":
		return domain.Infinity, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("invalid expiry %q", s)
	}
	return now.Add(d).UTC(), nil
}
