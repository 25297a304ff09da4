package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/multierr"

	"github.com/haukened/gblock/internal/gblock/common/log"
	"github.com/haukened/gblock/internal/gblock/common/rangecodec"
	"github.com/haukened/gblock/internal/gblock/domain"
	"github.com/haukened/gblock/internal/gblock/gateways/httpapi"
	"github.com/haukened/gblock/internal/gblock/repos/registry"
	"github.com/haukened/gblock/internal/gblock/repos/registry/parsers"
	"github.com/haukened/gblock/internal/gblock/repos/registry/seed"
	"github.com/haukened/gblock/internal/gblock/services/lookup"
)

// withApplication builds the application for one command and closes it
// when fn returns.
func (c *cli) withApplication(fn func(app *Application) error) (err error) {
	app, err := buildApplication(c.cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, app.Close())
	}()
	return fn(app)
}

func (c *cli) serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the lookup HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			undo, err := maxprocs.Set(maxprocs.Logger(func(format string, args ...any) {
				log.Debug(map[string]any{"component": "maxprocs"}, fmt.Sprintf(format, args...))
			}))
			if err != nil {
				return fmt.Errorf("maxprocs: %w", err)
			}
			defer undo()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return c.withApplication(func(app *Application) error {
				return app.Run(ctx)
			})
		},
	}
}

// staticRequest is the request metadata of a command line check.
type staticRequest struct {
	direct string
	chain  []string
}

func (r staticRequest) DirectAddress() string    { return r.direct }
func (r staticRequest) ForwardedChain() []string { return r.chain }

func (c *cli) checkCommand() *cobra.Command {
	var (
		actor       string
		address     string
		forwarded   []string
		target      string
		flags       string
		consistency string
		idOnly      bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Resolve the block in effect for an actor or a single target",
		Long: "With --target, resolves one address, range or account. Otherwise resolves\n" +
			"the actor named by --actor (or anonymous) connecting from --address.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			lf, err := domain.ParseLookupFlags(flags)
			if err != nil {
				return err
			}
			rc, err := domain.ParseReadConsistency(consistency)
			if err != nil {
				return err
			}
			return c.withApplication(func(app *Application) error {
				ctx := cmd.Context()
				out := cmd.OutOrStdout()

				if target != "" {
					if idOnly {
						id, err := app.lookup.EffectiveBlockID(ctx, target, rc)
						if err != nil {
							return err
						}
						return writeJSON(out, map[string]int64{"id": id})
					}
					res, err := app.lookup.BlockForTarget(ctx, target, lf, rc)
					if err != nil {
						return err
					}
					return writeJSON(out, httpapi.NewResolutionResponse(res))
				}

				if address == "" {
					return errors.New("check needs --target or --address")
				}
				ctx = lookup.WithRequest(ctx, staticRequest{direct: address, chain: forwarded})
				name := actor
				if name == "" {
					name = address
				}
				res, err := app.lookup.BlockForActor(ctx, domain.Actor{Name: name}, address)
				if err != nil {
					return err
				}
				return writeJSON(out, httpapi.NewResolutionResponse(res))
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&actor, "actor", "", "account name of the actor; empty checks an anonymous actor")
	f.StringVar(&address, "address", "", "direct address of the actor")
	f.StringSliceVar(&forwarded, "xff", nil, "forwarded-for chain, nearest to the client first")
	f.StringVar(&target, "target", "", "address, range or account to resolve on its own")
	f.StringVar(&flags, "flags", "", "lookup flags for --target: skip-address, skip-soft, skip-override")
	f.StringVar(&consistency, "consistency", "replica", "registry read consistency: replica or primary")
	f.BoolVar(&idOnly, "id", false, "print only the effective block id of --target, ignoring local overrides")
	return cmd
}

func (c *cli) importCommand() *cobra.Command {
	var (
		seedFile string
		listFile string
		strict   bool
		tmpl     seed.Template
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Load blocks from a YAML seed file or a plain target list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (seedFile == "") == (listFile == "") {
				return errors.New("import needs exactly one of --seed or --list")
			}
			return c.withApplication(func(app *Application) error {
				im := seed.NewImporter(seed.Options{
					Registry:   app.registry,
					Codec:      app.snapshot.Codec,
					Identities: app.directory,
					Accounts:   app.directory,
					Partition:  c.cfg.Partition,
					Logger:     app.logger,
				})
				res, err := runImport(cmd.Context(), im, app.snapshot.Codec, app.logger, seedFile, listFile, tmpl)
				if err != nil && (strict || res.Skipped == 0 || errors.Is(err, domain.ErrStoreUnavailable)) {
					return err
				}
				for _, skipped := range multierr.Errors(err) {
					app.logger.Warn(map[string]any{"error": skipped}, "import_entry_skipped")
				}
				fmt.Fprintf(cmd.OutOrStdout(), "accounts: %d, blocks: %d, overrides: %d, skipped: %d\n",
					res.Accounts, res.Blocks, res.Overrides, res.Skipped)
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.StringVar(&seedFile, "seed", "", "YAML seed file with accounts, blocks and overrides")
	f.StringVar(&listFile, "list", "", "plain list, one address, range or account per line")
	f.BoolVar(&strict, "strict", false, "fail when any entry is skipped")
	f.StringVar(&tmpl.Reason, "reason", "", "reason recorded on every listed block")
	f.StringVar(&tmpl.Blocker, "blocker", "", "account recorded as blocker of every listed block")
	f.StringVar(&tmpl.Expiry, "expiry", "infinite", "expiry of listed blocks: infinite, RFC 3339 time or duration")
	f.BoolVar(&tmpl.AnonymousOnly, "anon-only", false, "listed address blocks only apply to anonymous actors")
	f.BoolVar(&tmpl.DisablesAccountCreation, "disable-create", false, "listed blocks also prevent account creation")
	return cmd
}

func runImport(ctx context.Context, im *seed.Importer, codec *rangecodec.Codec, logger log.Logger, seedFile, listFile string, tmpl seed.Template) (seed.Result, error) {
	path := seedFile
	if path == "" {
		path = listFile
	}
	fh, err := os.Open(path)
	if err != nil {
		return seed.Result{}, err
	}
	defer fh.Close()

	if seedFile != "" {
		doc, err := seed.Parse(fh)
		if err != nil {
			return seed.Result{}, err
		}
		return im.Apply(ctx, doc)
	}
	entries, err := parsers.ParsePlainList(fh, codec, logger)
	if err != nil {
		return seed.Result{}, err
	}
	return im.ImportList(ctx, entries, tmpl)
}

func (c *cli) listCommand() *cobra.Command {
	var (
		filter     registry.ListFilter
		target     string
		showExpire bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registry blocks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.withApplication(func(app *Application) error {
				ctx := cmd.Context()
				if !showExpire {
					filter.Now = time.Now().UTC()
				}
				if target = strings.TrimSpace(target); target != "" {
					if rangecodec.LooksLikeAddress(target) {
						p, err := app.snapshot.Codec.Predicate(target)
						if err != nil {
							return err
						}
						filter.Range = &p
					} else {
						id, err := app.directory.IDFor(ctx, target)
						if err != nil {
							return err
						}
						if id == 0 {
							return fmt.Errorf("unknown account %q", target)
						}
						filter.TargetIdentityID = id
					}
				}
				recs, err := app.registry.List(ctx, filter)
				if err != nil {
					return err
				}
				return writeTable(cmd.OutOrStdout(), recs)
			})
		},
	}
	f := cmd.Flags()
	f.BoolVar(&filter.HideAddress, "hide-address", false, "hide single address blocks")
	f.BoolVar(&filter.HideRange, "hide-range", false, "hide range blocks")
	f.BoolVar(&filter.HideAccount, "hide-account", false, "hide account blocks")
	f.BoolVar(&filter.HideTemporary, "hide-temporary", false, "hide blocks with an expiry")
	f.BoolVar(&filter.HideIndefinite, "hide-indefinite", false, "hide indefinite blocks")
	f.IntVar(&filter.Limit, "limit", 0, "maximum number of blocks, 0 for all")
	f.StringVar(&target, "target", "", "only blocks on this account or containing this address or range")
	f.BoolVar(&showExpire, "expired", false, "include expired blocks")
	return cmd
}

func writeTable(w io.Writer, recs []domain.BlockRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTARGET\tKIND\tEXPIRY\tOPTIONS\tREASON")
	for _, r := range recs {
		expiry := "infinite"
		if !r.IsIndefinite() {
			expiry = r.ExpiresAt.UTC().Format(time.RFC3339)
		}
		var opts []string
		if r.AnonymousOnly {
			opts = append(opts, "anon-only")
		}
		if r.DisablesAccountCreation {
			opts = append(opts, "no-create")
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.ID, r.Target, r.Kind(), expiry, strings.Join(opts, ","), r.Reason)
	}
	return tw.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
