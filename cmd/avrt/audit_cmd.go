package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/avrtpro/avrt-firewall/pkg/api"
	"github.com/avrtpro/avrt-firewall/pkg/disposition"
	"github.com/avrtpro/avrt-firewall/pkg/ledger"
)

func newAuditCmd(policyPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect, verify and export the audit ledger",
	}
	cmd.AddCommand(
		newAuditRecentCmd(policyPath),
		newAuditStatsCmd(policyPath),
		newAuditVerifyCmd(policyPath),
		newAuditExportCmd(policyPath),
		newAuditLoadCmd(policyPath),
	)
	return cmd
}

// withStack runs fn against a freshly opened stack and closes it afterwards.
func withStack(cmd *cobra.Command, policyPath string, archive bool, fn func(context.Context, *stack) error) error {
	cfg, err := loadConfig(policyPath)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	st, err := buildStack(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()), archive)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close(ctx) }()
	return fn(ctx, st)
}

func newAuditRecentCmd(policyPath *string) *cobra.Command {
	var (
		limit        int
		status       string
		user         string
		since, until string
		format       string
	)
	cmd := &cobra.Command{
		Use:   "recent",
		Short: "List the most recent ledger entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			q := ledger.Query{Limit: limit, UserID: user}
			if status != "" {
				s, err := disposition.ParseStatus(status)
				if err != nil {
					return err
				}
				q.Status = s
			}
			var err error
			if q.Since, err = parseTimeFlag("since", since); err != nil {
				return err
			}
			if q.Until, err = parseTimeFlag("until", until); err != nil {
				return err
			}

			return withStack(cmd, *policyPath, false, func(ctx context.Context, st *stack) error {
				entries, err := st.ledger.Query(ctx, q)
				if err != nil {
					return err
				}
				switch format {
				case "csv":
					return api.WriteCSV(cmd.OutOrStdout(), entries)
				case "json":
					head, seq := st.ledger.Head()
					return printJSON(cmd.OutOrStdout(), api.AuditListResponse{
						Entries: entries, Count: len(entries), Head: head, Sequence: seq,
					})
				}
				return fmt.Errorf("unknown format %q: want json or csv", format)
			})
		},
	}
	f := cmd.Flags()
	f.IntVarP(&limit, "limit", "n", ledger.DefaultRecentLimit, "maximum entries to list")
	f.StringVar(&status, "status", "", "filter by disposition: safe, warning or blocked")
	f.StringVar(&user, "user", "", "filter by user id")
	f.StringVar(&since, "since", "", "only entries at or after this RFC 3339 time")
	f.StringVar(&until, "until", "", "only entries at or before this RFC 3339 time")
	f.StringVar(&format, "format", "json", "output format: json or csv")
	return cmd
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--%s: %w", name, err)
	}
	return t, nil
}

func newAuditStatsCmd(policyPath *string) *cobra.Command {
	var recompute bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print aggregate statistics over the whole ledger",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, *policyPath, false, func(ctx context.Context, st *stack) error {
				var (
					stats ledger.Stats
					err   error
				)
				if recompute {
					stats, err = st.ledger.Recompute(ctx)
				} else {
					stats, err = st.ledger.Statistics()
				}
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
	cmd.Flags().BoolVar(&recompute, "recompute", false, "derive statistics from a full scan")
	return cmd
}

func newAuditVerifyCmd(policyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Recompute every hash and link in the ledger",
		Long:  "Verify walks the chain from genesis. It prints the report as JSON and\nexits 1 when a link is broken.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStack(cmd, *policyPath, false, func(ctx context.Context, st *stack) error {
				v, err := st.ledger.VerifyChain(ctx)
				if err != nil && v.FirstBroken == nil {
					return err
				}
				if perr := printJSON(cmd.OutOrStdout(), v); perr != nil {
					return perr
				}
				if !v.Valid {
					_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "chain verification failed: %v\n", err)
					return &exitError{code: 1, err: err}
				}
				return nil
			})
		},
	}
}

func newAuditExportCmd(policyPath *string) *cobra.Command {
	var (
		from, to uint64
		format   string
		out      string
		archive  bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export a self-verifying evidence bundle",
		Long:  "Export writes entries from --from to --to (0 means the current tail) as a\nJSON evidence bundle or a CSV report. With --archive the bundle is also\nstored in the configured archive backend and its receipt printed to stderr.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("unknown format %q: want json or csv", format)
			}
			return withStack(cmd, *policyPath, archive, func(ctx context.Context, st *stack) error {
				b, err := st.ledger.ExportBundle(ctx, from, to)
				if err != nil {
					return err
				}

				w := cmd.OutOrStdout()
				if out != "" && out != "-" {
					fh, err := os.Create(out)
					if err != nil {
						return err
					}
					defer fh.Close()
					w = fh
				}
				if format == "csv" {
					err = api.WriteCSV(w, b.Entries)
				} else {
					err = printJSON(w, b)
				}
				if err != nil {
					return err
				}

				if archive {
					rcpt, err := st.archiver.Archive(ctx, b)
					if err != nil {
						return err
					}
					return printJSON(cmd.ErrOrStderr(), rcpt)
				}
				return nil
			})
		},
	}
	f := cmd.Flags()
	f.Uint64Var(&from, "from", 1, "first sequence to export")
	f.Uint64Var(&to, "to", 0, "last sequence to export (0 for the tail)")
	f.StringVar(&format, "format", "json", "output format: json or csv")
	f.StringVarP(&out, "out", "o", "", "write to a file instead of stdout")
	f.BoolVar(&archive, "archive", false, "also store the bundle in the archive backend")
	return cmd
}

func newAuditLoadCmd(policyPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "load <address>",
		Short: "Fetch an archived bundle and verify it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, *policyPath, true, func(ctx context.Context, st *stack) error {
				b, err := st.archiver.Load(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), b)
			})
		},
	}
}
