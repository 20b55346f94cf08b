package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/celerix-dev/crowdgate/internal/acl"
	"github.com/celerix-dev/crowdgate/internal/admission"
	"github.com/celerix-dev/crowdgate/internal/claim"
	"github.com/celerix-dev/crowdgate/internal/config"
	"github.com/celerix-dev/crowdgate/internal/engine"
	"github.com/celerix-dev/crowdgate/internal/records"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/pkg/schema"
	"github.com/celerix-dev/crowdgate/pkg/sdk"
	"github.com/celerix-dev/crowdgate/pkg/sdk/discovery"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

func claimCmd(open opener) *cobra.Command {
	var ip, tokenIn, tokenOut string

	cmd := &cobra.Command{
		Use:   "claim <identifier> <unit_id>",
		Short: "Claim a unit for a worker",
		Long: `Write a tentative claim for the worker and verify it against the unit
index. Exactly one concurrent claimant keeps the unit; the others withdraw.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			res, err := s.claims.ClaimUnitIfUnassigned(cmd.Context(), acl.Record{
				Identifier:  args[0],
				UnitID:      args[1],
				IPAddress:   ip,
				TokenInput:  tokenIn,
				TokenOutput: tokenOut,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			switch {
			case res.Claimed:
				fmt.Fprintf(out, "%s %s holds %s\n", green("CLAIMED"), args[0], args[1])
			case res.Reason == claim.ReasonPaid:
				fmt.Fprintf(out, "%s %s is already paid\n", red("REFUSED"), args[0])
			default:
				fmt.Fprintf(out, "%s %s is held by %s\n", yellow("LOST"), args[1], res.Winner)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&ip, "ip", "", "worker IP address")
	cmd.Flags().StringVar(&tokenIn, "token-input", "", "token shown to the worker")
	cmd.Flags().StringVar(&tokenOut, "token-output", "", "token the worker returns")
	return cmd
}

func yieldCmd(open opener) *cobra.Command {
	return identifierCmd(open, "yield", "Withdraw a worker's tentative claim", func(s *session) func(context.Context, string) error {
		return s.claims.Yield
	})
}

func releaseCmd(open opener) *cobra.Command {
	return identifierCmd(open, "release", "Release a worker's unit once the work is done", func(s *session) func(context.Context, string) error {
		return s.claims.Release
	})
}

func paidCmd(open opener) *cobra.Command {
	return identifierCmd(open, "paid", "Mark a worker's row as paid", func(s *session) func(context.Context, string) error {
		return s.claims.MarkPaid
	})
}

func identifierCmd(open opener, use, short string, op func(*session) func(context.Context, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <identifier>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := op(s)(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func holdersCmd(open opener) *cobra.Command {
	var all, asJSON bool

	cmd := &cobra.Command{
		Use:   "holders <unit_id>",
		Short: "List the workers holding a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			var rows []acl.Record
			if all {
				rows, err = s.claims.Rows(cmd.Context(), args[0])
			} else {
				rows, err = s.claims.Holders(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if asJSON {
				items := make([]sdk.Item, 0, len(rows))
				for _, r := range rows {
					items = append(items, r.Item())
				}
				return printJSON(cmd.OutOrStdout(), items)
			}
			printHolders(cmd.OutOrStdout(), rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include released and paid rows")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print raw ACL items")
	return cmd
}

func printHolders(w io.Writer, rows []acl.Record) {
	if len(rows) == 0 {
		fmt.Fprintln(w, "(no holders)")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tSTATE\tARRIVAL\tCOUNTER\tMARKER")
	for _, r := range rows {
		state := green("active")
		switch {
		case r.Paid:
			state = red("paid")
		case !r.InProgress:
			state = yellow("released")
		}
		arrival := "-"
		if !r.TimeArrival.IsZero() {
			arrival = acl.FormatTime(r.TimeArrival)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", r.Identifier, state, arrival, r.AccessCounter, r.ClaimMarker)
	}
	tw.Flush()
}

func reapCmd(open opener) *cobra.Command {
	var ttl time.Duration

	cmd := &cobra.Command{
		Use:   "reap",
		Short: "Release claims older than the orphan TTL",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if !cmd.Flags().Changed("ttl") {
				ttl = s.cfg.Claim.OrphanTTL
			}
			if ttl <= 0 {
				return errors.New("orphan TTL is zero; set claim.orphan_ttl or pass --ttl")
			}
			n, err := claim.NewReaper(s.claims, ttl, s.log, nil).Sweep(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d orphaned claim(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "age after which an active claim counts as orphaned")
	return cmd
}

func admitCmd(open opener) *cobra.Command {
	var task, batch, assigned string
	var scales []string

	cmd := &cobra.Command{
		Use:   "admit <identifier>",
		Short: "Run the worker status check for a task instance",
		Long: `Check the worker registry of the task (or of every scale of a
multi-scale task) and register the worker when it has not started yet.
Scales default to the configuration, then to the task settings document.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			ctx := cmd.Context()

			t := admissionTask(s.cfg.Task, task, batch, scales, assigned)
			if t.Name == "" || t.Batch == "" {
				return errors.New("admit needs --task and --batch (or task.name and task.batch)")
			}
			b, err := s.blobStore(ctx)
			if err != nil {
				return err
			}
			t, err = admission.Resolve(ctx, b, t)
			if err != nil {
				return err
			}
			state, err := admission.NewMachine(b, t, args[0], s.log, nil).Check(ctx)
			switch state {
			case admission.Allowed:
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s may start %s\n", green(state.String()), args[0], t.Name)
			case admission.Blocked:
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s already started %s\n", red(state.String()), args[0], t.Name)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "%s\n", yellow(state.String()))
			}
			return err
		},
	}
	cmd.Flags().StringVar(&task, "task", "", "task name")
	cmd.Flags().StringVar(&batch, "batch", "", "batch name")
	cmd.Flags().StringSliceVar(&scales, "scale", nil, "task scale (repeatable)")
	cmd.Flags().StringVar(&assigned, "assigned", "", "scale the worker is assigned to")
	return cmd
}

// admissionTask lets flags override the configured task identity.
func admissionTask(cfg config.TaskConfig, task, batch string, scales []string, assigned string) admission.Task {
	t := admission.Task{Name: cfg.Name, Batch: cfg.Batch, Scales: cfg.Scales, AssignedScale: cfg.AssignedScale}
	if task != "" {
		t.Name = task
	}
	if batch != "" {
		t.Batch = batch
	}
	if len(scales) > 0 {
		t.Scales = scales
	}
	if assigned != "" {
		t.AssignedScale = assigned
	}
	return t
}

func recordCmd(open opener) *cobra.Command {
	var (
		req  schema.RecordRequest
		same bool
	)

	cmd := &cobra.Command{
		Use:   "record <identifier> <unit_id> <payload-json>",
		Short: "Append a data record for the worker's current step",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]any
			if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
				return fmt.Errorf("payload is not a JSON object: %w", err)
			}
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			if req.Task == "" {
				req.Task = s.cfg.Task.Name
			}
			if req.Batch == "" {
				req.Batch = s.cfg.Task.Batch
			}
			task := &records.Task{
				Name:           req.Task,
				Batch:          req.Batch,
				UnitID:         args[1],
				TryCurrent:     req.TryCurrent,
				SequenceNumber: req.SequenceNumber,
			}
			var opts []records.AppendOption
			if same {
				opts = append(opts, records.SameSequence())
			}
			seq, err := s.records.Append(cmd.Context(), records.Worker{Identifier: args[0], IPAddress: req.IPAddress}, task, payload, opts...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), schema.RecordResult{Sequence: seq, NextSequenceNumber: task.SequenceNumber})
		},
	}
	cmd.Flags().StringVar(&req.IPAddress, "ip", "", "worker IP address")
	cmd.Flags().StringVar(&req.Task, "task", "", "task name")
	cmd.Flags().StringVar(&req.Batch, "batch", "", "batch name")
	cmd.Flags().IntVar(&req.TryCurrent, "try", 0, "current try")
	cmd.Flags().IntVar(&req.SequenceNumber, "seq", 0, "sequence number of this step")
	cmd.Flags().BoolVar(&same, "same", false, "re-emit the current step without advancing")
	return cmd
}

func scanCmd(open opener) *cobra.Command {
	var index string

	cmd := &cobra.Command{
		Use:   "scan <acl|data>",
		Short: "Print every item of a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.ParseTable(args[0])
			if err != nil {
				return err
			}
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			items, err := s.tables.ScanAll(cmd.Context(), t, index)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "secondary index to scan")
	return cmd
}

func queryCmd(open opener) *cobra.Command {
	var index string

	cmd := &cobra.Command{
		Use:   "query <acl|data> <attribute> <value>",
		Short: "Print the items whose key attribute equals value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.ParseTable(args[0])
			if err != nil {
				return err
			}
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			items, err := s.tables.QueryAll(cmd.Context(), t, index, args[1], args[2])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		},
	}
	cmd.Flags().StringVar(&index, "index", "", "secondary index to query")
	return cmd
}

func describeCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <acl|data>",
		Short: "Print a table's key schema",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.ParseTable(args[0])
			if err != nil {
				return err
			}
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			sch, err := s.tables.Schema(cmd.Context(), t)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sch)
		},
	}
}

func deleteCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <acl|data> <key-json>",
		Short: "Delete the item with the given key attributes",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.ParseTable(args[0])
			if err != nil {
				return err
			}
			var src sdk.Item
			if err := json.Unmarshal([]byte(args[1]), &src); err != nil {
				return fmt.Errorf("key is not a JSON object: %w", err)
			}
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.tables.Delete(cmd.Context(), t, src); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "OK")
			return nil
		},
	}
}

func migrateCmd(open opener) *cobra.Command {
	var to string

	cmd := &cobra.Command{
		Use:   "migrate <acl|data>",
		Short: "Copy a table into the store of another configuration",
		Long: `Copy every item of a logical table from the configured store into the
store described by --to, e.g. embedded -> DynamoDB. Existing items with the
same key are overwritten.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t, err := tables.ParseTable(args[0])
			if err != nil {
				return err
			}
			if to == "" {
				return errors.New("migrate needs --to <config.yaml>")
			}
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()

			dstCfg, err := config.Load(to)
			if err != nil {
				return err
			}
			dst, err := discovery.New(cmd.Context(), dstCfg, s.log, discovery.WithPool(s.pool))
			if err != nil {
				return err
			}
			defer dst.Close()

			dstTables := tables.NewClient(dst.Store, dstCfg.TableNames(), nil, s.log)
			n, err := engine.Migrate(cmd.Context(), s.backend.Store, dst.Store, s.tables.Name(t), dstTables.Name(t))
			fmt.Fprintf(cmd.OutOrStdout(), "copied %d item(s) from %s to %s\n", n, s.tables.Name(t), dstTables.Name(t))
			return err
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "configuration of the destination store")
	return cmd
}

func pingCmd(open opener) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the configured store answers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := open(cmd)
			if err != nil {
				return err
			}
			defer s.Close()
			if c, ok := s.backend.Store.(*sdk.Client); ok {
				if err := c.Ping(cmd.Context()); err != nil {
					return err
				}
			}
			if _, err := s.tables.Schema(cmd.Context(), tables.ACL); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "PONG (%s)\n", s.backend.Kind)
			return nil
		},
	}
}
