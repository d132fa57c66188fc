package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/cdc-scheduler/internal/admin"
	"github.com/ChuLiYu/cdc-scheduler/internal/cdcjob"
	"github.com/ChuLiYu/cdc-scheduler/internal/config"
	"github.com/ChuLiYu/cdc-scheduler/pkg/types"
)

const requestTimeout = 30 * time.Second

// newAdminClient resolves the admin address and token from the flags, then
// the config file.
func newAdminClient() (*admin.Client, error) {
	addr, token := adminAddr, adminToken
	if addr == "" || token == "" {
		cfg, err := loadConfigOrDefault(configFile)
		if err != nil {
			return nil, err
		}
		if addr == "" {
			addr = cfg.Admin.Addr
		}
		if token == "" {
			token = cfg.Admin.Token
		}
	}
	return admin.NewClient(addr, token), nil
}

func parseJobID(s string) (types.JobID, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return types.JobID(id), nil
}

// ============================================================================
// submit
// ============================================================================

func buildSubmitCommand() *cobra.Command {
	var jobFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Create jobs from a YAML or JSON file",
		Long:  "Read one job or a list of jobs from a file and create them on a running scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			return submitJobs(cmd.Context(), client, jobFile, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&jobFile, "file", "f", "", "file containing job definitions")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

// submitJobs creates every job in path. A rejected job does not stop the
// others; the error reports how many failed.
func submitJobs(ctx context.Context, client *admin.Client, path string, out io.Writer) error {
	jobs, err := config.LoadJobs(path)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	failed := 0
	for _, spec := range jobSpecs(jobs) {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
		info, err := client.CreateJob(reqCtx, spec)
		cancel()
		if err != nil {
			failed++
			fmt.Fprintf(out, "✗ %s: %v\n", spec.Name, err)
			continue
		}
		fmt.Fprintf(out, "✓ %s: created job %d (%s)\n", info.Name, info.ID, info.Status)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d jobs were rejected", failed, len(jobs))
	}
	return nil
}

// ============================================================================
// list / show / status / snapshot
// ============================================================================

func buildListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			jobs, err := client.ListJobs(ctx)
			if err != nil {
				return err
			}
			printJobs(cmd.OutOrStdout(), jobs)
			return nil
		},
	}
}

func printJobs(out io.Writer, jobs []cdcjob.Info) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tDEFINER\tCREATED\tPROGRESS\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Name, j.Status, j.Definer, j.CreateTime, j.Progress, j.ErrorMsg)
	}
	tw.Flush()
}

func buildShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			d, err := client.GetJob(ctx, id)
			if err != nil {
				return err
			}
			tasks, err := client.JobTasks(ctx, id)
			if err != nil {
				return err
			}
			printJobDetail(cmd.OutOrStdout(), d, tasks)
			return nil
		},
	}
}

func printJobDetail(out io.Writer, d admin.JobDetail, tasks []cdcjob.TaskInfo) {
	fmt.Fprintf(out, "📋 Job %d (%s)\n", d.ID, d.Name)
	fmt.Fprintf(out, "  ├─ Status:    %s\n", d.Status)
	fmt.Fprintf(out, "  ├─ Definer:   %s\n", d.Definer)
	fmt.Fprintf(out, "  ├─ Created:   %s\n", d.CreateTime)
	fmt.Fprintf(out, "  ├─ Config:    %s\n", d.Config)
	fmt.Fprintf(out, "  ├─ Progress:  %s\n", d.Progress)
	if d.ErrorMsg != "" {
		fmt.Fprintf(out, "  ├─ Error:     %s\n", d.ErrorMsg)
	}
	s := d.Stats
	fmt.Fprintf(out, "  └─ Splits:    %d remaining tables, %d pending, %d assigned, %d finished, binlog=%t\n",
		s.RemainingTables, s.PendingSplits, s.AssignedSplits, s.FinishedSplits, s.BinlogAssigned)
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tTYPE\tSTATUS\tBACKEND\tSTART\tFINISH\tEND OFFSET\tERROR")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			t.TaskID, t.Type, t.Status, t.Backend, t.StartTime, t.FinishTime, t.EndOffset, t.ErrorMsg)
	}
	tw.Flush()
}

func buildStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show scheduler status",
		Long:  "Display job counts per status, scanner workers and recovery information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			st, err := client.Status(ctx)
			if err != nil {
				return err
			}
			workers, err := client.Workers(ctx)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "💾 Scheduler:")
			fmt.Fprintf(out, "  ├─ Backend:        %s\n", st.Backend)
			fmt.Fprintf(out, "  ├─ Uptime:         %s\n", st.Uptime)
			fmt.Fprintf(out, "  ├─ Recovery Time:  %s\n", st.RecoveryTime)
			fmt.Fprintf(out, "  ├─ Pool Size:      %d\n", st.PoolSize)
			fmt.Fprintf(out, "  └─ Open Txns:      %d\n", st.Transactions)
			fmt.Fprintln(out)

			fmt.Fprintln(out, "📊 Jobs:")
			statuses := make([]string, 0, len(st.Jobs))
			for s := range st.Jobs {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)
			for _, s := range statuses {
				fmt.Fprintf(out, "  └─ %-8s %d\n", s, st.Jobs[types.JobStatus(s)])
			}
			fmt.Fprintln(out)

			fmt.Fprintf(out, "📡 Scanner Workers (%d):\n", len(workers))
			for _, w := range workers {
				fmt.Fprintf(out, "  └─ %s\n", w)
			}
			return nil
		},
	}
}

func buildSnapshotCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Write a registry snapshot and truncate the WAL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()
			if err := client.Snapshot(ctx); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "snapshot written")
			return nil
		},
	}
}

// ============================================================================
// pause / resume / stop / drop
// ============================================================================

type jobAction struct {
	name  string
	short string
	run   func(ctx context.Context, c *admin.Client, id types.JobID) (string, error)
}

var jobActions = []jobAction{
	{"pause", "Pause a job", func(ctx context.Context, c *admin.Client, id types.JobID) (string, error) {
		info, err := c.PauseJob(ctx, id)
		return info.Status, err
	}},
	{"resume", "Resume a paused job", func(ctx context.Context, c *admin.Client, id types.JobID) (string, error) {
		info, err := c.ResumeJob(ctx, id)
		return info.Status, err
	}},
	{"stop", "Stop a job and release its scanner", func(ctx context.Context, c *admin.Client, id types.JobID) (string, error) {
		info, err := c.StopJob(ctx, id)
		return info.Status, err
	}},
	{"drop", "Remove a job", func(ctx context.Context, c *admin.Client, id types.JobID) (string, error) {
		return "DROPPED", c.DropJob(ctx, id)
	}},
}

func buildJobActionCommand(a jobAction) *cobra.Command {
	return &cobra.Command{
		Use:   a.name + " <job-id>",
		Short: a.short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseJobID(args[0])
			if err != nil {
				return err
			}
			client, err := newAdminClient()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			status, err := a.run(ctx, client, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %d: %s\n", id, status)
			return nil
		},
	}
}
