package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/cdc-scheduler/internal/storage/wal"
)

// ============================================================================
// wal inspect / repair（離線工具，不需要 scheduler 在執行）
// ============================================================================

func buildWALCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wal",
		Short: "Offline WAL tools",
	}
	cmd.AddCommand(buildWALInspectCommand())
	cmd.AddCommand(buildWALRepairCommand())
	return cmd
}

// walPath returns the explicit argument or storage.wal_path.
func walPath(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfigOrDefault(configFile)
	if err != nil {
		return "", err
	}
	return cfg.Storage.WALPath, nil
}

func buildWALInspectCommand() *cobra.Command {
	var dump bool

	cmd := &cobra.Command{
		Use:   "inspect [path]",
		Short: "Print WAL statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if dump {
				return wal.DumpWAL(path, out)
			}
			stats, err := wal.GetWALStats(path)
			if err != nil {
				return err
			}
			printWALStats(out, path, stats)
			return nil
		},
	}

	cmd.Flags().BoolVar(&dump, "dump", false, "print every event instead of the summary")
	return cmd
}

func printWALStats(out io.Writer, path string, s *wal.WALStats) {
	fmt.Fprintf(out, "💾 WAL %s\n", path)
	fmt.Fprintf(out, "  ├─ Events:     %d (%d snapshots, %d drops)\n",
		s.TotalEvents, s.EventTypes[wal.EventJobSnapshot], s.EventTypes[wal.EventJobDrop])
	fmt.Fprintf(out, "  ├─ Jobs:       %d\n", s.Jobs)
	fmt.Fprintf(out, "  ├─ Seq:        %d..%d\n", s.FirstSeq, s.LastSeq)
	if s.TotalEvents > 0 {
		fmt.Fprintf(out, "  ├─ Time:       %s .. %s\n",
			time.UnixMilli(s.TimeRange[0]).Format(time.RFC3339),
			time.UnixMilli(s.TimeRange[1]).Format(time.RFC3339))
	}
	fmt.Fprintf(out, "  ├─ Payload:    %d bytes\n", s.PayloadBytes)
	fmt.Fprintf(out, "  └─ Corrupted:  %d\n", s.CorruptedCount)
}

func buildWALRepairCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "repair [path]",
		Short: "Copy the valid events of a WAL to a new file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := walPath(args)
			if err != nil {
				return err
			}
			if output == "" {
				output = path + ".repaired"
			}
			dropped, err := wal.RepairWAL(path, output)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s, dropped %d bad records\n", output, dropped)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "destination file (default: <path>.repaired)")
	return cmd
}
