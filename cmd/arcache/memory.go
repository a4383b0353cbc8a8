package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/arcache/internal/memory"
	"github.com/fyrsmithlabs/arcache/internal/services"
)

func newMemoryCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Maintain the experience memory",
		Long: `Inspect and maintain the persisted experience memory.

Every memory command needs the sqlite storage driver, either from
configuration or via --db.

Examples:
  # List procedural memories
  arcache memory list --db arcache.db --type procedural

  # Remove records past the retention period
  arcache memory cleanup --db arcache.db

  # Show store statistics as JSON
  arcache memory stats --db arcache.db --json`,
	}

	cmd.AddCommand(
		newMemoryListCmd(flags),
		newMemoryShowCmd(flags),
		newMemoryStatsCmd(flags),
		newMemoryCleanupCmd(flags),
		newMemoryPruneCmd(flags),
		newMemoryDeleteCmd(flags),
	)
	return cmd
}

func newMemoryListCmd(flags *globalFlags) *cobra.Command {
	var (
		typeNames []string
		limit     int
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memory records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			types := make([]memory.Type, 0, len(typeNames))
			for _, name := range typeNames {
				t, err := memory.ParseType(name)
				if err != nil {
					return err
				}
				types = append(types, t)
			}

			reg, err := openRegistry(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer reg.Close()

			records := reg.Memory().List(types...)
			if limit > 0 && len(records) > limit {
				records = records[:limit]
			}

			if asJSON {
				return writeJSON(cmd, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No memory records found.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTYPE\tTASK TYPE\tCONFIDENCE\tCREATED\tSUMMARY")
			for _, rec := range records {
				fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%s\t%s\n",
					rec.ID,
					rec.Type,
					rec.TaskType,
					rec.Confidence,
					rec.CreatedAt.Format(time.RFC3339),
					truncate(rec.Content.Summary, 50))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&typeNames, "type", "t", nil, "Filter by type: episodic, semantic, procedural")
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records (0 for all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newMemoryShowCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Print one memory record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer reg.Close()

			rec, err := reg.Memory().Get(args[0])
			if err != nil {
				return err
			}
			return writeJSON(cmd, rec)
		},
	}
}

// statsOutput is the JSON shape of memory stats.
type statsOutput struct {
	Total             int                 `json:"total"`
	ByType            map[memory.Type]int `json:"by_type"`
	MaxPerType        int                 `json:"max_per_type"`
	AverageConfidence float64             `json:"average_confidence"`
	Oldest            *time.Time          `json:"oldest,omitempty"`
	Newest            *time.Time          `json:"newest,omitempty"`
}

func newMemoryStatsCmd(flags *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show memory store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := openRegistry(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer reg.Close()

			st := reg.Memory().Stats()
			out := statsOutput{
				Total:             st.Total,
				ByType:            st.ByType,
				MaxPerType:        reg.Memory().MaxEntriesPerType(),
				AverageConfidence: st.AverageConfidence,
			}
			if st.Total > 0 {
				out.Oldest, out.Newest = &st.Oldest, &st.Newest
			}
			if asJSON {
				return writeJSON(cmd, out)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintf(w, "Total:\t%d\n", out.Total)
			for _, t := range memory.Types {
				fmt.Fprintf(w, "  %s:\t%d / %d\n", t, out.ByType[t], out.MaxPerType)
			}
			fmt.Fprintf(w, "Average confidence:\t%.2f\n", out.AverageConfidence)
			if st.Total > 0 {
				fmt.Fprintf(w, "Oldest:\t%s\n", st.Oldest.Format(time.RFC3339))
				fmt.Fprintf(w, "Newest:\t%s\n", st.Newest.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Output as JSON")
	return cmd
}

func newMemoryCleanupCmd(flags *globalFlags) *cobra.Command {
	var retentionDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Remove records older than the retention period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := openRegistry(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer reg.Close()

			retention := reg.Config().Learning.Retention()
			if retentionDays > 0 {
				retention = time.Duration(retentionDays) * 24 * time.Hour
			}
			n, err := reg.Memory().Cleanup(cmd.Context(), retention)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Removed %d record(s) older than %s.\n", n, retention)
			return nil
		},
	}
	cmd.Flags().IntVar(&retentionDays, "retention-days", 0, "Override learning.memory_retention")
	return cmd
}

func newMemoryPruneCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Evict the least relevant records above the per-type cap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := openRegistryWith(cmd.Context(), cmd, flags, services.Options{DeferPrune: true})
			if err != nil {
				return err
			}
			defer reg.Close()

			evicted, err := reg.Memory().Prune(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d record(s); %d remain (max %d per type).\n",
				len(evicted), reg.Memory().Count(""), reg.Memory().MaxEntriesPerType())
			return nil
		},
	}
}

func newMemoryDeleteCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>...",
		Short: "Delete memory records by ID",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reg, err := openRegistry(cmd.Context(), cmd, flags)
			if err != nil {
				return err
			}
			defer reg.Close()

			for _, id := range args {
				if err := reg.Memory().Delete(cmd.Context(), id); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
			}
			return nil
		},
	}
}

func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// truncate shortens s to maxLen runes, ending in "..." when cut.
func truncate(s string, maxLen int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return "..."
	}
	return string(runes[:maxLen-3]) + "..."
}
