package main

import (
	"context"
	"maps"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/config"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print audit statistics for a tenant or user",
	RunE:  runStats,
}

func init() {
	statsCmd.Flags().String("tenant", "", "tenant id (all tenants when empty)")
	statsCmd.Flags().String("user", "", "user id")
	statsCmd.Flags().Int("days", audit.DefaultStatsDays, "window in days")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	f := audit.StatsFilter{}
	f.TenantID, _ = cmd.Flags().GetString("tenant")
	f.UserID, _ = cmd.Flags().GetString("user")
	f.Days, _ = cmd.Flags().GetInt("days")
	f = f.Normalize()

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	var st audit.Stats
	ac := audit.SystemContext(operator(), "auditctl stats", time.Now())
	err = b.layer.Track(ctx, ac, "audit_logs", audit.ActionSelect, func(ctx context.Context) error {
		var err error
		st, err = b.store.Stats(ctx, f)
		return err
	})
	if err != nil {
		return err
	}

	cmd.Printf("window:        %d days\n", f.Days)
	cmd.Printf("total:         %d\n", st.Total)
	cmd.Printf("errors:        %d\n", st.ErrorCount)
	cmd.Printf("avg duration:  %.1f ms\n", st.AvgDurationMs)
	printCounts(cmd, "by action", st.ByAction)
	printCounts(cmd, "by table", st.ByTable)
	printCounts(cmd, "by user", st.ByUser)
	return nil
}

func printCounts(cmd *cobra.Command, title string, counts map[string]int64) {
	if len(counts) == 0 {
		return
	}
	cmd.Printf("%s:\n", title)
	for _, k := range slices.Sorted(maps.Keys(counts)) {
		cmd.Printf("  %-20s %d\n", k, counts[k])
	}
}
