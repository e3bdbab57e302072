package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/config"
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete audit rows older than the retention window",
	Long: `Delete audit rows created before now minus --days. With --dry-run the
rows are only counted. The run itself is recorded in the audit log.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().Int("days", 0, "retention window in days; audit.retention_days when unset")
	cleanupCmd.Flags().Bool("dry-run", false, "count matching rows without deleting")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	days, _ := cmd.Flags().GetInt("days")
	if !cmd.Flags().Changed("days") {
		days = cfg.Audit.RetentionDays
	}
	dryRun, _ := cmd.Flags().GetBool("dry-run")

	b, err := openBackend(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	ctx, cancel := commandContext(cmd)
	defer cancel()

	action := audit.ActionDelete
	if dryRun {
		action = audit.ActionSelect
	}
	ac := audit.SystemContext(operator(), "auditctl cleanup", time.Now())
	var n int64
	err = b.layer.Track(ctx, ac, "audit_logs", action, func(ctx context.Context) error {
		var err error
		n, err = b.store.Cleanup(ctx, days, dryRun)
		return err
	})
	if err != nil {
		return err
	}
	if dryRun {
		cmd.Printf("%d audit rows older than %d days would be deleted\n", n, days)
		return nil
	}
	cmd.Printf("deleted %d audit rows older than %d days\n", n, days)
	return nil
}
