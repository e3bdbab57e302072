package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"agencydash.app/internal/config"
	"agencydash.app/internal/migrate"
	"agencydash.app/internal/store/pg"
	"agencydash.app/migrations"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down|status|seed]",
	Short:     "Apply or roll back schema migrations",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down", "status", "seed"},
	RunE:      runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required")
	}
	st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return err
	}
	defer st.Close()

	var sqlFS fs.FS = migrations.SQL()
	if dir := cfg.Database.MigrationsDir; dir != "" {
		sqlFS = os.DirFS(dir)
	}
	mgr := migrate.NewManager(st.DB(), sqlFS, migrations.Seeds())

	ctx, cancel := commandContext(cmd)
	defer cancel()

	switch args[0] {
	case "up":
		applied, err := mgr.Up(ctx)
		for _, name := range applied {
			cmd.Println("applied", name)
		}
		if err == nil && len(applied) == 0 {
			cmd.Println("schema is up to date")
		}
		return err
	case "down":
		name, err := mgr.Down(ctx)
		if err != nil {
			return err
		}
		cmd.Println("rolled back", name)
	case "seed":
		applied, err := mgr.Seed(ctx)
		for _, name := range applied {
			cmd.Println("seeded", name)
		}
		return err
	case "status":
		history, err := mgr.Status(ctx)
		if err != nil {
			return err
		}
		for _, name := range history {
			cmd.Println(name)
		}
	}
	return nil
}
