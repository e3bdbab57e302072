// Command auditctl is the operator tool for the audit log: retention cleanup,
// statistics, schema migrations and development tokens.
package main

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"agencydash.app/internal/audit"
	"agencydash.app/internal/config"
	"agencydash.app/internal/dal"
	"agencydash.app/internal/obs"
	"agencydash.app/internal/store/pg"
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:           "auditctl",
	Short:         "Operate the agency dashboard audit log",
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		obs.InitLogger(obs.LogConfig{Level: "info", Format: "console", Output: cmd.ErrOrStderr()})
	},
}

// backend is what the audit commands operate on.
type backend struct {
	store audit.Store
	layer *dal.Layer
	close func() error
}

// openBackend is replaced in tests.
var openBackend = func(cfg *config.Config) (*backend, error) {
	if cfg.Database.DSN == "" {
		return nil, errors.New("database.dsn is required")
	}
	st, err := pg.Open(cfg.Database.DSN, pg.PoolConfig{MaxOpenConns: 2, MaxIdleConns: 1})
	if err != nil {
		return nil, err
	}
	auditStore := st.AuditStore()
	layer, err := dal.New(st.Executor(), audit.NewRecorder(auditStore, audit.RecorderConfig{
		WriteTimeout: cfg.Audit.WriteTimeout,
	}))
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	return &backend{store: auditStore, layer: layer, close: st.Close}, nil
}

// operator names the actor recorded on audit rows written by this tool.
func operator() string {
	if u := os.Getenv("USER"); u != "" {
		return "operator:" + u
	}
	return "operator:auditctl"
}

func commandContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(cmd.Context(), 5*time.Minute)
}

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		obs.Logger().Warn().Err(err).Msg("dotenv_load_failed")
	}
	if err := rootCmd.Execute(); err != nil {
		rootCmd.PrintErrln("Error:", err)
		os.Exit(1)
	}
}
