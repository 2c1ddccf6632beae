package cli

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/pushwatch/internal/storage"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the database schema",
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)
	if err := ensureStateDirs(cfg); err != nil {
		return err
	}

	gw, err := storage.New(cfg.Database, storage.WithLogger(logger))
	if err != nil {
		return err
	}
	defer gw.Close()

	ctx := commandContext(cmd)
	if err := gw.Connect(ctx); err != nil {
		return err
	}
	if err := gw.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s schema up to date (%s)\n", color.GreenString("✓"), gw.Dialect())
	return nil
}
