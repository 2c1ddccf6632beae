package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/KafClaw/pushwatch/internal/config"
	"github.com/KafClaw/pushwatch/internal/platform"
	"github.com/KafClaw/pushwatch/internal/storage"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration, database and bridge status",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	printHeader(out, "📊 pushwatch Status")

	path := configPath
	if path == "" {
		p, err := config.ConfigPath()
		if err != nil {
			return err
		}
		path = p
	}
	_, statErr := os.Stat(path)
	printCheck(out, statErr == nil, "Config", path)

	cfg, err := loadConfig()
	if err != nil {
		printCheck(out, false, "Load", err.Error())
		return err
	}
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

	ctx, cancel := context.WithTimeout(commandContext(cmd), 15*time.Second)
	defer cancel()

	cfg.Database.ConnectAttempts = 1
	gw, err := storage.New(cfg.Database, storage.WithLogger(logger))
	if err != nil {
		printCheck(out, false, "Database", err.Error())
	} else {
		defer gw.Close()
		if err := gw.Connect(ctx); err != nil {
			printCheck(out, false, "Database", err.Error())
		} else {
			ok := gw.Ping(ctx)
			printCheck(out, ok, "Database", cfg.Database.Driver)
			st := gw.Stats()
			fmt.Fprintf(out, "  pool: open=%d in_use=%d idle=%d waits=%d queue=%d/%d\n",
				st.OpenConnections, st.InUse, st.Idle, st.WaitCount, st.QueueDepth, st.QueueCapacity)
		}
	}

	client, err := platform.NewBridgeClient(cfg.Platform.BridgeURL, cfg.Platform.Token, 10*time.Second)
	if err != nil {
		printCheck(out, false, "Bridge", err.Error())
	} else if ids, err := client.VisibleChannelIDs(ctx, 1); err != nil {
		printCheck(out, false, "Bridge", err.Error())
	} else {
		printCheck(out, true, "Bridge", fmt.Sprintf("%s (%d channel sampled)", cfg.Platform.BridgeURL, len(ids)))
	}

	fmt.Fprintf(out, "Source:      %s\n", cfg.Platform.Source)
	notifiers := "none"
	switch {
	case cfg.Notify.SlackChannel != "" && cfg.Notify.AdminPeer != "":
		notifiers = "slack, platform"
	case cfg.Notify.SlackChannel != "":
		notifiers = "slack"
	case cfg.Notify.AdminPeer != "":
		notifiers = "platform"
	}
	fmt.Fprintf(out, "Notifiers:   %s\n", notifiers)
	if cfg.Gateway.Enabled {
		fmt.Fprintf(out, "Metrics:     http://%s/metrics\n", cfg.Gateway.ListenAddr)
	}
	schedule := cfg.Scheduler.ReconcileEvery.String()
	if cfg.Scheduler.ReconcileCron != "" {
		schedule = cfg.Scheduler.ReconcileCron
	}
	fmt.Fprintf(out, "Reconcile:   %s\n", schedule)
	return nil
}
