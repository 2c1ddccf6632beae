// Package cli implements the pushwatch command line.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/KafClaw/pushwatch/internal/cli.version=1.2.3"
	version = "0.4.0"
	logo    = "\n" +
		"                  _                     _       _\n" +
		"  _ __  _   _ ___| |____      ____ _| |_ ___| |__\n" +
		" | '_ \\| | | / __| '_ \\ \\ /\\ / / _` | __/ __| '_ \\\n" +
		" | |_) | |_| \\__ \\ | | \\ V  V / (_| | || (__| | | |\n" +
		" | .__/ \\__,_|___/_| |_|\\_/\\_/ \\__,_|\\__\\___|_| |_|\n" +
		" |_|\n"
)

// configPath is the --config flag. Empty means config.Load's default path.
var configPath string

var rootCmd = &cobra.Command{
	Use:   "pushwatch",
	Short: "pushwatch - ad placement tracker for channel networks",
	Long: color.CyanString(logo) + "\nDetects forwarded ad placements in tracked channels, records removals " +
		"and keeps engagement history up to date.",
	SilenceUsage: true,
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ~/.pushwatch/config.json)")
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(runCmd)
}
