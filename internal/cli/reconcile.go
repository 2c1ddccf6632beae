package cli

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/KafClaw/pushwatch/internal/bus"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and print its report",
	RunE:  runReconcile,
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// A one-shot run reads no events.
	cfg.Platform.Source = "none"
	logger := newLogger(cmd.ErrOrStderr(), cfg.Log)

	app, err := NewApp(cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := commandContext(cmd)
	if err := app.Start(ctx); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printHeader(out, "🔁 Reconciliation")
	report, err := app.ReconcileOnce(ctx)
	if err != nil {
		return err
	}
	printReport(out, report)
	return nil
}

func printReport(w io.Writer, r *bus.ReportNotice) {
	fmt.Fprintf(w, "Run:        %s\n", r.RunID)
	fmt.Fprintf(w, "Duration:   %s\n", r.Duration)
	if r.NoRows {
		fmt.Fprintln(w, color.YellowString("No detected placements to reconcile."))
		return
	}
	fmt.Fprintf(w, "Total:      %d\n", r.Total)
	fmt.Fprintf(w, "Updated:    %s\n", color.GreenString("%d", r.Updated))
	fmt.Fprintf(w, "Errors:     %d\n", r.Errors)
	fmt.Fprintf(w, "Deferred:   %d\n", r.Deferred)
	fmt.Fprintf(w, "Skipped:    %d\n", r.Skipped)
	if len(r.NotMember) == 0 {
		return
	}
	fmt.Fprintln(w, color.RedString("Not a member of:"))
	for _, ch := range r.NotMember {
		label := ch.ChannelID
		if ch.Handle != "" {
			label = "@" + ch.Handle + " (" + ch.ChannelID + ")"
		}
		fmt.Fprintf(w, "  %s: %d placement(s)\n", label, len(ch.Placements))
	}
	if r.NotMemberOmitted > 0 {
		fmt.Fprintf(w, "  ... and %d more channel(s)\n", r.NotMemberOmitted)
	}
}
