package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	mpxlink "github.com/mdrincic-boop/mpx-link-pro"
)

func createRunCommand(globalFlags *GlobalFlags, runFlags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dashboard host",
		Long: `Start the dashboard host. The primary session opens immediately, the web
interface starts when enabled and the backend starts unless the autoStart
setting is false. The host stops on SIGINT/SIGTERM or when the session quits.

Examples:
  mpxlink run
  mpxlink run --config /etc/mpxlink.toml --kiosk`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHost(cmd, globalFlags, runFlags)
		},
	}
	cmd.Flags().BoolVar(&runFlags.Kiosk, "kiosk", false, "open the session full-screen without frame or menu")
	cmd.Flags().BoolVar(&runFlags.PrintEvents, "events", false, "print session events to stdout")
	return cmd
}

func runHost(cmd *cobra.Command, globalFlags *GlobalFlags, runFlags *RunFlags) error {
	cfg, err := mpxlink.LoadConfig(globalFlags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if runFlags.Kiosk {
		cfg.Window.Kiosk = true
	}

	opts := mpxlink.Options{Console: cmd.ErrOrStderr()}
	if runFlags.PrintEvents {
		out := cmd.OutOrStdout()
		opts.OnEvent = func(ev mpxlink.Event) { printEvent(out, ev) }
	}
	host, err := mpxlink.NewHost(cfg, opts)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return host.Run(ctx)
}

func printEvent(w io.Writer, ev mpxlink.Event) {
	label := string(ev.Kind)
	if ev.Name != "" {
		label += "/" + ev.Name
	}
	body := trimNewline(ev.Payload)
	if len(ev.Data) > 0 {
		body = string(ev.Data)
	}
	_, _ = fmt.Fprintf(w, "%6d %-20s %s\n", ev.Seq, label, body)
}
