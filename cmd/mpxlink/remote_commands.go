package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/mdrincic-boop/mpx-link-pro/internal/window"
	"github.com/mdrincic-boop/mpx-link-pro/pkg/client"
)

func newClient(globalFlags *GlobalFlags) *client.Client {
	cfg := client.DefaultConfig()
	if globalFlags.APIUrl != "" {
		cfg.BaseURL = globalFlags.APIUrl
	}
	cfg.Token = globalFlags.Token
	cfg.Timeout = globalFlags.APITimeout
	return client.New(cfg)
}

func createStatusCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show backend state of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := newClient(globalFlags).Status(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		},
	}
}

func createCommandCommand(globalFlags *GlobalFlags, commandFlags *CommandFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "command <name> [key=value ...]",
		Short: "Send a dashboard command to the backend of a running host",
		Long: `Send a dashboard command. Arguments are key=value pairs whose values are
parsed as JSON when possible, or a JSON object given with --json.

Examples:
  mpxlink command get_devices
  mpxlink command start_stream mode=sender channelMode=stereo
  mpxlink command configure_network --json '{"method":"dhcp","interface":"eth0"}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmdArgs, err := parseArgs(args[1:])
			if err != nil {
				return err
			}
			if commandFlags.JSON != "" {
				if err := json.Unmarshal([]byte(commandFlags.JSON), &cmdArgs); err != nil {
					return fmt.Errorf("invalid --json: %w", err)
				}
			}
			ack, err := newClient(globalFlags).Issue(cmd.Context(), args[0], cmdArgs)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), ack)
		},
	}
	cmd.Flags().StringVar(&commandFlags.JSON, "json", "", "command arguments as a JSON object")
	return cmd
}

func createEventsCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Follow the event stream of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			out := cmd.OutOrStdout()
			return newClient(globalFlags).Events(ctx, func(ev client.Event) bool {
				label := ev.Kind
				if ev.Name != "" {
					label += "/" + ev.Name
				}
				body := ev.Payload
				if len(ev.Data) > 0 {
					body = string(ev.Data)
				}
				_, _ = fmt.Fprintf(out, "%6d %-20s %s\n", ev.Seq, label, trimNewline(body))
				return true
			})
		},
	}
}

func createHistoryCommand(globalFlags *GlobalFlags) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent backend runs of a running host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			runs, err := newClient(globalFlags).History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), runs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	return cmd
}

func createSysinfoCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "sysinfo",
		Short: "Print platform, CPU and memory information of this machine",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return printJSON(cmd.OutOrStdout(), window.SystemSnapshot(cmd.Context()))
		},
	}
}
