package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// GlobalFlags holds persistent flags shared by every subcommand.
type GlobalFlags struct {
	ConfigPath string
	// API connection; when APIUrl is set, commands talk to a running host.
	APIUrl     string
	Token      string
	APITimeout time.Duration
}

// RunFlags holds flags for the run command
type RunFlags struct {
	Kiosk       bool
	PrintEvents bool
}

// CommandFlags holds flags for the command subcommand
type CommandFlags struct {
	Args []string
	JSON string
}

func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createRunCommand(globalFlags, &RunFlags{}),
		createConfigCommand(globalFlags),
		createStatusCommand(globalFlags),
		createCommandCommand(globalFlags, &CommandFlags{}),
		createEventsCommand(globalFlags),
		createHistoryCommand(globalFlags),
		createSysinfoCommand(),
	)
	return root
}

// createRootCommand creates the root command with persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "mpxlink",
		Short: "Host for the mpx-link audio-over-IP dashboard",
		Long: `mpxlink runs the dashboard host: it supervises the audio backend,
relays dashboard commands to it, persists settings and serves the web interface.

Examples:
  mpxlink run                                  # Start the host
  mpxlink run --kiosk --events                 # Full-screen session, print events
  mpxlink config set webPort 3100              # Edit settings while the host is stopped
  mpxlink command start_stream mode=sender --api-url=http://localhost:3000/api
  mpxlink events --api-url=http://kiosk.local:3000/api`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.APIUrl, "api-url", "", "web interface URL of a running host (e.g. http://localhost:3000/api)")
	root.PersistentFlags().StringVar(&flags.Token, "token", os.Getenv("MPX_WEB_TOKEN"), "bearer token for the web interface")
	root.PersistentFlags().DurationVar(&flags.APITimeout, "api-timeout", 10*time.Second, "web interface request timeout")

	return root
}
