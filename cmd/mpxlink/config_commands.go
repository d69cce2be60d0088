package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	mpxlink "github.com/mdrincic-boop/mpx-link-pro"
	"github.com/mdrincic-boop/mpx-link-pro/internal/configstore"
	"github.com/mdrincic-boop/mpx-link-pro/pkg/client"
)

// settings is the subset of operations the config commands need; it is
// served by the local store or by a running host's web interface.
type settings interface {
	list(ctx context.Context, defaults bool) (map[string]any, error)
	get(ctx context.Context, key string) (any, bool, error)
	set(ctx context.Context, key string, value any) error
	remove(ctx context.Context, key string) error
	close() error
}

type localSettings struct{ store mpxlink.Store }

func (l localSettings) list(ctx context.Context, defaults bool) (map[string]any, error) {
	if defaults {
		return configstore.Resolve(ctx, l.store)
	}
	return l.store.GetAll(ctx)
}
func (l localSettings) get(ctx context.Context, key string) (any, bool, error) {
	return l.store.Get(ctx, key)
}
func (l localSettings) set(ctx context.Context, key string, v any) error {
	return l.store.Set(ctx, key, v)
}
func (l localSettings) remove(ctx context.Context, key string) error {
	return l.store.Delete(ctx, key)
}
func (l localSettings) close() error { return l.store.Close() }

type remoteSettings struct{ c *client.Client }

func (r remoteSettings) list(ctx context.Context, defaults bool) (map[string]any, error) {
	return r.c.Config(ctx, defaults)
}
func (r remoteSettings) get(ctx context.Context, key string) (any, bool, error) {
	v, err := r.c.GetConfig(ctx, key)
	if errors.Is(err, client.ErrNotFound) {
		return nil, false, nil
	}
	return v, err == nil, err
}
func (r remoteSettings) set(ctx context.Context, key string, v any) error {
	return r.c.SetConfig(ctx, key, v)
}
func (r remoteSettings) remove(ctx context.Context, key string) error {
	return r.c.DeleteConfig(ctx, key)
}
func (r remoteSettings) close() error { return nil }

// openSettings uses the running host when --api-url is given and the
// local store otherwise. The local store is locked while a host runs.
func openSettings(globalFlags *GlobalFlags) (settings, error) {
	if globalFlags.APIUrl != "" {
		return remoteSettings{c: newClient(globalFlags)}, nil
	}
	cfg, err := mpxlink.LoadConfig(globalFlags.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("error loading config: %w", err)
	}
	store, err := mpxlink.OpenStore(cfg)
	if errors.Is(err, configstore.ErrLocked) {
		return nil, fmt.Errorf("%w; use --api-url to edit the settings of a running host", err)
	}
	if err != nil {
		return nil, err
	}
	return localSettings{store: store}, nil
}

func withSettings(globalFlags *GlobalFlags, fn func(settings) error) error {
	s, err := openSettings(globalFlags)
	if err != nil {
		return err
	}
	defer func() { _ = s.close() }()
	return fn(s)
}

func createConfigCommand(globalFlags *GlobalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and edit persisted dashboard settings",
	}
	cmd.AddCommand(
		createConfigListCommand(globalFlags),
		createConfigGetCommand(globalFlags),
		createConfigSetCommand(globalFlags),
		createConfigDeleteCommand(globalFlags),
	)
	return cmd
}

func createConfigListCommand(globalFlags *GlobalFlags) *cobra.Command {
	var defaults bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Print all stored settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(globalFlags, func(s settings) error {
				all, err := s.list(cmd.Context(), defaults)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), all)
			})
		},
	}
	cmd.Flags().BoolVar(&defaults, "defaults", false, "include built-in defaults for unset keys")
	return cmd
}

func createConfigGetCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Print one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(globalFlags, func(s settings) error {
				v, ok, err := s.get(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("setting %q is not set", args[0])
				}
				return printJSON(cmd.OutOrStdout(), v)
			})
		},
	}
}

func createConfigSetCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Persist one setting; the value is parsed as JSON when possible",
		Example: `  mpxlink config set kioskMode true
  mpxlink config set supabaseUrl https://example.supabase.co`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(globalFlags, func(s settings) error {
				return s.set(cmd.Context(), args[0], parseValue(args[1]))
			})
		},
	}
}

func createConfigDeleteCommand(globalFlags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Remove one setting",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSettings(globalFlags, func(s settings) error {
				return s.remove(cmd.Context(), args[0])
			})
		},
	}
}
