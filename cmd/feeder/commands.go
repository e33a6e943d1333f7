package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"petfeeder/internal/app"
	"petfeeder/internal/config"
)

// withApp opens the app for a one-shot command and always releases it.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	a, err := openApp(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	runErr := fn(ctx, a)
	if err := a.Stop(context.Background(), app.StopCommand); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func ownerFlag(cmd *cobra.Command) (string, error) {
	owner, _ := cmd.Flags().GetString("owner")
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return "", errors.New("--owner is required")
	}
	return owner, nil
}

func tickCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tick",
		Short: "Evaluate one owner's schedules now and dispatch what is due",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ctx, cancel := context.WithTimeout(ctx, a.Settings().TickTimeout)
				defer cancel()
				rep, err := a.Coordinator().RunTick(ctx, owner)
				renderTick(cmd.OutOrStdout(), rep)
				return err
			})
		},
	}
	cmd.Flags().StringP("owner", "o", "", "owner id")
	return cmd
}

func feedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "feed",
		Short: "Dispense a portion right now (manual trigger)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			portion, _ := cmd.Flags().GetFloat64("portion")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				ev, err := a.Coordinator().DispatchManual(ctx, owner, portion)
				if ev.ID != "" {
					renderEvent(cmd.OutOrStdout(), ev)
				}
				return err
			})
		},
	}
	cmd.Flags().StringP("owner", "o", "", "owner id")
	cmd.Flags().Float64P("portion", "p", 1, "portion to dispense")
	return cmd
}

func foodLevelCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "food-level",
		Short: "Query the remaining food in an owner's feeder",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			owner, err := ownerFlag(cmd)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				dev, err := a.Devices().For(owner)
				if err != nil {
					return err
				}
				level, err := dev.FoodLevel(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %.0f%%\n", owner, level)
				return nil
			})
		},
	}
	cmd.Flags().StringP("owner", "o", "", "owner id")
	return cmd
}

func checkConfigCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and print the effective engine settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.NewConfigManager(path).Load()
			if err != nil {
				return err
			}
			es, err := cfg.Engine.Settings()
			if err != nil {
				return err
			}
			renderSettings(cmd.OutOrStdout(), cfg, es)
			return nil
		},
	}
}
