package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/blueberrycongee/clinigate/internal/config"
	"github.com/blueberrycongee/clinigate/internal/monitor"
	"github.com/blueberrycongee/clinigate/internal/observability"
)

// The operator commands act on the shared store directly. They are only meaningful
// with the redis, sqlite or postgres backends.

func withApp(cmd *cobra.Command, configPath string, fn func(ctx context.Context, a *app) (any, error)) error {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.Store.Type == "" || cfg.Store.Type == "memory" {
		fmt.Fprintln(cmd.ErrOrStderr(), "warning: memory store is process-local; results reflect this process only")
	}

	logCfg := cfg.Logging
	logCfg.Level = "warn"
	logger := observability.NewLogger(logCfg, cmd.ErrOrStderr())

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := buildApp(ctx, cfg, appOptions{logger: logger})
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	out, err := fn(ctx, a)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDashboardCmd(configPath *string) *cobra.Command {
	var period string

	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Show the governance dashboard or one metrics period",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) (any, error) {
				if period == "" {
					return a.gateway.Dashboard(ctx)
				}
				p, err := monitor.ParsePeriod(period)
				if err != nil {
					return nil, err
				}
				return a.gateway.Metrics(ctx, p)
			})
		},
	}
	cmd.Flags().StringVarP(&period, "period", "p", "", "metrics period (minute, hour, day); empty shows the dashboard")
	return cmd
}

func newAlertsCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List recent alerts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) (any, error) {
				return a.gateway.Alerts(ctx, limit)
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum alerts to show (0 shows all retained)")
	return cmd
}

func newInvalidateCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invalidate",
		Short: "Invalidate cached responses",
	}

	patientCmd := &cobra.Command{
		Use:   "patient <patient-id>",
		Short: "Invalidate every cached response for a patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) (any, error) {
				inv, err := a.gateway.InvalidatePatient(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"scope": "patient", "id": args[0], "count": inv.Count, "mode": inv.Mode}, nil
			})
		},
	}

	taskCmd := &cobra.Command{
		Use:   "task <task>",
		Short: "Invalidate every cached response for a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) (any, error) {
				inv, err := a.gateway.InvalidateTask(ctx, args[0])
				if err != nil {
					return nil, err
				}
				return map[string]any{"scope": "task", "id": args[0], "count": inv.Count, "mode": inv.Mode}, nil
			})
		},
	}

	cmd.AddCommand(patientCmd, taskCmd)
	return cmd
}

func newCacheCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the response cache",
	}

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every cached response",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) (any, error) {
				ok, err := a.gateway.ClearCache(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]bool{"cleared": ok}, nil
			})
		},
	}

	cmd.AddCommand(clearCmd)
	return cmd
}

func newRemainingCmd(configPath *string) *cobra.Command {
	var task, userID, role string

	cmd := &cobra.Command{
		Use:   "remaining",
		Short: "Show remaining admission capacity for a user and task",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) (any, error) {
				return a.gateway.Remaining(ctx, task, userID, role)
			})
		},
	}
	cmd.Flags().StringVarP(&task, "task", "t", "", "task name")
	cmd.Flags().StringVarP(&userID, "user", "u", "", "user id")
	cmd.Flags().StringVarP(&role, "role", "r", "", "user role")
	_ = cmd.MarkFlagRequired("task")
	return cmd
}

func newStatsCmd(configPath *string) *cobra.Command {
	var day string

	cmd := &cobra.Command{
		Use:   "stats <task>",
		Short: "Show a task's daily success and failure counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if day != "" {
				d, err := time.Parse("2006-01-02", day)
				if err != nil {
					return fmt.Errorf("invalid --day %q: want YYYY-MM-DD", day)
				}
				when = d.Add(12 * time.Hour)
			}
			return withApp(cmd, *configPath, func(ctx context.Context, a *app) (any, error) {
				return a.gateway.TaskStats(ctx, args[0], when)
			})
		},
	}
	cmd.Flags().StringVarP(&day, "day", "d", "", "day as YYYY-MM-DD (default today)")
	return cmd
}
