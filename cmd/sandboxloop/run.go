package main

import (
	"fmt"
	"time"

	"github.com/joeycumines/go-sandboxloop"
	"github.com/spf13/cobra"
)

func newRunCommand() *cobra.Command {
	var (
		flags      = defaultConfig()
		configPath string
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a loop with a repeating timer, then print its stats",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := flags
			if configPath != "" {
				cfg = defaultConfig()
				if err := loadConfig(configPath, &cfg); err != nil {
					return err
				}
				cfg = mergeFlags(cmd, flags, cfg)
			}
			return runLoop(cmd, cfg)
		},
	}
	backendFlag(cmd, &flags.Backend)
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file, overridden by flags")
	cmd.Flags().StringVar(&flags.LogLevel, "log-level", flags.LogLevel, "log level, e.g. debug, info, warning")
	cmd.Flags().DurationVar(&flags.Duration, "duration", flags.Duration, "how long to run")
	cmd.Flags().DurationVar(&flags.Tick, "tick", flags.Tick, "timer interval")
	cmd.Flags().DurationVar(&flags.PollInterval, "poll-interval", flags.PollInterval, "upper bound on a poll that cannot be woken")
	return cmd
}

func runLoop(cmd *cobra.Command, cfg cliConfig) error {
	level, ok := sandboxloop.ParseLogLevel(cfg.LogLevel)
	if !ok {
		return fmt.Errorf("unknown log level %q", cfg.LogLevel)
	}
	if cfg.Tick <= 0 {
		return fmt.Errorf("tick must be positive, got %s", cfg.Tick)
	}
	backend, err := newBackend(cfg.Backend)
	if err != nil {
		return err
	}

	loop, err := sandboxloop.New(
		sandboxloop.WithBackend(backend),
		sandboxloop.WithLogger(sandboxloop.NewLogger(cmd.ErrOrStderr(), level)),
		sandboxloop.WithPollInterval(cfg.PollInterval),
	)
	if err != nil {
		return err
	}

	var (
		ticks   int
		lateMax time.Duration
		tick    func()
		due     = time.Now().Add(cfg.Tick)
	)
	tick = func() {
		ticks++
		lateMax = max(lateMax, loop.Now().Sub(due))
		due = due.Add(cfg.Tick)
		_, _ = loop.ScheduleTimer(time.Until(due), tick)
	}
	if _, err := loop.ScheduleTimer(cfg.Tick, tick); err != nil {
		return err
	}
	if _, err := loop.ScheduleTimer(cfg.Duration, func() { _ = loop.Close() }); err != nil {
		return err
	}

	start := time.Now()
	if err := loop.Run(cmd.Context()); err != nil {
		return err
	}
	elapsed := time.Since(start)

	stats := loop.Stats()
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "backend:      %s\n", loop.BackendName())
	_, _ = fmt.Fprintf(out, "elapsed:      %s\n", elapsed.Round(time.Millisecond))
	_, _ = fmt.Fprintf(out, "timer ticks:  %d\n", ticks)
	_, _ = fmt.Fprintf(out, "max lateness: %s\n", lateMax.Round(time.Microsecond))
	_, _ = fmt.Fprintf(out, "loop ticks:   %d\n", stats.Ticks)
	_, _ = fmt.Fprintf(out, "polls:        %d (%s)\n", stats.Polls, stats.PollTime.Round(time.Millisecond))
	_, _ = fmt.Fprintf(out, "panics:       %d\n", stats.Panics)
	return nil
}
