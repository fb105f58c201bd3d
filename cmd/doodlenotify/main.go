package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/robfig/cron/v3"
	"github.com/urfave/cli/v2"

	"doodlenotify/internal/app"
	"doodlenotify/internal/config"
	"doodlenotify/internal/ics"
	appLog "doodlenotify/internal/log"
	"doodlenotify/internal/notify"
	"doodlenotify/internal/render"
	"doodlenotify/internal/send"
	"doodlenotify/internal/store"
)

var version = "0.1.0-dev"

func main() {
	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	cliApp := &cli.App{
		Name:    "doodlenotify",
		Usage:   "Announce confirmed Doodle events from an ICS feed to a chat channel.",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "/etc/doodlenotify/config.yaml",
				Usage:   "Path to config file",
				EnvVars: []string{"DOODLENOTIFY_CONFIG"},
			},
			&cli.BoolFlag{Name: "dry-run", Usage: "Render messages to stdout instead of delivering them"},
			&cli.BoolFlag{Name: "debug", Usage: "Flush the feed cache before each run (implies --dry-run)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (overrides config)"},
		},
		Action: runAction,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run one notification pass and exit (default).",
				Action: runAction,
			},
			watchCommand(),
			stateCommand(),
			checkConfigCommand(),
		},
	}

	if err := cliApp.RunContext(ctx, os.Args); err != nil {
		appLog.Error("doodlenotify failed", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if c.Bool("dry-run") {
		cfg.DryRun = true
	}
	if c.Bool("debug") {
		cfg.Debug = true
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.LogLevel = lvl
	}
	cfg.Normalize()
	appLog.SetLevel(appLog.ParseLevel(cfg.LogLevel))

	appLog.Debug("effective config",
		"config_path", path,
		"store", cfg.Store.Driver,
		"interval_days", cfg.IntervalDays,
		"cache_timeout", cfg.CacheTimeout,
		"refresh", cfg.RefreshCron,
		"keep_started", cfg.KeepStarted,
		"dry_run", cfg.DryRun,
		"debug", cfg.Debug,
	)
	return cfg, nil
}

// buildApp opens the store and assembles the pipeline. The returned close
// function releases the store.
func buildApp(ctx context.Context, cfg *config.Config) (*app.App, func(), error) {
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	rd, err := render.NewFromFile(cfg.Template)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
	}

	snd, err := send.FromConfig(cfg, os.Stdout)
	if err != nil {
		return nil, nil, err
	}

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return nil, nil, err
	}

	reader := ics.NewReader(cfg.CalendarFeed, cfg.CacheDir, cfg.IntervalDays)
	a := app.New(cfg, reader, st, rd, snd)
	return a, func() {
		if err := st.Close(); err != nil {
			appLog.Warn("closing store failed", "err", err)
		}
	}, nil
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	a, closeFn, err := buildApp(c.Context, cfg)
	if err != nil {
		return err
	}
	defer closeFn()

	_, err = a.Run(c.Context)
	return err
}

func watchCommand() *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Run notification passes on the configured cron schedule until interrupted.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			a, closeFn, err := buildApp(c.Context, cfg)
			if err != nil {
				return err
			}
			defer closeFn()

			logger := cronLogger{}
			sched := cron.New(cron.WithLogger(logger), cron.WithChain(
				cron.Recover(logger),
				cron.SkipIfStillRunning(logger),
			))
			_, err = sched.AddFunc(cfg.RefreshCron, func() {
				if _, err := a.Run(c.Context); err != nil {
					appLog.Error("scheduled run failed", err)
				}
			})
			if err != nil {
				return fmt.Errorf("%w: refresh %q: %w", config.ErrInvalidConfig, cfg.RefreshCron, err)
			}

			appLog.Info("doodlenotify watching", "version", version, "refresh", cfg.RefreshCron)

			// First pass immediately; the schedule takes over afterwards.
			if _, err := a.Run(c.Context); err != nil {
				appLog.Error("initial run failed", err)
			}

			sched.Start()
			<-c.Context.Done()

			// Wait for a running pass to finish before closing the store.
			<-sched.Stop().Done()
			appLog.Info("doodlenotify exiting")
			return nil
		},
	}
}

func stateCommand() *cli.Command {
	return &cli.Command{
		Name:  "state",
		Usage: "Inspect or reset recorded notification stages.",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List every event with a recorded stage.",
				Action: func(c *cli.Context) error {
					return withStore(c, func(st store.Store) error {
						keys, err := st.Keys(c.Context, notify.KeyPrefix)
						if err != nil {
							return err
						}
						for _, k := range keys {
							stage, err := st.Get(c.Context, k)
							if errors.Is(err, store.ErrNotFound) {
								continue
							}
							if err != nil {
								return err
							}
							fmt.Fprintf(c.App.Writer, "%s\t%s\n", strings.TrimPrefix(k, notify.KeyPrefix), stage)
						}
						return nil
					})
				},
			},
			{
				Name:      "reset",
				Usage:     "Forget the stage of one event so it is announced again.",
				ArgsUsage: "<event id>",
				Action: func(c *cli.Context) error {
					if c.NArg() != 1 {
						return cli.Exit("reset needs exactly one event id (see 'state list')", 1)
					}
					key := c.Args().First()
					if !strings.HasPrefix(key, notify.KeyPrefix) {
						key = notify.KeyPrefix + key
					}
					return withStore(c, func(st store.Store) error {
						ok, err := st.Exists(c.Context, key)
						if err != nil {
							return err
						}
						if !ok {
							return fmt.Errorf("%w: %s", store.ErrNotFound, key)
						}
						if err := st.Delete(c.Context, key); err != nil {
							return err
						}
						appLog.Info("stage reset", "key", key)
						return nil
					})
				},
			},
		},
	}
}

func withStore(c *cli.Context, fn func(store.Store) error) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	st, err := store.Open(c.Context, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func checkConfigCommand() *cli.Command {
	return &cli.Command{
		Name:  "check-config",
		Usage: "Validate the config file and exit.",
		Action: func(c *cli.Context) error {
			cfg, err := loadConfig(c)
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if _, err := cron.ParseStandard(cfg.RefreshCron); err != nil {
				return fmt.Errorf("%w: refresh %q: %w", config.ErrInvalidConfig, cfg.RefreshCron, err)
			}
			if _, err := render.NewFromFile(cfg.Template); err != nil {
				return fmt.Errorf("%w: %w", config.ErrInvalidConfig, err)
			}
			fmt.Fprintln(c.App.Writer, "config ok")
			return nil
		},
	}
}

// cronLogger routes scheduler messages through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
