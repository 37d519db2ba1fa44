// Command identity-sweeper periodically clears provider tokens that have
// expired and purges stale authorization states.
//
// It reads the same OAUTH_IDENTITY_* environment as the library, optionally
// from a .env file in the working directory. Pass -once to run a single
// sweep and exit.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	identity "github.com/giantswarm/oauth-identity"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	interval := flag.Duration("interval", 0, "sweep interval (default: OAUTH_IDENTITY_SWEEP_INTERVAL or 1h)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	// .env is optional
	_ = godotenv.Load()

	if err := run(logger, *once, *interval); err != nil {
		logger.Error("Sweeper failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger, once bool, interval time.Duration) error {
	cfg, err := identity.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	cfg.Logger = logger

	mgr, err := identity.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := mgr.Close(); err != nil {
			logger.Warn("Failed to close identity manager", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if once {
		accounts, states, err := mgr.SweepOnce(ctx)
		if err != nil {
			return err
		}
		logger.Info("Sweep complete", "accounts_cleared", accounts, "states_removed", states)
		return nil
	}

	if interval <= 0 {
		interval = mgr.Config.SweepInterval
	}
	mgr.StartSweeper(ctx, interval)
	logger.Info("Sweeper started", "interval", interval)

	<-ctx.Done()
	logger.Info("Shutting down sweeper")
	mgr.Stop()
	return nil
}
