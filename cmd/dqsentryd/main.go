// Command dqsentryd runs the data-quality monitoring agent: it loads a
// TOML config, opens the state ledger and one database/sql handle per
// source, and drives the scheduler until interrupted.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/thobiasn/dqsentry/internal/agent"
	"github.com/thobiasn/dqsentry/internal/config"
	"github.com/thobiasn/dqsentry/internal/core"
	"github.com/thobiasn/dqsentry/internal/scheduler"
)

// driverFor maps a source's configured `type` to the database/sql driver
// registered for it. Dialect adapters are deliberately not this binary's
// job; "sqlite" is wired here only because modernc.org/sqlite is already a
// dependency and it is what the agent's own test fixtures use as a
// stand-in driver. Other dialects are an operator concern: build a
// dqsentryd variant that blank-imports the driver it needs and adds an
// entry here.
var driverFor = map[string]string{
	"sqlite": "sqlite",
}

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "/etc/dqsentry/dqsentry.toml", "path to config file")
	dryRun := flag.Bool("dry-run", false, "compute decisions and payloads but never invoke the delivery client or mutate alert state")
	once := flag.Bool("once", false, "run a single check per source and exit, instead of starting the scheduler")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		return 1
	}

	a, err := agent.New(cfg, driverFor)
	if err != nil {
		slog.Error("failed to create agent", "error", err)
		return 1
	}
	defer func() {
		if err := a.Close(); err != nil {
			slog.Error("error closing agent", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var checker scheduler.Checker = a
	if *dryRun {
		checker = agent.DryRunChecker{Agent: a}
	}

	sched := scheduler.New(checker, a.Schedules())

	var worst core.Status
	if *once || *dryRun {
		worst = sched.RunOnce(ctx, time.Now().UTC())
	} else {
		slog.Info("dqsentry starting", "sources", len(cfg.Sources), "targets", len(cfg.Targets))
		worst = sched.Run(ctx)
		slog.Info("dqsentry stopped")
	}

	return exitCodeFor(worst)
}

// exitCodeFor maps the worst Status observed across all sources to the
// process exit code: 0 all OK, 2 at least one WARNING or ANOMALY. Code 1
// is reserved for runtime/config errors, handled above before the
// scheduler ever runs.
func exitCodeFor(worst core.Status) int {
	if worst == core.StatusWarning || worst == core.StatusAnomaly {
		return 2
	}
	return 0
}
