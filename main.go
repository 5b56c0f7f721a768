// Command countdemo runs the shared-counter race demonstration and the three
// slot counting strategies.
//
// Usage:
//
//	countdemo [flags] [race|sequential|mixed|parallel|all]
//
// "all" (the default) runs the race demonstration first and then each
// strategy in turn, waiting for every run to finish.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/marcodamonte/concurrency/countdemo/config"
	"github.com/marcodamonte/concurrency/countdemo/looper"
	"github.com/marcodamonte/concurrency/countdemo/racedemo"
	"github.com/marcodamonte/concurrency/countdemo/report"
	"github.com/marcodamonte/concurrency/countdemo/scheduler"
)

func main() {
	err := run(os.Args[1:])
	looper.Shutdown()
	if err != nil {
		fmt.Fprintln(os.Stderr, "countdemo:", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	reportPath string
	trials     int
	workers    int
	increments int
	target     int
	pause      time.Duration
	debug      bool
}

func run(args []string) error {
	fs := flag.NewFlagSet("countdemo", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.configPath, "config", "", "Path to YAML configuration file")
	fs.StringVar(&opts.reportPath, "report", "", "Write race trial reports to this .yaml or .msgpack file")
	fs.IntVar(&opts.trials, "trials", 0, "Race trials per mode (overrides config)")
	fs.IntVar(&opts.workers, "workers", 0, "Race workers per trial (overrides config)")
	fs.IntVar(&opts.increments, "increments", 0, "Increments per race worker (overrides config)")
	fs.IntVar(&opts.target, "target", 0, "Value every slot counts to (overrides config)")
	fs.DurationVar(&opts.pause, "pause", 0, "Pause between two steps of a slot (overrides config)")
	fs.BoolVar(&opts.debug, "debug", false, "Enable debug logging")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}

	command := "all"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	cfg, err := loadConfig(opts)
	if err != nil {
		return err
	}
	logger := cfg.Logger(os.Stderr)
	slog.SetDefault(logger)

	// Ctrl+C stops whatever is running at its next step.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch command {
	case "race":
		return runRace(ctx, cfg, opts.reportPath, logger)
	case "all":
		if err := runRace(ctx, cfg, opts.reportPath, logger); err != nil {
			return err
		}
		for _, strategy := range []scheduler.Strategy{scheduler.Sequential, scheduler.Mixed, scheduler.Parallel} {
			if err := runCounting(ctx, cfg, strategy, logger); err != nil {
				return err
			}
		}
		return nil
	default:
		strategy, err := scheduler.ParseStrategy(command)
		if err != nil {
			return fmt.Errorf("unknown command %q", command)
		}
		return runCounting(ctx, cfg, strategy, logger)
	}
}

func loadConfig(opts options) (*config.Config, error) {
	cfg := config.Default()
	if opts.configPath != "" {
		loaded, err := config.Load(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if opts.trials != 0 {
		cfg.Race.Trials = opts.trials
	}
	if opts.workers != 0 {
		cfg.Race.Workers = opts.workers
	}
	if opts.increments != 0 {
		cfg.Race.Increments = opts.increments
	}
	if opts.target != 0 {
		cfg.Counting.Target = opts.target
	}
	if opts.pause != 0 {
		cfg.Counting.Pause = config.Duration(opts.pause)
	}
	if opts.debug {
		cfg.Log.Level = "debug"
	}

	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runRace(ctx context.Context, cfg *config.Config, reportPath string, logger *slog.Logger) error {
	collector := &racedemo.Collector{Next: &racedemo.LogReporter{Logger: logger}}

	demo, err := racedemo.New(racedemo.Config{
		Trials:     cfg.Race.Trials,
		Workers:    cfg.Race.Workers,
		Increments: cfg.Race.Increments,
		Reporter:   collector,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	doc := report.NewDocument(cfg.Race.Workers, cfg.Race.Increments)
	if _, err := demo.RunRaceDemo(ctx); err != nil {
		return err
	}

	if reportPath == "" {
		return nil
	}
	doc.Trials = collector.Trials()
	doc.Goroutines = collector.Workers()
	return writeReport(reportPath, doc, logger)
}

func writeReport(path string, doc *report.Document, logger *slog.Logger) (err error) {
	format, err := report.FormatForPath(path)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		err = errors.Join(err, f.Close())
	}()

	if err := report.Encode(f, format, doc); err != nil {
		return err
	}
	logger.Info("countdemo: report written", "path", path, "format", string(format), "trials", len(doc.Trials))
	return nil
}

func runCounting(ctx context.Context, cfg *config.Config, strategy scheduler.Strategy, logger *slog.Logger) error {
	sched := scheduler.New(scheduler.Config{
		Target:          cfg.Counting.Target,
		Pause:           time.Duration(cfg.Counting.Pause),
		ShutdownTimeout: time.Duration(cfg.Counting.ShutdownTimeout),
		Logger:          logger,
	})
	defer func() {
		if err := sched.Close(); err != nil {
			logger.Warn("countdemo: scheduler close", "error", err)
		}
	}()

	if _, err := sched.Subscribe(newDisplay(os.Stdout, strategy)); err != nil {
		return err
	}

	run, err := sched.Start(ctx, strategy)
	if err != nil {
		return err
	}

	err = run.Wait(ctx)
	fmt.Fprintln(os.Stdout)
	if err != nil {
		return fmt.Errorf("%s run: %w", strategy, err)
	}
	logger.Info("countdemo: run finished",
		"run", run.ID.String(),
		"strategy", strategy.String(),
		"elapsed", time.Since(run.Started).Round(time.Millisecond))
	return nil
}
