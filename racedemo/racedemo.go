// Package racedemo runs the shared-counter experiment: several goroutines
// increment one counter.Counter, once without a guard and once with it,
// across repeated trials.
//
// With Unguarded the final count is usually below Workers*Increments (lost
// updates). With Guarded it is always exactly Workers*Increments. A short
// unguarded count is the expected outcome, not an error.
package racedemo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/marcodamonte/concurrency/countdemo/counter"
	"github.com/marcodamonte/concurrency/countdemo/goid"
)

// Mode selects which increment the workers call.
type Mode int

const (
	Unguarded Mode = iota
	Guarded
)

func (m Mode) String() string {
	switch m {
	case Unguarded:
		return "unguarded"
	case Guarded:
		return "guarded"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// ParseMode is the inverse of Mode.String.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "unguarded":
		return Unguarded, nil
	case "guarded":
		return Guarded, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// MarshalText encodes the mode by name in reports.
func (m Mode) MarshalText() ([]byte, error) {
	if m != Unguarded && m != Guarded {
		return nil, fmt.Errorf("unknown mode %d", int(m))
	}
	return []byte(m.String()), nil
}

// UnmarshalText decodes a mode name.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}

// Reference defaults.
const (
	DefaultTrials     = 10
	DefaultWorkers    = 3
	DefaultIncrements = 100_000
)

// Config holds the experiment parameters.
type Config struct {
	Trials     int // trials per mode
	Workers    int // concurrent goroutines per trial
	Increments int // increments per worker

	// Reporter receives trial and worker lines. If nil, a LogReporter over
	// Logger is used.
	Reporter Reporter

	// Logger is used for structured output. If nil, slog.Default() is used.
	Logger *slog.Logger
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Trials == 0 {
		out.Trials = DefaultTrials
	}
	if out.Workers == 0 {
		out.Workers = DefaultWorkers
	}
	if out.Increments == 0 {
		out.Increments = DefaultIncrements
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Reporter == nil {
		out.Reporter = &LogReporter{Logger: out.Logger}
	}
	return out
}

func (c *Config) validate() error {
	var errs []error
	for _, f := range []struct {
		name string
		v    int
	}{
		{"trials", c.Trials},
		{"workers", c.Workers},
		{"increments", c.Increments},
	} {
		if f.v < 1 {
			errs = append(errs, fmt.Errorf("%s = %d, must be >= 1: %w", f.name, f.v, ErrInvalidConfig))
		}
	}
	return errors.Join(errs...)
}

// ErrInvalidConfig is wrapped when a zero-defaulted field is still below 1.
var ErrInvalidConfig = errors.New("invalid race demo config")

// Demonstrator owns the shared counter for the duration of its trials.
type Demonstrator struct {
	cfg     Config
	counter counter.Counter
}

// New validates cfg and returns a Demonstrator. Zero fields take the
// reference defaults.
func New(cfg Config) (*Demonstrator, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Demonstrator{cfg: cfg}, nil
}

// Expected returns Workers*Increments, the count every trial would reach
// without lost updates.
func (d *Demonstrator) Expected() int64 {
	return int64(d.cfg.Workers) * int64(d.cfg.Increments)
}

// RunTrials runs Trials trials in the given mode and returns one report per
// trial, in order. ctx is checked between trials only: a started trial
// always joins all of its workers.
func (d *Demonstrator) RunTrials(ctx context.Context, mode Mode) ([]TrialReport, error) {
	inc, err := d.incrementFor(mode)
	if err != nil {
		return nil, err
	}

	reports := make([]TrialReport, 0, d.cfg.Trials)
	for trial := 0; trial < d.cfg.Trials; trial++ {
		if err := ctx.Err(); err != nil {
			return reports, fmt.Errorf("race demo stopped before %s trial %d: %w", mode, trial, err)
		}

		r := d.runTrial(trial, mode, inc)
		d.cfg.Reporter.ReportTrial(r)
		reports = append(reports, r)
	}
	return reports, nil
}

// Result holds both halves of RunRaceDemo.
type Result struct {
	Unguarded []TrialReport
	Guarded   []TrialReport
}

// RunRaceDemo runs the unguarded trials and then the guarded trials. It
// returns once every trial of both modes is complete.
func (d *Demonstrator) RunRaceDemo(ctx context.Context) (Result, error) {
	d.cfg.Logger.Info("racedemo: starting",
		"cpus", runtime.NumCPU(),
		"gomaxprocs", runtime.GOMAXPROCS(0),
		"trials", d.cfg.Trials,
		"workers", d.cfg.Workers,
		"increments", d.cfg.Increments)

	var (
		res Result
		err error
	)
	if res.Unguarded, err = d.RunTrials(ctx, Unguarded); err != nil {
		return res, err
	}
	if res.Guarded, err = d.RunTrials(ctx, Guarded); err != nil {
		return res, err
	}

	d.cfg.Logger.Info("racedemo: finished",
		"unguarded_short_trials", countShort(res.Unguarded),
		"guarded_short_trials", countShort(res.Guarded))
	return res, nil
}

// runTrial resets the counter, fans out the workers and joins them before
// the single read of the final value.
func (d *Demonstrator) runTrial(trial int, mode Mode, inc func()) TrialReport {
	d.counter.Reset()

	var g errgroup.Group
	for w := 0; w < d.cfg.Workers; w++ {
		w := w
		g.Go(func() error {
			for j := 0; j < d.cfg.Increments; j++ {
				inc()
			}
			d.cfg.Reporter.ReportWorker(WorkerReport{
				Trial:     trial,
				Mode:      mode,
				Worker:    w,
				Goroutine: goid.Get(),
			})
			return nil
		})
	}
	_ = g.Wait() // workers never fail; Wait is the join barrier

	return TrialReport{
		Trial:    trial,
		Mode:     mode,
		Final:    d.counter.Value(),
		Expected: d.Expected(),
	}
}

func (d *Demonstrator) incrementFor(mode Mode) (func(), error) {
	switch mode {
	case Unguarded:
		return d.counter.IncrementUnguarded, nil
	case Guarded:
		return d.counter.IncrementGuarded, nil
	}
	return nil, fmt.Errorf("race demo: unsupported mode %v", mode)
}

func countShort(reports []TrialReport) int {
	n := 0
	for _, r := range reports {
		if r.Lost() > 0 {
			n++
		}
	}
	return n
}
