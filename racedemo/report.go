package racedemo

import (
	"log/slog"
	"sync"
)

// TrialReport is the outcome of one trial.
type TrialReport struct {
	Trial    int   `yaml:"trial" msgpack:"trial"`
	Mode     Mode  `yaml:"mode" msgpack:"mode"`
	Final    int64 `yaml:"final" msgpack:"final"`
	Expected int64 `yaml:"expected" msgpack:"expected"`
}

// Lost returns how many increments the trial lost.
func (r TrialReport) Lost() int64 { return r.Expected - r.Final }

// WorkerReport records which goroutine executed one worker of a trial.
// It is for manual inspection only.
type WorkerReport struct {
	Trial     int   `yaml:"trial" msgpack:"trial"`
	Mode      Mode  `yaml:"mode" msgpack:"mode"`
	Worker    int   `yaml:"worker" msgpack:"worker"`
	Goroutine int64 `yaml:"goroutine" msgpack:"goroutine"`
}

// Reporter is the log/report sink of the experiment. ReportWorker is called
// from worker goroutines and must be safe for concurrent use.
type Reporter interface {
	ReportTrial(TrialReport)
	ReportWorker(WorkerReport)
}

// LogReporter writes one structured line per trial and per worker.
type LogReporter struct {
	Logger *slog.Logger
}

func (r *LogReporter) ReportTrial(t TrialReport) {
	r.Logger.Info("racedemo: trial finished",
		"mode", t.Mode.String(),
		"trial", t.Trial,
		"final", t.Final,
		"expected", t.Expected,
		"lost", t.Lost())
}

func (r *LogReporter) ReportWorker(w WorkerReport) {
	r.Logger.Debug("racedemo: worker finished",
		"mode", w.Mode.String(),
		"trial", w.Trial,
		"worker", w.Worker,
		"goroutine", w.Goroutine)
}

// Collector keeps every report in memory, optionally forwarding to Next.
type Collector struct {
	Next Reporter

	mu      sync.Mutex
	trials  []TrialReport
	workers []WorkerReport
}

func (c *Collector) ReportTrial(t TrialReport) {
	c.mu.Lock()
	c.trials = append(c.trials, t)
	c.mu.Unlock()
	if c.Next != nil {
		c.Next.ReportTrial(t)
	}
}

func (c *Collector) ReportWorker(w WorkerReport) {
	c.mu.Lock()
	c.workers = append(c.workers, w)
	c.mu.Unlock()
	if c.Next != nil {
		c.Next.ReportWorker(w)
	}
}

// Trials returns a copy of the collected trial reports.
func (c *Collector) Trials() []TrialReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]TrialReport(nil), c.trials...)
}

// Workers returns a copy of the collected worker reports.
func (c *Collector) Workers() []WorkerReport {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WorkerReport(nil), c.workers...)
}
