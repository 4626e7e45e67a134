package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// ErrRunInProgress is returned when a run is requested while one is going.
var ErrRunInProgress = errors.New("report run already in progress")

// Source supplies the patient extract for a run.
type Source interface {
	LoadDataset(ctx context.Context, schema *patient.Schema) (*patient.Dataset, error)
}

// Hook is called with every successful report, for example to write the
// workbook. A failing hook is logged; it does not discard the report.
type Hook func(*Report) error

// Runner executes the pipeline on demand and keeps the latest report.
type Runner struct {
	source   Source
	pipeline *Pipeline
	hooks    []Hook

	runMu   sync.Mutex
	running atomic.Bool

	mu      sync.RWMutex
	latest  *Report
	lastErr error
	lastRun time.Time
}

// NewRunner creates a runner.
func NewRunner(source Source, pipeline *Pipeline, hooks ...Hook) *Runner {
	return &Runner{source: source, pipeline: pipeline, hooks: hooks}
}

// Run loads the extract and runs the pipeline. Only one run executes at a
// time; a concurrent call returns ErrRunInProgress.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.acquire() {
		return nil, ErrRunInProgress
	}
	defer r.release()
	return r.execute(ctx)
}

// Start begins a run in the background and returns once it holds the run
// slot. ctx bounds the run, so it should outlive the caller's request.
func (r *Runner) Start(ctx context.Context) error {
	if !r.acquire() {
		return ErrRunInProgress
	}
	go func() {
		defer r.release()
		r.execute(ctx)
	}()
	return nil
}

// acquire takes the run slot. running mirrors it for Status, which must
// never touch runMu.
func (r *Runner) acquire() bool {
	if !r.runMu.TryLock() {
		return false
	}
	r.running.Store(true)
	return true
}

func (r *Runner) release() {
	r.running.Store(false)
	r.runMu.Unlock()
}

func (r *Runner) execute(ctx context.Context) (*Report, error) {
	rep, err := r.run(ctx)

	r.mu.Lock()
	r.lastRun = time.Now().UTC()
	r.lastErr = err
	if err == nil {
		r.latest = rep
	}
	r.mu.Unlock()

	if err != nil {
		log.Error().Err(err).Msg("Report run failed")
		return nil, err
	}

	if ref, err := patient.ParseDate(rep.ReferenceDate); err == nil {
		metrics.RecordReportPublished(rep.Patients, ref, rep.GeneratedAt)
	}

	for _, h := range r.hooks {
		if err := h(rep); err != nil {
			log.Error().Err(err).Str("run_id", rep.RunID).Msg("Report hook failed")
		}
	}
	return rep, nil
}

func (r *Runner) run(ctx context.Context) (*Report, error) {
	ds, err := r.source.LoadDataset(ctx, r.pipeline.Schema())
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}
	return r.pipeline.Run(ctx, ds)
}

// Latest returns the most recent successful report.
func (r *Runner) Latest() (*Report, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest, r.latest != nil
}

// Status describes the runner for health checks.
type Status struct {
	Running   bool      `json:"running"`
	HasReport bool      `json:"has_report"`
	LastRun   time.Time `json:"last_run,omitzero"`
	LastError string    `json:"last_error,omitempty"`
}

// Status reports whether a run is going and how the last one ended.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Status{Running: r.running.Load(), HasReport: r.latest != nil, LastRun: r.lastRun}
	if r.lastErr != nil {
		s.LastError = r.lastErr.Error()
	}
	return s
}

// MemorySource serves a fixed dataset, for tests and file-only runs.
type MemorySource struct {
	Records []patient.Record
}

// LoadDataset returns the records with the given schema.
func (m *MemorySource) LoadDataset(ctx context.Context, schema *patient.Schema) (*patient.Dataset, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &patient.Dataset{Records: m.Records, Schema: schema}, nil
}
