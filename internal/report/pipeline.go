// Package report runs the coverage pipeline over a patient extract:
// cleaning, rule derivation, priority assignment, aggregation per dose,
// trend summary, headline figures, dose schedules and data quality.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/coverage"
	"stealthcompany.com/vaccinecoverage/internal/disclosure"
	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/priority"
	"stealthcompany.com/vaccinecoverage/internal/rules"
	"stealthcompany.com/vaccinecoverage/internal/trend"
	"stealthcompany.com/vaccinecoverage/internal/workpool"
)

// ErrNoReferenceDate is returned when no reference date is configured and
// the extract records no first doses.
var ErrNoReferenceDate = errors.New("no reference date configured and no first doses recorded")

// ErrMissingDose is returned when the schema has no column for a reported
// dose.
var ErrMissingDose = errors.New("schema has no column for reported dose")

// Doses are reported in this order.
var Doses = []string{patient.FirstDose, patient.SecondDose, patient.ThirdDose}

// Options tune a pipeline run.
type Options struct {
	// ReferenceDate ends every series. Zero means the latest first dose.
	ReferenceDate     time.Time
	Target            float64
	Control           disclosure.Control
	Workers           int
	Clean             patient.CleanOptions
	ThirdDoseInterval time.Duration
	// Groups names the priority groups reported on their own; the rest
	// fold into the default group. Empty means every defined group.
	Groups []string
}

// Files points at definition documents. Empty paths use the built-in ones.
type Files struct {
	Schema   string
	Rules    string
	Groups   string
	Features string
}

// Pipeline holds the validated definitions a run needs.
type Pipeline struct {
	schema   *patient.Schema
	cleaned  *patient.Schema
	rules    *rules.RuleSet
	groups   *priority.Definitions
	features coverage.FeatureSet
	opts     Options
}

// New validates the definitions and options. Every configuration error
// surfaces here, before any patient data is read.
func New(files Files, opts Options) (*Pipeline, error) {
	if err := opts.Control.Validate(); err != nil {
		return nil, err
	}
	if opts.Target <= 0 {
		opts.Target = trend.DefaultTarget
	}
	if opts.ThirdDoseInterval <= 0 {
		opts.ThirdDoseInterval = coverage.ThirdDoseInterval
	}

	schema, err := loadOr(files.Schema, patient.LoadSchema, patient.DefaultSchema)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}
	if err := checkDoses(schema); err != nil {
		return nil, err
	}
	cleaned, err := patient.CleanedSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to extend schema: %w", err)
	}

	rs, err := loadOr(files.Rules,
		func(r io.Reader) (*rules.RuleSet, error) { return rules.Load(r, cleaned) },
		func() (*rules.RuleSet, error) { return rules.Clinical(cleaned) })
	if err != nil {
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}

	groups, err := loadOr(files.Groups,
		func(r io.Reader) (*priority.Definitions, error) { return priority.Load(r, rs) },
		func() (*priority.Definitions, error) { return priority.Default(rs) })
	if err != nil {
		return nil, fmt.Errorf("failed to load priority groups: %w", err)
	}

	features, err := loadOr(files.Features, coverage.LoadFeatures, coverage.DefaultFeatures)
	if err != nil {
		return nil, fmt.Errorf("failed to load features: %w", err)
	}

	if err := checkGroups(groups, opts.Groups); err != nil {
		return nil, err
	}

	return &Pipeline{
		schema:   schema,
		cleaned:  cleaned,
		rules:    rs,
		groups:   groups,
		features: features,
		opts:     opts,
	}, nil
}

// NewWith builds a pipeline from definitions already in memory. rs must be
// loaded against the cleaned form of schema.
func NewWith(schema *patient.Schema, rs *rules.RuleSet, groups *priority.Definitions, features coverage.FeatureSet, opts Options) (*Pipeline, error) {
	if err := opts.Control.Validate(); err != nil {
		return nil, err
	}
	if opts.Target <= 0 {
		opts.Target = trend.DefaultTarget
	}
	if opts.ThirdDoseInterval <= 0 {
		opts.ThirdDoseInterval = coverage.ThirdDoseInterval
	}
	if err := checkDoses(schema); err != nil {
		return nil, err
	}
	cleaned, err := patient.CleanedSchema(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to extend schema: %w", err)
	}
	if err := checkGroups(groups, opts.Groups); err != nil {
		return nil, err
	}
	return &Pipeline{schema: schema, cleaned: cleaned, rules: rs, groups: groups, features: features, opts: opts}, nil
}

func loadOr[T any](path string, load func(io.Reader) (T, error), builtin func() (T, error)) (T, error) {
	if path == "" {
		return builtin()
	}
	f, err := os.Open(path)
	if err != nil {
		var zero T
		return zero, err
	}
	defer f.Close()
	return load(f)
}

// checkDoses rejects a schema that lacks a reported dose column, so a run
// never fails part way through its doses.
func checkDoses(schema *patient.Schema) error {
	for _, dose := range Doses {
		if !schema.Has(patient.KindDose, dose) {
			return fmt.Errorf("%w: %q", ErrMissingDose, dose)
		}
	}
	return nil
}

func checkGroups(defs *priority.Definitions, interest []string) error {
	for _, g := range interest {
		rank, ok := defs.Rank(g)
		if !ok {
			return fmt.Errorf("unknown report group %q", g)
		}
		if rank == priority.DefaultRank {
			return fmt.Errorf("report group %q is the default group", g)
		}
	}
	return nil
}

// Schema is the extract schema records are validated against.
func (p *Pipeline) Schema() *patient.Schema {
	return p.schema
}

// Groups lists report groups in output order, the default group last.
func (p *Pipeline) Groups() []string {
	if len(p.opts.Groups) == 0 {
		return p.groups.Names()
	}
	keep := make(map[string]bool, len(p.opts.Groups))
	for _, g := range p.opts.Groups {
		keep[g] = true
	}
	var out []string
	for _, g := range p.groups.Names() {
		if keep[g] {
			out = append(out, g)
		}
	}
	return append(out, p.groups.DefaultGroup())
}

// reportGroups returns the groups reported in this run, default last, and
// the configured groups left out because they have too few members.
func (p *Pipeline) reportGroups(assignments []priority.Assignment) (names, rare []string) {
	configured := p.Groups()
	skip := make(map[string]bool)
	for _, g := range priority.Rare(assignments, p.opts.Control.Threshold) {
		skip[g] = true
	}
	for _, g := range configured[:len(configured)-1] {
		if skip[g] {
			rare = append(rare, g)
			continue
		}
		names = append(names, g)
	}
	return append(names, configured[len(configured)-1]), rare
}

// DoseReport is everything reported for one dose column.
type DoseReport struct {
	DoseField string                   `json:"dose_field"`
	Coverage  *coverage.Result         `json:"coverage"`
	Summary   []trend.Row              `json:"summary"`
	Headline  coverage.Headline        `json:"headline"`
	Schedule  *coverage.ScheduleResult `json:"schedule,omitempty"`
}

// Report is the output of one run.
type Report struct {
	RunID         string                       `json:"run_id"`
	GeneratedAt   time.Time                    `json:"generated_at"`
	ReferenceDate string                       `json:"reference_date"`
	Target        float64                      `json:"target_percent"`
	Patients      int                          `json:"patients"`
	Groups        []string                     `json:"groups"`
	CountOnly     []string                     `json:"count_only_groups"`
	FoldedRare    []string                     `json:"folded_rare_groups,omitempty"`
	GroupSizes    map[string]int               `json:"group_sizes"`
	Doses         []DoseReport                 `json:"doses"`
	Completeness  []coverage.Completeness      `json:"completeness"`
	// CareHomeFlags is nil when the schema lacks the care home columns.
	CareHomeFlags *coverage.CareHomeComparison `json:"care_home_flags,omitempty"`
}

// Dose returns the report for a dose column.
func (r *Report) Dose(field string) (*DoseReport, bool) {
	for i := range r.Doses {
		if r.Doses[i].DoseField == field {
			return &r.Doses[i], true
		}
	}
	return nil, false
}

// Run executes every stage over a raw extract.
func (p *Pipeline) Run(ctx context.Context, ds *patient.Dataset) (*Report, error) {
	runStart := time.Now()
	runID := uuid.NewString()
	logger := log.With().Str("run_id", runID).Logger()
	logger.Info().Int("patients", len(ds.Records)).Msg("Starting report run")

	for _, rec := range ds.Records {
		if err := p.schema.Validate(rec); err != nil {
			return nil, err
		}
	}

	var cleaned []patient.Record
	err := stage("clean", len(ds.Records), func() error {
		var err error
		cleaned, err = workpool.Map(ctx, ds.Records, p.opts.Workers, func(r patient.Record) patient.Record {
			return patient.Clean(r, p.opts.Clean)
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	ref := p.opts.ReferenceDate
	if ref.IsZero() {
		latest, ok := (&patient.Dataset{Records: cleaned}).LatestDate(patient.FirstDose)
		if !ok {
			return nil, ErrNoReferenceDate
		}
		ref = latest
	}

	rs := p.rules.Bind(ref)
	derivedSchema, err := rs.DerivedSchema()
	if err != nil {
		return nil, err
	}
	var derived []patient.Record
	err = stage("derive", len(cleaned), func() error {
		var err error
		derived, err = rs.DeriveAll(ctx, cleaned, p.opts.Workers)
		return err
	})
	if err != nil {
		return nil, err
	}
	data := &patient.Dataset{Records: derived, Schema: derivedSchema}

	groups := p.groups.Bind(ref)
	var assignments []priority.Assignment
	err = stage("assign", len(derived), func() error {
		var err error
		assignments, err = groups.AssignAll(ctx, derived, p.opts.Workers)
		return err
	})
	if err != nil {
		return nil, err
	}
	names, rare := p.reportGroups(assignments)
	if len(rare) > 0 {
		logger.Info().Strs("groups", rare).Msg("Folding groups below the disclosure threshold")
	}
	countOnly := []string{groups.DefaultGroup()}
	assignments = priority.Fold(assignments, names[:len(names)-1], groups.DefaultGroup())

	rep := &Report{
		RunID:         runID,
		GeneratedAt:   time.Now().UTC(),
		ReferenceDate: patient.FormatDate(ref),
		Target:        p.opts.Target,
		Patients:      len(derived),
		Groups:        names,
		CountOnly:     countOnly,
		FoldedRare:    rare,
		GroupSizes:    make(map[string]int, len(names)),
	}
	for g, n := range priority.Counts(assignments) {
		rep.GroupSizes[g] = p.opts.Control.Apply(n)
	}

	for _, dose := range Doses {
		dr, err := p.runDose(ctx, data, assignments, dose, ref, names, countOnly)
		if err != nil {
			return nil, fmt.Errorf("dose %s: %w", dose, err)
		}
		rep.Doses = append(rep.Doses, *dr)
	}

	err = stage("completeness", len(derived), func() error {
		var err error
		rep.Completeness, err = coverage.ColumnCompleteness(data, assignments, coverage.EthnicityColumn, names, p.opts.Control)
		return err
	})
	if err != nil {
		return nil, err
	}
	// A schema without care home columns only loses this check.
	if cmp, err := coverage.CompareCareHomeFlags(data, p.opts.Control); err != nil {
		logger.Warn().Err(err).Msg("Skipping care home flag comparison")
	} else {
		rep.CareHomeFlags = cmp
	}

	metrics.RecordStage("run", runStart, "success")
	logger.Info().
		Str("reference_date", rep.ReferenceDate).
		Int("groups", len(names)).
		Dur("duration", time.Since(runStart)).
		Msg("Completed report run")
	return rep, nil
}

func (p *Pipeline) runDose(ctx context.Context, data *patient.Dataset, assignments []priority.Assignment, dose string, ref time.Time, names, countOnly []string) (*DoseReport, error) {
	dr := &DoseReport{DoseField: dose}

	err := stage("aggregate", len(data.Records), func() error {
		var err error
		dr.Coverage, err = coverage.Aggregate(ctx, data, assignments, coverage.Request{
			DoseField:     dose,
			ReferenceDate: ref,
			Groups:        names,
			Features:      p.features,
			Control:       p.opts.Control,
			Workers:       p.opts.Workers,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	dr.Summary = trend.Summarise(dr.Coverage, ref, p.opts.Target, countOnly)
	dr.Headline = coverage.NewHeadline(data, dr.Coverage, p.opts.Control, countOnly...)
	for _, g := range dr.Headline.Groups {
		metrics.RecordGroupSize(dose, g.Group, g.Vaccinated)
	}

	var req coverage.ScheduleRequest
	switch dose {
	case patient.SecondDose:
		req = coverage.SecondDoseSchedule(ref, names, p.opts.Control)
	case patient.ThirdDose:
		req = coverage.ThirdDoseSchedule(ref, names, p.opts.Control)
		req.Interval = p.opts.ThirdDoseInterval
	default:
		return dr, nil
	}
	req.Features = p.features
	req.Workers = p.opts.Workers

	err = stage("schedule", len(data.Records), func() error {
		var err error
		dr.Schedule, err = coverage.Schedule(ctx, data, assignments, req)
		return err
	})
	if err != nil {
		return nil, err
	}
	return dr, nil
}

// stage times fn under a stage label for logs and metrics.
func stage(name string, records int, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "success"
	if err != nil {
		status = "failed"
	}
	metrics.RecordStage(name, start, status)
	metrics.RecordRecords(name, records)

	event := log.Debug()
	if err != nil {
		event = log.Error().Err(err)
	}
	event.Str("stage", name).Int("records", records).Dur("duration", time.Since(start)).Msg("Report stage finished")
	return err
}
