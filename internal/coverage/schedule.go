package coverage

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/disclosure"
	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/priority"
	"stealthcompany.com/vaccinecoverage/internal/workpool"
)

// Default intervals after which the next dose is due.
const (
	SecondDoseInterval = 14 * 7 * 24 * time.Hour
	ThirdDoseInterval  = 27 * 7 * 24 * time.Hour
)

// MinDueForErrorBars is the smallest due count that gets rounding error
// bars; smaller categories are too noisy to chart.
const MinDueForErrorBars = 100

// ScheduleRequest configures a due/overdue analysis for one dose.
type ScheduleRequest struct {
	// Dose is the dose expected; Previous is the dose that makes it due.
	Dose          string
	Previous      string
	Interval      time.Duration
	ReferenceDate time.Time
	Groups        []string
	Features      FeatureSet
	Control       disclosure.Control
	Workers       int
}

// SecondDoseSchedule is the standard second-dose request.
func SecondDoseSchedule(ref time.Time, groups []string, ctrl disclosure.Control) ScheduleRequest {
	return ScheduleRequest{
		Dose:          patient.SecondDose,
		Previous:      patient.FirstDose,
		Interval:      SecondDoseInterval,
		ReferenceDate: ref,
		Groups:        groups,
		Features:      OverallOnly(),
		Control:       ctrl,
	}
}

// ThirdDoseSchedule is the standard third-dose request.
func ThirdDoseSchedule(ref time.Time, groups []string, ctrl disclosure.Control) ScheduleRequest {
	return ScheduleRequest{
		Dose:          patient.ThirdDose,
		Previous:      patient.SecondDose,
		Interval:      ThirdDoseInterval,
		ReferenceDate: ref,
		Groups:        groups,
		Features:      OverallOnly(),
		Control:       ctrl,
	}
}

// ScheduleRow is the due/given position of one category.
type ScheduleRow struct {
	Group          string  `json:"group"`
	Feature        string  `json:"feature"`
	Category       string  `json:"category"`
	Due            int     `json:"due"`
	Given          int     `json:"given"`
	Overdue        int     `json:"overdue"`
	PercentGiven   float64 `json:"percent_given"`
	PercentOverdue float64 `json:"percent_overdue"`
	PosError       float64 `json:"pos_error"`
	NegError       float64 `json:"neg_error"`
	Total          int     `json:"population_total"`
}

// ScheduleResult lists rows by group then feature then category.
type ScheduleResult struct {
	Dose   string          `json:"dose"`
	DueBy  string          `json:"due_by"`
	Rows   []ScheduleRow   `json:"rows"`
	Errors []*FeatureError `json:"errors,omitempty"`
}

// Schedule counts, per group and breakdown, patients whose previous dose is
// at least Interval before the reference date (due) and those of them who
// have had the dose (given). All counts are disclosure controlled before
// percentages and error bars are taken.
func Schedule(ctx context.Context, ds *patient.Dataset, assignments []priority.Assignment, req ScheduleRequest) (*ScheduleResult, error) {
	if ds == nil || ds.Schema == nil {
		return nil, fmt.Errorf("schedule needs a dataset with a schema")
	}
	if err := req.Control.Validate(); err != nil {
		return nil, err
	}
	for _, f := range []string{req.Dose, req.Previous} {
		if !ds.Schema.Has(patient.KindDose, f) {
			return nil, fmt.Errorf("unknown dose field %q", f)
		}
	}
	if req.Interval <= 0 {
		return nil, fmt.Errorf("dose interval must be positive (got %s)", req.Interval)
	}

	ref, err := referenceDate(ds, req.Previous, req.ReferenceDate)
	if err != nil {
		return nil, err
	}
	dueBy := ref.Add(-req.Interval)

	members, err := groupMembers(ds.Records, assignments)
	if err != nil {
		return nil, err
	}
	groups := req.Groups
	if len(groups) == 0 {
		groups = sortedGroups(members)
	}

	type job struct {
		group string
		spec  FeatureSpec
	}
	var jobs []job
	for _, g := range groups {
		jobs = append(jobs, job{group: g, spec: FeatureSpec{Name: OverallName}})
		for _, spec := range req.Features.For(g) {
			jobs = append(jobs, job{group: g, spec: spec})
		}
	}

	rows := make([][]ScheduleRow, len(jobs))
	failures := make([]*FeatureError, len(jobs))
	err = workpool.Run(ctx, len(jobs), req.Workers, func(i int) {
		j := jobs[i]
		b, err := split(ds.Schema, members[j.group], j.spec)
		if err != nil {
			failures[i] = &FeatureError{Group: j.group, Feature: j.spec.Name, Err: err}
			return
		}
		for _, cat := range b.categories {
			rows[i] = append(rows[i], scheduleRow(j.group, j.spec.Name, cat, b.members[cat], req, ref, dueBy))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule cancelled: %w", err)
	}

	out := &ScheduleResult{Dose: req.Dose, DueBy: patient.FormatDate(dueBy)}
	for i := range jobs {
		if f := failures[i]; f != nil {
			log.Error().Err(f.Err).Str("group", f.Group).Str("feature", f.Feature).Str("dose", req.Dose).Msg("Failed to compute schedule breakdown")
			metrics.RecordFeatureFailure(f.Group, f.Feature)
			out.Errors = append(out.Errors, f)
			continue
		}
		out.Rows = append(out.Rows, rows[i]...)
	}
	return out, nil
}

func scheduleRow(group, feature, category string, members []patient.Record, req ScheduleRequest, ref, dueBy time.Time) ScheduleRow {
	var due, given int
	for _, rec := range members {
		prev, ok := rec.Dose(req.Previous)
		if !ok || prev.After(dueBy) {
			continue
		}
		due++
		if _, ok := doseBy(rec, req.Dose, ref); ok {
			given++
		}
	}

	ctrl := req.Control
	row := ScheduleRow{
		Group:    group,
		Feature:  feature,
		Category: category,
		Due:      ctrl.Apply(due),
		Given:    ctrl.Apply(given),
		Total:    ctrl.Apply(len(members)),
	}
	row.Overdue = row.Due - row.Given
	if row.Due > 0 {
		pct, _ := disclosure.Percent(row.Given, row.Due)
		row.PercentGiven = RoundPercent(pct)
		row.PercentOverdue = RoundPercent(100 - pct)
	}
	if row.Due >= MinDueForErrorBars {
		row.PosError, row.NegError = ctrl.ErrorBars(row.Due)
	}
	return row
}
