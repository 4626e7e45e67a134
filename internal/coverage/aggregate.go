package coverage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"stealthcompany.com/vaccinecoverage/internal/disclosure"
	"stealthcompany.com/vaccinecoverage/internal/metrics"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/priority"
	"stealthcompany.com/vaccinecoverage/internal/workpool"
)

// UnknownCategory labels patients with no value for a breakdown column.
const UnknownCategory = "Unknown"

// Request configures one aggregation run.
type Request struct {
	// DoseField is the dose date column counted as vaccinated.
	DoseField string
	// ReferenceDate ends every series. Zero means the latest recorded
	// DoseField date.
	ReferenceDate time.Time
	// Groups lists the groups to report, in output order. Empty means every
	// assigned group, sorted by name.
	Groups   []string
	Features FeatureSet
	Control  disclosure.Control
	Workers  int
}

// Aggregate computes cumulative, disclosure-controlled coverage series per
// group and breakdown. Assignments are matched to records by patient ID.
// A breakdown that cannot be computed is reported in Result.Errors while
// the rest still run; an unknown dose field fails the whole call.
func Aggregate(ctx context.Context, ds *patient.Dataset, assignments []priority.Assignment, req Request) (*Result, error) {
	if ds == nil || ds.Schema == nil {
		return nil, fmt.Errorf("aggregate needs a dataset with a schema")
	}
	if err := req.Control.Validate(); err != nil {
		return nil, err
	}
	if !ds.Schema.Has(patient.KindDose, req.DoseField) {
		return nil, fmt.Errorf("unknown dose field %q", req.DoseField)
	}

	ref, err := referenceDate(ds, req.DoseField, req.ReferenceDate)
	if err != nil {
		return nil, err
	}

	members, err := groupMembers(ds.Records, assignments)
	if err != nil {
		return nil, err
	}
	groups := req.Groups
	if len(groups) == 0 {
		groups = sortedGroups(members)
	}

	type job struct {
		group int
		slot  int
		spec  FeatureSpec
	}
	var jobs []job
	res := &Result{DoseField: req.DoseField, ReferenceDate: ref, Groups: make([]Group, len(groups))}
	for gi, g := range groups {
		specs := append([]FeatureSpec{{Name: OverallName}}, req.Features.For(g)...)
		res.Groups[gi] = Group{Name: g, Features: make([]Feature, len(specs))}
		for fi, spec := range specs {
			jobs = append(jobs, job{group: gi, slot: fi, spec: spec})
		}
	}

	failures := make([]*FeatureError, len(jobs))
	err = workpool.Run(ctx, len(jobs), req.Workers, func(i int) {
		j := jobs[i]
		group := groups[j.group]
		feature, err := cumulative(ds.Schema, group, members[group], j.spec, req.DoseField, ref, req.Control)
		if err != nil {
			failures[i] = &FeatureError{Group: group, Feature: j.spec.Name, Err: err}
			return
		}
		res.Groups[j.group].Features[j.slot] = feature
	})
	if err != nil {
		return nil, fmt.Errorf("aggregation cancelled: %w", err)
	}

	for i, f := range failures {
		if f == nil {
			continue
		}
		log.Error().Err(f.Err).Str("group", f.Group).Str("feature", f.Feature).Str("dose", req.DoseField).Msg("Failed to compute breakdown")
		metrics.RecordFeatureFailure(f.Group, f.Feature)
		res.Errors = append(res.Errors, failures[i])
	}
	for gi := range res.Groups {
		kept := res.Groups[gi].Features[:0]
		for _, f := range res.Groups[gi].Features {
			if f.Name != "" {
				kept = append(kept, f)
			}
		}
		res.Groups[gi].Features = kept
	}

	log.Info().
		Str("dose", req.DoseField).
		Str("reference_date", patient.FormatDate(ref)).
		Int("groups", len(groups)).
		Int("breakdowns", len(jobs)).
		Int("failed", len(res.Errors)).
		Msg("Coverage aggregated")

	return res, nil
}

func referenceDate(ds *patient.Dataset, dose string, configured time.Time) (time.Time, error) {
	if !configured.IsZero() {
		return configured, nil
	}
	latest, ok := ds.LatestDate(dose)
	if !ok {
		return time.Time{}, fmt.Errorf("no reference date given and no %q dates recorded", dose)
	}
	return latest, nil
}

// groupMembers splits records by assigned group, keeping record order.
func groupMembers(records []patient.Record, assignments []priority.Assignment) (map[string][]patient.Record, error) {
	byID := make(map[string]string, len(assignments))
	for _, a := range assignments {
		byID[a.PatientID] = a.Group
	}
	out := make(map[string][]patient.Record)
	for _, rec := range records {
		g, ok := byID[rec.ID]
		if !ok {
			return nil, fmt.Errorf("patient %s has no priority assignment", rec.ID)
		}
		out[g] = append(out[g], rec)
	}
	return out, nil
}

func sortedGroups(members map[string][]patient.Record) []string {
	out := make([]string, 0, len(members))
	for g := range members {
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

// breakdown splits group members into the categories of one feature.
// Patients are counted once per category however many rows they have.
type breakdown struct {
	categories []string
	members    map[string][]patient.Record
}

func split(schema *patient.Schema, members []patient.Record, spec FeatureSpec) (*breakdown, error) {
	overall := spec.Name == OverallName
	if !overall && !schema.Has(patient.KindAttribute, spec.Name) {
		return nil, fmt.Errorf("unknown attribute column %q", spec.Name)
	}
	if spec.Exclude != "" && !schema.Has(patient.KindFlag, spec.Exclude) {
		return nil, fmt.Errorf("unknown exclusion flag column %q", spec.Exclude)
	}

	var allow map[string]bool
	if len(spec.Categories) > 0 {
		allow = make(map[string]bool, len(spec.Categories))
		for _, c := range spec.Categories {
			allow[c] = true
		}
	}

	b := &breakdown{members: make(map[string][]patient.Record)}
	seen := make(map[string]map[string]bool)
	for _, rec := range members {
		if spec.Exclude != "" && rec.Flag(spec.Exclude).Present {
			continue
		}
		cat := OverallName
		if !overall {
			v, ok := rec.Attr(spec.Name)
			if !ok || v == "" {
				v = UnknownCategory
			}
			if allow != nil && !allow[v] {
				continue
			}
			cat = v
		}
		if seen[cat] == nil {
			seen[cat] = make(map[string]bool)
		}
		if seen[cat][rec.ID] {
			continue
		}
		seen[cat][rec.ID] = true
		b.members[cat] = append(b.members[cat], rec)
	}

	switch {
	case overall:
		b.categories = []string{OverallName}
	case allow != nil:
		b.categories = append([]string(nil), spec.Categories...)
	default:
		for c := range b.members {
			b.categories = append(b.categories, c)
		}
		sort.Strings(b.categories)
	}
	return b, nil
}

// cumulative builds one feature's series. Every category shares the same
// date axis: each distinct dose date up to the reference date, plus the
// reference date itself when nobody was vaccinated on it.
func cumulative(schema *patient.Schema, group string, members []patient.Record, spec FeatureSpec, dose string, ref time.Time, ctrl disclosure.Control) (Feature, error) {
	b, err := split(schema, members, spec)
	if err != nil {
		return Feature{}, err
	}

	daily := make(map[string]map[time.Time]int, len(b.categories))
	dateSet := make(map[time.Time]bool)
	for _, cat := range b.categories {
		daily[cat] = make(map[time.Time]int)
		for _, rec := range b.members[cat] {
			d, ok := rec.Dose(dose)
			if !ok || d.After(ref) {
				continue
			}
			daily[cat][d]++
			dateSet[d] = true
		}
	}

	dates := make([]time.Time, 0, len(dateSet)+1)
	for d := range dateSet {
		dates = append(dates, d)
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	if len(dates) == 0 || dates[len(dates)-1].Before(ref) {
		dates = append(dates, ref)
	}

	out := Feature{Name: spec.Name, Series: make([]Series, len(b.categories))}
	for ci, cat := range b.categories {
		total := ctrl.Apply(len(b.members[cat]))
		points := make([]Point, len(dates))
		running := 0
		for di, d := range dates {
			running += daily[cat][d]
			vaccinated := ctrl.Apply(running)
			pct, clamped := disclosure.Percent(vaccinated, total)
			if clamped {
				log.Warn().
					Str("group", group).
					Str("feature", spec.Name).
					Str("category", cat).
					Str("date", patient.FormatDate(d)).
					Int("vaccinated", vaccinated).
					Int("total", total).
					Msg("Coverage above 100% after rounding, clamped")
				metrics.RecordPercentClamped(group, spec.Name)
			}
			points[di] = Point{Date: d, Vaccinated: vaccinated, Total: total, Percent: pct, Clamped: clamped}
		}
		out.Series[ci] = Series{Category: cat, Total: total, Points: points}
	}
	return out, nil
}
