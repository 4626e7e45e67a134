// Package trend turns cumulative coverage series into week-on-week uptake
// and a linear projection of when a coverage target will be met.
package trend

import (
	"encoding/json"
	"math"
	"time"

	"stealthcompany.com/vaccinecoverage/internal/coverage"
	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// DefaultTarget is the coverage percentage projections aim for.
const DefaultTarget = 90.0

// MaxWeeks bounds how far ahead a projection is made. Anything further is
// reported as unknown.
const MaxWeeks = 25

// Status classifies a projection.
type Status string

const (
	StatusReached   Status = "reached"
	StatusProjected Status = "projected"
	StatusUnknown   Status = "unknown"
)

// Projection is the trend of one series at a reference date. Percentages
// are rounded to one decimal place before any differencing.
type Projection struct {
	Latest          float64
	Prior           float64
	PriorDate       time.Time
	WeeklyRate      float64
	PercentIncrease float64
	Status          Status
	// ProjectedDate is set only for StatusProjected.
	ProjectedDate time.Time
}

type projectionJSON struct {
	Latest          float64 `json:"latest_percent"`
	Prior           float64 `json:"prior_percent"`
	PriorDate       string  `json:"prior_date"`
	WeeklyRate      float64 `json:"weekly_rate"`
	PercentIncrease float64 `json:"percent_increase"`
	Status          Status  `json:"status"`
	ProjectedDate   string  `json:"projected_date,omitempty"`
}

// MarshalJSON writes dates as YYYY-MM-DD.
func (p Projection) MarshalJSON() ([]byte, error) {
	return json.Marshal(projectionJSON{
		Latest:          p.Latest,
		Prior:           p.Prior,
		PriorDate:       patient.FormatDate(p.PriorDate),
		WeeklyRate:      p.WeeklyRate,
		PercentIncrease: p.PercentIncrease,
		Status:          p.Status,
		ProjectedDate:   patient.FormatDate(p.ProjectedDate),
	})
}

// Project compares the series at the reference date with a week earlier
// and extrapolates linearly to the target. A target already met is
// "reached" whatever the trend; a flat or falling trend, or one needing
// MaxWeeks or more, is "unknown".
func Project(s *coverage.Series, ref time.Time, target float64) Projection {
	priorDate := ref.AddDate(0, 0, -7)
	if len(s.Points) > 0 && priorDate.Before(s.Points[0].Date) {
		priorDate = s.Points[0].Date
	}

	p := Projection{
		Latest:    coverage.RoundPercent(s.At(ref).Percent),
		Prior:     coverage.RoundPercent(s.At(priorDate).Percent),
		PriorDate: priorDate,
		Status:    StatusUnknown,
	}
	p.WeeklyRate = coverage.RoundPercent(p.Latest - p.Prior)
	if p.Prior > 0 {
		p.PercentIncrease = coverage.RoundPercent(100 * p.WeeklyRate / p.Prior)
	}

	switch {
	case p.Latest >= target:
		p.Status = StatusReached
	case p.WeeklyRate > 0:
		weeks := (target - p.Latest) / p.WeeklyRate
		if weeks < MaxWeeks {
			p.Status = StatusProjected
			p.ProjectedDate = ref.AddDate(0, 0, int(math.Round(weeks*7)))
		}
	}
	return p
}

// Row is one line of the summary table: a category's position at the
// reference date. Count-only rows carry no total, percent or projection.
type Row struct {
	Group           string      `json:"group"`
	Feature         string      `json:"feature"`
	Category        string      `json:"category"`
	Vaccinated      int         `json:"vaccinated"`
	PriorVaccinated int         `json:"prior_vaccinated"`
	CountOnly       bool        `json:"count_only,omitempty"`
	Total           *int        `json:"total,omitempty"`
	Percent         *float64    `json:"percent,omitempty"`
	Projection      *Projection `json:"projection,omitempty"`
}

// Summarise builds summary rows for every series of an aggregation result,
// in result order. A zero ref means the result's reference date; a zero
// target means DefaultTarget.
func Summarise(res *coverage.Result, ref time.Time, target float64, countOnly []string) []Row {
	if ref.IsZero() {
		ref = res.ReferenceDate
	}
	if target == 0 {
		target = DefaultTarget
	}
	skip := make(map[string]bool, len(countOnly))
	for _, g := range countOnly {
		skip[g] = true
	}

	var rows []Row
	for _, g := range res.Groups {
		for _, f := range g.Features {
			for i := range f.Series {
				s := &f.Series[i]
				latest := s.At(ref)
				row := Row{
					Group:      g.Name,
					Feature:    f.Name,
					Category:   s.Category,
					Vaccinated: latest.Vaccinated,
					CountOnly:  skip[g.Name],
				}
				proj := Project(s, ref, target)
				row.PriorVaccinated = s.At(proj.PriorDate).Vaccinated
				if !row.CountOnly {
					total := latest.Total
					pct := proj.Latest
					row.Total = &total
					row.Percent = &pct
					row.Projection = &proj
				}
				rows = append(rows, row)
			}
		}
	}
	return rows
}
