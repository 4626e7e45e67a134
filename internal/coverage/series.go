package coverage

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// Point is one row of a cumulative coverage series. Vaccinated and Total
// are disclosure controlled; Percent is derived from them.
type Point struct {
	Date       time.Time
	Vaccinated int
	Total      int
	Percent    float64
	// Clamped marks a percent that exceeded 100 after rounding.
	Clamped bool
}

type pointJSON struct {
	Date       string  `json:"date"`
	Vaccinated int     `json:"vaccinated_count"`
	Total      int     `json:"population_total"`
	Percent    float64 `json:"percent"`
	Clamped    bool    `json:"clamped,omitempty"`
}

// MarshalJSON writes the stable column names consumed by report formatters.
func (p Point) MarshalJSON() ([]byte, error) {
	return json.Marshal(pointJSON{
		Date:       patient.FormatDate(p.Date),
		Vaccinated: p.Vaccinated,
		Total:      p.Total,
		Percent:    p.Percent,
		Clamped:    p.Clamped,
	})
}

// UnmarshalJSON reads the form written by MarshalJSON.
func (p *Point) UnmarshalJSON(b []byte) error {
	var w pointJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	d, err := patient.ParseDate(w.Date)
	if err != nil {
		return err
	}
	*p = Point{Date: d, Vaccinated: w.Vaccinated, Total: w.Total, Percent: w.Percent, Clamped: w.Clamped}
	return nil
}

// Series is the cumulative coverage of one category, ordered by date and
// always ending on the reference date.
type Series struct {
	Category string  `json:"category"`
	Total    int     `json:"population_total"`
	Points   []Point `json:"points"`
}

// Latest returns the last point, or a zero Point for an empty series.
func (s *Series) Latest() Point {
	if len(s.Points) == 0 {
		return Point{}
	}
	return s.Points[len(s.Points)-1]
}

// At returns the point in force on a date: the last point on or before it.
// Dates before the first point return that first point.
func (s *Series) At(date time.Time) Point {
	if len(s.Points) == 0 {
		return Point{}
	}
	out := s.Points[0]
	for _, p := range s.Points {
		if p.Date.After(date) {
			break
		}
		out = p
	}
	return out
}

// Feature is one breakdown of a group.
type Feature struct {
	Name   string   `json:"feature"`
	Series []Series `json:"categories"`
}

// Category looks up a category series.
func (f *Feature) Category(name string) (*Series, bool) {
	for i := range f.Series {
		if f.Series[i].Category == name {
			return &f.Series[i], true
		}
	}
	return nil, false
}

// Group holds every computed breakdown of one priority group. The overall
// feature comes first.
type Group struct {
	Name     string    `json:"group"`
	Features []Feature `json:"features"`
}

// Feature looks up a breakdown by name.
func (g *Group) Feature(name string) (*Feature, bool) {
	for i := range g.Features {
		if g.Features[i].Name == name {
			return &g.Features[i], true
		}
	}
	return nil, false
}

// Overall returns the group's single overall series.
func (g *Group) Overall() *Series {
	f, ok := g.Feature(OverallName)
	if !ok || len(f.Series) == 0 {
		return &Series{Category: OverallName}
	}
	return &f.Series[0]
}

// FeatureError reports a breakdown that could not be computed. Other
// breakdowns of the same run are unaffected.
type FeatureError struct {
	Group   string
	Feature string
	Err     error
}

func (e *FeatureError) Error() string {
	return fmt.Sprintf("group %q feature %q: %v", e.Group, e.Feature, e.Err)
}

func (e *FeatureError) Unwrap() error {
	return e.Err
}

// MarshalJSON renders the error for report consumers.
func (e *FeatureError) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{
		"group":   e.Group,
		"feature": e.Feature,
		"error":   e.Err.Error(),
	})
}

// Result is the output of one Aggregate call.
type Result struct {
	DoseField     string
	ReferenceDate time.Time
	Groups        []Group
	Errors        []*FeatureError
}

type resultJSON struct {
	DoseField     string          `json:"dose_field"`
	ReferenceDate string          `json:"reference_date"`
	Groups        []Group         `json:"groups"`
	Errors        []*FeatureError `json:"errors,omitempty"`
}

// MarshalJSON writes the result with a calendar reference date.
func (r *Result) MarshalJSON() ([]byte, error) {
	return json.Marshal(resultJSON{
		DoseField:     r.DoseField,
		ReferenceDate: patient.FormatDate(r.ReferenceDate),
		Groups:        r.Groups,
		Errors:        r.Errors,
	})
}

// Group looks up a group by name.
func (r *Result) Group(name string) (*Group, bool) {
	for i := range r.Groups {
		if r.Groups[i].Name == name {
			return &r.Groups[i], true
		}
	}
	return nil, false
}

// Series looks up a single category series.
func (r *Result) Series(group, feature, category string) (*Series, bool) {
	g, ok := r.Group(group)
	if !ok {
		return nil, false
	}
	f, ok := g.Feature(feature)
	if !ok {
		return nil, false
	}
	return f.Category(category)
}

// RoundPercent rounds a percentage to one decimal place, halves away from
// zero.
func RoundPercent(p float64) float64 {
	return math.Round(p*10) / 10
}
