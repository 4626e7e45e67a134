package coverage

import (
	"time"

	"stealthcompany.com/vaccinecoverage/internal/disclosure"
	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// Share is a controlled count and its percentage of a controlled base.
type Share struct {
	Name    string  `json:"name"`
	Count   int     `json:"count"`
	Percent float64 `json:"percent"`
}

// GroupHeadline is the overall position of one group at the reference
// date. Count-only groups carry no total or percent.
type GroupHeadline struct {
	Group      string  `json:"group"`
	Vaccinated int     `json:"vaccinated"`
	Total      int     `json:"total,omitempty"`
	Percent    float64 `json:"percent,omitempty"`
	CountOnly  bool    `json:"count_only,omitempty"`
}

// Headline summarises a whole run. Brand and second-dose figures are only
// filled for first-dose results.
type Headline struct {
	DoseField       string          `json:"dose_field"`
	ReferenceDate   string          `json:"reference_date"`
	TotalVaccinated int             `json:"total_vaccinated"`
	Groups          []GroupHeadline `json:"groups"`
	Brands          []Share         `json:"brands,omitempty"`
	SecondDoses     *Share          `json:"second_doses,omitempty"`
	MixedDoses      []Share         `json:"mixed_doses,omitempty"`
}

var brands = []struct {
	name string
	dose string
}{
	{"Oxford-AZ", patient.OxfordDose},
	{"Pfizer", patient.PfizerDose},
	{"Moderna", patient.ModernaDose},
}

var mixedPairs = [][2]int{{0, 1}, {0, 2}, {2, 1}}

// NewHeadline summarises an aggregation result. countOnly names groups that
// report a vaccinated count alone.
func NewHeadline(ds *patient.Dataset, res *Result, ctrl disclosure.Control, countOnly ...string) Headline {
	ref := res.ReferenceDate
	skip := make(map[string]bool, len(countOnly))
	for _, g := range countOnly {
		skip[g] = true
	}

	h := Headline{
		DoseField:       res.DoseField,
		ReferenceDate:   patient.FormatDate(ref),
		TotalVaccinated: ctrl.Apply(countDose(ds.Records, res.DoseField, ref)),
	}

	for i := range res.Groups {
		g := &res.Groups[i]
		latest := g.Overall().Latest()
		gh := GroupHeadline{Group: g.Name, Vaccinated: latest.Vaccinated, CountOnly: skip[g.Name]}
		if !gh.CountOnly {
			gh.Total = latest.Total
			gh.Percent = RoundPercent(latest.Percent)
		}
		h.Groups = append(h.Groups, gh)
	}

	if res.DoseField != patient.FirstDose {
		return h
	}

	// A brand counts towards first doses only when given on the first-dose
	// date; later brands belong to later doses.
	for _, b := range brands {
		n := 0
		for _, rec := range ds.Records {
			first, ok := rec.Dose(patient.FirstDose)
			if !ok || first.After(ref) {
				continue
			}
			if d, ok := rec.Dose(b.dose); ok && d.Equal(first) {
				n++
			}
		}
		h.Brands = append(h.Brands, share(b.name, ctrl.Apply(n), h.TotalVaccinated))
	}

	second := ctrl.Apply(countDose(ds.Records, patient.SecondDose, ref))
	sd := share("Second doses", second, h.TotalVaccinated)
	h.SecondDoses = &sd

	for _, pair := range mixedPairs {
		a, b := brands[pair[0]], brands[pair[1]]
		n := 0
		for _, rec := range ds.Records {
			if _, ok := doseBy(rec, patient.SecondDose, ref); !ok {
				continue
			}
			_, hasA := doseBy(rec, a.dose, ref)
			_, hasB := doseBy(rec, b.dose, ref)
			if hasA && hasB {
				n++
			}
		}
		h.MixedDoses = append(h.MixedDoses, share(a.name+" + "+b.name, ctrl.Apply(n), second))
	}
	return h
}

func share(name string, count, base int) Share {
	pct, _ := disclosure.Percent(count, base)
	return Share{Name: name, Count: count, Percent: RoundPercent(pct)}
}

func doseBy(rec patient.Record, dose string, ref time.Time) (time.Time, bool) {
	d, ok := rec.Dose(dose)
	if !ok || d.After(ref) {
		return time.Time{}, false
	}
	return d, true
}

func countDose(records []patient.Record, dose string, ref time.Time) int {
	n := 0
	for _, rec := range records {
		if _, ok := doseBy(rec, dose, ref); ok {
			n++
		}
	}
	return n
}
