package coverage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"stealthcompany.com/vaccinecoverage/internal/disclosure"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/priority"
)

func day(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := patient.ParseDate(s)
	require.NoError(t, err)
	return d
}

func cleanedSchema(t *testing.T) *patient.Schema {
	t.Helper()
	base, err := patient.DefaultSchema()
	require.NoError(t, err)
	s, err := patient.CleanedSchema(base)
	require.NoError(t, err)
	return s
}

// eightyPlus builds 30 patients aged 80+: 20 men and 10 women. Seven men
// are vaccinated on 4 Jan, seven more men and seven women on 11 Jan, and
// one woman after the reference date.
func eightyPlus(t *testing.T) (*patient.Dataset, []priority.Assignment) {
	t.Helper()
	ds := &patient.Dataset{Schema: cleanedSchema(t)}
	var assignments []priority.Assignment
	for i := 0; i < 30; i++ {
		rec := patient.Record{
			ID:         fmt.Sprintf("p%02d", i),
			Attributes: map[string]string{"sex": "M", "ethnicity_6_groups": "White"},
			Doses:      map[string]time.Time{},
		}
		if i >= 20 {
			rec.Attributes["sex"] = "F"
		}
		switch {
		case i < 7:
			rec.Doses[patient.FirstDose] = day(t, "2021-01-04")
		case i < 14, i >= 20 && i < 27:
			rec.Doses[patient.FirstDose] = day(t, "2021-01-11")
		case i == 27:
			rec.Doses[patient.FirstDose] = day(t, "2021-02-01")
		}
		ds.Records = append(ds.Records, rec)
		assignments = append(assignments, priority.Assignment{PatientID: rec.ID, Group: "80+", Rank: 1})
	}
	return ds, assignments
}

func firstDoseRequest(t *testing.T, features FeatureSet) Request {
	return Request{
		DoseField:     patient.FirstDose,
		ReferenceDate: day(t, "2021-01-18"),
		Groups:        []string{"80+"},
		Features:      features,
		Control:       disclosure.Default(),
		Workers:       4,
	}
}

func TestAggregateSeries(t *testing.T) {
	ds, assignments := eightyPlus(t)
	res, err := Aggregate(context.Background(), ds, assignments, firstDoseRequest(t, FeatureSet{
		DefaultKey: {{Name: "sex", Categories: []string{"M", "F"}}},
	}))
	require.NoError(t, err)
	require.Empty(t, res.Errors)

	type row struct {
		date       string
		vaccinated int
		total      int
		percent    float64
	}
	tests := []struct {
		feature  string
		category string
		expected []row
	}{
		{OverallName, OverallName, []row{
			{"2021-01-04", 7, 28, 25},
			{"2021-01-11", 21, 28, 75},
			{"2021-01-18", 21, 28, 75},
		}},
		{"sex", "M", []row{
			{"2021-01-04", 7, 21, 100.0 / 3},
			{"2021-01-11", 14, 21, 200.0 / 3},
			{"2021-01-18", 14, 21, 200.0 / 3},
		}},
		{"sex", "F", []row{
			{"2021-01-04", 0, 7, 0},
			{"2021-01-11", 7, 7, 100},
			{"2021-01-18", 7, 7, 100},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.feature+"/"+tt.category, func(t *testing.T) {
			s, ok := res.Series("80+", tt.feature, tt.category)
			require.True(t, ok)
			require.Len(t, s.Points, len(tt.expected))
			for i, want := range tt.expected {
				p := s.Points[i]
				require.Equal(t, want.date, patient.FormatDate(p.Date))
				require.Equal(t, want.vaccinated, p.Vaccinated)
				require.Equal(t, want.total, p.Total)
				require.InDelta(t, want.percent, p.Percent, 1e-9)
				require.False(t, p.Clamped)
			}
		})
	}

	g, ok := res.Group("80+")
	require.True(t, ok)
	require.Equal(t, OverallName, g.Features[0].Name, "overall feature comes first")
}

func TestAggregateInvariants(t *testing.T) {
	ds, assignments := eightyPlus(t)
	features, err := DefaultFeatures()
	require.NoError(t, err)
	req := firstDoseRequest(t, features)
	req.ReferenceDate = day(t, "2021-03-01")

	res, err := Aggregate(context.Background(), ds, assignments, req)
	require.NoError(t, err)

	for _, g := range res.Groups {
		for _, f := range g.Features {
			for _, s := range f.Series {
				require.True(t, req.Control.Compliant(s.Total), "%s/%s total %d", f.Name, s.Category, s.Total)
				last := 0
				for _, p := range s.Points {
					require.True(t, req.Control.Compliant(p.Vaccinated))
					require.GreaterOrEqual(t, p.Vaccinated, last, "%s/%s not monotone", f.Name, s.Category)
					require.LessOrEqual(t, p.Percent, 100.0)
					last = p.Vaccinated
				}
				require.Equal(t, req.ReferenceDate, s.Latest().Date, "series must end on the reference date")
			}
		}
	}

	// The late dose now falls inside the window.
	s, ok := res.Series("80+", OverallName, OverallName)
	require.True(t, ok)
	require.Equal(t, "2021-02-01", patient.FormatDate(s.Points[2].Date))
	require.Equal(t, 21, s.At(day(t, "2021-01-31")).Vaccinated)
}

func TestAggregateKeepsEmptyCategories(t *testing.T) {
	ds, assignments := eightyPlus(t)
	res, err := Aggregate(context.Background(), ds, assignments, firstDoseRequest(t, FeatureSet{
		DefaultKey: {{Name: "ethnicity_6_groups", Categories: []string{"White", "Black"}}, {Name: "bmi"}},
	}))
	require.NoError(t, err)

	black, ok := res.Series("80+", "ethnicity_6_groups", "Black")
	require.True(t, ok, "empty category must still be reported")
	require.Equal(t, 0, black.Total)
	require.Len(t, black.Points, 3)
	for _, p := range black.Points {
		require.Zero(t, p.Vaccinated)
		require.Zero(t, p.Percent)
	}

	unknown, ok := res.Series("80+", "bmi", UnknownCategory)
	require.True(t, ok, "missing attribute values fall into Unknown")
	require.Equal(t, 28, unknown.Total)
}

func TestAggregateIsolatesFeatureErrors(t *testing.T) {
	ds, assignments := eightyPlus(t)
	res, err := Aggregate(context.Background(), ds, assignments, firstDoseRequest(t, FeatureSet{
		DefaultKey: {{Name: "sex"}, {Name: "frailty_score"}, {Name: "ethnicity_6_groups", Exclude: "no_such_flag"}},
	}))
	require.NoError(t, err)

	require.Len(t, res.Errors, 2)
	require.Equal(t, "frailty_score", res.Errors[0].Feature)
	require.Contains(t, res.Errors[0].Error(), `group "80+" feature "frailty_score"`)
	require.Contains(t, res.Errors[1].Error(), `unknown exclusion flag column "no_such_flag"`)

	var featErr *FeatureError
	require.True(t, errors.As(res.Errors[0], &featErr))

	g, _ := res.Group("80+")
	var names []string
	for _, f := range g.Features {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{OverallName, "sex"}, names)
}

func TestAggregateExclusion(t *testing.T) {
	ds, assignments := eightyPlus(t)
	for i := 0; i < 7; i++ {
		ds.Records[i] = ds.Records[i].WithFlags(map[string]patient.Flag{"care_home_primis": {Present: true}})
	}
	res, err := Aggregate(context.Background(), ds, assignments, firstDoseRequest(t, FeatureSet{
		DefaultKey: {{Name: "sex", Categories: []string{"M"}, Exclude: "care_home_primis"}},
	}))
	require.NoError(t, err)

	m, ok := res.Series("80+", "sex", "M")
	require.True(t, ok)
	require.Equal(t, 14, m.Total)
	require.Equal(t, 7, m.Latest().Vaccinated)
}

func TestAggregateFatalErrors(t *testing.T) {
	ds, assignments := eightyPlus(t)

	req := firstDoseRequest(t, nil)
	req.DoseField = "covid_vacc_fourth_dose_date"
	_, err := Aggregate(context.Background(), ds, assignments, req)
	require.ErrorContains(t, err, `unknown dose field "covid_vacc_fourth_dose_date"`)

	_, err = Aggregate(context.Background(), ds, assignments[1:], firstDoseRequest(t, nil))
	require.ErrorContains(t, err, "patient p00 has no priority assignment")

	req = firstDoseRequest(t, nil)
	req.Control = disclosure.Control{RoundingUnit: 0}
	_, err = Aggregate(context.Background(), ds, assignments, req)
	require.ErrorIs(t, err, disclosure.ErrInvalidUnit)
}

func TestAggregateDefaultsReferenceDate(t *testing.T) {
	ds, assignments := eightyPlus(t)
	req := firstDoseRequest(t, nil)
	req.ReferenceDate = time.Time{}

	res, err := Aggregate(context.Background(), ds, assignments, req)
	require.NoError(t, err)
	require.Equal(t, day(t, "2021-02-01"), res.ReferenceDate)
}

func TestAggregateIsDeterministic(t *testing.T) {
	ds, assignments := eightyPlus(t)
	features, err := DefaultFeatures()
	require.NoError(t, err)

	var outputs []string
	for _, workers := range []int{1, 3, 16} {
		req := firstDoseRequest(t, features)
		req.Workers = workers
		res, err := Aggregate(context.Background(), ds, assignments, req)
		require.NoError(t, err)
		b, err := json.Marshal(res)
		require.NoError(t, err)
		outputs = append(outputs, string(b))
	}
	require.Equal(t, outputs[0], outputs[1])
	require.Equal(t, outputs[0], outputs[2])
	require.Contains(t, outputs[0], `"vaccinated_count":21`)
	require.Contains(t, outputs[0], `"reference_date":"2021-01-18"`)
}

func TestLoadFeatures(t *testing.T) {
	fs, err := DefaultFeatures()
	require.NoError(t, err)

	careHome := fs.For("care home")
	require.Len(t, careHome, 4)
	require.Equal(t, FeatureSpec{Name: "sex", Categories: []string{"M", "F"}}, careHome[0])
	require.Len(t, fs.For("80+"), 18, "groups without an entry use the default list")

	tests := []struct {
		name string
		doc  string
		want string
	}{
		{"duplicate", `{"a":["sex","sex"]}`, `group "a": duplicate feature "sex"`},
		{"reserved", `{"a":["overall"]}`, `reserved`},
		{"unnamed", `{"a":[{"categories":["x"]}]}`, `feature without a name`},
		{"wrong type", `{"a":[7]}`, `column name or an object`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFeatures(strings.NewReader(tt.doc))
			require.ErrorContains(t, err, tt.want)
		})
	}
}

func TestHeadline(t *testing.T) {
	ds := &patient.Dataset{Schema: cleanedSchema(t)}
	var assignments []priority.Assignment
	first := day(t, "2021-01-04")
	second := day(t, "2021-03-01")
	for i := 0; i < 70; i++ {
		rec := patient.Record{ID: fmt.Sprintf("p%02d", i), Doses: map[string]time.Time{}}
		group := "80+"
		if i >= 35 {
			group = "other"
		}
		if i < 56 {
			rec.Doses[patient.FirstDose] = first
			if i < 42 {
				rec.Doses[patient.OxfordDose] = first
			} else {
				rec.Doses[patient.PfizerDose] = first
			}
		}
		if i < 14 {
			rec.Doses[patient.SecondDose] = second
			if i < 7 {
				rec.Doses[patient.PfizerDose] = second
			}
		}
		ds.Records = append(ds.Records, rec)
		assignments = append(assignments, priority.Assignment{PatientID: rec.ID, Group: group})
	}

	req := Request{
		DoseField:     patient.FirstDose,
		ReferenceDate: day(t, "2021-03-08"),
		Groups:        []string{"80+", "other"},
		Features:      OverallOnly(),
		Control:       disclosure.Default(),
	}
	res, err := Aggregate(context.Background(), ds, assignments, req)
	require.NoError(t, err)

	h := NewHeadline(ds, res, req.Control, "other")
	require.Equal(t, 56, h.TotalVaccinated)
	require.Equal(t, []GroupHeadline{
		{Group: "80+", Vaccinated: 35, Total: 35, Percent: 100},
		{Group: "other", Vaccinated: 21, CountOnly: true},
	}, h.Groups)

	require.Equal(t, []Share{
		{Name: "Oxford-AZ", Count: 42, Percent: 75},
		{Name: "Pfizer", Count: 14, Percent: 25},
		{Name: "Moderna", Count: 0, Percent: 0},
	}, h.Brands)
	require.Equal(t, &Share{Name: "Second doses", Count: 14, Percent: 25}, h.SecondDoses)
	require.Equal(t, Share{Name: "Oxford-AZ + Pfizer", Count: 7, Percent: 50}, h.MixedDoses[0])
}

func TestSchedule(t *testing.T) {
	ds := &patient.Dataset{Schema: cleanedSchema(t)}
	var assignments []priority.Assignment
	for i := 0; i < 210; i++ {
		rec := patient.Record{ID: fmt.Sprintf("p%03d", i), Doses: map[string]time.Time{}}
		switch {
		case i < 140:
			rec.Doses[patient.FirstDose] = day(t, "2021-01-04")
			if i < 70 {
				rec.Doses[patient.SecondDose] = day(t, "2021-03-29")
			}
		case i < 175:
			// first dose too recent to be due
			rec.Doses[patient.FirstDose] = day(t, "2021-04-05")
		}
		ds.Records = append(ds.Records, rec)
		assignments = append(assignments, priority.Assignment{PatientID: rec.ID, Group: "70-79", Rank: 2})
	}

	res, err := Schedule(context.Background(), ds, assignments,
		SecondDoseSchedule(day(t, "2021-04-30"), []string{"70-79"}, disclosure.Default()))
	require.NoError(t, err)
	require.Empty(t, res.Errors)
	require.Equal(t, "2021-01-22", res.DueBy)
	require.Len(t, res.Rows, 1)

	row := res.Rows[0]
	require.Equal(t, 140, row.Due)
	require.Equal(t, 70, row.Given)
	require.Equal(t, 70, row.Overdue)
	require.Equal(t, 210, row.Total)
	require.Equal(t, 50.0, row.PercentGiven)
	require.Equal(t, 50.0, row.PercentOverdue)
	require.InDelta(t, 300.0/137, row.PosError, 1e-9)
	require.InDelta(t, 300.0/143, row.NegError, 1e-9)

	small, err := Schedule(context.Background(), ds, assignments[:14], ScheduleRequest{
		Dose: patient.SecondDose, Previous: patient.FirstDose, Interval: SecondDoseInterval,
		ReferenceDate: day(t, "2021-04-30"), Control: disclosure.Default(),
	})
	require.Error(t, err, "records without an assignment are rejected")
	require.Nil(t, small)

	_, err = Schedule(context.Background(), ds, assignments, ScheduleRequest{
		Dose: patient.SecondDose, Previous: patient.FirstDose, Control: disclosure.Default(),
	})
	require.ErrorContains(t, err, "dose interval must be positive")
}

func TestScheduleHidesErrorBarsForSmallCategories(t *testing.T) {
	ds := &patient.Dataset{Schema: cleanedSchema(t)}
	var assignments []priority.Assignment
	for i := 0; i < 21; i++ {
		rec := patient.Record{ID: fmt.Sprintf("p%02d", i), Doses: map[string]time.Time{
			patient.FirstDose: day(t, "2021-01-04"),
		}}
		ds.Records = append(ds.Records, rec)
		assignments = append(assignments, priority.Assignment{PatientID: rec.ID, Group: "80+", Rank: 1})
	}
	res, err := Schedule(context.Background(), ds, assignments,
		SecondDoseSchedule(day(t, "2021-04-30"), nil, disclosure.Default()))
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	require.Equal(t, 21, res.Rows[0].Overdue)
	require.Equal(t, 100.0, res.Rows[0].PercentOverdue)
	require.Zero(t, res.Rows[0].PosError)
	require.Zero(t, res.Rows[0].NegError)
}

func TestColumnCompleteness(t *testing.T) {
	ds, assignments := eightyPlus(t)
	for i := 0; i < 9; i++ {
		ds.Records[i] = ds.Records[i].WithAttributes(map[string]string{EthnicityColumn: UnknownCategory})
	}

	out, err := ColumnCompleteness(ds, assignments, EthnicityColumn, nil, disclosure.Default())
	require.NoError(t, err)
	require.Equal(t, []Completeness{
		{Group: "80+", Column: EthnicityColumn, Total: 28, Known: 21, Percent: 75},
	}, out)

	_, err = ColumnCompleteness(ds, assignments, "ethnicity_99", nil, disclosure.Default())
	require.ErrorContains(t, err, `unknown attribute column "ethnicity_99"`)
}

func TestCompareCareHomeFlags(t *testing.T) {
	ds := &patient.Dataset{Schema: cleanedSchema(t)}
	add := func(n int, band string, address, code bool) {
		for i := 0; i < n; i++ {
			rec := patient.Record{
				ID:         fmt.Sprintf("p%03d", len(ds.Records)),
				Attributes: map[string]string{"ageband": band, CareHomeAddressColumn: "no"},
				Flags:      map[string]patient.Flag{},
			}
			if address {
				rec.Attributes[CareHomeAddressColumn] = "yes"
			}
			if code {
				rec.Flags[CareHomeCodeFlag] = patient.Flag{Present: true}
			}
			ds.Records = append(ds.Records, rec)
		}
	}
	add(15, "80+", true, false)
	add(4, "80+", false, true)
	add(21, "70-79", true, true)
	add(10, "50-54", true, true)
	add(10, "80+", false, false)

	got, err := CompareCareHomeFlags(ds, disclosure.Default())
	require.NoError(t, err)
	require.Equal(t, &CareHomeComparison{
		AddressOnly:        14,
		CodeOnly:           0,
		Both:               21,
		Total:              35,
		AddressOnlyPercent: 40,
		CodeOnlyPercent:    0,
		BothPercent:        60,
	}, got)

	noFlag, err := patient.LoadSchema(strings.NewReader(`{"attributes":["ageband","care_home"]}`))
	require.NoError(t, err)
	_, err = CompareCareHomeFlags(&patient.Dataset{Schema: noFlag}, disclosure.Default())
	require.ErrorContains(t, err, `unknown flag column "care_home_primis"`)
}
