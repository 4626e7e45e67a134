package patient

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mustDate(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := ParseDate(s)
	require.NoError(t, err)
	return d
}

func TestRecordUnmarshal(t *testing.T) {
	raw := `{"patient_id":"p1","attributes":{"sex":"F"},"numbers":{"age":81},
		"flags":{"CKD_COV":{"present":true,"date":"2019-03-01"},"AST":{"present":false}},
		"doses":{"covid_vacc_date":"2021-01-10","covid_vacc_second_dose_date":"0"}}`

	var r Record
	require.NoError(t, json.Unmarshal([]byte(raw), &r))

	require.Equal(t, "p1", r.ID)
	sex, ok := r.Attr("sex")
	require.True(t, ok)
	require.Equal(t, "F", sex)

	ckd := r.Flag("CKD_COV")
	require.True(t, ckd.Present)
	require.Equal(t, mustDate(t, "2019-03-01"), ckd.Date)
	require.False(t, r.Flag("missing").Present)

	first, ok := r.Dose(FirstDose)
	require.True(t, ok)
	require.Equal(t, mustDate(t, "2021-01-10"), first)
	_, ok = r.Dose(SecondDose)
	require.False(t, ok, "placeholder date must read as absent")

	age, ok := r.Number("age")
	require.True(t, ok)
	require.Equal(t, 81.0, age)
	_, ok = r.Number("bmi_value")
	require.False(t, ok, "absent number must report absence")
}

func TestRecordUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{name: "missing id", raw: `{"attributes":{}}`, want: "patient_id"},
		{name: "bad flag date", raw: `{"patient_id":"x","flags":{"AST":{"present":true,"date":"01/02/2020"}}}`, want: "flag AST"},
		{name: "bad dose date", raw: `{"patient_id":"x","doses":{"covid_vacc_date":"yesterday"}}`, want: "dose covid_vacc_date"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r Record
			err := json.Unmarshal([]byte(tt.raw), &r)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRecordRoundTripKeepsDates(t *testing.T) {
	in := Record{
		ID:    "p2",
		Flags: map[string]Flag{"DIAB": {Present: true, Date: mustDate(t, "2018-05-05")}},
		Doses: map[string]time.Time{FirstDose: mustDate(t, "2021-02-01")},
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)
	require.Contains(t, string(b), `"docType":"PatientRecord"`)

	var out Record
	require.NoError(t, json.Unmarshal(b, &out))
	require.Equal(t, in.Flags, out.Flags)
	require.Equal(t, in.Doses, out.Doses)
}

func TestWithFlagsCopies(t *testing.T) {
	base := Record{ID: "p", Flags: map[string]Flag{"A": {Present: true}}}
	derived := base.WithFlags(map[string]Flag{"B": {Present: true}})

	require.True(t, derived.Flag("A").Present)
	require.True(t, derived.Flag("B").Present)
	require.False(t, base.Flag("B").Present, "base record must not change")
}

func TestSchema(t *testing.T) {
	s, err := DefaultSchema()
	require.NoError(t, err)
	require.True(t, s.Has(KindFlag, "CKD_COV"))
	require.True(t, s.Has(KindDose, FirstDose))
	require.True(t, s.HasDate("CKD15"))
	require.False(t, s.HasDate("sex"))

	cleaned, err := CleanedSchema(s)
	require.NoError(t, err)
	require.True(t, cleaned.Has(KindAttribute, "ethnicity_6_groups"))
	require.True(t, cleaned.Has(KindAttribute, "dementia"))
	require.True(t, cleaned.Has(KindFlag, "dementia"))
	require.False(t, s.Has(KindAttribute, "ethnicity_6_groups"), "Extend must copy")

	_, err = LoadSchema(strings.NewReader(`{"flags":["A","A"]}`))
	require.Error(t, err)

	err = s.Validate(Record{ID: "p", Flags: map[string]Flag{"NOPE": {}}})
	require.ErrorContains(t, err, `undeclared flag column "NOPE"`)
}

func TestClean(t *testing.T) {
	opts := DefaultCleanOptions()

	tests := []struct {
		name string
		in   Record
		attr string
		want string
	}{
		{
			name: "indeterminate sex",
			in:   Record{ID: "1", Attributes: map[string]string{"sex": "I"}},
			attr: "sex", want: "Other/Unknown",
		},
		{
			name: "six group ethnicity",
			in:   Record{ID: "2", Attributes: map[string]string{"ethnicity": "3"}},
			attr: "ethnicity_6_groups", want: "South Asian",
		},
		{
			name: "missing ethnicity",
			in:   Record{ID: "3"},
			attr: "ethnicity_6_groups", want: "Unknown",
		},
		{
			name: "imd quintile",
			in:   Record{ID: "4", Attributes: map[string]string{"imd": "1"}},
			attr: "imd_categories", want: "1 Most deprived",
		},
		{
			name: "obese",
			in:   Record{ID: "5", Attributes: map[string]string{"bmi": "Obese I (30-34.9)"}},
			attr: "bmi", want: "30+",
		},
		{
			name: "care home resident aged 67 is rebanded",
			in: Record{ID: "6",
				Attributes: map[string]string{"care_home_type": "PN", "ageband": "60-69"},
				Numbers:    map[string]float64{"age": 67}},
			attr: "ageband", want: "65-69",
		},
		{
			name: "care home flag under 65 reverts to age band",
			in: Record{ID: "7",
				Attributes: map[string]string{"ageband_community": "care home", "ageband": "50-59"},
				Numbers:    map[string]float64{"age": 52}},
			attr: "community_ageband", want: "50-59",
		},
		{
			name: "ssri excluded with dementia",
			in: Record{ID: "8", Flags: map[string]Flag{
				"ssri": {Present: true}, "dementia": {Present: true}}},
			attr: "ssri", want: "no",
		},
		{
			name: "ssri alone",
			in:   Record{ID: "9", Flags: map[string]Flag{"ssri": {Present: true}}},
			attr: "ssri", want: "yes",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := Clean(tt.in, opts)
			got, _ := out.Attr(tt.attr)
			if got != tt.want {
				t.Errorf("Expected %s=%q, got %q", tt.attr, tt.want, got)
			}
		})
	}
}

func TestCleanDoseSpacing(t *testing.T) {
	in := Record{ID: "d", Doses: map[string]time.Time{
		FirstDose:  mustDate(t, "2021-01-01"),
		SecondDose: mustDate(t, "2021-01-10"),
		ThirdDose:  mustDate(t, "2021-06-01"),
	}}
	out := Clean(in, DefaultCleanOptions())

	_, ok := out.Dose(SecondDose)
	require.False(t, ok, "second dose 9 days after first is dropped")
	_, ok = out.Dose(ThirdDose)
	require.False(t, ok, "third dose without a valid second is dropped")
	_, ok = in.Dose(SecondDose)
	require.True(t, ok, "input record is untouched")
}

func TestLatestDate(t *testing.T) {
	ds := Dataset{Records: []Record{
		{ID: "a", Doses: map[string]time.Time{FirstDose: mustDate(t, "2021-01-03")}},
		{ID: "b", Doses: map[string]time.Time{FirstDose: mustDate(t, "2021-02-14")}},
		{ID: "c"},
	}}
	latest, ok := ds.LatestDate(FirstDose)
	require.True(t, ok)
	require.Equal(t, mustDate(t, "2021-02-14"), latest)

	_, ok = ds.LatestDate(ThirdDose)
	require.False(t, ok)
}
