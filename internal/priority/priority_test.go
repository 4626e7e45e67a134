package priority

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/rules"
)

func clinicalRules(t *testing.T) *rules.RuleSet {
	t.Helper()
	base, err := patient.DefaultSchema()
	require.NoError(t, err)
	schema, err := patient.CleanedSchema(base)
	require.NoError(t, err)
	rs, err := rules.Clinical(schema)
	require.NoError(t, err)
	return rs
}

func person(id string, age float64, flags ...string) patient.Record {
	rec := patient.Record{
		ID:         id,
		Numbers:    map[string]float64{"age": age},
		Attributes: map[string]string{"care_home": "no"},
		Flags:      map[string]patient.Flag{},
	}
	for _, f := range flags {
		rec.Flags[f] = patient.Flag{Present: true}
	}
	return rec
}

func TestShippedDefinitions(t *testing.T) {
	defs, err := Default(clinicalRules(t))
	require.NoError(t, err)

	require.Equal(t, []string{
		"80+", "70-79", "care home", "shielding (aged 16-69)", "65-69",
		"LD (aged 16-64)", "60-64", "55-59", "50-54",
		"16-49, not in other eligible groups shown",
	}, defs.Names())
	require.Equal(t, "16-49, not in other eligible groups shown", defs.DefaultGroup())

	careHome := person("ch", 67)
	careHome.Attributes["care_home"] = "yes"

	tests := []struct {
		name     string
		rec      patient.Record
		expected string
	}{
		{"over 80", person("a", 84), "80+"},
		{"exactly 80", person("b", 80), "80+"},
		{"seventies", person("c", 79), "70-79"},
		{"care home resident", careHome, "care home"},
		{"shielding", person("d", 40, "severely_clinically_vulnerable"), "shielding (aged 16-69)"},
		{"shielding at 72 is age-banded", person("e", 72, "severely_clinically_vulnerable"), "70-79"},
		{"sixties", person("f", 66), "65-69"},
		{"learning disability", person("g", 30, "intel_dis_incl_downs_syndrome"), "LD (aged 16-64)"},
		{"early sixties", person("h", 61), "60-64"},
		{"late fifties", person("i", 58), "55-59"},
		{"early fifties", person("j", 50), "50-54"},
		{"young adult", person("k", 30), "16-49, not in other eligible groups shown"},
		{"no age recorded", patient.Record{ID: "l"}, "16-49, not in other eligible groups shown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := defs.Assign(tt.rec)
			if got.Group != tt.expected {
				t.Errorf("Expected %s, got %s", tt.expected, got.Group)
			}
			require.Equal(t, tt.rec.ID, got.PatientID)
		})
	}
}

func TestShieldingOutranksAge(t *testing.T) {
	rs := clinicalRules(t)
	defs, err := New([]GroupDefinition{
		{Name: "80+", Rank: 2, Rule: rules.NumberCmp("age", ">=", 80)},
		{Name: "shielding", Rank: 1, Column: "shielded"},
		{Name: "other", Rank: 0},
	}, rs)
	require.NoError(t, err)

	both := rs.Derive(person("p", 85, "severely_clinically_vulnerable"))
	require.Equal(t, Assignment{PatientID: "p", Group: "shielding", Rank: 1}, defs.Assign(both))

	ageOnly := rs.Derive(person("q", 85))
	require.Equal(t, Assignment{PatientID: "q", Group: "80+", Rank: 2}, defs.Assign(ageOnly))
}

func TestLoadConfigErrors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{
			name: "duplicate rank",
			doc:  `{"groups":[{"name":"a","rank":1,"column":"shielded"},{"name":"b","rank":1,"column":"shielded"},{"name":"o","rank":0}]}`,
			want: `group "b": rank 1 already used by "a"`,
		},
		{
			name: "duplicate name",
			doc:  `{"groups":[{"name":"a","rank":1,"column":"shielded"},{"name":"a","rank":2,"column":"shielded"},{"name":"o","rank":0}]}`,
			want: `group "a": duplicate group name`,
		},
		{
			name: "missing default",
			doc:  `{"groups":[{"name":"a","rank":1,"column":"shielded"}]}`,
			want: `no default group with rank 0`,
		},
		{
			name: "two defaults",
			doc:  `{"groups":[{"name":"o","rank":0},{"name":"p","rank":0}]}`,
			want: `rank 0 already used by "o"`,
		},
		{
			name: "default with rule",
			doc:  `{"groups":[{"name":"o","rank":0,"column":"shielded"}]}`,
			want: `default group takes no rule or column`,
		},
		{
			name: "negative rank",
			doc:  `{"groups":[{"name":"a","rank":-1,"column":"shielded"},{"name":"o","rank":0}]}`,
			want: `negative rank -1`,
		},
		{
			name: "no predicate",
			doc:  `{"groups":[{"name":"a","rank":1},{"name":"o","rank":0}]}`,
			want: `group "a": needs a rule or a column`,
		},
		{
			name: "both predicates",
			doc:  `{"groups":[{"name":"a","rank":1,"column":"shielded","rule":{"op":"ref","name":"shielded"}},{"name":"o","rank":0}]}`,
			want: `takes a rule or a column, not both`,
		},
		{
			name: "unknown column",
			doc:  `{"groups":[{"name":"a","rank":1,"column":"frail"},{"name":"o","rank":0}]}`,
			want: `group "a": unknown flag column "frail"`,
		},
		{
			name: "rule over unknown field",
			doc:  `{"groups":[{"name":"a","rank":1,"rule":{"op":"and","args":[{"op":"flag","field":"frail"}]}},{"name":"o","rank":0}]}`,
			want: `args[0]: unknown flag field "frail"`,
		},
	}

	rs := clinicalRules(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(strings.NewReader(tt.doc), rs)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRuleErrorUnwraps(t *testing.T) {
	_, err := Load(strings.NewReader(
		`{"groups":[{"name":"a","rank":1,"rule":{"op":"flag","field":"frail"}},{"name":"o","rank":0}]}`,
	), clinicalRules(t))
	var cfgErr *rules.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	require.Equal(t, "group a", cfgErr.Rule)
}

func TestAssignAllIsExclusiveAndComplete(t *testing.T) {
	rs := clinicalRules(t)
	defs, err := Default(rs)
	require.NoError(t, err)

	records := make([]patient.Record, 500)
	for i := range records {
		var flags []string
		if i%7 == 0 {
			flags = append(flags, "severely_clinically_vulnerable")
		}
		if i%11 == 0 {
			flags = append(flags, "intel_dis_incl_downs_syndrome")
		}
		records[i] = person(fmt.Sprintf("p%03d", i), float64(16+i%80), flags...)
	}

	first, err := defs.AssignAll(context.Background(), records, 8)
	require.NoError(t, err)
	again, err := defs.AssignAll(context.Background(), records, 3)
	require.NoError(t, err)
	require.Equal(t, first, again)

	seen := map[string]bool{}
	for i, a := range first {
		require.Equal(t, records[i].ID, a.PatientID)
		require.False(t, seen[a.PatientID])
		seen[a.PatientID] = true
	}

	total := 0
	for _, n := range Counts(first) {
		total += n
	}
	require.Equal(t, len(records), total)
}

func TestFold(t *testing.T) {
	in := []Assignment{
		{PatientID: "1", Group: "80+", Rank: 1},
		{PatientID: "2", Group: "LD (aged 16-64)", Rank: 6},
		{PatientID: "3", Group: "other", Rank: 0},
		{PatientID: "4", Group: "70-79", Rank: 2},
	}

	out := Fold(in, []string{"80+", "70-79", "other"}, "not otherwise classified")
	require.Equal(t, []Assignment{
		{PatientID: "1", Group: "80+", Rank: 1},
		{PatientID: "2", Group: "not otherwise classified", Rank: 0},
		{PatientID: "3", Group: "not otherwise classified", Rank: 0},
		{PatientID: "4", Group: "70-79", Rank: 2},
	}, out)
	require.Equal(t, "LD (aged 16-64)", in[1].Group, "input must not change")

	require.Equal(t, map[string]int{"80+": 1, "70-79": 1, "not otherwise classified": 2}, Counts(out))
}

func TestRare(t *testing.T) {
	var in []Assignment
	add := func(n int, group string, rank int) {
		for i := 0; i < n; i++ {
			in = append(in, Assignment{PatientID: fmt.Sprintf("%s-%d", group, i), Group: group, Rank: rank})
		}
	}
	add(7, "80+", 1)
	add(3, "LD (aged 16-64)", 6)
	add(6, "care home", 3)
	add(2, "other", DefaultRank)

	tests := []struct {
		minSize int
		want    []string
	}{
		{7, []string{"LD (aged 16-64)", "care home"}},
		{4, []string{"LD (aged 16-64)"}},
		{0, nil},
	}
	for _, tt := range tests {
		got := Rare(in, tt.minSize)
		if !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Expected rare groups %v below %d, got %v", tt.want, tt.minSize, got)
		}
	}
}

func TestBindReadsIndexDate(t *testing.T) {
	recent := rules.DateCmp(rules.Field("CKD_COV"), ">=", rules.IndexDate(-30), rules.AbsentFalse)
	defs, err := New([]GroupDefinition{
		{Name: "recent CKD", Rank: 1, Rule: recent},
		{Name: "other", Rank: DefaultRank},
	}, clinicalRules(t))
	require.NoError(t, err)

	rec := person("p", 50)
	rec.Flags["CKD_COV"] = patient.Flag{Present: true, Date: time.Date(2021, 2, 20, 0, 0, 0, 0, time.UTC)}

	if got := defs.Assign(rec).Group; got != "other" {
		t.Errorf("Expected unbound index date to read as absent, got %s", got)
	}

	bound := defs.Bind(time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC))
	require.Equal(t, "recent CKD", bound.Assign(rec).Group)
	require.Equal(t, "other", bound.Bind(time.Date(2021, 6, 1, 0, 0, 0, 0, time.UTC)).Assign(rec).Group)
	require.Equal(t, "other", defs.Assign(rec).Group)
}
