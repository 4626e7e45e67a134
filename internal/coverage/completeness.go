package coverage

import (
	"fmt"

	"stealthcompany.com/vaccinecoverage/internal/disclosure"
	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/priority"
)

// EthnicityColumn is the breakdown checked for recording completeness.
const EthnicityColumn = "ethnicity_6_groups"

// Completeness is how many patients of a group have a known value.
type Completeness struct {
	Group   string  `json:"group"`
	Column  string  `json:"column"`
	Total   int     `json:"total"`
	Known   int     `json:"known"`
	Percent float64 `json:"percent"`
}

// ColumnCompleteness counts, per group, the patients whose column holds a
// value other than Unknown. Counts are disclosure controlled.
func ColumnCompleteness(ds *patient.Dataset, assignments []priority.Assignment, column string, groups []string, ctrl disclosure.Control) ([]Completeness, error) {
	if !ds.Schema.Has(patient.KindAttribute, column) {
		return nil, fmt.Errorf("unknown attribute column %q", column)
	}
	members, err := groupMembers(ds.Records, assignments)
	if err != nil {
		return nil, err
	}
	if len(groups) == 0 {
		groups = sortedGroups(members)
	}

	out := make([]Completeness, 0, len(groups))
	for _, g := range groups {
		known := 0
		for _, rec := range members[g] {
			if v, ok := rec.Attr(column); ok && v != "" && v != UnknownCategory {
				known++
			}
		}
		c := Completeness{Group: g, Column: column, Total: ctrl.Apply(len(members[g])), Known: ctrl.Apply(known)}
		pct, _ := disclosure.Percent(c.Known, c.Total)
		c.Percent = RoundPercent(pct)
		out = append(out, c)
	}
	return out, nil
}

// Columns compared by CompareCareHomeFlags.
const (
	CareHomeAddressColumn = "care_home"
	CareHomeCodeFlag      = "care_home_primis"
)

// careHomeAgeBands are the bands in which care home residence is checked.
var careHomeAgeBands = map[string]bool{"60-69": true, "65-69": true, "70-79": true, "80+": true}

// CareHomeComparison cross-tabulates the two care home indicators among
// patients aged 65 and over who have at least one of them: the address
// derived care home attribute and the care home clinical code.
type CareHomeComparison struct {
	AddressOnly        int     `json:"address_flag_only"`
	CodeOnly           int     `json:"code_flag_only"`
	Both               int     `json:"both"`
	Total              int     `json:"total"`
	AddressOnlyPercent float64 `json:"address_flag_only_percent"`
	CodeOnlyPercent    float64 `json:"code_flag_only_percent"`
	BothPercent        float64 `json:"both_percent"`
}

// CompareCareHomeFlags counts how far the two care home indicators agree.
// Each cell is disclosure controlled; Total is the sum of the controlled
// cells and the percentages are shares of it.
func CompareCareHomeFlags(ds *patient.Dataset, ctrl disclosure.Control) (*CareHomeComparison, error) {
	if err := ctrl.Validate(); err != nil {
		return nil, err
	}
	switch {
	case !ds.Schema.Has(patient.KindAttribute, CareHomeAddressColumn):
		return nil, fmt.Errorf("unknown attribute column %q", CareHomeAddressColumn)
	case !ds.Schema.Has(patient.KindAttribute, "ageband"):
		return nil, fmt.Errorf("unknown attribute column %q", "ageband")
	case !ds.Schema.Has(patient.KindFlag, CareHomeCodeFlag):
		return nil, fmt.Errorf("unknown flag column %q", CareHomeCodeFlag)
	}

	var address, code, both int
	for _, rec := range ds.Records {
		if band, _ := rec.Attr("ageband"); !careHomeAgeBands[band] {
			continue
		}
		v, _ := rec.Attr(CareHomeAddressColumn)
		byAddress := v == "yes"
		byCode := rec.Flag(CareHomeCodeFlag).Present
		switch {
		case byAddress && byCode:
			both++
		case byAddress:
			address++
		case byCode:
			code++
		}
	}

	c := &CareHomeComparison{
		AddressOnly: ctrl.Apply(address),
		CodeOnly:    ctrl.Apply(code),
		Both:        ctrl.Apply(both),
	}
	c.Total = c.AddressOnly + c.CodeOnly + c.Both
	share := func(n int) float64 {
		pct, _ := disclosure.Percent(n, c.Total)
		return RoundPercent(pct)
	}
	c.AddressOnlyPercent = share(c.AddressOnly)
	c.CodeOnlyPercent = share(c.CodeOnly)
	c.BothPercent = share(c.Both)
	return c, nil
}
