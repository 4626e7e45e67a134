package patient

import (
	"strconv"
	"time"
)

const unknown = "Unknown"

var ethnicity6 = map[int]string{
	0: unknown,
	1: "White",
	2: "Mixed",
	3: "South Asian",
	4: "Black",
	5: "Other",
}

var ethnicity16 = map[int]string{
	0:  unknown,
	1:  "British or Mixed British",
	2:  "Irish",
	3:  "Other White",
	4:  "White + Black Caribbean",
	5:  "White + Black African",
	6:  "White + Asian",
	7:  "Other mixed",
	8:  "Indian or British Indian",
	9:  "Pakistani or British Pakistani",
	10: "Bangladeshi or British Bangladeshi",
	11: "Other Asian",
	12: "Caribbean",
	13: "African",
	14: "Other Black",
	15: "Chinese",
	16: "Other",
}

var imdCategories = map[int]string{
	0: unknown,
	1: "1 Most deprived",
	2: "2",
	3: "3",
	4: "4",
	5: "5 Least deprived",
}

// yesNoColumns are clinical flags rendered as yes/no breakdown attributes.
var yesNoColumns = []string{
	"dementia",
	"chronic_cardiac_disease",
	"current_copd",
	"dialysis",
	"dmards",
	"psychosis_schiz_bipolar",
	"solid_organ_transplantation",
	"chemo_or_radio",
	"lung_cancer",
	"cancer_excl_lung_and_haem",
	"haematological_cancer",
	"bone_marrow_transplant",
	"cystic_fibrosis",
	"sickle_cell_disease",
	"permanant_immunosuppression",
	"temporary_immunosuppression",
	"asplenia",
}

// elderlyCareHomeTypes are the care home type codes counted as care home
// residence: residential, nursing and care (unspecified) homes.
var elderlyCareHomeTypes = map[string]bool{"PS": true, "PN": true, "PC": true}

// CleanOptions control record cleaning.
type CleanOptions struct {
	// MinSecondDoseGap drops second doses recorded earlier than this after
	// the first dose.
	MinSecondDoseGap time.Duration
	// MinThirdDoseGap drops third doses recorded earlier than this after
	// the second dose.
	MinThirdDoseGap time.Duration
}

// DefaultCleanOptions returns the dose spacing of the delivery extract.
func DefaultCleanOptions() CleanOptions {
	return CleanOptions{
		MinSecondDoseGap: 19 * 24 * time.Hour,
		MinThirdDoseGap:  56 * 24 * time.Hour,
	}
}

// Dose column names used across the report.
const (
	FirstDose    = "covid_vacc_date"
	SecondDose   = "covid_vacc_second_dose_date"
	ThirdDose    = "covid_vacc_third_dose_date"
	OxfordDose   = "covid_vacc_oxford_date"
	PfizerDose   = "covid_vacc_pfizer_date"
	ModernaDose  = "covid_vacc_moderna_date"
	DeclinedDose = "covid_vacc_declined_date"
)

// CleanedAttributes lists the attributes Clean adds to every record.
func CleanedAttributes() []string {
	out := []string{
		"ethnicity_6_groups",
		"ethnicity_16_groups",
		"imd_categories",
		"community_ageband",
		"care_home",
		"LD",
		"ssri",
	}
	return append(out, yesNoColumns...)
}

// CleanedSchema extends an extract schema with the attributes Clean adds.
func CleanedSchema(s *Schema) (*Schema, error) {
	return s.Extend(KindAttribute, CleanedAttributes()...)
}

// Clean normalises one extract record into the breakdown attributes used
// by the report. The input record is not modified.
func Clean(r Record, opts CleanOptions) Record {
	attrs := make(map[string]string, len(yesNoColumns)+12)

	if sex, ok := r.Attr("sex"); ok && (sex == "I" || sex == "U") {
		attrs["sex"] = "Other/Unknown"
	}

	attrs["ethnicity_6_groups"] = lookupCode(r, "ethnicity", ethnicity6)
	attrs["ethnicity_16_groups"] = lookupCode(r, "ethnicity_16", ethnicity16)
	attrs["imd_categories"] = lookupCode(r, "imd", imdCategories)

	switch bmi, _ := r.Attr("bmi"); bmi {
	case "":
		attrs["bmi"] = unknown
	case "Not obese", "under 30":
		attrs["bmi"] = "under 30"
	default:
		attrs["bmi"] = "30+"
	}

	age, _ := r.Number("age")
	careHomeType, _ := r.Attr("care_home_type")
	inCareHome := elderlyCareHomeTypes[careHomeType]
	attrs["care_home"] = yesNo(inCareHome)

	ageband, _ := r.Attr("ageband")
	if inCareHome && age >= 65 && age < 70 {
		ageband = "65-69"
		attrs["ageband"] = ageband
	}

	// Only elderly care homes are in scope; younger residents are staff or
	// family and keep their age band.
	community, _ := r.Attr("ageband_community")
	if community == "care home" && age < 65 {
		community = ageband
	}
	attrs["community_ageband"] = community

	ld := r.Flag("intel_dis_incl_downs_syndrome").Present
	attrs["LD"] = yesNo(ld)
	attrs["ssri"] = yesNo(r.Flag("ssri").Present &&
		!r.Flag("psychosis_schiz_bipolar").Present &&
		!ld &&
		!r.Flag("dementia").Present)

	for _, c := range yesNoColumns {
		attrs[c] = yesNo(r.Flag(c).Present)
	}

	out := r.WithAttributes(attrs)
	return out.WithDoses(spacedDoses(r, opts))
}

// spacedDoses blanks later doses that were recorded too soon after the
// previous one.
func spacedDoses(r Record, opts CleanOptions) map[string]time.Time {
	out := map[string]time.Time{}
	first, hasFirst := r.Dose(FirstDose)
	second, hasSecond := r.Dose(SecondDose)
	if hasSecond && (!hasFirst || second.Before(first.Add(opts.MinSecondDoseGap))) {
		out[SecondDose] = time.Time{}
		hasSecond = false
	}
	third, hasThird := r.Dose(ThirdDose)
	if hasThird && (!hasSecond || third.Before(second.Add(opts.MinThirdDoseGap))) {
		out[ThirdDose] = time.Time{}
	}
	return out
}

func lookupCode(r Record, column string, table map[int]string) string {
	raw, ok := r.Attr(column)
	if !ok || raw == "" {
		return unknown
	}
	code, err := strconv.Atoi(raw)
	if err != nil {
		return unknown
	}
	if label, ok := table[code]; ok {
		return label
	}
	return unknown
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
