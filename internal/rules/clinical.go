package rules

import (
	"bytes"
	_ "embed"

	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// clinicalRules holds the clinical group definitions of the vaccine delivery
// report: CKD, diabetes, pregnancy, severe mental illness, respiratory,
// immunosuppression, the combined at-risk group, shielding and housebound.
//
//go:embed clinical.json
var clinicalRules []byte

// Clinical loads the built-in clinical rule set against a schema.
func Clinical(schema *patient.Schema) (*RuleSet, error) {
	return Load(bytes.NewReader(clinicalRules), schema)
}
