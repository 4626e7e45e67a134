package coverage

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
)

// DefaultKey selects the feature list for groups without their own entry.
const DefaultKey = "DEFAULT"

// OverallName names the implicit feature and category with no breakdown.
const OverallName = "overall"

//go:embed features/first_dose.json
var firstDoseFeatures []byte

// FeatureSpec is one breakdown column. Categories, when set, is both an
// allow-list and the list of categories always reported, with or without
// patients. Exclude names a flag column whose members are left out of the
// group for this feature.
type FeatureSpec struct {
	Name       string   `json:"name"`
	Categories []string `json:"categories,omitempty"`
	Exclude    string   `json:"exclude,omitempty"`
}

// UnmarshalJSON accepts either a bare column name or the object form.
func (f *FeatureSpec) UnmarshalJSON(b []byte) error {
	var name string
	if err := json.Unmarshal(b, &name); err == nil {
		*f = FeatureSpec{Name: name}
		return nil
	}
	type plain FeatureSpec
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return fmt.Errorf("feature must be a column name or an object: %w", err)
	}
	*f = FeatureSpec(p)
	return nil
}

// FeatureSet maps a group name to the breakdowns reported for it.
type FeatureSet map[string][]FeatureSpec

// For returns the features of a group, falling back to DefaultKey.
func (fs FeatureSet) For(group string) []FeatureSpec {
	if f, ok := fs[group]; ok {
		return f
	}
	return fs[DefaultKey]
}

// OverallOnly is a feature set with no breakdowns, for reports that show
// only the overall series per group.
func OverallOnly() FeatureSet {
	return FeatureSet{DefaultKey: nil}
}

// DefaultFeatures returns the shipped first-dose breakdowns.
func DefaultFeatures() (FeatureSet, error) {
	return LoadFeatures(bytes.NewReader(firstDoseFeatures))
}

// LoadFeatures decodes a JSON feature set.
func LoadFeatures(r io.Reader) (FeatureSet, error) {
	var fs FeatureSet
	if err := json.NewDecoder(r).Decode(&fs); err != nil {
		return nil, fmt.Errorf("failed to decode feature set: %w", err)
	}
	for group, specs := range fs {
		seen := make(map[string]bool, len(specs))
		for _, s := range specs {
			if s.Name == "" {
				return nil, fmt.Errorf("group %q: feature without a name", group)
			}
			if s.Name == OverallName {
				return nil, fmt.Errorf("group %q: feature name %q is reserved", group, OverallName)
			}
			if seen[s.Name] {
				return nil, fmt.Errorf("group %q: duplicate feature %q", group, s.Name)
			}
			seen[s.Name] = true
		}
	}
	return fs, nil
}
