package patient

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"
)

//go:embed schema.json
var defaultSchema []byte

// ColumnKind distinguishes the typed column families of a record.
type ColumnKind string

const (
	KindAttribute ColumnKind = "attribute"
	KindNumber    ColumnKind = "number"
	KindFlag      ColumnKind = "flag"
	KindDose      ColumnKind = "dose"
)

// Schema is the declared set of columns an extract carries. Records may be
// sparse; a column that is declared but missing from a record is absent for
// that patient, a column that is not declared does not exist.
type Schema struct {
	Attributes []string `json:"attributes"`
	Numbers    []string `json:"numbers"`
	Flags      []string `json:"flags"`
	Doses      []string `json:"doses"`

	index map[ColumnKind]map[string]struct{}
}

// DefaultSchema returns the built-in extract schema.
func DefaultSchema() (*Schema, error) {
	var s Schema
	if err := json.Unmarshal(defaultSchema, &s); err != nil {
		return nil, fmt.Errorf("failed to decode built-in schema: %w", err)
	}
	return s.build()
}

// LoadSchema decodes a schema document.
func LoadSchema(r io.Reader) (*Schema, error) {
	var s Schema
	if err := json.NewDecoder(r).Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to decode schema: %w", err)
	}
	return s.build()
}

func (s Schema) build() (*Schema, error) {
	s.index = make(map[ColumnKind]map[string]struct{})
	add := func(kind ColumnKind, names []string) error {
		set := make(map[string]struct{}, len(names))
		for _, n := range names {
			if n == "" {
				return fmt.Errorf("schema: empty %s column name", kind)
			}
			if _, ok := set[n]; ok {
				return fmt.Errorf("schema: %s column %q declared twice", kind, n)
			}
			set[n] = struct{}{}
		}
		s.index[kind] = set
		return nil
	}
	if err := add(KindAttribute, s.Attributes); err != nil {
		return nil, err
	}
	if err := add(KindNumber, s.Numbers); err != nil {
		return nil, err
	}
	if err := add(KindFlag, s.Flags); err != nil {
		return nil, err
	}
	if err := add(KindDose, s.Doses); err != nil {
		return nil, err
	}
	return &s, nil
}

// Has reports whether name is declared with the given kind. The same name
// may exist in several families, e.g. a dementia flag and the yes/no
// dementia breakdown attribute derived from it.
func (s *Schema) Has(kind ColumnKind, name string) bool {
	_, ok := s.index[kind][name]
	return ok
}

// HasDate reports whether a column carries a date (flag or dose).
func (s *Schema) HasDate(name string) bool {
	return s.Has(KindFlag, name) || s.Has(KindDose, name)
}

// Extend returns a copy of the schema with additional columns of one kind.
// Columns already declared with the same kind are ignored.
func (s *Schema) Extend(kind ColumnKind, names ...string) (*Schema, error) {
	out := Schema{
		Attributes: append([]string(nil), s.Attributes...),
		Numbers:    append([]string(nil), s.Numbers...),
		Flags:      append([]string(nil), s.Flags...),
		Doses:      append([]string(nil), s.Doses...),
	}
	for _, n := range names {
		if s.Has(kind, n) {
			continue
		}
		switch kind {
		case KindAttribute:
			out.Attributes = append(out.Attributes, n)
		case KindNumber:
			out.Numbers = append(out.Numbers, n)
		case KindFlag:
			out.Flags = append(out.Flags, n)
		case KindDose:
			out.Doses = append(out.Doses, n)
		default:
			return nil, fmt.Errorf("schema: unknown column kind %q", kind)
		}
	}
	return out.build()
}

// Validate checks that a record only carries declared columns.
func (s *Schema) Validate(r Record) error {
	check := func(kind ColumnKind, name string) error {
		if !s.Has(kind, name) {
			return fmt.Errorf("patient %s: undeclared %s column %q", r.ID, kind, name)
		}
		return nil
	}
	for _, k := range sortedKeys(r.Attributes) {
		if err := check(KindAttribute, k); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(r.Numbers) {
		if err := check(KindNumber, k); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(r.Flags) {
		if err := check(KindFlag, k); err != nil {
			return err
		}
	}
	for _, k := range sortedKeys(r.Doses) {
		if err := check(KindDose, k); err != nil {
			return err
		}
	}
	return nil
}

// Dataset is the in-memory snapshot of one reporting run.
type Dataset struct {
	Records []Record
	Schema  *Schema
}

// LatestDate returns the latest recorded date of a dose column, or false
// when no patient has one.
func (d *Dataset) LatestDate(dose string) (time.Time, bool) {
	var latest time.Time
	for _, r := range d.Records {
		if t, ok := r.Dose(dose); ok && t.After(latest) {
			latest = t
		}
	}
	return latest, !latest.IsZero()
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
