package patient

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the calendar date format used by the extract and by every
// date-indexed output.
const DateLayout = "2006-01-02"

// Flag is a clinical event column: whether a matching code was found and
// the date of the match (zero when the extract returned no date).
type Flag struct {
	Present bool
	Date    time.Time
}

// Record is one materialised patient row. Maps are never mutated after the
// record is built; the With* helpers return copies.
type Record struct {
	ID         string
	Attributes map[string]string
	Numbers    map[string]float64
	Flags      map[string]Flag
	Doses      map[string]time.Time
}

// Attr returns a categorical attribute.
func (r Record) Attr(name string) (string, bool) {
	v, ok := r.Attributes[name]
	return v, ok
}

// Number returns a numeric column and whether the record has it.
func (r Record) Number(name string) (float64, bool) {
	v, ok := r.Numbers[name]
	return v, ok
}

// Flag returns a clinical flag; an absent flag is Flag{}.
func (r Record) Flag(name string) Flag {
	return r.Flags[name]
}

// Dose returns a dose date and whether it was recorded.
func (r Record) Dose(name string) (time.Time, bool) {
	d, ok := r.Doses[name]
	if !ok || d.IsZero() {
		return time.Time{}, false
	}
	return d, true
}

// WithFlags returns a copy of the record with extra flag columns set.
func (r Record) WithFlags(extra map[string]Flag) Record {
	flags := make(map[string]Flag, len(r.Flags)+len(extra))
	for k, v := range r.Flags {
		flags[k] = v
	}
	for k, v := range extra {
		flags[k] = v
	}
	out := r
	out.Flags = flags
	return out
}

// WithAttributes returns a copy of the record with extra attributes set.
func (r Record) WithAttributes(extra map[string]string) Record {
	attrs := make(map[string]string, len(r.Attributes)+len(extra))
	for k, v := range r.Attributes {
		attrs[k] = v
	}
	for k, v := range extra {
		attrs[k] = v
	}
	out := r
	out.Attributes = attrs
	return out
}

// WithDoses returns a copy of the record with dose columns replaced.
func (r Record) WithDoses(extra map[string]time.Time) Record {
	doses := make(map[string]time.Time, len(r.Doses)+len(extra))
	for k, v := range r.Doses {
		doses[k] = v
	}
	for k, v := range extra {
		doses[k] = v
	}
	out := r
	out.Doses = doses
	return out
}

// ParseDate parses a YYYY-MM-DD date as UTC midnight.
func ParseDate(s string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return t, nil
}

// FormatDate renders a date as YYYY-MM-DD, or "" for the zero date.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(DateLayout)
}

// Wire format shared by the extract files and the stored documents.
type flagJSON struct {
	Present bool   `json:"present"`
	Date    string `json:"date,omitempty"`
}

type recordJSON struct {
	DocType    string              `json:"docType,omitempty"`
	ID         string              `json:"patient_id"`
	Attributes map[string]string   `json:"attributes,omitempty"`
	Numbers    map[string]float64  `json:"numbers,omitempty"`
	Flags      map[string]flagJSON `json:"flags,omitempty"`
	Doses      map[string]string   `json:"doses,omitempty"`
}

// DocType tags patient documents in the store.
const DocType = "PatientRecord"

// MarshalJSON encodes the record in the extract wire format.
func (r Record) MarshalJSON() ([]byte, error) {
	w := recordJSON{
		DocType:    DocType,
		ID:         r.ID,
		Attributes: r.Attributes,
		Numbers:    r.Numbers,
	}
	if len(r.Flags) > 0 {
		w.Flags = make(map[string]flagJSON, len(r.Flags))
		for k, f := range r.Flags {
			w.Flags[k] = flagJSON{Present: f.Present, Date: FormatDate(f.Date)}
		}
	}
	if len(r.Doses) > 0 {
		w.Doses = make(map[string]string, len(r.Doses))
		for k, d := range r.Doses {
			if d.IsZero() {
				continue
			}
			w.Doses[k] = FormatDate(d)
		}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the extract wire format. Empty date strings and
// the "0" placeholder used by CSV exports read as absent.
func (r *Record) UnmarshalJSON(b []byte) error {
	var w recordJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	if w.ID == "" {
		return fmt.Errorf("record without patient_id")
	}

	out := Record{
		ID:         w.ID,
		Attributes: w.Attributes,
		Numbers:    w.Numbers,
		Flags:      make(map[string]Flag, len(w.Flags)),
		Doses:      make(map[string]time.Time, len(w.Doses)),
	}
	for k, f := range w.Flags {
		d, err := parseOptionalDate(f.Date)
		if err != nil {
			return fmt.Errorf("patient %s: flag %s: %w", w.ID, k, err)
		}
		out.Flags[k] = Flag{Present: f.Present, Date: d}
	}
	for k, s := range w.Doses {
		d, err := parseOptionalDate(s)
		if err != nil {
			return fmt.Errorf("patient %s: dose %s: %w", w.ID, k, err)
		}
		if !d.IsZero() {
			out.Doses[k] = d
		}
	}
	*r = out
	return nil
}

func parseOptionalDate(s string) (time.Time, error) {
	if s == "" || s == "0" {
		return time.Time{}, nil
	}
	return ParseDate(s)
}
