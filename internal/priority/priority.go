package priority

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"time"

	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/rules"
	"stealthcompany.com/vaccinecoverage/internal/workpool"
)

//go:embed groups/priority.json
var priorityGroups []byte

// DefaultRank marks the reserved catch-all group.
const DefaultRank = 0

// GroupDefinition is one ranked eligibility group. Membership is either a
// rule tree or a precomputed boolean flag column; the default group has
// neither.
type GroupDefinition struct {
	Name   string      `json:"name"`
	Rank   int         `json:"rank"`
	Rule   *rules.Node `json:"rule,omitempty"`
	Column string      `json:"column,omitempty"`
}

// ConfigError is a group definition problem found at load time.
type ConfigError struct {
	Group string
	Msg   string
}

func (e *ConfigError) Error() string {
	if e.Group == "" {
		return e.Msg
	}
	return fmt.Sprintf("group %q: %s", e.Group, e.Msg)
}

// Assignment is the single group a patient belongs to.
type Assignment struct {
	PatientID string `json:"patient_id"`
	Group     string `json:"group"`
	Rank      int    `json:"rank"`
}

// Definitions is a validated, rank-ordered group list.
type Definitions struct {
	rs     *rules.RuleSet
	ranked []GroupDefinition
	def    GroupDefinition
}

type document struct {
	Groups []GroupDefinition `json:"groups"`
}

// Default loads the shipped vaccine priority groups.
func Default(rs *rules.RuleSet) (*Definitions, error) {
	return Load(bytes.NewReader(priorityGroups), rs)
}

// Load decodes and validates a JSON group document against a rule set.
// Rule trees may reference the set's rules; columns must be flags of the
// set's derived schema.
func Load(r io.Reader, rs *rules.RuleSet) (*Definitions, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var doc document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode group document: %w", err)
	}
	return New(doc.Groups, rs)
}

// New validates group definitions. Exactly one group must carry rank 0;
// it is the reserved default and takes no predicate.
func New(groups []GroupDefinition, rs *rules.RuleSet) (*Definitions, error) {
	if rs == nil {
		return nil, fmt.Errorf("group definitions need a rule set")
	}
	derived, err := rs.DerivedSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build derived schema: %w", err)
	}

	d := &Definitions{rs: rs}
	names := make(map[string]bool, len(groups))
	ranks := make(map[int]string, len(groups))
	hasDefault := false

	for _, g := range groups {
		if g.Name == "" {
			return nil, &ConfigError{Msg: fmt.Sprintf("group with rank %d has no name", g.Rank)}
		}
		if names[g.Name] {
			return nil, &ConfigError{Group: g.Name, Msg: "duplicate group name"}
		}
		names[g.Name] = true
		if other, dup := ranks[g.Rank]; dup {
			return nil, &ConfigError{Group: g.Name, Msg: fmt.Sprintf("rank %d already used by %q", g.Rank, other)}
		}
		ranks[g.Rank] = g.Name

		switch {
		case g.Rank < DefaultRank:
			return nil, &ConfigError{Group: g.Name, Msg: fmt.Sprintf("negative rank %d", g.Rank)}

		case g.Rank == DefaultRank:
			if g.Rule != nil || g.Column != "" {
				return nil, &ConfigError{Group: g.Name, Msg: "default group takes no rule or column"}
			}
			d.def = g
			hasDefault = true
			continue

		case g.Rule == nil && g.Column == "":
			return nil, &ConfigError{Group: g.Name, Msg: "needs a rule or a column"}

		case g.Rule != nil && g.Column != "":
			return nil, &ConfigError{Group: g.Name, Msg: "takes a rule or a column, not both"}

		case g.Column != "":
			if !derived.Has(patient.KindFlag, g.Column) {
				return nil, &ConfigError{Group: g.Name, Msg: fmt.Sprintf("unknown flag column %q", g.Column)}
			}

		default:
			node, err := rs.Compile("group "+g.Name, g.Rule)
			if err != nil {
				return nil, fmt.Errorf("group %q: %w", g.Name, err)
			}
			g.Rule = node
		}
		d.ranked = append(d.ranked, g)
	}

	if !hasDefault {
		return nil, &ConfigError{Msg: "no default group with rank 0"}
	}
	sort.Slice(d.ranked, func(i, j int) bool { return d.ranked[i].Rank < d.ranked[j].Rank })
	return d, nil
}

// DefaultGroup is the name given to patients no group claims.
func (d *Definitions) DefaultGroup() string {
	return d.def.Name
}

// Names lists group names by ascending rank with the default group last.
func (d *Definitions) Names() []string {
	out := make([]string, 0, len(d.ranked)+1)
	for _, g := range d.ranked {
		out = append(out, g.Name)
	}
	return append(out, d.def.Name)
}

// Rank returns a group's rank.
func (d *Definitions) Rank(name string) (int, bool) {
	if name == d.def.Name {
		return DefaultRank, true
	}
	for _, g := range d.ranked {
		if g.Name == name {
			return g.Rank, true
		}
	}
	return 0, false
}

// Assign returns the highest-ranked group the record satisfies, or the
// default group. Rule trees are evaluated directly; column groups read a
// flag written by rules.RuleSet.Derive.
func (d *Definitions) Assign(rec patient.Record) Assignment {
	for _, g := range d.ranked {
		var member bool
		if g.Column != "" {
			member = rec.Flag(g.Column).Present
		} else {
			member = d.rs.EvaluateNode(rec, g.Rule)
		}
		if member {
			return Assignment{PatientID: rec.ID, Group: g.Name, Rank: g.Rank}
		}
	}
	return Assignment{PatientID: rec.ID, Group: d.def.Name, Rank: DefaultRank}
}

// Bind returns definitions whose rule trees read index as the index date.
func (d *Definitions) Bind(index time.Time) *Definitions {
	out := *d
	out.rs = d.rs.Bind(index)
	return &out
}

// AssignAll assigns every record on a worker pool, keeping input order.
func (d *Definitions) AssignAll(ctx context.Context, records []patient.Record, workers int) ([]Assignment, error) {
	return workpool.Map(ctx, records, workers, d.Assign)
}

// Fold relabels every assignment whose group is not in interest, and every
// rank-0 assignment, as foldedName with rank 0. The input is not modified.
func Fold(assignments []Assignment, interest []string, foldedName string) []Assignment {
	keep := make(map[string]bool, len(interest))
	for _, name := range interest {
		keep[name] = true
	}
	out := make([]Assignment, len(assignments))
	for i, a := range assignments {
		if a.Rank == DefaultRank || !keep[a.Group] {
			a.Group = foldedName
			a.Rank = DefaultRank
		}
		out[i] = a
	}
	return out
}

// Counts returns the number of patients per group.
func Counts(assignments []Assignment) map[string]int {
	out := make(map[string]int)
	for _, a := range assignments {
		out[a.Group]++
	}
	return out
}

// Rare lists, sorted, the non-default groups that have members but fewer
// than minSize of them. Such groups are folded before aggregation so no
// published cell describes a handful of patients.
func Rare(assignments []Assignment, minSize int) []string {
	counts := make(map[string]int)
	for _, a := range assignments {
		if a.Rank != DefaultRank {
			counts[a.Group]++
		}
	}
	var out []string
	for g, n := range counts {
		if n < minSize {
			out = append(out, g)
		}
	}
	sort.Strings(out)
	return out
}
