package rules

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"stealthcompany.com/vaccinecoverage/internal/patient"
)

// DefaultSentinel is the date an absent date reads as unless a rule set
// declares its own.
const DefaultSentinel = "1902-01-01"

// ConfigError is a rule set problem found at load time. Path locates the
// offending node inside the rule, e.g. "args[1].left".
type ConfigError struct {
	Rule string
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("rule %q: %s", e.Rule, e.Msg)
	}
	return fmt.Sprintf("rule %q: %s: %s", e.Rule, e.Path, e.Msg)
}

// RuleSet is a validated, immutable collection of named rules bound to the
// extract schema they read.
type RuleSet struct {
	schema   *patient.Schema
	sentinel time.Time
	index    time.Time
	rules    map[string]*Rule
	order    []string
}

// Load decodes and validates a JSON rule document.
func Load(r io.Reader, schema *patient.Schema) (*RuleSet, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode rule document: %w", err)
	}
	return New(doc, schema)
}

// New validates a rule document and compiles it into a RuleSet. The
// document's nodes are copied; later changes to them have no effect.
func New(doc Document, schema *patient.Schema) (*RuleSet, error) {
	if schema == nil {
		return nil, fmt.Errorf("rule set needs a schema")
	}

	sentinelText := doc.Sentinel
	if sentinelText == "" {
		sentinelText = DefaultSentinel
	}
	sentinel, err := patient.ParseDate(sentinelText)
	if err != nil {
		return nil, fmt.Errorf("invalid sentinel date: %w", err)
	}

	rs := &RuleSet{
		schema:   schema,
		sentinel: sentinel,
		rules:    make(map[string]*Rule, len(doc.Rules)),
	}

	for _, r := range doc.Rules {
		if r.Name == "" {
			return nil, &ConfigError{Rule: "", Msg: "rule without a name"}
		}
		if _, dup := rs.rules[r.Name]; dup {
			return nil, &ConfigError{Rule: r.Name, Msg: "duplicate rule name"}
		}
		if schema.Has(patient.KindFlag, r.Name) {
			return nil, &ConfigError{Rule: r.Name, Msg: "rule name shadows an extract flag column"}
		}
		rs.rules[r.Name] = &Rule{Name: r.Name, Description: r.Description}
		rs.order = append(rs.order, r.Name)
	}

	for _, r := range doc.Rules {
		c := &compiler{rs: rs, rule: r.Name}
		node, err := c.node("", r.Node)
		if err != nil {
			return nil, err
		}
		compiled := rs.rules[r.Name]
		compiled.Node = node
		compiled.fields = c.fields
	}

	if err := rs.checkCycles(); err != nil {
		return nil, err
	}
	rs.resolveFields()

	return rs, nil
}

// Compile validates a free-standing tree against the rule set, for rule
// trees embedded in other configuration such as group definitions. owner
// names the tree in errors.
func (rs *RuleSet) Compile(owner string, n *Node) (*Node, error) {
	c := &compiler{rs: rs, rule: owner}
	return c.node("", n)
}

// Bind returns a copy of the rule set whose index-date operands read the
// given date. An unbound rule set treats the index date as absent.
func (rs *RuleSet) Bind(index time.Time) *RuleSet {
	out := *rs
	out.index = index
	return &out
}

// Names lists the rules in document order.
func (rs *RuleSet) Names() []string {
	return append([]string(nil), rs.order...)
}

// Has reports whether a rule is defined.
func (rs *RuleSet) Has(name string) bool {
	_, ok := rs.rules[name]
	return ok
}

// Sentinel returns the date absent dates read as.
func (rs *RuleSet) Sentinel() time.Time {
	return rs.sentinel
}

// Schema returns the schema the rules were validated against.
func (rs *RuleSet) Schema() *patient.Schema {
	return rs.schema
}

// DerivedSchema is the extract schema plus one flag column per rule.
func (rs *RuleSet) DerivedSchema() (*patient.Schema, error) {
	return rs.schema.Extend(patient.KindFlag, rs.order...)
}

type compiler struct {
	rs     *RuleSet
	rule   string
	fields []string
}

func (c *compiler) fail(path, format string, args ...interface{}) error {
	return &ConfigError{Rule: c.rule, Path: path, Msg: fmt.Sprintf(format, args...)}
}

func join(path, elem string) string {
	if path == "" {
		return elem
	}
	return path + "." + elem
}

func (c *compiler) node(path string, n *Node) (*Node, error) {
	if n == nil {
		return nil, c.fail(path, "missing node")
	}
	out := &Node{Kind: n.Kind, Field: n.Field, Name: n.Name, Cmp: n.Cmp, Value: n.Value, Absent: n.Absent}

	switch n.Kind {
	case KindFlag:
		if !c.rs.schema.Has(patient.KindFlag, n.Field) {
			if c.rs.Has(n.Field) {
				return nil, c.fail(path, "flag %q is a rule; reference it with op \"ref\"", n.Field)
			}
			return nil, c.fail(path, "unknown flag field %q", n.Field)
		}
		c.fields = append(c.fields, n.Field)

	case KindAnd, KindOr:
		if len(n.Args) == 0 {
			return nil, c.fail(path, "%s needs at least one argument", n.Kind)
		}
		for i, a := range n.Args {
			arg, err := c.node(join(path, fmt.Sprintf("args[%d]", i)), a)
			if err != nil {
				return nil, err
			}
			out.Args = append(out.Args, arg)
		}

	case KindNot:
		if len(n.Args) != 1 {
			return nil, c.fail(path, "not takes exactly one argument, got %d", len(n.Args))
		}
		arg, err := c.node(join(path, "args[0]"), n.Args[0])
		if err != nil {
			return nil, err
		}
		out.Args = []*Node{arg}

	case KindDateCmp:
		cmp, ok := comparators[n.Cmp]
		if !ok {
			return nil, c.fail(path, "unknown comparison %q", n.Cmp)
		}
		out.cmp = cmp
		switch n.Absent {
		case "":
			out.Absent = AbsentSentinel
		case AbsentSentinel, AbsentTrue, AbsentFalse:
		default:
			return nil, c.fail(path, "unknown absent-date default %q", n.Absent)
		}
		left, err := c.operand(join(path, "left"), n.Left)
		if err != nil {
			return nil, err
		}
		right, err := c.operand(join(path, "right"), n.Right)
		if err != nil {
			return nil, err
		}
		out.Left, out.Right = left, right

	case KindNumberCmp:
		cmp, ok := comparators[n.Cmp]
		if !ok {
			return nil, c.fail(path, "unknown comparison %q", n.Cmp)
		}
		if !c.rs.schema.Has(patient.KindNumber, n.Field) {
			return nil, c.fail(path, "unknown number field %q", n.Field)
		}
		out.cmp = cmp

	case KindAttrIn:
		if !c.rs.schema.Has(patient.KindAttribute, n.Field) {
			return nil, c.fail(path, "unknown attribute field %q", n.Field)
		}
		if len(n.Values) == 0 {
			return nil, c.fail(path, "attr_in needs at least one value")
		}
		out.Values = append([]string(nil), n.Values...)
		out.values = make(map[string]bool, len(n.Values))
		for _, v := range n.Values {
			out.values[v] = true
		}

	case KindRef:
		if !c.rs.Has(n.Name) {
			return nil, c.fail(path, "reference to unknown rule %q", n.Name)
		}

	default:
		return nil, c.fail(path, "unknown op %q", n.Kind)
	}

	return out, nil
}

func (c *compiler) operand(path string, o *Operand) (*Operand, error) {
	if o == nil {
		return nil, c.fail(path, "missing operand")
	}
	set := 0
	if o.Field != "" {
		set++
	}
	if o.Literal != "" {
		set++
	}
	if o.Index {
		set++
	}
	if set != 1 {
		return nil, c.fail(path, "operand needs exactly one of field, literal or index")
	}

	out := *o
	switch {
	case o.Field != "":
		if !c.rs.schema.HasDate(o.Field) {
			return nil, c.fail(path, "unknown date field %q", o.Field)
		}
		if c.rs.schema.Has(patient.KindFlag, o.Field) {
			c.fields = append(c.fields, o.Field)
		}
	case o.Literal != "":
		d, err := patient.ParseDate(o.Literal)
		if err != nil {
			return nil, c.fail(path, "%v", err)
		}
		out.literal = d
	}
	return &out, nil
}

// checkCycles rejects rules that reach themselves through ref nodes.
func (rs *RuleSet) checkCycles() error {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(rs.rules))
	var stack []string

	var visit func(name string) error
	visit = func(name string) error {
		color[name] = grey
		stack = append(stack, name)
		for _, dep := range refsOf(rs.rules[name].Node) {
			switch color[dep] {
			case grey:
				start := 0
				for i, s := range stack {
					if s == dep {
						start = i
					}
				}
				cycle := append(append([]string(nil), stack[start:]...), dep)
				return &ConfigError{Rule: dep, Msg: "reference cycle " + strings.Join(cycle, " -> ")}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
		return nil
	}

	for _, name := range rs.order {
		if color[name] == white {
			if err := visit(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveFields gives every rule the flag columns it reads, directly or
// through references, for dating derived flags.
func (rs *RuleSet) resolveFields() {
	memo := make(map[string][]string, len(rs.rules))
	var fields func(name string) []string
	fields = func(name string) []string {
		if f, ok := memo[name]; ok {
			return f
		}
		set := map[string]bool{}
		r := rs.rules[name]
		for _, f := range r.fields {
			set[f] = true
		}
		for _, dep := range refsOf(r.Node) {
			for _, f := range fields(dep) {
				set[f] = true
			}
		}
		out := make([]string, 0, len(set))
		for f := range set {
			out = append(out, f)
		}
		sort.Strings(out)
		memo[name] = out
		return out
	}
	for _, name := range rs.order {
		rs.rules[name].fields = fields(name)
	}
}

func refsOf(n *Node) []string {
	if n == nil {
		return nil
	}
	var out []string
	if n.Kind == KindRef {
		out = append(out, n.Name)
	}
	for _, a := range n.Args {
		out = append(out, refsOf(a)...)
	}
	return out
}
