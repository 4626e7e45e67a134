package rules

import (
	"time"
)

// Kind tags a rule node variant.
type Kind string

const (
	KindFlag      Kind = "flag"
	KindAnd       Kind = "and"
	KindOr        Kind = "or"
	KindNot       Kind = "not"
	KindDateCmp   Kind = "date_cmp"
	KindNumberCmp Kind = "number_cmp"
	KindAttrIn    Kind = "attr_in"
	KindRef       Kind = "ref"
)

// Absent says how a date comparison reads a missing date.
type Absent string

const (
	// AbsentSentinel reads a missing date as the rule set's sentinel date.
	AbsentSentinel Absent = "sentinel"
	// AbsentTrue makes the comparison hold when either side is missing.
	AbsentTrue Absent = "true"
	// AbsentFalse makes the comparison fail when either side is missing.
	AbsentFalse Absent = "false"
)

// Node is one element of a rule tree. Which fields are meaningful depends
// on Kind:
//
//	flag        Field
//	and, or     Args (at least one)
//	not         Args (exactly one)
//	date_cmp    Left, Cmp, Right, Absent
//	number_cmp  Field, Cmp, Value
//	attr_in     Field, Values
//	ref         Name
type Node struct {
	Kind   Kind     `json:"op"`
	Field  string   `json:"field,omitempty"`
	Name   string   `json:"name,omitempty"`
	Args   []*Node  `json:"args,omitempty"`
	Cmp    string   `json:"cmp,omitempty"`
	Left   *Operand `json:"left,omitempty"`
	Right  *Operand `json:"right,omitempty"`
	Value  float64  `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
	Absent Absent   `json:"absent,omitempty"`

	cmp    comparator
	values map[string]bool
}

// Operand is one side of a date comparison: a flag or dose column, a
// literal date, or the run's index date, each shifted by OffsetDays.
type Operand struct {
	Field      string `json:"field,omitempty"`
	Literal    string `json:"literal,omitempty"`
	Index      bool   `json:"index,omitempty"`
	OffsetDays int    `json:"offset_days,omitempty"`

	literal time.Time
}

// Rule is a named rule tree. Its name becomes a derived flag column.
type Rule struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Node        *Node  `json:"node"`

	fields []string
}

// Document is the serialised form of a rule set.
type Document struct {
	Sentinel string `json:"sentinel,omitempty"`
	Rules    []Rule `json:"rules"`
}

// Convenience constructors for building trees in code.

// Flag is a leaf over a clinical flag.
func Flag(field string) *Node { return &Node{Kind: KindFlag, Field: field} }

// And holds when every argument holds.
func And(args ...*Node) *Node { return &Node{Kind: KindAnd, Args: args} }

// Or holds when any argument holds.
func Or(args ...*Node) *Node { return &Node{Kind: KindOr, Args: args} }

// Not negates its argument.
func Not(arg *Node) *Node { return &Node{Kind: KindNot, Args: []*Node{arg}} }

// Ref evaluates another named rule.
func Ref(name string) *Node { return &Node{Kind: KindRef, Name: name} }

// DateCmp compares two date operands.
func DateCmp(left *Operand, cmp string, right *Operand, absent Absent) *Node {
	return &Node{Kind: KindDateCmp, Left: left, Cmp: cmp, Right: right, Absent: absent}
}

// NumberCmp compares a numeric column with a constant.
func NumberCmp(field, cmp string, value float64) *Node {
	return &Node{Kind: KindNumberCmp, Field: field, Cmp: cmp, Value: value}
}

// AttrIn holds when a categorical attribute takes one of values.
func AttrIn(field string, values ...string) *Node {
	return &Node{Kind: KindAttrIn, Field: field, Values: values}
}

// Field is a date operand reading a flag or dose column.
func Field(name string) *Operand { return &Operand{Field: name} }

// Literal is a fixed date operand in YYYY-MM-DD form.
func Literal(date string) *Operand { return &Operand{Literal: date} }

// IndexDate is the run's index date operand.
func IndexDate(offsetDays int) *Operand { return &Operand{Index: true, OffsetDays: offsetDays} }

type comparator func(c int) bool

var comparators = map[string]comparator{
	"<":  func(c int) bool { return c < 0 },
	"<=": func(c int) bool { return c <= 0 },
	">":  func(c int) bool { return c > 0 },
	">=": func(c int) bool { return c >= 0 },
	"==": func(c int) bool { return c == 0 },
	"!=": func(c int) bool { return c != 0 },
}
