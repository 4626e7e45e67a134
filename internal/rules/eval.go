package rules

import (
	"context"
	"time"

	"stealthcompany.com/vaccinecoverage/internal/patient"
	"stealthcompany.com/vaccinecoverage/internal/workpool"
)

// Evaluate reports whether the named rule holds for a record. Unknown
// names are rejected when configuration loads, so here they read as false.
func (rs *RuleSet) Evaluate(rec patient.Record, name string) bool {
	r, ok := rs.rules[name]
	if !ok {
		return false
	}
	return rs.EvaluateNode(rec, r.Node)
}

// EvaluateNode evaluates a tree produced by New or Compile. It is total:
// absent flags are false, absent numbers and attributes fail their
// comparison, and absent dates follow the node's Absent setting.
func (rs *RuleSet) EvaluateNode(rec patient.Record, n *Node) bool {
	switch n.Kind {
	case KindFlag:
		return rec.Flag(n.Field).Present

	case KindAnd:
		for _, a := range n.Args {
			if !rs.EvaluateNode(rec, a) {
				return false
			}
		}
		return true

	case KindOr:
		for _, a := range n.Args {
			if rs.EvaluateNode(rec, a) {
				return true
			}
		}
		return false

	case KindNot:
		return !rs.EvaluateNode(rec, n.Args[0])

	case KindDateCmp:
		left, lok := rs.DateOf(rec, n.Left)
		right, rok := rs.DateOf(rec, n.Right)
		if !lok || !rok {
			switch n.Absent {
			case AbsentTrue:
				return true
			case AbsentFalse:
				return false
			}
		}
		return n.cmp(left.Compare(right))

	case KindNumberCmp:
		v, ok := rec.Number(n.Field)
		if !ok {
			return false
		}
		switch {
		case v < n.Value:
			return n.cmp(-1)
		case v > n.Value:
			return n.cmp(1)
		default:
			return n.cmp(0)
		}

	case KindAttrIn:
		v, ok := rec.Attr(n.Field)
		return ok && n.values[v]

	case KindRef:
		return rs.Evaluate(rec, n.Name)
	}
	return false
}

// DateOf resolves a date operand. A missing date returns the sentinel and
// false; offsets apply only to dates that are present.
func (rs *RuleSet) DateOf(rec patient.Record, o *Operand) (time.Time, bool) {
	var d time.Time
	switch {
	case o.Literal != "":
		d = o.literal
	case o.Index:
		d = rs.index
	case rs.schema.Has(patient.KindFlag, o.Field):
		if f := rec.Flag(o.Field); f.Present {
			d = f.Date
		}
	default:
		d, _ = rec.Dose(o.Field)
	}
	if d.IsZero() {
		return rs.sentinel, false
	}
	return d.AddDate(0, 0, o.OffsetDays), true
}

// Derive returns a copy of the record with every rule written as a flag
// column. A derived flag that holds is dated with the latest date among
// the present flags its rule reads.
func (rs *RuleSet) Derive(rec patient.Record) patient.Record {
	derived := make(map[string]patient.Flag, len(rs.order))
	for _, name := range rs.order {
		r := rs.rules[name]
		if !rs.EvaluateNode(rec, r.Node) {
			derived[name] = patient.Flag{}
			continue
		}
		var latest time.Time
		for _, f := range r.fields {
			if fl := rec.Flag(f); fl.Present && fl.Date.After(latest) {
				latest = fl.Date
			}
		}
		derived[name] = patient.Flag{Present: true, Date: latest}
	}
	return rec.WithFlags(derived)
}

// DeriveAll derives every record on a worker pool, keeping input order.
func (rs *RuleSet) DeriveAll(ctx context.Context, records []patient.Record, workers int) ([]patient.Record, error) {
	return workpool.Map(ctx, records, workers, rs.Derive)
}
