package filter

import (
	"fmt"
	"strings"
)

// Matches evaluates the tree directly against a stored document. It is the
// predicate used by the continuous matcher and by the in-memory store, and
// agrees with the structured-store compilation for any document that holds
// no date-ambiguous strings.
func (f *Filter) Matches(doc map[string]any) bool {
	switch f.Operator {
	case OpEQ:
		return compare(doc[f.propName()], f.operand(1), func(c int) bool { return c == 0 })
	case OpLT:
		return compare(doc[f.propName()], f.operand(1), func(c int) bool { return c < 0 })
	case OpLE:
		return compare(doc[f.propName()], f.operand(1), func(c int) bool { return c <= 0 })
	case OpGT:
		return compare(doc[f.propName()], f.operand(1), func(c int) bool { return c > 0 })
	case OpGE:
		return compare(doc[f.propName()], f.operand(1), func(c int) bool { return c >= 0 })
	case OpNE:
		return compare(doc[f.propName()], f.operand(1), func(c int) bool { return c != 0 })
	case OpIN:
		got := doc[f.propName()]
		for i := 1; i < len(f.Values); i++ {
			if compare(got, f.operand(i), func(c int) bool { return c == 0 }) {
				return true
			}
		}
		return false
	case OpAND:
		for _, sub := range f.Subfilters {
			if !sub.Matches(doc) {
				return false
			}
		}
		return true
	case OpOR:
		for _, sub := range f.Subfilters {
			if sub.Matches(doc) {
				return true
			}
		}
		return false
	}
	return false
}

// compare normalizes both sides and applies ok to their ordering. An absent
// or incomparable property never satisfies a predicate.
func compare(got, want any, ok func(int) bool) bool {
	if got == nil {
		return false
	}
	if gn, g := asNumber(got); g {
		if wn, w := asNumber(want); w {
			switch {
			case gn < wn:
				return ok(-1)
			case gn > wn:
				return ok(1)
			default:
				return ok(0)
			}
		}
		return false
	}
	gs, gok := asString(got)
	ws, wok := asString(want)
	if !gok || !wok {
		return false
	}
	return ok(strings.Compare(gs, ws))
}

func asNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		if ms, ok := dateToEpochMillis(n); ok {
			return float64(ms), true
		}
	}
	return 0, false
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case bool:
		return fmt.Sprintf("%v", s), true
	}
	return "", false
}
