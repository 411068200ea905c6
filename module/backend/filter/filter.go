package filter

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

// Op is a comparison or logical operator of a filter node.
type Op string

const (
	OpEQ  Op = "EQ"
	OpLT  Op = "LT"
	OpLE  Op = "LE"
	OpGT  Op = "GT"
	OpGE  Op = "GE"
	OpNE  Op = "NE"
	OpIN  Op = "IN"
	OpAND Op = "AND"
	OpOR  Op = "OR"
)

// FieldType describes the value type of a property in a continuous-match
// schema.
type FieldType string

const (
	FieldString  FieldType = "STRING"
	FieldInt32   FieldType = "INT32"
	FieldDouble  FieldType = "DOUBLE"
	FieldBoolean FieldType = "BOOLEAN"
)

// Schema maps property names to their continuous-match field types.
type Schema map[string]FieldType

// Filter is one node of a query filter AST.
//
// The values slice takes a different number of elements depending on the
// operator:
//
//   - EQ, LT, LE, GT, GE, NE: a predicate. Values holds exactly two
//     elements, the property name followed by the operand.
//   - IN: a predicate. Values holds the property name followed by one or
//     more operands.
//   - AND, OR: a composite. Subfilters holds one or more child filters and
//     Values is empty.
//
// A Filter is immutable once constructed; build new trees instead of
// mutating.
type Filter struct {
	Operator   Op        `json:"operator" bson:"operator"`
	Values     []any     `json:"values,omitempty" bson:"values,omitempty"`
	Subfilters []*Filter `json:"subfilters,omitempty" bson:"subfilters,omitempty"`
}

// NewPredicate builds a leaf node for one of EQ, LT, LE, GT, GE, NE.
func NewPredicate(op Op, propName string, value any) *Filter {
	return &Filter{Operator: op, Values: []any{propName, value}}
}

// NewIn builds an IN node matching any of the given values.
func NewIn(propName string, values ...any) *Filter {
	return &Filter{Operator: OpIN, Values: append([]any{propName}, values...)}
}

// NewAnd builds a composite AND node.
func NewAnd(subs ...*Filter) *Filter {
	return &Filter{Operator: OpAND, Subfilters: subs}
}

// NewOr builds a composite OR node.
func NewOr(subs ...*Filter) *Filter {
	return &Filter{Operator: OpOR, Subfilters: subs}
}

// Validate checks operand counts for the whole tree. A malformed count is a
// programming error on the caller's side, never a recoverable condition.
func (f *Filter) Validate() error {
	switch f.Operator {
	case OpEQ, OpLT, OpLE, OpGT, OpGE, OpNE:
		if len(f.Values) != 2 {
			return fmt.Errorf("filter: %s wants exactly 2 values (prop, operand), got %d", f.Operator, len(f.Values))
		}
		if _, ok := f.Values[0].(string); !ok {
			return fmt.Errorf("filter: %s property name must be a string", f.Operator)
		}
	case OpIN:
		if len(f.Values) < 2 {
			return fmt.Errorf("filter: IN wants a property name and at least 1 value, got %d values", len(f.Values))
		}
		if _, ok := f.Values[0].(string); !ok {
			return fmt.Errorf("filter: IN property name must be a string")
		}
	case OpAND, OpOR:
		if len(f.Values) != 0 {
			return fmt.Errorf("filter: %s carries no leaf values", f.Operator)
		}
		if len(f.Subfilters) < 1 {
			return fmt.Errorf("filter: %s wants at least 1 subfilter", f.Operator)
		}
		for _, sub := range f.Subfilters {
			if err := sub.Validate(); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("filter: unknown operator %q", f.Operator)
	}
	return nil
}

func (f *Filter) propName() string {
	s, _ := f.Values[0].(string)
	return s
}

// operand returns the predicate operand, converting ISO-8601 date strings to
// epoch milliseconds so both compile targets agree on how dates compare.
func (f *Filter) operand(i int) any {
	v := f.Values[i]
	if s, ok := v.(string); ok {
		if ms, ok := dateToEpochMillis(s); ok {
			return ms
		}
	}
	return v
}

// ToMongo compiles the tree to a structured-store filter document.
func (f *Filter) ToMongo() (bson.M, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return f.toMongo(), nil
}

func (f *Filter) toMongo() bson.M {
	switch f.Operator {
	case OpEQ:
		return bson.M{f.propName(): f.operand(1)}
	case OpLT:
		return bson.M{f.propName(): bson.M{"$lt": f.operand(1)}}
	case OpLE:
		return bson.M{f.propName(): bson.M{"$lte": f.operand(1)}}
	case OpGT:
		return bson.M{f.propName(): bson.M{"$gt": f.operand(1)}}
	case OpGE:
		return bson.M{f.propName(): bson.M{"$gte": f.operand(1)}}
	case OpNE:
		return bson.M{f.propName(): bson.M{"$ne": f.operand(1)}}
	case OpIN:
		vals := make([]any, 0, len(f.Values)-1)
		for i := 1; i < len(f.Values); i++ {
			vals = append(vals, f.operand(i))
		}
		return bson.M{f.propName(): bson.M{"$in": vals}}
	case OpAND, OpOR:
		subs := make([]bson.M, 0, len(f.Subfilters))
		for _, sub := range f.Subfilters {
			subs = append(subs, sub.toMongo())
		}
		if f.Operator == OpAND {
			return bson.M{"$and": subs}
		}
		return bson.M{"$or": subs}
	}
	return nil
}

// MatchQuery compiles the tree to a continuous-match query string. The
// continuous-match language has no IN, so IN compiles to a disjunction of
// equality clauses. Every clause is parenthesized so precedence never
// depends on the consumer.
//
// GE is emitted as ">=". The system this was ported from emitted "<=" for
// GE in its continuous-query builder, which made its GE case byte-identical
// to LE with no compensation anywhere upstream; that was a defect, not a
// semantic choice.
func (f *Filter) MatchQuery() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	return f.matchQuery(), nil
}

func (f *Filter) matchQuery() string {
	switch f.Operator {
	case OpEQ:
		return "(" + f.propName() + " : " + f.operandString(1) + ")"
	case OpLT:
		return "(" + f.propName() + " < " + f.operandString(1) + ")"
	case OpLE:
		return "(" + f.propName() + " <= " + f.operandString(1) + ")"
	case OpGT:
		return "(" + f.propName() + " > " + f.operandString(1) + ")"
	case OpGE:
		return "(" + f.propName() + " >= " + f.operandString(1) + ")"
	case OpNE:
		return "(NOT " + f.propName() + " : " + f.operandString(1) + ")"
	case OpIN:
		var sb strings.Builder
		sb.WriteString("(")
		for i := 1; i < len(f.Values); i++ {
			sb.WriteString("(" + f.propName() + " : " + f.operandString(i) + ")")
			if i != len(f.Values)-1 {
				sb.WriteString(" OR ")
			}
		}
		sb.WriteString(")")
		return sb.String()
	case OpAND, OpOR:
		op := " AND "
		if f.Operator == OpOR {
			op = " OR "
		}
		parts := make([]string, 0, len(f.Subfilters))
		for _, sub := range f.Subfilters {
			parts = append(parts, sub.matchQuery())
		}
		return "(" + strings.Join(parts, op) + ")"
	}
	return ""
}

func (f *Filter) operandString(i int) string {
	v := f.Values[i]
	switch DetectFieldType(v) {
	case FieldString:
		return `"` + fmt.Sprintf("%v", v) + `"`
	case FieldBoolean:
		return fmt.Sprintf("%v", v)
	default:
		if s, ok := v.(string); ok {
			if ms, ok := dateToEpochMillis(s); ok {
				return fmt.Sprintf("%d", ms)
			}
		}
		return trimNumber(fmt.Sprintf("%v", v))
	}
}

// MatchSchema builds the continuous-match field-type schema for the tree.
// IN registers its property as STRING only; the backing service supports no
// other element type for disjunction members.
func (f *Filter) MatchSchema() (Schema, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	s := Schema{}
	f.matchSchema(s)
	return s, nil
}

func (f *Filter) matchSchema(s Schema) {
	switch f.Operator {
	case OpEQ, OpLT, OpLE, OpGT, OpGE, OpNE:
		s[f.propName()] = DetectFieldType(f.Values[1])
	case OpIN:
		s[f.propName()] = FieldString
	case OpAND, OpOR:
		for _, sub := range f.Subfilters {
			sub.matchSchema(s)
		}
	}
}

// DetectFieldType infers the continuous-match field type of a value:
// booleans are BOOLEAN, integral numerics INT32, other numerics DOUBLE, and
// strings that parse as ISO-8601 dates DOUBLE (compared as epoch millis).
func DetectFieldType(v any) FieldType {
	switch v.(type) {
	case bool:
		return FieldBoolean
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return FieldInt32
	case float32, float64:
		return FieldDouble
	case string:
		if _, ok := dateToEpochMillis(v.(string)); ok {
			return FieldDouble
		}
		return FieldString
	default:
		return FieldString
	}
}

// MarshalJSON / UnmarshalJSON use the struct tags; Filter round-trips as the
// wire shape clients send ({"operator", "values", "subfilters"}).

// Encode serializes the tree for persistence alongside a subscription.
func (f *Filter) Encode() (string, error) {
	b, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// Decode restores a tree produced by Encode.
func Decode(s string) (*Filter, error) {
	var f Filter
	if err := json.Unmarshal([]byte(s), &f); err != nil {
		return nil, err
	}
	if err := f.Validate(); err != nil {
		return nil, err
	}
	return &f, nil
}

// quick shape check before paying for a real parse
var datePattern = regexp.MustCompile(`^\d.+[Z\d]$`)

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// dateToEpochMillis reports whether s is an ISO-8601-like calendar date and
// returns its epoch milliseconds when it is.
func dateToEpochMillis(s string) (int64, bool) {
	if !datePattern.MatchString(s) {
		return 0, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

func trimNumber(s string) string {
	if strings.Contains(s, ".") {
		s = strings.TrimRight(s, "0")
		s = strings.TrimSuffix(s, ".")
	}
	return s
}
