package filter

import (
	"reflect"
	"testing"

	"go.mongodb.org/mongo-driver/bson"
)

func TestMatchQueryLeafOperators(t *testing.T) {
	cases := []struct {
		name string
		f    *Filter
		want string
	}{
		{"eq string", NewPredicate(OpEQ, "city", "tokyo"), `(city : "tokyo")`},
		{"lt int", NewPredicate(OpLT, "priority", 3), "(priority < 3)"},
		{"le int", NewPredicate(OpLE, "priority", 3), "(priority <= 3)"},
		{"gt int", NewPredicate(OpGT, "priority", 3), "(priority > 3)"},
		{"ge int", NewPredicate(OpGE, "priority", 3), "(priority >= 3)"},
		{"ne string", NewPredicate(OpNE, "city", "osaka"), `(NOT city : "osaka")`},
		{"bool", NewPredicate(OpEQ, "done", true), "(done : true)"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.f.MatchQuery()
			if err != nil {
				t.Fatalf("MatchQuery: %v", err)
			}
			if got != tc.want {
				t.Fatalf("got %q want %q", got, tc.want)
			}
		})
	}
}

func TestMatchQueryGEIsNotLE(t *testing.T) {
	ge, _ := NewPredicate(OpGE, "n", 1).MatchQuery()
	le, _ := NewPredicate(OpLE, "n", 1).MatchQuery()
	if ge == le {
		t.Fatalf("GE compiled identically to LE: %q", ge)
	}
}

func TestMatchQueryInDisjunction(t *testing.T) {
	f := NewIn("city", "tokyo", "osaka", "kyoto")
	got, err := f.MatchQuery()
	if err != nil {
		t.Fatalf("MatchQuery: %v", err)
	}
	want := `((city : "tokyo") OR (city : "osaka") OR (city : "kyoto"))`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMatchQueryComposite(t *testing.T) {
	f := NewAnd(
		NewPredicate(OpEQ, "city", "tokyo"),
		NewOr(
			NewPredicate(OpGT, "priority", 2),
			NewPredicate(OpEQ, "urgent", true),
		),
	)
	got, err := f.MatchQuery()
	if err != nil {
		t.Fatalf("MatchQuery: %v", err)
	}
	want := `((city : "tokyo") AND ((priority > 2) OR (urgent : true)))`
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMatchQueryDateOperand(t *testing.T) {
	f := NewPredicate(OpGT, "TimeStamp", "2014-01-02T00:00:00Z")
	got, err := f.MatchQuery()
	if err != nil {
		t.Fatalf("MatchQuery: %v", err)
	}
	want := "(TimeStamp > 1388620800000)"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestMatchSchema(t *testing.T) {
	f := NewAnd(
		NewPredicate(OpEQ, "city", "tokyo"),
		NewPredicate(OpGT, "priority", 2),
		NewPredicate(OpLT, "score", 1.5),
		NewPredicate(OpEQ, "urgent", true),
		NewPredicate(OpGE, "when", "2014-01-02"),
		NewIn("tag", "a", "b"),
	)
	got, err := f.MatchSchema()
	if err != nil {
		t.Fatalf("MatchSchema: %v", err)
	}
	want := Schema{
		"city":     FieldString,
		"priority": FieldInt32,
		"score":    FieldDouble,
		"urgent":   FieldBoolean,
		"when":     FieldDouble,
		"tag":      FieldString,
	}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v want %v", got, want)
	}
}

func TestToMongo(t *testing.T) {
	f := NewAnd(
		NewPredicate(OpEQ, "city", "tokyo"),
		NewPredicate(OpGE, "priority", 3),
		NewIn("tag", "a", "b"),
	)
	got, err := f.ToMongo()
	if err != nil {
		t.Fatalf("ToMongo: %v", err)
	}
	want := bson.M{"$and": []bson.M{
		{"city": "tokyo"},
		{"priority": bson.M{"$gte": 3}},
		{"tag": bson.M{"$in": []any{"a", "b"}}},
	}}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v want %#v", got, want)
	}
}

func TestValidateRejectsMalformed(t *testing.T) {
	cases := []struct {
		name string
		f    *Filter
	}{
		{"leaf missing value", &Filter{Operator: OpEQ, Values: []any{"city"}}},
		{"leaf extra value", &Filter{Operator: OpEQ, Values: []any{"city", "a", "b"}}},
		{"in without values", &Filter{Operator: OpIN, Values: []any{"city"}}},
		{"and without subs", &Filter{Operator: OpAND}},
		{"and with leaf values", &Filter{Operator: OpAND, Values: []any{"x"}, Subfilters: []*Filter{NewPredicate(OpEQ, "a", 1)}}},
		{"unknown operator", &Filter{Operator: Op("LIKE"), Values: []any{"a", "b"}}},
		{"bad nested sub", NewAnd(&Filter{Operator: OpEQ, Values: []any{"city"}})},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.f.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
			if _, err := tc.f.MatchQuery(); err == nil {
				t.Fatal("MatchQuery accepted malformed tree")
			}
			if _, err := tc.f.ToMongo(); err == nil {
				t.Fatal("ToMongo accepted malformed tree")
			}
		})
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	f := NewAnd(
		NewPredicate(OpEQ, "city", "tokyo"),
		NewIn("tag", "a", "b"),
	)
	s, err := f.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	back, err := Decode(s)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	q1, _ := f.MatchQuery()
	q2, _ := back.MatchQuery()
	if q1 != q2 {
		t.Fatalf("round trip changed the query: %q vs %q", q1, q2)
	}
}

func TestDecodeRejectsInvalid(t *testing.T) {
	if _, err := Decode(`{"operator":"EQ","values":["city"]}`); err == nil {
		t.Fatal("expected error for malformed encoded tree")
	}
	if _, err := Decode(`not json`); err == nil {
		t.Fatal("expected error for non-json input")
	}
}

func TestMatches(t *testing.T) {
	doc := map[string]any{
		"city":     "tokyo",
		"priority": int64(3),
		"score":    2.5,
		"urgent":   false,
	}
	cases := []struct {
		name string
		f    *Filter
		want bool
	}{
		{"eq hit", NewPredicate(OpEQ, "city", "tokyo"), true},
		{"eq miss", NewPredicate(OpEQ, "city", "osaka"), false},
		{"ge boundary", NewPredicate(OpGE, "priority", 3), true},
		{"gt boundary", NewPredicate(OpGT, "priority", 3), false},
		{"le", NewPredicate(OpLE, "score", 2.5), true},
		{"ne", NewPredicate(OpNE, "urgent", true), true},
		{"in hit", NewIn("city", "osaka", "tokyo"), true},
		{"in miss", NewIn("city", "osaka", "kyoto"), false},
		{"absent property", NewPredicate(OpEQ, "missing", 1), false},
		{"and", NewAnd(NewPredicate(OpEQ, "city", "tokyo"), NewPredicate(OpGT, "priority", 2)), true},
		{"and short", NewAnd(NewPredicate(OpEQ, "city", "tokyo"), NewPredicate(OpGT, "priority", 9)), false},
		{"or", NewOr(NewPredicate(OpEQ, "city", "nara"), NewPredicate(OpGT, "priority", 2)), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.f.Matches(doc); got != tc.want {
				t.Fatalf("Matches = %v want %v", got, tc.want)
			}
		})
	}
}

func TestMatchesNumericCoercion(t *testing.T) {
	f := NewPredicate(OpGE, "n", 3)
	for _, v := range []any{int32(3), int64(3), 3.0, float32(3)} {
		if !f.Matches(map[string]any{"n": v}) {
			t.Fatalf("GE 3 did not match %T(%v)", v, v)
		}
	}
}

func TestDetectFieldType(t *testing.T) {
	cases := []struct {
		v    any
		want FieldType
	}{
		{true, FieldBoolean},
		{42, FieldInt32},
		{int64(42), FieldInt32},
		{4.2, FieldDouble},
		{"plain", FieldString},
		{"2014-01-02", FieldDouble},
		{"2014-01-02T03:04:05Z", FieldDouble},
		{"99 bottles", FieldString},
	}
	for _, tc := range cases {
		if got := DetectFieldType(tc.v); got != tc.want {
			t.Fatalf("DetectFieldType(%v) = %v want %v", tc.v, got, tc.want)
		}
	}
}
