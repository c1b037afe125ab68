package condition

import (
	"reflect"
	"testing"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

func cond(field string, op rule.Operator, v any) rule.Condition {
	return rule.Condition{Field: field, Operator: op, Value: v}
}

func TestParseGroups(t *testing.T) {
	cases := []struct {
		name string
		expr string
		want [][]rule.Condition
	}{
		{
			name: "single word operator",
			expr: `status equals "completed"`,
			want: [][]rule.Condition{{cond("status", rule.OpEquals, "completed")}},
		},
		{
			name: "symbol operators",
			expr: `score > 10 AND score < 20.5`,
			want: [][]rule.Condition{{
				cond("score", rule.OpGreaterThan, float64(10)),
				cond("score", rule.OpLessThan, 20.5),
			}},
		},
		{
			name: "and binds tighter than or",
			expr: `a == 1 AND b == 2 OR c == 3`,
			want: [][]rule.Condition{
				{cond("a", rule.OpEquals, float64(1)), cond("b", rule.OpEquals, float64(2))},
				{cond("c", rule.OpEquals, float64(3))},
			},
		},
		{
			name: "parentheses distribute",
			expr: `a == 1 AND (b == 2 OR c == 3)`,
			want: [][]rule.Condition{
				{cond("a", rule.OpEquals, float64(1)), cond("b", rule.OpEquals, float64(2))},
				{cond("a", rule.OpEquals, float64(1)), cond("c", rule.OpEquals, float64(3))},
			},
		},
		{
			name: "unary operators take no value",
			expr: `owner is_null or due_date is_not_null`,
			want: [][]rule.Condition{
				{cond("owner", rule.OpIsNull, nil)},
				{cond("due_date", rule.OpIsNotNull, nil)},
			},
		},
		{
			name: "bool null and dotted path",
			expr: `address.verified != false AND manager = null`,
			want: [][]rule.Condition{{
				cond("address.verified", rule.OpNotEquals, false),
				cond("manager", rule.OpEquals, nil),
			}},
		},
		{
			name: "contains with escaped quote",
			expr: `title contains 'it\'s'`,
			want: [][]rule.Condition{{cond("title", rule.OpContains, "it's")}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			groups, err := ParseGroups(tc.expr)
			if err != nil {
				t.Fatalf("ParseGroups(%q) error: %v", tc.expr, err)
			}
			got := make([][]rule.Condition, len(groups))
			for i, g := range groups {
				got[i] = g.Conditions
			}
			if !reflect.DeepEqual(got, tc.want) {
				t.Errorf("ParseGroups(%q)\n got  %#v\n want %#v", tc.expr, got, tc.want)
			}
		})
	}
}

func TestParseGroups_Empty(t *testing.T) {
	groups, err := ParseGroups("   ")
	if err != nil || groups != nil {
		t.Fatalf("blank expression = %v, %v; want nil, nil", groups, err)
	}
}

func TestParseGroups_Errors(t *testing.T) {
	cases := []string{
		`"unterminated`,
		`amount 1000`,
		`amount >= 10`,
		`amount like "x"`,
		`(a == 1`,
		`a == 1 OR`,
		`a == 1 b == 2`,
		`status equals`,
		`a == 1 #`,
	}
	for _, expr := range cases {
		t.Run(expr, func(t *testing.T) {
			if _, err := ParseGroups(expr); err == nil {
				t.Errorf("expected parse error for %q, got nil", expr)
			}
		})
	}
}

func TestParseGroups_ExpansionLimit(t *testing.T) {
	term := `(a == 1 OR b == 2 OR c == 3 OR d == 4)`
	expr := term + " AND " + term + " AND " + term + " AND " + term
	if _, err := ParseGroups(expr); err == nil {
		t.Fatal("expected expansion limit error")
	}
}
