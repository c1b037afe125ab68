package rulefile

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
	"github.com/gyaneshwarpardhi/ruleflow/internal/store/memory"
)

const sample = `
version: 1
rules:
  - id: task-done
    tenant_id: school-1
    name: Task completed
    trigger_type: record_updated
    trigger_table: tasks
    when: status == "completed" AND priority > 3
    is_active: true
    actions:
      - type: log_event
        parameters:
          msg: done
  - id: grade-posted
    tenant_id: school-1
    name: Grade posted
    trigger_type: record_created
    trigger_table: grades
    trigger_conditions:
      - conditions:
          - field: score
            operator: less_than
            value: 50
    field_types:
      score: number
    is_active: true
    actions:
      - type: send_email
        parameters:
          templateId: low-grade
          recipientField: parent_email
`

func writeRules(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestParse(t *testing.T) {
	loadedAt := time.Date(2024, 9, 1, 0, 0, 0, 0, time.UTC)
	rules, err := Parse([]byte(sample), loadedAt)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("rules = %d, want 2", len(rules))
	}

	done := rules[0]
	if len(done.TriggerConditions) != 1 || len(done.TriggerConditions[0].Conditions) != 2 {
		t.Fatalf("when expression groups = %+v", done.TriggerConditions)
	}
	c := done.TriggerConditions[0].Conditions[1]
	if c.Field != "priority" || c.Operator != rule.OpGreaterThan || c.Value != float64(3) {
		t.Errorf("second condition = %+v", c)
	}
	if err := done.Validate(); err != nil {
		t.Errorf("parsed rule invalid: %v", err)
	}

	grade := rules[1]
	if grade.FieldTypes["score"] != rule.FieldNumber || grade.Actions[0].Parameters["templateId"] != "low-grade" {
		t.Errorf("grade rule = %+v", grade)
	}
	if !rule.Less(done, grade) {
		t.Error("file order should be firing order")
	}
	if !done.CreatedAt.Equal(loadedAt) {
		t.Errorf("created_at = %v", done.CreatedAt)
	}
}

func TestParse_Errors(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"invalid yaml", "rules: [", "parse"},
		{"missing id", "rules:\n  - tenant_id: s\n", "id is required"},
		{"duplicate id", "rules:\n  - id: a\n  - id: a\n", "duplicate id"},
		{"bad expression", "rules:\n  - id: a\n    when: status ==\n", "when"},
		{
			"both forms",
			"rules:\n  - id: a\n    when: x == 1\n    trigger_conditions:\n      - conditions:\n          - field: y\n            operator: is_null\n",
			"mutually exclusive",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.body), time.Now())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Errorf("err = %v, want containing %q", err, tc.want)
			}
		})
	}
}

func TestParse_KeepsMalformedRules(t *testing.T) {
	body := "rules:\n  - id: a\n    tenant_id: s\n    trigger_type: someday\n"
	rules, err := Parse([]byte(body), time.Now())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(rules) != 1 || rules[0].Validate() == nil {
		t.Error("malformed rule should load and fail validation")
	}
}

func TestLoader_ReloadNotifies(t *testing.T) {
	path := writeRules(t, sample)
	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	if len(l.Rules()) != 2 {
		t.Fatalf("initial rules = %d", len(l.Rules()))
	}

	st := memory.NewRuleStore()
	l.OnChange(st.Replace)

	one := sample[:strings.Index(sample, "  - id: grade-posted")]
	if err := os.WriteFile(path, []byte(one), 0o600); err != nil {
		t.Fatal(err)
	}
	rules, err := l.Reload()
	if err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(rules) != 1 || st.Len() != 1 {
		t.Errorf("after reload: loader=%d store=%d", len(rules), st.Len())
	}

	if err := os.WriteFile(path, []byte("rules: ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Reload(); err == nil {
		t.Error("broken file should fail to reload")
	}
	if len(l.Rules()) != 1 || st.Len() != 1 {
		t.Error("failed reload must keep previous rules")
	}
}

func TestLoader_Watch(t *testing.T) {
	path := writeRules(t, sample)
	l, err := NewLoader(path)
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	var reloads atomic.Int32
	l.OnChange(func([]*rule.Rule) { reloads.Add(1) })

	stop, err := l.Watch()
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	defer stop()

	one := sample[:strings.Index(sample, "  - id: grade-posted")]
	if err := os.WriteFile(path, []byte(one), 0o600); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(3 * time.Second)
	for len(l.Rules()) != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if reloads.Load() == 0 {
		t.Fatal("watcher did not reload after write")
	}
	if len(l.Rules()) != 1 {
		t.Errorf("rules after watch reload = %d", len(l.Rules()))
	}
}

func TestNewLoader_MissingFile(t *testing.T) {
	if _, err := NewLoader(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("missing file should fail")
	}
}
