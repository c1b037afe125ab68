package event

import (
	"testing"

	"github.com/gyaneshwarpardhi/ruleflow/internal/rule"
)

func TestOperationTriggerType(t *testing.T) {
	cases := []struct {
		op   Operation
		want rule.TriggerType
		ok   bool
	}{
		{OpCreated, rule.TriggerRecordCreated, true},
		{OpUpdated, rule.TriggerRecordUpdated, true},
		{OpDeleted, rule.TriggerRecordDeleted, true},
		{OpTimeBased, rule.TriggerTimeBased, true},
		{"moved", "", false},
	}
	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			got, ok := tc.op.TriggerType()
			if got != tc.want || ok != tc.ok {
				t.Errorf("TriggerType() = %q, %v; want %q, %v", got, ok, tc.want, tc.ok)
			}
		})
	}
}

func TestSubjectAndRecordID(t *testing.T) {
	old := map[string]any{"id": 7, "status": "pending"}
	cur := map[string]any{"id": 7, "status": "completed"}

	upd := &ChangeEvent{Operation: OpUpdated, OldRow: old, NewRow: cur}
	if upd.Subject()["status"] != "completed" {
		t.Error("updates evaluate the new row")
	}
	del := &ChangeEvent{Operation: OpDeleted, OldRow: old}
	if del.Subject()["status"] != "pending" {
		t.Error("deletions evaluate the old row")
	}
	if got := del.RecordID(); got != "7" {
		t.Errorf("RecordID() = %q, want 7", got)
	}
	if got := (&ChangeEvent{Operation: OpTimeBased}).RecordID(); got != "" {
		t.Errorf("RecordID() on empty event = %q", got)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		ev      ChangeEvent
		wantErr bool
	}{
		{"ok", ChangeEvent{TenantID: "s1", Table: "tasks", Operation: OpCreated}, false},
		{"tick without table", ChangeEvent{TenantID: "s1", Operation: OpTimeBased}, false},
		{"no tenant", ChangeEvent{Table: "tasks", Operation: OpCreated}, true},
		{"no table", ChangeEvent{TenantID: "s1", Operation: OpUpdated}, true},
		{"bad op", ChangeEvent{TenantID: "s1", Table: "tasks", Operation: "upserted"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.ev.Validate()
			if (err != nil) != tc.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}
