package evaluator

import (
	"errors"
	"fmt"
	"testing"

	"github.com/attestra/ccm/internal/models"
)

func testContext() models.DataContext {
	return models.DataContext{
		"okta_users": {
			{"id": "u1", "email": "amy@corp.test", "is_admin": true, "mfa_enabled": true, "status": "ACTIVE", "risk": 2},
			{"id": "u2", "email": "bob@corp.test", "is_admin": true, "mfa_enabled": false, "status": "ACTIVE", "risk": 9},
			{"id": "u3", "email": "cam@corp.test", "is_admin": false, "mfa_enabled": false, "status": "DEPROVISIONED", "risk": 5},
		},
		"hr_employees": {
			{"email": "amy@corp.test", "active": true},
			{"email": "bob@corp.test", "active": true},
		},
		"aws_config": {
			{"id": "s3-1", "encryption": map[string]interface{}{"enabled": true, "algorithm": "AES256"}},
			{"id": "s3-2", "encryption": map[string]interface{}{"enabled": false}},
			{"id": "s3-3"},
		},
	}
}

func matchedIDs(records []models.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, fmt.Sprintf("%v", r["id"]))
	}
	return out
}

func sameIDs(got []models.Record, want []string) bool {
	ids := matchedIDs(got)
	if len(ids) != len(want) {
		return false
	}
	for i := range ids {
		if ids[i] != want[i] {
			return false
		}
	}
	return true
}

func TestQueryFiltering(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"no where clause returns all", "okta_users", []string{"u1", "u2", "u3"}},
		{"string equality", "okta_users WHERE status = 'ACTIVE'", []string{"u1", "u2"}},
		{"string inequality", "okta_users WHERE status != 'ACTIVE'", []string{"u3"}},
		{"boolean literal", "okta_users WHERE is_admin = true", []string{"u1", "u2"}},
		{"numeric comparison", "okta_users WHERE risk > 4", []string{"u2", "u3"}},
		{"numeric equality across types", "okta_users WHERE risk = 9", []string{"u2"}},
		{"and combines clauses", "okta_users WHERE is_admin = true AND mfa_enabled = false", []string{"u2"}},
		{"and binds tighter than or", "okta_users WHERE status = 'DEPROVISIONED' OR is_admin = true AND mfa_enabled = false", []string{"u2", "u3"}},
		{"dotted path lookup", "aws_config WHERE encryption.enabled = false", []string{"s3-2"}},
		{"missing field reads as null", "aws_config WHERE encryption.enabled = null", []string{"s3-3"}},
		{"missing field never equals a value", "aws_config WHERE encryption.algorithm = 'AES256'", []string{"s3-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := CompileQuery(tt.query)
			if err != nil {
				t.Fatalf("CompileQuery(%q): %v", tt.query, err)
			}
			got, err := q.Run(testContext())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !sameIDs(got, tt.want) {
				t.Errorf("matched %v, want %v", matchedIDs(got), tt.want)
			}
		})
	}
}

func TestQueryMembership(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  []string
	}{
		{"in matches cross-source", "okta_users WHERE email IN hr_employees.email", []string{"u1", "u2"}},
		{"not in finds orphans", "okta_users WHERE email NOT IN hr_employees.email", []string{"u3"}},
		{"in combined with comparison", "okta_users WHERE status = 'ACTIVE' AND email NOT IN hr_employees.email", nil},
		{"values absent from the member set", "aws_config WHERE id IN hr_employees.email", nil},
		{"record without field is never a member", "aws_config WHERE missing IN hr_employees.email", nil},
		{"record without field passes not in", "aws_config WHERE missing NOT IN hr_employees.email", []string{"s3-1", "s3-2", "s3-3"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := CompileQuery(tt.query)
			if err != nil {
				t.Fatalf("CompileQuery(%q): %v", tt.query, err)
			}
			got, err := q.Run(testContext())
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if !sameIDs(got, tt.want) {
				t.Errorf("matched %v, want %v", matchedIDs(got), tt.want)
			}
		})
	}
}

func TestQueryPreservesRecordOrder(t *testing.T) {
	q, err := CompileQuery("okta_users WHERE risk >= 0")
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		got, err := q.Run(testContext())
		if err != nil {
			t.Fatal(err)
		}
		if !sameIDs(got, []string{"u1", "u2", "u3"}) {
			t.Fatalf("run %d: order changed: %v", i, matchedIDs(got))
		}
	}
}

func TestCompileQueryErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"empty expression", ""},
		{"unterminated string", "okta_users WHERE status = 'ACTIVE"},
		{"trailing tokens", "okta_users WHERE status = 'ACTIVE' garbage = 1"},
		{"keyword as field", "okta_users WHERE where = 1"},
		{"missing operator", "okta_users WHERE status 'ACTIVE'"},
		{"bad membership target", "okta_users WHERE email IN hr_employees"},
		{"not without in", "okta_users WHERE email NOT hr_employees.email"},
		{"lone bang", "okta_users WHERE status ! 'ACTIVE'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileQuery(tt.query)
			if err == nil {
				t.Fatalf("CompileQuery(%q): expected error", tt.query)
			}
			var qerr *models.QueryExecutionError
			if !errors.As(err, &qerr) {
				t.Errorf("error type = %T, want *models.QueryExecutionError", err)
			}
		})
	}
}

func TestQueryErrors(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing source", "unknown_source"},
		{"missing membership source", "okta_users WHERE email IN payroll.email"},
		{"ordering non-numeric values", "okta_users WHERE status > 3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := CompileQuery(tt.query)
			if err != nil {
				t.Fatalf("CompileQuery(%q): %v", tt.query, err)
			}
			if _, err := q.Run(testContext()); err == nil {
				t.Fatalf("Run(%q): expected error", tt.query)
			}
		})
	}
}

func TestCompilePredicate(t *testing.T) {
	valid := []string{
		"row_count = 0",
		"row_count  =  0",
		"ROW_COUNT = 0",
		"row_count <= threshold",
		"value >= minimum",
		"Value >= Minimum",
	}
	for _, raw := range valid {
		if _, err := CompilePredicate(raw); err != nil {
			t.Errorf("CompilePredicate(%q): %v", raw, err)
		}
	}

	invalid := []string{
		"",
		"row_count = 1",
		"row_count < threshold",
		"value > minimum",
		"count = 0",
		"row_count = 0 AND value >= minimum",
	}
	for _, raw := range invalid {
		_, err := CompilePredicate(raw)
		if err == nil {
			t.Errorf("CompilePredicate(%q): expected error", raw)
			continue
		}
		var serr *models.ConditionSyntaxError
		if !errors.As(err, &serr) {
			t.Errorf("CompilePredicate(%q): error type = %T, want *models.ConditionSyntaxError", raw, err)
		}
	}
}

func TestPredicateHolds(t *testing.T) {
	records := func(n int) []models.Record {
		out := make([]models.Record, n)
		for i := range out {
			out[i] = models.Record{"id": fmt.Sprintf("r%d", i)}
		}
		return out
	}

	tests := []struct {
		name      string
		condition string
		results   []models.Record
		threshold float64
		want      bool
	}{
		{"zero rows holds on empty", "row_count = 0", nil, 0, true},
		{"zero rows fails on matches", "row_count = 0", records(1), 0, false},
		{"max rows holds at bound", "row_count <= threshold", records(3), 3, true},
		{"max rows fails above bound", "row_count <= threshold", records(4), 3, false},
		{"value min holds", "value >= minimum", []models.Record{{"value": 99.5}}, 99, true},
		{"value min fails below", "value >= minimum", []models.Record{{"value": 98}}, 99, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := CompilePredicate(tt.condition)
			if err != nil {
				t.Fatal(err)
			}
			got, err := p.Holds(tt.results, tt.threshold)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Holds = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPredicateValueErrors(t *testing.T) {
	p, err := CompilePredicate("value >= minimum")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Holds(nil, 1); err == nil {
		t.Error("empty result set: expected error")
	}
	if _, err := p.Holds([]models.Record{{"value": "high"}}, 1); err == nil {
		t.Error("non-numeric value: expected error")
	}
	if _, err := p.Holds([]models.Record{{"id": "r1"}}, 1); err == nil {
		t.Error("missing value field: expected error")
	}
}

func boolControl(query, condition string) *models.Control {
	return &models.Control{
		ID:       "CC6.1-TEST",
		Name:     "Test control",
		Category: models.CategorySecurity,
		Severity: models.SeverityHigh,
		Enabled:  true,
		Logic: models.Logic{
			Type:             models.LogicBooleanCheck,
			Query:            query,
			SuccessCondition: condition,
		},
	}
}

func TestEvaluateBooleanCheck(t *testing.T) {
	ctrl := boolControl("okta_users WHERE is_admin = true AND mfa_enabled = false", "row_count = 0")
	ctrl.Logic.FailureMessage = "Found {count} privileged users without MFA"

	cl := Compile(ctrl)
	if cl.Err() != nil {
		t.Fatalf("compile: %v", cl.Err())
	}

	out := cl.Evaluate(ctrl, testContext())
	if out.Status != models.EvalStatusFailed {
		t.Fatalf("status = %s, want %s", out.Status, models.EvalStatusFailed)
	}
	if len(out.Violations) != 1 || out.Violations[0]["id"] != "u2" {
		t.Errorf("violations = %v, want the one admin without MFA", matchedIDs(out.Violations))
	}
	if out.Message != "Found 1 privileged users without MFA" {
		t.Errorf("message = %q, want count substituted", out.Message)
	}

	// With MFA everywhere the same control passes.
	data := testContext()
	data["okta_users"][1]["mfa_enabled"] = true
	out = cl.Evaluate(ctrl, data)
	if out.Status != models.EvalStatusPassed {
		t.Errorf("status = %s, want %s", out.Status, models.EvalStatusPassed)
	}
}

func TestEvaluateDefaultFailureMessage(t *testing.T) {
	ctrl := boolControl("okta_users WHERE is_admin = true", "row_count = 0")

	cl := Compile(ctrl)
	out := cl.Evaluate(ctrl, testContext())
	if out.Status != models.EvalStatusFailed {
		t.Fatalf("status = %s, want failed", out.Status)
	}
	if out.Message != "Control check failed" {
		t.Errorf("message = %q, want default", out.Message)
	}
}

func TestEvaluateManualReview(t *testing.T) {
	ctrl := &models.Control{
		ID:       "CC9.2-TEST",
		Severity: models.SeverityMedium,
		Enabled:  true,
		Logic: models.Logic{
			Type:  models.LogicManualReview,
			Query: "okta_users WHERE status = 'ACTIVE'",
		},
	}

	cl := Compile(ctrl)
	if cl.Err() != nil {
		t.Fatalf("compile: %v", cl.Err())
	}

	out := cl.Evaluate(ctrl, testContext())
	if out.Status != models.EvalStatusReviewRequired {
		t.Fatalf("status = %s, want %s", out.Status, models.EvalStatusReviewRequired)
	}
	if len(out.Violations) != 2 {
		t.Errorf("flagged %d items, want 2", len(out.Violations))
	}
}

func TestEvaluateLLMBasedIsNotEvaluated(t *testing.T) {
	ctrl := &models.Control{
		ID:      "CC2.1-TEST",
		Enabled: true,
		Logic: models.Logic{
			Type:   models.LogicLLMBased,
			Prompt: "Assess whether the incident response policy covers breach notification.",
		},
	}

	cl := Compile(ctrl)
	out := cl.Evaluate(ctrl, testContext())
	if out.Status != models.EvalStatusNotEvaluated {
		t.Errorf("status = %s, want %s", out.Status, models.EvalStatusNotEvaluated)
	}
	if out.Err != nil {
		t.Errorf("err = %v, want nil", out.Err)
	}
}

func TestCompileFailureIsCarried(t *testing.T) {
	ctrl := boolControl("okta_users WHERE status = 'ACTIVE", "row_count = 0")

	cl := Compile(ctrl)
	if cl.Err() == nil {
		t.Fatal("expected carried compile error")
	}

	out := cl.Evaluate(ctrl, testContext())
	if out.Status != models.EvalStatusError {
		t.Errorf("status = %s, want %s", out.Status, models.EvalStatusError)
	}
	if out.Err == nil {
		t.Error("outcome should carry the compile error")
	}
}

func TestEvaluateMissingSource(t *testing.T) {
	ctrl := boolControl("github_repos WHERE private = false", "row_count = 0")

	cl := Compile(ctrl)
	if cl.Err() != nil {
		t.Fatalf("compile: %v", cl.Err())
	}

	out := cl.Evaluate(ctrl, testContext())
	if out.Status != models.EvalStatusError {
		t.Fatalf("status = %s, want %s", out.Status, models.EvalStatusError)
	}
	var qerr *models.QueryExecutionError
	if !errors.As(out.Err, &qerr) {
		t.Errorf("err type = %T, want *models.QueryExecutionError", out.Err)
	}
}

func benchContext(n int) models.DataContext {
	users := make([]models.Record, n)
	employees := make([]models.Record, 0, n)
	for i := 0; i < n; i++ {
		email := fmt.Sprintf("user%d@corp.test", i)
		users[i] = models.Record{
			"id":          fmt.Sprintf("u%d", i),
			"email":       email,
			"is_admin":    i%10 == 0,
			"mfa_enabled": i%3 != 0,
			"status":      "ACTIVE",
			"risk":        i % 10,
		}
		if i%20 != 0 {
			employees = append(employees, models.Record{"email": email, "active": true})
		}
	}
	return models.DataContext{"okta_users": users, "hr_employees": employees}
}

func BenchmarkCompileQuery(b *testing.B) {
	raw := "okta_users WHERE status = 'ACTIVE' AND email NOT IN hr_employees.email"

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = CompileQuery(raw)
	}
}

func BenchmarkQueryRun(b *testing.B) {
	q, err := CompileQuery("okta_users WHERE is_admin = true AND mfa_enabled = false OR email NOT IN hr_employees.email")
	if err != nil {
		b.Fatal(err)
	}
	data := benchContext(500)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = q.Run(data)
	}
}

func BenchmarkEvaluateBooleanCheck(b *testing.B) {
	ctrl := boolControl("okta_users WHERE is_admin = true AND mfa_enabled = false", "row_count = 0")
	ctrl.Logic.FailureMessage = "Found {count} privileged users without MFA"
	cl := Compile(ctrl)
	if cl.Err() != nil {
		b.Fatal(cl.Err())
	}
	data := benchContext(500)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = cl.Evaluate(ctrl, data)
	}
}
