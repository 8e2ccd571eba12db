package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/attestra/ccm/internal/catalog"
	"github.com/attestra/ccm/internal/evidence"
	"github.com/attestra/ccm/internal/findings"
	"github.com/attestra/ccm/internal/models"
)

const testCatalog = `
controls:
  - id: CC6.1-IAM-MFA
    name: MFA for Privileged Users
    description: All privileged identity provider accounts must have MFA enabled
    tsc_reference: CC6.1
    category: Security
    control_type: technical
    severity: high
    sources: [okta_users]
    evaluation_frequency: 24h
    logic:
      type: boolean_check
      query: okta_users WHERE is_admin = true AND mfa_enabled = false
      success_condition: row_count = 0
      failure_message: Found {count} privileged users without MFA
    remediation: Enable MFA for all privileged accounts

  - id: CC6.2-ENCRYPT-AT-REST
    name: Encryption at Rest
    description: All data stores must be encrypted at rest
    tsc_reference: CC6.2
    category: Security
    control_type: technical
    severity: critical
    sources: [aws_resources]
    evaluation_frequency: 24h
    logic:
      type: boolean_check
      query: aws_resources WHERE encryption_enabled = false
      success_condition: row_count = 0

  - id: CC9.1-VENDOR-REVIEW
    name: Vendor Risk Review
    description: Third-party vendors reviewed before onboarding
    tsc_reference: CC9.1
    category: Security
    control_type: administrative
    severity: medium
    sources: [vendors]
    evaluation_frequency: 168h
    logic:
      type: manual_review
      query: vendors WHERE reviewed = false

  - id: CC0.0-DISABLED
    name: Disabled Control
    description: Should never run in a full batch
    tsc_reference: CC0.0
    category: Security
    control_type: technical
    severity: low
    sources: [okta_users]
    evaluation_frequency: 24h
    enabled: false
    logic:
      type: boolean_check
      query: okta_users WHERE status = "GHOST"
      success_condition: row_count = 0
`

type memResults struct {
	mu    sync.Mutex
	saved []*models.EvaluationResult
}

func (m *memResults) SaveEvaluation(ctx context.Context, r *models.EvaluationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.saved = append(m.saved, &cp)
	return nil
}

func (m *memResults) byControl(id string) []*models.EvaluationResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EvaluationResult
	for _, r := range m.saved {
		if r.ControlID == id {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	engine  *Engine
	results *memResults
	tracker *findings.Tracker
	vault   *evidence.Vault
}

func newFixture(t *testing.T, catalogYAML string) *fixture {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "controls.yaml")
	if err := os.WriteFile(path, []byte(catalogYAML), 0o644); err != nil {
		t.Fatalf("writing catalog: %v", err)
	}
	cat, err := catalog.Load(path)
	if err != nil {
		t.Fatalf("loading catalog: %v", err)
	}

	store, err := evidence.NewFSStore(filepath.Join(dir, "vault"))
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	vault, err := evidence.NewVault(context.Background(), store, nil)
	if err != nil {
		t.Fatalf("NewVault: %v", err)
	}

	results := &memResults{}
	tracker := findings.NewTracker(findings.NewMemStore(), nil)

	return &fixture{
		engine:  New(catalog.NewActive(cat), results, tracker, vault, Config{Workers: 2}, nil),
		results: results,
		tracker: tracker,
		vault:   vault,
	}
}

func healthyContext() models.DataContext {
	return models.DataContext{
		"okta_users": {
			{"id": "okta-user-1", "email": "alice@example.com", "is_admin": true, "mfa_enabled": true},
			{"id": "okta-user-4", "email": "bob@example.com", "is_admin": false, "mfa_enabled": false},
		},
		"aws_resources": {
			{"resource_id": "rds-prod-1", "resource_type": "rds_instance", "encryption_enabled": true},
		},
		"vendors": {
			{"id": "vendor-1", "name": "PayrollCo", "reviewed": false},
		},
	}
}

func violatingContext() models.DataContext {
	data := healthyContext()
	data["okta_users"] = append(data["okta_users"],
		models.Record{"id": "okta-user-2", "email": "security@example.com", "is_admin": true, "mfa_enabled": false},
		models.Record{"id": "okta-user-5", "email": "devops@example.com", "is_admin": true, "mfa_enabled": false},
	)
	return data
}

func TestRunControlFailedOpensFindings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)

	result, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", violatingContext())
	if err != nil {
		t.Fatalf("RunControl: %v", err)
	}

	if result.Status != models.EvalStatusFailed {
		t.Fatalf("status = %s, want failed", result.Status)
	}
	if result.Message != "Found 2 privileged users without MFA" {
		t.Errorf("message = %q", result.Message)
	}
	if len(result.Violations) != 2 {
		t.Fatalf("violations = %d, want 2", len(result.Violations))
	}
	if result.EvidenceID == "" {
		t.Error("failed evaluation should carry evidence")
	}

	// The evidence trail holds the result and verifies clean.
	if err := f.vault.Verify(ctx, result.EvidenceID); err != nil {
		t.Errorf("evidence verify: %v", err)
	}

	open := models.FindingStatusOpen
	list, _, err := f.tracker.List(ctx, findings.ListFilter{Status: &open})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("open findings = %d, want 2", len(list))
	}
	for _, fd := range list {
		if fd.Severity != models.SeverityHigh {
			t.Errorf("severity = %s, want high", fd.Severity)
		}
		if fd.ControlID != "CC6.1-IAM-MFA" {
			t.Errorf("control_id = %s", fd.ControlID)
		}
	}
}

func TestRunControlReRunIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)
	data := violatingContext()

	first, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", data)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	second, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", data)
	if err != nil {
		t.Fatalf("second run: %v", err)
	}

	// Same inputs, same verdict; a fresh result row each time.
	if first.Status != second.Status || first.Message != second.Message {
		t.Errorf("verdict changed across identical runs: %s/%s", first.Status, second.Status)
	}
	if first.ID == second.ID {
		t.Error("each run must append its own result")
	}
	if got := len(f.results.byControl("CC6.1-IAM-MFA")); got != 2 {
		t.Errorf("persisted results = %d, want 2", got)
	}

	open := models.FindingStatusOpen
	list, _, _ := f.tracker.List(ctx, findings.ListFilter{Status: &open})
	if len(list) != 2 {
		t.Errorf("open findings after re-run = %d, want 2 (no duplicates)", len(list))
	}
}

func TestRunControlRecoveryResolvesFindings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)

	if _, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", violatingContext()); err != nil {
		t.Fatalf("violating run: %v", err)
	}
	result, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", healthyContext())
	if err != nil {
		t.Fatalf("healthy run: %v", err)
	}

	if result.Status != models.EvalStatusPassed {
		t.Fatalf("status = %s, want passed", result.Status)
	}

	open := models.FindingStatusOpen
	stillOpen, _, _ := f.tracker.List(ctx, findings.ListFilter{Status: &open})
	if len(stillOpen) != 0 {
		t.Errorf("open findings after recovery = %d, want 0", len(stillOpen))
	}
	resolved := models.FindingStatusResolved
	closed, _, _ := f.tracker.List(ctx, findings.ListFilter{Status: &resolved})
	if len(closed) != 2 {
		t.Errorf("resolved findings = %d, want 2", len(closed))
	}
	for _, fd := range closed {
		if fd.ResolvedAt == nil {
			t.Error("resolved finding missing resolved_at")
		}
	}
}

func TestMissingSourceFailsClosed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)

	data := violatingContext()
	delete(data, "okta_users")

	result, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", data)
	if err != nil {
		t.Fatalf("RunControl: %v", err)
	}
	if result.Status != models.EvalStatusError {
		t.Fatalf("status = %s, want error when a source is missing", result.Status)
	}
	if !strings.Contains(result.Message, "okta_users") {
		t.Errorf("message should name the missing source: %q", result.Message)
	}

	// An evaluation error never touches finding state.
	list, total, _ := f.tracker.List(ctx, findings.ListFilter{})
	if total != 0 || len(list) != 0 {
		t.Errorf("findings after error outcome = %d, want 0", total)
	}
}

func TestMissingSourceDoesNotMaskExistingFindings(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)

	if _, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", violatingContext()); err != nil {
		t.Fatalf("violating run: %v", err)
	}

	broken := violatingContext()
	delete(broken, "okta_users")
	if _, err := f.engine.RunControl(ctx, "CC6.1-IAM-MFA", broken); err != nil {
		t.Fatalf("broken run: %v", err)
	}

	open := models.FindingStatusOpen
	list, _, _ := f.tracker.List(ctx, findings.ListFilter{Status: &open})
	if len(list) != 2 {
		t.Errorf("open findings = %d, want 2 untouched by the error run", len(list))
	}
}

func TestRunControlUnknownID(t *testing.T) {
	f := newFixture(t, testCatalog)
	_, err := f.engine.RunControl(context.Background(), "CC9.9-NOPE", healthyContext())
	if !errors.Is(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunAllSkipsDisabledAndAggregates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)

	batch, err := f.engine.RunAll(ctx, violatingContext())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if batch.Evaluated != 3 {
		t.Fatalf("evaluated = %d, want 3 enabled controls", batch.Evaluated)
	}
	if batch.Failed != 1 || batch.Passed != 1 || batch.ReviewRequired != 1 {
		t.Errorf("failed/passed/review = %d/%d/%d, want 1/1/1",
			batch.Failed, batch.Passed, batch.ReviewRequired)
	}
	if batch.FindingsOpened != 2 {
		t.Errorf("findings opened = %d, want 2", batch.FindingsOpened)
	}
	if batch.CompletedAt.Before(batch.StartedAt) {
		t.Error("completed_at before started_at")
	}

	// Results come back in catalog (id) order regardless of worker timing.
	var order []string
	for _, r := range batch.Results {
		order = append(order, r.ControlID)
	}
	want := []string{"CC6.1-IAM-MFA", "CC6.2-ENCRYPT-AT-REST", "CC9.1-VENDOR-REVIEW"}
	if len(order) != len(want) {
		t.Fatalf("results = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("result order = %v, want %v", order, want)
		}
	}

	for _, r := range batch.Results {
		if r.ControlID == "CC0.0-DISABLED" {
			t.Error("disabled control was evaluated in a full batch")
		}
	}
}

func TestRunControlsEvaluatesDisabledOnExplicitRequest(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)

	batch, err := f.engine.RunControls(ctx, []string{"CC0.0-DISABLED"}, healthyContext())
	if err != nil {
		t.Fatalf("RunControls: %v", err)
	}
	if batch.Evaluated != 1 || batch.Passed != 1 {
		t.Errorf("evaluated/passed = %d/%d, want 1/1", batch.Evaluated, batch.Passed)
	}
}

func TestRunControlsUnknownIDFailsBeforeRunning(t *testing.T) {
	f := newFixture(t, testCatalog)

	_, err := f.engine.RunControls(context.Background(), []string{"CC6.1-IAM-MFA", "CC9.9-NOPE"}, healthyContext())
	if !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	if len(f.results.byControl("CC6.1-IAM-MFA")) != 0 {
		t.Error("nothing should run when the id list has an unknown entry")
	}
}

func TestBrokenControlIsolated(t *testing.T) {
	brokenCatalog := testCatalog + `
  - id: CC9.8-BROKEN
    name: Broken Expression
    description: Carries a compile failure
    tsc_reference: CC9.8
    category: Security
    control_type: technical
    severity: low
    sources: [okta_users]
    evaluation_frequency: 24h
    logic:
      type: boolean_check
      query: okta_users WHERE is_admin =
      success_condition: row_count = 0
`
	ctx := context.Background()
	f := newFixture(t, brokenCatalog)

	batch, err := f.engine.RunAll(ctx, violatingContext())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if batch.Errors != 1 {
		t.Errorf("errors = %d, want exactly the broken control", batch.Errors)
	}
	if batch.Failed != 1 || batch.Passed != 1 {
		t.Errorf("healthy controls affected: failed=%d passed=%d", batch.Failed, batch.Passed)
	}

	// Deterministic: the same broken control errors identically every run.
	again, err := f.engine.RunAll(ctx, violatingContext())
	if err != nil {
		t.Fatalf("second RunAll: %v", err)
	}
	firstMsg := messageFor(t, batch, "CC9.8-BROKEN")
	secondMsg := messageFor(t, again, "CC9.8-BROKEN")
	if firstMsg != secondMsg {
		t.Errorf("error message drifted: %q vs %q", firstMsg, secondMsg)
	}
}

func messageFor(t *testing.T, batch *models.BatchSummary, controlID string) string {
	t.Helper()
	for _, r := range batch.Results {
		if r.ControlID == controlID {
			return r.Message
		}
	}
	t.Fatalf("no result for %s", controlID)
	return ""
}

func TestCancelledBatchSkipsRemaining(t *testing.T) {
	f := newFixture(t, testCatalog)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	batch, err := f.engine.RunAll(ctx, healthyContext())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if batch.Evaluated != 0 {
		t.Errorf("evaluated = %d, want 0 after pre-cancelled context", batch.Evaluated)
	}
	if len(f.results.saved) != 0 {
		t.Errorf("results persisted = %d, want 0", len(f.results.saved))
	}
}

func TestContextSnapshotsArchived(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, testCatalog)

	if _, err := f.engine.RunAll(ctx, healthyContext()); err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	cfgType := models.EvidenceTypeConfig
	snaps, _, err := f.vault.List(ctx, evidence.Filter{Type: &cfgType})
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	// okta_users, aws_resources and vendors are each read by a control.
	if len(snaps) != 3 {
		t.Fatalf("context snapshots = %d, want 3", len(snaps))
	}

	sources := make(map[string]bool)
	for _, s := range snaps {
		sources[s.Source] = true
	}
	for _, want := range []string{"okta_users", "aws_resources", "vendors"} {
		if !sources[want] {
			t.Errorf("no snapshot archived for %s", want)
		}
	}
}
