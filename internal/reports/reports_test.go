package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"
)

type stubProvider struct {
	controls []*ControlStatus
	findings []*ReportFinding
	evidence []*ReportEvidence
	stats    *Stats
}

func (p *stubProvider) GetControls(ctx context.Context) ([]*ControlStatus, error) {
	return p.controls, nil
}

func (p *stubProvider) GetFindings(ctx context.Context, filters FindingsFilter) ([]*ReportFinding, error) {
	return p.findings, nil
}

func (p *stubProvider) GetEvidence(ctx context.Context, filters EvidenceFilter) ([]*ReportEvidence, error) {
	return p.evidence, nil
}

func (p *stubProvider) GetStats(ctx context.Context) (*Stats, error) {
	return p.stats, nil
}

func testProvider() *stubProvider {
	now := time.Now()
	return &stubProvider{
		controls: []*ControlStatus{
			{ID: "CC6-001", Name: "MFA for privileged accounts", TSCReference: "CC6.1", Category: "Security", Severity: "critical", Enabled: true, LastStatus: "failed", LastEvaluated: &now, OpenFindings: 2},
			{ID: "CC6-002", Name: "No public storage", TSCReference: "CC6.1", Category: "Security", Severity: "high", Enabled: true, LastStatus: "passed", LastEvaluated: &now},
			{ID: "CC7-001", Name: "Audit logging enabled", TSCReference: "CC7.2", Category: "Security", Severity: "high", Enabled: true, LastStatus: "passed", LastEvaluated: &now},
			{ID: "A1-001", Name: "Backup retention", TSCReference: "A1.2", Category: "Availability", Severity: "medium", Enabled: true, LastStatus: "not_evaluated"},
		},
		findings: []*ReportFinding{
			{ID: "f-1", ControlID: "CC6-001", Title: "MFA missing: security@example.com", Severity: "critical", Status: "open", ResourceID: "okta-user-2", DiscoveredAt: now},
			{ID: "f-2", ControlID: "CC6-001", Title: "MFA missing: devops@example.com", Severity: "high", Status: "open", ResourceID: "aws-user-2", DiscoveredAt: now},
		},
		evidence: []*ReportEvidence{
			{ID: "ev-abc123def456-20250801120000-000001", Type: "config", Source: "okta", Hash: strings.Repeat("ab", 32), Location: "2025/08/01/config/ev.json", CollectedAt: now, Controls: []string{"CC6-001", "CC6-002"}},
		},
		stats: &Stats{
			TotalControls: 4, EnabledControls: 4, PassingControls: 2, FailingControls: 1,
			TotalFindings: 2, OpenFindings: 2,
			CriticalFindings: 1, HighFindings: 1,
			EvidenceRecords: 1, ComplianceRate: 66.7,
		},
	}
}

func TestRollupByCategory(t *testing.T) {
	categories := RollupByCategory(testProvider().controls)

	if len(categories) != 2 {
		t.Fatalf("categories = %d, want 2", len(categories))
	}

	// Sorted alphabetically, Availability first.
	avail := categories[0]
	if avail.Category != "Availability" {
		t.Fatalf("first category = %s, want Availability", avail.Category)
	}
	if avail.NotEvaluated != 1 || avail.Passing != 0 || avail.Failing != 0 {
		t.Errorf("availability rollup = %+v", avail)
	}
	if avail.Rate() != 0 {
		t.Errorf("rate with nothing evaluated = %.1f, want 0", avail.Rate())
	}

	sec := categories[1]
	if sec.Total != 3 || sec.Passing != 2 || sec.Failing != 1 {
		t.Errorf("security rollup = %+v", sec)
	}
	wantRate := 2.0 / 3.0 * 100
	if diff := sec.Rate() - wantRate; diff > 0.01 || diff < -0.01 {
		t.Errorf("security rate = %.2f, want %.2f", sec.Rate(), wantRate)
	}
}

func TestGenerateComplianceCSV(t *testing.T) {
	g := NewGenerator(testProvider())

	report, err := g.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeCompliance,
		Format: FormatCSV,
		Title:  "Q3 Compliance",
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if report.MimeType != "text/csv" {
		t.Errorf("mime type = %q, want text/csv", report.MimeType)
	}
	if !strings.HasPrefix(report.Filename, "compliance_") || !strings.HasSuffix(report.Filename, ".csv") {
		t.Errorf("filename = %q, want compliance_<timestamp>.csv", report.Filename)
	}

	content := string(report.Data)
	if !strings.Contains(content, "Security,3,2,1,0,66.7%") {
		t.Errorf("missing security rollup row in:\n%s", content)
	}
	if !strings.Contains(content, "Availability,1,0,0,1,0.0%") {
		t.Errorf("missing availability rollup row in:\n%s", content)
	}
	if !strings.Contains(content, "CC6-001") {
		t.Errorf("missing per-control detail in:\n%s", content)
	}
}

func TestGenerateFindingsCSV(t *testing.T) {
	g := NewGenerator(testProvider())

	report, err := g.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeFindings,
		Format: FormatCSV,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	r := csv.NewReader(bytes.NewReader(report.Data))
	rows, err := r.ReadAll()
	if err != nil {
		t.Fatalf("parsing CSV: %v", err)
	}

	if len(rows) != 3 {
		t.Fatalf("rows = %d, want header + 2 findings", len(rows))
	}
	if rows[0][0] != "ID" || rows[0][1] != "Control" {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][1] != "CC6-001" || rows[1][4] != "critical" {
		t.Errorf("first finding row = %v", rows[1])
	}
}

func TestGenerateEvidenceCSV(t *testing.T) {
	g := NewGenerator(testProvider())

	report, err := g.Generate(context.Background(), &ReportRequest{
		Type:   ReportTypeEvidence,
		Format: FormatCSV,
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	content := string(report.Data)
	if !strings.Contains(content, "ev-abc123def456-20250801120000-000001") {
		t.Errorf("missing evidence id in:\n%s", content)
	}
	if !strings.Contains(content, "CC6-001; CC6-002") {
		t.Errorf("missing joined control list in:\n%s", content)
	}
}

func TestGeneratePDFOutputs(t *testing.T) {
	g := NewGenerator(testProvider())

	for _, typ := range []ReportType{ReportTypeCompliance, ReportTypeFindings, ReportTypeEvidence, ReportTypeExecutive} {
		t.Run(string(typ), func(t *testing.T) {
			report, err := g.Generate(context.Background(), &ReportRequest{
				Type:   typ,
				Format: FormatPDF,
				Title:  "Test Report",
			})
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if !bytes.HasPrefix(report.Data, []byte("%PDF")) {
				t.Errorf("output does not start with PDF magic")
			}
			if report.MimeType != "application/pdf" {
				t.Errorf("mime type = %q", report.MimeType)
			}
		})
	}
}

func TestGenerateRejectsUnknownType(t *testing.T) {
	g := NewGenerator(testProvider())

	if _, err := g.Generate(context.Background(), &ReportRequest{Type: "inventory", Format: FormatCSV}); err == nil {
		t.Fatal("expected error for unknown report type")
	}
	if _, err := g.Generate(context.Background(), &ReportRequest{Type: ReportTypeFindings, Format: "xlsx"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestStreamCSV(t *testing.T) {
	g := NewGenerator(testProvider())

	var buf bytes.Buffer
	err := g.StreamCSV(context.Background(), &buf, &ReportRequest{Type: ReportTypeFindings})
	if err != nil {
		t.Fatalf("StreamCSV: %v", err)
	}
	if !strings.Contains(buf.String(), "MFA missing: security@example.com") {
		t.Errorf("streamed output missing finding title:\n%s", buf.String())
	}

	if err := g.StreamCSV(context.Background(), &buf, &ReportRequest{Type: ReportTypeExecutive}); err == nil {
		t.Fatal("expected error streaming executive report")
	}
}
