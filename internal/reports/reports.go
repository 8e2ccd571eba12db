// Package reports renders auditor-facing exports of the evaluation state:
// a compliance rollup by trust services category, finding and evidence
// indexes, and an executive summary. CSV output is the raw exchange format,
// PDF the presentation format.
package reports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"time"
)

type ReportType string

const (
	ReportTypeFindings   ReportType = "findings"
	ReportTypeCompliance ReportType = "compliance"
	ReportTypeEvidence   ReportType = "evidence"
	ReportTypeExecutive  ReportType = "executive"
)

type ReportFormat string

const (
	FormatCSV ReportFormat = "csv"
	FormatPDF ReportFormat = "pdf"
)

// TypeInfo describes one supported report for the types endpoint.
type TypeInfo struct {
	Type        ReportType     `json:"type"`
	Description string         `json:"description"`
	Formats     []ReportFormat `json:"formats"`
}

// Types lists the supported report types and their formats.
func Types() []TypeInfo {
	return []TypeInfo{
		{ReportTypeCompliance, "Control pass/fail rollup by trust services category", []ReportFormat{FormatCSV, FormatPDF}},
		{ReportTypeFindings, "Open and resolved findings with remediation detail", []ReportFormat{FormatCSV, FormatPDF}},
		{ReportTypeEvidence, "Evidence index with integrity hashes and locations", []ReportFormat{FormatCSV, FormatPDF}},
		{ReportTypeExecutive, "Posture summary for leadership review", []ReportFormat{FormatCSV, FormatPDF}},
	}
}

type ReportRequest struct {
	Type       ReportType
	Format     ReportFormat
	Title      string
	ControlIDs []string
	Categories []string
	Severities []string
	Statuses   []string
	DateFrom   *time.Time
	DateTo     *time.Time
}

type Report struct {
	Type        ReportType
	Format      ReportFormat
	Title       string
	GeneratedAt time.Time
	Data        []byte
	Filename    string
	MimeType    string
}

// ControlStatus is one control with its latest evaluation outcome.
type ControlStatus struct {
	ID            string
	Name          string
	TSCReference  string
	Category      string
	Severity      string
	Enabled       bool
	LastStatus    string
	LastEvaluated *time.Time
	OpenFindings  int
}

type ReportFinding struct {
	ID           string
	ControlID    string
	Title        string
	Description  string
	Severity     string
	Status       string
	ResourceID   string
	Remediation  string
	DiscoveredAt time.Time
	ResolvedAt   *time.Time
}

type ReportEvidence struct {
	ID          string
	Type        string
	Source      string
	Hash        string
	Location    string
	CollectedAt time.Time
	Controls    []string
}

type DataProvider interface {
	GetControls(ctx context.Context) ([]*ControlStatus, error)
	GetFindings(ctx context.Context, filters FindingsFilter) ([]*ReportFinding, error)
	GetEvidence(ctx context.Context, filters EvidenceFilter) ([]*ReportEvidence, error)
	GetStats(ctx context.Context) (*Stats, error)
}

type FindingsFilter struct {
	ControlIDs []string
	Severities []string
	Statuses   []string
	DateFrom   *time.Time
	DateTo     *time.Time
}

type EvidenceFilter struct {
	Types    []string
	Sources  []string
	DateFrom *time.Time
	DateTo   *time.Time
}

type Stats struct {
	TotalControls    int
	EnabledControls  int
	PassingControls  int
	FailingControls  int
	TotalFindings    int
	OpenFindings     int
	ResolvedFindings int
	CriticalFindings int
	HighFindings     int
	MediumFindings   int
	LowFindings      int
	EvidenceRecords  int
	ComplianceRate   float64
	LastEvaluation   *time.Time
}

type Generator struct {
	provider DataProvider
}

func NewGenerator(provider DataProvider) *Generator {
	return &Generator{provider: provider}
}

func (g *Generator) Generate(ctx context.Context, req *ReportRequest) (*Report, error) {
	switch req.Type {
	case ReportTypeFindings:
		return g.generateFindingsReport(ctx, req)
	case ReportTypeCompliance:
		return g.generateComplianceReport(ctx, req)
	case ReportTypeEvidence:
		return g.generateEvidenceReport(ctx, req)
	case ReportTypeExecutive:
		return g.generateExecutiveReport(ctx, req)
	default:
		return nil, fmt.Errorf("unsupported report type: %s", req.Type)
	}
}

func (g *Generator) finish(req *ReportRequest, data []byte) *Report {
	ext := string(req.Format)
	mime := "text/csv"
	if req.Format == FormatPDF {
		mime = "application/pdf"
	}
	return &Report{
		Type:        req.Type,
		Format:      req.Format,
		Title:       req.Title,
		GeneratedAt: time.Now(),
		Data:        data,
		Filename:    fmt.Sprintf("%s_%s.%s", req.Type, time.Now().Format("20060102_150405"), ext),
		MimeType:    mime,
	}
}

func (g *Generator) generateFindingsReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	findings, err := g.provider.GetFindings(ctx, FindingsFilter{
		ControlIDs: req.ControlIDs,
		Severities: req.Severities,
		Statuses:   req.Statuses,
		DateFrom:   req.DateFrom,
		DateTo:     req.DateTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch findings: %w", err)
	}

	var data []byte
	switch req.Format {
	case FormatCSV:
		data, err = g.findingsToCSV(findings)
	case FormatPDF:
		data, err = g.findingsToPDF(findings, req.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return g.finish(req, data), nil
}

func (g *Generator) findingsToCSV(findings []*ReportFinding) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"ID", "Control", "Title", "Description", "Severity", "Status",
		"Resource", "Remediation", "Discovered At", "Resolved At",
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, f := range findings {
		resolved := ""
		if f.ResolvedAt != nil {
			resolved = f.ResolvedAt.Format(time.RFC3339)
		}
		row := []string{
			f.ID,
			f.ControlID,
			f.Title,
			f.Description,
			f.Severity,
			f.Status,
			f.ResourceID,
			f.Remediation,
			f.DiscoveredAt.Format(time.RFC3339),
			resolved,
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) findingsToPDF(findings []*ReportFinding, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Summary")
	summary := map[string]int{
		"Critical": 0, "High": 0, "Medium": 0, "Low": 0,
	}
	for _, f := range findings {
		switch f.Severity {
		case "critical":
			summary["Critical"]++
		case "high":
			summary["High"]++
		case "medium":
			summary["Medium"]++
		case "low":
			summary["Low"]++
		}
	}
	pdf.AddSummaryTable(summary)

	pdf.AddSection("Findings Detail")
	headers := []string{"Control", "Title", "Severity", "Status", "Resource"}
	rows := make([][]string, len(findings))
	for i, f := range findings {
		rows[i] = []string{
			f.ControlID,
			truncate(f.Title, 40),
			f.Severity,
			f.Status,
			truncate(f.ResourceID, 20),
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

// CategoryStatus rolls controls up under one trust services category.
type CategoryStatus struct {
	Category     string
	Total        int
	Passing      int
	Failing      int
	NotEvaluated int
	Controls     []*ControlStatus
}

// Rate is the category compliance percentage over evaluated controls.
// A category with nothing evaluated yet reports zero.
func (c *CategoryStatus) Rate() float64 {
	evaluated := c.Passing + c.Failing
	if evaluated == 0 {
		return 0
	}
	return float64(c.Passing) / float64(evaluated) * 100
}

func (g *Generator) generateComplianceReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	controls, err := g.provider.GetControls(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch controls: %w", err)
	}

	categories := RollupByCategory(controls)

	var data []byte
	switch req.Format {
	case FormatCSV:
		data, err = g.complianceToCSV(categories)
	case FormatPDF:
		data, err = g.complianceToPDF(categories, req.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return g.finish(req, data), nil
}

// RollupByCategory groups controls per trust services category. A control
// counts as passing only when its latest evaluation passed; warning and
// review_required count against the category.
func RollupByCategory(controls []*ControlStatus) []*CategoryStatus {
	byName := map[string]*CategoryStatus{}
	for _, c := range controls {
		cat, ok := byName[c.Category]
		if !ok {
			cat = &CategoryStatus{Category: c.Category}
			byName[c.Category] = cat
		}
		cat.Total++
		cat.Controls = append(cat.Controls, c)
		switch c.LastStatus {
		case "passed":
			cat.Passing++
		case "", "not_evaluated", "pending":
			cat.NotEvaluated++
		default:
			cat.Failing++
		}
	}

	out := make([]*CategoryStatus, 0, len(byName))
	for _, cat := range byName {
		out = append(out, cat)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}

func (g *Generator) complianceToCSV(categories []*CategoryStatus) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"SOC 2 Compliance Report"})
	_ = w.Write([]string{"Generated", time.Now().Format(time.RFC1123)})
	_ = w.Write([]string{""})
	_ = w.Write([]string{"Category", "Controls", "Passing", "Failing", "Not Evaluated", "Compliance %"})

	for _, cat := range categories {
		_ = w.Write([]string{
			cat.Category,
			fmt.Sprintf("%d", cat.Total),
			fmt.Sprintf("%d", cat.Passing),
			fmt.Sprintf("%d", cat.Failing),
			fmt.Sprintf("%d", cat.NotEvaluated),
			fmt.Sprintf("%.1f%%", cat.Rate()),
		})
	}

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Control", "Name", "TSC", "Category", "Severity", "Status", "Open Findings", "Last Evaluated"})
	for _, cat := range categories {
		for _, c := range cat.Controls {
			last := ""
			if c.LastEvaluated != nil {
				last = c.LastEvaluated.Format(time.RFC3339)
			}
			_ = w.Write([]string{
				c.ID, c.Name, c.TSCReference, c.Category, c.Severity,
				c.LastStatus, fmt.Sprintf("%d", c.OpenFindings), last,
			})
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) complianceToPDF(categories []*CategoryStatus, title string) ([]byte, error) {
	return ComplianceReportPDF(title, categories)
}

func (g *Generator) generateEvidenceReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	evidence, err := g.provider.GetEvidence(ctx, EvidenceFilter{
		DateFrom: req.DateFrom,
		DateTo:   req.DateTo,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch evidence: %w", err)
	}

	var data []byte
	switch req.Format {
	case FormatCSV:
		data, err = g.evidenceToCSV(evidence)
	case FormatPDF:
		data, err = g.evidenceToPDF(evidence, req.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return g.finish(req, data), nil
}

func (g *Generator) evidenceToCSV(evidence []*ReportEvidence) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"ID", "Type", "Source", "SHA-256", "Location", "Collected At", "Controls"}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, e := range evidence {
		row := []string{
			e.ID,
			e.Type,
			e.Source,
			e.Hash,
			e.Location,
			e.CollectedAt.Format(time.RFC3339),
			joinControls(e.Controls),
		}
		if err := w.Write(row); err != nil {
			return nil, err
		}
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func (g *Generator) evidenceToPDF(evidence []*ReportEvidence, title string) ([]byte, error) {
	pdf := NewPDFReport(title)

	pdf.AddSection("Evidence Index")
	pdf.AddParagraph(fmt.Sprintf("%d evidence records. Each record's SHA-256 hash was computed at collection time; payloads are verified against it on every read.", len(evidence)))

	byType := map[string]int{}
	for _, e := range evidence {
		byType[e.Type]++
	}
	pdf.AddSummaryTable(byType)

	headers := []string{"ID", "Type", "Source", "Collected", "SHA-256"}
	rows := make([][]string, len(evidence))
	for i, e := range evidence {
		rows[i] = []string{
			truncate(e.ID, 24),
			e.Type,
			e.Source,
			e.CollectedAt.Format("2006-01-02 15:04"),
			truncate(e.Hash, 16),
		}
	}
	pdf.AddTable(headers, rows)

	return pdf.Output()
}

func (g *Generator) generateExecutiveReport(ctx context.Context, req *ReportRequest) (*Report, error) {
	stats, err := g.provider.GetStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch stats: %w", err)
	}

	controls, err := g.provider.GetControls(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch controls: %w", err)
	}

	var data []byte
	switch req.Format {
	case FormatCSV:
		data, err = g.executiveToCSV(stats, controls)
	case FormatPDF:
		data, err = ExecutiveSummaryPDF(req.Title, stats, RollupByCategory(controls))
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	return g.finish(req, data), nil
}

func (g *Generator) executiveToCSV(stats *Stats, controls []*ControlStatus) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	_ = w.Write([]string{"Executive Summary Report"})
	_ = w.Write([]string{"Generated", time.Now().Format(time.RFC1123)})
	_ = w.Write([]string{""})

	_ = w.Write([]string{"Metric", "Value"})
	_ = w.Write([]string{"Total Controls", fmt.Sprintf("%d", stats.TotalControls)})
	_ = w.Write([]string{"Enabled Controls", fmt.Sprintf("%d", stats.EnabledControls)})
	_ = w.Write([]string{"Passing Controls", fmt.Sprintf("%d", stats.PassingControls)})
	_ = w.Write([]string{"Failing Controls", fmt.Sprintf("%d", stats.FailingControls)})
	_ = w.Write([]string{"Compliance Rate", fmt.Sprintf("%.1f%%", stats.ComplianceRate)})
	_ = w.Write([]string{"Open Findings", fmt.Sprintf("%d", stats.OpenFindings)})
	_ = w.Write([]string{"Critical Findings", fmt.Sprintf("%d", stats.CriticalFindings)})
	_ = w.Write([]string{"High Findings", fmt.Sprintf("%d", stats.HighFindings)})
	_ = w.Write([]string{"Evidence Records", fmt.Sprintf("%d", stats.EvidenceRecords)})

	_ = w.Write([]string{""})
	_ = w.Write([]string{"Category", "Passing", "Failing", "Compliance %"})
	for _, cat := range RollupByCategory(controls) {
		_ = w.Write([]string{
			cat.Category,
			fmt.Sprintf("%d", cat.Passing),
			fmt.Sprintf("%d", cat.Failing),
			fmt.Sprintf("%.1f%%", cat.Rate()),
		})
	}

	w.Flush()
	return buf.Bytes(), w.Error()
}

func joinControls(controls []string) string {
	var buf bytes.Buffer
	for i, c := range controls {
		if i > 0 {
			buf.WriteString("; ")
		}
		buf.WriteString(c)
	}
	return buf.String()
}

func truncate(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

// StreamCSV writes a CSV report directly to w, for download endpoints that
// should not buffer large exports in memory.
func (g *Generator) StreamCSV(ctx context.Context, w io.Writer, req *ReportRequest) error {
	csvWriter := csv.NewWriter(w)
	defer csvWriter.Flush()

	switch req.Type {
	case ReportTypeFindings:
		findings, err := g.provider.GetFindings(ctx, FindingsFilter{
			ControlIDs: req.ControlIDs,
			Severities: req.Severities,
			Statuses:   req.Statuses,
			DateFrom:   req.DateFrom,
			DateTo:     req.DateTo,
		})
		if err != nil {
			return err
		}

		header := []string{"ID", "Control", "Title", "Severity", "Status", "Resource", "Discovered At"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}

		for _, f := range findings {
			row := []string{
				f.ID, f.ControlID, f.Title, f.Severity,
				f.Status, f.ResourceID, f.DiscoveredAt.Format(time.RFC3339),
			}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}

	case ReportTypeEvidence:
		evidence, err := g.provider.GetEvidence(ctx, EvidenceFilter{
			DateFrom: req.DateFrom,
			DateTo:   req.DateTo,
		})
		if err != nil {
			return err
		}

		header := []string{"ID", "Type", "Source", "SHA-256", "Collected At"}
		if err := csvWriter.Write(header); err != nil {
			return err
		}

		for _, e := range evidence {
			row := []string{
				e.ID, e.Type, e.Source, e.Hash,
				e.CollectedAt.Format(time.RFC3339),
			}
			if err := csvWriter.Write(row); err != nil {
				return err
			}
		}

	default:
		return fmt.Errorf("streaming not supported for report type: %s", req.Type)
	}

	return nil
}
