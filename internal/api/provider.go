package api

import (
	"context"

	"github.com/attestra/ccm/internal/catalog"
	"github.com/attestra/ccm/internal/evidence"
	"github.com/attestra/ccm/internal/findings"
	"github.com/attestra/ccm/internal/models"
	"github.com/attestra/ccm/internal/reports"
	"github.com/attestra/ccm/internal/store"
)

// dataProvider adapts the evaluation store, control catalog, finding
// tracker, and evidence vault to the reports.DataProvider interface. The
// dashboard endpoints reuse it so the numbers in the UI and in generated
// reports come from the same queries.
type dataProvider struct {
	store   store.Store
	catalog *catalog.Active
	tracker *findings.Tracker
	vault   *evidence.Vault
}

func (p *dataProvider) GetControls(ctx context.Context) ([]*reports.ControlStatus, error) {
	controls := p.catalog.Snapshot().List(catalog.Filter{})

	latest, err := p.store.LatestEvaluations(ctx)
	if err != nil {
		return nil, err
	}

	open := models.FindingStatusOpen
	openFindings, _, err := p.tracker.List(ctx, findings.ListFilter{Status: &open})
	if err != nil {
		return nil, err
	}
	openByControl := make(map[string]int)
	for _, f := range openFindings {
		openByControl[f.ControlID]++
	}

	out := make([]*reports.ControlStatus, 0, len(controls))
	for _, c := range controls {
		cs := &reports.ControlStatus{
			ID:           c.ID,
			Name:         c.Name,
			TSCReference: c.TSCReference,
			Category:     string(c.Category),
			Severity:     string(c.Severity),
			Enabled:      c.Enabled,
			OpenFindings: openByControl[c.ID],
		}
		if res, ok := latest[c.ID]; ok {
			cs.LastStatus = string(res.Status)
			ts := res.Timestamp
			cs.LastEvaluated = &ts
		}
		out = append(out, cs)
	}
	return out, nil
}

func (p *dataProvider) GetFindings(ctx context.Context, filters reports.FindingsFilter) ([]*reports.ReportFinding, error) {
	list, _, err := p.tracker.List(ctx, findings.ListFilter{})
	if err != nil {
		return nil, err
	}

	controlSet := toSet(filters.ControlIDs)
	severitySet := toSet(filters.Severities)
	statusSet := toSet(filters.Statuses)

	out := make([]*reports.ReportFinding, 0, len(list))
	for _, f := range list {
		if len(controlSet) > 0 && !controlSet[f.ControlID] {
			continue
		}
		if len(severitySet) > 0 && !severitySet[string(f.Severity)] {
			continue
		}
		if len(statusSet) > 0 && !statusSet[string(f.Status)] {
			continue
		}
		if filters.DateFrom != nil && f.DiscoveredAt.Before(*filters.DateFrom) {
			continue
		}
		if filters.DateTo != nil && f.DiscoveredAt.After(*filters.DateTo) {
			continue
		}
		out = append(out, &reports.ReportFinding{
			ID:           f.ID.String(),
			ControlID:    f.ControlID,
			Title:        f.Title,
			Description:  f.Description,
			Severity:     string(f.Severity),
			Status:       string(f.Status),
			ResourceID:   f.ResourceID,
			Remediation:  f.Remediation,
			DiscoveredAt: f.DiscoveredAt,
			ResolvedAt:   f.ResolvedAt,
		})
	}
	return out, nil
}

func (p *dataProvider) GetEvidence(ctx context.Context, filters reports.EvidenceFilter) ([]*reports.ReportEvidence, error) {
	records, _, err := p.vault.List(ctx, evidence.Filter{
		From: filters.DateFrom,
		To:   filters.DateTo,
	})
	if err != nil {
		return nil, err
	}

	typeSet := toSet(filters.Types)
	sourceSet := toSet(filters.Sources)

	out := make([]*reports.ReportEvidence, 0, len(records))
	for _, rec := range records {
		if len(typeSet) > 0 && !typeSet[string(rec.Type)] {
			continue
		}
		if len(sourceSet) > 0 && !sourceSet[rec.Source] {
			continue
		}
		out = append(out, &reports.ReportEvidence{
			ID:          rec.ID,
			Type:        string(rec.Type),
			Source:      rec.Source,
			Hash:        rec.Hash,
			Location:    rec.Location,
			CollectedAt: rec.CollectedAt,
			Controls:    rec.Controls,
		})
	}
	return out, nil
}

func (p *dataProvider) GetStats(ctx context.Context) (*reports.Stats, error) {
	controls, err := p.GetControls(ctx)
	if err != nil {
		return nil, err
	}

	stats := &reports.Stats{TotalControls: len(controls)}
	for _, c := range controls {
		if c.LastEvaluated != nil && (stats.LastEvaluation == nil || c.LastEvaluated.After(*stats.LastEvaluation)) {
			stats.LastEvaluation = c.LastEvaluated
		}
		if !c.Enabled {
			continue
		}
		stats.EnabledControls++
		switch c.LastStatus {
		case "passed":
			stats.PassingControls++
		case "", "not_evaluated", "pending":
		default:
			stats.FailingControls++
		}
	}
	if evaluated := stats.PassingControls + stats.FailingControls; evaluated > 0 {
		stats.ComplianceRate = float64(stats.PassingControls) / float64(evaluated) * 100
	}

	fstats, err := p.tracker.Stats(ctx)
	if err != nil {
		return nil, err
	}
	stats.OpenFindings = fstats.Open
	stats.CriticalFindings = fstats.BySeverity[models.SeverityCritical]
	stats.HighFindings = fstats.BySeverity[models.SeverityHigh]
	stats.MediumFindings = fstats.BySeverity[models.SeverityMedium]
	stats.LowFindings = fstats.BySeverity[models.SeverityLow]

	all, total, err := p.tracker.List(ctx, findings.ListFilter{})
	if err != nil {
		return nil, err
	}
	stats.TotalFindings = total
	for _, f := range all {
		if f.Status == models.FindingStatusResolved {
			stats.ResolvedFindings++
		}
	}

	vs, err := p.vault.Summary(ctx)
	if err != nil {
		return nil, err
	}
	stats.EvidenceRecords = vs.Total

	return stats, nil
}

func toSet(values []string) map[string]bool {
	if len(values) == 0 {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}
