package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/attestra/ccm/internal/catalog"
	"github.com/attestra/ccm/internal/connectors"
	"github.com/attestra/ccm/internal/evidence"
	"github.com/attestra/ccm/internal/findings"
	"github.com/attestra/ccm/internal/models"
	"github.com/attestra/ccm/internal/queue"
	"github.com/attestra/ccm/internal/reports"
	"github.com/attestra/ccm/internal/store"
)

func (s *Server) listControls(w http.ResponseWriter, r *http.Request) {
	filter := catalog.Filter{}

	if c := r.URL.Query().Get("category"); c != "" {
		cat := models.TSCCategory(c)
		filter.Category = &cat
	}
	if sev := r.URL.Query().Get("severity"); sev != "" {
		sv := models.Severity(sev)
		filter.Severity = &sv
	}
	if e := r.URL.Query().Get("enabled"); e != "" {
		if enabled, err := strconv.ParseBool(e); err == nil {
			filter.Enabled = &enabled
		}
	}

	controls := s.catalog.Snapshot().List(filter)
	respondJSONWithMeta(w, http.StatusOK, controls, &apiMeta{Total: len(controls)})
}

func (s *Server) getControl(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "controlID")

	entry, ok := s.catalog.Snapshot().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "Control not found")
		return
	}

	respondJSON(w, http.StatusOK, entry.Control)
}

func (s *Server) getControlStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "controlID")

	entry, ok := s.catalog.Snapshot().Get(id)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "Control not found")
		return
	}

	history, err := s.store.ListEvaluationsByControl(r.Context(), id, s.cfg.Engine.HistoryLimit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	var latest *models.EvaluationResult
	if len(history) > 0 {
		latest = history[0]
	}

	passed, conclusive := 0, 0
	for _, res := range history {
		switch res.Status {
		case models.EvalStatusPassed:
			passed++
			conclusive++
		case models.EvalStatusFailed:
			conclusive++
		}
	}
	rate := 0.0
	if conclusive > 0 {
		rate = float64(passed) / float64(conclusive) * 100
	}

	open := models.FindingStatusOpen
	_, openCount, err := s.tracker.List(r.Context(), findings.ListFilter{ControlID: &id, Status: &open, Limit: 1})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"control":         entry.Control,
		"latest":          latest,
		"history":         history,
		"compliance_rate": rate,
		"open_findings":   openCount,
	})
}

func (s *Server) reloadControls(w http.ResponseWriter, r *http.Request) {
	cat, err := s.catalog.Reload(s.cfg.Engine.CatalogPaths...)
	if err != nil {
		respondError(w, http.StatusBadRequest, "reload_failed", err.Error())
		return
	}

	if err := s.scheduler.ScheduleFrequencies(cat.List(catalog.Filter{}), s.evaluationCycle); err != nil {
		s.logger.Error("failed to reschedule evaluation cycles", "error", err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"controls":  cat.Len(),
		"loaded_at": cat.LoadedAt(),
	})
}

type runEvaluationsRequest struct {
	ControlIDs []string `json:"control_ids,omitempty"`
}

func (s *Server) runEvaluations(w http.ResponseWriter, r *http.Request) {
	var req runEvaluationsRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
			return
		}
	}

	if len(req.ControlIDs) > 0 {
		snap := s.catalog.Snapshot()
		for _, id := range req.ControlIDs {
			if _, ok := snap.Get(id); !ok {
				respondError(w, http.StatusNotFound, "not_found", "Control "+id+" not found")
				return
			}
		}
	}

	if s.queue != nil {
		job := &queue.Job{
			ControlIDs:  req.ControlIDs,
			TriggeredBy: "api",
			Priority:    10,
		}
		if err := s.queue.EnqueueEvaluationJob(r.Context(), job); err != nil {
			respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]string{
			"job_id": job.ID.String(),
			"status": "queued",
		})
		return
	}

	summary, err := s.runEvaluation(r.Context(), req.ControlIDs)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "evaluation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

func (s *Server) listEvaluations(w http.ResponseWriter, r *http.Request) {
	filters := store.EvaluationFilters{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil && limit > 0 {
			if limit > 200 {
				limit = 200
			}
			filters.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil && offset >= 0 {
			filters.Offset = offset
		}
	}
	if controlID := r.URL.Query().Get("control_id"); controlID != "" {
		filters.ControlID = &controlID
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.EvalStatus(status)
		filters.Status = &st
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			filters.Since = &t
		}
	}

	results, total, err := s.store.ListEvaluations(r.Context(), filters)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, results, &apiMeta{
		Total:  total,
		Limit:  filters.Limit,
		Offset: filters.Offset,
	})
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "evaluationID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid evaluation ID")
		return
	}

	result, err := s.store.GetEvaluation(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Evaluation not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) getEvaluationJob(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "jobID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid job ID")
		return
	}

	progress, err := s.queue.GetProgress(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "queue_error", err.Error())
		return
	}
	if progress == nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, progress)
}

func (s *Server) listFindings(w http.ResponseWriter, r *http.Request) {
	filter := findings.ListFilter{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if status := r.URL.Query().Get("status"); status != "" {
		st := models.FindingStatus(status)
		filter.Status = &st
	}
	if severity := r.URL.Query().Get("severity"); severity != "" {
		sev := models.Severity(severity)
		filter.Severity = &sev
	}
	if controlID := r.URL.Query().Get("control_id"); controlID != "" {
		filter.ControlID = &controlID
	}

	list, total, err := s.tracker.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, list, &apiMeta{
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) getFinding(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "findingID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid finding ID")
		return
	}

	finding, err := s.tracker.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Finding not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, finding)
}

type updateFindingStatusRequest struct {
	Status models.FindingStatus `json:"status"`
}

func (s *Server) updateFindingStatus(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "findingID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid finding ID")
		return
	}

	var req updateFindingStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Status == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "status is required")
		return
	}

	finding, err := s.tracker.Transition(r.Context(), id, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, models.ErrNotFound):
			respondError(w, http.StatusNotFound, "not_found", "Finding not found")
		case errors.Is(err, models.ErrInvalidTransition):
			respondError(w, http.StatusBadRequest, "invalid_transition", err.Error())
		default:
			respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		}
		return
	}

	respondJSON(w, http.StatusOK, finding)
}

func (s *Server) listEvidence(w http.ResponseWriter, r *http.Request) {
	filter := evidence.Filter{
		Limit:  100,
		Offset: 0,
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if limit, err := strconv.Atoi(l); err == nil && limit > 0 {
			filter.Limit = limit
		}
	}
	if o := r.URL.Query().Get("offset"); o != "" {
		if offset, err := strconv.Atoi(o); err == nil && offset >= 0 {
			filter.Offset = offset
		}
	}
	if controlID := r.URL.Query().Get("control_id"); controlID != "" {
		filter.ControlID = &controlID
	}
	if source := r.URL.Query().Get("source"); source != "" {
		filter.Source = &source
	}
	if t := r.URL.Query().Get("type"); t != "" {
		et := models.EvidenceType(t)
		filter.Type = &et
	}
	if from := r.URL.Query().Get("from"); from != "" {
		if ts, err := time.Parse(time.RFC3339, from); err == nil {
			filter.From = &ts
		}
	}
	if to := r.URL.Query().Get("to"); to != "" {
		if ts, err := time.Parse(time.RFC3339, to); err == nil {
			filter.To = &ts
		}
	}

	records, total, err := s.vault.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "vault_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, records, &apiMeta{
		Total:  total,
		Limit:  filter.Limit,
		Offset: filter.Offset,
	})
}

func (s *Server) getEvidence(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "evidenceID")

	record, raw, err := s.vault.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Evidence not found")
			return
		}
		var violation *models.IntegrityViolation
		if errors.As(err, &violation) {
			if s.notifier != nil {
				if nerr := s.notifier.NotifyIntegrityViolation(r.Context(), violation.ID, violation.Error()); nerr != nil {
					s.logger.Warn("failed to send integrity alert", "evidence", id, "error", nerr)
				}
			}
			respondError(w, http.StatusInternalServerError, "integrity_violation", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "vault_error", err.Error())
		return
	}

	// Most payloads are JSON snapshots; anything else ships base64-encoded.
	var payload interface{}
	if json.Valid(raw) {
		payload = json.RawMessage(raw)
	} else {
		payload = base64.StdEncoding.EncodeToString(raw)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"record":  record,
		"payload": payload,
	})
}

func (s *Server) getEvidenceSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.vault.Summary(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "vault_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

type dashboardSummary struct {
	Controls struct {
		Total        int `json:"total"`
		Enabled      int `json:"enabled"`
		Passing      int `json:"passing"`
		Failing      int `json:"failing"`
		NotEvaluated int `json:"not_evaluated"`
	} `json:"controls"`
	Findings struct {
		Open     int `json:"open"`
		Critical int `json:"critical"`
		High     int `json:"high"`
		Medium   int `json:"medium"`
		Low      int `json:"low"`
	} `json:"findings"`
	Evidence struct {
		Total int `json:"total"`
	} `json:"evidence"`
	ComplianceRate float64    `json:"compliance_rate"`
	LastEvaluation *time.Time `json:"last_evaluation,omitempty"`
}

func (s *Server) getDashboardSummary(w http.ResponseWriter, r *http.Request) {
	stats, err := s.provider.GetStats(r.Context())
	if err != nil {
		s.logger.Error("failed to build dashboard summary", "error", err)
		respondError(w, http.StatusInternalServerError, "db_error", "Failed to load dashboard")
		return
	}

	summary := dashboardSummary{}
	summary.Controls.Total = stats.TotalControls
	summary.Controls.Enabled = stats.EnabledControls
	summary.Controls.Passing = stats.PassingControls
	summary.Controls.Failing = stats.FailingControls
	if n := stats.EnabledControls - stats.PassingControls - stats.FailingControls; n > 0 {
		summary.Controls.NotEvaluated = n
	}
	summary.Findings.Open = stats.OpenFindings
	summary.Findings.Critical = stats.CriticalFindings
	summary.Findings.High = stats.HighFindings
	summary.Findings.Medium = stats.MediumFindings
	summary.Findings.Low = stats.LowFindings
	summary.Evidence.Total = stats.EvidenceRecords
	summary.ComplianceRate = stats.ComplianceRate
	summary.LastEvaluation = stats.LastEvaluation

	respondJSON(w, http.StatusOK, summary)
}

type categorySummary struct {
	Category       string  `json:"category"`
	Total          int     `json:"total"`
	Passing        int     `json:"passing"`
	Failing        int     `json:"failing"`
	NotEvaluated   int     `json:"not_evaluated"`
	ComplianceRate float64 `json:"compliance_rate"`
}

func (s *Server) getDashboardByCategory(w http.ResponseWriter, r *http.Request) {
	controls, err := s.provider.GetControls(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	categories := reports.RollupByCategory(controls)
	out := make([]categorySummary, 0, len(categories))
	for _, cat := range categories {
		out = append(out, categorySummary{
			Category:       cat.Category,
			Total:          cat.Total,
			Passing:        cat.Passing,
			Failing:        cat.Failing,
			NotEvaluated:   cat.NotEvaluated,
			ComplianceRate: cat.Rate(),
		})
	}

	respondJSON(w, http.StatusOK, out)
}

func (s *Server) listConnectors(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.registry.StatusAll(r.Context()))
}

func (s *Server) listAccounts(w http.ResponseWriter, r *http.Request) {
	var kind *string
	if k := r.URL.Query().Get("kind"); k != "" {
		kind = &k
	}

	accounts, err := s.store.ListAccounts(r.Context(), kind)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, accounts)
}

type createAccountRequest struct {
	Name   string       `json:"name"`
	Kind   string       `json:"kind"`
	Config models.JSONB `json:"config"`
}

func (s *Server) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Kind == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name and kind are required")
		return
	}

	account := &models.ConnectorAccount{
		Name:   req.Name,
		Kind:   req.Kind,
		Config: req.Config,
		Status: string(models.AccountStatusActive),
	}

	if err := s.store.CreateAccount(r.Context(), account); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, account)
}

func (s *Server) getAccount(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "accountID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid account ID")
		return
	}

	account, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, account)
}

func (s *Server) deleteAccount(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "accountID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid account ID")
		return
	}

	if err := s.store.DeleteAccount(r.Context(), id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) testAccount(w http.ResponseWriter, r *http.Request) {
	idStr := chi.URLParam(r, "accountID")
	id, err := uuid.Parse(idStr)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid account ID")
		return
	}

	account, err := s.store.GetAccount(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "Account not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	var conn connectors.Connector
	for _, c := range s.registry.Connectors() {
		if c.Name() == account.Kind {
			conn = c
			break
		}
	}
	if conn == nil {
		respondError(w, http.StatusBadRequest, "connector_not_configured", "No connector is configured for kind "+account.Kind)
		return
	}

	if err := conn.TestConnection(r.Context()); err != nil {
		if uerr := s.store.UpdateAccountStatus(r.Context(), id, models.AccountStatusError, err.Error()); uerr != nil {
			s.logger.Warn("failed to update account status", "account", id, "error", uerr)
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"healthy": false,
			"message": err.Error(),
		})
		return
	}

	if err := s.store.UpdateAccountStatus(r.Context(), id, models.AccountStatusActive, ""); err != nil {
		s.logger.Warn("failed to update account status", "account", id, "error", err)
	}
	if err := s.store.UpdateAccountLastSync(r.Context(), id); err != nil {
		s.logger.Warn("failed to update account sync time", "account", id, "error", err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"healthy": true})
}
