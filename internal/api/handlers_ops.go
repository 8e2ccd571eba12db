package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/attestra/ccm/internal/reports"
	"github.com/attestra/ccm/internal/scheduler"
)

func (s *Server) getReportTypes(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, reports.Types())
}

type generateReportRequest struct {
	Type       reports.ReportType   `json:"type"`
	Format     reports.ReportFormat `json:"format"`
	Title      string               `json:"title,omitempty"`
	ControlIDs []string             `json:"control_ids,omitempty"`
	Categories []string             `json:"categories,omitempty"`
	Severities []string             `json:"severities,omitempty"`
	Statuses   []string             `json:"statuses,omitempty"`
	DateFrom   *time.Time           `json:"date_from,omitempty"`
	DateTo     *time.Time           `json:"date_to,omitempty"`
}

func (s *Server) generateReport(w http.ResponseWriter, r *http.Request) {
	var req generateReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "type is required")
		return
	}
	if req.Format == "" {
		req.Format = reports.FormatPDF
	}

	report, err := s.reportGenerator.Generate(r.Context(), &reports.ReportRequest{
		Type:       req.Type,
		Format:     req.Format,
		Title:      req.Title,
		ControlIDs: req.ControlIDs,
		Categories: req.Categories,
		Severities: req.Severities,
		Statuses:   req.Statuses,
		DateFrom:   req.DateFrom,
		DateTo:     req.DateTo,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, "report_error", err.Error())
		return
	}

	w.Header().Set("Content-Type", report.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", report.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(report.Data)
}

func (s *Server) streamCSVReport(w http.ResponseWriter, r *http.Request) {
	reportType := reports.ReportType(r.URL.Query().Get("type"))
	if reportType == "" {
		reportType = reports.ReportTypeFindings
	}
	if reportType != reports.ReportTypeFindings && reportType != reports.ReportTypeEvidence {
		respondError(w, http.StatusBadRequest, "validation_error", "streaming is supported for findings and evidence reports")
		return
	}

	filename := fmt.Sprintf("%s_%s.csv", reportType, time.Now().Format("20060102_150405"))
	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	req := &reports.ReportRequest{Type: reportType, Format: reports.FormatCSV}
	if err := s.reportGenerator.StreamCSV(r.Context(), w, req); err != nil {
		s.logger.Error("csv stream failed", "type", reportType, "error", err)
	}
}

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, jobs)
}

type createJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     scheduler.JobType `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "validation_error", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	job, err := s.schedulerStore.GetJob(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}

	job := &scheduler.Job{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     req.JobType,
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.DeleteJob(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	if err := s.scheduler.RunJobNow(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "job_error", err.Error())
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]string{"status": "triggered"})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")

	execs, err := s.schedulerStore.GetJobExecutions(r.Context(), id, 50)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "db_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, execs)
}

func (s *Server) getAccessStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.graph.GetStats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) getPrivilegedIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.graph.FindPrivilegedWithoutMFA(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, identities, &apiMeta{Total: len(identities)})
}

func (s *Server) getOrphanedIdentities(w http.ResponseWriter, r *http.Request) {
	identities, err := s.graph.FindOrphanedIdentities(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, identities, &apiMeta{Total: len(identities)})
}

func (s *Server) getCorrelatedIdentities(w http.ResponseWriter, r *http.Request) {
	correlated, err := s.graph.CorrelateByEmail(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSONWithMeta(w, http.StatusOK, correlated, &apiMeta{Total: len(correlated)})
}

func (s *Server) syncAccessGraph(w http.ResponseWriter, r *http.Request) {
	data, err := s.registry.CollectAll(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "collection_error", err.Error())
		return
	}

	result, err := s.graph.SyncContext(r.Context(), data)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "graph_error", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, result)
}
