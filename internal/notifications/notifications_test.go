package notifications

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/attestra/ccm/internal/models"
	"github.com/google/uuid"
)

func TestShouldNotify(t *testing.T) {
	svc := NewService(Config{}, nil)

	tests := []struct {
		name    string
		actual  models.Severity
		minimum models.Severity
		want    bool
	}{
		{"critical passes high gate", models.SeverityCritical, models.SeverityHigh, true},
		{"equal severity passes", models.SeverityHigh, models.SeverityHigh, true},
		{"medium blocked by high gate", models.SeverityMedium, models.SeverityHigh, false},
		{"info blocked by low gate", models.SeverityInfo, models.SeverityLow, false},
		{"empty minimum lets everything through", models.SeverityInfo, "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.shouldNotify(tt.actual, tt.minimum); got != tt.want {
				t.Errorf("shouldNotify(%s, %s) = %v, want %v", tt.actual, tt.minimum, got, tt.want)
			}
		})
	}
}

func TestNotifyFindingsSendsSlack(t *testing.T) {
	var received SlackMessage
	var calls atomic.Int64

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type = %q, want application/json", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Slack: SlackConfig{
			WebhookURL:  srv.URL,
			Channel:     "#compliance",
			Enabled:     true,
			MinSeverity: models.SeverityMedium,
		},
	}, nil)

	control := &models.Control{
		ID:           "CC6-001",
		Name:         "MFA for privileged accounts",
		TSCReference: "CC6.1",
		Severity:     models.SeverityCritical,
	}
	findings := []*models.Finding{
		{
			ID:          uuid.New(),
			ControlID:   control.ID,
			Severity:    models.SeverityCritical,
			Title:       "MFA for privileged accounts: security@example.com",
			Description: "Privileged account without MFA",
			ResourceID:  "okta-user-2",
			Status:      models.FindingStatusOpen,
		},
		{
			ID:         uuid.New(),
			ControlID:  control.ID,
			Severity:   models.SeverityHigh,
			Title:      "MFA for privileged accounts: devops@example.com",
			ResourceID: "aws-user-2",
			Status:     models.FindingStatusOpen,
		},
	}

	if err := svc.NotifyFindings(context.Background(), control, findings); err != nil {
		t.Fatalf("NotifyFindings: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("webhook calls = %d, want 1", calls.Load())
	}
	if received.Channel != "#compliance" {
		t.Errorf("channel = %q, want #compliance", received.Channel)
	}
	if len(received.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(received.Attachments))
	}
	att := received.Attachments[0]
	if att.Color != "#FF0000" {
		t.Errorf("color = %q, want #FF0000 for critical", att.Color)
	}
	if att.Title != "2 New Findings: MFA for privileged accounts" {
		t.Errorf("title = %q", att.Title)
	}

	fieldValues := map[string]string{}
	for _, f := range att.Fields {
		fieldValues[f.Title] = f.Value
	}
	if fieldValues["Control"] != "CC6-001" {
		t.Errorf("control field = %q, want CC6-001", fieldValues["Control"])
	}
	if fieldValues["Findings"] != "2" {
		t.Errorf("finding count field = %q, want 2", fieldValues["Findings"])
	}
	if fieldValues["Severity"] != "critical" {
		t.Errorf("severity field = %q, want critical", fieldValues["Severity"])
	}
}

func TestSeverityGateSuppressesSlack(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Slack: SlackConfig{
			WebhookURL:  srv.URL,
			Enabled:     true,
			MinSeverity: models.SeverityCritical,
		},
	}, nil)

	control := &models.Control{ID: "A1-001", Name: "Backup retention", Severity: models.SeverityMedium}
	findings := []*models.Finding{
		{ID: uuid.New(), ControlID: control.ID, Severity: models.SeverityMedium, ResourceID: "rds-dev-1"},
	}

	if err := svc.NotifyFindings(context.Background(), control, findings); err != nil {
		t.Fatalf("NotifyFindings: %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("webhook calls = %d, want 0 for gated severity", calls.Load())
	}
}

func TestNotifyFindingsEmptyIsNoop(t *testing.T) {
	svc := NewService(Config{
		Slack: SlackConfig{WebhookURL: "http://127.0.0.1:1", Enabled: true},
	}, nil)

	if err := svc.NotifyFindings(context.Background(), &models.Control{ID: "CC6-001"}, nil); err != nil {
		t.Fatalf("NotifyFindings with no findings: %v", err)
	}
}

func TestSlackErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Slack: SlackConfig{WebhookURL: srv.URL, Enabled: true},
	}, nil)

	err := svc.Send(context.Background(), &Notification{
		Type:      NotifyNewFindings,
		Title:     "test",
		Severity:  models.SeverityCritical,
		Timestamp: time.Now(),
	})
	if err == nil {
		t.Fatal("expected error for non-200 webhook response")
	}
}

func TestBatchToSeverity(t *testing.T) {
	svc := NewService(Config{}, nil)

	tests := []struct {
		name    string
		summary models.BatchSummary
		want    models.Severity
	}{
		{"errors dominate", models.BatchSummary{Errors: 1, Failed: 3}, models.SeverityHigh},
		{"failures without errors", models.BatchSummary{Failed: 2}, models.SeverityMedium},
		{"clean run", models.BatchSummary{Evaluated: 6, Passed: 6}, models.SeverityInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.batchToSeverity(&tt.summary); got != tt.want {
				t.Errorf("batchToSeverity = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNotifyBatchDigest(t *testing.T) {
	var received SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Errorf("decoding payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	svc := NewService(Config{
		Slack: SlackConfig{WebhookURL: srv.URL, Enabled: true, MinSeverity: models.SeverityMedium},
	}, nil)

	started := time.Now().Add(-42 * time.Second)
	summary := &models.BatchSummary{
		ID:             uuid.New(),
		StartedAt:      started,
		CompletedAt:    started.Add(42 * time.Second),
		Evaluated:      6,
		Passed:         4,
		Failed:         2,
		FindingsOpened: 3,
	}

	if err := svc.NotifyBatch(context.Background(), summary); err != nil {
		t.Fatalf("NotifyBatch: %v", err)
	}

	if len(received.Attachments) != 1 {
		t.Fatalf("attachments = %d, want 1", len(received.Attachments))
	}
	att := received.Attachments[0]
	if att.Title != "Control Evaluation Completed" {
		t.Errorf("title = %q", att.Title)
	}
	if att.Color != "#FFFF00" {
		t.Errorf("color = %q, want #FFFF00 for a failed-controls digest", att.Color)
	}
}
