package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"net/smtp"
	"strings"
	"time"

	"github.com/attestra/ccm/internal/models"
)

// NotificationType defines the type of notification
type NotificationType string

const (
	NotifyNewFindings        NotificationType = "new_findings"
	NotifyCriticalFinding    NotificationType = "critical_finding"
	NotifyEvaluationComplete NotificationType = "evaluation_complete"
	NotifyEvaluationFailed   NotificationType = "evaluation_failed"
	NotifyIntegrityAlert     NotificationType = "integrity_alert"
)

// Channel defines notification channels
type Channel string

const (
	ChannelSlack Channel = "slack"
	ChannelEmail Channel = "email"
)

// Notification represents a notification to be sent
type Notification struct {
	Type      NotificationType
	Title     string
	Message   string
	Severity  models.Severity
	Data      map[string]interface{}
	Timestamp time.Time
}

// Config holds notification configuration
type Config struct {
	Slack SlackConfig
	Email EmailConfig
}

// SlackConfig holds Slack configuration
type SlackConfig struct {
	WebhookURL  string
	Channel     string
	Username    string
	IconEmoji   string
	Enabled     bool
	MinSeverity models.Severity // Minimum severity to notify
}

// EmailConfig holds email configuration
type EmailConfig struct {
	SMTPHost    string
	SMTPPort    int
	Username    string
	Password    string
	From        string
	To          []string
	Enabled     bool
	MinSeverity models.Severity
}

// Service handles notifications
type Service struct {
	config Config
	logger *slog.Logger
	client *http.Client
}

// NewService creates a new notification service
func NewService(config Config, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		config: config,
		logger: logger,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// Send sends a notification to all enabled channels
func (s *Service) Send(ctx context.Context, notif *Notification) error {
	var errs []error

	if s.config.Slack.Enabled && s.shouldNotify(notif.Severity, s.config.Slack.MinSeverity) {
		if err := s.sendSlack(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	if s.config.Email.Enabled && s.shouldNotify(notif.Severity, s.config.Email.MinSeverity) {
		if err := s.sendEmail(ctx, notif); err != nil {
			errs = append(errs, fmt.Errorf("email: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("notification errors: %v", errs)
	}

	return nil
}

// shouldNotify checks if notification should be sent based on severity.
// Rank 0 is critical, so more severe means a smaller rank.
func (s *Service) shouldNotify(actual, minimum models.Severity) bool {
	if minimum == "" {
		return true
	}
	return models.SeverityRank(actual) <= models.SeverityRank(minimum)
}

// SlackMessage represents a Slack message payload
type SlackMessage struct {
	Channel     string            `json:"channel,omitempty"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Text        string            `json:"text,omitempty"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment represents a Slack attachment
type SlackAttachment struct {
	Color     string       `json:"color,omitempty"`
	Title     string       `json:"title,omitempty"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text,omitempty"`
	Fallback  string       `json:"fallback,omitempty"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Timestamp int64        `json:"ts,omitempty"`
}

// SlackField represents a field in a Slack attachment
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// sendSlack sends a notification to Slack
func (s *Service) sendSlack(ctx context.Context, notif *Notification) error {
	color := s.severityToColor(notif.Severity)

	fields := []SlackField{}
	if notif.Data != nil {
		if controlID, ok := notif.Data["control_id"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Control",
				Value: controlID,
				Short: true,
			})
		}
		if tsc, ok := notif.Data["tsc_reference"].(string); ok {
			fields = append(fields, SlackField{
				Title: "TSC Reference",
				Value: tsc,
				Short: true,
			})
		}
		if count, ok := notif.Data["finding_count"].(int); ok {
			fields = append(fields, SlackField{
				Title: "Findings",
				Value: fmt.Sprintf("%d", count),
				Short: true,
			})
		}
		if severity, ok := notif.Data["severity"].(string); ok {
			fields = append(fields, SlackField{
				Title: "Severity",
				Value: severity,
				Short: true,
			})
		}
	}

	msg := SlackMessage{
		Channel:   s.config.Slack.Channel,
		Username:  s.config.Slack.Username,
		IconEmoji: s.config.Slack.IconEmoji,
		Attachments: []SlackAttachment{
			{
				Color:     color,
				Title:     notif.Title,
				Text:      notif.Message,
				Fallback:  fmt.Sprintf("%s: %s", notif.Title, notif.Message),
				Fields:    fields,
				Footer:    "CCM Alert System",
				Timestamp: notif.Timestamp.Unix(),
			},
		},
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, "POST", s.config.Slack.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status %d", resp.StatusCode)
	}

	s.logger.Info("slack notification sent",
		"type", notif.Type,
		"title", notif.Title)

	return nil
}

// severityToColor converts severity to Slack color
func (s *Service) severityToColor(severity models.Severity) string {
	switch severity {
	case models.SeverityCritical:
		return "#FF0000" // Red
	case models.SeverityHigh:
		return "#FFA500" // Orange
	case models.SeverityMedium:
		return "#FFFF00" // Yellow
	default:
		return "#36A64F" // Green
	}
}

// sendEmail sends a notification via email
func (s *Service) sendEmail(ctx context.Context, notif *Notification) error {
	subject := fmt.Sprintf("[CCM Alert] %s", notif.Title)
	body, err := s.formatEmailBody(notif)
	if err != nil {
		return err
	}

	msg := s.buildEmailMessage(subject, body)

	auth := smtp.PlainAuth("", s.config.Email.Username, s.config.Email.Password, s.config.Email.SMTPHost)
	addr := fmt.Sprintf("%s:%d", s.config.Email.SMTPHost, s.config.Email.SMTPPort)

	err = smtp.SendMail(addr, auth, s.config.Email.From, s.config.Email.To, []byte(msg))
	if err != nil {
		return err
	}

	s.logger.Info("email notification sent",
		"type", notif.Type,
		"title", notif.Title,
		"recipients", len(s.config.Email.To))

	return nil
}

// buildEmailMessage builds an email message
func (s *Service) buildEmailMessage(subject, body string) string {
	var msg strings.Builder
	msg.WriteString(fmt.Sprintf("From: %s\r\n", s.config.Email.From))
	msg.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(s.config.Email.To, ",")))
	msg.WriteString(fmt.Sprintf("Subject: %s\r\n", subject))
	msg.WriteString("MIME-Version: 1.0\r\n")
	msg.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	msg.WriteString("\r\n")
	msg.WriteString(body)
	return msg.String()
}

// formatEmailBody formats the email body
func (s *Service) formatEmailBody(notif *Notification) (string, error) {
	tmpl := `
<!DOCTYPE html>
<html>
<head>
    <style>
        body { font-family: Arial, sans-serif; margin: 0; padding: 20px; background-color: #f5f5f5; }
        .container { max-width: 600px; margin: 0 auto; background: white; border-radius: 8px; box-shadow: 0 2px 4px rgba(0,0,0,0.1); }
        .header { padding: 20px; background: {{.HeaderColor}}; color: white; border-radius: 8px 8px 0 0; }
        .content { padding: 20px; }
        .severity { display: inline-block; padding: 4px 8px; border-radius: 4px; font-weight: bold; background: {{.SeverityColor}}; color: white; }
        .data-table { width: 100%; border-collapse: collapse; margin-top: 15px; }
        .data-table td { padding: 8px; border-bottom: 1px solid #eee; }
        .data-table td:first-child { font-weight: bold; width: 30%; }
        .footer { padding: 15px 20px; background: #f9f9f9; border-radius: 0 0 8px 8px; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h2 style="margin:0;">{{.Title}}</h2>
        </div>
        <div class="content">
            <p>{{.Message}}</p>
            <p>Severity: <span class="severity">{{.Severity}}</span></p>
            {{if .HasData}}
            <table class="data-table">
                {{range $key, $value := .Data}}
                <tr>
                    <td>{{$key}}</td>
                    <td>{{$value}}</td>
                </tr>
                {{end}}
            </table>
            {{end}}
        </div>
        <div class="footer">
            <p>This is an automated alert from the continuous controls monitor.</p>
            <p>Generated at: {{.Timestamp}}</p>
        </div>
    </div>
</body>
</html>
`
	t, err := template.New("email").Parse(tmpl)
	if err != nil {
		return "", err
	}

	headerColor := "#2196F3" // Default blue
	severityColor := s.severityToColor(notif.Severity)

	switch notif.Severity {
	case models.SeverityCritical:
		headerColor = "#F44336"
	case models.SeverityHigh:
		headerColor = "#FF9800"
	case models.SeverityMedium:
		headerColor = "#FFC107"
	}

	data := map[string]interface{}{
		"Title":         notif.Title,
		"Message":       notif.Message,
		"Severity":      string(notif.Severity),
		"HeaderColor":   headerColor,
		"SeverityColor": severityColor,
		"Data":          notif.Data,
		"HasData":       len(notif.Data) > 0,
		"Timestamp":     notif.Timestamp.Format(time.RFC1123),
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}

	return buf.String(), nil
}

// NotifyFindings sends a notification for findings newly opened by a control
// evaluation. The notification carries the severity of the most severe
// finding in the batch.
func (s *Service) NotifyFindings(ctx context.Context, control *models.Control, findings []*models.Finding) error {
	if len(findings) == 0 {
		return nil
	}

	worst := findings[0].Severity
	for _, f := range findings[1:] {
		if models.SeverityRank(f.Severity) < models.SeverityRank(worst) {
			worst = f.Severity
		}
	}

	title := fmt.Sprintf("New %s Finding: %s", worst, control.Name)
	if len(findings) > 1 {
		title = fmt.Sprintf("%d New Findings: %s", len(findings), control.Name)
	}

	notif := &Notification{
		Type:     NotifyNewFindings,
		Title:    title,
		Message:  findings[0].Description,
		Severity: worst,
		Data: map[string]interface{}{
			"control_id":    control.ID,
			"tsc_reference": control.TSCReference,
			"finding_count": len(findings),
			"severity":      string(worst),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyCritical sends an immediate notification for a critical finding.
func (s *Service) NotifyCritical(ctx context.Context, control *models.Control, finding *models.Finding) error {
	notif := &Notification{
		Type:     NotifyCriticalFinding,
		Title:    "CRITICAL Compliance Finding",
		Message:  fmt.Sprintf("Critical finding for control %s: %s", control.ID, finding.Title),
		Severity: models.SeverityCritical,
		Data: map[string]interface{}{
			"control_id":    control.ID,
			"tsc_reference": control.TSCReference,
			"finding_id":    finding.ID.String(),
			"resource":      finding.ResourceID,
			"remediation":   finding.Remediation,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyBatch sends a digest when a batch evaluation completes. Severity
// reflects the batch outcome so the digest passes the channel gates only
// when something actually failed.
func (s *Service) NotifyBatch(ctx context.Context, summary *models.BatchSummary) error {
	notif := &Notification{
		Type:  NotifyEvaluationComplete,
		Title: "Control Evaluation Completed",
		Message: fmt.Sprintf("Evaluated %d controls: %d passed, %d failed, %d opened findings",
			summary.Evaluated, summary.Passed, summary.Failed, summary.FindingsOpened),
		Severity: s.batchToSeverity(summary),
		Data: map[string]interface{}{
			"batch_id":          summary.ID.String(),
			"evaluated":         summary.Evaluated,
			"passed":            summary.Passed,
			"failed":            summary.Failed,
			"errors":            summary.Errors,
			"findings_opened":   summary.FindingsOpened,
			"findings_resolved": summary.FindingsResolved,
			"duration":          summary.CompletedAt.Sub(summary.StartedAt).String(),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// batchToSeverity determines notification severity from a batch outcome
func (s *Service) batchToSeverity(summary *models.BatchSummary) models.Severity {
	if summary.Errors > 0 {
		return models.SeverityHigh
	}
	if summary.Failed > 0 {
		return models.SeverityMedium
	}
	return models.SeverityInfo
}

// NotifyEvaluationError sends a notification when an evaluation run fails
// outright, for example when a connector could not produce data.
func (s *Service) NotifyEvaluationError(ctx context.Context, scope string, err error) error {
	notif := &Notification{
		Type:     NotifyEvaluationFailed,
		Title:    "Evaluation Failed",
		Message:  fmt.Sprintf("Evaluation failed for %s: %s", scope, err.Error()),
		Severity: models.SeverityHigh,
		Data: map[string]interface{}{
			"scope": scope,
			"error": err.Error(),
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}

// NotifyIntegrityViolation alerts on evidence whose stored payload no longer
// matches its recorded hash. This is always critical.
func (s *Service) NotifyIntegrityViolation(ctx context.Context, evidenceID string, detail string) error {
	notif := &Notification{
		Type:     NotifyIntegrityAlert,
		Title:    "Evidence Integrity Violation",
		Message:  fmt.Sprintf("Evidence %s failed integrity verification: %s", evidenceID, detail),
		Severity: models.SeverityCritical,
		Data: map[string]interface{}{
			"evidence_id": evidenceID,
			"detail":      detail,
		},
		Timestamp: time.Now(),
	}

	return s.Send(ctx, notif)
}
