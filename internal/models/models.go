package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// StringArray is an alias for pq.StringArray to handle PostgreSQL arrays
type StringArray = pq.StringArray

type TSCCategory string

const (
	CategorySecurity            TSCCategory = "Security"
	CategoryAvailability        TSCCategory = "Availability"
	CategoryConfidentiality     TSCCategory = "Confidentiality"
	CategoryProcessingIntegrity TSCCategory = "Processing Integrity"
	CategoryPrivacy             TSCCategory = "Privacy"
)

func (c TSCCategory) Valid() bool {
	switch c {
	case CategorySecurity, CategoryAvailability, CategoryConfidentiality,
		CategoryProcessingIntegrity, CategoryPrivacy:
		return true
	}
	return false
}

type ControlType string

const (
	ControlTypeAdministrative ControlType = "administrative"
	ControlTypeTechnical      ControlType = "technical"
	ControlTypePhysical       ControlType = "physical"
)

func (t ControlType) Valid() bool {
	switch t {
	case ControlTypeAdministrative, ControlTypeTechnical, ControlTypePhysical:
		return true
	}
	return false
}

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// SeverityRank orders severities for sorting, critical first.
func SeverityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0
	case SeverityHigh:
		return 1
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 3
	case SeverityInfo:
		return 4
	}
	return 5
}

type LogicType string

const (
	LogicBooleanCheck LogicType = "boolean_check"
	LogicManualReview LogicType = "manual_review"
	LogicLLMBased     LogicType = "llm_based"
)

func (t LogicType) Valid() bool {
	switch t {
	case LogicBooleanCheck, LogicManualReview, LogicLLMBased:
		return true
	}
	return false
}

type EvalStatus string

const (
	EvalStatusPending        EvalStatus = "pending"
	EvalStatusRunning        EvalStatus = "running"
	EvalStatusPassed         EvalStatus = "passed"
	EvalStatusFailed         EvalStatus = "failed"
	EvalStatusWarning        EvalStatus = "warning"
	EvalStatusReviewRequired EvalStatus = "review_required"
	EvalStatusError          EvalStatus = "error"
	EvalStatusNotEvaluated   EvalStatus = "not_evaluated"
)

// Terminal reports whether the status ends a control evaluation.
func (s EvalStatus) Terminal() bool {
	switch s {
	case EvalStatusPending, EvalStatusRunning:
		return false
	}
	return true
}

type FindingStatus string

const (
	FindingStatusOpen       FindingStatus = "open"
	FindingStatusInProgress FindingStatus = "in_progress"
	FindingStatusResolved   FindingStatus = "resolved"
)

type EvidenceType string

const (
	EvidenceTypeConfig     EvidenceType = "config"
	EvidenceTypeLog        EvidenceType = "log"
	EvidenceTypePolicy     EvidenceType = "policy"
	EvidenceTypeTicket     EvidenceType = "ticket"
	EvidenceTypeReport     EvidenceType = "report"
	EvidenceTypeEvaluation EvidenceType = "evaluation"
)

func (t EvidenceType) Valid() bool {
	switch t {
	case EvidenceTypeConfig, EvidenceTypeLog, EvidenceTypePolicy, EvidenceTypeTicket,
		EvidenceTypeReport, EvidenceTypeEvaluation:
		return true
	}
	return false
}

// Record is one row of collected data, an arbitrary key/value mapping.
type Record map[string]interface{}

// DataContext maps a source name to the ordered records collected from it.
// The engine treats it as an opaque, read-only snapshot.
type DataContext map[string][]Record

func (d DataContext) Has(source string) bool {
	_, ok := d[source]
	return ok
}

type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}

// RecordList stores an ordered record sequence as a JSONB column.
type RecordList []Record

func (l RecordList) Value() (driver.Value, error) {
	if l == nil {
		return nil, nil
	}
	return json.Marshal(l)
}

func (l *RecordList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, l)
}

// Logic is the tagged evaluation variant of a control. Exactly one of the
// three kinds applies: boolean_check runs Query and applies SuccessCondition,
// manual_review runs Query and always requires human review, llm_based is a
// placeholder that is never automatically evaluated.
type Logic struct {
	Type             LogicType `json:"type"`
	Query            string    `json:"query,omitempty"`
	SuccessCondition string    `json:"success_condition,omitempty"`
	Threshold        *float64  `json:"threshold,omitempty"`
	FailureMessage   string    `json:"failure_message,omitempty"`
	Prompt           string    `json:"prompt,omitempty"`
	GroundingData    []string  `json:"grounding_data,omitempty"`
}

// Control is a single compliance check definition. Values are immutable once
// loaded; a catalog reload replaces the whole set.
type Control struct {
	ID                  string        `json:"id"`
	Name                string        `json:"name"`
	Description         string        `json:"description"`
	TSCReference        string        `json:"tsc_reference"`
	Category            TSCCategory   `json:"category"`
	ControlType         ControlType   `json:"control_type"`
	Sources             []string      `json:"sources"`
	Logic               Logic         `json:"logic"`
	Severity            Severity      `json:"severity"`
	EvaluationFrequency time.Duration `json:"evaluation_frequency"`
	Enabled             bool          `json:"enabled"`
	Remediation         string        `json:"remediation,omitempty"`
}

// Threshold returns the numeric bound used by row_count <= threshold and
// value >= minimum conditions. Zero when the control defines none.
func (c *Control) Threshold() float64 {
	if c.Logic.Threshold == nil {
		return 0
	}
	return *c.Logic.Threshold
}

// EvaluationResult is one appended entry in a control's evaluation history.
// Never mutated after creation.
type EvaluationResult struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	ControlID  string     `json:"control_id" db:"control_id"`
	Timestamp  time.Time  `json:"timestamp" db:"timestamp"`
	Status     EvalStatus `json:"status" db:"status"`
	Violations RecordList `json:"violations,omitempty" db:"violations"`
	Message    string     `json:"message" db:"message"`
	EvidenceID string     `json:"evidence_id,omitempty" db:"evidence_id"`
}

// Finding tracks one violating item of one control. Severity is copied from
// the control at creation and frozen; identity for dedup is
// (ControlID, ResourceID).
type Finding struct {
	ID           uuid.UUID     `json:"id" db:"id"`
	ControlID    string        `json:"control_id" db:"control_id"`
	Severity     Severity      `json:"severity" db:"severity"`
	Title        string        `json:"title" db:"title"`
	Description  string        `json:"description" db:"description"`
	ResourceID   string        `json:"resource_id" db:"resource_id"`
	Status       FindingStatus `json:"status" db:"status"`
	DiscoveredAt time.Time     `json:"discovered_at" db:"discovered_at"`
	ResolvedAt   *time.Time    `json:"resolved_at,omitempty" db:"resolved_at"`
	Remediation  string        `json:"remediation,omitempty" db:"remediation"`
}

// EvidenceRecord is the metadata half of a vault entry. The JSON field names
// are a stable contract read by external audit tooling.
type EvidenceRecord struct {
	ID          string       `json:"id"`
	Source      string       `json:"source"`
	Type        EvidenceType `json:"type"`
	CollectedAt time.Time    `json:"collected_at"`
	Hash        string       `json:"hash"`
	Location    string       `json:"location"`
	Controls    []string     `json:"associated_controls"`
}

// BatchSummary aggregates one orchestrator run over a set of controls.
type BatchSummary struct {
	ID               uuid.UUID           `json:"id"`
	StartedAt        time.Time           `json:"started_at"`
	CompletedAt      time.Time           `json:"completed_at"`
	Evaluated        int                 `json:"evaluated"`
	Passed           int                 `json:"passed"`
	Failed           int                 `json:"failed"`
	Warnings         int                 `json:"warnings"`
	ReviewRequired   int                 `json:"review_required"`
	NotEvaluated     int                 `json:"not_evaluated"`
	Errors           int                 `json:"errors"`
	FindingsOpened   int                 `json:"findings_opened"`
	FindingsResolved int                 `json:"findings_resolved"`
	Results          []*EvaluationResult `json:"results,omitempty"`
}

// ConnectorAccount is a registered data-source connection.
type ConnectorAccount struct {
	ID            uuid.UUID  `json:"id" db:"id"`
	Name          string     `json:"name" db:"name"`
	Kind          string     `json:"kind" db:"kind"`
	Config        JSONB      `json:"config" db:"config"`
	Status        string     `json:"status" db:"status"`
	StatusMessage string     `json:"status_message,omitempty" db:"status_message"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty" db:"last_sync_at"`
	CreatedAt     time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at" db:"updated_at"`
}

type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "active"
	AccountStatusInactive AccountStatus = "inactive"
	AccountStatusError    AccountStatus = "error"
)
