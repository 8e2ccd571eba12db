// Package catalog loads and validates control definitions. A load either
// produces a complete, compiled catalog or fails with a DefinitionError;
// a partial catalog could silently skip compliance checks, so best-effort
// loading is not offered.
package catalog

import (
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/attestra/ccm/internal/evaluator"
	"github.com/attestra/ccm/internal/models"
)

// Entry pairs a loaded control with its logic compiled at load time.
type Entry struct {
	Control models.Control
	Logic   *evaluator.Compiled
}

// Catalog is an immutable set of controls. Mutation happens only by loading
// a replacement set and swapping it in via Active.
type Catalog struct {
	entries  map[string]*Entry
	order    []string
	loadedAt time.Time
}

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	Enabled  *bool
	Severity *models.Severity
	Category *models.TSCCategory
}

// Load reads control definitions from one or more YAML files. Any
// validation failure, including a duplicate id across files, fails the
// whole load.
func Load(paths ...string) (*Catalog, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no catalog sources given")
	}

	cat := &Catalog{
		entries:  make(map[string]*Entry),
		loadedAt: time.Now().UTC(),
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading catalog %s: %w", path, err)
		}

		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parsing catalog %s: %w", path, err)
		}

		for _, doc := range file.Controls {
			control, err := doc.toControl()
			if err != nil {
				return nil, err
			}

			if _, exists := cat.entries[control.ID]; exists {
				return nil, &models.DefinitionError{ControlID: control.ID, Field: "id", Reason: "duplicate control id"}
			}

			cat.entries[control.ID] = &Entry{
				Control: control,
				Logic:   evaluator.Compile(&control),
			}
		}
	}

	cat.order = make([]string, 0, len(cat.entries))
	for id := range cat.entries {
		cat.order = append(cat.order, id)
	}
	sort.Strings(cat.order)

	return cat, nil
}

// Get looks up a control by id.
func (c *Catalog) Get(id string) (*Entry, bool) {
	e, ok := c.entries[id]
	return e, ok
}

// List returns matching controls ordered by id.
func (c *Catalog) List(f Filter) []models.Control {
	var out []models.Control
	for _, id := range c.order {
		ctrl := c.entries[id].Control
		if f.Enabled != nil && ctrl.Enabled != *f.Enabled {
			continue
		}
		if f.Severity != nil && ctrl.Severity != *f.Severity {
			continue
		}
		if f.Category != nil && ctrl.Category != *f.Category {
			continue
		}
		out = append(out, ctrl)
	}
	return out
}

// Entries returns all entries ordered by control id.
func (c *Catalog) Entries() []*Entry {
	out := make([]*Entry, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.entries[id])
	}
	return out
}

func (c *Catalog) Len() int {
	return len(c.entries)
}

func (c *Catalog) LoadedAt() time.Time {
	return c.loadedAt
}

type catalogFile struct {
	Controls []controlDoc `yaml:"controls"`
}

type controlDoc struct {
	ID                  string   `yaml:"id"`
	Name                string   `yaml:"name"`
	Description         string   `yaml:"description"`
	TSCReference        string   `yaml:"tsc_reference"`
	Category            string   `yaml:"category"`
	ControlType         string   `yaml:"control_type"`
	Sources             []string `yaml:"sources"`
	Logic               logicDoc `yaml:"logic"`
	Severity            string   `yaml:"severity"`
	EvaluationFrequency string   `yaml:"evaluation_frequency"`
	Enabled             *bool    `yaml:"enabled"`
	Remediation         string   `yaml:"remediation"`
}

type logicDoc struct {
	Type             string   `yaml:"type"`
	Query            string   `yaml:"query"`
	SuccessCondition string   `yaml:"success_condition"`
	Threshold        *float64 `yaml:"threshold"`
	FailureMessage   string   `yaml:"failure_message"`
	Prompt           string   `yaml:"prompt"`
	GroundingData    []string `yaml:"grounding_data"`
}

func (d controlDoc) toControl() (models.Control, error) {
	var c models.Control

	defErr := func(field, reason string) error {
		return &models.DefinitionError{ControlID: d.ID, Field: field, Reason: reason}
	}

	if d.ID == "" {
		return c, defErr("id", "required")
	}
	if d.Name == "" {
		return c, defErr("name", "required")
	}
	if d.Description == "" {
		return c, defErr("description", "required")
	}
	if d.TSCReference == "" {
		return c, defErr("tsc_reference", "required")
	}

	category := models.TSCCategory(d.Category)
	if !category.Valid() {
		return c, defErr("category", fmt.Sprintf("unknown value %q", d.Category))
	}

	controlType := models.ControlType(d.ControlType)
	if !controlType.Valid() {
		return c, defErr("control_type", fmt.Sprintf("unknown value %q", d.ControlType))
	}

	severity := models.Severity(d.Severity)
	if !severity.Valid() {
		return c, defErr("severity", fmt.Sprintf("unknown value %q", d.Severity))
	}

	logicType := models.LogicType(d.Logic.Type)
	if !logicType.Valid() {
		return c, defErr("logic.type", fmt.Sprintf("unknown value %q", d.Logic.Type))
	}

	switch logicType {
	case models.LogicBooleanCheck:
		if d.Logic.Query == "" {
			return c, defErr("logic.query", "required for boolean_check")
		}
		if d.Logic.SuccessCondition == "" {
			return c, defErr("logic.success_condition", "required for boolean_check")
		}
	case models.LogicManualReview:
		if d.Logic.Query == "" {
			return c, defErr("logic.query", "required for manual_review")
		}
	case models.LogicLLMBased:
		if d.Logic.Prompt == "" {
			return c, defErr("logic.prompt", "required for llm_based")
		}
	}

	if d.EvaluationFrequency == "" {
		return c, defErr("evaluation_frequency", "required")
	}
	freq, err := time.ParseDuration(d.EvaluationFrequency)
	if err != nil {
		return c, defErr("evaluation_frequency", fmt.Sprintf("bad duration %q", d.EvaluationFrequency))
	}

	enabled := true
	if d.Enabled != nil {
		enabled = *d.Enabled
	}

	c = models.Control{
		ID:           d.ID,
		Name:         d.Name,
		Description:  d.Description,
		TSCReference: d.TSCReference,
		Category:     category,
		ControlType:  controlType,
		Sources:      d.Sources,
		Logic: models.Logic{
			Type:             logicType,
			Query:            d.Logic.Query,
			SuccessCondition: d.Logic.SuccessCondition,
			Threshold:        d.Logic.Threshold,
			FailureMessage:   d.Logic.FailureMessage,
			Prompt:           d.Logic.Prompt,
			GroundingData:    d.Logic.GroundingData,
		},
		Severity:            severity,
		EvaluationFrequency: freq,
		Enabled:             enabled,
		Remediation:         d.Remediation,
	}
	return c, nil
}
