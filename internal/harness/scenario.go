package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/testplugins"
)

// Scenario is one executable pipeline test.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Options are the pipeline options the context is built with.
	Options pipeline.Options `yaml:"options"`

	// Rules is an optional directory of CUE registration rules, relative to
	// the scenario file. Empty means the built-in rules.
	Rules string `yaml:"rules,omitempty"`

	// Setup seeds records directly into the store. No plugin runs.
	Setup []SetupEntity `yaml:"setup,omitempty"`

	// Steps are registered after setup and before the flow.
	Steps []StepSpec `yaml:"steps,omitempty"`

	// Flow is the list of requests to execute.
	Flow []FlowStep `yaml:"flow"`

	// Assertions validate the audit and final state.
	Assertions []Assertion `yaml:"assertions"`

	baseDir string
}

// SetupEntity is a record seeded before the flow.
type SetupEntity struct {
	Entity     string         `yaml:"entity"`
	ID         string         `yaml:"id,omitempty"`
	Capture    string         `yaml:"capture,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// StepSpec registers a catalog plugin.
type StepSpec struct {
	Message string `yaml:"message"`
	Stage   string `yaml:"stage"`

	// Mode defaults to Synchronous.
	Mode string `yaml:"mode,omitempty"`

	// Entity empty means any entity type.
	Entity string `yaml:"entity,omitempty"`
	Rank   int    `yaml:"rank,omitempty"`

	// Plugin is a testplugins catalog name.
	Plugin string `yaml:"plugin"`

	FilteringAttributes []string    `yaml:"filtering_attributes,omitempty"`
	Images              []ImageSpec `yaml:"images,omitempty"`

	// ExpectError, when set, is a substring of the registration error the
	// step must be rejected with.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// ImageSpec asks for a named image.
type ImageSpec struct {
	Name       string   `yaml:"name"`
	Type       string   `yaml:"type"`
	Attributes []string `yaml:"attributes,omitempty"`
}

// FlowStep is one request.
type FlowStep struct {
	// Request is the message: Create, Update, Delete, Retrieve or any
	// generic message name.
	Request string `yaml:"request"`

	Entity     string         `yaml:"entity,omitempty"`
	ID         string         `yaml:"id,omitempty"`
	Attributes map[string]any `yaml:"attributes,omitempty"`
	Columns    []string       `yaml:"columns,omitempty"`

	// Parameters are passed to generic requests. A map with exactly the
	// keys entity and id becomes an entity reference.
	Parameters map[string]any `yaml:"parameters,omitempty"`

	// Capture stores the created (or targeted) id under this name.
	Capture string `yaml:"capture,omitempty"`

	Expect *ExpectClause `yaml:"expect,omitempty"`
}

// ExpectClause specifies the expected outcome of a request.
type ExpectClause struct {
	// Error is a substring of the expected error. Empty expects success.
	Error string `yaml:"error,omitempty"`

	// Attributes is a subset match on a Retrieve response.
	Attributes map[string]any `yaml:"attributes,omitempty"`
}

// AuditMatch filters audit records. Empty fields match anything.
type AuditMatch struct {
	Message string `yaml:"message,omitempty"`
	Stage   string `yaml:"stage,omitempty"`
	Mode    string `yaml:"mode,omitempty"`
	Plugin  string `yaml:"plugin,omitempty"`
	Entity  string `yaml:"entity,omitempty"`
	Depth   int    `yaml:"depth,omitempty"`
	Failed  *bool  `yaml:"failed,omitempty"`
}

// Assertion validates the audit or final state.
type Assertion struct {
	Type string `yaml:"type"`

	// AuditMatch filters records for audit_count and audit_contains.
	AuditMatch `yaml:",inline"`

	// Count is the expected number of matches (audit_count).
	Count int `yaml:"count,omitempty"`

	// Order lists matches that must occur in this order (audit_order).
	Order []AuditMatch `yaml:"order,omitempty"`

	// ID or Where selects the record for final_state.
	ID    string         `yaml:"id,omitempty"`
	Where map[string]any `yaml:"where,omitempty"`

	// Expect is a subset match on the record's attributes (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent asserts no record matches (final_state).
	Absent bool `yaml:"absent,omitempty"`
}

// Assertion type constants.
const (
	AssertAuditCount    = "audit_count"
	AssertAuditContains = "audit_contains"
	AssertAuditOrder    = "audit_order"
	AssertFinalState    = "final_state"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	scenario.baseDir = filepath.Dir(path)

	if scenario.Rules != "" {
		if _, err := os.Stat(scenario.RulesDir()); err != nil {
			return nil, fmt.Errorf("%s: invalid scenario: rules directory: %w", path, err)
		}
	}
	return scenario, nil
}

// ParseScenario parses scenario YAML. Relative rule paths resolve against
// the working directory.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// RulesDir returns the resolved rules directory, empty when unset.
func (s *Scenario) RulesDir() string {
	if s.Rules == "" || filepath.IsAbs(s.Rules) {
		return s.Rules
	}
	return filepath.Join(s.baseDir, s.Rules)
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for i, e := range s.Setup {
		if e.Entity == "" {
			return fmt.Errorf("setup[%d]: entity is required", i)
		}
	}

	for i, step := range s.Steps {
		if err := validateStep(i, &step); err != nil {
			return err
		}
	}

	for i, step := range s.Flow {
		if step.Request == "" {
			return fmt.Errorf("flow[%d]: request is required", i)
		}
	}

	for i, assertion := range s.Assertions {
		if err := validateAssertion(i, &assertion); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(index int, s *StepSpec) error {
	if s.Message == "" {
		return fmt.Errorf("steps[%d]: message is required", index)
	}
	if _, err := pipeline.ParseStage(s.Stage); err != nil {
		return fmt.Errorf("steps[%d]: %w", index, err)
	}
	if s.Mode != "" {
		if _, err := pipeline.ParseMode(s.Mode); err != nil {
			return fmt.Errorf("steps[%d]: %w", index, err)
		}
	}
	if _, ok := testplugins.Lookup(s.Plugin); !ok {
		return fmt.Errorf("steps[%d]: unknown plugin %q (known: %v)", index, s.Plugin, testplugins.Names())
	}
	for j, img := range s.Images {
		if img.Name == "" {
			return fmt.Errorf("steps[%d].images[%d]: name is required", index, j)
		}
		var t pipeline.ImageType
		if err := t.UnmarshalText([]byte(img.Type)); err != nil {
			return fmt.Errorf("steps[%d].images[%d]: %w", index, j, err)
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertAuditCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for audit_count", index)
		}
	case AssertAuditContains:
	case AssertAuditOrder:
		if len(a.Order) < 2 {
			return fmt.Errorf("assertions[%d]: order needs at least two entries for audit_order", index)
		}
	case AssertFinalState:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for final_state", index)
		}
		if a.ID == "" && len(a.Where) == 0 {
			return fmt.Errorf("assertions[%d]: id or where is required for final_state", index)
		}
		if !a.Absent && len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for final_state", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
