package harness

import (
	"github.com/google/uuid"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
)

// RequestOutcome records what one flow request did.
type RequestOutcome struct {
	Message string `json:"message"`
	Entity  string `json:"entity,omitempty"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Requests holds one outcome per flow step, in order.
	Requests []RequestOutcome `json:"requests"`

	// Audit is the plugin step audit at the end of the flow. Empty when
	// the audit is off.
	Audit []pipeline.AuditRecord `json:"audit"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Captured maps capture names to ids.
	Captured map[string]uuid.UUID `json:"captured,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:     true,
		Requests: []RequestOutcome{},
		Audit:    []pipeline.AuditRecord{},
		Errors:   []string{},
		Captured: map[string]uuid.UUID{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
