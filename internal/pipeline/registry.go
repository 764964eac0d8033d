package pipeline

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Registry holds step registrations in registration order.
//
// When a validator is configured every registration is checked before it
// is added, so an illegal step fails at registration instead of dispatch.
//
// Thread-safe.
type Registry struct {
	mu        sync.RWMutex
	steps     []StepRegistration
	seq       int64
	validator *RegistrationValidator
	newID     func() uuid.UUID
}

// NewRegistry creates an empty registry. validator may be nil.
func NewRegistry(validator *RegistrationValidator) *Registry {
	return &Registry{
		validator: validator,
		newID:     uuid.New,
	}
}

// SetIDGenerator overrides step id generation (deterministic tests).
func (r *Registry) SetIDGenerator(gen func() uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newID = gen
}

// Register validates and stores a registration. The stored copy, with ID
// and PluginType filled in, is returned.
func (r *Registry) Register(reg StepRegistration) (StepRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg.ID == uuid.Nil {
		reg.ID = r.newID()
	}
	if reg.PluginType == "" && reg.Plugin != nil {
		reg.PluginType = PluginTypeName(reg.Plugin)
	}

	if reasons := structuralProblems(reg); len(reasons) > 0 {
		return StepRegistration{}, newRegistrationError(reg, reasons...)
	}
	if r.validator != nil {
		if err := r.validator.Validate(reg, r.steps...); err != nil {
			return StepRegistration{}, err
		}
	}

	r.seq++
	reg.seq = r.seq
	reg.FilteringAttributes = slices.Clone(reg.FilteringAttributes)
	reg.Images = slices.Clone(reg.Images)
	r.steps = append(r.steps, reg)
	return reg, nil
}

// Unregister removes a registration by id. Returns false if not found.
func (r *Registry) Unregister(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.steps {
		if s.ID == id {
			r.steps = slices.Delete(r.steps, i, i+1)
			return true
		}
	}
	return false
}

// Steps returns the registrations for (message, stage, mode) that apply to
// the entity type, in ascending rank with registration order breaking ties.
func (r *Registry) Steps(message string, stage Stage, mode Mode, entity string) []StepRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []StepRegistration
	for _, s := range r.steps {
		if s.Stage != stage || s.Mode != mode {
			continue
		}
		if !strings.EqualFold(s.MessageName, message) {
			continue
		}
		if !s.matchesEntity(entity) {
			continue
		}
		matched = append(matched, s)
	}

	// r.steps is already in seq order, so a stable sort on rank keeps
	// registration order for ties.
	slices.SortStableFunc(matched, func(a, b StepRegistration) int {
		return cmp.Compare(a.Rank, b.Rank)
	})
	return matched
}

// All returns every registration in registration order.
func (r *Registry) All() []StepRegistration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.steps)
}

// Len returns the number of registrations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.steps)
}

// structuralProblems are checked for every registration, with or without
// the validator.
func structuralProblems(reg StepRegistration) []string {
	var reasons []string
	if strings.TrimSpace(reg.MessageName) == "" {
		reasons = append(reasons, "message name is required")
	}
	if reg.Plugin == nil {
		reasons = append(reasons, "plugin is required")
	}
	if !reg.Stage.Valid() {
		reasons = append(reasons, "invalid stage "+reg.Stage.String())
	}
	if !reg.Mode.Valid() {
		reasons = append(reasons, "invalid mode "+reg.Mode.String())
	}
	for _, img := range reg.Images {
		if img.Name == "" {
			reasons = append(reasons, "image name is required")
		}
	}
	return reasons
}
