package pipeline

import (
	"fmt"
	"slices"
	"strings"
)

// MessageRule describes where steps may be registered for one message.
type MessageRule struct {
	Name string

	// Entities restricts the entity types the message may be registered
	// for. Empty, or containing "*", means any entity.
	Entities []string

	// Stages lists the stages allowed for synchronous steps.
	Stages []Stage

	// AsyncStages lists the stages allowed for asynchronous steps.
	AsyncStages []Stage

	// FilteringAttributes reports whether filtering attributes are allowed.
	FilteringAttributes bool

	// UniqueRank forbids two steps with the same rank in one
	// (message, entity, stage, mode) group.
	UniqueRank bool
}

func (m MessageRule) allowsEntity(entity string) bool {
	if len(m.Entities) == 0 || slices.Contains(m.Entities, "*") {
		return true
	}
	if entity == "" {
		return false
	}
	return slices.ContainsFunc(m.Entities, func(e string) bool {
		return strings.EqualFold(e, entity)
	})
}

// RegistrationRules is the configuration surface for registration
// validation. It is compiled from CUE by the rules package.
type RegistrationRules struct {
	Messages map[string]MessageRule

	// AllowUnknownMessages accepts custom messages with no rule, applying
	// only the structural checks.
	AllowUnknownMessages bool
}

// Rule returns the rule for a message, matched case-insensitively.
func (r RegistrationRules) Rule(message string) (MessageRule, bool) {
	if rule, ok := r.Messages[message]; ok {
		return rule, true
	}
	for name, rule := range r.Messages {
		if strings.EqualFold(name, message) {
			return rule, true
		}
	}
	return MessageRule{}, false
}

// RegistrationValidator checks registrations against RegistrationRules and
// the image availability policy.
type RegistrationValidator struct {
	rules  RegistrationRules
	images ImagePolicy
}

// NewRegistrationValidator creates a validator for the given rules.
func NewRegistrationValidator(rules RegistrationRules, images ImagePolicy) *RegistrationValidator {
	return &RegistrationValidator{rules: rules, images: images}
}

// Rules returns the rule set the validator enforces.
func (v *RegistrationValidator) Rules() RegistrationRules {
	return v.rules
}

// Validate returns nil when reg is legal, or a *RegistrationError listing
// every problem found. existing holds the registrations already accepted
// and is consulted for rank uniqueness.
func (v *RegistrationValidator) Validate(reg StepRegistration, existing ...StepRegistration) error {
	rule, ok := v.rules.Rule(reg.MessageName)
	if !ok {
		if v.rules.AllowUnknownMessages {
			return nil
		}
		return newRegistrationError(reg, fmt.Sprintf("message %q is not supported", reg.MessageName))
	}

	var reasons []string
	if !rule.allowsEntity(reg.EntityLogicalName) {
		entity := reg.EntityLogicalName
		if entity == "" {
			entity = "*"
		}
		reasons = append(reasons, fmt.Sprintf("entity %q is not supported for message %s", entity, rule.Name))
	}

	allowed := rule.Stages
	if reg.Mode == ModeAsynchronous {
		allowed = rule.AsyncStages
	}
	if !slices.Contains(allowed, reg.Stage) {
		reasons = append(reasons, fmt.Sprintf("stage %s is not allowed in %s mode for message %s", reg.Stage, reg.Mode, rule.Name))
	}

	if len(reg.FilteringAttributes) > 0 && !rule.FilteringAttributes {
		reasons = append(reasons, fmt.Sprintf("filtering attributes are not supported for message %s", rule.Name))
	}

	for _, img := range reg.Images {
		if img.Type.includesPre() && !v.images.preAvailable(rule.Name, reg.Stage) {
			reasons = append(reasons, fmt.Sprintf("pre-image %q is not available for %s at %s", img.Name, rule.Name, reg.Stage))
		}
		if img.Type.includesPost() && !v.images.postAvailable(rule.Name, reg.Stage) {
			reasons = append(reasons, fmt.Sprintf("post-image %q is not available for %s at %s", img.Name, rule.Name, reg.Stage))
		}
	}

	if rule.UniqueRank {
		for _, other := range existing {
			if other.Rank == reg.Rank &&
				other.Stage == reg.Stage &&
				other.Mode == reg.Mode &&
				strings.EqualFold(other.MessageName, reg.MessageName) &&
				strings.EqualFold(other.EntityLogicalName, reg.EntityLogicalName) {
				reasons = append(reasons, fmt.Sprintf("rank %d is already used by step %s", reg.Rank, other.ID))
				break
			}
		}
	}

	if len(reasons) > 0 {
		return newRegistrationError(reg, reasons...)
	}
	return nil
}
