package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrorCode categorizes pipeline errors.
type ErrorCode string

const (
	// ErrCodeFeatureNotEnabled indicates a feature was queried while disabled.
	ErrCodeFeatureNotEnabled ErrorCode = "FEATURE_NOT_ENABLED"

	// ErrCodeInvalidRegistration indicates a step failed registration checks.
	ErrCodeInvalidRegistration ErrorCode = "INVALID_REGISTRATION"
)

// ConfigurationError signals that a feature was used while it is not
// enabled in the pipeline options. It is never retried.
type ConfigurationError struct {
	Code    ErrorCode
	Feature string
	Message string
}

// Error implements the error interface.
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s (feature=%s)", e.Code, e.Message, e.Feature)
}

// ErrStepAuditNotEnabled is returned when the step audit is queried but
// UsePluginStepAudit was never enabled. Distinguishes "feature off" from
// "no steps ran yet".
var ErrStepAuditNotEnabled = &ConfigurationError{
	Code:    ErrCodeFeatureNotEnabled,
	Feature: "UsePluginStepAudit",
	Message: "plugin step audit is not enabled in the pipeline options",
}

// ErrRegistrationValidationNotEnabled is returned when the registration
// validator is requested but validation is off.
var ErrRegistrationValidationNotEnabled = &ConfigurationError{
	Code:    ErrCodeFeatureNotEnabled,
	Feature: "UsePluginStepRegistrationValidation",
	Message: "plugin step registration validation is not enabled in the pipeline options",
}

// RegistrationError reports a step registration that is not legal.
// Fatal to that registration only; the step is never added.
type RegistrationError struct {
	Code        ErrorCode
	StepID      uuid.UUID
	MessageName string
	Entity      string
	Stage       Stage
	Mode        Mode
	Reasons     []string
}

// Error implements the error interface.
func (e *RegistrationError) Error() string {
	entity := e.Entity
	if entity == "" {
		entity = "*"
	}
	return fmt.Sprintf("%s: %s (message=%s, entity=%s, stage=%s, mode=%s)",
		e.Code, strings.Join(e.Reasons, "; "), e.MessageName, entity, e.Stage, e.Mode)
}

func newRegistrationError(reg StepRegistration, reasons ...string) *RegistrationError {
	return &RegistrationError{
		Code:        ErrCodeInvalidRegistration,
		StepID:      reg.ID,
		MessageName: reg.MessageName,
		Entity:      reg.EntityLogicalName,
		Stage:       reg.Stage,
		Mode:        reg.Mode,
		Reasons:     reasons,
	}
}

// ErrMaxDepthExceeded is returned when nested requests exceed Options.MaxDepth.
var ErrMaxDepthExceeded = errors.New("maximum pipeline depth exceeded")

// IsConfigurationError returns true if err is or wraps a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsRegistrationError returns true if err is or wraps a RegistrationError.
func IsRegistrationError(err error) bool {
	var re *RegistrationError
	return errors.As(err, &re)
}
