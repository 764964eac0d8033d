package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Plugin is the capability a registered step supplies.
type Plugin interface {
	Execute(ctx context.Context, exec *ExecutionContext) error
}

// PluginFunc adapts a function to the Plugin interface.
type PluginFunc func(ctx context.Context, exec *ExecutionContext) error

// Execute calls f.
func (f PluginFunc) Execute(ctx context.Context, exec *ExecutionContext) error {
	return f(ctx, exec)
}

// ImageType selects which snapshot an image registration receives.
type ImageType int

const (
	ImageTypePre ImageType = iota
	ImageTypePost
	ImageTypeBoth
)

// String returns the image type name.
func (t ImageType) String() string {
	switch t {
	case ImageTypePre:
		return "PreImage"
	case ImageTypePost:
		return "PostImage"
	case ImageTypeBoth:
		return "Both"
	default:
		return fmt.Sprintf("ImageType(%d)", int(t))
	}
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *ImageType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "pre", "preimage":
		*t = ImageTypePre
	case "post", "postimage":
		*t = ImageTypePost
	case "both":
		*t = ImageTypeBoth
	default:
		return fmt.Errorf("unknown image type %q", text)
	}
	return nil
}

func (t ImageType) includesPre() bool  { return t == ImageTypePre || t == ImageTypeBoth }
func (t ImageType) includesPost() bool { return t == ImageTypePost || t == ImageTypeBoth }

// ImageRegistration asks for a named image restricted to Attributes.
// An empty attribute list means the full snapshot.
type ImageRegistration struct {
	Name       string
	Type       ImageType
	Attributes []string
}

// StepRegistration binds a plugin to (message, stage, mode, entity).
//
// Steps with the same (message, stage, mode) run in ascending Rank; equal
// ranks keep registration order.
type StepRegistration struct {
	// ID is assigned by the registry when zero.
	ID uuid.UUID

	MessageName string

	// EntityLogicalName restricts the step to one entity type.
	// Empty means any entity type.
	EntityLogicalName string

	Stage Stage
	Mode  Mode
	Rank  int

	// PluginType is the declared extension identity recorded in the audit.
	// Defaults to the plugin's Go type name.
	PluginType string

	Plugin Plugin

	// FilteringAttributes limits Update steps to requests whose target
	// carries at least one of these attributes.
	FilteringAttributes []string

	Images []ImageRegistration

	seq int64
}

// PluginTypeName returns the Go type name of p without a pointer marker,
// e.g. "testplugins.AccountNumberPlugin".
func PluginTypeName(p Plugin) string {
	return strings.TrimPrefix(fmt.Sprintf("%T", p), "*")
}

// matchesEntity reports whether the step applies to the given entity type.
func (s StepRegistration) matchesEntity(logicalName string) bool {
	return s.EntityLogicalName == "" || strings.EqualFold(s.EntityLogicalName, logicalName)
}
