package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// OrganizationService executes requests. Plugins use it to issue nested
// requests, which run through the full pipeline one level deeper.
type OrganizationService interface {
	Execute(ctx context.Context, req xrm.Request) (xrm.Response, error)
}

// Next is the rest of the host's processing chain, ultimately the
// operation executor.
type Next func(ctx context.Context, req xrm.Request) (xrm.Response, error)

// ExecutionContext is what a step sees when it runs.
//
// Images that do not exist for the current request and stage are nil,
// never an error.
type ExecutionContext struct {
	MessageName       string
	Stage             Stage
	Mode              Mode
	Depth             int
	PrimaryEntityName string
	PrimaryEntityID   uuid.UUID

	// StepID and PluginType identify the running step.
	StepID     uuid.UUID
	PluginType string

	Request xrm.Request
	Target  xrm.Target

	// Response is set for Postoperation steps only.
	Response xrm.Response

	// PreEntityImages and PostEntityImages hold the images the step
	// registered, projected to their attribute lists.
	PreEntityImages  map[string]*xrm.Entity
	PostEntityImages map[string]*xrm.Entity

	// SharedVariables is shared by every step of one request.
	SharedVariables map[string]any

	Service OrganizationService

	preImage  *xrm.Entity
	postImage *xrm.Entity
}

// PreImage returns the full pre-image, or nil when not available.
func (c *ExecutionContext) PreImage() *xrm.Entity {
	return c.preImage
}

// PostImage returns the full post-image, or nil when not available.
func (c *ExecutionContext) PostImage() *xrm.Entity {
	return c.postImage
}

// TargetEntity returns the target when it is a full entity, else nil.
// Changes made here in Prevalidation or Preoperation reach the core
// operation.
func (c *ExecutionContext) TargetEntity() *xrm.Entity {
	return c.Target.Entity()
}

type depthKey struct{}

// WithDepth returns a context carrying the pipeline depth.
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFrom returns the pipeline depth carried by ctx, 0 outside any
// pipeline execution.
func DepthFrom(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}
