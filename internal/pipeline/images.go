package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/google/uuid"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// EntityLookup fetches the current stored snapshot of a record.
// Implementations return an error wrapping xrm.ErrEntityNotFound when the
// record does not exist.
type EntityLookup interface {
	GetEntityByID(ctx context.Context, logicalName string, id uuid.UUID) (*xrm.Entity, error)
}

// ImagePolicy is the static table of which (message, stage) pairs have a
// meaningful pre-image or post-image. Consulted before any lookup so no
// store read happens, and no image is surfaced, where the platform
// contract says none exists.
type ImagePolicy struct {
	pre  map[string][]Stage
	post map[string][]Stage
}

// DefaultImagePolicy returns the platform policy:
//
//	Create   - post-image at Postoperation
//	Update   - pre-image at Pre/Postoperation, post-image at Postoperation
//	Delete   - pre-image at Pre/Postoperation
//	Retrieve - none
func DefaultImagePolicy() ImagePolicy {
	return ImagePolicy{
		pre: map[string][]Stage{
			xrm.MessageUpdate: {StagePreoperation, StagePostoperation},
			xrm.MessageDelete: {StagePreoperation, StagePostoperation},
		},
		post: map[string][]Stage{
			xrm.MessageCreate: {StagePostoperation},
			xrm.MessageUpdate: {StagePostoperation},
		},
	}
}

// PreImageAvailable reports whether req has a pre-image at stage.
// Generic requests identified only by name never do.
func (p ImagePolicy) PreImageAvailable(req xrm.Request, stage Stage) bool {
	if !stronglyTyped(req) {
		return false
	}
	return p.preAvailable(req.RequestName(), stage)
}

// PostImageAvailable reports whether req has a post-image at stage.
func (p ImagePolicy) PostImageAvailable(req xrm.Request, stage Stage) bool {
	if !stronglyTyped(req) {
		return false
	}
	return p.postAvailable(req.RequestName(), stage)
}

func (p ImagePolicy) preAvailable(message string, stage Stage) bool {
	return lookupStages(p.pre, message, stage)
}

func (p ImagePolicy) postAvailable(message string, stage Stage) bool {
	return lookupStages(p.post, message, stage)
}

func lookupStages(table map[string][]Stage, message string, stage Stage) bool {
	for name, stages := range table {
		if strings.EqualFold(name, message) {
			return slices.Contains(stages, stage)
		}
	}
	return false
}

func stronglyTyped(req xrm.Request) bool {
	switch req.(type) {
	case *xrm.CreateRequest, *xrm.UpdateRequest, *xrm.DeleteRequest, *xrm.RetrieveRequest:
		return true
	default:
		return false
	}
}

// ImageIdentity is the (logical name, id) used for every image of one
// request. It is computed once from the target and reused, so pre- and
// post-images can never disagree about which record they describe.
type ImageIdentity struct {
	LogicalName string
	ID          uuid.UUID
	valid       bool
}

// Valid reports whether the target resolved to an identifiable record.
func (i ImageIdentity) Valid() bool {
	return i.valid && i.ID != uuid.Nil
}

// ImageResolver computes pre- and post-image snapshots.
type ImageResolver struct {
	lookup EntityLookup
	policy ImagePolicy
}

// NewImageResolver creates a resolver reading from lookup.
func NewImageResolver(lookup EntityLookup, policy ImagePolicy) *ImageResolver {
	return &ImageResolver{lookup: lookup, policy: policy}
}

// Policy returns the availability policy in use.
func (r *ImageResolver) Policy() ImagePolicy {
	return r.policy
}

// Identify derives the image identity from a target.
func (r *ImageResolver) Identify(target xrm.Target) ImageIdentity {
	switch target.Kind() {
	case xrm.TargetEntity, xrm.TargetReference:
		ref, _ := target.Identity()
		return ImageIdentity{LogicalName: ref.LogicalName, ID: ref.ID, valid: true}
	case xrm.TargetNone:
		return ImageIdentity{}
	default:
		panic(fmt.Sprintf("pipeline: unhandled target kind %v", target.Kind()))
	}
}

// PreImage returns the pre-image of req for stage, or nil when the policy
// says none exists or no stored record matches identity.
func (r *ImageResolver) PreImage(ctx context.Context, req xrm.Request, stage Stage, identity ImageIdentity) (*xrm.Entity, error) {
	if !r.policy.PreImageAvailable(req, stage) {
		return nil, nil
	}
	return r.ResolvePreImage(ctx, identity)
}

// ResolvePreImage fetches the current stored snapshot for identity.
// A missing record is not an error: records under creation legitimately
// have no pre-image.
func (r *ImageResolver) ResolvePreImage(ctx context.Context, identity ImageIdentity) (*xrm.Entity, error) {
	if !identity.Valid() {
		return nil, nil
	}
	e, err := r.lookup.GetEntityByID(ctx, identity.LogicalName, identity.ID)
	if errors.Is(err, xrm.ErrEntityNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve pre-image %s(%s): %w", identity.LogicalName, identity.ID, err)
	}
	return e.Clone(), nil
}

// PostImage returns the post-image of req for stage, or nil when the
// policy says none exists.
func (r *ImageResolver) PostImage(req xrm.Request, stage Stage, target xrm.Target) *xrm.Entity {
	if !r.policy.PostImageAvailable(req, stage) {
		return nil
	}
	return r.ResolvePostImage(target)
}

// ResolvePostImage snapshots the in-memory target after the core operation
// ran. Only a full entity yields a post-image; a bare reference carries no
// attribute payload to snapshot.
func (r *ImageResolver) ResolvePostImage(target xrm.Target) *xrm.Entity {
	switch target.Kind() {
	case xrm.TargetEntity:
		return target.Entity().Clone()
	case xrm.TargetReference, xrm.TargetNone:
		return nil
	default:
		panic(fmt.Sprintf("pipeline: unhandled target kind %v", target.Kind()))
	}
}
