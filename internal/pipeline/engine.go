package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// Engine wraps a request's core operation with the plugin stages.
//
// For an eligible request the sequence is:
//
//	resolve target
//	pre-image for Preoperation     (before next)
//	pre-image for Postoperation    (before next, computed independently)
//	Prevalidation  / sync          (no images)
//	Preoperation   / sync          (pre-image)
//	next                           (core operation)
//	post-image                     (the mutated in-memory target)
//	Postoperation  / sync          (pre-image, post-image)
//	Postoperation  / async         (same images, run inline)
//
// The engine spawns no goroutines. Options are fixed at construction.
type Engine struct {
	options    Options
	images     *ImageResolver
	dispatcher *Dispatcher
	targets    TargetResolver
	service    OrganizationService
	logger     *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithTargetResolver overrides target resolution.
// Default: DefaultTargetResolver.
func WithTargetResolver(r TargetResolver) EngineOption {
	return func(e *Engine) {
		e.targets = r
	}
}

// WithService sets the organization service exposed to steps for nested
// requests.
func WithService(s OrganizationService) EngineOption {
	return func(e *Engine) {
		e.service = s
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = l
	}
}

// NewEngine creates an engine bound to options.
func NewEngine(options Options, images *ImageResolver, dispatcher *Dispatcher, opts ...EngineOption) *Engine {
	e := &Engine{
		options:    options,
		images:     images,
		dispatcher: dispatcher,
		targets:    DefaultTargetResolver{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Options returns the options the engine was built with.
func (e *Engine) Options() Options {
	return e.options
}

// CanHandle reports whether requests go through the simulated stages.
func (e *Engine) CanHandle(xrm.Request) bool {
	return e.options.UsePipelineSimulation
}

// Execute runs req through the pipeline, calling next exactly once for the
// core operation. When simulation is off, next is called directly with no
// other side effect.
//
// A step failure is returned unchanged and stops the request: a failure
// before next means next never runs, and no Postoperation step runs after
// any failure.
func (e *Engine) Execute(ctx context.Context, req xrm.Request, next Next) (xrm.Response, error) {
	metrics := e.dispatcher.Metrics()
	if !e.CanHandle(req) {
		metrics.RecordRequest(req.RequestName(), false)
		return next(ctx, req)
	}
	metrics.RecordRequest(req.RequestName(), true)

	depth := DepthFrom(ctx) + 1
	if depth > e.options.maxDepth() {
		e.logger.Error("pipeline depth exceeded",
			"message", req.RequestName(),
			"depth", depth,
			"max_depth", e.options.maxDepth())
		return nil, fmt.Errorf("%w: depth %d > %d", ErrMaxDepthExceeded, depth, e.options.maxDepth())
	}
	ctx = WithDepth(ctx, depth)

	message := req.RequestName()
	target := e.targets.GetTarget(req)
	identity := e.images.Identify(target)

	preImagePreOp, err := e.images.PreImage(ctx, req, StagePreoperation, identity)
	if err != nil {
		return nil, err
	}
	preImagePostOp, err := e.images.PreImage(ctx, req, StagePostoperation, identity)
	if err != nil {
		return nil, err
	}

	e.logger.Debug("pipeline executing",
		"message", message,
		"target", target.Kind(),
		"entity", target.LogicalName(),
		"depth", depth)

	in := StageInput{
		MessageName:     message,
		Depth:           depth,
		Request:         req,
		Target:          target,
		SharedVariables: map[string]any{},
		Service:         e.service,
	}

	if err := e.dispatch(ctx, in, StagePrevalidation, ModeSynchronous); err != nil {
		return nil, err
	}

	in.PreImage = preImagePreOp
	if err := e.dispatch(ctx, in, StagePreoperation, ModeSynchronous); err != nil {
		return nil, err
	}

	resp, err := next(ctx, req)
	if err != nil {
		return nil, err
	}

	in.Response = resp
	in.PreImage = preImagePostOp
	in.PostImage = e.images.PostImage(req, StagePostoperation, target)

	if err := e.dispatch(ctx, in, StagePostoperation, ModeSynchronous); err != nil {
		return nil, err
	}
	if err := e.dispatch(ctx, in, StagePostoperation, ModeAsynchronous); err != nil {
		return nil, err
	}
	return resp, nil
}

func (e *Engine) dispatch(ctx context.Context, in StageInput, stage Stage, mode Mode) error {
	in.Stage = stage
	in.Mode = mode
	return e.dispatcher.Dispatch(ctx, in)
}
