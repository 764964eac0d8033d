package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

const tracerName = "github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"

// StageInput is everything one stage dispatch needs.
type StageInput struct {
	MessageName string
	Stage       Stage
	Mode        Mode
	Depth       int

	Request  xrm.Request
	Target   xrm.Target
	Response xrm.Response

	// PreImage and PostImage are nil when not available for this stage.
	PreImage  *xrm.Entity
	PostImage *xrm.Entity

	SharedVariables map[string]any
	Service         OrganizationService
}

// Dispatcher runs the steps registered for one (message, stage, mode).
//
// Steps run one at a time in registry order. The first failing step stops
// the stage and its error is returned unchanged.
type Dispatcher struct {
	registry *Registry
	audit    AuditLog  // nil when auditing is off
	clock    Sequencer // nil when audit allocates seqs
	auditMu  sync.Mutex
	metrics  *Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithAuditLog enables audit records. One record is appended after every
// step invocation.
func WithAuditLog(log AuditLog) DispatcherOption {
	return func(d *Dispatcher) {
		d.audit = log
	}
}

// WithSequencer sets the source of audit sequence numbers. A nil seq
// leaves numbering to the audit log, which must implement SeqAllocator.
func WithSequencer(seq Sequencer) DispatcherOption {
	return func(d *Dispatcher) {
		d.clock = seq
	}
}

// WithMetrics records step metrics.
func WithMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithTracer sets the tracer for stage and step spans.
// Default: the global otel tracer provider.
func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = t
	}
}

// WithDispatchLogger sets the dispatcher logger.
func WithDispatchLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// NewDispatcher creates a dispatcher over registry.
func NewDispatcher(registry *Registry, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		clock:    NewClock(),
		tracer:   otel.Tracer(tracerName),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if _, allocates := d.audit.(SeqAllocator); d.clock == nil && !allocates {
		d.clock = NewClock()
	}
	return d
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Metrics returns the metrics sink, nil when none is configured.
func (d *Dispatcher) Metrics() *Metrics {
	return d.metrics
}

// Dispatch invokes the matching steps for in.Stage and in.Mode.
func (d *Dispatcher) Dispatch(ctx context.Context, in StageInput) error {
	entity := in.Target.LogicalName()
	steps := d.registry.Steps(in.MessageName, in.Stage, in.Mode, entity)
	if len(steps) == 0 {
		return nil
	}

	ctx, span := d.tracer.Start(ctx, "pipeline.stage",
		trace.WithAttributes(
			attribute.String("xrm.message", in.MessageName),
			attribute.String("xrm.stage", in.Stage.String()),
			attribute.String("xrm.mode", in.Mode.String()),
			attribute.String("xrm.entity", entity),
			attribute.Int("xrm.depth", in.Depth),
			attribute.Int("xrm.steps", len(steps)),
		))
	defer span.End()

	d.logger.Debug("dispatching stage",
		"message", in.MessageName,
		"stage", in.Stage,
		"mode", in.Mode,
		"entity", entity,
		"steps", len(steps),
		"depth", in.Depth)

	for _, step := range steps {
		if !filteringMatches(step, in) {
			d.logger.Debug("step skipped by filtering attributes",
				"step_id", step.ID,
				"plugin_type", step.PluginType)
			continue
		}
		if err := d.invoke(ctx, step, in); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}
	return nil
}

func (d *Dispatcher) invoke(ctx context.Context, step StepRegistration, in StageInput) error {
	ctx, span := d.tracer.Start(ctx, "pipeline.step",
		trace.WithAttributes(
			attribute.String("xrm.plugin_type", step.PluginType),
			attribute.String("xrm.step_id", step.ID.String()),
			attribute.Int("xrm.rank", step.Rank),
		))
	defer span.End()

	exec := newExecutionContext(step, in)

	start := time.Now()
	err := step.Plugin.Execute(ctx, exec)
	d.metrics.RecordStep(in.MessageName, in.Stage, in.Mode, time.Since(start), err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.logger.Error("step failed",
			"message", in.MessageName,
			"stage", in.Stage,
			"mode", in.Mode,
			"plugin_type", step.PluginType,
			"step_id", step.ID,
			"error", err)
	}

	if d.audit == nil {
		return err
	}

	rec := AuditRecord{
		MessageName:       in.MessageName,
		Stage:             in.Stage,
		Mode:              in.Mode,
		PluginType:        step.PluginType,
		StepID:            step.ID,
		EntityLogicalName: in.Target.LogicalName(),
		Depth:             in.Depth,
		Failed:            err != nil,
	}
	if auditErr := d.appendAudit(ctx, &rec); auditErr != nil {
		if err != nil {
			// The step failure is what the caller needs to see.
			d.logger.Error("audit append failed after step failure",
				"seq", rec.Seq,
				"error", auditErr)
			return err
		}
		return fmt.Errorf("append audit record: %w", auditErr)
	}
	return err
}

// appendAudit numbers rec and appends it under one lock, so records of a
// shared context reach the log in seq order.
func (d *Dispatcher) appendAudit(ctx context.Context, rec *AuditRecord) error {
	d.auditMu.Lock()
	defer d.auditMu.Unlock()

	if d.clock == nil {
		seq, err := d.audit.(SeqAllocator).AppendNext(ctx, *rec)
		rec.Seq = seq
		return err
	}
	rec.Seq = d.clock.Next()
	return d.audit.Append(ctx, *rec)
}

func newExecutionContext(step StepRegistration, in StageInput) *ExecutionContext {
	exec := &ExecutionContext{
		MessageName:       in.MessageName,
		Stage:             in.Stage,
		Mode:              in.Mode,
		Depth:             in.Depth,
		PrimaryEntityName: in.Target.LogicalName(),
		StepID:            step.ID,
		PluginType:        step.PluginType,
		Request:           in.Request,
		Target:            in.Target,
		Response:          in.Response,
		PreEntityImages:   map[string]*xrm.Entity{},
		PostEntityImages:  map[string]*xrm.Entity{},
		SharedVariables:   in.SharedVariables,
		Service:           in.Service,
		preImage:          in.PreImage.Clone(),
		postImage:         in.PostImage.Clone(),
	}
	if ref, ok := in.Target.Identity(); ok {
		exec.PrimaryEntityID = ref.ID
	}

	for _, img := range step.Images {
		if img.Type.includesPre() && in.PreImage != nil {
			exec.PreEntityImages[img.Name] = in.PreImage.Project(img.Attributes)
		}
		if img.Type.includesPost() && in.PostImage != nil {
			exec.PostEntityImages[img.Name] = in.PostImage.Project(img.Attributes)
		}
	}
	return exec
}

// filteringMatches applies Update filtering attributes: the step fires only
// when the target carries at least one of them.
func filteringMatches(step StepRegistration, in StageInput) bool {
	if len(step.FilteringAttributes) == 0 || !strings.EqualFold(in.MessageName, xrm.MessageUpdate) {
		return true
	}
	target := in.Target.Entity()
	if target == nil {
		return false
	}
	return slices.ContainsFunc(step.FilteringAttributes, target.Contains)
}
