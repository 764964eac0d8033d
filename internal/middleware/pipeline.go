package middleware

import (
	"context"
	"fmt"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/rules"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// AddPipelineSimulation installs the pipeline options. With no argument
// pipeline.DefaultOptions is used. Only the first options value is read.
//
// The step audit is created only when UsePluginStepAudit is set, and the
// registration validator only when UsePluginStepRegistrationValidation is.
func (b *Builder) AddPipelineSimulation(opts ...pipeline.Options) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.options = pipeline.DefaultOptions()
		if len(opts) > 0 {
			fc.options = opts[0]
		}
		fc.pipelineAdded = true
		return nil
	})
}

// AddRegistrationRules replaces the built-in rules used by registration
// validation.
func (b *Builder) AddRegistrationRules(r pipeline.RegistrationRules) *Builder {
	return b.Add(func(fc *FakedContext) error {
		fc.rules = &r
		return nil
	})
}

// UsePipelineSimulation runs plugin stages around the rest of the
// pipeline. Requests pass straight through when AddPipelineSimulation was
// not called or simulation is off.
func (b *Builder) UsePipelineSimulation() *Builder {
	return b.Use(func(next RequestDelegate) RequestDelegate {
		return func(ctx context.Context, fc *FakedContext, req xrm.Request) (xrm.Response, error) {
			if fc.engine == nil {
				return next(ctx, fc, req)
			}
			return fc.engine.Execute(ctx, req, func(ctx context.Context, req xrm.Request) (xrm.Response, error) {
				return next(ctx, fc, req)
			})
		}
	})
}

// wirePipeline builds the registry, and when AddPipelineSimulation was
// called, the audit, dispatcher and engine. The audit is a
// pipeline.DisabledAuditLog unless UsePluginStepAudit is set.
func (fc *FakedContext) wirePipeline() error {
	if fc.pipelineAdded && fc.options.UsePluginStepRegistrationValidation {
		r := fc.rules
		if r == nil {
			def, err := rules.Default()
			if err != nil {
				return fmt.Errorf("registration rules: %w", err)
			}
			r = &def
		}
		fc.validator = pipeline.NewRegistrationValidator(*r, pipeline.DefaultImagePolicy())
	}

	fc.registry = pipeline.NewRegistry(fc.validator)
	fc.registry.SetIDGenerator(fc.newID)
	fc.audit = pipeline.DisabledAuditLog{}

	if !fc.pipelineAdded {
		return nil
	}

	dispatchOpts := []pipeline.DispatcherOption{pipeline.WithDispatchLogger(fc.logger)}

	if fc.options.UsePluginStepAudit {
		if fc.options.PersistPluginStepAudit {
			if fc.store == nil {
				return fmt.Errorf("persist plugin step audit: %w", ErrNoStore)
			}
			// Without a custom sequencer the database numbers the
			// records, so contexts sharing it never reuse a seq.
			fc.audit = fc.store.AuditLog()
		} else {
			fc.audit = pipeline.NewMemoryAuditLog()
		}
		dispatchOpts = append(dispatchOpts, pipeline.WithAuditLog(fc.audit))
	}

	if fc.clock == nil && !fc.options.PersistPluginStepAudit {
		fc.clock = pipeline.NewClock()
	}
	dispatchOpts = append(dispatchOpts, pipeline.WithSequencer(fc.clock))
	if fc.metrics != nil {
		dispatchOpts = append(dispatchOpts, pipeline.WithMetrics(fc.metrics))
	}
	if fc.tracer != nil {
		dispatchOpts = append(dispatchOpts, pipeline.WithTracer(fc.tracer))
	}

	dispatcher := pipeline.NewDispatcher(fc.registry, dispatchOpts...)
	images := pipeline.NewImageResolver(fc, pipeline.DefaultImagePolicy())
	fc.engine = pipeline.NewEngine(fc.options, images, dispatcher,
		pipeline.WithService(fc),
		pipeline.WithLogger(fc.logger))

	fc.logger.Info("pipeline simulation configured",
		"simulation", fc.options.UsePipelineSimulation,
		"audit", fc.options.UsePluginStepAudit,
		"persist_audit", fc.options.PersistPluginStepAudit,
		"validation", fc.options.UsePluginStepRegistrationValidation)
	return nil
}
