package middleware

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/store"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

var (
	_ pipeline.OrganizationService = (*FakedContext)(nil)
	_ pipeline.EntityLookup        = (*FakedContext)(nil)
)

// FakedContext is an in-process organization service. Build one with
// New().…Build().
//
// Requests run one at a time per call chain; nested requests issued by
// plugins re-enter Execute one level deeper.
type FakedContext struct {
	store     *store.Store
	ownsStore bool

	options       pipeline.Options
	pipelineAdded bool
	rules         *pipeline.RegistrationRules

	registry  *pipeline.Registry
	validator *pipeline.RegistrationValidator
	audit     pipeline.AuditLog
	clock     pipeline.Sequencer
	engine    *pipeline.Engine

	metrics *pipeline.Metrics
	tracer  trace.Tracer
	logger  *slog.Logger
	newID   func() uuid.UUID

	executors map[string]MessageExecutor
	callerID  uuid.UUID
	handler   RequestDelegate
}

func (fc *FakedContext) setStore(s *store.Store, owned bool) {
	if fc.store != nil && fc.ownsStore {
		fc.store.Close()
	}
	fc.store = s
	fc.ownsStore = owned
}

// Execute runs req through the middleware.
func (fc *FakedContext) Execute(ctx context.Context, req xrm.Request) (xrm.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: nil request", ErrInvalidRequest)
	}
	return fc.handler(ctx, fc, req)
}

// Create is shorthand for executing a CreateRequest.
func (fc *FakedContext) Create(ctx context.Context, e *xrm.Entity) (uuid.UUID, error) {
	resp, err := fc.Execute(ctx, &xrm.CreateRequest{Target: e})
	if err != nil {
		return uuid.Nil, err
	}
	created, ok := resp.(xrm.CreateResponse)
	if !ok {
		return uuid.Nil, fmt.Errorf("create: unexpected response %T", resp)
	}
	return created.ID, nil
}

// Update is shorthand for executing an UpdateRequest.
func (fc *FakedContext) Update(ctx context.Context, e *xrm.Entity) error {
	_, err := fc.Execute(ctx, &xrm.UpdateRequest{Target: e})
	return err
}

// Delete is shorthand for executing a DeleteRequest.
func (fc *FakedContext) Delete(ctx context.Context, ref xrm.EntityReference) error {
	_, err := fc.Execute(ctx, &xrm.DeleteRequest{Target: ref})
	return err
}

// RegisterStep adds a plugin step. With registration validation on, an
// illegal step is rejected with a *pipeline.RegistrationError.
func (fc *FakedContext) RegisterStep(reg pipeline.StepRegistration) (pipeline.StepRegistration, error) {
	stored, err := fc.registry.Register(reg)
	if err != nil {
		return pipeline.StepRegistration{}, err
	}
	fc.logger.Debug("step registered",
		"step_id", stored.ID,
		"message", stored.MessageName,
		"stage", stored.Stage,
		"mode", stored.Mode,
		"plugin_type", stored.PluginType)
	return stored, nil
}

// RegisterPluginStep registers p synchronously for message and stage on
// every entity type.
func (fc *FakedContext) RegisterPluginStep(message string, stage pipeline.Stage, p pipeline.Plugin) (pipeline.StepRegistration, error) {
	return fc.RegisterStep(pipeline.StepRegistration{
		MessageName: message,
		Stage:       stage,
		Mode:        pipeline.ModeSynchronous,
		Plugin:      p,
	})
}

// UnregisterStep removes a step by id.
func (fc *FakedContext) UnregisterStep(id uuid.UUID) bool {
	return fc.registry.Unregister(id)
}

// Steps returns every registered step in registration order.
func (fc *FakedContext) Steps() []pipeline.StepRegistration {
	return fc.registry.All()
}

// PluginStepAudit returns the audit log. Fails with
// pipeline.ErrStepAuditNotEnabled when UsePluginStepAudit is off, which is
// distinct from an empty audit.
func (fc *FakedContext) PluginStepAudit() (pipeline.AuditLog, error) {
	if _, off := fc.audit.(pipeline.DisabledAuditLog); off || fc.audit == nil {
		return nil, pipeline.ErrStepAuditNotEnabled
	}
	return fc.audit, nil
}

// AuditLog returns the audit log, a pipeline.DisabledAuditLog whose Query
// fails when UsePluginStepAudit is off.
func (fc *FakedContext) AuditLog() pipeline.AuditLog {
	if fc.audit == nil {
		return pipeline.DisabledAuditLog{}
	}
	return fc.audit
}

// RegistrationValidator returns the validator. Fails with
// pipeline.ErrRegistrationValidationNotEnabled when validation is off.
func (fc *FakedContext) RegistrationValidator() (*pipeline.RegistrationValidator, error) {
	if fc.validator == nil {
		return nil, pipeline.ErrRegistrationValidationNotEnabled
	}
	return fc.validator, nil
}

// PipelineOptions returns the installed options. ok is false when
// AddPipelineSimulation was never called.
func (fc *FakedContext) PipelineOptions() (opts pipeline.Options, ok bool) {
	return fc.options, fc.pipelineAdded
}

// Clock returns the audit sequencer. It is nil without pipeline simulation
// and when a persisted audit numbers its own records.
func (fc *FakedContext) Clock() pipeline.Sequencer {
	return fc.clock
}

// Store returns the backing entity store, nil without AddCrud.
func (fc *FakedContext) Store() *store.Store {
	return fc.store
}

// GetEntityByID returns the stored snapshot of a record.
func (fc *FakedContext) GetEntityByID(ctx context.Context, logicalName string, id uuid.UUID) (*xrm.Entity, error) {
	if fc.store == nil {
		return nil, ErrNoStore
	}
	return fc.store.GetEntityByID(ctx, logicalName, id)
}

// Initialize seeds records directly into the store. No plugin runs.
// Records without an id get one.
func (fc *FakedContext) Initialize(ctx context.Context, entities ...*xrm.Entity) error {
	if fc.store == nil {
		return ErrNoStore
	}
	for _, e := range entities {
		if e.ID == uuid.Nil {
			e.ID = fc.newID()
		}
		if err := fc.store.CreateEntity(ctx, e); err != nil {
			return fmt.Errorf("initialize: %w", err)
		}
	}
	fc.logger.Debug("context initialized", "entities", len(entities))
	return nil
}

// SetCallerID sets the user id reported by WhoAmI.
func (fc *FakedContext) SetCallerID(id uuid.UUID) {
	fc.callerID = id
}

// CallerID returns the user id reported by WhoAmI.
func (fc *FakedContext) CallerID() uuid.UUID {
	return fc.callerID
}

// Close releases the store when the context opened it.
func (fc *FakedContext) Close() error {
	if fc.store != nil && fc.ownsStore {
		err := fc.store.Close()
		fc.store = nil
		return err
	}
	return nil
}
