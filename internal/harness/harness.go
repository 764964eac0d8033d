package harness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/middleware"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/rules"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/testplugins"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/testutil"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// Harness executes one scenario against one context.
type Harness struct {
	fc     *middleware.FakedContext
	ids    *testutil.IDGenerator
	clock  *testutil.DeterministicClock
	logger *slog.Logger
}

// RunOption configures a run.
type RunOption func(*runConfig)

type runConfig struct {
	logger  *slog.Logger
	metrics *pipeline.Metrics
}

// WithLogger sets the logger for the context and harness.
// Default: logs are discarded.
func WithLogger(l *slog.Logger) RunOption {
	return func(c *runConfig) {
		c.logger = l
	}
}

// WithMetrics records the scenario's requests and steps into m. One
// Metrics may be shared by concurrent runs.
func WithMetrics(m *pipeline.Metrics) RunOption {
	return func(c *runConfig) {
		c.metrics = m
	}
}

// Run executes a scenario and returns the result.
//
// Each scenario runs in a fresh in-memory store for isolation.
// Deterministic helpers ensure reproducible results.
//
// Execution flow:
// 1. Build a FakedContext with the scenario's options
// 2. Seed setup records
// 3. Register steps
// 4. Execute flow requests with expect validation
// 5. Collect the audit and evaluate assertions
//
// The returned error is for scenarios that cannot run at all; failed
// expectations are reported in Result.Errors.
func Run(ctx context.Context, scenario *Scenario, opts ...RunOption) (*Result, error) {
	cfg := runConfig{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&cfg)
	}

	h := &Harness{
		ids:    testutil.NewIDGenerator(),
		clock:  testutil.NewDeterministicClock(),
		logger: cfg.logger,
	}

	builder := middleware.New().
		AddCrud().
		AddLogger(cfg.logger).
		AddIDGenerator(h.ids.Next).
		AddSequencer(h.clock).
		AddMetrics(cfg.metrics).
		AddFakeMessageExecutors()
	if dir := scenario.RulesDir(); dir != "" {
		r, err := rules.LoadDir(dir)
		if err != nil {
			return nil, fmt.Errorf("load rules: %w", err)
		}
		builder = builder.AddRegistrationRules(r)
	}
	fc, err := builder.
		AddPipelineSimulation(scenario.Options).
		UsePipelineSimulation().
		UseMessages().
		UseCrud().
		Build()
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}
	defer fc.Close()
	h.fc = fc

	result := NewResult()
	if err := h.executeSetup(ctx, scenario.Setup, result); err != nil {
		return nil, fmt.Errorf("failed to execute setup: %w", err)
	}
	if err := h.registerSteps(scenario.Steps, result); err != nil {
		return nil, fmt.Errorf("failed to register steps: %w", err)
	}
	if err := h.executeFlow(ctx, scenario.Flow, result); err != nil {
		return nil, fmt.Errorf("failed to execute flow: %w", err)
	}

	records, err := pipeline.CollectAudit(ctx, fc.AuditLog())
	switch {
	case err == nil:
		result.Audit = records
	case !errors.Is(err, pipeline.ErrStepAuditNotEnabled):
		return nil, fmt.Errorf("collect audit: %w", err)
	}

	actx := &AssertionContext{
		Ctx:          ctx,
		Context:      fc,
		AuditEnabled: auditErr == nil,
		Captured:     result.Captured,
	}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}

	h.logger.Info("scenario completed",
		"scenario", scenario.Name,
		"pass", result.Pass,
		"requests", len(result.Requests),
		"audit_records", len(result.Audit))
	return result, nil
}

// executeSetup seeds records. Setup never runs plugins.
func (h *Harness) executeSetup(ctx context.Context, setup []SetupEntity, result *Result) error {
	for i, spec := range setup {
		e, err := buildEntity(spec.Entity, spec.ID, spec.Attributes, result.Captured)
		if err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if err := h.fc.Initialize(ctx, e); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if spec.Capture != "" {
			result.Captured[spec.Capture] = e.ID
		}
		h.logger.Debug("setup record created", "step", i, "entity", e.ToReference())
	}
	return nil
}

func (h *Harness) registerSteps(steps []StepSpec, result *Result) error {
	for i, spec := range steps {
		reg, err := BuildRegistration(spec)
		if err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}

		_, err = h.fc.RegisterStep(reg)
		switch {
		case spec.ExpectError != "" && err == nil:
			result.AddError(fmt.Sprintf("steps[%d]: expected registration error containing %q, got none", i, spec.ExpectError))
		case spec.ExpectError != "" && !strings.Contains(err.Error(), spec.ExpectError):
			result.AddError(fmt.Sprintf("steps[%d]: expected registration error containing %q, got %q", i, spec.ExpectError, err))
		case spec.ExpectError == "" && err != nil:
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	return nil
}

// executeFlow runs every request and validates its expect clause.
// Request failures are results, not harness errors.
func (h *Harness) executeFlow(ctx context.Context, flow []FlowStep, result *Result) error {
	for i, step := range flow {
		req, err := buildRequest(step, result.Captured)
		if err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}

		outcome := RequestOutcome{Message: req.RequestName(), Entity: step.Entity}
		resp, execErr := h.fc.Execute(ctx, req)
		if execErr != nil {
			outcome.Error = execErr.Error()
		}
		if id := requestID(req, resp); id != uuid.Nil {
			outcome.ID = id.String()
			if step.Capture != "" && execErr == nil {
				result.Captured[step.Capture] = id
			}
		}
		result.Requests = append(result.Requests, outcome)

		h.checkExpect(i, step, resp, execErr, result)

		h.logger.Info("flow step completed",
			"step", i,
			"request", outcome.Message,
			"entity", outcome.Entity,
			"id", outcome.ID,
			"error", outcome.Error)
	}
	return nil
}

func (h *Harness) checkExpect(index int, step FlowStep, resp xrm.Response, execErr error, result *Result) {
	var want string
	if step.Expect != nil {
		want = step.Expect.Error
	}

	switch {
	case want == "" && execErr != nil:
		result.AddError(fmt.Sprintf("flow[%d] %s: unexpected error: %v", index, step.Request, execErr))
		return
	case want != "" && execErr == nil:
		result.AddError(fmt.Sprintf("flow[%d] %s: expected error containing %q, got success", index, step.Request, want))
		return
	case want != "" && !strings.Contains(execErr.Error(), want):
		result.AddError(fmt.Sprintf("flow[%d] %s: expected error containing %q, got %q", index, step.Request, want, execErr))
		return
	}

	if step.Expect == nil || len(step.Expect.Attributes) == 0 || execErr != nil {
		return
	}
	retrieved, ok := resp.(xrm.RetrieveResponse)
	if !ok {
		result.AddError(fmt.Sprintf("flow[%d] %s: attribute expectations need a Retrieve response, got %T", index, step.Request, resp))
		return
	}
	expected := resolveCaptures(step.Expect.Attributes, result.Captured).(map[string]any)
	if msg := matchAttributes(retrieved.Entity, expected); msg != "" {
		result.AddError(fmt.Sprintf("flow[%d] %s: %s", index, step.Request, msg))
	}
}

// BuildRegistration resolves a step spec against the testplugins catalog.
func BuildRegistration(spec StepSpec) (pipeline.StepRegistration, error) {
	plugin, ok := testplugins.Lookup(spec.Plugin)
	if !ok {
		return pipeline.StepRegistration{}, fmt.Errorf("unknown plugin %q", spec.Plugin)
	}
	stage, err := pipeline.ParseStage(spec.Stage)
	if err != nil {
		return pipeline.StepRegistration{}, err
	}
	mode := pipeline.ModeSynchronous
	if spec.Mode != "" {
		if mode, err = pipeline.ParseMode(spec.Mode); err != nil {
			return pipeline.StepRegistration{}, err
		}
	}

	reg := pipeline.StepRegistration{
		MessageName:         spec.Message,
		EntityLogicalName:   spec.Entity,
		Stage:               stage,
		Mode:                mode,
		Rank:                spec.Rank,
		Plugin:              plugin,
		FilteringAttributes: spec.FilteringAttributes,
	}
	for _, img := range spec.Images {
		var t pipeline.ImageType
		if err := t.UnmarshalText([]byte(img.Type)); err != nil {
			return pipeline.StepRegistration{}, err
		}
		reg.Images = append(reg.Images, pipeline.ImageRegistration{
			Name:       img.Name,
			Type:       t,
			Attributes: img.Attributes,
		})
	}
	return reg, nil
}

// BuildRequest turns a flow step into a request. Capture references are
// not available outside a scenario run.
func BuildRequest(step FlowStep) (xrm.Request, error) {
	return buildRequest(step, nil)
}

func buildRequest(step FlowStep, captured map[string]uuid.UUID) (xrm.Request, error) {
	switch {
	case strings.EqualFold(step.Request, xrm.MessageCreate):
		e, err := buildEntity(step.Entity, step.ID, step.Attributes, captured)
		if err != nil {
			return nil, err
		}
		return &xrm.CreateRequest{Target: e}, nil

	case strings.EqualFold(step.Request, xrm.MessageUpdate):
		e, err := buildEntity(step.Entity, step.ID, step.Attributes, captured)
		if err != nil {
			return nil, err
		}
		return &xrm.UpdateRequest{Target: e}, nil

	case strings.EqualFold(step.Request, xrm.MessageDelete):
		ref, err := buildReference(step.Entity, step.ID, captured)
		if err != nil {
			return nil, err
		}
		return &xrm.DeleteRequest{Target: ref}, nil

	case strings.EqualFold(step.Request, xrm.MessageRetrieve):
		ref, err := buildReference(step.Entity, step.ID, captured)
		if err != nil {
			return nil, err
		}
		return &xrm.RetrieveRequest{Target: ref, Columns: step.Columns}, nil
	}

	req := &xrm.OrganizationRequest{Name: step.Request, Parameters: map[string]any{}}
	if step.Entity != "" && step.ID != "" {
		ref, err := buildReference(step.Entity, step.ID, captured)
		if err != nil {
			return nil, err
		}
		req.Parameters["Target"] = ref
	}
	for k, v := range step.Parameters {
		req.Parameters[k] = toParameter(resolveCaptures(v, captured))
	}
	return req, nil
}

func buildEntity(logicalName, id string, attrs map[string]any, captured map[string]uuid.UUID) (*xrm.Entity, error) {
	if logicalName == "" {
		return nil, errors.New("entity is required")
	}
	e := xrm.NewEntity(logicalName)
	if id != "" {
		parsed, err := resolveID(id, captured)
		if err != nil {
			return nil, err
		}
		e.ID = parsed
	}
	if len(attrs) > 0 {
		converted, err := xrm.AttributesFromMap(resolveCaptures(attrs, captured).(map[string]any))
		if err != nil {
			return nil, err
		}
		e.Attributes = converted
	}
	return e, nil
}

func buildReference(logicalName, id string, captured map[string]uuid.UUID) (xrm.EntityReference, error) {
	if logicalName == "" || id == "" {
		return xrm.EntityReference{}, errors.New("entity and id are required")
	}
	parsed, err := resolveID(id, captured)
	if err != nil {
		return xrm.EntityReference{}, err
	}
	return xrm.EntityReference{LogicalName: logicalName, ID: parsed}, nil
}

func resolveID(id string, captured map[string]uuid.UUID) (uuid.UUID, error) {
	if name, ok := strings.CutPrefix(id, "$"); ok {
		v, found := captured[name]
		if !found {
			return uuid.Nil, fmt.Errorf("no id captured as %q", name)
		}
		return v, nil
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("id %q: %w", id, err)
	}
	return parsed, nil
}

// resolveCaptures replaces "$name" strings with captured ids, recursively.
// Unknown names are left as they are.
func resolveCaptures(v any, captured map[string]uuid.UUID) any {
	switch val := v.(type) {
	case string:
		if name, ok := strings.CutPrefix(val, "$"); ok {
			if id, found := captured[name]; found {
				return id.String()
			}
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, inner := range val {
			out[k] = resolveCaptures(inner, captured)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, inner := range val {
			out[i] = resolveCaptures(inner, captured)
		}
		return out
	default:
		return val
	}
}

// toParameter turns {entity, id} maps into entity references.
func toParameter(v any) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 2 {
		return v
	}
	name, nameOK := m["entity"].(string)
	idStr, idOK := m["id"].(string)
	if !nameOK || !idOK {
		return v
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return v
	}
	return xrm.EntityReference{LogicalName: name, ID: id}
}

// requestID returns the id a request created or targeted.
func requestID(req xrm.Request, resp xrm.Response) uuid.UUID {
	if created, ok := resp.(xrm.CreateResponse); ok {
		return created.ID
	}
	if ref, ok := pipeline.DefaultTargetResolver{}.GetTarget(req).Identity(); ok {
		return ref.ID
	}
	return uuid.Nil
}
