package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/harness"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/middleware"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/store"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/xrm"
)

// ExecOptions holds flags for the exec command.
type ExecOptions struct {
	*RootOptions
	DBPath  string
	Message string
	Entity  string
	ID      string
	Attrs   string   // YAML or JSON object of attributes
	Params  string   // YAML or JSON object of generic request parameters
	Columns []string // Retrieve columns
	Steps   []string // Stage[/Mode]=Plugin
	Metrics string   // Prometheus text file written after the request
}

// ExecResult is what one executed request produced.
type ExecResult struct {
	Message    string         `json:"message"`
	Entity     string         `json:"entity,omitempty"`
	ID         string         `json:"id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
	Results    map[string]any `json:"results,omitempty"`
	Audit      []TraceRecord  `json:"audit,omitempty"`
}

// NewExecCommand creates the exec command.
func NewExecCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ExecOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "exec",
		Short: "Execute one request through the pipeline",
		Long: `Execute a single request against a database, running the plugin steps
given with --step. Pipeline options come from the configuration.

Steps are written Stage[/Mode]=Plugin and register for --message and
--entity. Plugins are looked up in the built-in sample catalog.

Examples:
  xrmsim exec --db ./xrmsim.db --message Create --entity account \
    --attrs '{name: Acme}' --step Preoperation=AccountNumberPlugin
  xrmsim exec --db ./xrmsim.db --message Retrieve --entity account --id <id>
  xrmsim exec --message WhoAmI
  xrmsim exec --message Create --entity account --metrics ./xrmsim.prom`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExec(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "database path (default store.path from config)")
	cmd.Flags().StringVarP(&opts.Message, "message", "m", "", "request message (Create, Update, Delete, Retrieve, or a custom message)")
	cmd.Flags().StringVarP(&opts.Entity, "entity", "e", "", "entity logical name")
	cmd.Flags().StringVar(&opts.ID, "id", "", "record id")
	cmd.Flags().StringVar(&opts.Attrs, "attrs", "", "attributes as a YAML or JSON object")
	cmd.Flags().StringVar(&opts.Params, "params", "", "generic request parameters as a YAML or JSON object")
	cmd.Flags().StringSliceVar(&opts.Columns, "columns", nil, "columns to retrieve")
	cmd.Flags().StringArrayVar(&opts.Steps, "step", nil, "register a step: Stage[/Mode]=Plugin (repeatable)")
	cmd.Flags().StringVar(&opts.Metrics, "metrics", "", "write pipeline metrics in Prometheus text format to this file")
	_ = cmd.MarkFlagRequired("message")

	return cmd
}

func runExec(ctx context.Context, opts *ExecOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if ctx == nil {
		ctx = context.Background()
	}

	cfg, logger, err := opts.loadConfig(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}

	flow := harness.FlowStep{
		Request: opts.Message,
		Entity:  opts.Entity,
		ID:      opts.ID,
		Columns: opts.Columns,
	}
	if flow.Attributes, err = parseObject(opts.Attrs); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid --attrs", err)
	}
	if flow.Parameters, err = parseObject(opts.Params); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid --params", err)
	}
	req, err := harness.BuildRequest(flow)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid request", err)
	}

	specs := make([]harness.StepSpec, 0, len(opts.Steps))
	for _, s := range opts.Steps {
		spec, err := parseStepFlag(s, opts.Message, opts.Entity)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid --step", err)
		}
		specs = append(specs, spec)
	}

	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open database", err)
	}
	defer st.Close()

	metrics := newMetricsFile(opts.Metrics)
	builder := middleware.New().
		AddCrudWithStore(st).
		AddLogger(logger).
		AddMetrics(metrics.Metrics()).
		AddFakeMessageExecutors()
	if cfg.Rules.Dir != "" {
		loaded, err := LoadRules(cfg.Rules.Dir)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeInvalidRules, "load rules", err)
		}
		builder = builder.AddRegistrationRules(loaded.Rules)
	}
	fc, err := builder.
		AddPipelineSimulation(cfg.Pipeline).
		UsePipelineSimulation().
		UseMessages().
		UseCrud().
		Build()
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "build context", err)
	}
	defer fc.Close()

	for _, spec := range specs {
		reg, err := harness.BuildRegistration(spec)
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeGeneric, "invalid --step", err)
		}
		if _, err := fc.RegisterStep(reg); err != nil {
			return f.Fail(ExitFailure, ErrCodeGeneric, "step rejected", err)
		}
	}

	// A persisted audit holds earlier runs too; only this request's
	// records are reported.
	var since int64
	if cfg.Pipeline.UsePluginStepAudit && cfg.Pipeline.PersistPluginStepAudit {
		if since, err = st.AuditLog().MaxSeq(ctx); err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "read audit", err)
		}
	}

	resp, execErr := fc.Execute(ctx, req)
	if err := metrics.Write(); err != nil {
		return f.Fail(ExitCommandError, ErrCodeGeneric, "write metrics", err)
	}

	result := ExecResult{Message: opts.Message, Entity: opts.Entity, ID: opts.ID}
	records, err := pipeline.CollectAudit(ctx, fc.AuditLog())
	if err != nil && !errors.Is(err, pipeline.ErrStepAuditNotEnabled) {
		return f.Fail(ExitCommandError, ErrCodeStore, "read audit", err)
	}
	for _, rec := range records {
		if rec.Seq > since {
			result.Audit = append(result.Audit, toTraceRecord(rec))
		}
	}

	if execErr != nil {
		logger.Debug("request failed", "message", opts.Message, "error", execErr)
		var details any
		if len(result.Audit) > 0 {
			details = result.Audit
		}
		if outErr := f.Error(ErrCodeRequest, execErr.Error(), details); outErr != nil {
			return outErr
		}
		return WrapExitError(ExitFailure, "request failed", execErr)
	}

	if err := describeResponse(ctx, fc, req, resp, &result); err != nil {
		return f.Fail(ExitFailure, ErrCodeRequest, "read result", err)
	}

	if f.JSON() {
		return f.Success(result)
	}
	writeExecText(cmd.OutOrStdout(), result)
	return nil
}

// describeResponse fills result from the response. Create and Update
// report the stored record so changes made by steps are visible.
func describeResponse(ctx context.Context, fc *middleware.FakedContext, req xrm.Request, resp xrm.Response, result *ExecResult) error {
	switch r := resp.(type) {
	case xrm.CreateResponse:
		result.ID = r.ID.String()
		return readStored(ctx, fc, result.Entity, r.ID, result)
	case xrm.UpdateResponse:
		if u, ok := req.(*xrm.UpdateRequest); ok {
			return readStored(ctx, fc, u.Target.LogicalName, u.Target.ID, result)
		}
	case xrm.RetrieveResponse:
		if r.Entity != nil {
			result.Attributes = plainAttributes(r.Entity.Attributes)
		}
	case xrm.OrganizationResponse:
		result.Results = r.Results
	}
	return nil
}

func readStored(ctx context.Context, fc *middleware.FakedContext, logicalName string, id uuid.UUID, result *ExecResult) error {
	e, err := fc.GetEntityByID(ctx, logicalName, id)
	if err != nil {
		return err
	}
	result.ID = id.String()
	result.Attributes = plainAttributes(e.Attributes)
	return nil
}

func plainAttributes(attrs xrm.Attributes) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = xrm.Plain(v)
	}
	return out
}

// parseObject decodes a YAML (or JSON) mapping. YAML keeps integers as
// integers, which attribute values require.
func parseObject(s string) (map[string]any, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var m map[string]any
	if err := yaml.Unmarshal([]byte(s), &m); err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("expected an object")
	}
	return m, nil
}

// parseStepFlag reads Stage[/Mode]=Plugin.
func parseStepFlag(s, message, entity string) (harness.StepSpec, error) {
	where, plugin, ok := strings.Cut(s, "=")
	if !ok || where == "" || plugin == "" {
		return harness.StepSpec{}, fmt.Errorf("%q: want Stage[/Mode]=Plugin", s)
	}
	stage, mode, _ := strings.Cut(where, "/")
	return harness.StepSpec{
		Message: message,
		Stage:   stage,
		Mode:    mode,
		Entity:  entity,
		Plugin:  plugin,
	}, nil
}

func writeExecText(w io.Writer, result ExecResult) {
	fmt.Fprintf(w, "✓ %s", result.Message)
	if result.Entity != "" {
		fmt.Fprintf(w, " %s", result.Entity)
	}
	if result.ID != "" {
		fmt.Fprintf(w, "(%s)", result.ID)
	}
	fmt.Fprintln(w)

	if len(result.Attributes) > 0 {
		fmt.Fprintf(w, "  attributes: %s\n", formatArgs(result.Attributes))
	}
	if len(result.Results) > 0 {
		fmt.Fprintf(w, "  results: %s\n", formatArgs(result.Results))
	}
	for _, r := range result.Audit {
		status := ""
		if r.Failed {
			status = " FAILED"
		}
		fmt.Fprintf(w, "  [%d] %s/%s depth=%d %s%s\n", r.Seq, r.Stage, r.Mode, r.Depth, r.PluginType, status)
	}
}
