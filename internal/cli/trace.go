package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/store"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	DBPath  string
	Message string // only records of this message
	Entity  string // only records for this entity type
	Failed  bool   // only failed steps
}

// TraceResult is the persisted step audit of a database.
type TraceResult struct {
	Database string        `json:"database"`
	Records  []TraceRecord `json:"records"`
	Stats    TraceStats    `json:"stats"`
}

// TraceRecord is one audit record as printed.
type TraceRecord struct {
	Seq        int64  `json:"seq"`
	Message    string `json:"message"`
	Stage      string `json:"stage"`
	Mode       string `json:"mode"`
	PluginType string `json:"plugin_type"`
	StepID     string `json:"step_id"`
	Entity     string `json:"entity"`
	Depth      int    `json:"depth"`
	Failed     bool   `json:"failed"`
}

// TraceStats summarizes the printed records.
type TraceStats struct {
	Total    int `json:"total"`
	Failed   int `json:"failed"`
	MaxDepth int `json:"max_depth"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Print the persisted plugin step audit",
		Long: `Print the plugin step audit stored in a database written with
persist_plugin_step_audit enabled, in sequence order.

Examples:
  xrmsim trace --db ./xrmsim.db
  xrmsim trace --db ./xrmsim.db --message Create --failed
  xrmsim trace --db ./xrmsim.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DBPath, "db", "", "database path (default store.path from config)")
	cmd.Flags().StringVar(&opts.Message, "message", "", "filter by message name")
	cmd.Flags().StringVar(&opts.Entity, "entity", "", "filter by entity logical name")
	cmd.Flags().BoolVar(&opts.Failed, "failed", false, "only failed steps")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)

	cfg, logger, err := opts.loadConfig(cmd)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeConfig, "load config", err)
	}
	dbPath := opts.DBPath
	if dbPath == "" {
		dbPath = cfg.Store.Path
	}
	if dbPath == "" || dbPath == store.MemoryPath {
		return f.Fail(ExitCommandError, ErrCodeStore, "a database path is required (--db or store.path)", nil)
	}
	// Opening a missing path would create an empty database.
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return f.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", dbPath), err)
	}

	st, err := store.Open(dbPath)
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "open database", err)
	}
	defer st.Close()

	seq, err := st.AuditLog().Query(cmd.Context())
	if err != nil {
		return f.Fail(ExitCommandError, ErrCodeStore, "read audit", err)
	}

	result := TraceResult{Database: dbPath, Records: []TraceRecord{}}
	for rec, err := range seq {
		if err != nil {
			return f.Fail(ExitCommandError, ErrCodeStore, "read audit", err)
		}
		if !opts.keep(rec) {
			continue
		}
		result.Records = append(result.Records, toTraceRecord(rec))
		result.Stats.Total++
		if rec.Failed {
			result.Stats.Failed++
		}
		result.Stats.MaxDepth = max(result.Stats.MaxDepth, rec.Depth)
	}
	logger.Debug("audit read", "database", dbPath, "records", result.Stats.Total)

	if f.JSON() {
		return f.Success(result)
	}
	writeTraceText(cmd.OutOrStdout(), result, opts.Verbose)
	return nil
}

func (o *TraceOptions) keep(rec pipeline.AuditRecord) bool {
	if o.Message != "" && !strings.EqualFold(o.Message, rec.MessageName) {
		return false
	}
	if o.Entity != "" && o.Entity != rec.EntityLogicalName {
		return false
	}
	return !o.Failed || rec.Failed
}

func toTraceRecord(rec pipeline.AuditRecord) TraceRecord {
	return TraceRecord{
		Seq:        rec.Seq,
		Message:    rec.MessageName,
		Stage:      rec.Stage.String(),
		Mode:       rec.Mode.String(),
		PluginType: rec.PluginType,
		StepID:     rec.StepID.String(),
		Entity:     rec.EntityLogicalName,
		Depth:      rec.Depth,
		Failed:     rec.Failed,
	}
}

func writeTraceText(w io.Writer, result TraceResult, verbose bool) {
	fmt.Fprintf(w, "Plugin step audit: %s\n", result.Database)
	fmt.Fprintln(w)

	if len(result.Records) == 0 {
		fmt.Fprintln(w, "  (no records)")
	}
	for _, r := range result.Records {
		indent := strings.Repeat("  ", max(r.Depth-1, 0))
		status := ""
		if r.Failed {
			status = " FAILED"
		}
		fmt.Fprintf(w, "  [%d] %s%s %s/%s %s %s%s\n",
			r.Seq, indent, r.Message, r.Stage, r.Mode, r.Entity, r.PluginType, status)
		if verbose {
			fmt.Fprintf(w, "       %sstep %s depth %d\n", indent, r.StepID, r.Depth)
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Total: %d  Failed: %d  Max depth: %d\n",
		result.Stats.Total, result.Stats.Failed, result.Stats.MaxDepth)
}
