package rules

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"cuelang.org/go/cue/token"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
)

//go:embed schema.cue
var schemaCUE string

//go:embed default.cue
var defaultCUE string

// messageSpec mirrors #Message in schema.cue.
type messageSpec struct {
	Entities            []string `json:"entities"`
	Stages              []string `json:"stages"`
	AsyncStages         []string `json:"async_stages"`
	FilteringAttributes bool     `json:"filtering_attributes"`
	UniqueRank          bool     `json:"unique_rank"`
}

// Compile converts a CUE value into registration rules.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The value is unified with the rule schema first, so defaults apply and
// unknown stage names are rejected with a source position:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`message: Create: stages: ["Preoperation"]`)
//	rules, err := Compile(v)
func Compile(v cue.Value) (pipeline.RegistrationRules, error) {
	if err := v.Err(); err != nil {
		return pipeline.RegistrationRules{}, formatCUEError(err)
	}

	schema := v.Context().CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return pipeline.RegistrationRules{}, fmt.Errorf("rules schema: %w", err)
	}

	unified := schema.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return pipeline.RegistrationRules{}, formatCUEError(err)
	}

	rules := pipeline.RegistrationRules{Messages: map[string]pipeline.MessageRule{}}

	allowVal := unified.LookupPath(cue.ParsePath("allow_unknown_messages"))
	allow, err := allowVal.Bool()
	if err != nil {
		return pipeline.RegistrationRules{}, formatCUEError(err)
	}
	rules.AllowUnknownMessages = allow

	messagesVal := unified.LookupPath(cue.ParsePath("message"))
	if !messagesVal.Exists() {
		return rules, nil
	}

	iter, err := messagesVal.Fields()
	if err != nil {
		return pipeline.RegistrationRules{}, formatCUEError(err)
	}
	for iter.Next() {
		name := iter.Selector().Unquoted()
		rule, err := compileMessage(name, iter.Value())
		if err != nil {
			return pipeline.RegistrationRules{}, err
		}
		rules.Messages[name] = rule
	}

	return rules, nil
}

func compileMessage(name string, v cue.Value) (pipeline.MessageRule, error) {
	var spec messageSpec
	if err := v.Decode(&spec); err != nil {
		return pipeline.MessageRule{}, formatCUEError(err)
	}

	rule := pipeline.MessageRule{
		Name:                name,
		Entities:            spec.Entities,
		FilteringAttributes: spec.FilteringAttributes,
		UniqueRank:          spec.UniqueRank,
	}

	var err error
	if rule.Stages, err = parseStages(spec.Stages, v, "message."+name+".stages"); err != nil {
		return pipeline.MessageRule{}, err
	}
	if rule.AsyncStages, err = parseStages(spec.AsyncStages, v, "message."+name+".async_stages"); err != nil {
		return pipeline.MessageRule{}, err
	}
	if len(rule.Stages) == 0 && len(rule.AsyncStages) == 0 {
		return pipeline.MessageRule{}, &CompileError{
			Field:   "message." + name,
			Message: "at least one stage is required",
			Pos:     v.Pos(),
		}
	}
	return rule, nil
}

func parseStages(names []string, v cue.Value, field string) ([]pipeline.Stage, error) {
	stages := make([]pipeline.Stage, 0, len(names))
	for _, n := range names {
		s, err := pipeline.ParseStage(n)
		if err != nil {
			return nil, &CompileError{Field: field, Message: err.Error(), Pos: v.Pos()}
		}
		stages = append(stages, s)
	}
	return stages, nil
}

// CompileString compiles rules from CUE source.
func CompileString(src, filename string) (pipeline.RegistrationRules, error) {
	v := cuecontext.New().CompileString(src, cue.Filename(filename))
	return Compile(v)
}

var defaultRules = sync.OnceValues(func() (pipeline.RegistrationRules, error) {
	return CompileString(defaultCUE, "default.cue")
})

// Default returns the built-in platform rules.
func Default() (pipeline.RegistrationRules, error) {
	return defaultRules()
}

// LoadDir loads every .cue file in dir as one instance and compiles it.
func LoadDir(dir string) (pipeline.RegistrationRules, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return pipeline.RegistrationRules{}, fmt.Errorf("rules directory: %w", err)
	}
	if !info.IsDir() {
		return pipeline.RegistrationRules{}, fmt.Errorf("rules directory: not a directory: %s", dir)
	}

	files, err := FindCUEFiles(dir)
	if err != nil {
		return pipeline.RegistrationRules{}, fmt.Errorf("scan rules directory: %w", err)
	}
	if len(files) == 0 {
		return pipeline.RegistrationRules{}, fmt.Errorf("no CUE files found in %s", dir)
	}

	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return pipeline.RegistrationRules{}, fmt.Errorf("no CUE instances loaded from %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return pipeline.RegistrationRules{}, fmt.Errorf("loading CUE files: %w", inst.Err)
	}

	value := cuecontext.New().BuildInstance(inst)
	return Compile(value)
}

// FindCUEFiles returns the .cue files directly inside dir, sorted.
func FindCUEFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".cue" {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	ce := &CompileError{Field: "cue", Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		ce.Pos = positions[0]
	}
	return ce
}
