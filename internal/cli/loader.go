package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue/token"

	"github.com/synesthesia/fake-xrm-easy-plugins/internal/pipeline"
	"github.com/synesthesia/fake-xrm-easy-plugins/internal/rules"
)

// RulesLoad is the outcome of loading registration rules.
type RulesLoad struct {
	Rules pipeline.RegistrationRules
	Dir   string   // empty for the built-in rules
	Files []string // CUE files that were compiled
}

// LoadError represents an error that occurred while loading rules.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
	Err     error
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

// LoadRules compiles the CUE rules in dir. An empty dir selects the
// built-in rules.
func LoadRules(dir string) (*RulesLoad, error) {
	if dir == "" {
		r, err := rules.Default()
		if err != nil {
			return nil, &LoadError{Code: ErrCodeInvalidRules, Message: "built-in rules", Err: err}
		}
		return &RulesLoad{Rules: r}, nil
	}

	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("rules directory not found: %s", dir), Err: err}
	}
	if err != nil {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing rules directory: %v", err), Err: err}
	}
	if !info.IsDir() {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}
	}

	files, err := rules.FindCUEFiles(dir)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("error scanning directory: %v", err), Err: err}
	}
	if len(files) == 0 {
		return nil, &LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}
	}

	r, err := rules.LoadDir(dir)
	if err != nil {
		le := &LoadError{Code: ErrCodeInvalidRules, Message: err.Error(), Err: err}
		var ce *rules.CompileError
		if errors.As(err, &ce) {
			le.Message = fmt.Sprintf("%s: %s", ce.Field, ce.Message)
			le.Pos = ce.Pos
		}
		return nil, le
	}
	return &RulesLoad{Rules: r, Dir: dir, Files: files}, nil
}
