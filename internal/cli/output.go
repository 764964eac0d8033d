package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Exit codes for CLI commands.
const (
	ExitSuccess      = 0 // Successful execution
	ExitFailure      = 1 // Scenario failure, invalid rules, failed request
	ExitCommandError = 2 // Command error (bad paths, unreadable config, missing database)
)

// Error codes reported in JSON output.
const (
	ErrCodeGeneric      = "E001" // Generic/unknown error
	ErrCodeNotFound     = "E002" // Path not found
	ErrCodeNoFiles      = "E003" // No rule or scenario files found
	ErrCodeInvalidRules = "E004" // Rules failed to compile
	ErrCodeConfig       = "E005" // Configuration could not be loaded
	ErrCodeStore        = "E006" // Database could not be opened or read
	ErrCodeRequest      = "E007" // Request failed
)

// ExitError carries the process exit code for a failed command.
type ExitError struct {
	Code    int    // Exit code (use ExitFailure or ExitCommandError)
	Message string // Error message
	Err     error  // Underlying error (optional)
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// NewExitError creates a new ExitError with the given code and message.
func NewExitError(code int, message string) *ExitError {
	return &ExitError{Code: code, Message: message}
}

// WrapExitError wraps an existing error with an exit code.
func WrapExitError(code int, message string, err error) *ExitError {
	return &ExitError{Code: code, Message: message, Err: err}
}

// GetExitCode extracts the exit code from an error.
// Returns ExitFailure (1) if the error is not an ExitError.
func GetExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailure
}

// OutputFormatter handles JSON vs text output for CLI commands.
type OutputFormatter struct {
	Format    string
	Writer    io.Writer
	ErrWriter io.Writer // Verbose/diagnostic output (defaults to Writer)
	Verbose   bool
}

// CLIResponse is the JSON envelope of every command.
type CLIResponse struct {
	Status string    `json:"status"`          // "ok" or "error"
	Data   any       `json:"data,omitempty"`  // success payload
	Error  *CLIError `json:"error,omitempty"` // error details
}

// CLIError is the error structure for CLI responses.
type CLIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// JSON reports whether output is machine-readable.
func (f *OutputFormatter) JSON() bool {
	return f.Format == "json"
}

// Success writes data in the configured format. Text output prints
// data with fmt.
func (f *OutputFormatter) Success(data any) error {
	if f.JSON() {
		return f.encode(CLIResponse{Status: "ok", Data: data})
	}
	fmt.Fprintln(f.Writer, data)
	return nil
}

// Error writes an error in the configured format.
func (f *OutputFormatter) Error(code, message string, details any) error {
	if f.JSON() {
		return f.encode(CLIResponse{
			Status: "error",
			Error:  &CLIError{Code: code, Message: message, Details: details},
		})
	}

	fmt.Fprintf(f.Writer, "Error [%s]: %s\n", code, message)
	if f.Verbose && details != nil {
		fmt.Fprintf(f.Writer, "Details: %v\n", details)
	}
	return nil
}

// Fail writes the error and returns an ExitError with exitCode, so a
// command can end with `return f.Fail(...)`.
func (f *OutputFormatter) Fail(exitCode int, code, message string, err error) error {
	if outErr := f.Error(code, message, errDetails(err)); outErr != nil {
		return outErr
	}
	return WrapExitError(exitCode, message, err)
}

// VerboseLog writes a diagnostic line when verbose mode is enabled.
// It goes to ErrWriter so JSON output stays parseable.
func (f *OutputFormatter) VerboseLog(format string, args ...any) {
	if !f.Verbose {
		return
	}
	fmt.Fprintf(f.GetErrWriter(), format+"\n", args...)
}

// GetErrWriter returns ErrWriter if set, otherwise Writer.
func (f *OutputFormatter) GetErrWriter() io.Writer {
	if f.ErrWriter != nil {
		return f.ErrWriter
	}
	return f.Writer
}

func (f *OutputFormatter) encode(resp CLIResponse) error {
	enc := json.NewEncoder(f.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func errDetails(err error) any {
	if err == nil {
		return nil
	}
	return err.Error()
}

// formatArgs renders a map with sorted keys for deterministic output.
func formatArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, formatValue(args[k])))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func formatValue(v any) string {
	switch val := v.(type) {
	case map[string]any:
		return formatArgs(val)
	case []any:
		parts := make([]string, len(val))
		for i, elem := range val {
			parts[i] = formatValue(elem)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case nil:
		return "null"
	case string:
		return val
	default:
		return fmt.Sprintf("%v", v)
	}
}
