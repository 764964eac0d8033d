package pipeline

import (
	"fmt"
	"strings"
)

// Stage is a point in the request lifecycle at which steps run.
// Values match the platform's stage numbers so they order naturally:
// Prevalidation < Preoperation < Postoperation.
type Stage int

const (
	StagePrevalidation Stage = 10
	StagePreoperation  Stage = 20
	StagePostoperation Stage = 40
)

// Stages lists every registrable stage in execution order.
var Stages = []Stage{StagePrevalidation, StagePreoperation, StagePostoperation}

// String returns the stage name.
func (s Stage) String() string {
	switch s {
	case StagePrevalidation:
		return "Prevalidation"
	case StagePreoperation:
		return "Preoperation"
	case StagePostoperation:
		return "Postoperation"
	default:
		return fmt.Sprintf("Stage(%d)", int(s))
	}
}

// Valid reports whether s is a registrable stage.
func (s Stage) Valid() bool {
	switch s {
	case StagePrevalidation, StagePreoperation, StagePostoperation:
		return true
	}
	return false
}

// ParseStage parses a stage name case-insensitively.
func ParseStage(name string) (Stage, error) {
	for _, s := range Stages {
		if strings.EqualFold(s.String(), name) {
			return s, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s Stage) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Stage) UnmarshalText(text []byte) error {
	parsed, err := ParseStage(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Mode selects synchronous or asynchronous execution timing.
type Mode int

const (
	ModeSynchronous  Mode = 0
	ModeAsynchronous Mode = 1
)

// String returns the mode name.
func (m Mode) String() string {
	switch m {
	case ModeSynchronous:
		return "Synchronous"
	case ModeAsynchronous:
		return "Asynchronous"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Valid reports whether m is a known mode.
func (m Mode) Valid() bool {
	return m == ModeSynchronous || m == ModeAsynchronous
}

// ParseMode parses a mode name case-insensitively. "sync" and "async" are
// accepted as short forms.
func ParseMode(name string) (Mode, error) {
	switch strings.ToLower(name) {
	case "synchronous", "sync":
		return ModeSynchronous, nil
	case "asynchronous", "async":
		return ModeAsynchronous, nil
	}
	return 0, fmt.Errorf("unknown mode %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Mode) UnmarshalText(text []byte) error {
	parsed, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
