package pipeline

import (
	"fmt"

	"github.com/MrWong99/sesli/internal/command"
)

// TranscriptionError means no provider could turn the request audio into
// text. No command was looked up.
type TranscriptionError struct {
	Err error
}

func (e *TranscriptionError) Error() string {
	return fmt.Sprintf("pipeline: transcription: %v", e.Err)
}

func (e *TranscriptionError) Unwrap() error { return e.Err }

// RegistryError means the candidate commands of the tenant could not be
// loaded after a successful transcription.
type RegistryError struct {
	Err error
}

func (e *RegistryError) Error() string {
	return fmt.Sprintf("pipeline: registry: %v", e.Err)
}

func (e *RegistryError) Unwrap() error { return e.Err }

// ExecutionError means a command matched but its handler failed. Command is
// the matched command so callers can tell the user what was understood.
type ExecutionError struct {
	Command *command.Command
	Err     error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("pipeline: execute %s (%s): %v", e.Command.ID, e.Command.ActionType, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }
