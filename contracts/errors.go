package contracts

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHandlerNotFound is returned when no worker is registered for a command type
	ErrHandlerNotFound = errors.New("command handler not found")

	// ErrHandlerExisted is returned when a command type is registered twice
	ErrHandlerExisted = errors.New("command handler already registered")

	// ErrCloudHandlerNotFound is returned when a command carries no usable
	// handler name or routing key for the cloud bus
	ErrCloudHandlerNotFound = errors.New("cloud command handler not found")

	// ErrValidatorNotFound is returned when a command declares a schema that cannot be resolved
	ErrValidatorNotFound = errors.New("command validator not found")

	// ErrInvalidCommand matches every *InvalidCommandError
	ErrInvalidCommand = errors.New("invalid command")
)

// CommandError describes a failed bus operation on a command
type CommandError struct {
	Op      string // Operation that failed
	Command string // Command name
	Err     error  // Underlying error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Command, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// FieldError is a normalized validation failure on one field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// InvalidCommandError is returned when a command fails validation
type InvalidCommandError struct {
	Command string
	Errors  []FieldError
}

// NewInvalidCommand creates an invalid command error
func NewInvalidCommand(command string, errs []FieldError) *InvalidCommandError {
	return &InvalidCommandError{Command: command, Errors: errs}
}

func (e *InvalidCommandError) Error() string {
	if len(e.Errors) == 0 {
		return fmt.Sprintf("invalid command %s", e.Command)
	}
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return fmt.Sprintf("invalid command %s: %s", e.Command, strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrInvalidCommand) match
func (e *InvalidCommandError) Is(target error) bool {
	return target == ErrInvalidCommand
}
