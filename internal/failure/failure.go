// Package failure defines the error taxonomy shared by the import and export
// pipeline: configuration problems abort an execution, validation problems
// fail a single entry, missing dependencies reschedule, and everything else is
// infrastructure that the job queue retries.
package failure

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for handling decisions.
type Kind string

const (
	KindConfiguration      Kind = "configuration"
	KindValidation         Kind = "validation"
	KindDependencyNotReady Kind = "dependency_not_ready"
	KindInfrastructure     Kind = "infrastructure"
)

// ErrDependencyNotReady signals that a record references something (usually a
// collection or a related object) that has not been created yet.
var ErrDependencyNotReady = errors.New("dependency not ready")

// ConfigurationError reports a source that cannot be imported at all.
type ConfigurationError struct {
	Msg      string
	Required []string
}

func (e *ConfigurationError) Error() string {
	if len(e.Required) == 0 {
		return e.Msg
	}
	return fmt.Sprintf("%s, required elements are: %s", e.Msg, strings.Join(e.Required, ", "))
}

// ValidationError reports a single record that cannot be built.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Msg)
}

// InfrastructureError wraps a storage, network or index failure.
type InfrastructureError struct {
	Op  string
	Err error
}

func (e *InfrastructureError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *InfrastructureError) Unwrap() error { return e.Err }

// Configuration builds a ConfigurationError listing the required elements.
func Configuration(msg string, required ...string) error {
	return &ConfigurationError{Msg: msg, Required: required}
}

// Validation builds a ValidationError for field.
func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Infrastructure wraps err as an InfrastructureError. A nil err stays nil.
func Infrastructure(op string, err error) error {
	if err == nil {
		return nil
	}
	return &InfrastructureError{Op: op, Err: err}
}

// DependencyNotReady returns an error matching ErrDependencyNotReady.
func DependencyNotReady(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrDependencyNotReady, fmt.Sprintf(format, args...))
}

// Classify returns the kind of err. Errors without a recognised type are
// treated as per-record validation failures.
func Classify(err error) Kind {
	var cfg *ConfigurationError
	var infra *InfrastructureError
	switch {
	case errors.Is(err, ErrDependencyNotReady):
		return KindDependencyNotReady
	case errors.As(err, &cfg):
		return KindConfiguration
	case errors.As(err, &infra):
		return KindInfrastructure
	default:
		return KindValidation
	}
}

// IsRetryable reports whether err should leave entry state untouched and be
// handed back to the job queue.
func IsRetryable(err error) bool {
	k := Classify(err)
	return k == KindInfrastructure || k == KindDependencyNotReady
}

// Info returns the structured (class, message, trace) triple stored on entries
// and importers. The trace lists each wrapped error from outermost to root.
func Info(err error) (class, message, trace string) {
	if err == nil {
		return "", "", ""
	}
	switch Classify(err) {
	case KindConfiguration:
		class = "ConfigurationError"
	case KindDependencyNotReady:
		class = "DependencyNotReady"
	case KindInfrastructure:
		class = "InfrastructureError"
	default:
		var v *ValidationError
		if errors.As(err, &v) {
			class = "ValidationError"
		} else {
			class = fmt.Sprintf("%T", rootCause(err))
		}
	}

	var lines []string
	for e := err; e != nil; e = errors.Unwrap(e) {
		lines = append(lines, e.Error())
	}
	return class, err.Error(), strings.Join(lines, "\n")
}

func rootCause(err error) error {
	for {
		next := errors.Unwrap(err)
		if next == nil {
			return err
		}
		err = next
	}
}
