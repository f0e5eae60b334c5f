// Package agenterrors defines the typed error taxonomy shared across the
// DAG executor, stage runtime, LLM processor and memory subsystems.
package agenterrors

import (
	"errors"
	"fmt"
)

// Class is the broad error category used for recovery policy decisions
// (see Executor's HandleError).
type Class string

const (
	ClassInvalid   Class = "invalid"
	ClassFramework Class = "framework"
	ClassExternal  Class = "external"
	ClassUnknown   Class = "unknown"
)

// Kind identifies the specific error variant, independent of Class.
type Kind string

const (
	KindInvalidConfig        Kind = "invalid_config"
	KindInvalidMessageFormat Kind = "invalid_message_format"
	KindValidationError      Kind = "validation_error"
	KindExecutionError       Kind = "execution_error"
	KindParsingError         Kind = "parsing_error"
	KindProviderError        Kind = "provider_error"
	KindToolError            Kind = "tool_error"
	KindUnknownSource        Kind = "unknown_source"
	KindNotFound             Kind = "not_found"
)

// Error is the user-visible failure shape: {error, Error} carrying class,
// kind, an optional module hint, and a renderable message.
type Error struct {
	Class   Class
	Kind    Kind
	Module  string // optional: tool/stage/source name the error pertains to
	Stage   string // optional: stage name, when applicable
	Message string
	Cause   error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Class, e.Kind, e.Message)
	if e.Module != "" {
		msg = fmt.Sprintf("%s (module=%s)", msg, e.Module)
	}
	if e.Stage != "" {
		msg = fmt.Sprintf("%s (stage=%s)", msg, e.Stage)
	}
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Cause }

func new(class Class, kind Kind, message string, cause error) *Error {
	return &Error{Class: class, Kind: kind, Message: message, Cause: cause}
}

// InvalidConfig reports a malformed LLMCall/Tool/Memory config.
func InvalidConfig(message string, cause error) *Error {
	return new(ClassInvalid, KindInvalidConfig, message, cause)
}

// InvalidMessageFormat reports a malformed message/part.
func InvalidMessageFormat(message string, cause error) *Error {
	return new(ClassInvalid, KindInvalidMessageFormat, message, cause)
}

// ValidationError reports an input/output/structured-response schema violation.
func ValidationError(message string, cause error) *Error {
	return new(ClassFramework, KindValidationError, message, cause)
}

// ExecutionError reports an internal executor/DAG fault (cycle, missing
// dep, max iterations, empty response).
func ExecutionError(stage, message string, cause error) *Error {
	e := new(ClassFramework, KindExecutionError, message, cause)
	e.Stage = stage
	return e
}

// ParsingError reports a spec/DSL parsing failure.
func ParsingError(module, message string, cause error) *Error {
	e := new(ClassInvalid, KindParsingError, message, cause)
	e.Module = module
	return e
}

// ProviderErrorKind reports a non-2xx response from an LLM provider.
// 4xx responses map to ClassInvalid at the session boundary (caller fault);
// every other status maps to ClassExternal (retry-eligible).
func ProviderErrorKind(provider string, status int, cause error) *Error {
	class := ClassExternal
	if status >= 400 && status < 500 {
		class = ClassInvalid
	}
	e := new(class, KindProviderError, fmt.Sprintf("provider %s returned status %d", provider, status), cause)
	e.Module = provider
	return e
}

// ToolErrorKind reports any failure inside a tool invocation.
func ToolErrorKind(module string, cause error) *Error {
	e := new(ClassExternal, KindToolError, "tool execution failed", cause)
	e.Module = module
	return e
}

// UnknownSource reports a memory-source lookup miss.
func UnknownSource(name string) *Error {
	e := new(ClassInvalid, KindUnknownSource, fmt.Sprintf("unknown memory source %q", name), nil)
	e.Module = name
	return e
}

// ErrNotFound is returned by memory sources/manager for missing keys.
var ErrNotFound = new(ClassInvalid, KindNotFound, "not found", nil)

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindNotFound
	}
	return errors.Is(err, ErrNotFound)
}

// ClassOf extracts the Class from err, defaulting to ClassUnknown for
// errors that don't carry one.
func ClassOf(err error) Class {
	var e *Error
	if errors.As(err, &e) {
		return e.Class
	}
	return ClassUnknown
}

// MaxIterations is returned by the LLM processor when the tool-calling
// loop exhausts its iteration budget without a final response.
func MaxIterations(stage string) *Error {
	return ExecutionError(stage, "max tool iterations exceeded", nil)
}

// EmptyResponse is returned when a provider response has neither content
// nor tool calls.
func EmptyResponse(stage string) *Error {
	return ExecutionError(stage, "empty response: no content and no tool calls", nil)
}
