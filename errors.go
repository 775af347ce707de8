package jsbridge

import (
	"strconv"
	"strings"
)

// ErrorKind categorizes bridge errors.
type ErrorKind string

const (
	KindSealedConfiguration  ErrorKind = "sealed_configuration"
	KindInvalidConfiguration ErrorKind = "invalid_configuration"
	KindClosedRuntime        ErrorKind = "closed_runtime"
	KindUseAfterClose        ErrorKind = "use_after_close"
	KindTypeMismatch         ErrorKind = "type_mismatch"
	KindResourcesStillLive   ErrorKind = "resources_still_live"
	KindConcurrentAccess     ErrorKind = "concurrent_access"
	KindScriptExecution      ErrorKind = "script_execution"
	KindForeignValue         ErrorKind = "foreign_value"
	KindCallDepthExceeded    ErrorKind = "call_depth_exceeded"
	KindUnsupported          ErrorKind = "unsupported"
	KindModuleNotFound       ErrorKind = "module_not_found"
	KindInvalidArgument      ErrorKind = "invalid_argument"
	KindTimeout              ErrorKind = "timeout"
)

// Sentinels for errors.Is. Every *Error matches the sentinel of its Kind.
var (
	ErrSealedConfiguration  = &Error{Kind: KindSealedConfiguration}
	ErrInvalidConfiguration = &Error{Kind: KindInvalidConfiguration}
	ErrClosedRuntime        = &Error{Kind: KindClosedRuntime}
	ErrUseAfterClose        = &Error{Kind: KindUseAfterClose}
	ErrTypeMismatch         = &Error{Kind: KindTypeMismatch}
	ErrResourcesStillLive   = &Error{Kind: KindResourcesStillLive}
	ErrConcurrentAccess     = &Error{Kind: KindConcurrentAccess}
	ErrScriptExecution      = &Error{Kind: KindScriptExecution}
	ErrForeignValue         = &Error{Kind: KindForeignValue}
	ErrCallDepthExceeded    = &Error{Kind: KindCallDepthExceeded}
	ErrUnsupported          = &Error{Kind: KindUnsupported}
	ErrModuleNotFound       = &Error{Kind: KindModuleNotFound}
	ErrInvalidArgument      = &Error{Kind: KindInvalidArgument}
	ErrTimeout              = &Error{Kind: KindTimeout}
)

// Error is the structured error returned for contract violations.
type Error struct {
	Cause  error
	Kind   ErrorKind
	Op     string
	Detail string
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString("jsbridge: ")
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func newError(kind ErrorKind, op, detail string) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// ScriptError carries an exception thrown by the engine, verbatim.
type ScriptError struct {
	Name    string
	Message string
	Stack   string
	Cause   error // raw engine error
}

func (e *ScriptError) Error() string {
	msg := e.Message
	if e.Name != "" {
		msg = e.Name + ": " + msg
	}
	return "jsbridge: script execution: " + msg
}

// Unwrap returns the raw engine error.
func (e *ScriptError) Unwrap() error {
	return e.Cause
}

// Is matches ErrScriptExecution.
func (e *ScriptError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindScriptExecution
}

// LeakError is returned by Close when handles or callback contexts are
// still live. It is never resolved automatically.
type LeakError struct {
	Handles  int
	Contexts int
	// Origins holds allocation sites of live handles and contexts when
	// retaining-path tracking is enabled.
	Origins []string
}

func (e *LeakError) Error() string {
	var b strings.Builder
	b.WriteString("jsbridge: close: resources_still_live: ")
	b.WriteString(strconv.Itoa(e.Handles))
	b.WriteString(" handle(s), ")
	b.WriteString(strconv.Itoa(e.Contexts))
	b.WriteString(" callback context(s)")
	for _, o := range e.Origins {
		b.WriteString("\n\t")
		b.WriteString(o)
	}
	return b.String()
}

// Is matches ErrResourcesStillLive.
func (e *LeakError) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == KindResourcesStillLive
}
