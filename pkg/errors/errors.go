// Package errors provides structured error handling for sqlconv.
//
// This package defines error types with:
//   - Error codes for programmatic handling
//   - Categories for grouping related errors
//   - Context fields for debugging
//   - Stack traces for development
//   - Wrapping support for error chains
//
// Error codes follow a hierarchical scheme:
//   - 1xxx: Configuration errors (profiles, rule registration)
//   - 2xxx: Parse errors
//   - 3xxx: Translation errors
//   - 4xxx: Cache errors
//   - 5xxx: Target database errors
//   - 9xxx: Internal errors
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"
)

// Code is a numeric error code for programmatic handling.
type Code int

// Error codes by category
const (
	// Configuration errors (1xxx)
	ErrCodeConfigInvalid    Code = 1001
	ErrCodeConfigMissing    Code = 1002
	ErrCodeConfigParse      Code = 1003
	ErrCodeConfigValidation Code = 1004
	ErrCodeConfigRule       Code = 1005

	// Parse errors (2xxx)
	ErrCodeParse           Code = 2001
	ErrCodeParseRuleOutput Code = 2002

	// Translation errors (3xxx)
	ErrCodeUnsupportedStatement Code = 3001
	ErrCodeProfileNotFound      Code = 3002
	ErrCodeTranslatorClosed     Code = 3003

	// Cache errors (4xxx)
	ErrCodeCacheClosed Code = 4001

	// Target database errors (5xxx)
	ErrCodeTargetConnect Code = 5001
	ErrCodeTargetQuery   Code = 5002
	ErrCodeTargetExec    Code = 5003
	ErrCodeTargetDriver  Code = 5004

	// Internal errors (9xxx)
	ErrCodeInternal       Code = 9001
	ErrCodeNotImplemented Code = 9002
	ErrCodePanic          Code = 9003
)

// String returns the error code as a string.
func (c Code) String() string {
	return fmt.Sprintf("E%04d", c)
}

// Category returns the category for this code.
func (c Code) Category() string {
	switch {
	case c >= 1000 && c < 2000:
		return "configuration"
	case c >= 2000 && c < 3000:
		return "parse"
	case c >= 3000 && c < 4000:
		return "translate"
	case c >= 4000 && c < 5000:
		return "cache"
	case c >= 5000 && c < 6000:
		return "target"
	case c >= 9000:
		return "internal"
	default:
		return "unknown"
	}
}

// Severity indicates error severity.
type Severity int

const (
	SeverityWarning  Severity = iota // Recoverable, operation may continue
	SeverityError                    // Operation failed, but system is healthy
	SeverityCritical                 // System may be in degraded state
	SeverityFatal                    // System cannot continue
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	case SeverityFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a structured error with code, context, and optional cause.
type Error struct {
	Code     Code
	Message  string
	Severity Severity

	// Context
	Fields map[string]interface{}

	// Error chain
	Cause error

	// Debug information
	Stack  []Frame
	Time   time.Time
	OpName string // Operation that failed (e.g., "Translator.Translate", "Registry.Register")
}

// Frame represents a stack frame.
type Frame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface.
func (e *Error) Error() string {
	var buf strings.Builder

	buf.WriteString(e.Code.String())
	buf.WriteString(": ")
	buf.WriteString(e.Message)

	if e.Cause != nil {
		buf.WriteString(": ")
		buf.WriteString(e.Cause.Error())
	}

	return buf.String()
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Format implements fmt.Formatter for detailed output.
func (e *Error) Format(f fmt.State, verb rune) {
	switch verb {
	case 'v':
		if f.Flag('+') {
			fmt.Fprintf(f, "%s [%s] %s: %s\n",
				e.Time.Format(time.RFC3339),
				e.Severity,
				e.Code.String(),
				e.Message)

			if e.OpName != "" {
				fmt.Fprintf(f, "  Operation: %s\n", e.OpName)
			}

			if len(e.Fields) > 0 {
				fmt.Fprintf(f, "  Context:\n")
				for k, v := range e.Fields {
					fmt.Fprintf(f, "    %s: %v\n", k, v)
				}
			}

			if e.Cause != nil {
				fmt.Fprintf(f, "  Caused by: %v\n", e.Cause)
			}

			if len(e.Stack) > 0 {
				fmt.Fprintf(f, "  Stack:\n")
				for _, frame := range e.Stack {
					fmt.Fprintf(f, "    %s\n      %s:%d\n",
						frame.Function, frame.File, frame.Line)
				}
			}
			return
		}
		fallthrough
	case 's':
		fmt.Fprint(f, e.Error())
	case 'q':
		fmt.Fprintf(f, "%q", e.Error())
	}
}

// WithField adds a context field to the error.
func (e *Error) WithField(key string, value interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

// WithOp sets the operation name.
func (e *Error) WithOp(op string) *Error {
	e.OpName = op
	return e
}

// Builder helps construct errors fluently.
type Builder struct {
	code     Code
	message  string
	severity Severity
	cause    error
	fields   map[string]interface{}
	op       string
	stack    bool
}

// New starts building a new error with the given code.
func New(code Code, message string) *Builder {
	return &Builder{
		code:     code,
		message:  message,
		severity: SeverityError,
	}
}

// Newf starts building a new error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return &Builder{
		code:     code,
		message:  fmt.Sprintf(format, args...),
		severity: SeverityError,
	}
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code Code, message string) *Builder {
	return &Builder{
		code:     code,
		message:  message,
		severity: SeverityError,
		cause:    cause,
	}
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Builder {
	return &Builder{
		code:     code,
		message:  fmt.Sprintf(format, args...),
		severity: SeverityError,
		cause:    cause,
	}
}

// Warning sets severity to warning.
func (b *Builder) Warning() *Builder {
	b.severity = SeverityWarning
	return b
}

// Critical sets severity to critical.
func (b *Builder) Critical() *Builder {
	b.severity = SeverityCritical
	return b
}

// Fatal sets severity to fatal.
func (b *Builder) Fatal() *Builder {
	b.severity = SeverityFatal
	return b
}

// WithField adds a context field.
func (b *Builder) WithField(key string, value interface{}) *Builder {
	if b.fields == nil {
		b.fields = make(map[string]interface{})
	}
	b.fields[key] = value
	return b
}

// WithOp sets the operation name.
func (b *Builder) WithOp(op string) *Builder {
	b.op = op
	return b
}

// WithStack captures a stack trace.
func (b *Builder) WithStack() *Builder {
	b.stack = true
	return b
}

// Build creates the Error.
func (b *Builder) Build() *Error {
	e := &Error{
		Code:     b.code,
		Message:  b.message,
		Severity: b.severity,
		Cause:    b.cause,
		Fields:   b.fields,
		OpName:   b.op,
		Time:     time.Now(),
	}

	if b.stack {
		e.Stack = captureStack(2)
	}

	return e
}

// Err is a shorthand for Build() that returns error interface.
func (b *Builder) Err() error {
	return b.Build()
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)
	pcs = pcs[:n]

	callersFrames := runtime.CallersFrames(pcs)
	for {
		frame, more := callersFrames.Next()
		if !more {
			break
		}

		if strings.Contains(frame.Function, "runtime.") {
			continue
		}

		frames = append(frames, Frame{
			Function: frame.Function,
			File:     frame.File,
			Line:     frame.Line,
		})

		if len(frames) >= 10 {
			break
		}
	}

	return frames
}

// Helper functions for the translation error taxonomy

// Configuration creates a configuration error. Configuration errors are
// detected at startup and are fatal to the caller that builds a profile.
func Configuration(format string, args ...interface{}) *Builder {
	return Newf(ErrCodeConfigRule, format, args...).Fatal()
}

// Parse wraps a parser failure for the given SQL text.
func Parse(cause error, sqlText string) *Builder {
	return Wrap(cause, ErrCodeParse, "cannot parse SQL").
		WithField("sql", sqlText)
}

// Unsupported creates an error for a statement kind that has no rewrite
// binding. It is a warning: the rest of a script can still be translated.
func Unsupported(kind string) *Builder {
	return Newf(ErrCodeUnsupportedStatement, "unsupported statement kind: %s", kind).
		Warning().
		WithField("kind", kind)
}

// ProfileNotFound creates an error for an unknown profile name.
func ProfileNotFound(name string) *Builder {
	return Newf(ErrCodeProfileNotFound, "profile not found: %s", name).
		WithField("profile", name)
}

// Internal creates an internal error (for unexpected conditions).
func Internal(msg string) *Builder {
	return New(ErrCodeInternal, msg).Critical().WithStack()
}

// Extraction helpers

// GetCode extracts the error code from an error, or returns ErrCodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrCodeInternal
}

// GetSeverity extracts the severity from an error.
func GetSeverity(err error) Severity {
	var e *Error
	if errors.As(err, &e) {
		return e.Severity
	}
	return SeverityError
}

// GetFields extracts context fields from an error.
func GetFields(err error) map[string]interface{} {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsCode checks if an error has a specific code.
func IsCode(err error, code Code) bool {
	if err == nil {
		return false
	}
	return GetCode(err) == code
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, category string) bool {
	if err == nil {
		return false
	}
	return GetCode(err).Category() == category
}

// IsSevere checks if an error is critical or fatal.
func IsSevere(err error) bool {
	s := GetSeverity(err)
	return s >= SeverityCritical
}

// Standard library compatibility

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Join combines multiple errors.
func Join(errs ...error) error {
	return errors.Join(errs...)
}
