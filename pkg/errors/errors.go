// Package errors provides structured error handling for sqlshift.
//
// Errors carry:
//   - A numeric code for programmatic handling
//   - A severity
//   - Context fields and the failing operation
//   - An optional cause, reachable through errors.Is/As
//
// Codes are grouped by the layer that produces them:
//   - 1xxx: Configuration errors
//   - 2xxx: Metadata discovery errors
//   - 3xxx: Identifier mapping errors
//   - 4xxx: Conversion errors
//   - 5xxx: Storage errors
//   - 9xxx: Internal errors
//
// A conversion never returns these; it degrades to warnings in its
// ConversionReport. Everything around it (custom rule compilation, config,
// discovery, mapping files, persistence, template tags) does.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// Code is a numeric error code for programmatic handling.
type Code int

const (
	// Configuration errors (1xxx)
	ErrCodeConfigInvalid    Code = 1001
	ErrCodeConfigMissing    Code = 1002
	ErrCodeConfigParse      Code = 1003
	ErrCodeConfigValidation Code = 1004

	// Metadata discovery errors (2xxx)
	ErrCodeMetadataUnavailable Code = 2001
	ErrCodeMetadataParse       Code = 2002
	ErrCodeMetadataQuery       Code = 2003
	ErrCodeUnsupportedDriver   Code = 2004

	// Identifier mapping errors (3xxx)
	ErrCodeMappingLoad        Code = 3001
	ErrCodeMappingParse       Code = 3002
	ErrCodeMappingInvalid     Code = 3003
	ErrCodeUnmappedIdentifier Code = 3004
	ErrCodeUnmappedField      Code = 3005

	// Conversion errors (4xxx)
	ErrCodePlaceholderLoss Code = 4001
	ErrCodeRuleCompile     Code = 4002
	ErrCodeRuleEval        Code = 4003
	ErrCodeUnsafeRewrite   Code = 4004

	// Storage errors (5xxx)
	ErrCodeStorageConnect  Code = 5001
	ErrCodeStorageQuery    Code = 5002
	ErrCodeStorageExec     Code = 5003
	ErrCodeStorageNotFound Code = 5004

	// Internal errors (9xxx)
	ErrCodeInternal       Code = 9001
	ErrCodeNotImplemented Code = 9002
	ErrCodeCancelled      Code = 9003
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
		return "metadata"
	case c >= 3000 && c < 4000:
		return "mapping"
	case c >= 4000 && c < 5000:
		return "conversion"
	case c >= 5000 && c < 6000:
		return "storage"
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
	SeverityError                    // Operation failed
	SeverityCritical                 // Result must not be used
	SeverityFatal                    // Process cannot continue
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

	Fields map[string]interface{}
	Cause  error

	Stack  []Frame
	Time   time.Time
	OpName string // e.g. "Mapping.Load", "Store.Save"
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

// Format implements fmt.Formatter. %+v prints the detailed form.
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
				keys := make([]string, 0, len(e.Fields))
				for k := range e.Fields {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				fmt.Fprintf(f, "  Context:\n")
				for _, k := range keys {
					fmt.Fprintf(f, "    %s: %v\n", k, e.Fields[k])
				}
			}

			if e.Cause != nil {
				fmt.Fprintf(f, "  Caused by: %v\n", e.Cause)
			}

			for _, frame := range e.Stack {
				fmt.Fprintf(f, "    %s\n      %s:%d\n", frame.Function, frame.File, frame.Line)
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

// Builder constructs errors fluently.
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
	return &Builder{code: code, message: message, severity: SeverityError}
}

// Newf starts building a new error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Builder {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with a code and message.
func Wrap(cause error, code Code, message string) *Builder {
	b := New(code, message)
	b.cause = cause
	return b
}

// Wrapf wraps an existing error with a formatted message.
func Wrapf(cause error, code Code, format string, args ...interface{}) *Builder {
	return Wrap(cause, code, fmt.Sprintf(format, args...))
}

// Severity sets the error severity.
func (b *Builder) Severity(s Severity) *Builder {
	b.severity = s
	return b
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

// WithStack captures a stack trace at Build time.
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

// Err is a shorthand for Build() that returns the error interface.
func (b *Builder) Err() error {
	return b.Build()
}

func captureStack(skip int) []Frame {
	var frames []Frame
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+1, pcs)

	callersFrames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callersFrames.Next()
		if !strings.Contains(frame.Function, "runtime.") {
			frames = append(frames, Frame{
				Function: frame.Function,
				File:     frame.File,
				Line:     frame.Line,
			})
		}
		if !more || len(frames) >= 10 {
			break
		}
	}

	return frames
}

// Helpers for common error shapes

// NotFound creates a "not found" storage error for the given entity.
func NotFound(entity, identifier string) *Builder {
	return Newf(ErrCodeStorageNotFound, "%s not found: %s", entity, identifier).
		WithField("entity", entity).
		WithField("identifier", identifier)
}

// InvalidConfig creates a configuration validation error.
func InvalidConfig(field, reason string) *Builder {
	return Newf(ErrCodeConfigValidation, "invalid %s: %s", field, reason).
		WithField("field", field).
		WithField("reason", reason)
}

// UnmappedField creates the error returned when a caller policy refuses to
// finalize a query that references column ids with no mapping.
func UnmappedField(fields []string) *Builder {
	return Newf(ErrCodeUnmappedField, "unmapped fields: %s", strings.Join(fields, ", ")).
		WithField("fields", fields)
}

// PlaceholderLoss creates the error used when a conversion destroyed templating
// parameters and must not overwrite the stored query.
func PlaceholderLoss(queryID string, missing []string) *Builder {
	return Newf(ErrCodePlaceholderLoss, "conversion of %s lost placeholders: %s", queryID, strings.Join(missing, ", ")).
		Critical().
		WithField("query_id", queryID).
		WithField("missing", missing)
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
	return err != nil && GetCode(err) == code
}

// IsCategory checks if an error belongs to a category.
func IsCategory(err error, category string) bool {
	return err != nil && GetCode(err).Category() == category
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
