package provision

import (
	"context"
	"errors"
	"fmt"
)

// ErrorClass groups error codes by the pipeline stage that raised them.
type ErrorClass string

const (
	ClassInput       ErrorClass = "input"
	ClassSource      ErrorClass = "source"
	ClassPackage     ErrorClass = "package"
	ClassTooling     ErrorClass = "tooling"
	ClassDevice      ErrorClass = "device"
	ClassMount       ErrorClass = "mount"
	ClassMutation    ErrorClass = "mutation"
	ClassInterrupted ErrorClass = "interrupted"
	ClassUnknown     ErrorClass = "unknown"
)

// ErrorCode identifies a specific failure.
type ErrorCode string

const (
	CodeMissingSource           ErrorCode = "MissingSource"
	CodeInvalidArchitecture     ErrorCode = "InvalidArchitecture"
	CodeInvalidRequest          ErrorCode = "InvalidRequest"
	CodeUnsupportedSource       ErrorCode = "UnsupportedSource"
	CodeUnsupportedFormat       ErrorCode = "UnsupportedFormat"
	CodeNoImageInArchive        ErrorCode = "NoImageInArchive"
	CodeDownloadFailed          ErrorCode = "DownloadFailed"
	CodePackageArchMismatch     ErrorCode = "PackageArchMismatch"
	CodePackageBuildFailed      ErrorCode = "PackageBuildFailed"
	CodePackageResolutionFailed ErrorCode = "PackageResolutionFailed"
	CodeToolMissing             ErrorCode = "ToolMissing"
	CodeAttachFailed            ErrorCode = "AttachFailed"
	CodeDetachFailed            ErrorCode = "DetachFailed"
	CodeMountFailed             ErrorCode = "MountFailed"
	CodeUnmountFailed           ErrorCode = "UnmountFailed"
	CodeHashingUnavailable      ErrorCode = "HashingUnavailable"
	CodeExtractionFailed        ErrorCode = "ExtractionFailed"
	CodeWriteFailed             ErrorCode = "WriteFailed"
	CodeInterrupted             ErrorCode = "Interrupted"
)

var codeClasses = map[ErrorCode]ErrorClass{
	CodeMissingSource:           ClassInput,
	CodeInvalidArchitecture:     ClassInput,
	CodeInvalidRequest:          ClassInput,
	CodeUnsupportedSource:       ClassSource,
	CodeUnsupportedFormat:       ClassSource,
	CodeNoImageInArchive:        ClassSource,
	CodeDownloadFailed:          ClassSource,
	CodePackageArchMismatch:     ClassPackage,
	CodePackageBuildFailed:      ClassPackage,
	CodePackageResolutionFailed: ClassPackage,
	CodeToolMissing:             ClassTooling,
	CodeAttachFailed:            ClassDevice,
	CodeDetachFailed:            ClassDevice,
	CodeMountFailed:             ClassMount,
	CodeUnmountFailed:           ClassMount,
	CodeHashingUnavailable:      ClassMutation,
	CodeExtractionFailed:        ClassMutation,
	CodeWriteFailed:             ClassMutation,
	CodeInterrupted:             ClassInterrupted,
}

var codeExits = map[ErrorCode]int{
	CodeMissingSource:           2,
	CodeUnsupportedSource:       3,
	CodeUnsupportedFormat:       3,
	CodeDownloadFailed:          3,
	CodeNoImageInArchive:        4,
	CodeInvalidArchitecture:     5,
	CodePackageArchMismatch:     6,
	CodePackageBuildFailed:      6,
	CodePackageResolutionFailed: 6,
	CodeToolMissing:             7,
	CodeHashingUnavailable:      7,
	CodeAttachFailed:            8,
	CodeDetachFailed:            8,
	CodeMountFailed:             8,
	CodeUnmountFailed:           8,
	CodeExtractionFailed:        9,
	CodeWriteFailed:             9,
	CodeInterrupted:             ExitInterrupted,
}

// ExitInterrupted is the process status used when a run was cancelled by a
// signal.
const ExitInterrupted = 130

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrMissingSource           = &Error{Code: CodeMissingSource}
	ErrInvalidArchitecture     = &Error{Code: CodeInvalidArchitecture}
	ErrInvalidRequest          = &Error{Code: CodeInvalidRequest}
	ErrUnsupportedSource       = &Error{Code: CodeUnsupportedSource}
	ErrUnsupportedFormat       = &Error{Code: CodeUnsupportedFormat}
	ErrNoImageInArchive        = &Error{Code: CodeNoImageInArchive}
	ErrDownloadFailed          = &Error{Code: CodeDownloadFailed}
	ErrPackageArchMismatch     = &Error{Code: CodePackageArchMismatch}
	ErrPackageBuildFailed      = &Error{Code: CodePackageBuildFailed}
	ErrPackageResolutionFailed = &Error{Code: CodePackageResolutionFailed}
	ErrToolMissing             = &Error{Code: CodeToolMissing}
	ErrAttachFailed            = &Error{Code: CodeAttachFailed}
	ErrDetachFailed            = &Error{Code: CodeDetachFailed}
	ErrMountFailed             = &Error{Code: CodeMountFailed}
	ErrUnmountFailed           = &Error{Code: CodeUnmountFailed}
	ErrHashingUnavailable      = &Error{Code: CodeHashingUnavailable}
	ErrExtractionFailed        = &Error{Code: CodeExtractionFailed}
	ErrWriteFailed             = &Error{Code: CodeWriteFailed}
	ErrInterrupted             = &Error{Code: CodeInterrupted}
)

// Error is the tagged failure returned across component boundaries.
type Error struct {
	Code    ErrorCode
	Message string
	// Remedy is operator-facing text describing how to fix the failure.
	Remedy string
	Err    error
}

// Errorf builds an Error with a formatted message and an optional cause.
func Errorf(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
		Err:     cause,
	}
}

// WithRemedy attaches remediation text and returns e.
func (e *Error) WithRemedy(format string, args ...any) *Error {
	e.Remedy = fmt.Sprintf(format, args...)
	return e
}

func (e *Error) Error() string {
	message := e.Message
	if message == "" {
		message = string(e.Code)
	}
	if e.Err != nil {
		return message + ": " + e.Err.Error()
	}
	return message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Class returns the taxonomy class of the error code.
func (e *Error) Class() ErrorClass {
	if class, ok := codeClasses[e.Code]; ok {
		return class
	}
	return ClassUnknown
}

// AsError returns the outermost *Error in err's chain.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}

// ClassOf returns the class of the first tagged error in err's chain.
func ClassOf(err error) ErrorClass {
	if perr, ok := AsError(err); ok {
		return perr.Class()
	}
	if errors.Is(err, context.Canceled) {
		return ClassInterrupted
	}
	return ClassUnknown
}

// RemedyOf returns the first non-empty remediation text in err's chain.
func RemedyOf(err error) string {
	for err != nil {
		if perr, ok := err.(*Error); ok && perr.Remedy != "" {
			return perr.Remedy
		}
		if joined, ok := err.(interface{ Unwrap() []error }); ok {
			for _, inner := range joined.Unwrap() {
				if remedy := RemedyOf(inner); remedy != "" {
					return remedy
				}
			}
			return ""
		}
		err = errors.Unwrap(err)
	}
	return ""
}

// ExitCode maps err onto the process exit status of the CLI.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if errors.Is(err, ErrInterrupted) || errors.Is(err, context.Canceled) {
		return ExitInterrupted
	}
	if perr, ok := AsError(err); ok {
		if code, ok := codeExits[perr.Code]; ok {
			return code
		}
	}
	return 1
}

// interrupted converts a context error into an Interrupted failure.
func interrupted(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return Errorf(CodeInterrupted, err, "interrupted before %s", stage)
	}
	return nil
}
