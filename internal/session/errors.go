package session

import (
	"errors"
	"fmt"
)

// Code identifies a validation failure. Codes double as translation message IDs.
type Code string

const (
	CodeInvalidState      Code = "InvalidState"
	CodeMissingReference  Code = "MissingReferenceImages"
	CodeMissingSubmission Code = "MissingSubmissionImages"
	CodeImageIndex        Code = "ImageIndexOutOfRange"
	CodeUnknownExercise   Code = "UnknownExercise"
	CodeUnknownProblem    Code = "UnknownProblem"
	CodeInvalidScore      Code = "InvalidScore"
	CodeInvalidPoints     Code = "InvalidPoints"
	CodeScaleRemembered   Code = "ScaleRemembered"
	CodeGradingFailed     Code = "GradingFailed"
)

// ValidationError rejects an operation whose guard does not hold. It never
// changes the session state.
type ValidationError struct {
	Code   Code
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Code)
	}
	return string(e.Code) + ": " + e.Detail
}

// Is matches any ValidationError with the same code.
func (e *ValidationError) Is(target error) bool {
	t, ok := target.(*ValidationError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrInvalidState      = &ValidationError{Code: CodeInvalidState}
	ErrMissingReference  = &ValidationError{Code: CodeMissingReference}
	ErrMissingSubmission = &ValidationError{Code: CodeMissingSubmission}
	ErrImageIndex        = &ValidationError{Code: CodeImageIndex}
	ErrUnknownExercise   = &ValidationError{Code: CodeUnknownExercise}
	ErrUnknownProblem    = &ValidationError{Code: CodeUnknownProblem}
	ErrInvalidScore      = &ValidationError{Code: CodeInvalidScore}
	ErrInvalidPoints     = &ValidationError{Code: CodeInvalidPoints}
)

func validationErrorf(code Code, format string, args ...any) *ValidationError {
	return &ValidationError{Code: code, Detail: fmt.Sprintf(format, args...)}
}

// ErrMalformedExercises is wrapped by a ServiceError when the grading
// service returns exercises the session cannot hold.
var ErrMalformedExercises = errors.New("malformed exercises")

// ErrClosed is returned for a grading run that finished after Close.
var ErrClosed = errors.New("session closed")

// ServiceError wraps any failure of the grading service, including a
// response the session could not accept.
type ServiceError struct {
	Err error
}

func (e *ServiceError) Error() string {
	return "grading service: " + e.Err.Error()
}

func (e *ServiceError) Unwrap() error {
	return e.Err
}
