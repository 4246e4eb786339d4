package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field or answer.
type FieldError struct {
	Field string
	// Path locates the failing value inside nested rows, e.g. "contacts[1].phone".
	// Empty for top-level fields.
	Path  string
	Error string
}

type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

// FieldMap flattens the field errors into {field: message}; row errors are also keyed by their path.
func (err ValidationError) FieldMap() map[string]string {
	m := make(map[string]string, len(err.Fields))
	for _, fErr := range err.Fields {
		if _, ok := m[fErr.Field]; !ok {
			m[fErr.Field] = fErr.Error
		}
		if fErr.Path != "" && fErr.Path != fErr.Field {
			m[fErr.Path] = fErr.Error
		}
	}
	return m
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
