package survey

import (
	"fmt"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrTemplateInUse    = errors.New("template has responses and cannot be deleted")
	ErrSubForm          = errors.New("sub-forms are managed through their field")
	ErrAudienceMismatch = errors.New("template is not addressed to this recipient")
	ErrKeyExhausted     = errors.New("could not generate a unique field key")
	errInvalidAnswers   = errors.New("invalid answers")
)

// SchemaError reports a malformed Field definition; the write is rejected.
type SchemaError struct {
	Field  string
	Reason string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// ValidationError converts the schema error into a field-keyed core.ValidationError.
func (e *SchemaError) ValidationError() error {
	return core.NewValidationError(e, core.FieldError{Field: e.Field, Error: e.Reason})
}

// AvailabilityError rejects a submission made before the template can be answered again.
type AvailabilityError struct {
	TemplateID      string
	NextAvailableAt *time.Time // nil: never again
}

func (e *AvailabilityError) Error() string {
	if e.NextAvailableAt == nil {
		return "survey is no longer available"
	}
	return fmt.Sprintf("survey is not available until %s", e.NextAvailableAt.UTC().Format(time.RFC3339))
}

func IsAvailabilityError(err error) bool {
	_, ok := errors.Cause(err).(*AvailabilityError)
	return ok
}
