package survey

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-forms/core"
)

const DateLayout = "2006-01-02"

var (
	requiredTag = "required"
	numericTag  = "numeric"
	dateTag     = "datetime=" + DateLayout

	textInvalidText   = "enter a valid text"
	listInvalidText   = "value must be a list"
	rowInvalidText    = "each row must be an object"
	choiceInvalidText = "select a valid choice. %v is not one of the available choices"
	rowErrorsText     = "row %d is invalid"
)

// Answers is a validated answer set keyed by field key. Values are JSON-like:
// string, float64, []interface{} (checkbox & multiple entries) and []Answers (sub-form rows).
type Answers map[string]interface{}

// Validator checks raw input against a Schema.
type Validator struct {
	validate   *validator.Validate
	translator ut.Translator
}

func NewValidator(validate *validator.Validate, translator ut.Translator) *Validator {
	return &Validator{validate: validate, translator: translator}
}

// Validate checks input against every field of schema, sub-form rows included, and returns the
// normalized answers. All the failures are reported at once in a *core.ValidationError.
// Keys unknown to the schema are ignored.
func (v *Validator) Validate(schema *Schema, input map[string]interface{}) (Answers, error) {
	var fldErrs []core.FieldError
	answers := v.validateFields(schema, input, "", &fldErrs)
	if len(fldErrs) > 0 {
		return nil, core.NewValidationError(errInvalidAnswers, fldErrs...)
	}
	return answers, nil
}

func (v *Validator) validateFields(schema *Schema, input map[string]interface{}, prefix string, errs *[]core.FieldError) Answers {
	answers := make(Answers)
	for _, sf := range schema.Fields {
		path := sf.Key
		if prefix != "" {
			path = prefix + "." + sf.Key
		}
		report := func(msg string, at ...string) {
			fe := core.FieldError{Field: sf.Key, Error: msg}
			if prefix != "" || len(at) > 0 {
				fe.Path = path
				if len(at) > 0 {
					fe.Path = at[0]
				}
			}
			*errs = append(*errs, fe)
		}

		raw := input[sf.Key]
		if isEmpty(raw) {
			if sf.Required {
				report(v.message(requiredTag))
			}
			continue
		}

		switch kind := sf.Kind.(type) {
		case NestedFormKind:
			items, ok := asList(raw)
			if !ok {
				report(listInvalidText)
				continue
			}
			rows := make([]Answers, 0, len(items))
			for i, item := range items {
				rowPath := fmt.Sprintf("%s[%d]", path, i)
				row, ok := asObject(item)
				if !ok {
					report(rowInvalidText, rowPath)
					continue
				}
				before := len(*errs)
				answer := v.validateFields(kind.Child, row, rowPath, errs)
				if len(*errs) > before {
					report(fmt.Sprintf(rowErrorsText, i), rowPath)
					continue
				}
				rows = append(rows, answer)
			}
			answers[sf.Key] = rows
		default:
			if sf.IsMultiple && sf.Type != TypeCheckbox {
				items, ok := asList(raw)
				if !ok {
					report(listInvalidText)
					continue
				}
				values := make([]interface{}, 0, len(items))
				for i, item := range items {
					val, msg := v.validateLeaf(kind, item)
					if msg != "" {
						report(msg, fmt.Sprintf("%s[%d]", path, i))
						continue
					}
					values = append(values, val)
				}
				answers[sf.Key] = values
				continue
			}
			val, msg := v.validateLeaf(kind, raw)
			if msg != "" {
				report(msg)
				continue
			}
			answers[sf.Key] = val
		}
	}
	return answers
}

// validateLeaf returns the normalized value or an error message.
func (v *Validator) validateLeaf(kind Kind, raw interface{}) (interface{}, string) {
	switch k := kind.(type) {
	case TextKind:
		s, ok := raw.(string)
		if !ok {
			return nil, textInvalidText
		}
		if !k.Multiline {
			s = strings.TrimSpace(s)
		}
		return s, ""
	case NumberKind:
		switch n := raw.(type) {
		case float64:
			return n, ""
		case int:
			return float64(n), ""
		case json.Number:
			f, err := n.Float64()
			if err != nil {
				return nil, v.message(numericTag)
			}
			return f, ""
		case string:
			s := strings.TrimSpace(n)
			if err := v.validate.Var(s, numericTag); err != nil {
				return nil, v.translate(err, numericTag)
			}
			f, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, v.message(numericTag)
			}
			return f, ""
		}
		return nil, v.message(numericTag)
	case DateKind:
		s, ok := raw.(string)
		if !ok {
			return nil, v.message("datetime")
		}
		s = strings.TrimSpace(s)
		if err := v.validate.Var(s, dateTag); err != nil {
			return nil, v.translate(err, "datetime")
		}
		return s, ""
	case ChoiceKind:
		if !k.Multi {
			s, ok := raw.(string)
			if !ok || !k.Allows(s) {
				return nil, fmt.Sprintf(choiceInvalidText, raw)
			}
			return s, ""
		}
		items, ok := asList(raw)
		if !ok {
			return nil, listInvalidText
		}
		values := make([]interface{}, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok || !k.Allows(s) {
				return nil, fmt.Sprintf(choiceInvalidText, item)
			}
			values = append(values, s)
		}
		return values, ""
	case NestedFormKind:
		return nil, listInvalidText
	}
	return nil, fmt.Sprintf("unsupported field kind %T", kind)
}

func (v *Validator) message(tag string) string {
	msg, err := v.translator.T(tag, "")
	if err != nil || msg == "" {
		return tag
	}
	return msg
}

func (v *Validator) translate(err error, fallbackTag string) string {
	if vErrs, ok := err.(validator.ValidationErrors); ok && len(vErrs) > 0 {
		return vErrs[0].Translate(v.translator)
	}
	return v.message(fallbackTag)
}

func isEmpty(raw interface{}) bool {
	switch val := raw.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []interface{}:
		return len(val) == 0
	case []string:
		return len(val) == 0
	case []map[string]interface{}:
		return len(val) == 0
	case []Answers:
		return len(val) == 0
	case map[string]interface{}:
		return len(val) == 0
	}
	return false
}

// asList accepts the list shapes produced by JSON decoding and by Go callers.
func asList(raw interface{}) ([]interface{}, bool) {
	switch val := raw.(type) {
	case []interface{}:
		return val, true
	case []string:
		items := make([]interface{}, 0, len(val))
		for _, s := range val {
			items = append(items, s)
		}
		return items, true
	case []map[string]interface{}:
		items := make([]interface{}, 0, len(val))
		for _, m := range val {
			items = append(items, m)
		}
		return items, true
	case []Answers:
		items := make([]interface{}, 0, len(val))
		for _, a := range val {
			items = append(items, map[string]interface{}(a))
		}
		return items, true
	}
	return nil, false
}

func asObject(raw interface{}) (map[string]interface{}, bool) {
	switch val := raw.(type) {
	case map[string]interface{}:
		return val, true
	case Answers:
		return val, true
	}
	return nil, false
}
