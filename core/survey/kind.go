package survey

import (
	"encoding/json"
	"strings"
)

var (
	choicesRequiredText = "choices are required for this field type"
	choicesNotListText  = "choices must be a list"
	choicesEmptyText    = "choices cannot contain empty values"
	formTypeLockedText  = "a field cannot be changed to or from a sub-form"
)

// Kind is the typed constraint of a field. The set of kinds is closed:
// TextKind, NumberKind, ChoiceKind, DateKind and NestedFormKind.
type Kind interface {
	kind()
}

type (
	TextKind struct {
		Multiline bool
	}

	NumberKind struct{}

	ChoiceKind struct {
		Options []string
		Multi   bool // checkbox: a list of options
	}

	DateKind struct{}

	NestedFormKind struct {
		Child *Schema
	}
)

func (TextKind) kind()       {}
func (NumberKind) kind()     {}
func (ChoiceKind) kind()     {}
func (DateKind) kind()       {}
func (NestedFormKind) kind() {}

func (k ChoiceKind) Allows(opt string) bool {
	for _, o := range k.Options {
		if o == opt {
			return true
		}
	}
	return false
}

// KindOf builds the constraint of fld. child is the compiled sub-form of a form field.
func KindOf(fld Field, child *Schema) (Kind, error) {
	switch fld.Type {
	case TypeText:
		return TextKind{}, nil
	case TypeTextarea:
		return TextKind{Multiline: true}, nil
	case TypeNumber:
		return NumberKind{}, nil
	case TypeDate:
		return DateKind{}, nil
	case TypeSelect, TypeRadio, TypeCheckbox:
		if err := checkChoices(fld.Type, fld.Choices); err != nil {
			return nil, err
		}
		return ChoiceKind{Options: fld.Choices, Multi: fld.Type == TypeCheckbox}, nil
	case TypeForm:
		if child == nil {
			return nil, &SchemaError{Field: fld.Key, Reason: "sub-form is missing"}
		}
		return NestedFormKind{Child: child}, nil
	}
	return nil, &SchemaError{Field: "type", Reason: "unknown field type " + string(fld.Type)}
}

// parseChoices decodes raw choices; only choice types keep them.
func parseChoices(typ FieldType, raw json.RawMessage) ([]string, error) {
	if !typ.IsChoice() {
		return nil, nil
	}
	var choices []string
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &choices); err != nil {
			return nil, &SchemaError{Field: "choices", Reason: choicesNotListText}
		}
	}
	for i, c := range choices {
		choices[i] = strings.TrimSpace(c)
	}
	if err := checkChoices(typ, choices); err != nil {
		return nil, err
	}
	return choices, nil
}

func checkChoices(typ FieldType, choices []string) error {
	if !typ.IsChoice() {
		return nil
	}
	if len(choices) == 0 {
		return &SchemaError{Field: "choices", Reason: choicesRequiredText}
	}
	for _, c := range choices {
		if c == "" {
			return &SchemaError{Field: "choices", Reason: choicesEmptyText}
		}
	}
	return nil
}
