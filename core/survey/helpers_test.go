package survey

import (
	"testing"

	"github.com/trezcool/masomo-forms/core"
)

func newTestValidator() *Validator {
	translator := core.NewTranslator()
	validate := core.NewValidator(translator)
	InitValidators(validate, translator)
	return NewValidator(validate, translator)
}

// householdSchema: a household questionnaire with a repeatable "contacts" sub-form.
func householdSchema(t *testing.T, opts compileOpts) *Schema {
	t.Helper()

	contacts := Template{ID: "tmpl-contacts", Name: "Contacts - Household", ParentFieldID: "fld-contacts"}
	contactFields := []Field{
		{ID: "fld-phone", Key: "phone", Name: "Phone", Type: TypeText, Order: 1, IsRequired: true, IsPublic: true},
		{ID: "fld-kind", Key: "kind", Name: "Kind", Type: TypeRadio, Order: 2, IsRequired: true, Choices: []string{"home", "work"}},
	}
	childOpts := opts
	if opts.relaxPrivate {
		childOpts = submitterOpts(true)
	}
	child, err := compile(contacts, contactFields, nil, childOpts)
	if err != nil {
		t.Fatalf("compile(contacts) failed: %v", err)
	}

	household := Template{ID: "tmpl-household", Name: "Household", Audience: AudienceGuardians, Frequency: FrequencyYearly}
	fields := []Field{
		{ID: "fld-name", Key: "name", Name: "Name", Type: TypeText, Order: 1, IsRequired: true, IsPublic: true},
		{ID: "fld-size", Key: "size", Name: "Size", Type: TypeNumber, Order: 2, IsPublic: true},
		{ID: "fld-color", Key: "color", Name: "Color", Type: TypeSelect, Order: 3, IsPublic: true, Choices: []string{"red", "blue"}},
		{ID: "fld-tags", Key: "tags", Name: "Tags", Type: TypeCheckbox, Order: 4, IsPublic: true, Choices: []string{"a", "b", "c"}},
		{ID: "fld-dob", Key: "dob", Name: "Date of birth", Type: TypeDate, Order: 5, IsPublic: true},
		{ID: "fld-notes", Key: "notes", Name: "Notes", Type: TypeTextarea, Order: 6, IsRequired: true},
		{ID: "fld-contacts", Key: "contacts", Name: "Contacts", Type: TypeForm, Order: 7, IsPublic: true, IsMultiple: true, SubFormID: contacts.ID},
	}
	schema, err := compile(household, fields, map[string]*Schema{"fld-contacts": child}, opts)
	if err != nil {
		t.Fatalf("compile(household) failed: %v", err)
	}
	return schema
}
