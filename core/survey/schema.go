package survey

import "sort"

// SchemaField is a Field compiled for one validation context.
type SchemaField struct {
	Field
	Kind     Kind    `json:"-"`
	Required bool    `json:"required"`
	SubForm  *Schema `json:"sub_form,omitempty"`
}

// Schema is a Template compiled into typed field constraints, sub-forms included.
type Schema struct {
	Template Template      `json:"template"`
	Fields   []SchemaField `json:"fields"`
}

type compileOpts struct {
	// publicOnly drops the fields not visible to the submitter.
	publicOnly bool
	// relaxPrivate makes required fields optional when they are not visible to the submitter.
	relaxPrivate bool
}

// adminOpts: every field, as defined.
var adminOpts = compileOpts{}

// submitterOpts returns the submitter-facing options; sub-form rows show all their fields.
func submitterOpts(nested bool) compileOpts {
	return compileOpts{publicOnly: !nested, relaxPrivate: true}
}

// compile builds the schema of tmpl. children holds the compiled sub-forms keyed by their field ID.
func compile(tmpl Template, fields []Field, children map[string]*Schema, opts compileOpts) (*Schema, error) {
	sorted := make([]Field, len(fields))
	copy(sorted, fields)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	schema := &Schema{Template: tmpl, Fields: make([]SchemaField, 0, len(sorted))}
	for _, fld := range sorted {
		if opts.publicOnly && !fld.IsPublic {
			continue
		}
		child := children[fld.ID]
		kind, err := KindOf(fld, child)
		if err != nil {
			return nil, err
		}
		sf := SchemaField{
			Field:    fld,
			Kind:     kind,
			Required: fld.IsRequired && !(opts.relaxPrivate && !fld.IsPublic),
		}
		if nk, ok := kind.(NestedFormKind); ok {
			sf.SubForm = nk.Child
		}
		schema.Fields = append(schema.Fields, sf)
	}
	return schema, nil
}

// Field returns the compiled field with the given key.
func (s *Schema) Field(key string) (SchemaField, bool) {
	for _, sf := range s.Fields {
		if sf.Key == key {
			return sf, true
		}
	}
	return SchemaField{}, false
}

// Only returns a schema restricted to the given field keys, in schema order.
func (s *Schema) Only(keys ...string) *Schema {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}
	sub := &Schema{Template: s.Template}
	for _, sf := range s.Fields {
		if wanted[sf.Key] {
			sub.Fields = append(sub.Fields, sf)
		}
	}
	return sub
}
