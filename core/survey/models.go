package survey

import (
	"encoding/json"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/trezcool/masomo-forms/core"
)

// Audiences
const (
	AudienceGuardians Audience = "guardians"
	AudienceTeachers  Audience = "teachers"
	AudienceEmployees Audience = "employees"
	AudienceAll       Audience = "all"
)

// Frequencies
const (
	FrequencyOnce      Frequency = "once"
	FrequencyWeekly    Frequency = "weekly"
	FrequencyMonthly   Frequency = "monthly"
	FrequencyQuarterly Frequency = "quarterly"
	FrequencyYearly    Frequency = "yearly"
)

// Field types
const (
	TypeText     FieldType = "text"
	TypeTextarea FieldType = "textarea"
	TypeNumber   FieldType = "number"
	TypeSelect   FieldType = "select"
	TypeCheckbox FieldType = "checkbox"
	TypeRadio    FieldType = "radio"
	TypeDate     FieldType = "date"
	TypeForm     FieldType = "form"
)

// Recipient roles
const (
	RoleGuardian Role = "guardian"
	RoleTeacher  Role = "teacher"
	RoleEmployee Role = "employee"
)

type (
	Audience  string
	Frequency string
	FieldType string
	Role      string
)

var (
	Audiences   = []Audience{AudienceGuardians, AudienceTeachers, AudienceEmployees, AudienceAll}
	Frequencies = []Frequency{FrequencyOnce, FrequencyWeekly, FrequencyMonthly, FrequencyQuarterly, FrequencyYearly}
	FieldTypes  = []FieldType{TypeText, TypeTextarea, TypeNumber, TypeSelect, TypeCheckbox, TypeRadio, TypeDate, TypeForm}
)

// Roles returns the recipient roles targeted by the audience.
func (a Audience) Roles() []Role {
	switch a {
	case AudienceGuardians:
		return []Role{RoleGuardian}
	case AudienceTeachers:
		return []Role{RoleTeacher}
	case AudienceEmployees:
		return []Role{RoleEmployee}
	case AudienceAll:
		return []Role{RoleGuardian, RoleTeacher, RoleEmployee}
	}
	return nil
}

func (a Audience) Includes(role Role) bool {
	for _, r := range a.Roles() {
		if r == role {
			return true
		}
	}
	return false
}

func (f Frequency) IsRecurring() bool {
	return f != FrequencyOnce
}

// IsChoice reports whether fields of this type need a list of choices.
func (t FieldType) IsChoice() bool {
	return t == TypeSelect || t == TypeCheckbox || t == TypeRadio
}

// Template is a questionnaire definition. A Template with a ParentFieldID is the sub-form of that field.
type Template struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Audience       Audience  `json:"audience"`
	Frequency      Frequency `json:"frequency"`
	OrganizationID string    `json:"organization_id,omitempty"` // empty: global
	ParentFieldID  string    `json:"parent_field_id,omitempty"`
	Grades         []int     `json:"grades"`
	CreatedBy      string    `json:"created_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"` // UTC
	UpdatedAt      time.Time `json:"updated_at"` // UTC
}

func (t Template) IsGlobal() bool  { return t.OrganizationID == "" }
func (t Template) IsSubForm() bool { return t.ParentFieldID != "" }

// TargetsGrade reports whether a subject in `grade` is targeted; an empty grade subset targets all grades.
func (t Template) TargetsGrade(grade int) bool {
	if len(t.Grades) == 0 {
		return true
	}
	for _, g := range t.Grades {
		if g == grade {
			return true
		}
	}
	return false
}

// VisibleTo reports whether the template belongs to the organization, globally or directly.
func (t Template) VisibleTo(orgID string) bool {
	return t.IsGlobal() || t.OrganizationID == orgID
}

type Field struct {
	ID         string    `json:"id"`
	Key        string    `json:"key"`
	TemplateID string    `json:"template_id"`
	Name       string    `json:"name"`
	Type       FieldType `json:"type"`
	Order      int       `json:"order"`
	IsRequired bool      `json:"is_required"`
	IsPublic   bool      `json:"is_public"`
	IsMultiple bool      `json:"is_multiple"`
	Choices    []string  `json:"choices,omitempty"`
	SubFormID  string    `json:"sub_form_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"` // UTC
	UpdatedAt  time.Time `json:"updated_at"` // UTC
}

// NewTemplate contains information needed to create a new Template.
type NewTemplate struct {
	Name           string    `json:"name" validate:"required,max=255"`
	Audience       Audience  `json:"audience" validate:"required,audience"`
	Frequency      Frequency `json:"frequency" validate:"required,frequency"`
	OrganizationID string    `json:"organization_id"`
	Grades         []int     `json:"grades" validate:"omitempty,dive,gte=0"`
}

func (nt *NewTemplate) Validate(validate *validator.Validate) error {
	nt.Name = core.CleanString(nt.Name)
	nt.Audience = Audience(core.CleanString(string(nt.Audience), true /* lower */))
	nt.Frequency = Frequency(core.CleanString(string(nt.Frequency), true /* lower */))
	return validate.Struct(nt)
}

// UpdateTemplate defines what information may be provided to modify an existing Template.
// Zero values keep the current ones.
type UpdateTemplate struct {
	Name      string    `json:"name" validate:"max=255"`
	Audience  Audience  `json:"audience" validate:"omitempty,audience"`
	Frequency Frequency `json:"frequency" validate:"omitempty,frequency"`
	Grades    *[]int    `json:"grades"`
}

func (upd *UpdateTemplate) Validate(validate *validator.Validate) error {
	upd.Name = core.CleanString(upd.Name)
	upd.Audience = Audience(core.CleanString(string(upd.Audience), true /* lower */))
	upd.Frequency = Frequency(core.CleanString(string(upd.Frequency), true /* lower */))
	return validate.Struct(upd)
}

type TemplateFilter struct {
	OrganizationID string `query:"organization_id"`
	IncludeGlobal  bool   `query:"include_global"`
	TopLevelOnly   bool   `query:"-"`
	Recurring      bool   `query:"recurring"`
	Search         string `query:"search"`
}

// NewField contains information needed to add a Field to a Template.
// Choices is kept raw so that a non-list value is reported as a schema error, not a decoding failure.
type NewField struct {
	Name       string          `json:"name" validate:"required,max=255"`
	Type       FieldType       `json:"type" validate:"required,fieldtype"`
	IsRequired bool            `json:"is_required"`
	IsPublic   *bool           `json:"is_public"`
	IsMultiple bool            `json:"is_multiple"`
	Choices    json.RawMessage `json:"choices"`
}

func (nf *NewField) Validate(validate *validator.Validate) error {
	nf.Name = core.CleanString(nf.Name)
	nf.Type = FieldType(core.CleanString(string(nf.Type), true /* lower */))
	return validate.Struct(nf)
}

// UpdateField defines what information may be provided to modify an existing Field.
type UpdateField struct {
	Name       string          `json:"name" validate:"max=255"`
	Type       FieldType       `json:"type" validate:"omitempty,fieldtype"`
	IsRequired *bool           `json:"is_required"`
	IsPublic   *bool           `json:"is_public"`
	IsMultiple *bool           `json:"is_multiple"`
	Choices    json.RawMessage `json:"choices"`
}

func (uf *UpdateField) Validate(validate *validator.Validate) error {
	uf.Name = core.CleanString(uf.Name)
	uf.Type = FieldType(core.CleanString(string(uf.Type), true /* lower */))
	return validate.Struct(uf)
}

type SwapFields struct {
	Key1 string `json:"key1" validate:"required"`
	Key2 string `json:"key2" validate:"required,nefield=Key1"`
}

func (sf SwapFields) Validate(validate *validator.Validate) error { return validate.Struct(sf) }

// Submitter identifies who answers and, for guardians, about which subject (student).
type Submitter struct {
	RecipientID    string
	OrganizationID string
	Role           Role
	SubjectID      string
	SubjectGrade   int
}

// subjectKey is the subject a submission is keyed on; only guardian templates are answered per subject.
func (s Submitter) subjectKey(tmpl Template) string {
	if tmpl.Audience == AudienceGuardians || (s.Role == RoleGuardian && tmpl.Audience == AudienceAll) {
		return s.SubjectID
	}
	return ""
}

type Submission struct {
	TemplateID string
	Submitter  Submitter
	Answers    map[string]interface{}
}

// Response is one submitted answer set.
type Response struct {
	ID             string    `json:"id"`
	TemplateID     string    `json:"template_id"`
	OrganizationID string    `json:"organization_id"`
	PeriodID       string    `json:"period_id,omitempty"`
	DistributionID string    `json:"distribution_id,omitempty"`
	SubmittedBy    string    `json:"submitted_by"`
	SubjectID      string    `json:"subject_id,omitempty"`
	CreatedAt      time.Time `json:"created_at"` // UTC
}

// SubmittedResponse is a Response with its answers rebuilt from the attribute tree.
type SubmittedResponse struct {
	Response
	Answers Answers `json:"answers"`
}

// Attribute is one persisted answer node: a leaf value or the parent of a nested row.
type Attribute struct {
	ID         string
	ResponseID string
	ParentID   string // empty: top-level
	FieldID    string // empty once the field is deleted
	FieldKey   string
	Type       FieldType
	Name       string
	Value      json.RawMessage // nil for row parents
	Row        int
	Seq        int
	CreatedAt  time.Time
}

func (a Attribute) IsRowParent() bool { return a.Type == TypeForm }

// Assignment is the submitter's Distribution in the currently active Period, if any.
type Assignment struct {
	ID          string
	PeriodID    string
	IsCompleted bool
}

// Availability tells whether a Template can be answered now.
type Availability struct {
	Available       bool        `json:"available"`
	NextAvailableAt *time.Time  `json:"next_available_at"` // nil: never again
	Assignment      *Assignment `json:"-"`
}

type AvailableTemplate struct {
	Template
	Availability
}
