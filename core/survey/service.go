package survey

import (
	"context"
	"fmt"
	"strings"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core"
)

var (
	NowFunc = time.Now // mockable

	newKeyFunc = func() string { // mockable
		return "f" + strings.ReplaceAll(uuid.New().String(), "-", "")[:11]
	}
	maxKeyAttempts = 10
)

type (
	Repository interface {
		CreateTemplate(ctx context.Context, tmpl Template, exec ...core.DBExecutor) (Template, error)
		UpdateTemplate(ctx context.Context, tmpl Template, exec ...core.DBExecutor) (Template, error)
		GetTemplate(ctx context.Context, id string, exec ...core.DBExecutor) (Template, error)
		QueryTemplates(ctx context.Context, filter TemplateFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]Template, error)
		DeleteTemplate(ctx context.Context, id string, exec ...core.DBExecutor) error

		KeyExists(ctx context.Context, key string, exec ...core.DBExecutor) (bool, error)
		CountFields(ctx context.Context, templateID string, exec ...core.DBExecutor) (int, error)
		CreateField(ctx context.Context, fld Field, exec ...core.DBExecutor) (Field, error)
		UpdateField(ctx context.Context, fld Field, exec ...core.DBExecutor) (Field, error)
		GetField(ctx context.Context, key string, exec ...core.DBExecutor) (Field, error)
		// QueryFields returns the fields of a Template ordered by order, with their SubFormID set.
		QueryFields(ctx context.Context, templateID string, exec ...core.DBExecutor) ([]Field, error)
		DeleteField(ctx context.Context, id string, exec ...core.DBExecutor) error
		// ShiftFieldOrders decrements the order of every field of the Template placed after `order`.
		ShiftFieldOrders(ctx context.Context, templateID string, order int, exec ...core.DBExecutor) error
		SetFieldOrder(ctx context.Context, fieldID string, order int, exec ...core.DBExecutor) error

		CreateResponse(ctx context.Context, resp Response, exec ...core.DBExecutor) (Response, error)
		GetResponse(ctx context.Context, id string, exec ...core.DBExecutor) (Response, error)
		QueryResponses(ctx context.Context, templateID string, exec ...core.DBExecutor) ([]Response, error)
		CountResponses(ctx context.Context, templateID string, exec ...core.DBExecutor) (int, error)
		// LastSubmission returns the time of the latest Response of the recipient (about subjectID), if any.
		LastSubmission(ctx context.Context, templateID, recipientID, subjectID string, exec ...core.DBExecutor) (*time.Time, error)
		CreateAttributes(ctx context.Context, attrs []Attribute, exec ...core.DBExecutor) error
		QueryAttributes(ctx context.Context, responseID string, exec ...core.DBExecutor) ([]Attribute, error)
		// NextRow returns max(row)+1 of the sub-form rows of fieldKey under parentID, 0 when there is none.
		NextRow(ctx context.Context, responseID, parentID, fieldKey string, exec ...core.DBExecutor) (int, error)

		// GetAssignment returns the recipient's Distribution in the active Period of the Template for the organization.
		GetAssignment(ctx context.Context, templateID, orgID, recipientID, subjectID string, exec ...core.DBExecutor) (*Assignment, error)
		CompleteAssignment(ctx context.Context, assignmentID, responseID string, at time.Time, exec ...core.DBExecutor) error
	}

	Service interface {
		CreateTemplate(ctx context.Context, nt NewTemplate, createdBy string) (Template, error)
		UpdateTemplate(ctx context.Context, id string, upd UpdateTemplate) (Template, error)
		GetTemplate(ctx context.Context, id string) (Template, error)
		QueryTemplates(ctx context.Context, filter TemplateFilter, ordering ...core.DBOrdering) ([]Template, error)
		DeleteTemplate(ctx context.Context, id string) error

		AddField(ctx context.Context, templateID string, nf NewField) (Field, error)
		UpdateField(ctx context.Context, key string, uf UpdateField) (Field, error)
		DeleteField(ctx context.Context, key string) error
		SwapFields(ctx context.Context, key1, key2 string) error
		GetField(ctx context.Context, key string) (Field, error)
		QueryFields(ctx context.Context, templateID string) ([]Field, error)

		LoadSchema(ctx context.Context, templateID string, submitterFacing bool) (*Schema, error)
		ListAvailable(ctx context.Context, sub Submitter) ([]AvailableTemplate, error)
		Submit(ctx context.Context, sm Submission) (Response, error)
		AddRows(ctx context.Context, responseID, fieldKey string, rows []interface{}, submitterFacing bool) (SubmittedResponse, error)
		GetResponse(ctx context.Context, id string) (SubmittedResponse, error)
		QueryResponses(ctx context.Context, templateID string) ([]SubmittedResponse, error)
	}

	service struct {
		db        core.DB
		repo      Repository
		validate  *validator.Validate
		validator *Validator
	}
)

var _ Service = (*service)(nil) // interface compliance check

func NewService(db core.DB, repo Repository, validate *validator.Validate, translator ut.Translator) Service {
	return &service{
		db:        db,
		repo:      repo,
		validate:  validate,
		validator: NewValidator(validate, translator),
	}
}

// Templates

func (svc *service) CreateTemplate(ctx context.Context, nt NewTemplate, createdBy string) (Template, error) {
	if err := nt.Validate(svc.validate); err != nil {
		return Template{}, err
	}
	now := NowFunc().UTC()
	tmpl := Template{
		Name:           nt.Name,
		Audience:       nt.Audience,
		Frequency:      nt.Frequency,
		OrganizationID: nt.OrganizationID,
		Grades:         nt.Grades,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return svc.repo.CreateTemplate(ctx, tmpl)
}

func (svc *service) UpdateTemplate(ctx context.Context, id string, upd UpdateTemplate) (Template, error) {
	if err := upd.Validate(svc.validate); err != nil {
		return Template{}, err
	}
	tmpl, err := svc.repo.GetTemplate(ctx, id)
	if err != nil {
		return Template{}, err
	}
	if upd.Name != "" {
		tmpl.Name = upd.Name
	}
	if upd.Audience != "" {
		tmpl.Audience = upd.Audience
	}
	if upd.Frequency != "" {
		tmpl.Frequency = upd.Frequency
	}
	if upd.Grades != nil {
		tmpl.Grades = *upd.Grades
	}
	tmpl.UpdatedAt = NowFunc().UTC()
	return svc.repo.UpdateTemplate(ctx, tmpl)
}

func (svc *service) GetTemplate(ctx context.Context, id string) (Template, error) {
	return svc.repo.GetTemplate(ctx, id)
}

func (svc *service) QueryTemplates(ctx context.Context, filter TemplateFilter, ordering ...core.DBOrdering) ([]Template, error) {
	filter.Search = core.CleanString(filter.Search)
	filter.TopLevelOnly = true
	return svc.repo.QueryTemplates(ctx, filter, ordering)
}

func (svc *service) DeleteTemplate(ctx context.Context, id string) error {
	return core.WithinTx(ctx, svc.db, func(tx core.DBExecutor) error {
		tmpl, err := svc.repo.GetTemplate(ctx, id, tx)
		if err != nil {
			return err
		}
		if tmpl.IsSubForm() {
			return ErrSubForm
		}
		count, err := svc.repo.CountResponses(ctx, id, tx)
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrTemplateInUse
		}
		return svc.deleteTemplateTree(ctx, id, tx)
	})
}

// deleteTemplateTree deletes a Template and, depth-first, the sub-forms of its fields.
func (svc *service) deleteTemplateTree(ctx context.Context, id string, tx core.DBExecutor) error {
	fields, err := svc.repo.QueryFields(ctx, id, tx)
	if err != nil {
		return err
	}
	for _, fld := range fields {
		if fld.SubFormID != "" {
			if err = svc.deleteTemplateTree(ctx, fld.SubFormID, tx); err != nil {
				return err
			}
		}
	}
	return svc.repo.DeleteTemplate(ctx, id, tx)
}

// Fields

func (svc *service) newKey(ctx context.Context, tx core.DBExecutor) (string, error) {
	for i := 0; i < maxKeyAttempts; i++ {
		key := newKeyFunc()
		exists, err := svc.repo.KeyExists(ctx, key, tx)
		if err != nil {
			return "", err
		}
		if !exists {
			return key, nil
		}
	}
	return "", ErrKeyExhausted
}

func (svc *service) AddField(ctx context.Context, templateID string, nf NewField) (Field, error) {
	if err := nf.Validate(svc.validate); err != nil {
		return Field{}, err
	}
	choices, err := parseChoices(nf.Type, nf.Choices)
	if err != nil {
		return Field{}, err
	}

	var fld Field
	err = core.WithinTx(ctx, svc.db, func(tx core.DBExecutor) error {
		tmpl, err := svc.repo.GetTemplate(ctx, templateID, tx)
		if err != nil {
			return err
		}
		key, err := svc.newKey(ctx, tx)
		if err != nil {
			return err
		}
		count, err := svc.repo.CountFields(ctx, templateID, tx)
		if err != nil {
			return err
		}

		now := NowFunc().UTC()
		fld = Field{
			Key:        key,
			TemplateID: tmpl.ID,
			Name:       nf.Name,
			Type:       nf.Type,
			Order:      count + 1,
			IsRequired: nf.IsRequired,
			IsPublic:   nf.IsPublic == nil || *nf.IsPublic,
			IsMultiple: nf.IsMultiple || nf.Type == TypeForm,
			Choices:    choices,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if fld, err = svc.repo.CreateField(ctx, fld, tx); err != nil {
			return err
		}

		if fld.Type == TypeForm {
			child, err := svc.repo.CreateTemplate(ctx, subFormOf(tmpl, fld, now), tx)
			if err != nil {
				return errors.Wrap(err, "creating sub-form")
			}
			fld.SubFormID = child.ID
		}
		return nil
	})
	if err != nil {
		return Field{}, err
	}
	return fld, nil
}

// subFormOf returns the companion Template of a form field.
func subFormOf(parent Template, fld Field, now time.Time) Template {
	return Template{
		Name:           subFormName(fld.Name, parent.Name),
		Audience:       parent.Audience,
		Frequency:      parent.Frequency,
		OrganizationID: parent.OrganizationID,
		ParentFieldID:  fld.ID,
		CreatedBy:      parent.CreatedBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func subFormName(fieldName, templateName string) string {
	return fmt.Sprintf("%s - %s", fieldName, templateName)
}

func (svc *service) UpdateField(ctx context.Context, key string, uf UpdateField) (Field, error) {
	if err := uf.Validate(svc.validate); err != nil {
		return Field{}, err
	}

	var fld Field
	err := core.WithinTx(ctx, svc.db, func(tx core.DBExecutor) error {
		var err error
		if fld, err = svc.repo.GetField(ctx, key, tx); err != nil {
			return err
		}

		typ := fld.Type
		if uf.Type != "" && uf.Type != fld.Type {
			if uf.Type == TypeForm || fld.Type == TypeForm {
				return &SchemaError{Field: "type", Reason: formTypeLockedText}
			}
			typ = uf.Type
		}
		choices := fld.Choices
		if uf.Choices != nil {
			if choices, err = parseChoices(typ, uf.Choices); err != nil {
				return err
			}
		} else if err = checkChoices(typ, choices); err != nil {
			return err
		}
		if !typ.IsChoice() {
			choices = nil
		}
		renamed := uf.Name != "" && uf.Name != fld.Name

		fld.Type = typ
		fld.Choices = choices
		if uf.Name != "" {
			fld.Name = uf.Name
		}
		if uf.IsRequired != nil {
			fld.IsRequired = *uf.IsRequired
		}
		if uf.IsPublic != nil {
			fld.IsPublic = *uf.IsPublic
		}
		if uf.IsMultiple != nil && fld.Type != TypeForm {
			fld.IsMultiple = *uf.IsMultiple
		}
		fld.UpdatedAt = NowFunc().UTC()
		if fld, err = svc.repo.UpdateField(ctx, fld, tx); err != nil {
			return err
		}

		if renamed && fld.SubFormID != "" {
			tmpl, err := svc.repo.GetTemplate(ctx, fld.TemplateID, tx)
			if err != nil {
				return err
			}
			child, err := svc.repo.GetTemplate(ctx, fld.SubFormID, tx)
			if err != nil {
				return err
			}
			child.Name = subFormName(fld.Name, tmpl.Name)
			child.UpdatedAt = fld.UpdatedAt
			if _, err = svc.repo.UpdateTemplate(ctx, child, tx); err != nil {
				return errors.Wrap(err, "renaming sub-form")
			}
		}
		return nil
	})
	if err != nil {
		return Field{}, err
	}
	return fld, nil
}

func (svc *service) DeleteField(ctx context.Context, key string) error {
	return core.WithinTx(ctx, svc.db, func(tx core.DBExecutor) error {
		fld, err := svc.repo.GetField(ctx, key, tx)
		if err != nil {
			return err
		}
		if fld.SubFormID != "" {
			if err = svc.deleteTemplateTree(ctx, fld.SubFormID, tx); err != nil {
				return err
			}
		}
		if err = svc.repo.DeleteField(ctx, fld.ID, tx); err != nil {
			return err
		}
		return svc.repo.ShiftFieldOrders(ctx, fld.TemplateID, fld.Order, tx)
	})
}

func (svc *service) SwapFields(ctx context.Context, key1, key2 string) error {
	if err := (SwapFields{Key1: key1, Key2: key2}).Validate(svc.validate); err != nil {
		return err
	}
	return core.WithinTx(ctx, svc.db, func(tx core.DBExecutor) error {
		fld1, err := svc.repo.GetField(ctx, key1, tx)
		if err != nil {
			return err
		}
		fld2, err := svc.repo.GetField(ctx, key2, tx)
		if err != nil {
			return err
		}
		if fld1.TemplateID != fld2.TemplateID {
			return &SchemaError{Field: "key2", Reason: "fields belong to different templates"}
		}
		if err = svc.repo.SetFieldOrder(ctx, fld1.ID, fld2.Order, tx); err != nil {
			return err
		}
		return svc.repo.SetFieldOrder(ctx, fld2.ID, fld1.Order, tx)
	})
}

func (svc *service) GetField(ctx context.Context, key string) (Field, error) {
	return svc.repo.GetField(ctx, key)
}

func (svc *service) QueryFields(ctx context.Context, templateID string) ([]Field, error) {
	if _, err := svc.repo.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	return svc.repo.QueryFields(ctx, templateID)
}

// Schemas

func (svc *service) LoadSchema(ctx context.Context, templateID string, submitterFacing bool) (*Schema, error) {
	return svc.loadSchema(ctx, templateID, submitterFacing, false)
}

func (svc *service) loadSchema(ctx context.Context, templateID string, submitterFacing, nested bool, exec ...core.DBExecutor) (*Schema, error) {
	tmpl, err := svc.repo.GetTemplate(ctx, templateID, exec...)
	if err != nil {
		return nil, err
	}
	fields, err := svc.repo.QueryFields(ctx, templateID, exec...)
	if err != nil {
		return nil, err
	}

	children := make(map[string]*Schema)
	for _, fld := range fields {
		if fld.Type != TypeForm {
			continue
		}
		if fld.SubFormID == "" {
			return nil, &SchemaError{Field: fld.Key, Reason: "sub-form is missing"}
		}
		child, err := svc.loadSchema(ctx, fld.SubFormID, submitterFacing, true, exec...)
		if err != nil {
			return nil, err
		}
		children[fld.ID] = child
	}

	opts := adminOpts
	if submitterFacing {
		opts = submitterOpts(nested)
	}
	return compile(tmpl, fields, children, opts)
}

// Availability & submissions

func (svc *service) availability(ctx context.Context, tmpl Template, sub Submitter, now time.Time, exec ...core.DBExecutor) (Availability, error) {
	subjectID := sub.subjectKey(tmpl)
	asg, err := svc.repo.GetAssignment(ctx, tmpl.ID, sub.OrganizationID, sub.RecipientID, subjectID, exec...)
	if err != nil {
		return Availability{}, err
	}

	// explicit period mode: a "once" template is open while its assignment is pending
	if tmpl.Frequency == FrequencyOnce && asg != nil {
		avail := Availability{Available: !asg.IsCompleted, Assignment: asg}
		if avail.Available {
			avail.NextAvailableAt = &now
		}
		return avail, nil
	}

	last, err := svc.repo.LastSubmission(ctx, tmpl.ID, sub.RecipientID, subjectID, exec...)
	if err != nil {
		return Availability{}, err
	}
	next := NextEligibleTime(last, tmpl.Frequency, now)
	return Availability{
		Available:       IsAvailableNow(last, tmpl.Frequency, now),
		NextAvailableAt: &next,
		Assignment:      asg,
	}, nil
}

func (svc *service) ListAvailable(ctx context.Context, sub Submitter) ([]AvailableTemplate, error) {
	tmpls, err := svc.repo.QueryTemplates(ctx, TemplateFilter{
		OrganizationID: sub.OrganizationID,
		IncludeGlobal:  true,
		TopLevelOnly:   true,
	}, nil)
	if err != nil {
		return nil, err
	}

	now := NowFunc().UTC()
	available := make([]AvailableTemplate, 0, len(tmpls))
	for _, tmpl := range tmpls {
		if !tmpl.Audience.Includes(sub.Role) {
			continue
		}
		if sub.Role == RoleGuardian && !tmpl.TargetsGrade(sub.SubjectGrade) {
			continue
		}
		avail, err := svc.availability(ctx, tmpl, sub, now)
		if err != nil {
			return nil, errors.Wrapf(err, "checking availability of %s", tmpl.ID)
		}
		available = append(available, AvailableTemplate{Template: tmpl, Availability: avail})
	}
	return available, nil
}

// Submit validates the answers and persists the Response with its attribute tree in one transaction.
// Nothing is written when the template is not available yet or when any answer is invalid.
func (svc *service) Submit(ctx context.Context, sm Submission) (Response, error) {
	var resp Response
	err := core.WithinTx(ctx, svc.db, func(tx core.DBExecutor) error {
		tmpl, err := svc.repo.GetTemplate(ctx, sm.TemplateID, tx)
		if err != nil {
			return err
		}
		sub := sm.Submitter
		if tmpl.IsSubForm() || !tmpl.VisibleTo(sub.OrganizationID) {
			return ErrNotFound
		}
		if !tmpl.Audience.Includes(sub.Role) || (sub.Role == RoleGuardian && !tmpl.TargetsGrade(sub.SubjectGrade)) {
			return ErrAudienceMismatch
		}

		now := NowFunc().UTC()
		avail, err := svc.availability(ctx, tmpl, sub, now, tx)
		if err != nil {
			return err
		}
		if !avail.Available {
			return &AvailabilityError{TemplateID: tmpl.ID, NextAvailableAt: avail.NextAvailableAt}
		}

		schema, err := svc.loadSchema(ctx, tmpl.ID, true /* submitterFacing */, false, tx)
		if err != nil {
			return err
		}
		answers, err := svc.validator.Validate(schema, sm.Answers)
		if err != nil {
			return err
		}

		resp = Response{
			ID:             uuid.New().String(),
			TemplateID:     tmpl.ID,
			OrganizationID: sub.OrganizationID,
			SubmittedBy:    sub.RecipientID,
			SubjectID:      sub.subjectKey(tmpl),
			CreatedAt:      now,
		}
		if asg := avail.Assignment; asg != nil && !asg.IsCompleted {
			resp.PeriodID = asg.PeriodID
			resp.DistributionID = asg.ID
		}
		attrs, err := BuildAttributes(schema, resp, answers, now, nil)
		if err != nil {
			return err
		}

		if resp, err = svc.repo.CreateResponse(ctx, resp, tx); err != nil {
			return err
		}
		if err = svc.repo.CreateAttributes(ctx, attrs, tx); err != nil {
			return err
		}
		if resp.DistributionID != "" {
			return svc.repo.CompleteAssignment(ctx, resp.DistributionID, resp.ID, now, tx)
		}
		return nil
	})
	if err != nil {
		return Response{}, err
	}
	return resp, nil
}

// AddRows appends rows to the sub-form field `fieldKey` of an existing Response.
// New rows get the next free row ordinals. Submitters may only append to public fields.
func (svc *service) AddRows(
	ctx context.Context,
	responseID, fieldKey string,
	rows []interface{},
	submitterFacing bool,
) (SubmittedResponse, error) {
	err := core.WithinTx(ctx, svc.db, func(tx core.DBExecutor) error {
		resp, err := svc.repo.GetResponse(ctx, responseID, tx)
		if err != nil {
			return err
		}
		schema, err := svc.loadSchema(ctx, resp.TemplateID, submitterFacing, false, tx)
		if err != nil {
			return err
		}
		sf, ok := schema.Field(fieldKey)
		if !ok || sf.Type != TypeForm {
			return core.NewValidationError(errInvalidAnswers, core.FieldError{Field: fieldKey, Error: "not a sub-form field"})
		}

		only := schema.Only(fieldKey)
		only.Fields[0].Required = true
		answers, err := svc.validator.Validate(only, map[string]interface{}{fieldKey: rows})
		if err != nil {
			return err
		}

		next, err := svc.repo.NextRow(ctx, resp.ID, "", fieldKey, tx)
		if err != nil {
			return err
		}
		counter := func(parentID, key string) int {
			if parentID == "" && key == fieldKey {
				return next
			}
			return 0
		}
		attrs, err := BuildAttributes(only, resp, answers, NowFunc().UTC(), counter)
		if err != nil {
			return err
		}
		return svc.repo.CreateAttributes(ctx, attrs, tx)
	})
	if err != nil {
		return SubmittedResponse{}, err
	}
	return svc.GetResponse(ctx, responseID)
}

func (svc *service) GetResponse(ctx context.Context, id string) (SubmittedResponse, error) {
	resp, err := svc.repo.GetResponse(ctx, id)
	if err != nil {
		return SubmittedResponse{}, err
	}
	return svc.readResponse(ctx, resp)
}

func (svc *service) QueryResponses(ctx context.Context, templateID string) ([]SubmittedResponse, error) {
	resps, err := svc.repo.QueryResponses(ctx, templateID)
	if err != nil {
		return nil, err
	}
	submitted := make([]SubmittedResponse, 0, len(resps))
	for _, resp := range resps {
		sr, err := svc.readResponse(ctx, resp)
		if err != nil {
			return nil, err
		}
		submitted = append(submitted, sr)
	}
	return submitted, nil
}

func (svc *service) readResponse(ctx context.Context, resp Response) (SubmittedResponse, error) {
	attrs, err := svc.repo.QueryAttributes(ctx, resp.ID)
	if err != nil {
		return SubmittedResponse{}, err
	}
	answers, err := ReadAnswers(attrs)
	if err != nil {
		return SubmittedResponse{}, errors.Wrapf(err, "reading response %s", resp.ID)
	}
	return SubmittedResponse{Response: resp, Answers: answers}, nil
}
