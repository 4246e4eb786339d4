package survey_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
	sqlxrepos "github.com/trezcool/masomo-forms/storage/database/sqlx"
	"github.com/trezcool/masomo-forms/tests"
)

type fixture struct {
	db         *sqlx.DB
	svc        survey.Service
	org        distribution.Organization
	translator ut.Translator
}

func setup(t *testing.T) fixture {
	db := testutil.PrepareDB(t)

	translator := core.NewTranslator()
	validate := core.NewValidator(translator)
	survey.InitValidators(validate, translator)

	return fixture{
		db:         db,
		svc:        survey.NewService(db, sqlxrepos.NewSurveyRepository(db), validate, translator),
		org:        testutil.CreateOrganization(t, sqlxrepos.NewRecipientRepository(db), "Sunrise School"),
		translator: translator,
	}
}

// freezeTime sets the service clock until the test ends.
func freezeTime(t *testing.T, now time.Time) *time.Time {
	clock := now
	orig := survey.NowFunc
	survey.NowFunc = func() time.Time { return clock }
	t.Cleanup(func() { survey.NowFunc = orig })
	return &clock
}

// fieldErrors maps the failing fields to their messages, whether the input or the answers are invalid.
func (f fixture) fieldErrors(t *testing.T, err error) map[string]string {
	t.Helper()
	var inputErrs validator.ValidationErrors
	if errors.As(err, &inputErrs) {
		m := make(map[string]string, len(inputErrs))
		for _, fe := range inputErrs {
			m[fe.Field()] = fe.Translate(f.translator)
		}
		return m
	}
	var vErr *core.ValidationError
	require.True(t, errors.As(err, &vErr), "error = %v, want a *core.ValidationError", err)
	return vErr.FieldMap()
}

func schemaError(t *testing.T, err error) *survey.SchemaError {
	t.Helper()
	var sErr *survey.SchemaError
	require.True(t, errors.As(err, &sErr), "error = %v, want a *survey.SchemaError", err)
	return sErr
}

func orders(t *testing.T, svc survey.Service, templateID string) map[string]int {
	t.Helper()
	fields, err := svc.QueryFields(context.Background(), templateID)
	require.NoError(t, err)
	m := make(map[string]int, len(fields))
	for _, fld := range fields {
		m[fld.Name] = fld.Order
	}
	return m
}

func TestService_CreateTemplate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	_, err := f.svc.CreateTemplate(ctx, survey.NewTemplate{Audience: "pets", Frequency: "daily"}, "admin")
	assert.Equal(t, map[string]string{
		"name":      "this field is required",
		"audience":  "invalid audience",
		"frequency": "invalid frequency",
	}, f.fieldErrors(t, err))

	tmpl, err := f.svc.CreateTemplate(ctx, survey.NewTemplate{
		Name:           "  Wellbeing ",
		Audience:       "Guardians",
		Frequency:      survey.FrequencyMonthly,
		OrganizationID: f.org.ID,
		Grades:         []int{1, 2},
	}, "admin")
	require.NoError(t, err)
	assert.NotEmpty(t, tmpl.ID)
	assert.Equal(t, "Wellbeing", tmpl.Name)
	assert.Equal(t, survey.AudienceGuardians, tmpl.Audience)

	got, err := f.svc.GetTemplate(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, got.Grades)
	assert.Equal(t, "admin", got.CreatedBy)

	_, err = f.svc.GetTemplate(ctx, "lol")
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))
}

func TestService_UpdateTemplate(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tmpl := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Staff", Audience: "employees", Frequency: "yearly"})

	grades := []int{3}
	got, err := f.svc.UpdateTemplate(ctx, tmpl.ID, survey.UpdateTemplate{Frequency: "weekly", Grades: &grades})
	require.NoError(t, err)
	assert.Equal(t, "Staff", got.Name)
	assert.Equal(t, survey.FrequencyWeekly, got.Frequency)
	assert.Equal(t, []int{3}, got.Grades)

	_, err = f.svc.UpdateTemplate(ctx, tmpl.ID, survey.UpdateTemplate{Audience: "pets"})
	assert.Equal(t, map[string]string{"audience": "invalid audience"}, f.fieldErrors(t, err))
}

func TestService_QueryTemplates(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	other := testutil.CreateOrganization(t, sqlxrepos.NewRecipientRepository(f.db), "Other School")

	global := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Global", Audience: "all", Frequency: "yearly"})
	mine := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Mine", Audience: "teachers", Frequency: "once", OrganizationID: f.org.ID})
	theirs := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Theirs", Audience: "teachers", Frequency: "weekly", OrganizationID: other.ID})
	form := testutil.AddField(t, f.svc, mine.ID, survey.NewField{Name: "Classes", Type: survey.TypeForm})

	ids := func(tmpls []survey.Template) []string {
		res := make([]string, 0, len(tmpls))
		for _, tmpl := range tmpls {
			res = append(res, tmpl.ID)
		}
		return res
	}
	byName := core.DBOrdering{Field: "name", Ascending: true}

	all, err := f.svc.QueryTemplates(ctx, survey.TemplateFilter{}, byName)
	require.NoError(t, err)
	assert.Equal(t, []string{global.ID, mine.ID, theirs.ID}, ids(all), "sub-forms are not listed")
	assert.NotContains(t, ids(all), form.SubFormID)

	scoped, err := f.svc.QueryTemplates(ctx, survey.TemplateFilter{OrganizationID: f.org.ID, IncludeGlobal: true}, byName)
	require.NoError(t, err)
	assert.Equal(t, []string{global.ID, mine.ID}, ids(scoped))

	recurring, err := f.svc.QueryTemplates(ctx, survey.TemplateFilter{Recurring: true}, byName)
	require.NoError(t, err)
	assert.Equal(t, []string{global.ID, theirs.ID}, ids(recurring))

	search, err := f.svc.QueryTemplates(ctx, survey.TemplateFilter{Search: "the"})
	require.NoError(t, err)
	assert.Equal(t, []string{theirs.ID}, ids(search))

	_, err = f.svc.QueryTemplates(ctx, survey.TemplateFilter{}, core.DBOrdering{Field: "lol"})
	assert.Equal(t, map[string]string{"ordering": "unknown field lol"}, f.fieldErrors(t, err))
}

func TestService_Fields(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tmpl := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Household", Audience: "guardians", Frequency: "yearly"})

	// validation
	_, err := f.svc.AddField(ctx, tmpl.ID, survey.NewField{Type: "lol"})
	assert.Equal(t, map[string]string{"name": "this field is required", "type": "invalid field type"}, f.fieldErrors(t, err))
	_, err = f.svc.AddField(ctx, tmpl.ID, survey.NewField{Name: "Color", Type: survey.TypeSelect})
	assert.Equal(t, "choices", schemaError(t, err).Field)
	_, err = f.svc.AddField(ctx, tmpl.ID, survey.NewField{Name: "Color", Type: survey.TypeSelect, Choices: json.RawMessage(`"red"`)})
	assert.Equal(t, "choices must be a list", schemaError(t, err).Reason)
	_, err = f.svc.AddField(ctx, "lol", survey.NewField{Name: "Name", Type: survey.TypeText})
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))

	// orders are dense & keys unique
	private := false
	name := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "Name", Type: survey.TypeText, IsRequired: true})
	color := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{
		Name: "Color", Type: survey.TypeRadio, Choices: json.RawMessage(`[" red ", "blue"]`), IsPublic: &private,
	})
	size := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "Size", Type: survey.TypeNumber})
	assert.Equal(t, map[string]int{"Name": 1, "Color": 2, "Size": 3}, orders(t, f.svc, tmpl.ID))
	assert.NotEqual(t, name.Key, color.Key)
	assert.Equal(t, []string{"red", "blue"}, color.Choices)
	assert.True(t, name.IsPublic)
	assert.False(t, color.IsPublic)

	// swap
	require.NoError(t, f.svc.SwapFields(ctx, name.Key, size.Key))
	assert.Equal(t, map[string]int{"Size": 1, "Color": 2, "Name": 3}, orders(t, f.svc, tmpl.ID))
	assert.Equal(t, map[string]string{"key2": "fields must be different"}, f.fieldErrors(t, f.svc.SwapFields(ctx, name.Key, name.Key)))

	// update
	_, err = f.svc.UpdateField(ctx, size.Key, survey.UpdateField{Type: survey.TypeCheckbox})
	assert.Equal(t, "choices", schemaError(t, err).Field)
	_, err = f.svc.UpdateField(ctx, size.Key, survey.UpdateField{Type: survey.TypeForm})
	assert.Equal(t, "type", schemaError(t, err).Field)
	required := true
	updated, err := f.svc.UpdateField(ctx, color.Key, survey.UpdateField{Name: "Colour", Type: survey.TypeText, IsRequired: &required})
	require.NoError(t, err)
	assert.Equal(t, survey.TypeText, updated.Type)
	assert.Nil(t, updated.Choices)
	assert.True(t, updated.IsRequired)
	assert.Equal(t, color.Key, updated.Key)

	// delete keeps orders dense
	require.NoError(t, f.svc.DeleteField(ctx, color.Key))
	assert.Equal(t, map[string]int{"Size": 1, "Name": 2}, orders(t, f.svc, tmpl.ID))
	_, err = f.svc.GetField(ctx, color.Key)
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))
	assert.Equal(t, survey.ErrNotFound, errors.Cause(f.svc.DeleteField(ctx, color.Key)))
}

func TestService_Fields_keyCollision(t *testing.T) {
	f := setup(t)
	tmpl := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Staff", Audience: "employees", Frequency: "once"})

	keys := []string{"fdup", "fdup", "fdup", "fnew"}
	restore := survey.SetNewKeyFunc(func() string {
		key := keys[0]
		keys = keys[1:]
		return key
	})
	defer restore()

	first := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "A", Type: survey.TypeText})
	second := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "B", Type: survey.TypeText})
	assert.Equal(t, "fdup", first.Key)
	assert.Equal(t, "fnew", second.Key)

	restoreDup := survey.SetNewKeyFunc(func() string { return "fdup" })
	defer restoreDup()
	_, err := f.svc.AddField(context.Background(), tmpl.ID, survey.NewField{Name: "C", Type: survey.TypeText})
	assert.Equal(t, survey.ErrKeyExhausted, errors.Cause(err))
}

func TestService_SubForms(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	tmpl := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{
		Name: "Household", Audience: "guardians", Frequency: "yearly", OrganizationID: f.org.ID,
	})
	contacts := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "Contacts", Type: survey.TypeForm})
	require.NotEmpty(t, contacts.SubFormID)
	assert.True(t, contacts.IsMultiple)

	sub, err := f.svc.GetTemplate(ctx, contacts.SubFormID)
	require.NoError(t, err)
	assert.Equal(t, "Contacts - Household", sub.Name)
	assert.Equal(t, contacts.ID, sub.ParentFieldID)
	assert.Equal(t, f.org.ID, sub.OrganizationID)

	phone := testutil.AddField(t, f.svc, sub.ID, survey.NewField{Name: "Phone", Type: survey.TypeText, IsRequired: true})
	testutil.AddField(t, f.svc, sub.ID, survey.NewField{Name: "Calls", Type: survey.TypeForm})

	schema, err := f.svc.LoadSchema(ctx, tmpl.ID, false)
	require.NoError(t, err)
	require.Len(t, schema.Fields, 1)
	require.NotNil(t, schema.Fields[0].SubForm)
	assert.Equal(t, phone.Key, schema.Fields[0].SubForm.Fields[0].Key)
	require.NotNil(t, schema.Fields[0].SubForm.Fields[1].SubForm, "sub-forms nest")

	// renaming the field renames its sub-form
	_, err = f.svc.UpdateField(ctx, contacts.Key, survey.UpdateField{Name: "People"})
	require.NoError(t, err)
	sub, err = f.svc.GetTemplate(ctx, contacts.SubFormID)
	require.NoError(t, err)
	assert.Equal(t, "People - Household", sub.Name)

	// sub-forms go with their template
	assert.Equal(t, survey.ErrSubForm, errors.Cause(f.svc.DeleteTemplate(ctx, sub.ID)))
	require.NoError(t, f.svc.DeleteTemplate(ctx, tmpl.ID))
	_, err = f.svc.GetTemplate(ctx, sub.ID)
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))
	_, err = f.svc.GetField(ctx, phone.Key)
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))
}

func TestService_Submit(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	clock := freezeTime(t, time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC))

	tmpl := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{
		Name: "Wellbeing", Audience: "guardians", Frequency: "weekly", OrganizationID: f.org.ID,
	})
	mood := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{
		Name: "Mood", Type: survey.TypeSelect, IsRequired: true, Choices: json.RawMessage(`["good", "bad"]`),
	})
	contacts := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "Contacts", Type: survey.TypeForm})
	phone := testutil.AddField(t, f.svc, contacts.SubFormID, survey.NewField{Name: "Phone", Type: survey.TypeText, IsRequired: true})

	guardian := survey.Submitter{RecipientID: "rcpt-1", OrganizationID: f.org.ID, Role: survey.RoleGuardian, SubjectID: "kid-1", SubjectGrade: 2}
	submit := func(sub survey.Submitter, answers map[string]interface{}) (survey.Response, error) {
		return f.svc.Submit(ctx, survey.Submission{TemplateID: tmpl.ID, Submitter: sub, Answers: answers})
	}
	valid := map[string]interface{}{
		mood.Key:     "good",
		contacts.Key: []interface{}{map[string]interface{}{phone.Key: "0812"}},
	}

	// invalid answers write nothing
	_, err := submit(guardian, map[string]interface{}{
		mood.Key:     "meh",
		contacts.Key: []interface{}{map[string]interface{}{phone.Key: ""}},
	})
	fm := f.fieldErrors(t, err)
	assert.Contains(t, fm, mood.Key)
	assert.Contains(t, fm, contacts.Key+"[0]."+phone.Key)
	resps, err := f.svc.QueryResponses(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Empty(t, resps)

	// wrong audience / organization
	_, err = submit(survey.Submitter{RecipientID: "rcpt-2", OrganizationID: f.org.ID, Role: survey.RoleTeacher}, valid)
	assert.Equal(t, survey.ErrAudienceMismatch, errors.Cause(err))
	_, err = submit(survey.Submitter{RecipientID: "rcpt-3", OrganizationID: "other", Role: survey.RoleGuardian}, valid)
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))
	_, err = f.svc.Submit(ctx, survey.Submission{TemplateID: contacts.SubFormID, Submitter: guardian, Answers: valid})
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))

	resp, err := submit(guardian, valid)
	require.NoError(t, err)
	assert.Equal(t, "kid-1", resp.SubjectID)
	assert.Empty(t, resp.DistributionID)

	got, err := f.svc.GetResponse(ctx, resp.ID)
	require.NoError(t, err)
	assert.Equal(t, survey.Answers{
		mood.Key:     "good",
		contacts.Key: []survey.Answers{{phone.Key: "0812"}},
	}, got.Answers)

	// not available again before a week
	*clock = clock.Add(6 * 24 * time.Hour)
	_, err = submit(guardian, valid)
	var availErr *survey.AvailabilityError
	require.True(t, errors.As(err, &availErr), "Submit() error = %v, want an *AvailabilityError", err)
	require.NotNil(t, availErr.NextAvailableAt)
	assert.Equal(t, resp.CreatedAt.Add(7*24*time.Hour), availErr.NextAvailableAt.UTC())
	assert.True(t, survey.IsAvailabilityError(err))

	// the same guardian answers for another student
	other := guardian
	other.SubjectID = "kid-2"
	_, err = submit(other, valid)
	require.NoError(t, err)

	*clock = clock.Add(24 * time.Hour)
	_, err = submit(guardian, valid)
	require.NoError(t, err)

	resps, err = f.svc.QueryResponses(ctx, tmpl.ID)
	require.NoError(t, err)
	assert.Len(t, resps, 3)

	// templates with responses are kept
	assert.Equal(t, survey.ErrTemplateInUse, errors.Cause(f.svc.DeleteTemplate(ctx, tmpl.ID)))
}

func TestService_AddRows(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	tmpl := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{
		Name: "Staff", Audience: "employees", Frequency: "once", OrganizationID: f.org.ID,
	})
	name := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "Name", Type: survey.TypeText})
	trips := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "Trips", Type: survey.TypeForm})
	city := testutil.AddField(t, f.svc, trips.SubFormID, survey.NewField{Name: "City", Type: survey.TypeText, IsRequired: true})
	private := false
	notes := testutil.AddField(t, f.svc, tmpl.ID, survey.NewField{Name: "Notes", Type: survey.TypeForm, IsPublic: &private})
	memo := testutil.AddField(t, f.svc, notes.SubFormID, survey.NewField{Name: "Memo", Type: survey.TypeText, IsRequired: true})
	trip := func(c string) map[string]interface{} { return map[string]interface{}{city.Key: c} }

	resp, err := f.svc.Submit(ctx, survey.Submission{
		TemplateID: tmpl.ID,
		Submitter:  survey.Submitter{RecipientID: "rcpt-1", OrganizationID: f.org.ID, Role: survey.RoleEmployee},
		Answers:    map[string]interface{}{name.Key: "Jo", trips.Key: []interface{}{trip("Goma")}},
	})
	require.NoError(t, err)

	_, err = f.svc.AddRows(ctx, resp.ID, name.Key, []interface{}{trip("Kinshasa")}, true)
	assert.Equal(t, map[string]string{name.Key: "not a sub-form field"}, f.fieldErrors(t, err))
	_, err = f.svc.AddRows(ctx, resp.ID, trips.Key, []interface{}{}, true)
	assert.Equal(t, map[string]string{trips.Key: "this field is required"}, f.fieldErrors(t, err))
	_, err = f.svc.AddRows(ctx, "lol", trips.Key, []interface{}{trip("Kinshasa")}, true)
	assert.Equal(t, survey.ErrNotFound, errors.Cause(err))

	got, err := f.svc.AddRows(ctx, resp.ID, trips.Key, []interface{}{trip("Kinshasa"), trip("Bukavu")}, true)
	require.NoError(t, err)
	assert.Equal(t, survey.Answers{
		name.Key:  "Jo",
		trips.Key: []survey.Answers{{city.Key: "Goma"}, {city.Key: "Kinshasa"}, {city.Key: "Bukavu"}},
	}, got.Answers)

	// admin-only sub-forms are out of the submitter's reach
	memoRows := []interface{}{map[string]interface{}{memo.Key: "follow up"}}
	_, err = f.svc.AddRows(ctx, resp.ID, notes.Key, memoRows, true)
	assert.Equal(t, map[string]string{notes.Key: "not a sub-form field"}, f.fieldErrors(t, err))
	got, err = f.svc.AddRows(ctx, resp.ID, notes.Key, memoRows, false)
	require.NoError(t, err)
	assert.Equal(t, []survey.Answers{{memo.Key: "follow up"}}, got.Answers[notes.Key])
}

func TestService_ListAvailable(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	now := *freezeTime(t, time.Date(2024, time.March, 15, 10, 0, 0, 0, time.UTC))

	grade2 := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{
		Name: "Grade 2", Audience: "guardians", Frequency: "monthly", OrganizationID: f.org.ID, Grades: []int{2},
	})
	testutil.CreateTemplate(t, f.svc, survey.NewTemplate{
		Name: "Grade 5", Audience: "guardians", Frequency: "monthly", OrganizationID: f.org.ID, Grades: []int{5},
	})
	testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Teachers", Audience: "teachers", Frequency: "weekly"})
	everyone := testutil.CreateTemplate(t, f.svc, survey.NewTemplate{Name: "Everyone", Audience: "all", Frequency: "yearly"})
	testutil.AddField(t, f.svc, everyone.ID, survey.NewField{Name: "Comment", Type: survey.TypeText})

	guardian := survey.Submitter{RecipientID: "rcpt-1", OrganizationID: f.org.ID, Role: survey.RoleGuardian, SubjectID: "kid-1", SubjectGrade: 2}
	_, err := f.svc.Submit(ctx, survey.Submission{TemplateID: everyone.ID, Submitter: guardian, Answers: map[string]interface{}{}})
	require.NoError(t, err)

	available, err := f.svc.ListAvailable(ctx, guardian)
	require.NoError(t, err)
	byID := make(map[string]survey.AvailableTemplate, len(available))
	for _, at := range available {
		byID[at.ID] = at
	}
	require.Len(t, byID, 2)

	assert.True(t, byID[grade2.ID].Available)
	assert.False(t, byID[everyone.ID].Available)
	require.NotNil(t, byID[everyone.ID].NextAvailableAt)
	assert.Equal(t, now.Add(365*24*time.Hour), byID[everyone.ID].NextAvailableAt.UTC())
}
