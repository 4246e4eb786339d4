package sqlxrepos

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/survey"
)

type (
	templateRow struct {
		ID             string      `db:"id"`
		Name           string      `db:"name"`
		Audience       string      `db:"audience"`
		Frequency      string      `db:"frequency"`
		OrganizationID null.String `db:"organization_id"`
		ParentFieldID  null.String `db:"parent_field_id"`
		Grades         string      `db:"grades"` // JSON list
		CreatedBy      string      `db:"created_by"`
		CreatedAt      time.Time   `db:"created_at"`
		UpdatedAt      time.Time   `db:"updated_at"`
	}

	fieldRow struct {
		ID         string      `db:"id"`
		Key        string      `db:"field_key"`
		TemplateID string      `db:"template_id"`
		Name       string      `db:"name"`
		Type       string      `db:"type"`
		Order      int         `db:"sort_order"`
		IsRequired bool        `db:"is_required"`
		IsPublic   bool        `db:"is_public"`
		IsMultiple bool        `db:"is_multiple"`
		Choices    null.String `db:"choices"` // JSON list
		SubFormID  string      `db:"sub_form_id"`
		CreatedAt  time.Time   `db:"created_at"`
		UpdatedAt  time.Time   `db:"updated_at"`
	}

	responseRow struct {
		ID             string      `db:"id"`
		TemplateID     string      `db:"template_id"`
		OrganizationID string      `db:"organization_id"`
		PeriodID       null.String `db:"period_id"`
		DistributionID null.String `db:"distribution_id"`
		SubmittedBy    string      `db:"submitted_by"`
		SubjectID      string      `db:"subject_id"`
		CreatedAt      time.Time   `db:"created_at"`
	}

	attributeRow struct {
		ID         string      `db:"id"`
		ResponseID string      `db:"response_id"`
		ParentID   null.String `db:"parent_id"`
		FieldID    null.String `db:"field_id"`
		FieldKey   string      `db:"field_key"`
		Type       string      `db:"type"`
		Name       string      `db:"name"`
		Value      null.String `db:"value"`
		Row        int         `db:"row_index"`
		Seq        int         `db:"seq"`
		CreatedAt  time.Time   `db:"created_at"`
	}
)

const (
	templateColumns = "id, name, audience, frequency, organization_id, parent_field_id, grades, created_by, created_at, updated_at"
	fieldSelect     = `
SELECT f.id, f.field_key, f.template_id, f.name, f.type, f.sort_order, f.is_required, f.is_public, f.is_multiple,
       f.choices, COALESCE(sf.id, '') AS sub_form_id, f.created_at, f.updated_at
FROM survey_field f
LEFT JOIN survey_template sf ON sf.parent_field_id = f.id`
	responseColumns  = "id, template_id, organization_id, period_id, distribution_id, submitted_by, subject_id, created_at"
	attributeColumns = "id, response_id, parent_id, field_id, field_key, type, name, value, row_index, seq, created_at"
)

var templateOrderings = map[string]string{
	"name":       "name",
	"created_at": "created_at",
	"updated_at": "updated_at",
}

type surveyRepository struct {
	base
}

var _ survey.Repository = (*surveyRepository)(nil) // interface compliance check

func NewSurveyRepository(db core.DBExecutor) *surveyRepository {
	return &surveyRepository{base{db: db}}
}

func nullID(id string) null.String {
	return null.NewString(id, id != "")
}

func (repo surveyRepository) toTemplateRow(tmpl survey.Template) (templateRow, error) {
	grades := tmpl.Grades
	if grades == nil {
		grades = []int{}
	}
	encoded, err := json.Marshal(grades)
	if err != nil {
		return templateRow{}, errors.Wrap(err, "encoding grades")
	}
	return templateRow{
		ID:             tmpl.ID,
		Name:           tmpl.Name,
		Audience:       string(tmpl.Audience),
		Frequency:      string(tmpl.Frequency),
		OrganizationID: nullID(tmpl.OrganizationID),
		ParentFieldID:  nullID(tmpl.ParentFieldID),
		Grades:         string(encoded),
		CreatedBy:      tmpl.CreatedBy,
		CreatedAt:      tmpl.CreatedAt.UTC(),
		UpdatedAt:      tmpl.UpdatedAt.UTC(),
	}, nil
}

func (row templateRow) template() (survey.Template, error) {
	tmpl := survey.Template{
		ID:             row.ID,
		Name:           row.Name,
		Audience:       survey.Audience(row.Audience),
		Frequency:      survey.Frequency(row.Frequency),
		OrganizationID: row.OrganizationID.String,
		ParentFieldID:  row.ParentFieldID.String,
		CreatedBy:      row.CreatedBy,
		CreatedAt:      row.CreatedAt.UTC(),
		UpdatedAt:      row.UpdatedAt.UTC(),
	}
	if row.Grades != "" {
		if err := json.Unmarshal([]byte(row.Grades), &tmpl.Grades); err != nil {
			return survey.Template{}, errors.Wrapf(err, "decoding grades of template %s", row.ID)
		}
	}
	return tmpl, nil
}

func (row fieldRow) field() (survey.Field, error) {
	fld := survey.Field{
		ID:         row.ID,
		Key:        row.Key,
		TemplateID: row.TemplateID,
		Name:       row.Name,
		Type:       survey.FieldType(row.Type),
		Order:      row.Order,
		IsRequired: row.IsRequired,
		IsPublic:   row.IsPublic,
		IsMultiple: row.IsMultiple,
		SubFormID:  row.SubFormID,
		CreatedAt:  row.CreatedAt.UTC(),
		UpdatedAt:  row.UpdatedAt.UTC(),
	}
	if row.Choices.Valid && row.Choices.String != "" {
		if err := json.Unmarshal([]byte(row.Choices.String), &fld.Choices); err != nil {
			return survey.Field{}, errors.Wrapf(err, "decoding choices of field %s", row.Key)
		}
	}
	return fld, nil
}

func encodeChoices(choices []string) (null.String, error) {
	if choices == nil {
		return null.String{}, nil
	}
	encoded, err := json.Marshal(choices)
	if err != nil {
		return null.String{}, errors.Wrap(err, "encoding choices")
	}
	return null.StringFrom(string(encoded)), nil
}

func (row responseRow) response() survey.Response {
	return survey.Response{
		ID:             row.ID,
		TemplateID:     row.TemplateID,
		OrganizationID: row.OrganizationID,
		PeriodID:       row.PeriodID.String,
		DistributionID: row.DistributionID.String,
		SubmittedBy:    row.SubmittedBy,
		SubjectID:      row.SubjectID,
		CreatedAt:      row.CreatedAt.UTC(),
	}
}

// Templates

func (repo surveyRepository) CreateTemplate(ctx context.Context, tmpl survey.Template, exec ...core.DBExecutor) (survey.Template, error) {
	if tmpl.ID == "" {
		tmpl.ID = uuid.New().String()
	}
	row, err := repo.toTemplateRow(tmpl)
	if err != nil {
		return survey.Template{}, err
	}
	q := "INSERT INTO survey_template (" + templateColumns + ") VALUES " +
		"(:id, :name, :audience, :frequency, :organization_id, :parent_field_id, :grades, :created_by, :created_at, :updated_at)"
	if _, err = sqlx.NamedExecContext(ctx, repo.getExec(exec), q, row); err != nil {
		return survey.Template{}, errors.Wrap(err, "inserting template")
	}
	return row.template()
}

func (repo surveyRepository) UpdateTemplate(ctx context.Context, tmpl survey.Template, exec ...core.DBExecutor) (survey.Template, error) {
	row, err := repo.toTemplateRow(tmpl)
	if err != nil {
		return survey.Template{}, err
	}
	q := `UPDATE survey_template
SET name = :name, audience = :audience, frequency = :frequency, grades = :grades, updated_at = :updated_at
WHERE id = :id`
	res, err := sqlx.NamedExecContext(ctx, repo.getExec(exec), q, row)
	if err != nil {
		return survey.Template{}, errors.Wrap(err, "updating template")
	}
	if err = checkAffected(res, survey.ErrNotFound, "updating template"); err != nil {
		return survey.Template{}, err
	}
	return row.template()
}

func (repo surveyRepository) GetTemplate(ctx context.Context, id string, exec ...core.DBExecutor) (survey.Template, error) {
	exe := repo.getExec(exec)
	var row templateRow
	q := exe.Rebind("SELECT " + templateColumns + " FROM survey_template WHERE id = ?")
	if err := sqlx.GetContext(ctx, exe, &row, q, id); err != nil {
		return survey.Template{}, trapNoRowsErr(err, survey.ErrNotFound, "getting template")
	}
	return row.template()
}

func (repo surveyRepository) QueryTemplates(
	ctx context.Context,
	filter survey.TemplateFilter,
	ordering []core.DBOrdering,
	exec ...core.DBExecutor,
) ([]survey.Template, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.OrganizationID != "" {
		if filter.IncludeGlobal {
			where = append(where, "(organization_id = ? OR organization_id IS NULL)")
		} else {
			where = append(where, "organization_id = ?")
		}
		args = append(args, filter.OrganizationID)
	}
	if filter.TopLevelOnly {
		where = append(where, "parent_field_id IS NULL")
	}
	if filter.Recurring {
		where = append(where, "frequency <> ?")
		args = append(args, string(survey.FrequencyOnce))
	}
	if filter.Search != "" {
		where = append(where, "LOWER(name) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
	}

	q := "SELECT " + templateColumns + " FROM survey_template"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	order, err := orderBy(ordering, templateOrderings, "created_at ASC, id ASC")
	if err != nil {
		return nil, err
	}
	q += order

	exe := repo.getExec(exec)
	var rows []templateRow
	if err = sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), args...); err != nil {
		return nil, errors.Wrap(err, "querying templates")
	}
	tmpls := make([]survey.Template, 0, len(rows))
	for _, row := range rows {
		tmpl, err := row.template()
		if err != nil {
			return nil, err
		}
		tmpls = append(tmpls, tmpl)
	}
	return tmpls, nil
}

func (repo surveyRepository) DeleteTemplate(ctx context.Context, id string, exec ...core.DBExecutor) error {
	exe := repo.getExec(exec)
	res, err := exe.ExecContext(ctx, exe.Rebind("DELETE FROM survey_template WHERE id = ?"), id)
	if err != nil {
		return errors.Wrap(err, "deleting template")
	}
	return checkAffected(res, survey.ErrNotFound, "deleting template")
}

// Fields

func (repo surveyRepository) KeyExists(ctx context.Context, key string, exec ...core.DBExecutor) (bool, error) {
	exe := repo.getExec(exec)
	var count int
	if err := exe.QueryRowContext(ctx, exe.Rebind("SELECT COUNT(*) FROM survey_field WHERE field_key = ?"), key).Scan(&count); err != nil {
		return false, errors.Wrap(err, "checking field key")
	}
	return count > 0, nil
}

func (repo surveyRepository) CountFields(ctx context.Context, templateID string, exec ...core.DBExecutor) (int, error) {
	exe := repo.getExec(exec)
	var count int
	if err := exe.QueryRowContext(ctx, exe.Rebind("SELECT COUNT(*) FROM survey_field WHERE template_id = ?"), templateID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "counting fields")
	}
	return count, nil
}

func (repo surveyRepository) CreateField(ctx context.Context, fld survey.Field, exec ...core.DBExecutor) (survey.Field, error) {
	if fld.ID == "" {
		fld.ID = uuid.New().String()
	}
	choices, err := encodeChoices(fld.Choices)
	if err != nil {
		return survey.Field{}, err
	}
	exe := repo.getExec(exec)
	q := exe.Rebind(`INSERT INTO survey_field
(id, field_key, template_id, name, type, sort_order, is_required, is_public, is_multiple, choices, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = exe.ExecContext(ctx, q,
		fld.ID, fld.Key, fld.TemplateID, fld.Name, string(fld.Type), fld.Order,
		fld.IsRequired, fld.IsPublic, fld.IsMultiple, choices, fld.CreatedAt.UTC(), fld.UpdatedAt.UTC())
	if err != nil {
		return survey.Field{}, errors.Wrap(err, "inserting field")
	}
	return fld, nil
}

func (repo surveyRepository) UpdateField(ctx context.Context, fld survey.Field, exec ...core.DBExecutor) (survey.Field, error) {
	choices, err := encodeChoices(fld.Choices)
	if err != nil {
		return survey.Field{}, err
	}
	exe := repo.getExec(exec)
	q := exe.Rebind(`UPDATE survey_field
SET name = ?, type = ?, is_required = ?, is_public = ?, is_multiple = ?, choices = ?, updated_at = ?
WHERE id = ?`)
	res, err := exe.ExecContext(ctx, q,
		fld.Name, string(fld.Type), fld.IsRequired, fld.IsPublic, fld.IsMultiple, choices, fld.UpdatedAt.UTC(), fld.ID)
	if err != nil {
		return survey.Field{}, errors.Wrap(err, "updating field")
	}
	if err = checkAffected(res, survey.ErrNotFound, "updating field"); err != nil {
		return survey.Field{}, err
	}
	return fld, nil
}

func (repo surveyRepository) GetField(ctx context.Context, key string, exec ...core.DBExecutor) (survey.Field, error) {
	exe := repo.getExec(exec)
	var row fieldRow
	if err := sqlx.GetContext(ctx, exe, &row, exe.Rebind(fieldSelect+" WHERE f.field_key = ?"), key); err != nil {
		return survey.Field{}, trapNoRowsErr(err, survey.ErrNotFound, "getting field")
	}
	return row.field()
}

func (repo surveyRepository) QueryFields(ctx context.Context, templateID string, exec ...core.DBExecutor) ([]survey.Field, error) {
	exe := repo.getExec(exec)
	var rows []fieldRow
	q := exe.Rebind(fieldSelect + " WHERE f.template_id = ? ORDER BY f.sort_order ASC, f.created_at ASC")
	if err := sqlx.SelectContext(ctx, exe, &rows, q, templateID); err != nil {
		return nil, errors.Wrap(err, "querying fields")
	}
	fields := make([]survey.Field, 0, len(rows))
	for _, row := range rows {
		fld, err := row.field()
		if err != nil {
			return nil, err
		}
		fields = append(fields, fld)
	}
	return fields, nil
}

func (repo surveyRepository) DeleteField(ctx context.Context, id string, exec ...core.DBExecutor) error {
	exe := repo.getExec(exec)
	res, err := exe.ExecContext(ctx, exe.Rebind("DELETE FROM survey_field WHERE id = ?"), id)
	if err != nil {
		return errors.Wrap(err, "deleting field")
	}
	return checkAffected(res, survey.ErrNotFound, "deleting field")
}

func (repo surveyRepository) ShiftFieldOrders(ctx context.Context, templateID string, order int, exec ...core.DBExecutor) error {
	exe := repo.getExec(exec)
	q := exe.Rebind("UPDATE survey_field SET sort_order = sort_order - 1 WHERE template_id = ? AND sort_order > ?")
	if _, err := exe.ExecContext(ctx, q, templateID, order); err != nil {
		return errors.Wrap(err, "shifting field orders")
	}
	return nil
}

func (repo surveyRepository) SetFieldOrder(ctx context.Context, fieldID string, order int, exec ...core.DBExecutor) error {
	exe := repo.getExec(exec)
	res, err := exe.ExecContext(ctx, exe.Rebind("UPDATE survey_field SET sort_order = ? WHERE id = ?"), order, fieldID)
	if err != nil {
		return errors.Wrap(err, "setting field order")
	}
	return checkAffected(res, survey.ErrNotFound, "setting field order")
}

// Responses

func (repo surveyRepository) CreateResponse(ctx context.Context, resp survey.Response, exec ...core.DBExecutor) (survey.Response, error) {
	if resp.ID == "" {
		resp.ID = uuid.New().String()
	}
	exe := repo.getExec(exec)
	q := exe.Rebind("INSERT INTO survey_response (" + responseColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := exe.ExecContext(ctx, q,
		resp.ID, resp.TemplateID, resp.OrganizationID, nullID(resp.PeriodID), nullID(resp.DistributionID),
		resp.SubmittedBy, resp.SubjectID, resp.CreatedAt.UTC())
	if err != nil {
		return survey.Response{}, errors.Wrap(err, "inserting response")
	}
	return resp, nil
}

func (repo surveyRepository) GetResponse(ctx context.Context, id string, exec ...core.DBExecutor) (survey.Response, error) {
	exe := repo.getExec(exec)
	var row responseRow
	q := exe.Rebind("SELECT " + responseColumns + " FROM survey_response WHERE id = ?")
	if err := sqlx.GetContext(ctx, exe, &row, q, id); err != nil {
		return survey.Response{}, trapNoRowsErr(err, survey.ErrNotFound, "getting response")
	}
	return row.response(), nil
}

func (repo surveyRepository) QueryResponses(ctx context.Context, templateID string, exec ...core.DBExecutor) ([]survey.Response, error) {
	exe := repo.getExec(exec)
	var rows []responseRow
	q := exe.Rebind("SELECT " + responseColumns + " FROM survey_response WHERE template_id = ? ORDER BY created_at ASC, id ASC")
	if err := sqlx.SelectContext(ctx, exe, &rows, q, templateID); err != nil {
		return nil, errors.Wrap(err, "querying responses")
	}
	resps := make([]survey.Response, 0, len(rows))
	for _, row := range rows {
		resps = append(resps, row.response())
	}
	return resps, nil
}

func (repo surveyRepository) CountResponses(ctx context.Context, templateID string, exec ...core.DBExecutor) (int, error) {
	exe := repo.getExec(exec)
	var count int
	if err := exe.QueryRowContext(ctx, exe.Rebind("SELECT COUNT(*) FROM survey_response WHERE template_id = ?"), templateID).Scan(&count); err != nil {
		return 0, errors.Wrap(err, "counting responses")
	}
	return count, nil
}

func (repo surveyRepository) LastSubmission(
	ctx context.Context,
	templateID, recipientID, subjectID string,
	exec ...core.DBExecutor,
) (*time.Time, error) {
	exe := repo.getExec(exec)
	q := exe.Rebind(`SELECT created_at FROM survey_response
WHERE template_id = ? AND submitted_by = ? AND subject_id = ?
ORDER BY created_at DESC LIMIT 1`)
	var last time.Time
	err := exe.QueryRowContext(ctx, q, templateID, recipientID, subjectID).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting last submission")
	}
	last = last.UTC()
	return &last, nil
}

// Attributes

func (repo surveyRepository) CreateAttributes(ctx context.Context, attrs []survey.Attribute, exec ...core.DBExecutor) error {
	if len(attrs) == 0 {
		return nil
	}
	rows := make([][]interface{}, 0, len(attrs))
	for _, a := range attrs {
		value := null.String{}
		if a.Value != nil {
			value = null.StringFrom(string(a.Value))
		}
		rows = append(rows, []interface{}{
			a.ID, a.ResponseID, nullID(a.ParentID), nullID(a.FieldID), a.FieldKey,
			string(a.Type), a.Name, value, a.Row, a.Seq, a.CreatedAt.UTC(),
		})
	}
	// parents precede their children in attrs, so the foreign keys hold chunk by chunk
	q := "INSERT INTO survey_attribute (" + attributeColumns + ") VALUES %s"
	if err := bulkInsert(ctx, repo.getExec(exec), q, 11, rows, nil); err != nil {
		return errors.Wrap(err, "inserting attributes")
	}
	return nil
}

func (repo surveyRepository) QueryAttributes(ctx context.Context, responseID string, exec ...core.DBExecutor) ([]survey.Attribute, error) {
	exe := repo.getExec(exec)
	var rows []attributeRow
	q := exe.Rebind("SELECT " + attributeColumns + " FROM survey_attribute WHERE response_id = ? ORDER BY seq ASC, created_at ASC")
	if err := sqlx.SelectContext(ctx, exe, &rows, q, responseID); err != nil {
		return nil, errors.Wrap(err, "querying attributes")
	}
	attrs := make([]survey.Attribute, 0, len(rows))
	for _, row := range rows {
		attr := survey.Attribute{
			ID:         row.ID,
			ResponseID: row.ResponseID,
			ParentID:   row.ParentID.String,
			FieldID:    row.FieldID.String,
			FieldKey:   row.FieldKey,
			Type:       survey.FieldType(row.Type),
			Name:       row.Name,
			Row:        row.Row,
			Seq:        row.Seq,
			CreatedAt:  row.CreatedAt.UTC(),
		}
		if row.Value.Valid {
			attr.Value = json.RawMessage(row.Value.String)
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func (repo surveyRepository) NextRow(ctx context.Context, responseID, parentID, fieldKey string, exec ...core.DBExecutor) (int, error) {
	exe := repo.getExec(exec)
	q := `SELECT COALESCE(MAX(row_index) + 1, 0) FROM survey_attribute
WHERE response_id = ? AND field_key = ? AND type = ? AND `
	args := []interface{}{responseID, fieldKey, string(survey.TypeForm)}
	if parentID == "" {
		q += "parent_id IS NULL"
	} else {
		q += "parent_id = ?"
		args = append(args, parentID)
	}
	var next int
	if err := exe.QueryRowContext(ctx, exe.Rebind(q), args...).Scan(&next); err != nil {
		return 0, errors.Wrap(err, "getting next row")
	}
	return next, nil
}

// Assignments

func (repo surveyRepository) GetAssignment(
	ctx context.Context,
	templateID, orgID, recipientID, subjectID string,
	exec ...core.DBExecutor,
) (*survey.Assignment, error) {
	exe := repo.getExec(exec)
	q := exe.Rebind(`SELECT d.id, d.period_id, d.is_completed
FROM survey_distribution d
JOIN survey_period p ON p.id = d.period_id
WHERE p.template_id = ? AND p.organization_id = ? AND p.is_active = ? AND d.recipient_id = ? AND d.subject_id = ?
LIMIT 1`)
	var asg survey.Assignment
	err := exe.QueryRowContext(ctx, q, templateID, orgID, true, recipientID, subjectID).Scan(&asg.ID, &asg.PeriodID, &asg.IsCompleted)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting assignment")
	}
	return &asg, nil
}

func (repo surveyRepository) CompleteAssignment(
	ctx context.Context,
	assignmentID, responseID string,
	at time.Time,
	exec ...core.DBExecutor,
) error {
	exe := repo.getExec(exec)
	q := exe.Rebind(`UPDATE survey_distribution SET is_completed = ?, completed_at = ?, response_id = ?
WHERE id = ? AND is_completed = ?`)
	res, err := exe.ExecContext(ctx, q, true, at.UTC(), responseID, assignmentID, false)
	if err != nil {
		return errors.Wrap(err, "completing assignment")
	}
	return checkAffected(res, survey.ErrNotFound, "completing assignment")
}
