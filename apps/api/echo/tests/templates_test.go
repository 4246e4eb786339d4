package tests

import (
	"bytes"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	. "github.com/trezcool/masomo-forms/apps/api/echo"
	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
	"github.com/trezcool/masomo-forms/tests"
)

func Test_templateApi_auth(t *testing.T) {
	app := setup(t)
	teacher := app.token(t, "ana", Claims{Role: survey.RoleTeacher, OrganizationID: app.org.ID})
	forbidden := marchallObj(t, httpErr{Error: "permission denied"})

	app.run(t, []httpTest{
		{name: "Auth required", path: "/v1/templates", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{name: "Admin required", path: "/v1/templates", token: teacher, wantCode: http.StatusForbidden, wantData: forbidden},
		{
			name: "Admin required (fields)", method: http.MethodPost, path: "/v1/fields/swap", token: teacher,
			wantCode: http.StatusForbidden, wantData: forbidden,
		},
		{
			name: "Bad signature", path: "/v1/templates", token: app.adminToken(t) + "x",
			wantCode: http.StatusUnauthorized,
		},
	})
}

func Test_templateApi_create(t *testing.T) {
	app := setup(t)
	token := app.adminToken(t)

	rec := app.do(http.MethodPost, "/v1/templates", token,
		[]byte(`{"name": " Weekly check-in ", "audience": "Teachers", "frequency": "weekly", "organization_id": "other", "grades": [1, 2]}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var tmpl survey.Template
	decode(t, rec, &tmpl)
	assert.NotEmpty(t, tmpl.ID)
	assert.Equal(t, "Weekly check-in", tmpl.Name)
	assert.Equal(t, survey.AudienceTeachers, tmpl.Audience)
	assert.Equal(t, app.org.ID, tmpl.OrganizationID, "organization admins create templates of their organization")
	assert.Equal(t, []int{1, 2}, tmpl.Grades)
	assert.Equal(t, "admin-1", tmpl.CreatedBy)

	app.run(t, []httpTest{
		{
			name: "invalid", method: http.MethodPost, path: "/v1/templates", token: token,
			body:     []byte(`{"name": "", "audience": "lol", "frequency": "weekly"}`),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"name": "this field is required", "audience": "invalid audience"}),
		},
		{
			name: "malformed", method: http.MethodPost, path: "/v1/templates", token: token,
			body: []byte(`{"name": 1`), wantCode: http.StatusBadRequest,
		},
	})
}

func Test_templateApi_scope(t *testing.T) {
	app := setup(t)
	other := testutil.CreateOrganization(t, app.dir, "Sunset School")
	own := testutil.CreateTemplate(t, app.svc, survey.NewTemplate{Name: "B own", Audience: "teachers", Frequency: "weekly", OrganizationID: app.org.ID})
	global := testutil.CreateTemplate(t, app.svc, survey.NewTemplate{Name: "A global", Audience: "all", Frequency: "yearly"})
	theirs := testutil.CreateTemplate(t, app.svc, survey.NewTemplate{Name: "C theirs", Audience: "all", Frequency: "once", OrganizationID: other.ID})

	token := app.adminToken(t)
	platform := app.token(t, "root", Claims{IsAdmin: true})

	rec := app.do(http.MethodGet, "/v1/templates?ordering=name", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var tmpls []survey.Template
	decode(t, rec, &tmpls)
	require.Len(t, tmpls, 2)
	assert.Equal(t, global.ID, tmpls[0].ID)
	assert.Equal(t, own.ID, tmpls[1].ID)

	rec = app.do(http.MethodGet, "/v1/templates?ordering=-name", platform)
	tmpls = nil
	decode(t, rec, &tmpls)
	require.Len(t, tmpls, 3)
	assert.Equal(t, theirs.ID, tmpls[0].ID)

	rec = app.do(http.MethodGet, "/v1/templates?recurring=true&organization_id="+other.ID+"&include_global=true", platform)
	tmpls = nil
	decode(t, rec, &tmpls)
	require.Len(t, tmpls, 1)
	assert.Equal(t, global.ID, tmpls[0].ID)

	notFound := marchallObj(t, httpErr{Error: "not found"})
	app.run(t, []httpTest{
		{
			name: "unknown ordering", path: "/v1/templates?ordering=password", token: token, wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{"ordering": "unknown field password"}),
		},
		{name: "retrieve unknown", path: "/v1/templates/lol", token: token, wantCode: http.StatusNotFound, wantData: notFound},
		{name: "retrieve other organization's", path: "/v1/templates/" + theirs.ID, token: token, wantCode: http.StatusNotFound, wantData: notFound},
		{name: "retrieve global", path: "/v1/templates/" + global.ID, token: token},
		{
			name: "update global", method: http.MethodPut, path: "/v1/templates/" + global.ID, token: token,
			body: []byte(`{"name": "Mine now"}`), wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "delete other organization's", method: http.MethodDelete, path: "/v1/templates/" + theirs.ID, token: token,
			wantCode: http.StatusNotFound, wantData: notFound,
		},
		{name: "delete own", method: http.MethodDelete, path: "/v1/templates/" + own.ID, token: token, wantCode: http.StatusNoContent},
		{name: "deleted", path: "/v1/templates/" + own.ID, token: token, wantCode: http.StatusNotFound, wantData: notFound},
	})
}

func Test_templateApi_fields(t *testing.T) {
	app := setup(t)
	token := app.adminToken(t)
	tmpl := testutil.CreateTemplate(t, app.svc, survey.NewTemplate{Name: "Weekly", Audience: "teachers", Frequency: "weekly", OrganizationID: app.org.ID})
	global := testutil.CreateTemplate(t, app.svc, survey.NewTemplate{Name: "Global", Audience: "all", Frequency: "yearly"})
	globalFld := testutil.AddField(t, app.svc, global.ID, survey.NewField{Name: "Comment", Type: survey.TypeText})
	fieldsPath := fmt.Sprintf("/v1/templates/%s/fields", tmpl.ID)

	app.run(t, []httpTest{
		{
			name: "choices not a list", method: http.MethodPost, path: fieldsPath, token: token,
			body:     []byte(`{"name": "Color", "type": "select", "choices": "red"}`),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"choices": "choices must be a list"}),
		},
		{
			name: "unknown type", method: http.MethodPost, path: fieldsPath, token: token,
			body:     []byte(`{"name": "Color", "type": "colour"}`),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"type": "invalid field type"}),
		},
	})

	var color, size survey.Field
	rec := app.do(http.MethodPost, fieldsPath, token, []byte(`{"name": "Color", "type": "select", "choices": ["red", "blue"]}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decode(t, rec, &color)
	assert.Equal(t, 1, color.Order)
	assert.Equal(t, []string{"red", "blue"}, color.Choices)
	assert.True(t, color.IsPublic)

	rec = app.do(http.MethodPost, fieldsPath, token, []byte(`{"name": "Size", "type": "number", "is_required": true, "is_public": false}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	decode(t, rec, &size)
	assert.Equal(t, 2, size.Order)
	assert.False(t, size.IsPublic)

	rec = app.do(http.MethodPost, "/v1/fields/swap", token, marchallObj(t, map[string]string{"key1": color.Key, "key2": size.Key}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var fields []survey.Field
	decode(t, rec, &fields)
	require.Len(t, fields, 2)
	assert.Equal(t, size.Key, fields[0].Key)
	assert.Equal(t, color.Key, fields[1].Key)
	assert.Equal(t, 2, fields[1].Order)

	rec = app.do(http.MethodPut, "/v1/fields/"+color.Key, token, []byte(`{"name": "Colour", "choices": ["red", "green"]}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var updated survey.Field
	decode(t, rec, &updated)
	assert.Equal(t, "Colour", updated.Name)
	assert.Equal(t, []string{"red", "green"}, updated.Choices)

	app.run(t, []httpTest{
		{
			name: "swap same field", method: http.MethodPost, path: "/v1/fields/swap", token: token,
			body:     marchallObj(t, map[string]string{"key1": color.Key, "key2": color.Key}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"key2": "fields must be different"}),
		},
		{
			name: "swap across templates", method: http.MethodPost, path: "/v1/fields/swap", token: token,
			body:     marchallObj(t, map[string]string{"key1": color.Key, "key2": globalFld.Key}),
			wantCode: http.StatusBadRequest, wantData: marchallObj(t, map[string]string{"key2": "fields belong to different templates"}),
		},
		{
			name: "update global field", method: http.MethodPut, path: "/v1/fields/" + globalFld.Key, token: token,
			body: []byte(`{"name": "Mine"}`), wantCode: http.StatusForbidden,
		},
		{name: "delete unknown", method: http.MethodDelete, path: "/v1/fields/lol", token: token, wantCode: http.StatusNotFound},
		{name: "delete", method: http.MethodDelete, path: "/v1/fields/" + size.Key, token: token, wantCode: http.StatusNoContent},
	})

	rec = app.do(http.MethodGet, "/v1/templates/"+tmpl.ID, token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var schema struct {
		Template survey.Template `json:"template"`
		Fields   []survey.Field  `json:"fields"`
	}
	decode(t, rec, &schema)
	assert.Equal(t, tmpl.ID, schema.Template.ID)
	require.Len(t, schema.Fields, 1)
	assert.Equal(t, color.Key, schema.Fields[0].Key)
	assert.Equal(t, 1, schema.Fields[0].Order, "orders stay dense")
}

func Test_templateApi_distribution(t *testing.T) {
	app := setup(t)
	token := app.adminToken(t)
	ana := testutil.CreateRecipient(t, app.dir, app.org.ID, survey.RoleTeacher, "ana")
	testutil.CreateRecipient(t, app.dir, app.org.ID, survey.RoleTeacher, "ben")
	tmpl := testutil.CreateTemplate(t, app.svc, survey.NewTemplate{Name: "Weekly", Audience: "teachers", Frequency: "weekly", OrganizationID: app.org.ID})
	mood := testutil.AddField(t, app.svc, tmpl.ID, survey.NewField{Name: "Mood", Type: survey.TypeText, IsRequired: true})

	rec := app.do(http.MethodPost, "/v1/templates/"+tmpl.ID+"/send", token, []byte(`{}`))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var sent struct {
		Period        distribution.Period `json:"period"`
		Recipients    int                 `json:"recipients"`
		Distributions int                 `json:"distributions"`
	}
	decode(t, rec, &sent)
	assert.Equal(t, 2, sent.Recipients)
	assert.Equal(t, 2, sent.Distributions)
	assert.Equal(t, app.org.ID, sent.Period.OrganizationID)
	assert.Equal(t, "admin-1", sent.Period.InitiatedBy)

	teacher := app.token(t, ana.ID, Claims{Role: survey.RoleTeacher, OrganizationID: app.org.ID})
	rec = app.do(http.MethodPost, "/v1/surveys/"+tmpl.ID+"/responses", teacher,
		marchallObj(t, map[string]interface{}{"answers": map[string]interface{}{mood.Key: "great"}}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = app.do(http.MethodGet, "/v1/templates/"+tmpl.ID+"/periods", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var periods []distribution.PeriodStats
	decode(t, rec, &periods)
	require.Len(t, periods, 1)
	assert.Equal(t, sent.Period.ID, periods[0].ID)
	assert.Equal(t, 2, periods[0].Sent)
	assert.Equal(t, 1, periods[0].Completed)

	rec = app.do(http.MethodGet, "/v1/templates/"+tmpl.ID+"/responses", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resps []survey.SubmittedResponse
	decode(t, rec, &resps)
	require.Len(t, resps, 1)
	assert.Equal(t, ana.ID, resps[0].SubmittedBy)
	assert.Equal(t, sent.Period.ID, resps[0].PeriodID)
	assert.Equal(t, survey.Answers{mood.Key: "great"}, resps[0].Answers)

	rec = app.do(http.MethodGet, "/v1/templates/"+tmpl.ID+"/export", token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, `attachment; filename="Weekly.xlsx"`, rec.Header().Get("Content-Disposition"))
	f, err := excelize.OpenReader(bytes.NewReader(rec.Body.Bytes()))
	require.NoError(t, err)
	rows, err := f.GetRows("Responses")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Mood", rows[0][4])
	assert.Equal(t, "great", rows[1][4])

	app.run(t, []httpTest{
		{
			name: "delete answered template", method: http.MethodDelete, path: "/v1/templates/" + tmpl.ID, token: token,
			wantCode: http.StatusConflict, wantData: marchallObj(t, httpErr{Error: survey.ErrTemplateInUse.Error()}),
		},
		{
			name: "send to another organization", method: http.MethodPost, path: "/v1/templates/" + tmpl.ID + "/send",
			token: app.token(t, "root", Claims{IsAdmin: true}), body: []byte(`{"organization_id": "lol"}`),
			wantCode: http.StatusNotFound,
		},
	})
}
