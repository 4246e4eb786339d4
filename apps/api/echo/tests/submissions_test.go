package tests

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/trezcool/masomo-forms/apps/api/echo"
	"github.com/trezcool/masomo-forms/core/survey"
	"github.com/trezcool/masomo-forms/tests"
)

func Test_submissionApi(t *testing.T) {
	app := setup(t)
	mum := testutil.CreateGuardian(t, app.dir, app.org.ID, "mum", 1, 1, 2)
	tmpl := testutil.CreateTemplate(t, app.svc, survey.NewTemplate{
		Name: "Grade 1 wellbeing", Audience: "guardians", Frequency: "weekly", OrganizationID: app.org.ID, Grades: []int{1},
	})
	name := testutil.AddField(t, app.svc, tmpl.ID, survey.NewField{Name: "Name", Type: survey.TypeText, IsRequired: true})
	private := false
	testutil.AddField(t, app.svc, tmpl.ID, survey.NewField{Name: "Notes", Type: survey.TypeTextarea, IsPublic: &private})
	contacts := testutil.AddField(t, app.svc, tmpl.ID, survey.NewField{Name: "Contacts", Type: survey.TypeForm})
	phone := testutil.AddField(t, app.svc, contacts.SubFormID, survey.NewField{Name: "Phone", Type: survey.TypeText, IsRequired: true})

	subjects := []SubjectClaim{{ID: "mum-student-1", Grade: 1}, {ID: "mum-student-2", Grade: 1}, {ID: "mum-student-3", Grade: 2}}
	guardian := app.token(t, mum.ID, Claims{Role: survey.RoleGuardian, OrganizationID: app.org.ID, Subjects: subjects})
	teacher := app.token(t, "ana", Claims{Role: survey.RoleTeacher, OrganizationID: app.org.ID})
	surveyPath := "/v1/surveys/" + tmpl.ID
	asKid1 := "?subject_id=mum-student-1"

	app.run(t, []httpTest{
		{name: "Auth required", path: "/v1/surveys", wantCode: http.StatusUnauthorized, wantData: marchallObj(t, errMissingToken)},
		{
			name: "Submitter required", path: "/v1/surveys", token: app.token(t, "root", Claims{IsAdmin: true}),
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "permission denied"}),
		},
		{
			name: "Subject required", path: "/v1/surveys", token: guardian,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "unknown subject"}),
		},
		{
			name: "Unknown subject", path: "/v1/surveys?subject_id=lol", token: guardian,
			wantCode: http.StatusForbidden, wantData: marchallObj(t, httpErr{Error: "unknown subject"}),
		},
		{name: "Other audience", path: surveyPath, token: teacher, wantCode: http.StatusNotFound},
		{name: "Sub-form", path: "/v1/surveys/" + contacts.SubFormID + asKid1, token: guardian, wantCode: http.StatusNotFound},
	})

	// grade filtering
	rec := app.do(http.MethodGet, "/v1/surveys?subject_id=mum-student-3", guardian)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var available []survey.AvailableTemplate
	decode(t, rec, &available)
	assert.Empty(t, available)

	rec = app.do(http.MethodGet, "/v1/surveys"+asKid1, guardian)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	decode(t, rec, &available)
	require.Len(t, available, 1)
	assert.Equal(t, tmpl.ID, available[0].ID)
	assert.True(t, available[0].Available)

	// private fields are hidden
	rec = app.do(http.MethodGet, surveyPath+asKid1, guardian)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var schema struct {
		Fields []struct {
			survey.Field
			SubForm *struct {
				Fields []survey.Field `json:"fields"`
			} `json:"sub_form"`
		} `json:"fields"`
	}
	decode(t, rec, &schema)
	require.Len(t, schema.Fields, 2)
	assert.Equal(t, name.Key, schema.Fields[0].Key)
	assert.Equal(t, contacts.Key, schema.Fields[1].Key)
	require.NotNil(t, schema.Fields[1].SubForm)
	assert.Equal(t, phone.Key, schema.Fields[1].SubForm.Fields[0].Key)

	// submission
	responsesPath := surveyPath + "/responses" + asKid1
	rowPath := contacts.Key + "[0]"
	app.run(t, []httpTest{
		{
			name: "invalid answers", method: http.MethodPost, path: responsesPath, token: guardian,
			body: marchallObj(t, map[string]interface{}{
				"answers": map[string]interface{}{contacts.Key: []interface{}{map[string]interface{}{}}},
			}),
			wantCode: http.StatusBadRequest,
			wantData: marchallObj(t, map[string]string{
				name.Key:                   "this field is required",
				phone.Key:                  "this field is required",
				rowPath + "." + phone.Key: "this field is required",
				contacts.Key:               "row 0 is invalid",
				rowPath:                    "row 0 is invalid",
			}),
		},
	})

	rec = app.do(http.MethodPost, responsesPath, guardian, marchallObj(t, map[string]interface{}{
		"answers": map[string]interface{}{
			name.Key:     " Kim ",
			contacts.Key: []interface{}{map[string]interface{}{phone.Key: "0811"}},
			"unknown":    "ignored",
		},
	}))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp survey.SubmittedResponse
	decode(t, rec, &resp)
	assert.Equal(t, mum.ID, resp.SubmittedBy)
	assert.Equal(t, "mum-student-1", resp.SubjectID)
	assert.Equal(t, app.org.ID, resp.OrganizationID)
	assert.Equal(t, "Kim", resp.Answers[name.Key])
	assert.Len(t, resp.Answers[contacts.Key], 1)

	rec = app.do(http.MethodPost, responsesPath, guardian, marchallObj(t, map[string]interface{}{
		"answers": map[string]interface{}{name.Key: "Kim"},
	}))
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	var conflict struct {
		Error           string  `json:"error"`
		NextAvailableAt *string `json:"next_available_at"`
	}
	decode(t, rec, &conflict)
	assert.Contains(t, conflict.Error, "survey is not available until")
	assert.NotNil(t, conflict.NextAvailableAt)

	// one cycle per subject
	rec = app.do(http.MethodPost, surveyPath+"/responses?subject_id=mum-student-2", guardian, marchallObj(t, map[string]interface{}{
		"answers": map[string]interface{}{name.Key: "Lea"},
	}))
	assert.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = app.do(http.MethodPost, surveyPath+"/responses?subject_id=mum-student-3", guardian, marchallObj(t, map[string]interface{}{
		"answers": map[string]interface{}{name.Key: "Tom"},
	}))
	assert.Equal(t, http.StatusForbidden, rec.Code, "grade not targeted")

	// reading & appending rows
	responsePath := "/v1/responses/" + resp.ID
	app.run(t, []httpTest{
		{name: "owner", path: responsePath, token: guardian},
		{name: "organization admin", path: responsePath, token: app.adminToken(t)},
		{name: "someone else", path: responsePath, token: teacher, wantCode: http.StatusNotFound},
		{
			name: "other organization's admin", path: responsePath,
			token: app.token(t, "admin-2", Claims{IsAdmin: true, OrganizationID: "other"}), wantCode: http.StatusNotFound,
		},
		{
			name: "rows of a leaf field", method: http.MethodPost, path: responsePath + "/rows/" + name.Key, token: guardian,
			body: []byte(`{"rows": [{}]}`), wantCode: http.StatusBadRequest,
		},
	})

	rec = app.do(http.MethodPost, responsePath+"/rows/"+contacts.Key, guardian,
		marchallObj(t, map[string]interface{}{"rows": []interface{}{map[string]interface{}{phone.Key: "0899"}}}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	resp = survey.SubmittedResponse{}
	decode(t, rec, &resp)
	rows, ok := resp.Answers[contacts.Key].([]interface{})
	require.True(t, ok, "rows: %#v", resp.Answers[contacts.Key])
	require.Len(t, rows, 2)
	assert.Equal(t, map[string]interface{}{phone.Key: "0811"}, rows[0])
	assert.Equal(t, map[string]interface{}{phone.Key: "0899"}, rows[1])
}
