package echoapi

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core/survey"
)

type submissionApi struct {
	svc survey.Service
}

func registerSubmissionAPI(g *echo.Group, jwt echo.MiddlewareFunc, svc survey.Service) {
	api := submissionApi{svc: svc}

	sg := g.Group("/surveys", jwt)
	sg.GET("", api.queryAvailable)
	sg.GET("/:id", api.retrieve)
	sg.POST("/:id/responses", api.submit)

	rg := g.Group("/responses", jwt)
	rg.GET("/:id", api.retrieveResponse)
	rg.POST("/:id/rows/:key", api.addRows)
}

func (api *submissionApi) queryAvailable(ctx echo.Context) error {
	sub, err := getContextSubmitter(ctx)
	if err != nil {
		return err
	}
	available, err := api.svc.ListAvailable(ctx.Request().Context(), sub)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, available)
}

// retrieve returns the submitter-facing schema of a survey.
func (api *submissionApi) retrieve(ctx echo.Context) error {
	sub, err := getContextSubmitter(ctx)
	if err != nil {
		return err
	}
	schema, err := api.svc.LoadSchema(ctx.Request().Context(), ctx.Param("id"), true /* submitterFacing */)
	if err != nil {
		return err
	}
	tmpl := schema.Template
	if tmpl.IsSubForm() || !tmpl.VisibleTo(sub.OrganizationID) || !tmpl.Audience.Includes(sub.Role) {
		return errHttpNotFound
	}
	return ctx.JSON(http.StatusOK, schema)
}

func (api *submissionApi) submit(ctx echo.Context) error {
	sub, err := getContextSubmitter(ctx)
	if err != nil {
		return err
	}
	var data answersPayload
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to answersPayload")
	}

	rctx := ctx.Request().Context()
	resp, err := api.svc.Submit(rctx, survey.Submission{
		TemplateID: ctx.Param("id"),
		Submitter:  sub,
		Answers:    data.Answers,
	})
	if err != nil {
		return err
	}
	submitted, err := api.svc.GetResponse(rctx, resp.ID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, submitted)
}

// getResponse returns the response of the `id` path param, to its submitter or an admin of its organization.
// asAdmin tells whether the caller is served as an admin of the response.
func (api *submissionApi) getResponse(ctx echo.Context) (resp survey.SubmittedResponse, asAdmin bool, err error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return resp, false, err
	}
	resp, err = api.svc.GetResponse(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return resp, false, err
	}
	owner := resp.SubmittedBy == claims.Subject
	admin := claims.IsAdmin && (claims.OrganizationID == "" || claims.OrganizationID == resp.OrganizationID)
	if !owner && !admin {
		return survey.SubmittedResponse{}, false, errHttpNotFound
	}
	return resp, admin, nil
}

func (api *submissionApi) retrieveResponse(ctx echo.Context) error {
	resp, _, err := api.getResponse(ctx)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, resp)
}

func (api *submissionApi) addRows(ctx echo.Context) error {
	resp, admin, err := api.getResponse(ctx)
	if err != nil {
		return err
	}
	var data rowsPayload
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to rowsPayload")
	}

	updated, err := api.svc.AddRows(ctx.Request().Context(), resp.ID, ctx.Param("key"), data.Rows, !admin)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, updated)
}
