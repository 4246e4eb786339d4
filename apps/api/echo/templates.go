package echoapi

import (
	"bytes"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
	exportsvc "github.com/trezcool/masomo-forms/services/export"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

type templateApi struct {
	svc       survey.Service
	scheduler *distribution.Scheduler
	validate  *validator.Validate
}

func registerTemplateAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	svc survey.Service,
	scheduler *distribution.Scheduler,
	validate *validator.Validate,
) {
	api := templateApi{
		svc:       svc,
		scheduler: scheduler,
		validate:  validate,
	}

	tg := g.Group("/templates", jwt, adminMiddleware())
	tg.POST("", api.create)
	tg.GET("", api.query)
	tg.GET("/:id", api.retrieve)
	tg.PUT("/:id", api.update)
	tg.DELETE("/:id", api.destroy)
	tg.POST("/:id/fields", api.addField)
	tg.POST("/:id/send", api.send)
	tg.GET("/:id/periods", api.queryPeriods)
	tg.GET("/:id/responses", api.queryResponses)
	tg.GET("/:id/export", api.export)

	fg := g.Group("/fields", jwt, adminMiddleware())
	fg.POST("/swap", api.swapFields)
	fg.PUT("/:key", api.updateField)
	fg.DELETE("/:key", api.destroyField)
}

// getTemplate returns the template of the `id` path param, checking the admin may read it,
// and may manage it when `manage` is set.
func (api *templateApi) getTemplate(ctx echo.Context, claims Claims, manage bool) (survey.Template, error) {
	tmpl, err := api.svc.GetTemplate(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return survey.Template{}, err
	}
	if !claims.CanRead(tmpl) {
		return survey.Template{}, errHttpNotFound
	}
	if manage && !claims.CanManage(tmpl) {
		return survey.Template{}, errHttpForbidden
	}
	return tmpl, nil
}

// getField returns the field of the `key` path param, if the admin may manage its template.
func (api *templateApi) getField(ctx echo.Context, claims Claims, key string) (survey.Field, error) {
	rctx := ctx.Request().Context()
	fld, err := api.svc.GetField(rctx, key)
	if err != nil {
		return survey.Field{}, err
	}
	tmpl, err := api.svc.GetTemplate(rctx, fld.TemplateID)
	if err != nil {
		return survey.Field{}, err
	}
	if !claims.CanRead(tmpl) {
		return survey.Field{}, errHttpNotFound
	}
	if !claims.CanManage(tmpl) {
		return survey.Field{}, errHttpForbidden
	}
	return fld, nil
}

// Handlers

func (api *templateApi) create(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	var data survey.NewTemplate
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewTemplate")
	}
	if claims.OrganizationID != "" {
		data.OrganizationID = claims.OrganizationID
	}

	tmpl, err := api.svc.CreateTemplate(ctx.Request().Context(), data, claims.Subject)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, tmpl)
}

func (api *templateApi) query(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	var ord Ordering
	ord.Bind(ctx)

	tmpls, err := api.svc.QueryTemplates(ctx.Request().Context(), bindTemplateFilter(ctx, claims), ord.Orderings...)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tmpls)
}

func (api *templateApi) retrieve(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, false)
	if err != nil {
		return err
	}
	schema, err := api.svc.LoadSchema(ctx.Request().Context(), tmpl.ID, false /* submitterFacing */)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, schema)
}

func (api *templateApi) update(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, true)
	if err != nil {
		return err
	}
	if tmpl.IsSubForm() {
		return survey.ErrSubForm
	}
	var data survey.UpdateTemplate
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateTemplate")
	}

	if tmpl, err = api.svc.UpdateTemplate(ctx.Request().Context(), tmpl.ID, data); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, tmpl)
}

func (api *templateApi) destroy(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, true)
	if err != nil {
		return err
	}
	if err = api.svc.DeleteTemplate(ctx.Request().Context(), tmpl.ID); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *templateApi) addField(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, true)
	if err != nil {
		return err
	}
	var data survey.NewField
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to NewField")
	}

	fld, err := api.svc.AddField(ctx.Request().Context(), tmpl.ID, data)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, fld)
}

func (api *templateApi) updateField(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	fld, err := api.getField(ctx, claims, ctx.Param("key"))
	if err != nil {
		return err
	}
	var data survey.UpdateField
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to UpdateField")
	}

	if fld, err = api.svc.UpdateField(ctx.Request().Context(), fld.Key, data); err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, fld)
}

func (api *templateApi) destroyField(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	fld, err := api.getField(ctx, claims, ctx.Param("key"))
	if err != nil {
		return err
	}
	if err = api.svc.DeleteField(ctx.Request().Context(), fld.Key); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *templateApi) swapFields(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	var data survey.SwapFields
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to SwapFields")
	}
	if err = data.Validate(api.validate); err != nil {
		return err
	}
	if _, err = api.getField(ctx, claims, data.Key1); err != nil {
		return err
	}

	rctx := ctx.Request().Context()
	if err = api.svc.SwapFields(rctx, data.Key1, data.Key2); err != nil {
		return err
	}
	fld, err := api.svc.GetField(rctx, data.Key1)
	if err != nil {
		return err
	}
	fields, err := api.svc.QueryFields(rctx, fld.TemplateID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, fields)
}

func (api *templateApi) send(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, false)
	if err != nil {
		return err
	}
	var data sendPayload
	if err = ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to sendPayload")
	}
	if claims.OrganizationID != "" {
		data.OrganizationID = claims.OrganizationID
	}

	res, err := api.scheduler.SendNow(ctx.Request().Context(), tmpl.ID, data.OrganizationID, claims.Subject)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusCreated, echo.Map{
		"period":        res.Period,
		"recipients":    res.Recipients,
		"distributions": len(res.Distributions),
	})
}

func (api *templateApi) queryPeriods(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, false)
	if err != nil {
		return err
	}
	orgID := ctx.QueryParam("organization_id")
	if claims.OrganizationID != "" {
		orgID = claims.OrganizationID
	}

	periods, err := api.scheduler.QueryPeriods(ctx.Request().Context(), tmpl.ID, orgID)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, periods)
}

// responses returns the responses of the template the admin may see.
func (api *templateApi) responses(ctx echo.Context, claims Claims, tmpl survey.Template) ([]survey.SubmittedResponse, error) {
	resps, err := api.svc.QueryResponses(ctx.Request().Context(), tmpl.ID)
	if err != nil {
		return nil, err
	}
	if claims.OrganizationID == "" {
		return resps, nil
	}
	visible := resps[:0]
	for _, r := range resps {
		if r.OrganizationID == claims.OrganizationID {
			visible = append(visible, r)
		}
	}
	return visible, nil
}

func (api *templateApi) queryResponses(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, false)
	if err != nil {
		return err
	}
	resps, err := api.responses(ctx, claims, tmpl)
	if err != nil {
		return err
	}
	return ctx.JSON(http.StatusOK, resps)
}

func (api *templateApi) export(ctx echo.Context) error {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return err
	}
	tmpl, err := api.getTemplate(ctx, claims, false)
	if err != nil {
		return err
	}
	schema, err := api.svc.LoadSchema(ctx.Request().Context(), tmpl.ID, false /* submitterFacing */)
	if err != nil {
		return err
	}
	resps, err := api.responses(ctx, claims, tmpl)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err = exportsvc.WriteResponses(&buf, schema, resps); err != nil {
		return errors.Wrap(err, "exporting responses")
	}
	ctx.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", tmpl.Name+".xlsx"))
	return ctx.Blob(http.StatusOK, xlsxContentType, buf.Bytes())
}
