package echoapi

import (
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/survey"
)

var orderingParam = "ordering"

type Ordering struct {
	Orderings []core.DBOrdering
}

func (ord *Ordering) Bind(ctx echo.Context) {
	data := ctx.QueryParams()
	if len(data) == 0 {
		return
	}
	val, ok := data[orderingParam]
	if !ok || len(val) == 0 || val[0] == "" {
		return
	}

	for _, field := range strings.Split(val[0], ",") {
		field = strings.TrimSpace(field)
		descending := strings.HasPrefix(field, "-")
		if descending {
			field = field[1:] // drop "-"
		}
		ord.Orderings = append(ord.Orderings, core.DBOrdering{Field: field, Ascending: !descending})
	}
}

// bindTemplateFilter reads the template filter from the query params.
// Organization admins only see the templates of their organization and the global ones.
func bindTemplateFilter(ctx echo.Context, claims Claims) survey.TemplateFilter {
	filter := survey.TemplateFilter{
		OrganizationID: ctx.QueryParam("organization_id"),
		Search:         ctx.QueryParam("search"),
	}
	filter.IncludeGlobal, _ = strconv.ParseBool(ctx.QueryParam("include_global"))
	filter.Recurring, _ = strconv.ParseBool(ctx.QueryParam("recurring"))
	if claims.OrganizationID != "" {
		filter.OrganizationID = claims.OrganizationID
		filter.IncludeGlobal = true
	}
	return filter
}

type answersPayload struct {
	Answers map[string]interface{} `json:"answers"`
}

type rowsPayload struct {
	Rows []interface{} `json:"rows"`
}

type sendPayload struct {
	OrganizationID string `json:"organization_id"`
}
