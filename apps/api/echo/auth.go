package echoapi

import (
	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/survey"
)

// tokens are issued by the host application; they are only verified here
var contextTokenKey = "userToken"

func newJWTConfig(secretKey string) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(secretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
	}
}

// Claims represents the authorization claims transmitted via a JWT.
type Claims struct {
	jwt.StandardClaims
	Name           string         `json:"name,omitempty"`
	Email          string         `json:"email,omitempty"`
	OrganizationID string         `json:"org,omitempty"` // empty for platform admins
	Role           survey.Role    `json:"role,omitempty"`
	IsAdmin        bool           `json:"is_admin,omitempty"`
	Subjects       []SubjectClaim `json:"subjects,omitempty"` // guardians: the students they answer for
}

type SubjectClaim struct {
	ID    string `json:"id"`
	Grade int    `json:"grade"`
}

func (c Claims) Person() core.Person {
	return core.Person{ID: c.Subject, Name: c.Name, Email: c.Email}
}

// CanManage reports whether an admin may modify tmpl: platform admins manage every template,
// organization admins those of their organization only.
func (c Claims) CanManage(tmpl survey.Template) bool {
	return c.IsAdmin && (c.OrganizationID == "" || tmpl.OrganizationID == c.OrganizationID)
}

func (c Claims) CanRead(tmpl survey.Template) bool {
	return c.IsAdmin && (c.OrganizationID == "" || tmpl.VisibleTo(c.OrganizationID))
}

// GenerateToken signs claims with secretKey.
func GenerateToken(claims *Claims, secretKey string) (string, error) {
	token := jwt.NewWithClaims(jwt.GetSigningMethod(middleware.AlgorithmHS256), claims)
	ss, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}

// getContextSubmitter identifies the submitter of the request. Guardians select the subject they
// answer for with the `subject_id` query param, optional when they have a single subject.
func getContextSubmitter(ctx echo.Context) (survey.Submitter, error) {
	claims, err := getContextClaims(ctx)
	if err != nil {
		return survey.Submitter{}, err
	}
	if claims.Role == "" || claims.OrganizationID == "" {
		return survey.Submitter{}, errHttpForbidden
	}

	sub := survey.Submitter{
		RecipientID:    claims.Subject,
		OrganizationID: claims.OrganizationID,
		Role:           claims.Role,
	}
	if claims.Role != survey.RoleGuardian {
		return sub, nil
	}

	subjectID := ctx.QueryParam("subject_id")
	if subjectID == "" && len(claims.Subjects) == 1 {
		subjectID = claims.Subjects[0].ID
	}
	for _, s := range claims.Subjects {
		if s.ID == subjectID {
			sub.SubjectID = s.ID
			sub.SubjectGrade = s.Grade
			return sub, nil
		}
	}
	return survey.Submitter{}, errUnknownSubject
}
