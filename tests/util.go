package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
	"github.com/trezcool/masomo-forms/storage/database"
)

// NewConfig returns the configuration used by tests: an in-memory sqlite3 database.
func NewConfig() *core.Config {
	conf := &core.Config{
		TestMode:  true,
		AppName:   "Masomo",
		Env:       "TEST",
		SecretKey: "test-secret",
	}
	conf.Server.ShutdownTimeout = time.Second
	conf.Database.Engine = "sqlite3"
	conf.Database.Name = ":memory:"
	conf.Notify.DefaultFromEmail = "noreply@test.cd"
	conf.Notify.RedisQueue = "masomo:push"
	conf.Scheduler.AlignFirstPeriod = true
	conf.Scheduler.AcademicYearStart = time.Date(0, time.September, 1, 0, 0, 0, 0, time.UTC)
	return conf
}

// PrepareDB opens a fresh, migrated database, closed when the test ends.
func PrepareDB(t *testing.T) *sqlx.DB {
	t.Helper()

	db, err := database.Open(NewConfig())
	if err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err = database.Migrate(db); err != nil {
		t.Fatalf("PrepareDB() failed: %v", err)
	}
	return db
}

// Logger records the messages logged by the code under test.
type Logger struct {
	Messages []string
}

var _ core.Logger = (*Logger)(nil)

func (l *Logger) log(level, msg string) { l.Messages = append(l.Messages, level+": "+msg) }

func (l *Logger) Debug(msg string, _ ...interface{}) { l.log("DEBUG", msg) }
func (l *Logger) Info(msg string, _ ...interface{})  { l.log("INFO", msg) }
func (l *Logger) Warn(msg string, _ ...interface{})  { l.log("WARN", msg) }
func (l *Logger) Error(msg string, _ ...interface{}) { l.log("ERROR", msg) }
func (l *Logger) Fatal(msg string, _ ...interface{}) { l.log("FATAL", msg) }

// Directory creates organizations & recipients.
type Directory interface {
	CreateOrganization(ctx context.Context, org distribution.Organization, exec ...core.DBExecutor) (distribution.Organization, error)
	CreateRecipient(ctx context.Context, r distribution.Recipient, exec ...core.DBExecutor) (distribution.Recipient, error)
	AddSubject(ctx context.Context, recipientID, subjectID, subjectName string, grade int, notify bool, exec ...core.DBExecutor) error
}

func CreateOrganization(t *testing.T, dir Directory, name string) distribution.Organization {
	t.Helper()
	org, err := dir.CreateOrganization(context.Background(), distribution.Organization{Name: name})
	if err != nil {
		t.Fatalf("CreateOrganization() failed: %v", err)
	}
	return org
}

func CreateRecipient(t *testing.T, dir Directory, orgID string, role survey.Role, name string) distribution.Recipient {
	t.Helper()
	r, err := dir.CreateRecipient(context.Background(), distribution.Recipient{
		OrganizationID: orgID,
		Role:           role,
		Name:           name,
		Email:          fmt.Sprintf("%s@test.cd", name),
	})
	if err != nil {
		t.Fatalf("CreateRecipient() failed: %v", err)
	}
	return r
}

// CreateGuardian adds a guardian of one student per grade given; students are named after the guardian.
func CreateGuardian(t *testing.T, dir Directory, orgID, name string, grades ...int) distribution.Recipient {
	t.Helper()
	r := CreateRecipient(t, dir, orgID, survey.RoleGuardian, name)
	for i, grade := range grades {
		subjectID := fmt.Sprintf("%s-student-%d", name, i+1)
		if err := dir.AddSubject(context.Background(), r.ID, subjectID, subjectID, grade, true); err != nil {
			t.Fatalf("CreateGuardian() failed: %v", err)
		}
	}
	return r
}

func CreateTemplate(t *testing.T, svc survey.Service, nt survey.NewTemplate) survey.Template {
	t.Helper()
	tmpl, err := svc.CreateTemplate(context.Background(), nt, "tester")
	if err != nil {
		t.Fatalf("CreateTemplate() failed: %v", err)
	}
	return tmpl
}

func AddField(t *testing.T, svc survey.Service, templateID string, nf survey.NewField) survey.Field {
	t.Helper()
	fld, err := svc.AddField(context.Background(), templateID, nf)
	if err != nil {
		t.Fatalf("AddField() failed: %v", err)
	}
	return fld
}

// Date returns midnight UTC of the given day.
func Date(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}
