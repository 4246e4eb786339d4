package sqlxrepos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
)

type recipientRow struct {
	ID             string `db:"id"`
	OrganizationID string `db:"organization_id"`
	Kind           string `db:"kind"`
	Name           string `db:"name"`
	Email          string `db:"email"`
	DeviceToken    string `db:"device_token"`
	SubjectID      string `db:"subject_id"`
	SubjectName    string `db:"subject_name"`
	Notify         bool   `db:"notify"`
}

// recipientRepository is the directory of organizations and recipients.
type recipientRepository struct {
	base
}

var _ distribution.RecipientResolver = (*recipientRepository)(nil) // interface compliance check

func NewRecipientRepository(db core.DBExecutor) *recipientRepository {
	return &recipientRepository{base{db: db}}
}

func (repo recipientRepository) CreateOrganization(ctx context.Context, org distribution.Organization, exec ...core.DBExecutor) (distribution.Organization, error) {
	if org.ID == "" {
		org.ID = uuid.New().String()
	}
	exe := repo.getExec(exec)
	q := exe.Rebind("INSERT INTO organization (id, name, is_active, created_at) VALUES (?, ?, ?, ?)")
	if _, err := exe.ExecContext(ctx, q, org.ID, org.Name, true, time.Now().UTC()); err != nil {
		return distribution.Organization{}, errors.Wrap(err, "inserting organization")
	}
	return org, nil
}

// CreateRecipient adds an active recipient; SubjectID & SubjectName are ignored, see AddSubject.
func (repo recipientRepository) CreateRecipient(ctx context.Context, r distribution.Recipient, exec ...core.DBExecutor) (distribution.Recipient, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	exe := repo.getExec(exec)
	q := exe.Rebind(`INSERT INTO recipient (id, organization_id, kind, name, email, device_token, is_active, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := exe.ExecContext(ctx, q, r.ID, r.OrganizationID, string(r.Role), r.Name, r.Email, r.DeviceToken, true, time.Now().UTC())
	if err != nil {
		return distribution.Recipient{}, errors.Wrap(err, "inserting recipient")
	}
	return r, nil
}

// AddSubject links a guardian to a subject (student) of the given grade.
func (repo recipientRepository) AddSubject(
	ctx context.Context,
	recipientID, subjectID, subjectName string,
	grade int,
	notify bool,
	exec ...core.DBExecutor,
) error {
	exe := repo.getExec(exec)
	q := exe.Rebind(`INSERT INTO recipient_subject (recipient_id, subject_id, subject_name, grade, can_receive_notifications)
VALUES (?, ?, ?, ?, ?)`)
	if _, err := exe.ExecContext(ctx, q, recipientID, subjectID, subjectName, grade, notify); err != nil {
		return errors.Wrap(err, "linking subject")
	}
	return nil
}

func (repo recipientRepository) DeactivateRecipient(ctx context.Context, id string, exec ...core.DBExecutor) error {
	exe := repo.getExec(exec)
	res, err := exe.ExecContext(ctx, exe.Rebind("UPDATE recipient SET is_active = ? WHERE id = ?"), false, id)
	if err != nil {
		return errors.Wrap(err, "deactivating recipient")
	}
	return checkAffected(res, distribution.ErrNotFound, "deactivating recipient")
}

func (repo recipientRepository) ResolveRecipients(
	ctx context.Context,
	orgID string,
	audience survey.Audience,
	grades []int,
	exec ...core.DBExecutor,
) ([]distribution.Recipient, error) {
	exe := repo.getExec(exec)

	var rcpts []distribution.Recipient
	for _, role := range audience.Roles() {
		var (
			q    string
			args []interface{}
		)
		if role == survey.RoleGuardian {
			// one entry per subject
			q = `SELECT r.id, r.organization_id, r.kind, r.name, r.email, r.device_token,
       s.subject_id, s.subject_name, s.can_receive_notifications AS notify
FROM recipient r
JOIN recipient_subject s ON s.recipient_id = r.id
WHERE r.organization_id = ? AND r.kind = ? AND r.is_active = ?`
			args = []interface{}{orgID, string(role), true}
			if len(grades) > 0 {
				q += " AND s.grade IN (?)"
				args = append(args, grades)
			}
			q += " ORDER BY r.name ASC, r.id ASC, s.subject_name ASC"
		} else {
			q = `SELECT r.id, r.organization_id, r.kind, r.name, r.email, r.device_token,
       '' AS subject_id, '' AS subject_name, r.is_active AS notify
FROM recipient r
WHERE r.organization_id = ? AND r.kind = ? AND r.is_active = ?
ORDER BY r.name ASC, r.id ASC`
			args = []interface{}{orgID, string(role), true}
		}

		q, args, err := sqlx.In(q, args...)
		if err != nil {
			return nil, errors.Wrap(err, "expanding recipients query")
		}
		var rows []recipientRow
		if err = sqlx.SelectContext(ctx, exe, &rows, exe.Rebind(q), args...); err != nil {
			return nil, errors.Wrapf(err, "resolving %s recipients", role)
		}
		for _, row := range rows {
			rcpts = append(rcpts, distribution.Recipient{
				ID:             row.ID,
				OrganizationID: row.OrganizationID,
				Role:           survey.Role(row.Kind),
				Name:           row.Name,
				Email:          row.Email,
				DeviceToken:    row.DeviceToken,
				SubjectID:      row.SubjectID,
				SubjectName:    row.SubjectName,
				Notify:         row.Notify,
			})
		}
	}
	return rcpts, nil
}
