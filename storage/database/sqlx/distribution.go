package sqlxrepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
	"github.com/volatiletech/sqlboiler/v4/queries"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/distribution"
)

type periodRow struct {
	ID             string    `db:"id"`
	TemplateID     string    `db:"template_id"`
	OrganizationID string    `db:"organization_id"`
	StartDate      time.Time `db:"start_date"`
	EndDate        time.Time `db:"end_date"`
	IsActive       bool      `db:"is_active"`
	InitiatedBy    string    `db:"initiated_by"`
	CreatedAt      time.Time `db:"created_at"`
}

func (row periodRow) period() distribution.Period {
	return distribution.Period{
		ID:             row.ID,
		TemplateID:     row.TemplateID,
		OrganizationID: row.OrganizationID,
		StartDate:      core.Date(row.StartDate.UTC()),
		EndDate:        core.Date(row.EndDate.UTC()),
		IsActive:       row.IsActive,
		InitiatedBy:    row.InitiatedBy,
		CreatedAt:      row.CreatedAt.UTC(),
	}
}

// periodStatsRow is bound by sqlboiler from the completion statistics query.
type periodStatsRow struct {
	ID             string    `boil:"id"`
	TemplateID     string    `boil:"template_id"`
	OrganizationID string    `boil:"organization_id"`
	StartDate      time.Time `boil:"start_date"`
	EndDate        time.Time `boil:"end_date"`
	IsActive       bool      `boil:"is_active"`
	InitiatedBy    string    `boil:"initiated_by"`
	CreatedAt      time.Time `boil:"created_at"`
	Sent           int       `boil:"sent"`
	Completed      int       `boil:"completed"`
}

func (row periodStatsRow) stats() distribution.PeriodStats {
	return distribution.PeriodStats{
		Period: periodRow{
			ID:             row.ID,
			TemplateID:     row.TemplateID,
			OrganizationID: row.OrganizationID,
			StartDate:      row.StartDate,
			EndDate:        row.EndDate,
			IsActive:       row.IsActive,
			InitiatedBy:    row.InitiatedBy,
			CreatedAt:      row.CreatedAt,
		}.period(),
		Sent:      row.Sent,
		Completed: row.Completed,
	}
}

const (
	periodColumns = "id, template_id, organization_id, start_date, end_date, is_active, initiated_by, created_at"
	periodStats   = `
SELECT p.id, p.template_id, p.organization_id, p.start_date, p.end_date, p.is_active, p.initiated_by, p.created_at,
       COUNT(d.id) AS sent,
       COALESCE(SUM(CASE WHEN d.is_completed THEN 1 ELSE 0 END), 0) AS completed
FROM survey_period p
LEFT JOIN survey_distribution d ON d.period_id = p.id
WHERE p.template_id = ?`
)

type distributionRepository struct {
	base
}

var _ distribution.Repository = (*distributionRepository)(nil) // interface compliance check

func NewDistributionRepository(db core.DBExecutor) *distributionRepository {
	return &distributionRepository{base{db: db}}
}

func (repo distributionRepository) LatestPeriod(ctx context.Context, templateID, orgID string, exec ...core.DBExecutor) (*distribution.Period, error) {
	exe := repo.getExec(exec)
	q := exe.Rebind("SELECT " + periodColumns + ` FROM survey_period
WHERE template_id = ? AND organization_id = ?
ORDER BY start_date DESC LIMIT 1`)
	var row periodRow
	err := sqlx.GetContext(ctx, exe, &row, q, templateID, orgID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "getting latest period")
	}
	p := row.period()
	return &p, nil
}

func (repo distributionRepository) DeactivatePeriods(ctx context.Context, templateID, orgID string, exec ...core.DBExecutor) error {
	exe := repo.getExec(exec)
	q := exe.Rebind("UPDATE survey_period SET is_active = ? WHERE template_id = ? AND organization_id = ? AND is_active = ?")
	if _, err := exe.ExecContext(ctx, q, false, templateID, orgID, true); err != nil {
		return errors.Wrap(err, "deactivating periods")
	}
	return nil
}

func (repo distributionRepository) CreatePeriod(ctx context.Context, p distribution.Period, exec ...core.DBExecutor) (distribution.Period, error) {
	exe := repo.getExec(exec)
	start := core.Date(p.StartDate)

	q := exe.Rebind("INSERT INTO survey_period (" + periodColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (template_id, organization_id, start_date) DO NOTHING`)
	_, err := exe.ExecContext(ctx, q,
		p.ID, p.TemplateID, p.OrganizationID, start, core.Date(p.EndDate), true, p.InitiatedBy, p.CreatedAt.UTC())
	if err != nil {
		return distribution.Period{}, errors.Wrap(err, "inserting period")
	}

	// the period of that start date may have existed already: reuse it
	var row periodRow
	q = exe.Rebind("SELECT " + periodColumns + " FROM survey_period WHERE template_id = ? AND organization_id = ? AND start_date = ?")
	if err = sqlx.GetContext(ctx, exe, &row, q, p.TemplateID, p.OrganizationID, start); err != nil {
		return distribution.Period{}, errors.Wrap(err, "getting period")
	}
	if !row.IsActive {
		if _, err = exe.ExecContext(ctx, exe.Rebind("UPDATE survey_period SET is_active = ? WHERE id = ?"), true, row.ID); err != nil {
			return distribution.Period{}, errors.Wrap(err, "activating period")
		}
		row.IsActive = true
	}
	return row.period(), nil
}

func (repo distributionRepository) CreateDistributions(
	ctx context.Context,
	dists []distribution.Distribution,
	exec ...core.DBExecutor,
) ([]distribution.Distribution, error) {
	if len(dists) == 0 {
		return nil, nil
	}
	rows := make([][]interface{}, 0, len(dists))
	for _, d := range dists {
		rows = append(rows, []interface{}{
			d.ID, d.PeriodID, d.RecipientID, d.SubjectID, d.IsCompleted, d.SentAt.UTC(), null.TimeFromPtr(d.CompletedAt), nullID(d.ResponseID),
		})
	}

	inserted := make(map[string]bool, len(dists))
	q := `INSERT INTO survey_distribution (id, period_id, recipient_id, subject_id, is_completed, sent_at, completed_at, response_id)
VALUES %s
ON CONFLICT (period_id, recipient_id, subject_id) DO NOTHING
RETURNING id`
	err := bulkInsert(ctx, repo.getExec(exec), q, 8, rows, func(res *sql.Rows) error {
		var id string
		if err := res.Scan(&id); err != nil {
			return err
		}
		inserted[id] = true
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "inserting distributions")
	}

	created := make([]distribution.Distribution, 0, len(inserted))
	for _, d := range dists {
		if inserted[d.ID] {
			created = append(created, d)
		}
	}
	return created, nil
}

func (repo distributionRepository) QueryPeriods(ctx context.Context, templateID, orgID string, exec ...core.DBExecutor) ([]distribution.PeriodStats, error) {
	exe := repo.getExec(exec)
	q := periodStats
	args := []interface{}{templateID}
	if orgID != "" {
		q += " AND p.organization_id = ?"
		args = append(args, orgID)
	}
	q += " GROUP BY " + prefixed("p.", periodColumns) + " ORDER BY p.start_date DESC, p.organization_id ASC"

	var rows []periodStatsRow
	if err := queries.Raw(exe.Rebind(q), args...).Bind(ctx, exe, &rows); err != nil {
		return nil, errors.Wrap(err, "querying periods")
	}
	stats := make([]distribution.PeriodStats, 0, len(rows))
	for _, row := range rows {
		stats = append(stats, row.stats())
	}
	return stats, nil
}

func (repo distributionRepository) ActiveOrganizations(ctx context.Context, exec ...core.DBExecutor) ([]distribution.Organization, error) {
	exe := repo.getExec(exec)
	var orgs []distribution.Organization
	q := exe.Rebind("SELECT id, name FROM organization WHERE is_active = ? ORDER BY name ASC, id ASC")
	if err := sqlx.SelectContext(ctx, exe, &orgs, q, true); err != nil {
		return nil, errors.Wrap(err, "querying organizations")
	}
	return orgs, nil
}
