package distribution

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/survey"
)

var NowFunc = time.Now // mockable

type (
	Repository interface {
		// LatestPeriod returns the Period with the most recent start date, nil when there is none.
		LatestPeriod(ctx context.Context, templateID, orgID string, exec ...core.DBExecutor) (*Period, error)
		// DeactivatePeriods clears the active flag of every Period of the pair.
		DeactivatePeriods(ctx context.Context, templateID, orgID string, exec ...core.DBExecutor) error
		// CreatePeriod inserts p, or reactivates the Period of the pair that starts on the same date.
		CreatePeriod(ctx context.Context, p Period, exec ...core.DBExecutor) (Period, error)
		// CreateDistributions inserts dists, skipping the (period, recipient, subject) triples
		// that already exist, and returns the inserted ones.
		CreateDistributions(ctx context.Context, dists []Distribution, exec ...core.DBExecutor) ([]Distribution, error)
		QueryPeriods(ctx context.Context, templateID, orgID string, exec ...core.DBExecutor) ([]PeriodStats, error)
		ActiveOrganizations(ctx context.Context, exec ...core.DBExecutor) ([]Organization, error)
	}

	// RecipientResolver lists the active recipients of an organization targeted by an audience.
	// Guardians come once per subject in one of `grades` (all grades when empty).
	RecipientResolver interface {
		ResolveRecipients(ctx context.Context, orgID string, audience survey.Audience, grades []int, exec ...core.DBExecutor) ([]Recipient, error)
	}

	TemplateStore interface {
		GetTemplate(ctx context.Context, id string, exec ...core.DBExecutor) (survey.Template, error)
		QueryTemplates(ctx context.Context, filter survey.TemplateFilter, ordering []core.DBOrdering, exec ...core.DBExecutor) ([]survey.Template, error)
	}

	// Observer is told about scheduler outcomes.
	Observer interface {
		PeriodOpened(tmpl survey.Template, orgID string, distributions int)
		PeriodSkipped(tmpl survey.Template, orgID string)
		FanOutFailed(tmpl survey.Template, orgID string)
	}
)

type noopObserver struct{}

func (noopObserver) PeriodOpened(survey.Template, string, int) {}
func (noopObserver) PeriodSkipped(survey.Template, string)     {}
func (noopObserver) FanOutFailed(survey.Template, string)      {}

type SchedulerDeps struct {
	DB        core.DB
	Repo      Repository
	Templates TemplateStore
	Resolver  RecipientResolver
	Notifier  core.Notifier
	Observer  Observer // optional
	Logger    core.Logger
	Options   Options
}

// Scheduler opens answer Periods and distributes them to their recipients.
type Scheduler struct {
	db        core.DB
	repo      Repository
	templates TemplateStore
	resolver  RecipientResolver
	notifier  core.Notifier
	observer  Observer
	logger    core.Logger
	opts      Options
}

func NewScheduler(deps SchedulerDeps) *Scheduler {
	sch := &Scheduler{
		db:        deps.DB,
		repo:      deps.Repo,
		templates: deps.Templates,
		resolver:  deps.Resolver,
		notifier:  deps.Notifier,
		observer:  deps.Observer,
		logger:    deps.Logger,
		opts:      deps.Options,
	}
	if sch.observer == nil {
		sch.observer = noopObserver{}
	}
	return sch
}

// Run evaluates every recurring top-level Template for every organization it applies to and opens
// the Periods that are due on `today`. A failing pair is reported and does not stop the run.
// With dryRun, decisions are reported and nothing is written.
func (sch *Scheduler) Run(ctx context.Context, today time.Time, dryRun bool) (Report, error) {
	today = core.Date(today)
	report := Report{Date: today, DryRun: dryRun}

	tmpls, err := sch.templates.QueryTemplates(ctx, survey.TemplateFilter{TopLevelOnly: true, Recurring: true}, nil)
	if err != nil {
		return report, errors.Wrap(err, "listing recurring templates")
	}
	var orgs []Organization // loaded once, for global templates
	for _, tmpl := range tmpls {
		report.Processed++

		orgIDs := []string{tmpl.OrganizationID}
		if tmpl.IsGlobal() {
			if orgs == nil {
				if orgs, err = sch.repo.ActiveOrganizations(ctx); err != nil {
					return report, errors.Wrap(err, "listing organizations")
				}
			}
			orgIDs = orgIDs[:0]
			for _, org := range orgs {
				orgIDs = append(orgIDs, org.ID)
			}
		}

		for _, orgID := range orgIDs {
			entry := sch.runPair(ctx, tmpl, orgID, today, dryRun)
			if entry.Err != nil {
				report.Failures++
			} else if entry.Decision.Open && !dryRun {
				report.PeriodsCreated++
				report.Distributions += entry.Created
			}
			report.Entries = append(report.Entries, entry)
		}
	}
	return report, nil
}

func (sch *Scheduler) runPair(ctx context.Context, tmpl survey.Template, orgID string, today time.Time, dryRun bool) ReportEntry {
	entry := ReportEntry{TemplateID: tmpl.ID, TemplateName: tmpl.Name, OrganizationID: orgID}

	latest, err := sch.repo.LatestPeriod(ctx, tmpl.ID, orgID)
	if err != nil {
		entry.Err = err
		sch.logger.Error(fmt.Sprintf("scheduler: %s (%s): %v", tmpl.Name, orgID, err), err)
		sch.observer.FanOutFailed(tmpl, orgID)
		return entry
	}
	entry.Decision = ShouldOpenNewPeriod(tmpl, latest, today, sch.opts)
	if !entry.Decision.Open {
		sch.logger.Info(fmt.Sprintf("scheduler: %s (%s): skipped: %s", tmpl.Name, orgID, entry.Decision.Reason))
		sch.observer.PeriodSkipped(tmpl, orgID)
		return entry
	}

	if dryRun {
		rcpts, err := sch.resolver.ResolveRecipients(ctx, orgID, tmpl.Audience, tmpl.Grades)
		if err != nil {
			entry.Err = err
			return entry
		}
		entry.Recipients = len(rcpts)
		sch.logger.Info(fmt.Sprintf("scheduler: %s (%s): would open a period for %d recipients: %s",
			tmpl.Name, orgID, entry.Recipients, entry.Decision.Reason))
		return entry
	}

	res, err := sch.OpenPeriod(ctx, tmpl, orgID, today, "")
	if err != nil {
		entry.Err = err
		sch.logger.Error(fmt.Sprintf("scheduler: %s (%s): %v", tmpl.Name, orgID, err), err)
		return entry
	}
	entry.Recipients = res.Recipients
	entry.Created = len(res.Distributions)
	sch.logger.Info(fmt.Sprintf("scheduler: %s (%s): period %s opened, %d distributions: %s",
		tmpl.Name, orgID, res.Period.ID, entry.Created, entry.Decision.Reason))
	return entry
}

// OpenPeriod deactivates the current Period of the pair, opens a new one starting on `today` and
// assigns it to every targeted recipient, all in one transaction. Recipients are notified once the
// transaction is committed. Running it twice on the same day creates nothing new.
func (sch *Scheduler) OpenPeriod(ctx context.Context, tmpl survey.Template, orgID string, today time.Time, initiatedBy string) (OpenResult, error) {
	today = core.Date(today)
	now := NowFunc().UTC()

	var (
		res    OpenResult
		rcpts  []Recipient
		period = Period{
			ID:             uuid.New().String(),
			TemplateID:     tmpl.ID,
			OrganizationID: orgID,
			StartDate:      today,
			EndDate:        today.Add(survey.Delta(tmpl.Frequency)),
			IsActive:       true,
			InitiatedBy:    initiatedBy,
			CreatedAt:      now,
		}
	)
	err := core.WithinTx(ctx, sch.db, func(tx core.DBExecutor) error {
		if err := sch.repo.DeactivatePeriods(ctx, tmpl.ID, orgID, tx); err != nil {
			return err
		}
		var err error
		if res.Period, err = sch.repo.CreatePeriod(ctx, period, tx); err != nil {
			return err
		}
		if rcpts, err = sch.resolver.ResolveRecipients(ctx, orgID, tmpl.Audience, tmpl.Grades, tx); err != nil {
			return errors.Wrap(err, "resolving recipients")
		}
		rcpts = uniqueRecipients(rcpts)
		res.Recipients = len(rcpts)

		dists := make([]Distribution, 0, len(rcpts))
		for _, r := range rcpts {
			dists = append(dists, Distribution{
				ID:          uuid.New().String(),
				PeriodID:    res.Period.ID,
				RecipientID: r.ID,
				SubjectID:   r.SubjectID,
				SentAt:      now,
			})
		}
		res.Distributions, err = sch.repo.CreateDistributions(ctx, dists, tx)
		return err
	})
	if err != nil {
		sch.observer.FanOutFailed(tmpl, orgID)
		return OpenResult{}, errors.Wrapf(err, "opening period of %s", tmpl.ID)
	}

	sch.notify(tmpl, res, rcpts)
	sch.observer.PeriodOpened(tmpl, orgID, len(res.Distributions))
	return res, nil
}

// SendNow opens a Period of a Template for an organization right away, without calendar alignment.
// orgID may be empty for organization templates.
func (sch *Scheduler) SendNow(ctx context.Context, templateID, orgID, initiatedBy string) (OpenResult, error) {
	tmpl, err := sch.templates.GetTemplate(ctx, templateID)
	if err != nil {
		return OpenResult{}, err
	}
	if tmpl.IsSubForm() {
		return OpenResult{}, survey.ErrSubForm
	}
	if orgID == "" {
		if tmpl.IsGlobal() {
			return OpenResult{}, core.NewValidationError(
				ErrOrganizationNeeded,
				core.FieldError{Field: "organization_id", Error: ErrOrganizationNeeded.Error()},
			)
		}
		orgID = tmpl.OrganizationID
	}
	if !tmpl.VisibleTo(orgID) {
		return OpenResult{}, survey.ErrNotFound
	}
	return sch.OpenPeriod(ctx, tmpl, orgID, NowFunc().UTC(), initiatedBy)
}

func (sch *Scheduler) QueryPeriods(ctx context.Context, templateID, orgID string) ([]PeriodStats, error) {
	if _, err := sch.templates.GetTemplate(ctx, templateID); err != nil {
		return nil, err
	}
	return sch.repo.QueryPeriods(ctx, templateID, orgID)
}

func (sch *Scheduler) notify(tmpl survey.Template, res OpenResult, rcpts []Recipient) {
	if sch.notifier == nil || len(res.Distributions) == 0 {
		return
	}
	byPair := make(map[[2]string]Recipient, len(rcpts))
	for _, r := range rcpts {
		byPair[r.pair()] = r
	}

	notifs := make([]core.Notification, 0, len(res.Distributions))
	for _, d := range res.Distributions {
		r, ok := byPair[d.pair()]
		if !ok || !r.Notify {
			continue
		}
		body := "A new survey is available."
		if r.SubjectName != "" {
			body = fmt.Sprintf("A new survey about %s is available.", r.SubjectName)
		}
		notifs = append(notifs, core.Notification{
			RecipientID: r.ID,
			Name:        r.Name,
			Email:       r.Email,
			DeviceToken: r.DeviceToken,
			Title:       tmpl.Name,
			Body:        body,
			Data: map[string]string{
				"template_id":     tmpl.ID,
				"period_id":       res.Period.ID,
				"distribution_id": d.ID,
				"subject_id":      d.SubjectID,
			},
		})
	}
	if len(notifs) > 0 {
		sch.notifier.Notify(notifs...)
	}
}

func uniqueRecipients(rcpts []Recipient) []Recipient {
	seen := make(map[[2]string]bool, len(rcpts))
	unique := rcpts[:0]
	for _, r := range rcpts {
		if seen[r.pair()] {
			continue
		}
		seen[r.pair()] = true
		unique = append(unique, r)
	}
	return unique
}
