package distribution

import (
	"time"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/survey"
)

// Period is one answer window of a Template for an organization. It covers [StartDate, EndDate).
type Period struct {
	ID             string    `json:"id"`
	TemplateID     string    `json:"template_id"`
	OrganizationID string    `json:"organization_id"`
	StartDate      time.Time `json:"start_date"`
	EndDate        time.Time `json:"end_date"`
	IsActive       bool      `json:"is_active"`
	InitiatedBy    string    `json:"initiated_by,omitempty"`
	CreatedAt      time.Time `json:"created_at"` // UTC
}

func (p Period) IsExpired(today time.Time) bool {
	return !core.Date(today).Before(p.EndDate)
}

func (p Period) DaysRemaining(today time.Time) int {
	return int(p.EndDate.Sub(core.Date(today)).Hours() / 24)
}

// Distribution assigns a Period to one recipient and, for guardian templates, one subject.
type Distribution struct {
	ID          string     `json:"id"`
	PeriodID    string     `json:"period_id"`
	RecipientID string     `json:"recipient_id"`
	SubjectID   string     `json:"subject_id,omitempty"` // empty unless guardian-targeted
	IsCompleted bool       `json:"is_completed"`
	SentAt      time.Time  `json:"sent_at"`
	CompletedAt *time.Time `json:"completed_at"`
	ResponseID  string     `json:"response_id,omitempty"`
}

func (d Distribution) pair() [2]string { return [2]string{d.RecipientID, d.SubjectID} }

// PeriodStats is a Period with its completion counters.
type PeriodStats struct {
	Period
	Sent      int `json:"sent"`
	Completed int `json:"completed"`
}

// Recipient is someone a Template is distributed to; Subject* are set for guardian templates.
type Recipient struct {
	ID             string
	OrganizationID string
	Role           survey.Role
	Name           string
	Email          string
	DeviceToken    string
	SubjectID      string
	SubjectName    string
	Notify         bool
}

func (r Recipient) pair() [2]string { return [2]string{r.ID, r.SubjectID} }

type Organization struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Decision is the outcome of the period transition rule. A negative decision is a reported no-op.
type Decision struct {
	Open          bool   `json:"open"`
	Reason        string `json:"reason"`
	DaysRemaining int    `json:"days_remaining,omitempty"` // set while the current period is active
}

// OpenResult describes a Period opening: the Period and the Distributions it created.
type OpenResult struct {
	Period        Period
	Recipients    int
	Distributions []Distribution // only the newly created ones
}

type ReportEntry struct {
	TemplateID     string
	TemplateName   string
	OrganizationID string
	Decision       Decision
	Recipients     int // dry-run: recipients that would be assigned
	Created        int
	Err            error
}

// Report sums up one scheduler run.
type Report struct {
	Date           time.Time
	DryRun         bool
	Processed      int
	PeriodsCreated int
	Distributions  int
	Failures       int
	Entries        []ReportEntry
}
