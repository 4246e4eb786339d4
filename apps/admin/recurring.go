package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pkg/errors"

	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
)

const metricsJob = "masomo_forms_recurring"

var stdout io.Writer = os.Stdout // mockable

// recurring opens the periods due on `today`. The report is printed as a table on a terminal and
// as JSON otherwise, for the cron logs.
func (cli *commandLine) recurring(today time.Time, dryRun bool) error {
	report, err := cli.scheduler.Run(context.Background(), today, dryRun)
	if err != nil {
		return err
	}
	if err = cli.printReport(report, dryRun); err != nil {
		return err
	}
	return cli.pushMetrics()
}

func (cli *commandLine) printReport(report distribution.Report, dryRun bool) error {
	if !stdoutIsTerminal() {
		return json.NewEncoder(stdout).Encode(reportJSON(report))
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TEMPLATE\tORGANIZATION\tOPEN\tRECIPIENTS\tCREATED\tREASON")
	for _, e := range report.Entries {
		reason := e.Decision.Reason
		if e.Err != nil {
			reason = "error: " + e.Err.Error()
		}
		fmt.Fprintf(w, "%s\t%s\t%t\t%d\t%d\t%s\n", e.TemplateName, e.OrganizationID, e.Decision.Open, e.Recipients, e.Created, reason)
	}
	if err := w.Flush(); err != nil {
		return err
	}
	mode := ""
	if dryRun {
		mode = " (dry run)"
	}
	_, err := fmt.Fprintf(stdout, "\n%s%s: %d processed, %d periods created, %d distributions, %d failures\n",
		report.Date.Format(survey.DateLayout), mode, report.Processed, report.PeriodsCreated, report.Distributions, report.Failures)
	return err
}

// pushMetrics hands the scheduler metrics of this run to the Pushgateway.
func (cli *commandLine) pushMetrics() error {
	if cli.metrics == nil || cli.pushGateway == "" {
		return nil
	}
	return errors.Wrap(cli.metrics.Push(cli.pushGateway, metricsJob), "pushing metrics")
}

func reportJSON(report distribution.Report) map[string]interface{} {
	entries := make([]map[string]interface{}, 0, len(report.Entries))
	for _, e := range report.Entries {
		entry := map[string]interface{}{
			"template_id":     e.TemplateID,
			"template":        e.TemplateName,
			"organization_id": e.OrganizationID,
			"decision":        e.Decision,
			"recipients":      e.Recipients,
			"created":         e.Created,
		}
		if e.Err != nil {
			entry["error"] = e.Err.Error()
		}
		entries = append(entries, entry)
	}
	return map[string]interface{}{
		"date":            report.Date.Format(survey.DateLayout),
		"dry_run":         report.DryRun,
		"processed":       report.Processed,
		"periods_created": report.PeriodsCreated,
		"distributions":   report.Distributions,
		"failures":        report.Failures,
		"entries":         entries,
	}
}

func (cli *commandLine) sendNow(templateID, orgID string) error {
	res, err := cli.scheduler.SendNow(context.Background(), templateID, orgID, "admin")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(stdout, "period %s opened: %d recipients, %d distributions created\n",
		res.Period.ID, res.Recipients, len(res.Distributions))
	return err
}

func (cli *commandLine) addOrganization(name string) error {
	org, err := cli.dir.CreateOrganization(context.Background(), distribution.Organization{Name: name})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, org.ID)
	return err
}

func (cli *commandLine) addRecipient(r distribution.Recipient) error {
	r, err := cli.dir.CreateRecipient(context.Background(), r)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, r.ID)
	return err
}
