package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jmoiron/sqlx"
	"golang.org/x/term"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
	metricsvc "github.com/trezcool/masomo-forms/services/metrics"
)

var (
	isTerminalFunc = term.IsTerminal // mockable

	errHelp = errors.New("help provided")
)

// directory manages the organizations & recipients the scheduler distributes to.
type directory interface {
	CreateOrganization(ctx context.Context, org distribution.Organization, exec ...core.DBExecutor) (distribution.Organization, error)
	CreateRecipient(ctx context.Context, r distribution.Recipient, exec ...core.DBExecutor) (distribution.Recipient, error)
	AddSubject(ctx context.Context, recipientID, subjectID, subjectName string, grade int, notify bool, exec ...core.DBExecutor) error
	DeactivateRecipient(ctx context.Context, id string, exec ...core.DBExecutor) error
}

type commandLine struct {
	db          *sqlx.DB
	scheduler   *distribution.Scheduler
	dir         directory
	metrics     *metricsvc.Metrics // observes the scheduler; nil disables the push
	pushGateway string
}

func (cli *commandLine) printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  migrate COMMAND [ARGS] - run a goose migration command (up, down, status, ...)")
	fmt.Println("  recurring [-dry-run] [-date YYYY-MM-DD] - open the recurring survey periods due today")
	fmt.Println("  sendnow -template ID [-org ID] - distribute a survey right away")
	fmt.Println("  addorg -name NAME - add an organization")
	fmt.Println("  addrecipient -org ID -role ROLE -name NAME [-email EMAIL] [-device-token TOKEN] - add a recipient")
	fmt.Println("  addsubject -recipient ID -subject ID -name NAME -grade GRADE [-notify=false] - link a guardian to a student")
	fmt.Println("  deactivate -recipient ID - stop distributing surveys to a recipient")
}

func (cli *commandLine) run(args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	migrateCmd := flag.NewFlagSet("migrate", flag.ContinueOnError)

	recurringCmd := flag.NewFlagSet("recurring", flag.ContinueOnError)
	recurringDryRun := recurringCmd.Bool("dry-run", false, "Report the decisions without writing anything.")
	recurringDate := recurringCmd.String("date", "", "Evaluate as of this date (YYYY-MM-DD). Defaults to today.")

	sendNowCmd := flag.NewFlagSet("sendnow", flag.ContinueOnError)
	sendNowTemplate := sendNowCmd.String("template", "", "The survey template ID.")
	sendNowOrg := sendNowCmd.String("org", "", "The organization ID. Required for global templates.")

	addOrgCmd := flag.NewFlagSet("addorg", flag.ContinueOnError)
	addOrgName := addOrgCmd.String("name", "", "The organization's name.")

	addRecipientCmd := flag.NewFlagSet("addrecipient", flag.ContinueOnError)
	addRecipientOrg := addRecipientCmd.String("org", "", "The organization ID.")
	addRecipientRole := addRecipientCmd.String("role", "", "guardian | teacher | employee")
	addRecipientName := addRecipientCmd.String("name", "", "The recipient's name.")
	addRecipientEmail := addRecipientCmd.String("email", "", "The recipient's email.")
	addRecipientToken := addRecipientCmd.String("device-token", "", "The recipient's push notification token.")

	addSubjectCmd := flag.NewFlagSet("addsubject", flag.ContinueOnError)
	addSubjectRecipient := addSubjectCmd.String("recipient", "", "The guardian's recipient ID.")
	addSubjectID := addSubjectCmd.String("subject", "", "The student ID.")
	addSubjectName := addSubjectCmd.String("name", "", "The student's name.")
	addSubjectGrade := addSubjectCmd.Int("grade", -1, "The student's grade.")
	addSubjectNotify := addSubjectCmd.Bool("notify", true, "Notify the guardian about this student's surveys.")

	deactivateCmd := flag.NewFlagSet("deactivate", flag.ContinueOnError)
	deactivateRecipient := deactivateCmd.String("recipient", "", "The recipient ID.")

	switch args[1] {
	case "migrate":
		if err := migrateCmd.Parse(args[2:]); err != nil {
			return err
		}
		if migrateCmd.NArg() == 0 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(migrateCmd.Args())

	case "recurring":
		if err := recurringCmd.Parse(args[2:]); err != nil {
			return err
		}
		today := time.Now().UTC()
		if *recurringDate != "" {
			date, err := time.Parse(survey.DateLayout, *recurringDate)
			if err != nil {
				recurringCmd.Usage()
				return errHelp
			}
			today = date
		}
		return cli.recurring(today, *recurringDryRun)

	case "sendnow":
		if err := sendNowCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *sendNowTemplate == "" {
			sendNowCmd.Usage()
			return errHelp
		}
		return cli.sendNow(*sendNowTemplate, *sendNowOrg)

	case "addorg":
		if err := addOrgCmd.Parse(args[2:]); err != nil {
			return err
		}
		if core.CleanString(*addOrgName) == "" {
			addOrgCmd.Usage()
			return errHelp
		}
		return cli.addOrganization(*addOrgName)

	case "addrecipient":
		if err := addRecipientCmd.Parse(args[2:]); err != nil {
			return err
		}
		role := survey.Role(core.CleanString(*addRecipientRole, true /* lower */))
		if *addRecipientOrg == "" || core.CleanString(*addRecipientName) == "" || !survey.AudienceAll.Includes(role) {
			addRecipientCmd.Usage()
			return errHelp
		}
		return cli.addRecipient(distribution.Recipient{
			OrganizationID: *addRecipientOrg,
			Role:           role,
			Name:           core.CleanString(*addRecipientName),
			Email:          core.CleanString(*addRecipientEmail, true /* lower */),
			DeviceToken:    core.CleanString(*addRecipientToken),
		})

	case "addsubject":
		if err := addSubjectCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *addSubjectRecipient == "" || *addSubjectID == "" || *addSubjectGrade < 0 {
			addSubjectCmd.Usage()
			return errHelp
		}
		return cli.dir.AddSubject(
			context.Background(), *addSubjectRecipient, *addSubjectID, core.CleanString(*addSubjectName), *addSubjectGrade, *addSubjectNotify)

	case "deactivate":
		if err := deactivateCmd.Parse(args[2:]); err != nil {
			return err
		}
		if *deactivateRecipient == "" {
			deactivateCmd.Usage()
			return errHelp
		}
		return cli.dir.DeactivateRecipient(context.Background(), *deactivateRecipient)

	default:
		cli.printUsage()
		return errHelp
	}
}

func stdoutIsTerminal() bool {
	return isTerminalFunc(int(os.Stdout.Fd()))
}
