package main

import (
	"fmt"
	"os"

	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/distribution"
	logsvc "github.com/trezcool/masomo-forms/services/logger"
	metricsvc "github.com/trezcool/masomo-forms/services/metrics"
	notifysvc "github.com/trezcool/masomo-forms/services/notify"
	"github.com/trezcool/masomo-forms/storage/database"
	sqlxrepos "github.com/trezcool/masomo-forms/storage/database/sqlx"
)

func main() {
	conf := core.NewConfig()

	logger := logsvc.NewRollbarLogger(logsvc.NewStdLogger("ADMIN : ", conf), conf)
	logger.Enable(!conf.Debug)

	// set up DB
	db, err := database.Open(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("opening database: %v", err), err)
	}

	notifier, closeNotifier := notifysvc.NewFromConfig(conf, logger)

	// start CLI
	rcptRepo := sqlxrepos.NewRecipientRepository(db)
	metrics := metricsvc.New()
	scheduler := distribution.NewScheduler(distribution.SchedulerDeps{
		DB:        db,
		Repo:      sqlxrepos.NewDistributionRepository(db),
		Templates: sqlxrepos.NewSurveyRepository(db),
		Resolver:  rcptRepo,
		Notifier:  notifier,
		Observer:  metrics,
		Logger:    logger,
		Options:   distribution.OptionsFromConfig(conf),
	})
	cli := commandLine{
		db:          db,
		scheduler:   scheduler,
		dir:         rcptRepo,
		metrics:     metrics,
		pushGateway: conf.Metrics.PushGateway,
	}
	err = cli.run(os.Args)

	notifysvc.Wait()
	_ = closeNotifier()
	_ = db.Close()
	if err != nil {
		if err != errHelp {
			logger.Error(fmt.Sprintf("\nerror: %s\n", err), err)
		}
		os.Exit(1)
	}
}
