package main

import (
	"context"
	"expvar"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"

	echoapi "github.com/trezcool/masomo-forms/apps/api/echo"
	"github.com/trezcool/masomo-forms/core"
	"github.com/trezcool/masomo-forms/core/distribution"
	"github.com/trezcool/masomo-forms/core/survey"
	logsvc "github.com/trezcool/masomo-forms/services/logger"
	metricsvc "github.com/trezcool/masomo-forms/services/metrics"
	notifysvc "github.com/trezcool/masomo-forms/services/notify"
	"github.com/trezcool/masomo-forms/storage/database"
	sqlxrepos "github.com/trezcool/masomo-forms/storage/database/sqlx"
)

func startManual() {
	// =========================================================================
	// Set up Dependencies

	conf := core.NewConfig()

	// set up loggers
	logger := logsvc.NewRollbarLogger(logsvc.NewStdLogger("API : ", conf), conf)
	logger.Enable(!conf.Debug)

	dbLogger := logsvc.NewRollbarLogger(logsvc.NewStdLogger("DB : ", conf), conf)
	dbLogger.Enable(!conf.Debug)

	// set up DB
	db, err := setUpDB(conf)
	if err != nil {
		logger.Fatal(fmt.Sprintf("setting up database: %v", err), err)
	}
	defer func() {
		if err = db.Close(); err != nil {
			dbLogger.Fatal("Failed to close", err)
		}
	}()

	// =========================================================================
	// Initialize App

	logger.Info(fmt.Sprintf("Application initializing : version %q", conf.Build))
	defer logger.Info("Application stopped")

	translator := core.NewTranslator()
	validate := validator.New()
	core.InitValidators(validate, translator)
	survey.InitValidators(validate, translator)

	// set up services
	notifier, closeNotifier := notifysvc.NewFromConfig(conf, logger)
	defer func() {
		notifysvc.Wait()
		if err = closeNotifier(); err != nil {
			logger.Error(fmt.Sprintf("closing notifier: %v", err), err)
		}
	}()

	metrics := metricsvc.New()
	surveyRepo := sqlxrepos.NewSurveyRepository(db)
	surveySvc := survey.NewService(db, surveyRepo, validate, translator)
	scheduler := distribution.NewScheduler(distribution.SchedulerDeps{
		DB:        db,
		Repo:      sqlxrepos.NewDistributionRepository(db),
		Templates: surveyRepo,
		Resolver:  sqlxrepos.NewRecipientRepository(db),
		Notifier:  notifier,
		Observer:  metrics,
		Logger:    logger,
		Options:   distribution.OptionsFromConfig(conf),
	})

	// =========================================================================
	// Start Debug Service
	//
	// /debug/vars - Added to the default mux by importing the expvar package.
	// /metrics - Prometheus scrape endpoint.

	// Expose important info under /debug/vars.
	expvar.NewString("build").Set(conf.Build)
	expvar.NewString("env").Set(conf.Env)
	http.DefaultServeMux.Handle("/metrics", metrics.Handler())

	go func() {
		if err := http.ListenAndServe(conf.Server.DebugHost, http.DefaultServeMux); err != nil {
			logger.Error(fmt.Sprintf("debug server closed: %v", err), err)
		}
	}()

	// =========================================================================
	// Start API Service

	server := echoapi.NewServer(
		echoapi.ServerDeps{
			Conf:       conf,
			Logger:     logger,
			SurveySvc:  surveySvc,
			Scheduler:  scheduler,
			Metrics:    metrics,
			Validate:   validate,
			Translator: translator,
		},
	)

	go func() {
		server.Start()
	}()

	// =========================================================================
	// Shutdown

	select {
	case err = <-server.Errors():
		logger.Fatal(fmt.Sprintf("server error: %v", err), err)

	case sig := <-server.ShutdownSignal():
		logger.Info(fmt.Sprintf("%v: Start shutdown...", sig))

		// give outstanding requests a deadline for completion
		ctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownTimeout)
		defer cancel()

		// asking listener to shutdown and shed load
		if err = server.Shutdown(ctx); err != nil {
			logger.Error(fmt.Sprintf("could not stop server gracefully: %v", err), err)

			if err = server.Close(); err != nil {
				logger.Fatal(fmt.Sprintf("could not force stop server: %v", err), err)
			}
		}
	}
}

func setUpDB(conf *core.Config) (*sqlx.DB, error) {
	if err := database.CreateIfNotExist(conf); err != nil {
		return nil, err
	}

	db, err := database.Open(conf)
	if err != nil {
		return nil, err
	}

	if err = database.Migrate(db); err != nil {
		return nil, err
	}
	return db, nil
}
