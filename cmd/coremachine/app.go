package main

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/geoflux/coremachine/internal/broker"
	"github.com/geoflux/coremachine/internal/controller"
	janitorrunrepo "github.com/geoflux/coremachine/internal/data/repos/janitorrun"
	jobrepo "github.com/geoflux/coremachine/internal/data/repos/job"
	taskrepo "github.com/geoflux/coremachine/internal/data/repos/task"
	"github.com/geoflux/coremachine/internal/janitor"
	"github.com/geoflux/coremachine/internal/metrics"
	"github.com/geoflux/coremachine/internal/platform/config"
	"github.com/geoflux/coremachine/internal/platform/logger"
	"github.com/geoflux/coremachine/internal/platform/store"
	"github.com/geoflux/coremachine/internal/registry"
	"github.com/geoflux/coremachine/internal/submission"
	"github.com/geoflux/coremachine/internal/taskworker"
)

// app wires every component the CLI subcommands need: the State Store
// connection, the Message Bus client, both registries, and the
// Controller/Worker/Janitor/Submitter built on top of them. Handler and
// job-class registration is left to the operator's own init (none of
// CoreMachine's domain logic lives in this repo) — see registerDefaults.
type app struct {
	Config config.Config
	Log    *logger.Logger
	DB     *gorm.DB
	Broker *broker.RedisBroker
	Jobs   *registry.JobTable
	Tasks  *registry.TaskTable

	JobRepo    jobrepo.Repo
	TaskRepo   taskrepo.Repo
	RunRepo    janitorrunrepo.Repo
	Metrics    *metrics.Metrics
	Controller *controller.Controller
	Worker     *taskworker.Worker
	Janitor    *janitor.Janitor
	Submitter  *submission.Submitter
}

func newApp() (*app, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	mode := "development"
	if cfg.Env == "production" {
		mode = "production"
	}
	log, err := logger.New(mode)
	if err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}

	db, err := store.Open(cfg.PostgresDSN, log)
	if err != nil {
		return nil, err
	}

	b, err := broker.NewRedisBroker(log, cfg.RedisAddr, cfg.RedisDB, "coremachine")
	if err != nil {
		return nil, err
	}

	jobTable := registry.NewJobTable()
	taskTable := registry.NewTaskTable()
	registerDefaults(jobTable, taskTable)

	jobRepo := jobrepo.NewRepo(db, log)
	taskRepo := taskrepo.NewRepo(db, log)
	runRepo := janitorrunrepo.NewRepo(db, log)

	m := metrics.New()

	ctrl := controller.New(jobRepo, taskRepo, b, jobTable, log)
	ctrl.JobsQueue = cfg.JobsQueue
	ctrl.TasksQueue = cfg.TasksQueue
	ctrl.Metrics = m

	worker := taskworker.New(jobRepo, taskRepo, b, taskTable, ctrl, log)
	worker.Queue = cfg.TasksQueue
	worker.JobsQueue = cfg.JobsQueue
	worker.HandlerTimeout = cfg.HandlerTimeout
	worker.VisibilityTimeout = cfg.VisibilityTimeout
	worker.Metrics = m

	jan := janitor.New(jobRepo, taskRepo, runRepo, b, ctrl, log, janitor.Config{
		QTimeout:             cfg.QTimeout,
		PTimeout:             cfg.PTimeout,
		MaxTaskRetries:       cfg.MaxTaskRetries,
		StuckQueuedAge:       cfg.StuckQueuedAge,
		AncientProcessingAge: cfg.AncientProcessingAge,
		CronSpec:             cfg.JanitorCronSpec,
	})
	jan.Metrics = m

	sub := submission.New(jobRepo, b, jobTable)
	sub.Metrics = m
	sub.JobsQueue = cfg.JobsQueue

	return &app{
		Config:     cfg,
		Log:        log,
		DB:         db,
		Broker:     b,
		Jobs:       jobTable,
		Tasks:      taskTable,
		JobRepo:    jobRepo,
		TaskRepo:   taskRepo,
		RunRepo:    runRepo,
		Metrics:    m,
		Controller: ctrl,
		Worker:     worker,
		Janitor:    jan,
		Submitter:  sub,
	}, nil
}

func (a *app) Close() {
	if a.Broker != nil {
		_ = a.Broker.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	a.Log.Sync()
}
