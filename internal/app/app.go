// Package app assembles the pieces of a running Northstar process: database,
// config, event bus, lifecycle engine, and the queue manager.
package app

import (
	"context"
	"database/sql"
	"log"

	"northstar/internal/audit"
	"northstar/internal/bus"
	"northstar/internal/config"
	"northstar/internal/db"
	"northstar/internal/domain"
	"northstar/internal/jobs"
	"northstar/internal/lifecycle"
	"northstar/internal/mailer"
	"northstar/internal/migrate"
	"northstar/internal/queue"
	"northstar/internal/repo"
)

type Options struct {
	Workspace string
	Logger    *log.Logger
	// Sender overrides the default log-backed mail sender.
	Sender mailer.Sender
}

// App is a fully wired process. Close releases the database.
type App struct {
	DB     *sql.DB
	Config *config.Config
	Logger *log.Logger
	Bus    *bus.Bus
	Engine lifecycle.Engine
	Queue  *queue.Manager
	Repo   repo.Repo
	Audit  audit.Recorder
	Sender mailer.Sender
}

// New opens the workspace database, runs migrations, and wires the engine,
// bus, and queues. The queue workers are not started; call StartWorkers.
func New(opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	cfg, err := config.Load(opts.Workspace)
	if err != nil {
		return nil, err
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, err
	}

	b := bus.New(logger)
	engine := lifecycle.New(conn, b)
	engine.MinPriority = cfg.Requests.MinPriority
	engine.MaxPriority = cfg.Requests.MaxPriority

	rec := audit.Recorder{DB: conn}
	manager := queue.NewManager(conn, cfg, logger)
	manager.OnDeadLetter = func(job domain.Job) {
		logger.Printf("queue %s: job %s parked in dead letter after %d attempts: %s",
			job.Queue, job.ID, job.Attempts, job.LastError)
		err := rec.Record(context.Background(), nil, "system", audit.ActionUpdate, audit.ResourceJob, job.ID, map[string]any{
			"queue":      job.Queue,
			"attempts":   job.Attempts,
			"last_error": job.LastError,
		})
		if err != nil {
			logger.Printf("audit dead letter %s: %v", job.ID, err)
		}
	}

	sender := opts.Sender
	if sender == nil {
		sender = mailer.NewLogSender(logger)
	}
	jobs.RegisterHandlers(manager, sender, rec, logger)
	jobs.SubscribeEvents(b, manager)

	return &App{
		DB:     conn,
		Config: cfg,
		Logger: logger,
		Bus:    b,
		Engine: engine,
		Queue:  manager,
		Repo:   repo.Repo{DB: conn},
		Audit:  rec,
		Sender: sender,
	}, nil
}

// StartWorkers launches the queue worker pools and the maintenance scheduler.
// It returns immediately; workers stop when ctx is cancelled.
func (a *App) StartWorkers(ctx context.Context) {
	jobs.StartMaintenanceScheduler(ctx, a.Queue, a.Config, a.Logger)
	go a.Queue.Run(ctx)
}

func (a *App) Close() error {
	return a.DB.Close()
}
