package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/phrazzld/taskflow/internal/channel"
	"github.com/phrazzld/taskflow/internal/config"
	"github.com/phrazzld/taskflow/internal/domain"
	"github.com/phrazzld/taskflow/internal/events"
	"github.com/phrazzld/taskflow/internal/platform/llm"
	"github.com/phrazzld/taskflow/internal/platform/postgres"
	"github.com/phrazzld/taskflow/internal/platform/provider"
	"github.com/phrazzld/taskflow/internal/service"
	"github.com/phrazzld/taskflow/internal/service/auth"
	"github.com/phrazzld/taskflow/internal/store"
	"github.com/phrazzld/taskflow/internal/stream"
	"github.com/phrazzld/taskflow/internal/task"
)

// application holds the wired dependencies of a running server.
type application struct {
	config *config.Config
	logger *slog.Logger
	db     *sql.DB
	pool   *pgxpool.Pool

	registry    *channel.Registry
	publisher   *events.Publisher
	taskService service.TaskService
	jwtService  auth.JWTService
	runner      *task.Runner
}

// newApplication wires stores, the channel registry, the publisher, the
// runner and the services on top of db, then starts the runner.
func newApplication(ctx context.Context, cfg *config.Config, logger *slog.Logger, db *sql.DB) (*application, error) {
	app := &application{config: cfg, logger: logger, db: db}

	tasks := postgres.NewPostgresTaskStore(db, logger)
	eventLog := postgres.NewPostgresEventStore(db, logger)

	backend, err := app.channelBackend(ctx, eventLog)
	if err != nil {
		return nil, err
	}
	app.registry = channel.NewRegistry(backend, cfg.Stream.ListenerBuffer, logger)
	if err := app.registry.Start(ctx); err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to start channel registry: %w", err)
	}

	runner, err := app.setupTaskRunner(ctx)
	if err != nil {
		app.cleanup()
		return nil, err
	}
	app.runner = runner

	if err := app.setupServices(postgres.NewTransactor(db, tasks, eventLog), tasks, eventLog); err != nil {
		app.cleanup()
		return nil, err
	}

	if err := app.runner.Start(ctx, app.taskService); err != nil {
		app.cleanup()
		return nil, fmt.Errorf("failed to start task runner: %w", err)
	}
	return app, nil
}

// setupServices builds the publisher, task service and JWT service. The
// publisher broadcasts committed events through the channel registry.
func (app *application) setupServices(tx store.Transactor, tasks store.TaskStore, eventLog store.EventStore) error {
	emitter := events.NewFanout(app.logger)
	emitter.Register(events.HandlerFunc(app.registry.Publish))

	app.publisher = events.NewPublisher(tx, tasks, eventLog, emitter, app.config.Stream.ReplayPageSize, app.logger)

	svc, err := service.NewTaskService(tasks, app.publisher, app.runner, app.logger)
	if err != nil {
		return fmt.Errorf("failed to create task service: %w", err)
	}
	app.taskService = svc

	jwtService, err := auth.NewJWTService(app.config.Auth)
	if err != nil {
		return fmt.Errorf("failed to create JWT service: %w", err)
	}
	app.jwtService = jwtService
	return nil
}

// channelBackend selects the live fan-out transport. The postgres backend
// uses its own pgx pool for the dedicated LISTEN connection.
func (app *application) channelBackend(ctx context.Context, eventLog channel.EventGetter) (channel.Backend, error) {
	if app.config.Channel.Backend != "postgres" {
		app.logger.Info("using in-process channel backend")
		return channel.NewMemoryBroker(), nil
	}

	pool, err := pgxpool.New(ctx, app.config.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to create listener pool: %w", err)
	}
	app.pool = pool
	return channel.NewPostgresBroker(pool, eventLog, app.logger), nil
}

// setupTaskRunner creates the runner and registers an executor for every
// queue whose backend is configured.
func (app *application) setupTaskRunner(ctx context.Context) (*task.Runner, error) {
	runner := task.NewRunner(task.RunnerConfigFrom(app.config.Task), app.logger)

	if pc := app.config.Provider; pc.BaseURL != "" {
		client := provider.NewClient(pc.BaseURL, pc.APIKey, pc.Timeout, app.logger)
		exec := task.NewProviderExecutor(client, pc.PollInterval, pc.Timeout, app.logger)
		for _, kind := range []domain.QueueKind{domain.QueueImage, domain.QueueVideo, domain.QueueVoice} {
			runner.RegisterExecutor(kind, exec)
		}
	}

	analyzer, err := llm.New(ctx, app.config.LLM, app.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM analyzer: %w", err)
	}
	if _, disabled := analyzer.(llm.Disabled); !disabled {
		runner.RegisterExecutor(domain.QueueText, task.NewLLMExecutor(analyzer, app.logger))
	}
	return runner, nil
}

// streamConfig maps the stream settings onto a session configuration.
func (app *application) streamConfig() stream.Config {
	sc := app.config.Stream
	return stream.Config{
		HeartbeatInterval: sc.HeartbeatInterval,
		ReplayPageSize:    sc.ReplayPageSize,
		DedupWindow:       sc.DedupWindow,
		DedupMaxEntries:   sc.DedupMaxEntries,
	}
}

// cleanup stops background work and releases connections. It is safe to
// call on a partially wired application.
func (app *application) cleanup() {
	if app.runner != nil {
		app.runner.Stop()
	}

	if app.registry != nil {
		if err := app.registry.Close(); err != nil {
			app.logger.Error("error closing channel registry", "error", err)
		}
	}

	if app.pool != nil {
		app.pool.Close()
	}

	if app.db != nil {
		if err := app.db.Close(); err != nil {
			app.logger.Error("error closing database connection", "error", err)
		}
	}

	app.logger.Info("application shutdown completed")
}
