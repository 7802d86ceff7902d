package core

import (
	"database/sql"
	"fmt"
	"log"

	"github.com/vrsandeep/scm-server/internal/config"
	"github.com/vrsandeep/scm-server/internal/db"
	"github.com/vrsandeep/scm-server/internal/jobs"
	"github.com/vrsandeep/scm-server/internal/websocket"
)

// App holds the core components of the application that are shared
// between the HTTP server, the plugin manager and background jobs.
type App struct {
	config     *config.Config
	db         *sql.DB
	wsHub      *websocket.Hub
	jobManager *jobs.JobManager
}

// New sets up and returns a new App instance. It handles loading the
// configuration, initializing the database connection, and running migrations.
// An empty configPath loads config.yml from the working directory.
func New(configPath string) (*App, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize the database connection
	database, err := db.InitDB(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// Run database migrations
	if err := db.RunMigrations(database); err != nil {
		// We can't proceed without a valid database schema.
		database.Close()
		return nil, fmt.Errorf("failed to run database migrations: %w", err)
	}

	log.Println("Core application setup complete.")
	return NewApp(cfg, database), nil
}

// NewApp wires an App around an already prepared configuration and database.
func NewApp(cfg *config.Config, database *sql.DB) *App {
	app := &App{
		config: cfg,
		db:     database,
		wsHub:  websocket.NewHub(),
	}
	app.jobManager = jobs.NewManager(app)
	go app.wsHub.Run()
	return app
}

func (a *App) Config() *config.Config       { return a.config }
func (a *App) DB() *sql.DB                  { return a.db }
func (a *App) WsHub() *websocket.Hub        { return a.wsHub }
func (a *App) JobManager() *jobs.JobManager { return a.jobManager }

// Close gracefully closes the application's resources, like the DB connection.
func (a *App) Close() {
	if a.db != nil {
		a.db.Close()
	}
}
