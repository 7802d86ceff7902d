package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/vrsandeep/scm-server/internal/api"
	"github.com/vrsandeep/scm-server/internal/auth"
	"github.com/vrsandeep/scm-server/internal/core"
	"github.com/vrsandeep/scm-server/internal/jobs"
	"github.com/vrsandeep/scm-server/internal/plugincenter"
	"github.com/vrsandeep/scm-server/internal/plugins"
)

func main() {
	log.SetOutput(os.Stdout)
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := pflag.StringP("config", "c", "", "path to the configuration file (default ./config.yml)")
	pflag.Parse()

	// Initialize the core application components
	app, err := core.New(*configPath)
	if err != nil {
		log.Fatalf("Fatal error during application setup: %v", err)
	}
	cfg := app.Config()

	// --- Administrator Provisioning ---
	if cfg.Auth.AdminPasswordHash == "" {
		password, err := auth.GenerateToken(12)
		if err != nil {
			log.Fatalf("Could not generate administrator password: %v", err)
		}
		passwordHash, err := auth.HashPassword(password)
		if err != nil {
			log.Fatalf("Could not hash administrator password: %v", err)
		}
		cfg.Auth.AdminPasswordHash = passwordHash
		log.Println("==================================================")
		log.Println("No administrator password configured.")
		log.Printf("Username: %s", cfg.Auth.AdminUser)
		log.Printf("Password: %s", password)
		log.Println("Set auth.admin_password_hash to keep a password across restarts.")
		log.Println("==================================================")
	}

	// --- Plugin Center ---
	excludes := plugincenter.NewXsrfExcludes()
	params, err := plugincenter.NewParamSerializer(cfg.PluginCenter.Secret)
	if err != nil {
		log.Fatalf("Could not set up plugin center parameters: %v", err)
	}
	authenticator := plugincenter.NewDefaultAuthenticator(app.DB(), cfg.PluginCenter.AuthURL, app.WsHub())
	flow := plugincenter.NewFlow(cfg, authenticator, excludes, params)
	catalog := plugins.NewCenterCatalog(cfg.PluginCenter.URL, authenticator)

	// --- Plugin Manager ---
	restarter := plugins.NewProcessRestarter()
	pluginManager := plugins.NewManager(app, catalog, authenticator, restarter)
	if err := pluginManager.LoadInstalled(); err != nil {
		log.Fatalf("Could not load installed plugins: %v", err)
	}
	plugins.SetGlobalManager(pluginManager)

	// --- Background Jobs ---
	app.JobManager().Register(jobs.CatalogRefreshJobID, "Refresh plugin center catalog", func(ctx jobs.JobContext) {
		if err := catalog.Refresh(context.Background()); err != nil {
			log.Printf("Warning: plugin center catalog refresh failed: %v", err)
		}
	})
	app.JobManager().Register(jobs.ChallengeExpiryJobID, "Expire plugin center logins", func(ctx jobs.JobContext) {
		flow.ExpireStale()
	})
	scheduler := jobs.StartJobs(app)

	// Setup the API server
	server := api.NewServer(app, flow, authenticator, excludes)
	onboarding := plugins.NewOnboarding(pluginManager)
	startupToken := ""
	if required, err := onboarding.IsRequired(); err != nil {
		log.Printf("Warning: could not check onboarding state: %v", err)
	} else if required {
		startupToken, err = auth.GenerateToken(20)
		if err != nil {
			log.Fatalf("Could not generate startup token: %v", err)
		}
		log.Println("==================================================")
		log.Println("Plugin set onboarding is pending.")
		log.Printf("Startup token: %s", startupToken)
		log.Println("==================================================")
	}
	server.SetOnboarding(onboarding, startupToken)
	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: server.Router(),
	}
	// --- Graceful Shutdown ---
	// Start the server in a goroutine so it doesn't block.
	go func() {
		log.Printf("Starting web server on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Could not start server: %v", err)
		}
	}()

	// Wait for an interrupt signal or a restart request.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	restart := false
	select {
	case <-quit:
	case reason := <-restarter.Requests():
		log.Printf("Restarting: %s", reason)
		restart = true
	}
	log.Println("Shutting down server...")
	scheduler.Stop()

	// Create a context with a timeout to allow existing connections to finish.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Attempt a graceful shutdown.
	if err := httpServer.Shutdown(ctx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}
	app.Close()

	if restart {
		if err := reexec(); err != nil {
			log.Fatalf("Restart failed: %v", err)
		}
	}
	log.Println("Server exiting.")
}

// reexec replaces the process with a fresh instance of the binary, which
// picks up the changed plugin directory.
func reexec() error {
	executable, err := os.Executable()
	if err != nil {
		return err
	}
	return syscall.Exec(executable, os.Args, os.Environ())
}

