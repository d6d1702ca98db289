package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/h-amg/job-tracker/internal/blob"
	"github.com/h-amg/job-tracker/internal/config"
	"github.com/h-amg/job-tracker/internal/docextract"
	internal_http "github.com/h-amg/job-tracker/internal/http"
	"github.com/h-amg/job-tracker/internal/log"
	"github.com/h-amg/job-tracker/internal/service"
	internal_storage "github.com/h-amg/job-tracker/internal/storage"
	"github.com/h-amg/job-tracker/internal/textgen"
	"github.com/h-amg/job-tracker/internal/workflows"
	"github.com/h-amg/job-tracker/pkg/clock"
	"github.com/h-amg/job-tracker/pkg/models"
	wfservice "github.com/h-amg/job-tracker/pkg/service"
	"github.com/h-amg/job-tracker/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

const defaultMigrationsURL = "file://migrations"

var errMissingDB = errors.New("--db or DATABASE_URL is required")

// SetupCLI adds the commands to rootCmd. Commands return their errors so
// deferred cleanup runs before main exits.
func SetupCLI(rootCmd *cobra.Command) {
	rootCmd.PersistentFlags().String("db", "", "Database connection string (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().String("env-file", ".env", "Optional dotenv file loaded before the environment")
	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the workflow engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.Server.Port = port
			}
			memory, _ := cmd.Flags().GetBool("memory")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var store storage.Store
			if memory {
				log.GetLogger().Warn("Using the in-memory store, state is lost on exit")
				store = storage.NewMemoryStore()
			} else {
				pg, err := initStore(cfg.DB.URL)
				if err != nil {
					return err
				}
				defer pg.Close()
				store = pg
			}
			if err := serve(ctx, cfg, store); err != nil {
				log.GetLogger().Errorf("Server stopped with error: %v", err)
				return err
			}
			return nil
		},
	}
	serveCmd.Flags().String("port", "", "HTTP port (overrides PORT)")
	serveCmd.Flags().Bool("memory", false, "Use the in-memory store instead of PostgreSQL")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			source, _ := cmd.Flags().GetString("source")
			if cfg.DB.URL == "" {
				return errMissingDB
			}
			if err := runMigrations(source, cfg.DB.URL); err != nil {
				log.GetLogger().Errorf("Failed to apply migrations: %v", err)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
			return nil
		},
	}
	migrateCmd.Flags().String("source", defaultMigrationsURL, "Migrations source URL")

	applicationsCmd := &cobra.Command{
		Use:   "applications",
		Short: "Inspect tracked applications",
	}
	listApplicationsCmd := &cobra.Command{
		Use:   "list",
		Short: "List applications",
		RunE: func(cmd *cobra.Command, args []string) error {
			status, _ := cmd.Flags().GetString("status")
			return withStore(cmd, func(store storage.Store) error {
				return errors.Wrap(listApplications(cmd.Context(), cmd.OutOrStdout(), store, status), "failed to list applications")
			})
		},
	}
	listApplicationsCmd.Flags().String("status", "", "Filter by application status")
	showApplicationCmd := &cobra.Command{
		Use:   "show [id]",
		Short: "Show one application with its timeline",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(store storage.Store) error {
				return errors.Wrap(showApplication(cmd.Context(), cmd.OutOrStdout(), store, args[0]), "failed to show application")
			})
		},
	}
	applicationsCmd.AddCommand(listApplicationsCmd, showApplicationCmd)

	runsCmd := &cobra.Command{
		Use:   "runs",
		Short: "Inspect workflow runs",
	}
	listRunsCmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow runs",
		RunE: func(cmd *cobra.Command, args []string) error {
			running, _ := cmd.Flags().GetBool("running")
			return withStore(cmd, func(store storage.Store) error {
				return errors.Wrap(listRuns(cmd.Context(), cmd.OutOrStdout(), store, running), "failed to list workflow runs")
			})
		},
	}
	listRunsCmd.Flags().Bool("running", false, "Only show runs that are still RUNNING")
	runsCmd.AddCommand(listRunsCmd)

	rootCmd.AddCommand(serveCmd, migrateCmd, applicationsCmd, runsCmd)
}

// withStore opens the PostgreSQL store for the duration of fn.
func withStore(cmd *cobra.Command, fn func(store storage.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	store, err := initStore(cfg.DB.URL)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(store)
}

// Runtime is the fully wired application: engine, workflows and the
// application service on top of one store.
type Runtime struct {
	Engine       *wfservice.WorkflowService
	Applications *service.ApplicationService
}

// NewRuntime wires every collaborator from cfg. The engine is bound to ctx
// and must be stopped by the caller.
func NewRuntime(ctx context.Context, cfg config.Config, store storage.Store, clk clock.Clock) (*Runtime, error) {
	blobs, err := newBlobStore(ctx, cfg.Blob)
	if err != nil {
		return nil, err
	}
	generator := textgen.NewClient(textgen.Config{
		BaseURL:           cfg.LLM.BaseURL,
		APIKey:            cfg.LLM.APIKey,
		Model:             cfg.LLM.Model,
		Timeout:           cfg.LLM.Timeout,
		MaxAttempts:       cfg.LLM.MaxAttempts,
		RequestsPerMinute: cfg.LLM.RequestsPerMinute,
	})

	engineCfg := wfservice.DefaultConfig()
	engineCfg.MaxConcurrentActivities = cfg.Engine.MaxConcurrentActivities
	engineCfg.MaxConcurrentWorkflowTasks = cfg.Engine.MaxConcurrentWorkflowTasks
	engineCfg.ActivityTimeout = cfg.Engine.ActivityTimeout
	engine := wfservice.NewWorkflowService(ctx, store, clk, log.GetLogger(), engineCfg)

	acts := workflows.NewActivities(store, blobs, generator, docextract.New(), clk, log.GetLogger())
	if err := workflows.Register(engine, acts); err != nil {
		engine.Stop()
		return nil, err
	}
	return &Runtime{
		Engine:       engine,
		Applications: service.NewApplicationService(store, workflows.NewClient(engine), clk),
	}, nil
}

func serve(ctx context.Context, cfg config.Config, store storage.Store) error {
	rt, err := NewRuntime(ctx, cfg, store, clock.NewRealClock())
	if err != nil {
		return err
	}
	defer rt.Engine.Stop()

	n, err := rt.Engine.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "failed to recover workflows")
	}
	log.GetLogger().Infof("Recovered %d running workflows", n)
	return internal_http.StartServer(ctx, cfg.Server.Port, rt.Applications)
}

// newBlobStore writes to the configured backend and reads file:// URLs
// always, s3:// URLs only when S3 is configured.
func newBlobStore(ctx context.Context, cfg config.BlobConfig) (*blob.Mux, error) {
	fs, err := blob.NewFSStore(cfg.Dir)
	if err != nil {
		return nil, err
	}
	readers := map[string]blob.Store{"file": fs}
	var writer blob.Store = fs
	if cfg.Backend == "s3" {
		s3Store, err := blob.NewS3Store(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, err
		}
		readers["s3"] = s3Store
		writer = s3Store
	}
	return blob.NewMux(writer, readers), nil
}

func runMigrations(sourceURL, dbURL string) error {
	m, err := migrate.New(sourceURL, dbURL)
	if err != nil {
		return errors.Wrap(err, "failed to initialize migrations")
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func listApplications(ctx context.Context, w io.Writer, store storage.Store, status string) error {
	var filter storage.ApplicationFilter
	if status != "" {
		parsed, err := models.ParseApplicationStatus(status)
		if err != nil {
			return err
		}
		filter.Status = &parsed
	}
	apps, err := store.ListApplications(ctx, filter)
	if err != nil {
		return err
	}
	if len(apps) == 0 {
		fmt.Fprintf(w, "No applications found.\n")
		return nil
	}
	fmt.Fprintf(w, "Applications:\n")
	for _, app := range apps {
		fmt.Fprintf(w, "- ID: %s, Company: %s, Role: %s, Status: %s, Deadline: %s\n",
			app.ID, app.Company, app.Role, app.Status, app.Deadline.Format(time.RFC3339))
	}
	return nil
}

func showApplication(ctx context.Context, w io.Writer, store storage.Store, id string) error {
	app, err := store.GetApplication(ctx, id)
	if err != nil {
		return err
	}
	events, err := store.ListTimelineEvents(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s at %s\n", app.Role, app.Company)
	fmt.Fprintf(w, "Status: %s\n", app.Status)
	fmt.Fprintf(w, "Deadline: %s (originally %s)\n", app.Deadline.Format(time.RFC3339), app.OriginalDeadline.Format(time.RFC3339))
	fmt.Fprintf(w, "Resume extraction: %s, Cover letter: %s\n", app.ResumeExtractionStatus, app.CoverLetterGenerationStatus)
	if app.WorkflowID != nil {
		fmt.Fprintf(w, "Workflow: %s\n", *app.WorkflowID)
	}
	fmt.Fprintf(w, "Timeline:\n")
	for _, e := range events {
		note := ""
		if e.Note != nil {
			note = " - " + *e.Note
		}
		fmt.Fprintf(w, "- %s %s%s\n", e.Timestamp.Format(time.RFC3339), e.Status, note)
	}
	return nil
}

func listRuns(ctx context.Context, w io.Writer, store storage.Store, runningOnly bool) error {
	var status *models.RunStatus
	if runningOnly {
		running := models.RunningRunStatus
		status = &running
	}
	runs, err := store.ListWorkflowRuns(ctx, status)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintf(w, "No workflow runs found.\n")
		return nil
	}
	fmt.Fprintf(w, "Workflow runs:\n")
	for _, run := range runs {
		fmt.Fprintf(w, "- ID: %s, Workflow: %s, Status: %s, Created: %s\n",
			run.ID, run.Name, run.Status, run.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func loadConfig(cmd *cobra.Command) (config.Config, error) {
	envFile, _ := cmd.Flags().GetString("env-file")
	cfg, err := config.Load(envFile)
	if err != nil {
		return config.Config{}, errors.Wrap(err, "invalid configuration")
	}
	if err := log.Configure(cfg.Log.Level, cfg.Log.Format); err != nil {
		log.GetLogger().Warnf("Ignoring logging configuration: %v", err)
	}
	if db, _ := cmd.Flags().GetString("db"); db != "" {
		cfg.DB.URL = db
	}
	return cfg, nil
}

func initStore(dbConnStr string) (*internal_storage.PostgresStore, error) {
	if dbConnStr == "" {
		return nil, errMissingDB
	}
	store, err := internal_storage.InitStore(dbConnStr)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		return nil, err
	}
	return store, nil
}
