// Command tsr runs the timeline state resolver.
//
// It loads a timeline and layer mappings, resolves them continuously and
// drives the configured devices so that each one ends up in the state the
// timeline prescribes at the right moment.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	_ "github.com/nrkno/sofie-timeline-state-resolver-sub006/migrations"

	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/api"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/clock"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/commandlog"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/conductor"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/config"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/database"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/influxdb"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/infrastructure/logging"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/metrics"
	"github.com/nrkno/sofie-timeline-state-resolver-sub006/internal/timeline"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

// migrateDownEnv, when set to a true value, reverts the newest database
// migration and exits without starting the resolver.
const migrateDownEnv = "TSR_MIGRATE_DOWN"

// shutdownTimeout bounds device termination after the run context ends.
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting timeline state resolver",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	log.Info("database connected", "path", cfg.Database.Path)

	if migrateDownRequested() {
		return revertNewestMigration(ctx, db, log)
	}

	applied, migrateErr := db.Migrate(ctx)
	if migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	schema, migrateErr := db.SchemaStatus(ctx)
	if migrateErr != nil {
		return fmt.Errorf("reading schema status: %w", migrateErr)
	}
	log.Info("database migrations complete", "applied", applied, "schema_version", schema.Version)

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		log.Info("InfluxDB connected",
			"url", cfg.InfluxDB.URL,
			"org", cfg.InfluxDB.Org,
			"bucket", cfg.InfluxDB.Bucket,
		)
	} else {
		log.Info("InfluxDB disabled")
	}

	if err := healthCheck(ctx, db, influxClient); err != nil {
		return fmt.Errorf("health check: %w", err)
	}

	clk := clock.NewSystem()
	cond := conductor.New(conductor.Options{
		Clock:               clk,
		Lookahead:           cfg.Lookahead(),
		MinResolveDelay:     cfg.MinResolveDelay(),
		IdleResolveInterval: cfg.IdleResolveInterval(),
		RetryDelay:          cfg.RetryDelay(),
		Logger:              log.Component("conductor"),
	})

	recorder := commandlog.NewRecorder(commandlog.NewSQLiteRepository(db.DB), commandlog.RecorderOptions{
		Retention: time.Duration(cfg.Database.CommandLogRetentionDays) * 24 * time.Hour,
		Logger:    log.Component("commandlog"),
	})
	cond.AddObserver(recorder)

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New()
		cond.AddObserver(collector)
	}
	if influxClient != nil {
		cond.AddObserver(newTelemetryObserver(influxClient))
	}

	deps := api.Deps{
		Config:     cfg.API,
		WS:         cfg.WebSocket,
		Metrics:    cfg.Metrics,
		Logger:     log.Component("api"),
		Conductor:  cond,
		CommandLog: commandlog.NewSQLiteRepository(db.DB),
		Version:    version,
	}
	if collector != nil {
		deps.MetricsHandler = collector.Handler()
	}
	server, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	cond.AddObserver(server.Hub())

	if err := loadTimeline(cfg, cond, log); err != nil {
		return err
	}

	specs, err := buildDevices(cfg, clk, log)
	if err != nil {
		return fmt.Errorf("building devices: %w", err)
	}
	if err := cond.AddDevices(ctx, specs...); err != nil {
		// Devices that failed to initialise are not registered; the rest run.
		log.Error("some devices failed to initialise", "error", err)
	}
	log.Info("devices registered", "devices", len(cond.Devices()))

	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := server.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	log.Info("timeline state resolver started",
		"api", fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		"lookahead", cfg.Lookahead().String(),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		recorder.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return cond.Run(gctx)
	})
	runErr := g.Wait()

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := cond.Terminate(shutdownCtx); err != nil {
		log.Error("error terminating devices", "error", err)
	}

	if runErr != nil {
		return fmt.Errorf("conductor: %w", runErr)
	}
	log.Info("shutdown complete", "commands_recorded", recorder.Recorded(), "commands_dropped", recorder.Dropped())
	return nil
}

// loadTimeline installs the configured mappings and, when configured, the
// startup timeline file.
func loadTimeline(cfg *config.Config, cond *conductor.Conductor, log *logging.Logger) error {
	cond.SetMappings(mappingsFromConfig(cfg.Mappings))

	if cfg.Conductor.TimelineFile == "" {
		return nil
	}
	objects, err := timeline.LoadFile(cfg.Conductor.TimelineFile)
	if err != nil {
		return fmt.Errorf("loading timeline: %w", err)
	}
	if err := cond.SetTimeline(objects); err != nil {
		return fmt.Errorf("loading timeline: %w", err)
	}
	log.Info("timeline loaded", "path", cfg.Conductor.TimelineFile, "objects", len(objects))
	return nil
}

func mappingsFromConfig(in map[string]config.MappingConfig) timeline.Mappings {
	out := make(timeline.Mappings, len(in))
	for layer, m := range in {
		out[layer] = timeline.Mapping{DeviceID: m.DeviceID, Options: m.Options}
	}
	return out
}

// getConfigPath returns the configuration file path.
//
// Priority:
//  1. TSR_CONFIG environment variable
//  2. Default path (configs/config.yaml)
func getConfigPath() string {
	if path := os.Getenv("TSR_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// migrateDownRequested reports whether migrateDownEnv asks for a rollback.
func migrateDownRequested() bool {
	v, err := strconv.ParseBool(os.Getenv(migrateDownEnv))
	return err == nil && v
}

// revertNewestMigration rolls the command log schema back by one version.
func revertNewestMigration(ctx context.Context, db *database.DB, log *logging.Logger) error {
	if err := db.MigrateDown(ctx); err != nil {
		return fmt.Errorf("reverting migration: %w", err)
	}
	schema, err := db.SchemaStatus(ctx)
	if err != nil {
		return fmt.Errorf("reading schema status: %w", err)
	}
	log.Info("database migration reverted",
		"schema_version", schema.Version,
		"pending", len(schema.Pending),
	)
	return nil
}

// healthCheck verifies the infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - influxClient: InfluxDB client to check (may be nil if disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, influxClient *influxdb.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	return nil
}
