// Phyn Bridge - water device fleet state reconciliation
//
// This is the main entry point for the bridge. It keeps a resolved view of
// every Phyn device on an account by merging scheduled polls of the cloud
// REST API with push messages, and exposes that view over:
//   - Retained MQTT state topics on a local broker
//   - A REST API and WebSocket change feed
//   - Prometheus metrics
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/nerrad567/phyn-bridge/internal/api"
	"github.com/nerrad567/phyn-bridge/internal/audit"
	"github.com/nerrad567/phyn-bridge/internal/device"
	"github.com/nerrad567/phyn-bridge/internal/fleet"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/config"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/database"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/phyn-bridge/internal/infrastructure/mqtt"
	"github.com/nerrad567/phyn-bridge/internal/phyn"
	"github.com/nerrad567/phyn-bridge/internal/statepub"
	"github.com/nerrad567/phyn-bridge/migrations"
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

// defaultConnectAttempts bounds broker connection retries at startup when
// reconnect.max_attempts is zero.
const defaultConnectAttempts = 5

func main() {
	if len(os.Args) > 1 && os.Args[1] == "token" {
		if err := runToken(os.Args[2:], os.Stdout, os.Stderr); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run is the application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context) error { //nolint:gocognit,gocyclo // startup wiring reads top to bottom
	log := logging.Default()
	log.Info("starting Phyn bridge",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	configPath := getConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("configuration loaded",
		"path", configPath,
		"site", cfg.Site.ID,
		"token", logging.Redact(cfg.Phyn.API.Token),
	)

	// Database and audit log
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()
	if migrateErr := db.Migrate(ctx, migrations.FS); migrateErr != nil {
		return fmt.Errorf("running migrations: %w", migrateErr)
	}
	log.Info("database ready", "path", cfg.Database.Path)

	auditRepo := audit.NewSQLiteRepository(db.DB)
	recorder := audit.NewRecorder(auditRepo, log.Component("audit"))

	// Phyn cloud: poll and push channels
	phynClient, err := phyn.New(cfg.Phyn.API, phyn.WithLogger(log.Component("phyn")))
	if err != nil {
		return fmt.Errorf("creating phyn client: %w", err)
	}

	var push device.PushClient
	if cfg.Phyn.Push.Enabled {
		pushMQTT, connErr := connectMQTT(ctx, cfg.Phyn.Push.MQTT, log.Component("push"))
		if connErr != nil {
			// Polling still covers every device.
			log.Warn("push channel unavailable, continuing with polling only", "error", connErr)
		} else {
			defer closeMQTT(log, "push", pushMQTT)
			push = phyn.NewPushClient(pushMQTT, byte(cfg.Phyn.Push.MQTT.QoS), log.Component("push"))
		}
	}

	// Fleet
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	opts := fleet.Options{
		Poll:           phynClient,
		Push:           push,
		RefreshTimeout: cfg.GetRefreshTimeout(),
		Concurrency:    cfg.Fleet.Concurrency,
		FirmwareEvery:  cfg.Fleet.FirmwareEvery,
		QueueSize:      cfg.Fleet.PushQueueSize,
		Location:       cfg.Location(),
		Metrics:        fleet.NewMetrics(registry),
		OnUnsupported:  recorder.Unsupported,
		Logger:         log.Component("fleet"),
	}
	if cfg.Phyn.API.UserID != "" {
		opts.Homes = phynClient
	}
	coord := fleet.New(opts)
	defer func() {
		log.Info("stopping fleet")
		coord.Stop()
	}()
	registry.MustRegister(fleet.NewCollector(coord))

	if err := populateFleet(ctx, coord, cfg, log); err != nil {
		return err
	}

	// Local broker state publishing
	var localMQTT *mqtt.Client
	var publisher *statepub.Publisher
	if cfg.MQTT.Enabled {
		localMQTT, err = connectMQTT(ctx, cfg.MQTT, log.Component("mqtt"), mqtt.WithStatusTopic(mqtt.Topics{}.SystemStatus()))
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		defer closeMQTT(log, "local", localMQTT)

		qos := byte(cfg.MQTT.QoS)
		publisher = statepub.New(coord, localMQTT, statepub.Options{
			QoS:        &qos,
			Attributes: true,
			Logger:     log.Component("statepub"),
		})
		publisher.Start(ctx)
		defer publisher.Stop()

		localMQTT.SetOnConnect(func() {
			log.Info("MQTT reconnected, republishing state")
			publisher.Republish()
		})
		localMQTT.SetOnDisconnect(func(err error) {
			log.Warn("MQTT disconnected", "error", err)
		})
	} else {
		log.Info("MQTT state publishing disabled")
	}

	// API
	checks := map[string]api.HealthChecker{"database": db}
	if localMQTT != nil {
		checks["mqtt"] = localMQTT
	}
	apiServer, err := api.New(api.Deps{
		Config:    cfg.API,
		WS:        cfg.WebSocket,
		Metrics:   cfg.Metrics,
		Logger:    log.Component("api"),
		Fleet:     coord,
		AuditRepo: auditRepo,
		Recorder:  recorder,
		Gatherer:  registry,
		Checks:    checks,
		Version:   version,
		OnSweep: func(report *fleet.SweepReport, err error) {
			if publisher != nil {
				publisher.PublishSweep(report, err)
			}
		},
	})
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := apiServer.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	defer func() {
		if closeErr := apiServer.Close(); closeErr != nil {
			log.Error("error closing API server", "error", closeErr)
		}
	}()

	// Sweeps
	scheduler := fleet.NewScheduler(coord, cfg.GetPollInterval(), log.Component("scheduler"))
	scheduler.OnSweep(apiServer.AnnounceSweep)
	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer scheduler.Stop()

	if err := healthCheck(ctx, db, localMQTT); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal",
		"devices", len(coord.Agents()),
		"poll_interval", cfg.GetPollInterval().String(),
	)

	<-ctx.Done()

	log.Info("shutdown signal received, cleaning up")

	// Deferred calls run in reverse order: scheduler, API, publisher,
	// local MQTT, fleet, push MQTT, database.

	return nil
}

// getConfigPath returns the configuration file path.
// Uses PHYNBRIDGE_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("PHYNBRIDGE_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// populateFleet adds the devices found on the account and the statically
// configured ones. Enumeration failure is fatal only when there are no
// static devices to fall back on.
func populateFleet(ctx context.Context, coord *fleet.Coordinator, cfg *config.Config, log *logging.Logger) error {
	if cfg.Phyn.API.UserID != "" {
		added, err := coord.Enumerate(ctx)
		switch {
		case err != nil && len(cfg.Fleet.Devices) == 0:
			return fmt.Errorf("enumerating fleet: %w", err)
		case err != nil:
			log.Warn("fleet enumeration failed, using static devices", "error", err)
		default:
			log.Info("fleet enumerated", "added", added)
		}
	}

	for _, d := range cfg.Fleet.Devices {
		a, isNew, err := coord.AddDevice(d.HomeID, d.ID, d.ProductCode)
		if err != nil {
			return fmt.Errorf("adding device %s: %w", d.ID, err)
		}
		if a == nil {
			log.Warn("static device has unsupported product code", "device_id", d.ID, "product_code", d.ProductCode)
			continue
		}
		if isNew {
			log.Debug("static device added", "device_id", d.ID)
		}
	}
	return nil
}

// connectMQTT connects to a broker, retrying with exponential backoff.
// The client reconnects on its own once the first connection succeeds.
func connectMQTT(ctx context.Context, cfg config.MQTTConfig, log *logging.Logger, opts ...mqtt.Option) (*mqtt.Client, error) {
	eb := backoff.NewExponentialBackOff()
	if cfg.Reconnect.InitialDelay > 0 {
		eb.InitialInterval = time.Duration(cfg.Reconnect.InitialDelay) * time.Second
	}
	if cfg.Reconnect.MaxDelay > 0 {
		eb.MaxInterval = time.Duration(cfg.Reconnect.MaxDelay) * time.Second
	}
	attempts := cfg.Reconnect.MaxAttempts
	if attempts <= 0 {
		attempts = defaultConnectAttempts
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	opts = append(opts, mqtt.WithLogger(log))
	var client *mqtt.Client
	err := backoff.RetryNotify(func() error {
		var err error
		client, err = mqtt.Connect(cfg, opts...)
		return err
	}, bo, func(err error, next time.Duration) {
		log.Warn("MQTT connect failed, retrying", "broker", cfg.Broker.Host, "retry_in", next.String(), "error", err)
	})
	if err != nil {
		return nil, err
	}
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.Broker.Host, cfg.Broker.Port),
		"client_id", cfg.Broker.ClientID,
	)
	return client, nil
}

func closeMQTT(log *logging.Logger, name string, c *mqtt.Client) {
	log.Info("disconnecting from MQTT", "broker", name)
	if err := c.Close(); err != nil && !errors.Is(err, mqtt.ErrNotConnected) {
		log.Error("error closing MQTT", "broker", name, "error", err)
	}
}

// healthCheck verifies infrastructure connections are healthy.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - db: Database connection to check
//   - mqttClient: Local broker client (nil if publishing is disabled)
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func healthCheck(ctx context.Context, db *database.DB, mqttClient *mqtt.Client) error {
	if err := db.HealthCheck(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if mqttClient != nil {
		if err := mqttClient.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	return nil
}
