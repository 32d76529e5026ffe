// Kura Gateway - Eclipse Kura asset bridge
//
// This is the main entry point for the kuragw process. It discovers Kura
// devices from their MQTT birth messages, mirrors their asset channels and
// forwards telemetry, attributes and RPC between Kura and ThingsBoard.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	_ "github.com/nerrad567/kura-gateway/migrations"

	"github.com/nerrad567/kura-gateway/internal/bridges/kura"
	"github.com/nerrad567/kura-gateway/internal/bridges/kura/kurapayload"
	"github.com/nerrad567/kura-gateway/internal/bridges/thingsboard"
	"github.com/nerrad567/kura-gateway/internal/device"
	"github.com/nerrad567/kura-gateway/internal/history"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/config"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/database"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/influxdb"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/logging"
	"github.com/nerrad567/kura-gateway/internal/infrastructure/mqtt"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

// Default configuration file path
const defaultConfigPath = "configs/config.yaml"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run loads the configuration and runs the gateway until ctx is cancelled.
//
// A valid change to the configuration file stops every component and starts
// them again with the new settings. A reload that fails to start the gateway
// ends run with that error.
func run(ctx context.Context) error {
	log := logging.Default()
	log.Info("starting Kura gateway",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	path := getConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	for {
		log = logging.New(cfg.Logging, version)
		log.Info("configuration loaded",
			"path", path,
			"storage", cfg.Storage.Backend,
			"thingsboard", cfg.ThingsBoard.Enabled,
			"influxdb", cfg.InfluxDB.Enabled,
		)

		gw, err := startGateway(ctx, cfg, log)
		if err != nil {
			return err
		}
		log.Info("initialisation complete, waiting for shutdown signal")

		next := waitForReload(ctx, path, cfg, log)
		gw.stop()

		if next == nil {
			log.Info("Kura gateway stopped")
			return nil
		}
		log.Info("configuration changed, restarting gateway")
		cfg = next
	}
}

// waitForReload blocks until ctx is cancelled, returning nil, or until the
// configuration file yields a new valid configuration, returning it.
func waitForReload(ctx context.Context, path string, cfg *config.Config, log *logging.Logger) *config.Config {
	watchCtx, stopWatch := context.WithCancel(ctx)
	reload := make(chan *config.Config, 1)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		err := config.Watch(watchCtx, path, cfg,
			func(next *config.Config) {
				select {
				case reload <- next:
				default:
				}
			},
			func(err error) {
				log.Warn("ignoring invalid configuration change", "error", err)
			},
		)
		if err != nil {
			log.Warn("config hot reload unavailable", "error", err)
		}
	}()

	var next *config.Config
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, cleaning up")
	case next = <-reload:
	}

	stopWatch()
	wg.Wait()
	return next
}

// gateway holds the running components of one configuration generation.
type gateway struct {
	log     *logging.Logger
	closers []func()
}

// onStop registers fn to run when the gateway stops. Closers run in reverse
// registration order.
func (g *gateway) onStop(name string, fn func()) {
	g.closers = append(g.closers, func() {
		g.log.Info("stopping " + name)
		fn()
	})
}

func (g *gateway) stop() {
	for i := len(g.closers) - 1; i >= 0; i-- {
		g.closers[i]()
	}
	g.closers = nil
}

// startGateway connects every component for cfg. On error anything already
// started is stopped again.
func startGateway(ctx context.Context, cfg *config.Config, log *logging.Logger) (_ *gateway, err error) {
	gw := &gateway{log: log}
	defer func() {
		if err != nil {
			gw.stop()
		}
	}()

	store, err := openStore(ctx, cfg, log, gw)
	if err != nil {
		return nil, err
	}

	kuraClient, err := mqtt.Connect(cfg.MQTT)
	if err != nil {
		return nil, fmt.Errorf("connecting to MQTT broker: %w", err)
	}
	kuraClient.SetLogger(log.Component("mqtt"))
	kuraClient.SetOnConnect(func() {
		log.Info("MQTT connected", "broker", cfg.MQTT.Broker.Host)
	})
	kuraClient.SetOnDisconnect(func(err error) {
		log.Warn("MQTT disconnected", "error", err)
	})
	gw.onStop("MQTT client", func() {
		if err := kuraClient.Close(); err != nil {
			log.Error("error closing MQTT", "error", err)
		}
	})
	log.Info("MQTT connected",
		"broker", cfg.MQTT.Broker.Host,
		"port", cfg.MQTT.Broker.Port,
	)

	directory, err := kura.NewDirectory(kura.DirectoryOptions{
		Prefix:    cfg.Kura.Prefix,
		AppID:     cfg.Kura.AppID,
		Transport: kuraClient,
		Store:     store,
		Codec:     kurapayload.Codec{Compress: cfg.Kura.Compress},
		QoS:       byte(cfg.MQTT.QoS), // #nosec G115 -- validated to 0..2
		Retry:     retryPolicy(cfg.Kura.Requests),
		Logger:    log.Component("kura"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating device directory: %w", err)
	}

	var influxClient *influxdb.Client
	if cfg.InfluxDB.Enabled {
		influxClient, err = influxdb.Connect(ctx, cfg.InfluxDB)
		if err != nil {
			return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
		}
		influxClient.SetOnError(func(err error) {
			log.Error("InfluxDB write error", "error", err)
		})
		gw.onStop("InfluxDB client", func() {
			if err := influxClient.Close(); err != nil {
				log.Error("error closing InfluxDB", "error", err)
			}
		})
		directory.Subscribe(history.NewRecorder(influxClient).HandleEvent)
		log.Info("InfluxDB connected", "url", cfg.InfluxDB.URL, "bucket", cfg.InfluxDB.Bucket)
	} else {
		log.Info("InfluxDB disabled")
	}

	var tbClient *mqtt.Client
	if cfg.ThingsBoard.Enabled {
		tbClient, err = startThingsBoard(ctx, cfg, log, directory, gw)
		if err != nil {
			return nil, err
		}
	} else {
		log.Info("ThingsBoard bridge disabled")
	}

	gw.onStop("device directory", directory.Stop)
	if err := directory.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting device directory: %w", err)
	}
	log.Info("device directory started", "devices", len(directory.Devices()))

	if err := healthCheck(ctx, kuraClient, tbClient, influxClient); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	log.Info("all health checks passed")

	return gw, nil
}

// openStore returns the registered device store selected by
// cfg.Storage.Backend. The sqlite backend opens and migrates the database.
func openStore(ctx context.Context, cfg *config.Config, log *logging.Logger, gw *gateway) (device.Store, error) {
	switch cfg.Storage.Backend {
	case config.StorageSQLite:
		db, err := database.Open(ctx, cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		gw.onStop("database", func() {
			if err := db.Close(); err != nil {
				log.Error("error closing database", "error", err)
			}
		})
		if err := db.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		if err := db.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("database: %w", err)
		}
		log.Info("database opened", "path", cfg.Database.Path)
		return device.NewSQLiteStore(db), nil

	case config.StorageFile:
		log.Info("using file device store", "path", cfg.Storage.FilePath)
		return device.NewFileStore(cfg.Storage.FilePath), nil

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// startThingsBoard connects the ThingsBoard link and starts the gateway
// bridge. The bridge subscribes to directory events, so it must start before
// the directory does.
func startThingsBoard(ctx context.Context, cfg *config.Config, log *logging.Logger, directory *kura.Directory, gw *gateway) (*mqtt.Client, error) {
	tbCfg := cfg.ThingsBoardMQTT()
	client, err := mqtt.Connect(tbCfg)
	if err != nil {
		return nil, fmt.Errorf("connecting to ThingsBoard: %w", err)
	}
	client.SetLogger(log.Component("thingsboard-mqtt"))
	client.SetOnDisconnect(func(err error) {
		log.Warn("ThingsBoard disconnected", "error", err)
	})
	gw.onStop("ThingsBoard client", func() {
		if err := client.Close(); err != nil {
			log.Error("error closing ThingsBoard MQTT", "error", err)
		}
	})

	bridge, err := thingsboard.NewBridge(thingsboard.BridgeOptions{
		MQTT:      client,
		Directory: directory,
		QoS:       byte(tbCfg.QoS), // #nosec G115 -- validated to 0..2
		Logger:    log.Component("thingsboard"),
	})
	if err != nil {
		return nil, fmt.Errorf("creating ThingsBoard bridge: %w", err)
	}
	if err := bridge.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting ThingsBoard bridge: %w", err)
	}
	gw.onStop("ThingsBoard bridge", bridge.Stop)
	log.Info("ThingsBoard bridge started", "broker", tbCfg.Broker.Host)

	return client, nil
}

// retryPolicy converts the request settings into the correlator policy.
func retryPolicy(r config.KuraRequestConfig) kura.RetryPolicy {
	return kura.RetryPolicy{
		Timeout:        r.Timeout,
		MaxRetries:     r.MaxRetries,
		InitialBackoff: r.InitialBackoff,
		MaxBackoff:     r.MaxBackoff,
	}
}

// getConfigPath returns the configuration file path.
// Uses KURAGW_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("KURAGW_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// healthCheck verifies the broker links and, when enabled, InfluxDB.
// tbClient and influxClient may be nil.
func healthCheck(ctx context.Context, kuraClient, tbClient *mqtt.Client, influxClient *influxdb.Client) error {
	var errs []error
	if err := kuraClient.HealthCheck(ctx); err != nil {
		errs = append(errs, fmt.Errorf("mqtt: %w", err))
	}
	if tbClient != nil {
		if err := tbClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("thingsboard: %w", err))
		}
	}
	if influxClient != nil {
		if err := influxClient.HealthCheck(ctx); err != nil {
			errs = append(errs, fmt.Errorf("influxdb: %w", err))
		}
	}
	return errors.Join(errs...)
}
