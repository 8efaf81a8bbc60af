// Coop Simulator - simulated smart chicken coop controller
//
// This is the main entry point of the simulator. It runs one of three roles:
//   - run:    the coop controller with its modules, gateway and operator API
//   - camera: a standalone camera that pairs directly or through a gateway
//   - token:  prints an operator API token signed with the configured secret
//
// Without a role argument the controller is started.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/smartcoop/coop-simulator/internal/api"
	"github.com/smartcoop/coop-simulator/internal/camerasim"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/config"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/database"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/influxdb"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/logging"
	"github.com/smartcoop/coop-simulator/internal/infrastructure/mqtt"
	"github.com/smartcoop/coop-simulator/internal/management"
	"github.com/smartcoop/coop-simulator/internal/module"
	"github.com/smartcoop/coop-simulator/internal/session"
	"github.com/smartcoop/coop-simulator/internal/store"
	"github.com/smartcoop/coop-simulator/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Default configuration file path
const defaultConfigPath = "configs/coopsim.yaml"

// Roles.
const (
	roleRun    = "run"
	roleCamera = "camera"
	roleToken  = "token"
)

func main() {
	// Create a context that cancels on interrupt signals (Ctrl+C, SIGTERM)
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := execute(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// execute picks the role from args and runs it.
func execute(ctx context.Context, args []string, out io.Writer) error {
	role := roleRun
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		role, args = args[0], args[1:]
	}

	flags := pflag.NewFlagSet(role, pflag.ContinueOnError)
	flags.SetOutput(out)
	configPath := flags.StringP("config", "c", getConfigPath(), "path to the YAML configuration file")
	subject := flags.String("subject", "operator", "token subject (token role only)")
	ttl := flags.Duration("ttl", 0, "token lifetime, 0 uses security.jwt.access_token_ttl (token role only)")
	pair := flags.Bool("pair", false, "send a pair request to the gateway after connecting (camera role only)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	switch role {
	case roleRun:
		return run(ctx, *configPath)
	case roleCamera:
		return runCamera(ctx, *configPath, *pair)
	case roleToken:
		return runToken(*configPath, *subject, *ttl, out)
	default:
		return fmt.Errorf("unknown role %q (want %s, %s or %s)", role, roleRun, roleCamera, roleToken)
	}
}

// run starts the coop controller and blocks until ctx is cancelled.
// Returning an error allows main to handle exit codes consistently.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting coop simulator",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	log.Info("configuration loaded", "path", configPath)

	log = logging.New(cfg.Logging, version).With("device_id", cfg.Device.ID)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() {
		log.Info("closing database")
		if closeErr := db.Close(); closeErr != nil {
			log.Error("error closing database", "error", closeErr)
		}
	}()

	credentials := store.NewCredentialRepository(db.DB)
	settings := store.NewSettingsRepository(db.DB)

	influxClient, err := connectInflux(cfg, log)
	if err != nil {
		return err
	}
	if influxClient != nil {
		defer func() {
			log.Info("closing InfluxDB connection")
			if closeErr := influxClient.Close(); closeErr != nil {
				log.Error("error closing InfluxDB", "error", closeErr)
			}
		}()
	}

	backend := management.New(cfg.Management, log.With("component", "management"))

	hub := api.NewHub(cfg.WebSocket, log)
	go hub.Run(ctx)

	env := &module.Env{
		Namespace: cfg.Device.Namespace,
		DeviceID:  cfg.Device.ID,
		Logger:    log,
		Events:    hub,
		Store:     settings,
	}

	mgrCfg := managerConfig(cfg, log)
	mgrCfg.Credentials = credentials
	mgrCfg.Auth = backend
	if influxClient != nil {
		env.Telemetry = influxClient
		mgrCfg.Recorder = influxClient
	}
	mgr := session.NewManager(mgrCfg)
	env.Publisher = mgr
	defer mgr.Shutdown()

	dev, err := session.NewDevice(env, deviceConfig(cfg))
	if err != nil {
		return fmt.Errorf("building device: %w", err)
	}
	mgr.Attach(dev)
	log.Info("device ready", "modules", len(dev.Inventory()), "config_hash", dev.ConfigFingerprint())

	if err := dev.Hydrate(ctx, backend); err != nil {
		// The simulator keeps running on local state.
		log.Warn("backend sync incomplete", "error", err)
	}

	if cfg.API.Enabled {
		srv, err := api.New(api.Deps{
			Config:   cfg.API,
			WS:       cfg.WebSocket,
			Security: cfg.Security,
			Logger:   log.With("component", "api"),
			Device:   dev,
			Session:  mgr,
			Backend:  backend,
			Hub:      hub,
			Version:  version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := srv.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	} else {
		log.Info("operator API disabled")
	}

	log.Info("initialisation complete, connecting to broker")
	if err := mgr.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return fmt.Errorf("running session: %w", err)
	}

	log.Info("coop simulator stopped")
	return nil
}

// runCamera starts a standalone camera and blocks until ctx is cancelled.
func runCamera(ctx context.Context, configPath string, pair bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	cameraID := cfg.Camera.ID
	if cameraID == "" {
		cameraID = "cam-" + cfg.Device.ID
	}
	log := logging.New(cfg.Logging, version).With("camera_id", cameraID)

	db, err := openDatabase(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()
	credentials := store.NewCredentialRepository(db.DB)

	username, password := cfg.MQTT.Auth.Username, cfg.MQTT.Auth.Password
	if stored, loadErr := credentials.Load(ctx, cameraID); loadErr == nil && stored.Username != "" {
		username, password = stored.Username, stored.Password
	}

	client, err := mqtt.Connect(cfg.MQTT, mqtt.Identity{
		ClientID: "camera_" + cameraID + "_" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		Username: username,
		Password: password,
	})
	if err != nil {
		if mqtt.IsAuthError(err) {
			if clearErr := credentials.InvalidateCredentials(cameraID); clearErr != nil {
				log.Warn("failed to clear stored camera credentials", "error", clearErr)
			}
		}
		return fmt.Errorf("connecting camera: %w", err)
	}
	defer client.Close()
	client.SetLogger(log)

	cam := camerasim.New(camerasim.Config{
		CameraID:       cameraID,
		Name:           cfg.Camera.Name,
		Mode:           cfg.Camera.Mode,
		GatewayID:      cfg.Camera.GatewayID,
		Namespace:      cfg.Device.Namespace,
		Resolution:     cfg.Camera.Resolution,
		Username:       username,
		Password:       password,
		StatusInterval: cfg.Camera.StatusInterval,
		PairingTimeout: cfg.Simulation.PairingTimeout,
		Invalidator:    credentials,
	}, client, log)

	client.SetOnConnect(func() {
		if err := cam.OnConnect(); err != nil {
			log.Error("camera session start failed", "error", err)
		}
	})
	client.SetOnDisconnect(func(err error) {
		log.Warn("camera lost broker connection", "error", err)
		cam.OnDisconnect()
	})
	if err := cam.OnConnect(); err != nil {
		return fmt.Errorf("starting camera: %w", err)
	}
	if pair {
		if err := cam.SendPairRequest(); err != nil {
			return fmt.Errorf("sending pair request: %w", err)
		}
	}
	log.Info("camera running", "mode", cfg.Camera.Mode, "gateway_id", cfg.Camera.GatewayID)

	<-ctx.Done()
	cam.OnDisconnect()
	log.Info("camera stopped")
	return nil
}

// runToken prints an operator API token to out.
func runToken(configPath, subject string, ttl time.Duration, out io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Duration(cfg.Security.JWT.AccessTokenTTL) * time.Minute
	}
	if ttl <= 0 {
		ttl = api.DefaultTokenTTL
	}
	token, err := api.IssueToken(cfg.Security.JWT.Secret, subject, ttl)
	if err != nil {
		return fmt.Errorf("issuing token: %w", err)
	}
	_, err = fmt.Fprintln(out, token)
	return err
}

// getConfigPath returns the configuration file path.
// Uses COOPSIM_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("COOPSIM_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// openDatabase opens the local store and applies the embedded migrations.
func openDatabase(ctx context.Context, cfg *config.Config, log *logging.Logger) (*database.DB, error) {
	db, err := database.Open(database.Config{
		Path:        cfg.Database.Path,
		WALMode:     cfg.Database.WALMode,
		BusyTimeout: cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(ctx, migrations.FS); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	log.Info("database ready", "path", cfg.Database.Path)
	return db, nil
}

// connectInflux connects the optional telemetry sink. It returns nil
// without error when InfluxDB is disabled.
func connectInflux(cfg *config.Config, log *logging.Logger) (*influxdb.Client, error) {
	if !cfg.InfluxDB.Enabled {
		log.Info("InfluxDB disabled")
		return nil, nil
	}
	client, err := influxdb.Connect(cfg.InfluxDB)
	if err != nil {
		return nil, fmt.Errorf("connecting to InfluxDB: %w", err)
	}
	client.SetOnError(func(err error) {
		log.Error("InfluxDB write error", "error", err)
	})
	log.Info("InfluxDB connected",
		"url", cfg.InfluxDB.URL,
		"org", cfg.InfluxDB.Org,
		"bucket", cfg.InfluxDB.Bucket,
	)
	return client, nil
}

// managerConfig maps the configuration onto the session manager.
func managerConfig(cfg *config.Config, log *logging.Logger) session.ManagerConfig {
	sim := cfg.Simulation
	return session.ManagerConfig{
		DeviceID:          cfg.Device.ID,
		Namespace:         cfg.Device.Namespace,
		Username:          cfg.MQTT.Auth.Username,
		Password:          cfg.MQTT.Auth.Password,
		FactoryPassword:   cfg.Management.DevicePassword,
		QoS:               byte(cfg.MQTT.QoS),
		Firmware:          cfg.Device.Firmware,
		NetworkMode:       cfg.Device.NetworkMode,
		WifiDirect:        cfg.Device.WifiDirect,
		HeartbeatInterval: sim.HeartbeatInterval,
		StatusStagger:     sim.StatusStagger,
		RestartDelay:      sim.RestartDelay,
		RetryInitial:      time.Duration(cfg.MQTT.Reconnect.InitialDelay) * time.Second,
		RetryMax:          time.Duration(cfg.MQTT.Reconnect.MaxDelay) * time.Second,
		RetryAttempts:     cfg.MQTT.Reconnect.MaxAttempts,
		Dialer:            session.MQTTDialer(cfg.MQTT, log.With("component", "mqtt")),
		Logger:            log.With("component", "session"),
	}
}

// deviceConfig maps the configuration onto the simulated device.
func deviceConfig(cfg *config.Config) session.DeviceConfig {
	mods := make([]module.Info, 0, len(cfg.Device.Modules))
	for _, m := range cfg.Device.Modules {
		mods = append(mods, module.Info{ID: m.ID, Type: m.Type, Name: m.Name})
	}
	return session.DeviceConfig{
		Firmware:    cfg.Device.Firmware,
		NetworkMode: cfg.Device.NetworkMode,
		WifiDirect:  cfg.Device.WifiDirect,
		CoopID:      cfg.Device.CoopID,
		Modules:     mods,
		Simulation:  cfg.Simulation,
	}
}
