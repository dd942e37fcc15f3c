package runtime

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/mineguard/mineguard/config"
	"github.com/mineguard/mineguard/gateway"
	"github.com/mineguard/mineguard/registry"
	"github.com/mineguard/mineguard/store"
)

// Runtime manages the execution of mineguardd, handling configuration,
// signal processing, and the lifecycle of the controller's collaborators.
type Runtime struct {
	appCtx     context.Context
	appCancel  context.CancelFunc
	logger     *slog.Logger
	cfg        *config.Controller
	configFile string
	rawArgs    []string // To allow flag parsing within New

	db       *store.Store
	registry *registry.Registry
	server   *http.Server

	currentLogLevel slog.Level
}

// New creates a new Runtime instance.
// It initializes the application context, sets up signal handling,
// parses command-line flags, and loads the controller configuration.
func New(args []string, defaultConfigFile string) (*Runtime, error) {

	r := &Runtime{
		rawArgs: args,
	}

	r.appCtx, r.appCancel = context.WithCancel(context.Background())
	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil)).With("service", "mineguardRuntime")

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		r.logger.Info("Received signal, initiating shutdown...", "signal", sig)
		r.appCancel()
	}()

	var genConfigFile string
	fs := flag.NewFlagSet("runtime", flag.ContinueOnError)
	fs.StringVar(&r.configFile, "config", defaultConfigFile, "Path to the controller configuration file.")
	fs.StringVar(&genConfigFile, "new-cfg", "", "Generate a new controller configuration file to a given path.")

	if err := fs.Parse(r.rawArgs); err != nil {
		return nil, fmt.Errorf("failed to parse flags: %w", err)
	}

	if genConfigFile != "" {
		cfg, err := config.GenerateConfig(genConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to generate configuration: %w", err)
		}

		yamlData, err := yaml.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal generated config to YAML: %w", err)
		}

		dir := filepath.Dir(genConfigFile)
		if dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create directory for config file %s: %w", genConfigFile, err)
			}
		}

		if err := os.WriteFile(genConfigFile, yamlData, 0644); err != nil {
			return nil, fmt.Errorf("failed to write generated configuration to %s: %w", genConfigFile, err)
		}

		r.logger.Info("Successfully generated new configuration file", "path", genConfigFile)
		os.Exit(0)
	}

	var err error
	r.cfg, err = config.LoadConfig(r.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration from %s: %w", r.configFile, err)
	}

	// Set the log level
	r.currentLogLevel = slog.LevelInfo
	if r.cfg.Logging.Level != "" {
		switch r.cfg.Logging.Level {
		case "debug":
			r.currentLogLevel = slog.LevelDebug
		case "info":
			r.currentLogLevel = slog.LevelInfo
		case "warn":
			r.currentLogLevel = slog.LevelWarn
		case "error":
			r.currentLogLevel = slog.LevelError
		default:
			color.HiYellow("Unknown logging level: %s, defaulting to info", r.cfg.Logging.Level)
		}
	}

	r.logger = slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: r.currentLogLevel,
	})).With("service", "mineguardRuntime")

	return r, nil
}

// Run opens the store, restores every persisted instance into the registry,
// and serves the gateway until the application context is canceled.
func (r *Runtime) Run() error {
	if r.cfg == nil {
		// This situation can occur if New() was called with the --new-cfg flag,
		// which completes its task by generating the configuration file. In that
		// path, r.cfg is not loaded. Calling Run() subsequently is likely an
		// unintentional continuation by the caller.
		r.logger.Info("Runtime.Run called when cfg is not loaded (e.g., after --new-cfg). Aborting Run operation.")
		return nil
	}

	if err := os.MkdirAll(r.cfg.HomeDir, os.ModePerm); err != nil {
		return fmt.Errorf("failed to create home directory %s: %w", r.cfg.HomeDir, err)
	}

	var err error
	r.db, err = store.Open(store.Config{
		Logger:    r.logger.WithGroup("store"),
		Directory: filepath.Join(r.cfg.HomeDir, config.StoreDirName),
	})
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}

	r.registry = registry.New(registry.Config{
		Logger:           r.logger,
		Controller:       r.cfg,
		Store:            r.db,
		SubscriberBuffer: r.cfg.Gateway.Sessions.EventChannelSize,
	})

	if err := r.restoreInstances(); err != nil {
		r.db.Close()
		return err
	}

	gw := gateway.New(r.logger, r.registry, r.cfg.Gateway)
	mux := http.NewServeMux()
	gw.BindRoutes(mux)

	r.server = &http.Server{
		Addr:    r.cfg.Gateway.HttpBinding,
		Handler: mux,
	}

	serveErr := make(chan error, 1)
	go func() {
		r.logger.Info("Gateway listening", "binding", r.cfg.Gateway.HttpBinding, "tls", r.tlsEnabled())
		if r.tlsEnabled() {
			serveErr <- r.server.ListenAndServeTLS(r.cfg.Gateway.TLS.Cert, r.cfg.Gateway.TLS.Key)
		} else {
			serveErr <- r.server.ListenAndServe()
		}
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.appCancel()
			r.teardown()
			return fmt.Errorf("gateway server failed: %w", err)
		}
	case <-r.appCtx.Done():
	}

	r.teardown()
	return nil
}

func (r *Runtime) tlsEnabled() bool {
	return r.cfg.Gateway.TLS.Cert != "" && r.cfg.Gateway.TLS.Key != ""
}

// restoreInstances loads every persisted definition into the registry. All
// instances come back stopped; operators decide what to start.
func (r *Runtime) restoreInstances() error {
	defs, err := r.db.LoadDefinitions()
	if err != nil {
		return fmt.Errorf("failed to load instance definitions: %w", err)
	}

	states, err := r.db.LoadStates()
	if err != nil {
		return fmt.Errorf("failed to load instance states: %w", err)
	}

	for id, def := range defs {
		if err := r.registry.Restore(id, def); err != nil {
			r.logger.Error("Failed to restore instance", "id", id, "name", def.Name, "error", err)
			continue
		}
		if rec, ok := states[id]; ok {
			r.logger.Info("Restored instance",
				"id", id,
				"name", def.Name,
				"last_state", rec.State,
				"last_seen", rec.UpdatedAt,
			)
		} else {
			r.logger.Info("Restored instance", "id", id, "name", def.Name)
		}
	}

	r.logger.Info("Instance restore complete", "count", len(defs))
	return nil
}

// teardown drains the controller in dependency order: stop accepting new
// requests, stop the instances within the shutdown grace window, then close
// the store.
func (r *Runtime) teardown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.server.Shutdown(shutdownCtx); err != nil {
		r.logger.Warn("Gateway server shutdown was not clean", "error", err)
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), r.cfg.ShutdownGrace)
	defer drainCancel()
	r.registry.Shutdown(drainCtx)

	if err := r.db.Close(); err != nil {
		r.logger.Warn("Store close was not clean", "error", err)
	}

	r.logger.Info("Controller teardown complete")
}

// Wait for the runtime to complete its operations.
// This is typically when the application context is canceled.
func (r *Runtime) Wait() {
	<-r.appCtx.Done()
	r.logger.Info("Runtime has been shut down.")
}

// Stop gracefully shuts down the runtime by canceling its context.
func (r *Runtime) Stop() {
	r.logger.Info("Runtime stop requested.")
	r.appCancel()
}

func (r *Runtime) GetHomeDir() string {
	return r.cfg.HomeDir
}
