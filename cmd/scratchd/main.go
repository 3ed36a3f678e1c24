// Scratchd is a development record store for the scratch CLI.
//
// It serves the bulk update and list endpoints from an in-memory store and,
// when NATS is enabled, announces every applied write on the event bus so
// watching clients revalidate their caches.
//
// Usage:
//
//	# Start with defaults (port 9090, no event bus)
//	scratchd
//
//	# Run an in-process NATS server and publish change events to it
//	scratchd -embedded-nats
//
//	# Configure via environment
//	SERVER_HTTP_PORT=8080 NATS_ENABLED=true scratchd
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	nethttp "net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/whalesync/scratch-cli-sub001/internal/config"
	"github.com/whalesync/scratch-cli-sub001/internal/events"
	"github.com/whalesync/scratch-cli-sub001/internal/http"
	"github.com/whalesync/scratch-cli-sub001/internal/logging"
	"github.com/whalesync/scratch-cli-sub001/internal/recordstore"
	"github.com/whalesync/scratch-cli-sub001/internal/telemetry"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
	buildDate = "unknown"
)

const serviceName = "scratchd"

// options are the command-line settings of one run.
type options struct {
	configPath   string
	embeddedNATS bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "config file (default ~/.config/scratch/config.yaml)")
	flag.BoolVar(&opts.embeddedNATS, "embedded-nats", false, "run an in-process NATS server at nats.url")
	flag.Parse()
	args := flag.Args()

	if len(args) > 0 {
		switch args[0] {
		case "version":
			printVersion()
			os.Exit(0)
		default:
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
			fmt.Fprintf(os.Stderr, "\nUsage:\n")
			fmt.Fprintf(os.Stderr, "  scratchd           Start the development record store\n")
			fmt.Fprintf(os.Stderr, "  scratchd version   Show version information\n")
			os.Exit(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down gracefully...", sig)
		cancel()
	}()

	if err := run(ctx, opts); err != nil {
		log.Fatalf("Server error: %v", err)
	}

	log.Println("Server shutdown complete")
}

func printVersion() {
	fmt.Printf("scratchd\n")
	fmt.Printf("Version:    %s\n", version)
	fmt.Printf("Commit:     %s\n", gitCommit)
	fmt.Printf("Build Date: %s\n", buildDate)
}

// run starts the server and blocks until ctx is cancelled.
//
//  1. Loads and validates configuration
//  2. Initializes logger and telemetry
//  3. Connects to (or embeds) NATS when enabled
//  4. Starts the HTTP server
//  5. Shuts down gracefully on cancellation
func run(ctx context.Context, opts options) error {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.embeddedNATS {
		cfg.NATS.Enabled = true
	}

	logger, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info(ctx, "starting scratchd",
		zap.String("version", version),
		zap.Int("port", cfg.Server.Port),
		zap.Bool("nats", cfg.NATS.Enabled),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()))

	deps, err := initDependencies(ctx, cfg, opts, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(cfg.Server.ShutdownTimeout.Duration())

	serverOpts := []http.Option{
		http.WithMetrics(http.NewHTTPMetrics(deps.telemetry.MeterProvider(), logger.Underlying())),
	}
	if deps.publisher != nil {
		serverOpts = append(serverOpts, http.WithEvents(deps.publisher))
	}

	srv, err := http.NewServer(deps.store, logger, &http.Config{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, serverOpts...)
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}
	srv.Echo().GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}

func initLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging, logging.ConsoleStdout)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, nil)
}

// dependencies holds the infrastructure one run owns.
type dependencies struct {
	store     *recordstore.MemStore
	telemetry *telemetry.Telemetry
	natsSrv   *natsserver.Server
	nc        *nats.Conn
	publisher *events.Publisher
	logger    *logging.Logger
}

func initDependencies(ctx context.Context, cfg *config.Config, opts options, logger *logging.Logger) (*dependencies, error) {
	deps := &dependencies{
		store:  recordstore.NewMemStore(),
		logger: logger,
	}

	tel, err := telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, serviceName, version), logger.Underlying())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	deps.telemetry = tel

	if !cfg.NATS.Enabled {
		return deps, nil
	}

	natsURL := cfg.NATS.URL
	if opts.embeddedNATS {
		ns, err := startEmbeddedNATS(natsURL)
		if err != nil {
			deps.Close(cfg.Server.ShutdownTimeout.Duration())
			return nil, err
		}
		deps.natsSrv = ns
		natsURL = ns.ClientURL()
		logger.Info(ctx, "embedded nats server started", zap.String("url", natsURL))
	}

	nc, err := nats.Connect(natsURL,
		nats.Name(serviceName),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn(ctx, "nats disconnected", zap.Error(err))
			}
		}),
	)
	if err != nil {
		deps.Close(cfg.Server.ShutdownTimeout.Duration())
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", natsURL, err)
	}
	deps.nc = nc
	deps.publisher = events.NewPublisher(nc, serviceName)
	return deps, nil
}

// startEmbeddedNATS runs a NATS server on the host and port of rawURL.
func startEmbeddedNATS(rawURL string) (*natsserver.Server, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid nats url %q: %w", rawURL, err)
	}
	port := natsserver.DEFAULT_PORT
	if p := u.Port(); p != "" {
		if port, err = strconv.Atoi(p); err != nil {
			return nil, fmt.Errorf("invalid nats port %q: %w", p, err)
		}
	}
	host := u.Hostname()
	if host == "" {
		host = "127.0.0.1"
	}

	ns, err := natsserver.NewServer(&natsserver.Options{
		Host:   host,
		Port:   port,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedded nats server: %w", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, errors.New("embedded nats server not ready")
	}
	return ns, nil
}

// Close releases dependencies in reverse order of creation.
func (d *dependencies) Close(timeout time.Duration) {
	if d.nc != nil {
		if err := d.nc.Flush(); err != nil {
			d.logger.Warn(context.Background(), "failed to flush nats connection", zap.Error(err))
		}
		d.nc.Close()
	}
	if d.natsSrv != nil {
		d.natsSrv.Shutdown()
		d.natsSrv.WaitForShutdown()
	}
	if d.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := d.telemetry.Shutdown(ctx); err != nil {
			d.logger.Warn(ctx, "telemetry shutdown failed", zap.Error(err))
		}
	}
}
