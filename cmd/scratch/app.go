package main

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/whalesync/scratch-cli-sub001/internal/cache"
	"github.com/whalesync/scratch-cli-sub001/internal/config"
	"github.com/whalesync/scratch-cli-sub001/internal/events"
	"github.com/whalesync/scratch-cli-sub001/internal/logging"
	"github.com/whalesync/scratch-cli-sub001/internal/notify"
	"github.com/whalesync/scratch-cli-sub001/internal/pending"
	"github.com/whalesync/scratch-cli-sub001/internal/recordstore"
)

// app holds the collaborators a command runs against.
type app struct {
	cfg    *config.Config
	logger *logging.Logger
	client *recordstore.Client
	cache  *cache.Cache
	buffer *pending.Buffer
	notes  *notify.Recorder

	nc         *nats.Conn
	subscriber *events.Subscriber
}

// appOptions select the optional parts of an app.
type appOptions struct {
	configPath string
	serverURL  string
	// events connects to NATS when it is enabled in the config.
	events bool
}

func newApp(opts appOptions) (*app, error) {
	cfg, err := config.LoadWithFile(opts.configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.serverURL != "" {
		cfg.Store.BaseURL = opts.serverURL
	}
	return newAppWithConfig(cfg, opts.events)
}

func newAppWithConfig(cfg *config.Config, withEvents bool) (*app, error) {
	// stdout carries command output; logs go to stderr.
	logCfg, err := logging.FromAppConfig(cfg.Logging, logging.ConsoleStderr)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	client, err := recordstore.NewClient(recordstore.ClientConfig{
		BaseURL:   cfg.Store.BaseURL,
		Token:     cfg.Store.Token,
		Timeout:   cfg.Store.Timeout.Duration(),
		RateLimit: cfg.Store.RateLimit,
		Burst:     cfg.Store.Burst,
	}, logger.Underlying())
	if err != nil {
		return nil, err
	}

	records, err := cache.New(client, cfg.Cache.MaxEntries, logger.Underlying())
	if err != nil {
		return nil, err
	}
	records.SetMetrics(cache.NewMetrics())

	a := &app{
		cfg:    cfg,
		logger: logger,
		client: client,
		cache:  records,
		notes:  &notify.Recorder{},
	}

	notifiers := notify.Multi{notify.NewLogNotifier(logger.Underlying()), a.notes}
	if withEvents && cfg.NATS.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL,
			nats.Name("scratch"),
			nats.MaxReconnects(5),
			nats.ReconnectWait(time.Second),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to nats at %s: %w", cfg.NATS.URL, err)
		}
		a.nc = nc
		notifiers = append(notifiers, notify.NewNATSNotifier(nc))
	}

	buffer, err := pending.New(client, records, logger.Underlying(),
		pending.WithFlushInterval(cfg.Buffer.FlushInterval.Duration()),
		pending.WithRetryDelay(cfg.Buffer.RetryDelay.Duration()),
		pending.WithNotifier(notifiers),
		pending.WithMetrics(pending.NewMetrics()),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.buffer = buffer

	// Change events revalidate through the buffer so queued edits stay visible.
	if a.nc != nil {
		a.subscriber = events.NewSubscriber(a.nc, buffer, logger.Underlying())
	}
	return a, nil
}

// subscribe revalidates cached pages of workbookID when the server announces
// changes. It is a no-op without an event bus.
func (a *app) subscribe(ctx context.Context, workbookID string) error {
	if a.subscriber == nil {
		return nil
	}
	return a.subscriber.Subscribe(ctx, workbookID)
}

// Close stops the buffer and releases connections.
func (a *app) Close() {
	if a.buffer != nil {
		a.buffer.Stop()
	}
	if a.subscriber != nil {
		if err := a.subscriber.Close(); err != nil {
			a.logger.Warn(context.Background(), "failed to close subscriptions", zap.Error(err))
		}
	}
	if a.nc != nil {
		a.nc.Close()
	}
	_ = a.logger.Sync()
}
