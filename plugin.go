package sentry_capture

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/roadrunner-server/endure/v2/dep"
	"github.com/roadrunner-server/errors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const rateLimitCleanupInterval = 5 * time.Minute

// Plugin represents the main plugin structure
type Plugin struct {
	config  *Config
	logger  *zap.Logger
	client  *Client
	metrics *Metrics

	// Lifecycle
	stopCh chan struct{}
	doneCh chan struct{}
}

// Configurer interface for config plugin
type Configurer interface {
	UnmarshalKey(name string, out any) error
	Has(name string) bool
}

// Logger interface for logger plugin
type Logger interface {
	NamedLogger(name string) *zap.Logger
}

// Capturer is provided to other plugins that want to report errors
type Capturer interface {
	CaptureMessage(ctx context.Context, message string, opts ...EventOption) (string, error)
	CaptureException(ctx context.Context, err error, opts ...EventOption) (string, error)
	CapturePanic(ctx context.Context, recovered any, opts ...EventOption) (string, error)
	Flush(ctx context.Context) (DrainStats, error)
}

// Init initializes the plugin
func (p *Plugin) Init(cfg Configurer, log Logger) error {
	const op = errors.Op("sentry_capture_init")

	if !cfg.Has(PluginName) {
		return errors.E(op, errors.Disabled)
	}

	config := &Config{}
	if err := cfg.UnmarshalKey(PluginName, config); err != nil {
		return errors.E(op, err)
	}

	config.InitDefaults()
	if err := config.Validate(); err != nil {
		return errors.E(op, err)
	}

	if !config.Enabled {
		return errors.E(op, errors.Disabled)
	}

	p.logger = log.NamedLogger(PluginName)

	if config.DSN == "" {
		p.logger.Warn("No DSN configured, plugin disabled")
		return errors.E(op, errors.Disabled)
	}

	p.config = config
	p.metrics = NewMetrics()

	client, err := NewClient(config, p.logger,
		WithClientMetrics(p.metrics),
		WithBuilderOptions(WithHostInfo(NewSystemHostInfo())),
		WithQueueOptions(WithConnectivity(NewInterfaceConnectivity())),
	)
	if err != nil {
		return errors.E(op, err)
	}
	p.client = client

	p.stopCh = make(chan struct{})
	p.doneCh = make(chan struct{})

	p.logger.Info("Sentry capture plugin initialized",
		zap.String("project", client.Project()),
		zap.String("queue_dir", config.Queue.Dir),
		zap.Int("retry_budget", config.Queue.RetryBudget),
		zap.Duration("sweep_interval", config.Queue.SweepInterval))

	return nil
}

// Serve sweeps the offline queue once at startup and then on every interval
func (p *Plugin) Serve() chan error {
	errCh := make(chan error, 1)

	if p.client == nil {
		errCh <- errors.E(errors.Op("sentry_capture_serve"), "plugin not initialized")
		return errCh
	}

	go func() {
		defer close(p.doneCh)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			select {
			case <-p.stopCh:
				p.logger.Info("Sentry capture plugin stopping")
				cancel()
			case <-ctx.Done():
			}
		}()

		p.sweep(ctx)

		p.logger.Info("Sentry capture plugin started")

		sweepTicker := time.NewTicker(p.config.Queue.SweepInterval)
		defer sweepTicker.Stop()
		cleanupTicker := time.NewTicker(rateLimitCleanupInterval)
		defer cleanupTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				p.logger.Info("Sentry capture plugin stopped")
				return
			case <-sweepTicker.C:
				p.sweep(ctx)
			case <-cleanupTicker.C:
				if t, ok := p.client.sender.(*HTTPTransport); ok {
					t.RateLimiter().CleanupExpired()
				}
			}
		}
	}()

	return errCh
}

func (p *Plugin) sweep(ctx context.Context) {
	if _, err := p.client.Flush(ctx); err != nil && ctx.Err() == nil {
		p.logger.Error("Offline queue sweep failed", zap.Error(err))
	}
}

// Stop stops the plugin
func (p *Plugin) Stop(ctx context.Context) error {
	if p.stopCh == nil {
		return nil
	}
	close(p.stopCh)

	// Wait for graceful shutdown with timeout
	select {
	case <-p.doneCh:
	case <-ctx.Done():
		p.logger.Warn("Plugin stop timed out")
		return multierr.Append(ctx.Err(), p.client.Close())
	}

	return p.client.Close()
}

// Name returns the plugin name
func (p *Plugin) Name() string {
	return PluginName
}

// RPC returns the RPC interface
func (p *Plugin) RPC() any {
	return NewRPC(p, p.logger)
}

// Provides returns the dependencies this plugin provides
func (p *Plugin) Provides() []*dep.Out {
	return []*dep.Out{
		dep.Bind((*Capturer)(nil), p.Capturer),
	}
}

// Capturer returns the capture client
func (p *Plugin) Capturer() Capturer {
	return p.client
}

// MetricsCollector exposes the plugin counters to the metrics plugin
func (p *Plugin) MetricsCollector() []prometheus.Collector {
	return []prometheus.Collector{p.metrics}
}
