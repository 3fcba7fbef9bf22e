package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	capture "github.com/your-org/roadrunner-sentry-capture"
)

const usage = `usage: sentry-capture <command> [flags]

commands:
  message   send a message event (stored for later if the endpoint is unreachable)
  drain     sweep the offline queue once
  serve     sweep the offline queue periodically, reloading the config on change
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "message":
		err = runMessage(ctx, os.Args[2:])
	case "drain":
		err = runDrain(ctx, os.Args[2:])
	case "serve":
		err = runServe(ctx, os.Args[2:])
	default:
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "sentry-capture %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func setup(path string) (*capture.Config, *zap.Logger, zap.AtomicLevel, error) {
	cfg, err := capture.LoadConfig(path)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	logger, level, err := capture.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, zap.AtomicLevel{}, err
	}
	return cfg, logger, level, nil
}

func newClient(cfg *capture.Config, logger *zap.Logger, metrics *capture.Metrics) (*capture.Client, error) {
	return capture.NewClient(cfg, logger,
		capture.WithClientMetrics(metrics),
		capture.WithBuilderOptions(capture.WithHostInfo(capture.NewSystemHostInfo())),
		capture.WithQueueOptions(capture.WithConnectivity(capture.NewInterfaceConnectivity())),
	)
}

func runMessage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("message", flag.ExitOnError)
	configPath := fs.String("config", "sentry-capture.yaml", "path to config file")
	level := fs.String("level", string(capture.LevelInfo), "event level")
	tags := fs.String("tags", "", "comma separated key=value tags")
	_ = fs.Parse(args)

	message := strings.Join(fs.Args(), " ")
	if message == "" {
		return errors.New("no message given")
	}

	lvl, err := capture.ParseLevel(*level)
	if err != nil {
		return err
	}

	cfg, logger, _, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client, err := newClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	id, err := client.CaptureMessage(ctx, message, capture.WithLevel(lvl), capture.WithTags(parseTags(*tags)))
	if capture.IsTransient(err) && !errors.Is(err, capture.ErrNotQueued) {
		fmt.Println("endpoint unreachable, event stored for the next drain")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(id)
	return nil
}

func runDrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("drain", flag.ExitOnError)
	configPath := fs.String("config", "sentry-capture.yaml", "path to config file")
	_ = fs.Parse(args)

	cfg, logger, _, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	client, err := newClient(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer client.Close()

	stats, err := client.Flush(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("sent=%d retried=%d discarded=%d corrupt=%d skipped=%d\n",
		stats.Sent, stats.Retried, stats.Discarded, stats.Corrupt, stats.Skipped)
	return nil
}

func runServe(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "sentry-capture.yaml", "path to config file")
	metricsAddr := fs.String("metrics", "", "address to expose Prometheus metrics on, e.g. :9180")
	_ = fs.Parse(args)

	cfg, logger, level, err := setup(*configPath)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	metrics := capture.NewMetrics()

	client, err := newClient(cfg, logger, metrics)
	if err != nil {
		return err
	}

	var current atomic.Pointer[capture.Client]
	current.Store(client)
	defer func() { _ = current.Load().Close() }()

	interval := atomic.Int64{}
	interval.Store(int64(cfg.Queue.SweepInterval))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		err := capture.WatchConfig(ctx, *configPath, logger, func(next *capture.Config) {
			if l, err := zap.ParseAtomicLevel(next.Logging.Level); err == nil {
				level.SetLevel(l.Level())
			}

			c, err := newClient(next, logger, metrics)
			if err != nil {
				logger.Error("Keeping previous client", zap.Error(err))
				return
			}
			if old := current.Swap(c); old != nil {
				_ = old.Close()
			}
			interval.Store(int64(next.Queue.SweepInterval))
		})
		if err != nil {
			// sweeping goes on with the current config
			logger.Error("Config watcher stopped", zap.Error(err))
		}
		return nil
	})

	if *metricsAddr != "" {
		registry := prometheus.NewRegistry()
		registry.MustRegister(metrics)

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("Metrics listening", zap.String("addr", *metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		logger.Info("Sweeping offline queue", zap.Duration("interval", cfg.Queue.SweepInterval))
		for {
			if _, err := current.Load().Flush(ctx); err != nil && ctx.Err() == nil {
				logger.Error("Offline queue sweep failed", zap.Error(err))
			}

			select {
			case <-ctx.Done():
				logger.Info("Shutting down")
				return nil
			case <-time.After(time.Duration(interval.Load())):
			}
		}
	})

	return g.Wait()
}

func parseTags(s string) map[string]string {
	tags := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if ok && k != "" {
			tags[k] = v
		}
	}
	return tags
}
