// Command mediator-worker runs only the expiry sweeper and forwarder
// processors against a shared store, for deployments that scale the
// HTTP surface (cmd/mediator) and the background processors
// independently. Neither binary holds state the other needs to see,
// spec §5.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/didcomm-mediator/mediator/internal/config"
	"github.com/didcomm-mediator/mediator/internal/diddoc"
	"github.com/didcomm-mediator/mediator/internal/didwire"
	"github.com/didcomm-mediator/mediator/internal/forwardqueue"
	"github.com/didcomm-mediator/mediator/internal/processors"
	"github.com/didcomm-mediator/mediator/internal/store"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
	"github.com/redis/go-redis/v9"
)

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the mediator's YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := telemetry.New(os.Stdout, telemetry.Options{Service: "mediator-worker", Level: telemetry.LevelInfo})
	ctx := context.Background()

	s, rdb, err := openStore(cfg)
	if err != nil {
		logger.Error(ctx, "store_open_failed", map[string]any{"error": err})
		os.Exit(2)
	}
	defer s.Close()

	var queue forwardqueue.Queue
	if rdb != nil {
		queue, err = forwardqueue.NewRedisQueue(rdb, "mediator-worker")
		if err != nil {
			logger.Error(ctx, "forward_queue_open_failed", map[string]any{"error": err})
			os.Exit(2)
		}
	} else {
		queue = forwardqueue.NewMemoryQueue()
	}

	var resolver diddoc.Resolver = didwire.NewEmptyStaticResolver()
	if cfg.Security.DIDDocumentsPath != "" {
		r, err := didwire.LoadStaticResolver(cfg.Security.DIDDocumentsPath)
		if err != nil {
			logger.Error(ctx, "did_documents_load_failed", map[string]any{"error": err})
			os.Exit(2)
		}
		resolver = r
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.Processors.Expiry.Enabled {
		sweeper := processors.NewExpirySweeper(s, cfg.Processors.Expiry.IntervalS, logger, telemetry.NopMeter{})
		sweeper.Start(runCtx)
	}
	if cfg.Processors.Forwarder.Enabled {
		forwarder := processors.NewForwarder(queue, resolver, s, logger, telemetry.NopMeter{})
		forwarder.Start(runCtx)
	}

	logger.Info(ctx, "worker_start", nil)
	stop := make(chan os.Signal, 2)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	logger.Info(ctx, "worker_shutdown_complete", nil)
}

func openStore(cfg config.Config) (store.Store, *redis.Client, error) {
	if !strings.HasPrefix(cfg.Store.URL, "redis://") && !strings.HasPrefix(cfg.Store.URL, "rediss://") {
		return store.NewMemoryStore(), nil, nil
	}
	opt, err := redis.ParseURL(cfg.Store.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("mediator-worker: parse store url: %w", err)
	}
	opt.PoolSize = cfg.Store.PoolSize
	rdb := redis.NewClient(opt)
	s, err := store.Open(context.Background(), store.Options{URL: cfg.Store.URL, PoolSize: cfg.Store.PoolSize})
	if err != nil {
		return nil, nil, err
	}
	return s, rdb, nil
}
