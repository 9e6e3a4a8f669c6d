// Command mediator runs the DIDComm mediator's HTTP/WebSocket surface
// plus its background processors in a single process. For an
// out-of-process processor deployment see cmd/mediator-worker.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/didcomm-mediator/mediator/internal/acl"
	"github.com/didcomm-mediator/mediator/internal/api"
	"github.com/didcomm-mediator/mediator/internal/auth"
	"github.com/didcomm-mediator/mediator/internal/config"
	"github.com/didcomm-mediator/mediator/internal/delivery"
	"github.com/didcomm-mediator/mediator/internal/diddoc"
	"github.com/didcomm-mediator/mediator/internal/didhash"
	"github.com/didcomm-mediator/mediator/internal/didwire"
	"github.com/didcomm-mediator/mediator/internal/dispatch"
	"github.com/didcomm-mediator/mediator/internal/forwardqueue"
	"github.com/didcomm-mediator/mediator/internal/ingestion"
	"github.com/didcomm-mediator/mediator/internal/processors"
	"github.com/didcomm-mediator/mediator/internal/store"
	"github.com/didcomm-mediator/mediator/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// binarySchemaVersion is this build's compiled-in store schema
// version, spec §6. store.Migrate refuses to start (exit code 64) if
// the store's stored version is newer than this.
const binarySchemaVersion = 1

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "", "path to the mediator's YAML config file")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	logger := telemetry.New(os.Stdout, telemetry.Options{Service: "mediator", Level: telemetry.LevelInfo})
	ctx := context.Background()

	reg := prometheus.NewRegistry()
	meter := telemetry.NewPromMeter(reg)

	s, rdb, err := openStore(cfg)
	if err != nil {
		logger.Error(ctx, "store_open_failed", map[string]any{"error": err})
		os.Exit(2)
	}
	defer s.Close()

	if err := s.Migrate(ctx, binarySchemaVersion, nil); err != nil {
		logger.Error(ctx, "schema_migration_failed", map[string]any{"error": err})
		os.Exit(64)
	}

	resolver, verifier, err := buildDIDCollaborators(cfg)
	if err != nil {
		logger.Error(ctx, "did_collaborators_failed", map[string]any{"error": err})
		os.Exit(2)
	}

	evaluator := acl.NewEvaluator(s).WithDefaultPolicy(acl.DefaultPolicy{
		Capabilities:     acl.ParseCapabilities(cfg.Security.DefaultACL),
		ReceiveSoftLimit: cfg.Limits.SoftReceive,
		ReceiveHardLimit: cfg.Limits.HardReceive,
		SendSoftLimit:    cfg.Limits.SoftSend,
		SendHardLimit:    cfg.Limits.HardSend,
	})
	hub := delivery.NewHub(s, logger, meter)
	protocol := delivery.NewProtocol(s, hub)
	tokens := auth.NewTokenProvider([]byte(cfg.Security.JWTSigningKey), "mediator", cfg.Security.JWTAccessTTL, cfg.Security.JWTRefreshTTL)
	deliverySrv := delivery.NewServer(hub, protocol, tokens, logger, meter)

	var challenges auth.ChallengeStore
	var refreshes auth.RefreshStore
	if rdb != nil {
		challenges = auth.NewRedisChallengeStore(rdb)
		refreshes = auth.NewRedisRefreshStore(rdb)
	} else {
		challenges = auth.NewMemoryChallengeStore()
		refreshes = auth.NewMemoryRefreshStore()
	}
	handshake := auth.NewHandshake(challenges, refreshes, resolver, verifier, tokens, 60*time.Second)

	queue, err := openForwardQueue(rdb)
	if err != nil {
		logger.Error(ctx, "forward_queue_open_failed", map[string]any{"error": err})
		os.Exit(2)
	}

	mediatorDIDHash := didhash.DID(cfg.Security.MediatorDID)
	rootAdminHash := didhash.DID(cfg.Security.RootAdminDID)

	pipeline := ingestion.NewPipeline(s, evaluator, hub, logger, meter, mediatorDIDHash, cfg.Security.ForwardToSelfAliases, cfg.Limits.MaxMessageBytes).
		WithForwarder(forwardqueue.Adapter{Queue: queue}).
		WithDefaultExpiry(time.Duration(cfg.Limits.MessageExpirySeconds) * time.Second)

	table := dispatch.NewTable(s, rootAdminHash)

	var oob *api.OOBProvider
	if cfg.Security.MediatorDID != "" {
		oob = &api.OOBProvider{
			MediatorDID:     cfg.Security.MediatorDID,
			ServiceEndpoint: "https://" + cfg.ListenAddress + "/mediator/v1/inbound",
			TTL:             cfg.Limits.OOBInviteTTL,
		}
	}

	router := api.NewRouter(api.Deps{
		Handshake:     handshake,
		Tokens:        tokens,
		Pipeline:      pipeline,
		DispatchTbl:   table,
		ACL:           evaluator,
		Unpacker:      didwire.NewJSONUnpacker(resolver, verifier),
		Delivery:      deliverySrv,
		RootAdminHash: rootAdminHash,
		OOB:           oob,
		Logger:        logger,
		Meter:         meter,
	})

	mux := http.NewServeMux()
	mux.Handle("/", router)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	processorCtx, cancelProcessors := context.WithCancel(context.Background())
	defer cancelProcessors()
	startProcessors(processorCtx, cfg, s, queue, resolver, logger, meter)

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	// Two goroutines race under one errgroup: the HTTP server, and the
	// signal-triggered shutdown. Either one returning ends the group;
	// Shutdown causes ListenAndServe to return ErrServerClosed, which
	// is not an error as far as the group is concerned.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info(ctx, "server_start", map[string]any{"addr": cfg.ListenAddress})
		var serveErr error
		if cfg.TLS.Cert != "" && cfg.TLS.Key != "" {
			serveErr = srv.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
		} else {
			serveErr = srv.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			return serveErr
		}
		return nil
	})
	g.Go(func() error {
		stop := make(chan os.Signal, 2)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-stop:
		case <-gctx.Done():
		}
		cancelProcessors()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info(ctx, "shutdown_start", nil)
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error(ctx, "server_error", map[string]any{"error": err})
		_ = srv.Close()
		os.Exit(2)
	}
	logger.Info(ctx, "shutdown_complete", nil)
}

// openStore picks the Redis-backed store when store.url uses a
// redis(s):// scheme, otherwise the in-memory store (local
// development and tests, not an HA deployment). rdb is a second client
// on the same URL, returned alongside so the auth and forward-queue
// layers share one connection pool; store.Open opens its own.
func openStore(cfg config.Config) (store.Store, *redis.Client, error) {
	if !isRedisURL(cfg.Store.URL) {
		return store.NewMemoryStore(), nil, nil
	}
	opt, err := redis.ParseURL(cfg.Store.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("main: parse store url: %w", err)
	}
	opt.PoolSize = cfg.Store.PoolSize
	rdb := redis.NewClient(opt)
	s, err := store.Open(context.Background(), store.Options{URL: cfg.Store.URL, PoolSize: cfg.Store.PoolSize})
	if err != nil {
		return nil, nil, err
	}
	return s, rdb, nil
}

func isRedisURL(url string) bool {
	return strings.HasPrefix(url, "redis://") || strings.HasPrefix(url, "rediss://")
}

func openForwardQueue(rdb *redis.Client) (forwardqueue.Queue, error) {
	if rdb == nil {
		return forwardqueue.NewMemoryQueue(), nil
	}
	return forwardqueue.NewRedisQueue(rdb, "mediator-forwarder")
}

// buildDIDCollaborators wires the default pack/unpack and resolution
// collaborators spec §1 treats as external. A deployment with a real
// DIDComm crypto library and resolver overrides these two values; this
// binary ships the static, ed25519-backed defaults from
// internal/didwire so it runs standalone.
func buildDIDCollaborators(cfg config.Config) (diddoc.Resolver, diddoc.Verifier, error) {
	if cfg.Security.DIDDocumentsPath == "" {
		return didwire.NewEmptyStaticResolver(), didwire.Ed25519Verifier{}, nil
	}
	resolver, err := didwire.LoadStaticResolver(cfg.Security.DIDDocumentsPath)
	if err != nil {
		return nil, nil, err
	}
	return resolver, didwire.Ed25519Verifier{}, nil
}

// startProcessors launches the expiry sweeper and forwarder goroutines
// per spec §4.6, each stoppable by cancelling ctx.
func startProcessors(ctx context.Context, cfg config.Config, s store.Store, queue forwardqueue.Queue, resolver diddoc.Resolver, logger *telemetry.Logger, meter telemetry.Meter) {
	if cfg.Processors.Expiry.Enabled {
		sweeper := processors.NewExpirySweeper(s, cfg.Processors.Expiry.IntervalS, logger, meter)
		sweeper.Start(ctx)
	}
	if cfg.Processors.Forwarder.Enabled {
		forwarder := processors.NewForwarder(queue, resolver, s, logger, meter)
		forwarder.Start(ctx)
	}
}
