package controller

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/foundrymesh/foundry/pkg/api"
	"github.com/foundrymesh/foundry/pkg/auth"
	"github.com/foundrymesh/foundry/pkg/catalog"
	"github.com/foundrymesh/foundry/pkg/config"
	"github.com/foundrymesh/foundry/pkg/dispatch"
	"github.com/foundrymesh/foundry/pkg/events"
	"github.com/foundrymesh/foundry/pkg/liveness"
	"github.com/foundrymesh/foundry/pkg/log"
	"github.com/foundrymesh/foundry/pkg/metrics"
	"github.com/foundrymesh/foundry/pkg/objectstore"
)

const shutdownTimeout = 15 * time.Second

// Controller composes the catalog, object store, dispatch engine,
// liveness monitor, metrics collector, and HTTP API into one process.
type Controller struct {
	cfg config.Config

	store     *catalog.BoltStore
	objects   *objectstore.Store
	broker    *events.Broker
	engine    *dispatch.Engine
	monitor   *liveness.Monitor
	collector *metrics.Collector
	server    *http.Server

	logger zerolog.Logger

	mu   sync.Mutex
	addr string
}

// New wires all controller components from the configuration. Nothing
// runs until Run is called.
func New(cfg config.Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sealer, err := auth.NewSealerFromKey(cfg.APIKey)
	if err != nil {
		return nil, err
	}

	broker := events.NewBroker()
	store, err := catalog.NewBoltStore(catalog.Options{
		Path:     cfg.DatabasePath,
		Sealer:   sealer,
		Broker:   broker,
		TokenTTL: cfg.WorkerTokenTTL,
	})
	if err != nil {
		return nil, err
	}
	metrics.RegisterComponent("catalog", true, "")

	objects, err := objectstore.New(cfg.StorageRoot)
	if err != nil {
		store.Close()
		return nil, err
	}
	metrics.RegisterComponent("objectstore", true, "")

	engine := dispatch.NewEngine(store, broker)
	monitor := liveness.NewMonitor(store, liveness.Config{
		Interval:     cfg.SweepInterval,
		BuildTimeout: cfg.HeartbeatTimeout,
		StaleAfter:   cfg.HeartbeatTimeout,
	})
	collector := metrics.NewCollector(store, broker)

	srv := api.NewServer(cfg, store, engine, objects, auth.NewAuthorizer(cfg.APIKey, sealer, store))

	return &Controller{
		cfg:       cfg,
		store:     store,
		objects:   objects,
		broker:    broker,
		engine:    engine,
		monitor:   monitor,
		collector: collector,
		server: &http.Server{
			Handler:           srv.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: log.WithComponent("controller"),
	}, nil
}

// Run starts every component and serves the API until the context is
// cancelled, then shuts down in reverse order. The catalog closes last
// so in-flight handlers never see a closed database.
func (c *Controller) Run(ctx context.Context) error {
	// Rebuild the dispatch index before taking traffic so pending
	// builds submitted before a restart are claimable immediately.
	if err := c.engine.Restore(); err != nil {
		c.store.Close()
		return fmt.Errorf("failed to restore dispatch state: %w", err)
	}

	ln, err := net.Listen("tcp", c.cfg.ListenAddr())
	if err != nil {
		c.store.Close()
		return fmt.Errorf("failed to listen: %w", err)
	}
	c.setAddr(ln.Addr().String())

	c.broker.Start()
	c.engine.Start()
	c.monitor.Start()
	c.collector.Start()
	metrics.RegisterComponent("api", true, "listening on "+ln.Addr().String())

	c.logger.Info().
		Str("addr", ln.Addr().String()).
		Str("database", c.cfg.DatabasePath).
		Str("storage_root", c.objects.Root()).
		Msg("controller started")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		c.stop()
		return nil
	})

	err = g.Wait()
	if closeErr := c.store.Close(); closeErr != nil {
		c.logger.Error().Err(closeErr).Msg("failed to close catalog")
	}
	c.logger.Info().Msg("controller stopped")
	return err
}

// Addr returns the bound listen address once Run has started, useful
// when the configured port is 0.
func (c *Controller) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

func (c *Controller) setAddr(addr string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addr = addr
}

// stop drains the HTTP server, then halts the background loops. Order
// matters: handlers may touch the engine and broker, so those stop
// after the listener drains.
func (c *Controller) stop() {
	c.logger.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := c.server.Shutdown(shutdownCtx); err != nil {
		c.logger.Error().Err(err).Msg("http shutdown did not drain cleanly")
	}

	c.monitor.Stop()
	c.collector.Stop()
	c.engine.Stop()
	c.broker.Stop()
}
