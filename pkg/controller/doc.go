/*
Package controller assembles and runs the Foundry control plane.

The controller is the composition root: it owns construction order,
startup, and shutdown of every component, and nothing else. All domain
behavior lives in the packages it wires together.

# Architecture

	┌────────────────────── CONTROLLER PROCESS ───────────────────────┐
	│                                                                  │
	│   config.Load ─► controller.New ─► controller.Run(ctx)          │
	│                                                                  │
	│   ┌───────────┐   ┌────────────┐   ┌──────────────────┐         │
	│   │  catalog  │   │ objectstore│   │   events.Broker  │         │
	│   │  (bbolt)  │   │ (artifacts)│   │   (pub/sub)      │         │
	│   └─────┬─────┘   └─────┬──────┘   └───────┬──────────┘         │
	│         │               │                  │                    │
	│   ┌─────▼───────────────▼──────────────────▼──────────┐         │
	│   │                  api.Server (chi)                 │         │
	│   └─────┬──────────────────────────────────┬──────────┘         │
	│         │                                  │                    │
	│   ┌─────▼──────────┐   ┌───────────────────▼───────────┐        │
	│   │ dispatch.Engine│   │ liveness.Monitor + collector  │        │
	│   │ (claim index)  │   │ (sweeps, Prometheus gauges)   │        │
	│   └────────────────┘   └────────────────────────────────┘       │
	└──────────────────────────────────────────────────────────────────┘

# Startup Order

	1. Validate configuration
	2. Sealer from the admin key, event broker
	3. Catalog (bbolt) and object store; register health components
	4. Dispatch engine, liveness monitor, metrics collector, API server
	5. Run: engine.Restore() rebuilds the claim index, orphans requeue
	6. Listen, then start broker, engine, monitor, and collector loops
	7. Mark the api component healthy; /ready starts answering 200

Restore runs before the listener opens so a worker polling the instant
the port opens sees the pre-restart queue.

# Shutdown Order

On context cancellation the reverse happens: the HTTP server drains
(15s limit), then the monitor, collector, engine, and broker loops
stop, and the catalog closes last so in-flight handlers never touch a
closed database.

# Usage

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	c, err := controller.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := c.Run(ctx); err != nil {
		log.Fatal(err)
	}

With Port 0 the kernel assigns a free port; Addr() reports the bound
address once Run is up, which the test harnesses rely on.

# Integration Points

This package integrates with:

  - pkg/config: environment configuration
  - pkg/catalog, pkg/objectstore: persistence
  - pkg/dispatch, pkg/liveness, pkg/metrics, pkg/events: background loops
  - pkg/api: the HTTP surface
  - cmd/foundry: the server subcommand
*/
package controller
