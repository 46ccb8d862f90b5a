// Package api implements the controller's HTTP surface: build
// submission and lifecycle endpoints, the worker protocol (poll,
// heartbeat, telemetry, upload), artifact streaming, and the
// operational endpoints (health, stats, events, metrics).
//
// # Architecture
//
// The server is a thin translation layer. It owns no state and no
// goroutines; every request is decoded, authorized, handed to the
// catalog / dispatch engine / object store, and encoded back:
//
//	              ┌──────────────────────────────┐
//	 HTTP         │            Server            │
//	 ────────────▶│  chi router                  │
//	              │   ├── instrument (metrics,   │
//	              │   │     request log)         │
//	              │   ├── recoverer              │
//	              │   └── handlers               │
//	              └───┬──────────┬──────────┬────┘
//	                  │          │          │
//	                  ▼          ▼          ▼
//	              catalog    dispatch   objectstore
//	              (bbolt)    (engine)   (filesystem)
//
// Handlers are grouped by audience:
//
//   - builds.go: submit and owner operations (status, logs, download,
//     cancel, retry, active)
//   - workers.go: the worker protocol (register, poll, heartbeat,
//     telemetry, upload)
//   - artifacts.go: artifact egress (source, certs, certs-secure) and
//     the shared streaming helper
//   - system.go: health, stats, journal events
//
// # Authorization
//
// Three credential scopes guard the surface. The admin key
// (X-API-Key) covers submission, registration, and operational reads.
// The per-build owner token (X-Build-Token) covers one build's
// lifecycle. The worker pair (X-Worker-Id + X-Access-Token) covers the
// worker protocol, and only for builds assigned to that worker.
//
// Worker tokens rotate on every authenticated call. The fresh token is
// set on the X-Access-Token response header before the handler does
// anything else that could fail, so even a 4xx response delivers the
// rotation; a worker that discards it is locked out until it
// re-registers. Poll additionally carries the token in the body next
// to the assignment.
//
// Cert egress and telemetry require the URL build id to match a
// deliberately supplied X-Build-Id header. The path is the weaker
// signal: proxies rewrite and log it.
//
// # Streaming
//
// Multipart ingress (submit, upload) reads parts in order and pipes
// file parts straight into the object store under a byte cap; the
// controller never buffers an archive in memory. On any mid-stream
// failure the partial artifact is deleted before the error response.
// Egress pre-computes Content-Length from the stored size and wires
// the object store reader to the response body.
//
// # Error shape
//
// Errors map from the domain taxonomy to HTTP statuses in respond.go:
// auth 401, forbidden and security 403, not-found 404, validation and
// state-conflict 400, payload-too-large 413, transient 503. Internal
// failures are logged with the request id and return an opaque body.
// Validation errors carry a details field; nothing else does.
//
// # Usage
//
//	srv := api.NewServer(cfg, store, engine, objects, authorizer)
//	httpSrv := &http.Server{Addr: cfg.ListenAddr(), Handler: srv.Router()}
//	err := httpSrv.ListenAndServe()
//
// The caller owns the http.Server and its shutdown; Router is safe to
// build once and share.
package api
