// Package auth implements the controller's three credential scopes and
// the primitives behind them: token generation, constant-time
// comparison, and AES-GCM sealing of tokens at rest.
//
// # Scopes
//
// Every endpoint accepts the first scope that suffices:
//
//	┌─────────────┬──────────────────────────────┬───────────────────────────────┐
//	│ Scope       │ Credential                   │ Covers                        │
//	├─────────────┼──────────────────────────────┼───────────────────────────────┤
//	│ Admin       │ X-API-Key                    │ Everything                    │
//	│ Build-owner │ X-Build-Token (per build)    │ That build's lifecycle        │
//	│ Worker      │ X-Worker-Id + X-Access-Token │ Worker protocol, own build    │
//	└─────────────┴──────────────────────────────┴───────────────────────────────┘
//
// The admin key comes from configuration and never rotates at runtime.
// Build-owner tokens are minted once at submission and live as long as
// the build. Worker tokens rotate on every authenticated call and
// expire after a short TTL; RequireWorker validates and rotates in one
// step, so a successful return means the presented token is already
// dead and the caller must deliver WorkerAuth.NewToken in the response.
//
// # Sealing
//
// Plaintext tokens exist only in flight. The catalog stores the
// AES-256-GCM ciphertext produced by Sealer; the sealing key is derived
// from the admin key with SHA-256, so the same CONTROLLER_API_KEY
// unlocks the same catalog across restarts. Verification opens the
// seal and compares in constant time (Equal); a database leak exposes
// no usable credential without the admin key.
//
// # Binding checks
//
// Beyond the scopes, three standalone checks bind requests to their
// subjects:
//
//   - RequireWorkerForBuild: the build's worker_id must equal the
//     authenticated worker. Workers never touch builds they don't hold.
//   - RequireBuildIDHeader: cert egress and telemetry must repeat the
//     build id in X-Build-Id; the URL path alone is not trusted.
//   - MatchWorkerQuery: a worker_id query parameter, when present,
//     must name the authenticated worker.
//
// # Usage
//
//	sealer, err := auth.NewSealerFromKey(cfg.APIKey)
//	authorizer := auth.NewAuthorizer(cfg.APIKey, sealer, store)
//
//	wa, err := authorizer.RequireWorker(r)
//	if err != nil { ... }
//	w.Header().Set(auth.HeaderAccessToken, wa.NewToken)
package auth
