// Package log provides structured logging for Foundry components.
//
// The package wraps zerolog with a global logger, environment-driven
// defaults, and helpers for attaching common Foundry fields (component,
// build_id, worker_id) to child loggers.
//
// # Initialization
//
// Initialize the logger once at process startup:
//
//	log.Init(log.Config{
//		Level:      log.InfoLevel,
//		JSONOutput: true,
//	})
//
// For CLI tools that should honor the environment without flags:
//
//	log.Init(log.FromEnv())
//
// FromEnv reads FOUNDRY_LOG_LEVEL (debug, info, warn, error; default
// info) and FOUNDRY_LOG_JSON (any strconv.ParseBool value). When
// JSONOutput is false the logger uses zerolog's console writer, which
// is the right choice for humans at a terminal; servers should run
// with JSON output so log collectors can parse fields.
//
// # Child Loggers
//
// Long-lived subsystems create a component logger once and reuse it:
//
//	logger := log.WithComponent("dispatch")
//	logger.Info().Str("build_id", build.ID).Msg("Build claimed")
//
// Request-scoped code can tag a logger with the build or worker it is
// acting on:
//
//	blog := log.WithBuild(build.ID)
//	blog.Warn().Msg("Heartbeat timeout, requeueing")
//
// # Field Conventions
//
// Components use a stable set of field names so searches work across
// the whole controller:
//
//	component   subsystem name (api, catalog, dispatch, liveness, agent)
//	build_id    build identifier
//	worker_id   worker identifier
//	status      build or worker status after a transition
//	error       attached via .Err(err)
//
// Credential material (API keys, worker access tokens) must never be
// logged, at any level. Log token expiry times or token lengths when
// debugging auth, never the value.
package log
