// Package config loads controller configuration from the environment.
//
// The controller is configured entirely through environment variables
// so it can run unchanged under systemd, containers, or a developer
// shell. Load reads the environment and applies defaults; Validate
// checks the assembled result, after any flag overrides:
//
//	cfg, err := config.Load()
//	if err != nil {
//		log.Fatal(err.Error())
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatal(err.Error())
//	}
//
// # Variables
//
//	CONTROLLER_API_KEY               admin API key, required, >= 32 chars
//	PORT                             HTTP listen port (8080)
//	STORAGE_ROOT                     artifact storage root (./data/storage)
//	DATABASE_URL                     bbolt database file (./data/foundry.db)
//	WORKER_TOKEN_TTL_SECONDS         worker token lifetime (90)
//	BUILD_HEARTBEAT_TIMEOUT_SECONDS  build liveness window (120)
//	MAX_SOURCE_BYTES                 source upload cap (500 MiB)
//	MAX_CERTS_BYTES                  certificate upload cap (50 MiB)
//	MAX_RESULT_BYTES                 result upload cap (2 GiB)
//
// Logging is configured separately through FOUNDRY_LOG_LEVEL and
// FOUNDRY_LOG_JSON; see the log package.
//
// A short or missing CONTROLLER_API_KEY fails validation rather than
// falling back to a default: there is no safe default for the admin
// credential.
package config
