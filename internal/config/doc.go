// Package config handles configuration loading for rig-gateway.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by .toml extension) files with
// environment variable expansion. Every field has a default, so an empty
// file plus GOOGLE_API_KEY is a working gateway.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from RIG_CONFIG environment variable
//  2. ./config.yaml or ./config.toml (current directory)
//  3. ~/.config/rig/gateway.yaml
//
// # Environment Variables
//
// Configuration values can reference environment variables:
//
//	agent:
//	  api_key: "${GOOGLE_API_KEY}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to "".
//
// RIG_DB_PATH overrides database.path. GOOGLE_API_KEY fills agent.api_key
// when the file leaves it empty.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	  ws_path: "/ws"
//
//	database:
//	  path: "/var/lib/rig/gateway.db"   # empty keeps sessions in memory
//	  retention: "720h"                 # purge sessions idle longer than this
//
//	connections:
//	  max_connections: 100
//	  websocket_timeout: "300s"
//	  heartbeat_interval: "30s"
//	  queue_size: 256
//
//	agent:
//	  provider: "gemini"                # gemini, scripted
//	  model: "gemini-2.0-flash-exp"
//	  temperature: 0.7
//	  max_iterations: 10
//	  run_timeout: "5m"
//
//	search:
//	  rate_limit_delay: "1s"
//	  max_results: 5
//	  timeout: "30s"
//	  max_attempts: 3
//	  backoff_min: "4s"
//	  backoff_max: "10s"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - heartbeat interval shorter than the idle timeout
//   - JWT secret minimum length (32 bytes)
//   - an API key when the gemini provider is selected
//   - duration format validity
package config
