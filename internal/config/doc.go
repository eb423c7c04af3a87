// Package config handles configuration loading for coven-chat.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// Fields missing from the file keep the values returned by Default.
//
// # Configuration File
//
// Location (first match wins):
//
//  1. Path passed with --config
//  2. Path from COVEN_CHAT_CONFIG environment variable
//  3. $XDG_CONFIG_HOME/coven/chat.yaml (~/.config/coven/chat.yaml)
//
// A .env file in the working directory is loaded into the environment
// before the config is read.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	ai:
//	  poll_interval: "1s"
//	  request_ttl: "10m"
//	  job_timeout: "30s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//
//	database:
//	  driver: "sqlite"        # or "sqlite3" for the cgo driver
//	  path: "coven-chat.db"
//
//	redis:
//	  url: "redis://localhost:6379/0"   # or addr/username/password/db
//
//	broadcast:
//	  driver: "memory"        # or "redis" for multi-instance fan-out
//
//	queue:
//	  backend: "memory"       # or "asynq"
//	  concurrency: 4
//	  size: 256
//
//	ai:
//	  enabled: false
//	  requests_key: "ai-requests"
//	  responses_key: "ai-responses"
//	  listen_mode: "poll"     # or "subscribe"
//	  poll_interval: "1s"
//	  error_backoff: "5s"
//	  request_ttl: "10m"
//	  reconnect_backoff: "1s"
//	  max_backoff: "30s"
//	  job_timeout: "30s"
//	  max_attempts: 3
//	  fallback_message: "Sorry, there was an error processing your message. Please try again."
//
//	auth:
//	  jwt_secret: "${COVEN_CHAT_JWT_SECRET}"
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # or "json"
package config
