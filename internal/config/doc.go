// Package config handles configuration loading for parley.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	server:
//	  token: "${PARLEY_TOKEN}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	server:
//	  request_timeout: "60s"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server connection:
//
//	server:
//	  base_url: "https://chat.example.com"
//	  transport: "sse"          # sse, websocket
//	  token: "${PARLEY_TOKEN}"
//	  request_timeout: "60s"
//
// Database:
//
//	database:
//	  path: "~/.local/share/parley/parley.db"
//
// Chat defaults:
//
//	chat:
//	  locale: "en"
//	  history_limit: 50
//
// Topic resolution:
//
//	resolver:
//	  window: 20   # recent conversations scanned per topic lookup
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Usage
//
// Load configuration from a path:
//
//	cfg, err := config.Load("parley.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
