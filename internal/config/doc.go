// Package config handles configuration loading for seance-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable
// expansion. The package provides validation and sensible defaults.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from SEANCE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/seance/gateway.yaml
//  3. ~/.config/seance/gateway.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	modules:
//	  - name: "researcher"
//	    api_key: "${OPENAI_API_KEY}"
//
// Syntax: ${VAR_NAME} or $VAR_NAME
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  shutdown_timeout: "10s"
//
// Modules (at least one required):
//
//	modules:
//	  - name: "researcher"
//	    backend: "openai"
//	    model: "gpt-4o-mini"
//	    api_key: "${OPENAI_API_KEY}"
//	    system_prompt: "You are a careful researcher."
//	    temperature: 0.2
//	    max_tokens: 2048
//	    max_history: 40
//
// Database:
//
//	database:
//	  path: "/var/lib/seance/gateway.db"
//
// Authentication (optional; when omitted the API is open):
//
//	auth:
//	  jwt_secret: "${SEANCE_JWT_SECRET}"
//	  api_keys:
//	    - "$2a$10$..."   # bcrypt hashes
//
// Tailscale:
//
//	tailscale:
//	  enabled: false
//	  hostname: "seance"
//	  auth_key: "${TS_AUTHKEY}"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates that a listen address is configured, that module names
// are unique and non-empty, that every module names a backend, and that
// duration strings parse with time.ParseDuration syntax.
package config
