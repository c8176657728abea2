// Package config loads and watches the agent configuration file (config.yaml).
//
// Top-level types:
//   - Config{Agent}: full config tree parsed from YAML
//   - AgentConfig: status server endpoint, status source (http|prometheus|
//     grpc_health), live channel, poll cadence, reconnect delay, auth, view API
//     listen address, outage roots, log and alert settings
//   - AuthConfig: mode (mtls|apikey|bearer|basic|none), cert/key/ca files,
//     header, key_env, token_env, password_env; Key(), Token() and Password()
//     resolve from environment variables
//   - AlertsConfig: cooldown, watchers, webhooks and an optional NATS subject
//
// Load(path) reads the YAML file, applies defaults (30s base poll, 5s
// accelerated poll, 5s reconnect, stream live channel), then validates required
// fields and enums.
//
// Watch(ctx, path, onChange) uses fsnotify to detect file changes and calls
// onChange with the newly parsed Config. The parent directory is watched so
// atomic-save editors (rename over the original) are picked up.
//
// NewLogger builds the process slog.Logger; its level lives in a LevelVar so
// a reload can change it without rebuilding handlers.
package config
