// Copyright 2026 llmlb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package config provides llmlb's configuration management.

# Overview

config owns the full lifecycle of the gateway's configuration: multi-source
loading, runtime hot reload, change auditing, and an HTTP management API.
Configuration is merged in "defaults -> YAML file -> environment variables"
priority order.

# Core types

  - Config: top-level configuration aggregate, covering Server, Database,
    Redis, CloudProviders, HealthCheck, EndpointDefaults, Auth, Log, Telemetry
  - Loader: configuration loader with a builder-style chain for the file
    path, environment variable prefix, and a custom validator
  - HotReloadManager: hot reload manager supporting file watching,
    per-field updates, change callbacks, and a versioned change log
  - FileWatcher: poll + debounce based file change watcher that triggers
    reloads
  - ConfigAPIHandler: HTTP handler exposing config read, update, reload
    trigger, and change history endpoints

# Capabilities

  - Multi-source loading: YAML file, environment variables (LLMLB_ prefix
    by default), and built-in defaults
  - Cloud provider credentials (OPENAI_API_KEY, GOOGLE_API_KEY,
    ANTHROPIC_API_KEY, and their *_BASE_URL counterparts) are read
    unprefixed, matching the names every OpenAI-compatible client already
    expects in its environment
  - Hot reload: automatic reload on file change plus manual API trigger,
    with field-level granularity
  - Sensitive field redaction (passwords, API keys, JWT secret) in the
    sanitized config view and change log
  - Change auditing: ring-buffer history with path, old/new value, source,
    and timestamp
  - Configuration validation: built-in range checks plus a custom
    ValidateFunc hook

# Example

	cfg, err := config.NewLoader().
		WithConfigPath("config.yaml").
		WithEnvPrefix("LLMLB").
		Load()
*/
package config
