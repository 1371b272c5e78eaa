// Copyright (c) llmlb Authors.
// Licensed under the MIT License.

/*
Package main provides the llmlb gateway's executable entry point.

# Overview

cmd/llmlb is the balancer's process entry point: it wires the
endpoint store, registry, health monitor, model synchronizer, type
prober, cloud router, selector, inflight tracker, stats recorder and
proxy core together behind an HTTP API, and exposes subcommands for
running it, migrating its database, and checking its health.

# Core types

  - Server      — owns the HTTP and metrics listeners and every wired
    component, and drives graceful shutdown/drain
  - Middleware  — HTTP middleware func(http.Handler) http.Handler

# Capabilities

  - Subcommands: serve (run the gateway), migrate (database schema),
    version, health
  - Middleware chain: Recovery, RequestID, SecurityHeaders,
    RequestLogger, MetricsMiddleware, OTelTracing, CORS, RateLimiter
    (per-IP), and JWTAuth on every route except /healthz, /readyz,
    /version and /metrics
  - Configuration hot reload: HotReloadManager watches the config file
    and applies safe field changes without a restart
  - Metrics server: a second port exposing /metrics for Prometheus
  - Graceful shutdown: signal -> drain inference traffic and wait for
    inflight requests -> stop health monitor -> stop hot reload -> close
    HTTP -> close metrics -> stop stats, Redis, database and telemetry
  - Build metadata: Version, BuildTime, GitCommit injected via ldflags
*/
package main
