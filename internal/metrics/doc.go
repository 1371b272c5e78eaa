// Copyright 2026 llmlb Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package metrics provides Prometheus-based instrumentation for the gateway,
covering HTTP, inference proxying, endpoint health, cache, and database
concerns.

# Overview

Collector registers and records Prometheus metrics using promauto's
auto-registration, so callers never manage a Registry directly. Every
metric is namespace-scoped and label-partitioned for dashboards and
alerting.

# Core types

  - Collector: holds the Counter, Histogram, and Gauge vectors grouped by
    domain.

# Capabilities

  - HTTP metrics: request totals, request duration, request/response body
    sizes, grouped by method/path/status (status bucketed into 2xx-5xx).
  - Inference metrics: request totals, request duration, token usage
    (prompt/completion), and cost, grouped by endpoint/model.
  - Endpoint health metrics: status transition counts, latency EMA gauge,
    in-flight request gauge, and failover attempt counts.
  - Cache metrics: hit/miss counters, grouped by cache_type.
  - Database metrics: open/idle connection gauges and query duration
    histogram, grouped by database/operation.
*/
package metrics
