// Copyright 2026 llmlb Authors. All rights reserved.
// Use of this source code is governed by an MIT license that can be
// found in the LICENSE file.

/*
Package database provides a GORM-based connection pool manager with
health checking, stats collection, and transaction retry, used by the
endpoint store for its durable tables.

# Core types

  - PoolManager: holds the GORM DB instance and the underlying sql.DB,
    exposing DB(), Ping(), Stats(), Close() lifecycle methods.
  - PoolConfig: pool tuning — max idle/open connections, connection
    lifetime, idle timeout, health check interval.
  - PoolStats: a JSON-friendly projection of pool runtime metrics.
  - TransactionFunc: the callback type run inside a transaction.

# Capabilities

  - Pool tuning via MaxIdleConns/MaxOpenConns/ConnMaxLifetime.
  - Background health check: periodic PingContext, logged via zap.
  - Transaction management: WithTransaction for a single attempt,
    WithTransactionRetry for exponential backoff on deadlocks and
    serialization failures.
*/
package database
