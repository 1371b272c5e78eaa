// Copyright (c) llmlb Authors.
// Licensed under the MIT License. See the LICENSE file for details.

/*
包 migration 管理 llmlb 网关自身的 Schema 迁移，覆盖 endpoints、
endpoint_models、endpoint_daily_stats 三张表（见 endpoint/model.go），
支持 PostgreSQL、MySQL 与 SQLite 三种后端，基于 golang-migrate 实现。

# 概述

本包通过 embed.FS 内嵌 migrations/{postgres,mysql,sqlite} 下各方言的
SQL 文件，结合 golang-migrate 引擎实现版本化的 Schema 变更管理，供
EndpointStore 启动前建表、运维侧按需回滚或跳转版本使用。

# 核心接口与类型

  - Migrator：迁移器接口，定义 Up/Down/DownAll/Steps/Goto/Force/
    Version/Status/Info/Close 等完整操作集。
  - DefaultMigrator：Migrator 的默认实现，封装 golang-migrate 实例、
    数据库连接管理，以及一个贯穿每次迁移操作的 *zap.Logger。
  - Config：迁移配置，包含数据库类型、连接 URL、迁移表名（默认
    llmlb_schema_migrations）、锁超时与 Logger。
  - DatabaseType：数据库类型枚举（postgres/mysql/sqlite）。
  - MigrationStatus / MigrationInfo：迁移状态与摘要信息。
  - CLI：cmd/llmlb migrate 子命令背后的交互层，封装 Migrator 提供
    格式化输出。

# 主要能力

  - 多数据库支持：通过 DatabaseType 与内嵌 SQL 文件自动适配方言。
  - 工厂函数：NewMigratorFromConfig / NewMigratorFromDatabaseConfig /
    NewMigratorFromURL 支持从网关配置、数据库配置或裸 URL 创建迁移器。
  - CLI 集成：CLI 类型提供 RunUp/RunDown/RunStatus/RunInfo 等
    面向终端的格式化操作，被 cmd/llmlb/migrate.go 的子命令直接调用。
  - 辅助工具：ParseDatabaseType 解析类型字符串，BuildDatabaseURL
    按方言拼接连接 URL。
*/
package migration
