// Copyright (c) llmlb Authors.
// Licensed under the MIT License. See the LICENSE file for details.

/*
包 cache 提供基于 Redis 的缓存管理能力，是 cloudcache 包用来跨网关
副本共享云厂商模型列表的底层存储，支持连接池、健康
检查、JSON 序列化与统计信息采集。

# 概述

本包封装 go-redis 客户端，为 cloudcache.Cache 提供统一的缓存读写
接口：一个 cloudcache.New 调用若传入非 nil 的 *Manager，刷新到的
云厂商模型列表就会写入这里而不仅仅停留在进程内存中，使多个 llmlb
网关副本对同一云厂商只触发一次列表刷新。Manager 负责连接生命周期
管理，包括初始化、健康检查与优雅关闭。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端与连接池配置，
    提供 Get/Set/Delete/Exists/Expire 等基础操作，
    以及 cloudcache 实际使用的 GetJSON/SetJSON 便捷序列化方法。
  - Config：缓存配置，包含地址、密码、连接池大小、默认 TTL（与
    cloudcache 的 24 小时刷新窗口对齐）与健康检查间隔等参数。
  - Stats：缓存统计信息，由 GetStats 解析 Redis INFO 输出得到，
    包含命中/未命中计数、键数量、内存使用与连接数。

# 主要能力

  - 键值读写：支持字符串与 JSON 两种模式的缓存存取。
  - 连接池管理：通过 PoolSize 与 MinIdleConns 控制连接复用。
  - 健康检查：后台定时 Ping 检测，异常时通过 zap 日志告警。
  - 优雅关闭：Close 方法安全释放底层 Redis 连接。
  - 错误语义：提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数。
*/
package cache
