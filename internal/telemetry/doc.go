// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，为 llmlb 网关
// 的 cmd/llmlb 入口提供集中式的 TracerProvider 和 MeterProvider 配置，
// 随进程生命周期一起启动与关闭（见 cmd/llmlb/main.go、server.go）。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
