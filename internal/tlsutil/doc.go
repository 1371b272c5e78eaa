// Package tlsutil 提供集中式 TLS 配置（TLS 1.2+，仅 AEAD 密码套件），
// 供 proxycore 的推理转发客户端、cloudrouter 的云厂商转发客户端、
// prober/modelsync/health 的探测客户端统一复用，避免每个组件各自
// 拼凑 TLS 设置。网关自身的 HTTP(S) 服务端不使用本包。
package tlsutil
