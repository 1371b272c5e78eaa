// Package tokenizer provides a registry of per-model tokenizers
// (tiktoken for OpenAI-family models via RegisterOpenAITokenizers, and
// a CJK-aware character estimator). StatsRecorder's EstimateTokens
// consults the registry when an upstream response carries no usage
// field; llmlb never registers a tokenizer, so that lookup finds none
// and EstimateTokens uses its byte/4 heuristic.
package tokenizer
