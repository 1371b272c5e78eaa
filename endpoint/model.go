// Package endpoint defines the persisted endpoint catalog and the
// store that owns it.
package endpoint

import (
	"time"
)

// Type classifies a registered backend by the wire protocol it speaks.
// The classification selects which probe and sync strategies run
// against it (see the prober and modelsync packages).
type Type string

const (
	TypeXLLM             Type = "xllm"
	TypeOllama           Type = "ollama"
	TypeLMStudio         Type = "lm_studio"
	TypeVLLM             Type = "vllm"
	TypeOpenAICompatible Type = "openai_compatible"
	TypeUnknown          Type = "unknown"
)

// Status is the endpoint lifecycle state. Transitions are owned
// exclusively by the health monitor; no other component may assign it.
type Status string

const (
	StatusPending Status = "pending"
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// Capability is an API kind a model may support.
type Capability string

const (
	CapabilityChatCompletions Capability = "chat_completions"
	CapabilityResponses       Capability = "responses"
	CapabilityEmbeddings      Capability = "embeddings"
	CapabilityTextToSpeech    Capability = "text_to_speech"
	CapabilitySpeechToText    Capability = "speech_to_text"
	CapabilityImageGeneration Capability = "image_generation"
	CapabilityVision          Capability = "vision"
)

// Endpoint is one backend inference server. BaseURL, APIKey and the
// timeout/interval fields are operator-supplied and persisted as-is;
// Status, LatencyMS, ErrorCount and the request counters are mutated
// only through the store's dedicated methods so that invariants
// (monotonic counters, state-machine-only status transitions) hold at
// the storage boundary as well as in the in-memory registry.
type Endpoint struct {
	ID                   string     `gorm:"primaryKey;size:36" json:"id"`
	Name                 string     `gorm:"size:200;not null;uniqueIndex" json:"name"`
	BaseURL              string     `gorm:"size:500;not null" json:"base_url"`
	APIKey               string     `gorm:"size:500" json:"-"`
	Type                 Type       `gorm:"size:32;not null;default:unknown" json:"type"`
	Status               Status     `gorm:"size:16;not null;default:pending" json:"status"`
	LatencyMS            float64    `gorm:"default:0" json:"latency_ms"`
	ErrorCount           int        `gorm:"default:0" json:"error_count"`
	LastError            string     `gorm:"type:text" json:"last_error,omitempty"`
	HealthCheckIntervalS int        `gorm:"default:30" json:"health_check_interval_secs"`
	InferenceTimeoutS    int        `gorm:"default:120" json:"inference_timeout_secs"`
	SupportsResponsesAPI bool       `gorm:"default:false" json:"supports_responses_api"`
	TotalRequests        int64      `gorm:"default:0" json:"total_requests"`
	SuccessfulRequests   int64      `gorm:"default:0" json:"successful_requests"`
	FailedRequests       int64      `gorm:"default:0" json:"failed_requests"`
	RegisteredAt         time.Time  `json:"registered_at"`
	LastSeenAt           time.Time  `json:"last_seen"`
	OnlineSince          *time.Time `json:"online_since,omitempty"`
}

func (Endpoint) TableName() string { return "endpoints" }

// Model is a (endpoint_id, model_id) pair with metadata discovered by
// the model synchronizer. Capabilities is stored as a comma-joined
// string (see ParseCapabilities/JoinCapabilities) rather than a join
// table nothing else would use.
type Model struct {
	EndpointID      string `gorm:"primaryKey;size:36;index:idx_endpoint_model" json:"endpoint_id"`
	ModelID         string `gorm:"primaryKey;size:200" json:"model_id"`
	ContextLength   int    `gorm:"default:0" json:"context_length,omitempty"`
	CapabilitiesCSV string `gorm:"column:capabilities;size:500" json:"-"`
	OwnedBy         string `gorm:"size:200" json:"owned_by,omitempty"`
}

func (Model) TableName() string { return "endpoint_models" }

// DailyStat accumulates per-(endpoint,model,day) counters. Append-only;
// never deleted by the core (retention is an operator concern).
type DailyStat struct {
	EndpointID         string    `gorm:"primaryKey;size:36;index:idx_endpoint_date,priority:1" json:"endpoint_id"`
	ModelID            string    `gorm:"primaryKey;size:200" json:"model_id"`
	Date               string    `gorm:"primaryKey;size:10;index:idx_endpoint_date,priority:2;index:idx_date" json:"date"` // YYYY-MM-DD, server-local
	TotalRequests      int64     `gorm:"default:0" json:"total_requests"`
	SuccessfulRequests int64     `gorm:"default:0" json:"successful_requests"`
	FailedRequests     int64     `gorm:"default:0" json:"failed_requests"`
	TotalOutputTokens  int64     `gorm:"default:0" json:"total_output_tokens"`
	TotalOutputTimeMS  int64     `gorm:"default:0" json:"total_output_time_ms"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (DailyStat) TableName() string { return "endpoint_daily_stats" }

// AllTables lists the models migrate.AutoMigrate (or golang-migrate,
// in production deployments) must create.
func AllTables() []any {
	return []any{&Endpoint{}, &Model{}, &DailyStat{}}
}
