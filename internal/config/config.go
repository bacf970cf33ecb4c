// Package config loads agentloop configuration from YAML and environment variables.
package config

import (
	"errors"
	"fmt"
	"time"
)

// Config is the root configuration for the agentloop service and CLI.
type Config struct {
	Server        ServerConfig        `koanf:"server"`
	Coordinator   CoordinatorConfig   `koanf:"coordinator"`
	LLM           LLMConfig           `koanf:"llm"`
	Memory        MemoryConfig        `koanf:"memory"`
	VectorStore   VectorStoreConfig   `koanf:"vectorstore"`
	Embeddings    EmbeddingsConfig    `koanf:"embeddings"`
	Events        EventsConfig        `koanf:"events"`
	Tools         ToolsConfig         `koanf:"tools"`
	Observability ObservabilityConfig `koanf:"observability"`
}

// ServerConfig configures the HTTP control API.
type ServerConfig struct {
	Host            string   `koanf:"host"`
	Port            int      `koanf:"port"`
	ShutdownTimeout Duration `koanf:"shutdown_timeout"`
	// Retention is how long finished runs and their event logs stay queryable.
	Retention Duration `koanf:"retention"`
}

// CoordinatorConfig bounds a single run.
type CoordinatorConfig struct {
	// MaxSteps caps the number of non-final steps a run may select.
	MaxSteps int `koanf:"max_steps"`
	// MaxReplans caps replans, plan rejections and malformed plan retries.
	MaxReplans   int      `koanf:"max_replans"`
	StepTimeout  Duration `koanf:"step_timeout"`
	TopK         int      `koanf:"top_k"`
	PlanApproval bool     `koanf:"plan_approval"`
	StepApproval bool     `koanf:"step_approval"`
}

// LLMConfig selects the model backend used by the perception and decision stages.
type LLMConfig struct {
	Provider          string   `koanf:"provider"`
	Model             string   `koanf:"model"`
	APIKey            Secret   `koanf:"api_key"`
	BaseURL           string   `koanf:"base_url"`
	Temperature       float64  `koanf:"temperature"`
	RequestsPerMinute int      `koanf:"requests_per_minute"`
	MaxRetries        int      `koanf:"max_retries"`
	RetryInitialDelay Duration `koanf:"retry_initial_delay"`
}

// MemoryConfig configures the session tier and the vector collections used
// for episodic and document memory.
type MemoryConfig struct {
	SessionBackend     string `koanf:"session_backend"`
	SQLitePath         string `koanf:"sqlite_path"`
	RedisAddr          string `koanf:"redis_addr"`
	RedisPassword      Secret `koanf:"redis_password"`
	RedisDB            int    `koanf:"redis_db"`
	EpisodicCollection string `koanf:"episodic_collection"`
	DocumentCollection string `koanf:"document_collection"`
	// RedactSecrets scrubs credentials from text before it is stored.
	RedactSecrets bool `koanf:"redact_secrets"`
	// MinConfidence drops recalled episodes committed below it; 0 disables.
	MinConfidence float64 `koanf:"min_confidence"`
	// Episode lifetimes by answer source.
	TTLDocuments Duration `koanf:"ttl_documents"`
	TTLExternal  Duration `koanf:"ttl_external"`
	TTLDefault   Duration `koanf:"ttl_default"`
	// FreshWindow bounds episode age for queries asking for current data.
	FreshWindow Duration `koanf:"fresh_window"`
}

// VectorStoreConfig selects the vector index implementation.
type VectorStoreConfig struct {
	Provider        string `koanf:"provider"`
	ChromemPath     string `koanf:"chromem_path"`
	ChromemCompress bool   `koanf:"chromem_compress"`
	QdrantHost      string `koanf:"qdrant_host"`
	QdrantPort      int    `koanf:"qdrant_port"`
	QdrantTLS       bool   `koanf:"qdrant_tls"`
	VectorSize      int    `koanf:"vector_size"`
}

// EmbeddingsConfig selects the embedding provider.
type EmbeddingsConfig struct {
	Provider string `koanf:"provider"`
	BaseURL  string `koanf:"base_url"`
	Model    string `koanf:"model"`
	CacheDir string `koanf:"cache_dir"`
}

// EventsConfig configures outbound event sinks beyond the in-process bus.
type EventsConfig struct {
	NATSURL       string `koanf:"nats_url"`
	NATSSubject   string `koanf:"nats_subject"`
	TranscriptDir string `koanf:"transcript_dir"`
}

// ToolsConfig lists external MCP tool servers imported at startup.
type ToolsConfig struct {
	MCPServers []MCPServerConfig `koanf:"mcp_servers"`
}

// MCPServerConfig launches one MCP server as a subprocess.
type MCPServerConfig struct {
	Name    string   `koanf:"name"`
	Command string   `koanf:"command"`
	Args    []string `koanf:"args"`
}

// ObservabilityConfig configures logging and OpenTelemetry export.
type ObservabilityConfig struct {
	LogLevel        string  `koanf:"log_level"`
	LogFormat       string  `koanf:"log_format"`
	EnableTelemetry bool    `koanf:"enable_telemetry"`
	OTLPEndpoint    string  `koanf:"otlp_endpoint"`
	OTLPProtocol    string  `koanf:"otlp_protocol"`
	OTLPInsecure    bool    `koanf:"otlp_insecure"`
	ServiceName     string  `koanf:"service_name"`
	SamplingRate    float64 `koanf:"sampling_rate"`
}

// Default returns the configuration used when no file or env override is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			Port:            9191,
			ShutdownTimeout: Duration(10 * time.Second),
			Retention:       Duration(time.Hour),
		},
		Coordinator: CoordinatorConfig{
			MaxSteps:    20,
			MaxReplans:  5,
			StepTimeout: Duration(30 * time.Second),
			TopK:        5,
		},
		LLM: LLMConfig{
			Provider:          "gemini",
			Model:             "gemini-2.0-flash",
			RequestsPerMinute: 60,
			MaxRetries:        5,
			RetryInitialDelay: Duration(5 * time.Second),
		},
		Memory: MemoryConfig{
			SessionBackend:     "sqlite",
			SQLitePath:         "~/.config/agentloop/sessions.db",
			RedisAddr:          "localhost:6379",
			EpisodicCollection: "episodic",
			DocumentCollection: "documents",
			RedactSecrets:      true,
			MinConfidence:      0.9,
			TTLDocuments:       Duration(168 * time.Hour),
			TTLExternal:        Duration(6 * time.Hour),
			TTLDefault:         Duration(24 * time.Hour),
			FreshWindow:        Duration(time.Hour),
		},
		VectorStore: VectorStoreConfig{
			Provider:    "chromem",
			ChromemPath: "~/.config/agentloop/vectorstore",
			QdrantHost:  "localhost",
			QdrantPort:  6334,
			VectorSize:  384,
		},
		Embeddings: EmbeddingsConfig{
			Provider: "hash",
			BaseURL:  "http://localhost:8080",
			Model:    "BAAI/bge-small-en-v1.5",
		},
		Events: EventsConfig{
			NATSSubject: "agentloop.runs",
		},
		Observability: ObservabilityConfig{
			LogLevel:     "info",
			LogFormat:    "json",
			OTLPEndpoint: "localhost:4317",
			OTLPProtocol: "grpc",
			ServiceName:  "agentloop",
			SamplingRate: 1.0,
		},
	}
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.Retention.Duration() <= 0 {
		errs = append(errs, errors.New("server.retention must be > 0"))
	}
	if c.Coordinator.MaxSteps < 1 {
		errs = append(errs, fmt.Errorf("coordinator.max_steps must be >= 1, got %d", c.Coordinator.MaxSteps))
	}
	if c.Coordinator.MaxReplans < 0 {
		errs = append(errs, fmt.Errorf("coordinator.max_replans must be >= 0, got %d", c.Coordinator.MaxReplans))
	}
	if c.Coordinator.StepTimeout.Duration() <= 0 {
		errs = append(errs, errors.New("coordinator.step_timeout must be > 0"))
	}
	if c.Coordinator.TopK < 1 {
		errs = append(errs, fmt.Errorf("coordinator.top_k must be >= 1, got %d", c.Coordinator.TopK))
	}

	switch c.LLM.Provider {
	case "gemini", "openai":
	default:
		errs = append(errs, fmt.Errorf("llm.provider must be 'gemini' or 'openai', got %q", c.LLM.Provider))
	}
	if c.LLM.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("llm.max_retries must be >= 0, got %d", c.LLM.MaxRetries))
	}

	switch c.Memory.SessionBackend {
	case "sqlite", "redis", "memory":
	default:
		errs = append(errs, fmt.Errorf("memory.session_backend must be sqlite, redis or memory, got %q", c.Memory.SessionBackend))
	}
	if c.Memory.EpisodicCollection == "" || c.Memory.DocumentCollection == "" {
		errs = append(errs, errors.New("memory collections must be named"))
	}
	if c.Memory.MinConfidence < 0 || c.Memory.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("memory.min_confidence must be between 0 and 1, got %v", c.Memory.MinConfidence))
	}
	if c.Memory.EpisodicCollection == c.Memory.DocumentCollection {
		errs = append(errs, errors.New("memory.episodic_collection and memory.document_collection must differ"))
	}

	switch c.VectorStore.Provider {
	case "chromem", "qdrant":
	default:
		errs = append(errs, fmt.Errorf("vectorstore.provider must be 'chromem' or 'qdrant', got %q", c.VectorStore.Provider))
	}
	if c.VectorStore.VectorSize <= 0 {
		errs = append(errs, fmt.Errorf("vectorstore.vector_size must be > 0, got %d", c.VectorStore.VectorSize))
	}

	switch c.Embeddings.Provider {
	case "tei", "fastembed", "hash":
	default:
		errs = append(errs, fmt.Errorf("embeddings.provider must be tei, fastembed or hash, got %q", c.Embeddings.Provider))
	}

	for i, s := range c.Tools.MCPServers {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("tools.mcp_servers[%d] needs a name and a command", i))
		}
	}

	if c.Observability.SamplingRate < 0 || c.Observability.SamplingRate > 1 {
		errs = append(errs, fmt.Errorf("observability.sampling_rate must be within [0,1], got %v", c.Observability.SamplingRate))
	}

	return errors.Join(errs...)
}
