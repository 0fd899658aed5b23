package config

import (
	"os"
	"strconv"
	"time"
)

// Config is the process-wide configuration, loaded once from the
// environment at startup. Per-bundle secrets (ASSEMBLYAI_API_KEY and
// friends for a specific deployed agent) live in the bundle manifest's Env
// (registry.Manifest.Env), not
// here — this struct only holds the platform's own settings.
type Config struct {
	// Server
	Port string
	Env  string

	// Database (agent catalog: AgentDefinition, User)
	DatabaseURL string

	// Bundle storage
	BundleDir string
	KVPath    string

	// Platform-level voice vendor keys, used when a bundle's own env
	// doesn't override them.
	AssemblyAIKey     string
	AssemblyAITTSKey  string
	AssemblyAITTSWSS  string
	AnthropicKey      string
	OpenAIKey         string
	DefaultLLMModel   string

	// Auth
	JWTSecret     string
	DeployAPIKey  string

	// Session tuning
	ToolTimeout      time.Duration
	ToolMemoryLimitB int64
	MaxToolLoops     int
	PingInterval     time.Duration

	// Single-agent mode: when set, /session routes directly to this slug
	// without requiring the /<slug>/session multi-agent path.
	SingleAgentSlug string
}

// RequiredBundleEnvKeys is the closed set of secrets every deployed bundle
// must supply; POST /deploy rejects a bundle missing any of these.
var RequiredBundleEnvKeys = []string{"ASSEMBLYAI_API_KEY", "ASSEMBLYAI_TTS_API_KEY"}

func Load() *Config {
	return &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: getEnv("DATABASE_URL", ""),

		BundleDir: getEnv("BUNDLE_DIR", "./data/bundles"),
		KVPath:    getEnv("KV_PATH", "./data/registry.db"),

		AssemblyAIKey:    getEnv("ASSEMBLYAI_API_KEY", ""),
		AssemblyAITTSKey: getEnv("ASSEMBLYAI_TTS_API_KEY", ""),
		AssemblyAITTSWSS: getEnv("ASSEMBLYAI_TTS_WSS_URL", ""),
		AnthropicKey:     getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIKey:        getEnv("OPENAI_API_KEY", ""),
		DefaultLLMModel:  getEnv("LLM_MODEL", "claude-sonnet-4-5-20250929"),

		JWTSecret:    getEnv("JWT_SECRET", "change-this-secret"),
		DeployAPIKey: getEnv("DEPLOY_API_KEY", ""),

		ToolTimeout:      30 * time.Second,
		ToolMemoryLimitB: 128 * 1024 * 1024,
		MaxToolLoops:     getEnvInt("MAX_TOOL_ITERATIONS", 3),
		PingInterval:     30 * time.Second,

		SingleAgentSlug: getEnv("AGENT_SLUG", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SingleAgentMode reports whether the server routes bare "/session" to a
// fixed slug instead of requiring "/<slug>/session".
func (c *Config) SingleAgentMode() bool {
	return c.SingleAgentSlug != ""
}
