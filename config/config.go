package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tieubaoca/ragchat/types"
)

type Config struct {
	Port          string              `mapstructure:"port"`
	AIProvider    string              `mapstructure:"ai_provider"`
	VectorBackend string              `mapstructure:"vector_backend"`
	JWTSecret     string              `mapstructure:"jwt_secret"`
	Log           LogConfig           `mapstructure:"log"`
	OpenAI        OpenAIConfig        `mapstructure:"openai"`
	Gemini        GeminiConfig        `mapstructure:"gemini"`
	Weaviate      WeaviateStoreConfig `mapstructure:"weaviate"`
	Mongo         MongoConfig         `mapstructure:"mongo"`
	Redis         RedisConfig         `mapstructure:"redis"`
	S3            S3Config            `mapstructure:"s3"`
	WebSearch     WebSearchConfig     `mapstructure:"web_search"`
	Ingest        IngestConfig        `mapstructure:"ingest"`
	Search        SearchConfig        `mapstructure:"search"`
	Chat          ChatConfig          `mapstructure:"chat"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

type OpenAIConfig struct {
	BaseURL             string `mapstructure:"base_url"`
	APIKey              string `mapstructure:"api_key"`
	ChatModel           string `mapstructure:"chat_model"`
	EmbeddingModel      string `mapstructure:"embedding_model"`
	EmbeddingDimensions int    `mapstructure:"embedding_dimensions"`
}

type GeminiConfig struct {
	APIKeys []string `mapstructure:"api_keys"`
	Model   string   `mapstructure:"model"`
}

type WeaviateStoreConfig struct {
	Host      string `mapstructure:"host"`
	APIKey    string `mapstructure:"api_key"`
	ClassName string `mapstructure:"class_name"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	Retention    time.Duration `mapstructure:"retention"`
	BlockTimeout time.Duration `mapstructure:"block_timeout"`
}

type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

type WebSearchConfig struct {
	APIKey   string `mapstructure:"api_key"`
	EngineID string `mapstructure:"engine_id"`
	Endpoint string `mapstructure:"endpoint"`
}

type IngestConfig struct {
	MaxUploadBytes   int64  `mapstructure:"max_upload_bytes"`
	MaxCharsPerChunk int    `mapstructure:"max_chars_per_chunk"`
	OCRLanguages     string `mapstructure:"ocr_languages"`
	TempDir          string `mapstructure:"temp_dir"`
}

type SearchConfig struct {
	KeywordWeight     float64               `mapstructure:"keyword_weight"`
	SemanticWeight    float64               `mapstructure:"semantic_weight"`
	KeywordScoreScale float64               `mapstructure:"keyword_score_scale"`
	Thresholds        types.ScoreThresholds `mapstructure:"thresholds"`
	DefaultLimit      int                   `mapstructure:"default_limit"`
	CountCap          int                   `mapstructure:"count_cap"`
}

type ChatConfig struct {
	MaxSteps     int    `mapstructure:"max_steps"`
	SystemPrompt string `mapstructure:"system_prompt"`
	EventBuffer  int    `mapstructure:"event_buffer"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("ai_provider", "openai")
	v.SetDefault("vector_backend", "weaviate")
	v.SetDefault("log.level", "info")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.chat_model", "gpt-4o-mini")
	v.SetDefault("openai.embedding_model", "text-embedding-3-small")
	v.SetDefault("gemini.model", "gemini-1.5-flash")
	v.SetDefault("weaviate.host", "http://localhost:8080")
	v.SetDefault("weaviate.class_name", "PoolChunk")
	v.SetDefault("mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("mongo.database", "ragchat")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.retention", 24*time.Hour)
	v.SetDefault("redis.block_timeout", 2*time.Second)
	v.SetDefault("s3.region", "us-east-1")
	v.SetDefault("ingest.max_upload_bytes", 10<<20)
	v.SetDefault("ingest.max_chars_per_chunk", 5000)
	v.SetDefault("ingest.ocr_languages", "vie+rus+eng")
	v.SetDefault("search.keyword_weight", 0.3)
	v.SetDefault("search.semantic_weight", 0.7)
	v.SetDefault("search.keyword_score_scale", 10.0)
	v.SetDefault("search.thresholds.text", 0.3)
	v.SetDefault("search.thresholds.image", 0.1)
	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.count_cap", 1000)
	v.SetDefault("chat.max_steps", 5)
	v.SetDefault("chat.event_buffer", 16)
	v.SetDefault("chat.system_prompt", "You are a helpful assistant. Use the document search tool when the user's question may be answered by their documents, and cite the documents you used.")
}

// LoadConfig reads the YAML file at configPath (optional) overlaid with
// environment variables, e.g. MONGO_URI or SEARCH_THRESHOLDS_IMAGE.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	v.BindEnv("jwt_secret", "JWT_SECRET")
	v.BindEnv("openai.api_key", "OPENAI_API_KEY")
	v.BindEnv("weaviate.api_key", "WEAVIATE_APIKEY")
	v.BindEnv("mongo.uri", "MONGODB_URI")
	v.BindEnv("gemini.api_keys", "GEMINI_API_KEYS")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

func (c *Config) Validate() error {
	if c.Search.KeywordWeight < 0 || c.Search.SemanticWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if c.Search.KeywordScoreScale <= 0 {
		return fmt.Errorf("search.keyword_score_scale must be positive")
	}
	if c.Ingest.MaxCharsPerChunk <= 0 {
		return fmt.Errorf("ingest.max_chars_per_chunk must be positive")
	}
	if c.Chat.MaxSteps <= 0 {
		return fmt.Errorf("chat.max_steps must be positive")
	}
	switch c.AIProvider {
	case "openai", "gemini":
	default:
		return fmt.Errorf("unknown ai_provider %q", c.AIProvider)
	}
	switch c.VectorBackend {
	case "weaviate", "memory":
	default:
		return fmt.Errorf("unknown vector_backend %q", c.VectorBackend)
	}
	return nil
}
