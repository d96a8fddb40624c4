// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

const (
	EngineDuckDB     = "duckdb"
	EngineClickHouse = "clickhouse"
)

type Config struct {
	LLMProvider    string        `validate:"oneof=ollama anthropic groq openai"`
	OllamaBaseURL  string        `validate:"omitempty,url"`
	OllamaModel    string        `validate:"required_if=LLMProvider ollama"`
	AnthropicModel string        `validate:"required_if=LLMProvider anthropic"`
	GroqAPIKey     string        `validate:"required_if=LLMProvider groq"`
	GroqModel      string        `validate:"required_if=LLMProvider groq"`
	OpenAIAPIKey   string        `validate:"required_if=LLMProvider openai"`
	OpenAIBaseURL  string        `validate:"omitempty,url"`
	OpenAIModel    string        `validate:"required_if=LLMProvider openai"`
	LLMTimeout     time.Duration `validate:"gt=0"`

	MaxSQLAttempts  int `validate:"min=1,max=10"`
	MaxSpecAttempts int `validate:"min=1,max=10"`
	// UseLLMPipeline selects generation; otherwise metric templates answer.
	UseLLMPipeline bool

	ChartDir        string `validate:"required"`
	ChartS3Bucket   string
	ChartS3Prefix   string
	ChartS3Region   string
	ChartS3Endpoint string

	Engine             string `validate:"oneof=duckdb clickhouse"`
	DataDir            string `validate:"required"`
	TaxiZoneLookup     string
	BaseLookup         string
	HVFHSLookup        string
	DuckDBPath         string
	ClickHouseAddr     string `validate:"required_if=Engine clickhouse"`
	ClickHouseDatabase string
	ClickHouseUsername string
	ClickHousePassword string
	QueryTimeout       time.Duration `validate:"gt=0"`

	RateLimitPerMinute   int `validate:"min=1"`
	RateLimitPerDay      int `validate:"min=1"`
	RateLimitGlobalDaily int `validate:"min=1"`
	MaxConcurrentQueries int `validate:"min=1"`

	CORSOrigins []string
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// LoadFromEnv reads a .env file when present, then the process environment.
func LoadFromEnv() (*Config, error) {
	_ = godotenv.Load()

	var errs []error
	cfg := &Config{
		LLMProvider:    strings.ToLower(getenv("LLM_PROVIDER", "ollama")),
		OllamaBaseURL:  getenv("OLLAMA_BASE_URL", "http://localhost:11434"),
		OllamaModel:    getenv("OLLAMA_MODEL", "llama3:latest"),
		AnthropicModel: getenv("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
		GroqAPIKey:     os.Getenv("GROQ_API_KEY"),
		GroqModel:      getenv("GROQ_MODEL", "llama-3.3-70b-versatile"),
		OpenAIAPIKey:   os.Getenv("OPENAI_API_KEY"),
		OpenAIBaseURL:  os.Getenv("OPENAI_BASE_URL"),
		OpenAIModel:    getenv("OPENAI_MODEL", "gpt-4o-mini"),
		LLMTimeout:     durationEnv("LLM_TIMEOUT", 180*time.Second, &errs),

		MaxSQLAttempts:  intEnv("MAX_SQL_ATTEMPTS", 3, &errs),
		MaxSpecAttempts: intEnv("MAX_SPEC_ATTEMPTS", 3, &errs),
		UseLLMPipeline:  boolEnv("USE_LLM_PIPELINE", true, &errs),

		ChartDir:        getenv("CHART_DIR", "/tmp/nyc_taxi_charts"),
		ChartS3Bucket:   os.Getenv("CHART_S3_BUCKET"),
		ChartS3Prefix:   os.Getenv("CHART_S3_PREFIX"),
		ChartS3Region:   os.Getenv("CHART_S3_REGION"),
		ChartS3Endpoint: os.Getenv("CHART_S3_ENDPOINT"),

		Engine:             strings.ToLower(getenv("ENGINE", EngineDuckDB)),
		DataDir:            getenv("DATA_DIR", "data"),
		TaxiZoneLookup:     os.Getenv("TAXI_ZONE_LOOKUP"),
		BaseLookup:         os.Getenv("BASE_LOOKUP"),
		HVFHSLookup:        os.Getenv("HVFHS_LOOKUP"),
		DuckDBPath:         os.Getenv("DUCKDB_PATH"),
		ClickHouseAddr:     os.Getenv("CLICKHOUSE_ADDR"),
		ClickHouseDatabase: getenv("CLICKHOUSE_DATABASE", "default"),
		ClickHouseUsername: getenv("CLICKHOUSE_USERNAME", "default"),
		ClickHousePassword: os.Getenv("CLICKHOUSE_PASSWORD"),
		QueryTimeout:       durationEnv("QUERY_TIMEOUT", 60*time.Second, &errs),

		RateLimitPerMinute:   intEnv("RATE_LIMIT_PER_MINUTE", 5, &errs),
		RateLimitPerDay:      intEnv("RATE_LIMIT_PER_DAY", 50, &errs),
		RateLimitGlobalDaily: intEnv("RATE_LIMIT_GLOBAL_DAILY", 1000, &errs),
		MaxConcurrentQueries: intEnv("MAX_CONCURRENT_QUERIES", 4, &errs),

		CORSOrigins: listEnv("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (cfg *Config) Validate() error {
	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, ", "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Model is the model name of the selected provider.
func (cfg *Config) Model() string {
	switch cfg.LLMProvider {
	case "anthropic":
		return cfg.AnthropicModel
	case "groq":
		return cfg.GroqModel
	case "openai":
		return cfg.OpenAIModel
	default:
		return cfg.OllamaModel
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v)
	}
	return def
}

func intEnv(key string, def int, errs *[]error) int {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return n
}

func boolEnv(key string, def bool, errs *[]error) bool {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return b
}

// durationEnv accepts Go durations ("90s") or a bare number of seconds.
func durationEnv(key string, def time.Duration, errs *[]error) time.Duration {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return def
	}
	return d
}

func listEnv(key string, def []string) []string {
	v := getenv(key, "")
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
