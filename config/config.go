package config

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	RawData RawDataConfig `mapstructure:"rawdata"`
	Tasking TaskingConfig `mapstructure:"tasking"`
	Extract ExtractConfig `mapstructure:"extract"`
	Results ResultsConfig `mapstructure:"results"`
	Server  ServerConfig  `mapstructure:"server"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// RawDataConfig holds export-service (Raw Data API) client configuration.
// The second-based knobs mirror the service's documented environment
// variables, which carry plain integers.
type RawDataConfig struct {
	BaseURL              string `mapstructure:"base_url"`
	AuthToken            string `mapstructure:"auth_token"`
	TimeoutSeconds       int    `mapstructure:"timeout_seconds"`
	MaxRetries           int    `mapstructure:"max_retries"`
	BackoffBase          int    `mapstructure:"backoff_base"`
	RateLimitWaitSeconds int    `mapstructure:"rate_limit_wait_seconds"`
}

// Timeout returns the per-request timeout as a duration.
func (c RawDataConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RateLimitWait returns the wait applied after throttled responses.
func (c RawDataConfig) RateLimitWait() time.Duration {
	return time.Duration(c.RateLimitWaitSeconds) * time.Second
}

// TaskingConfig holds Tasking Manager client configuration
type TaskingConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	APIKey         string `mapstructure:"api_key"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// Timeout returns the per-request timeout as a duration.
func (c TaskingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExtractConfig holds batch orchestration configuration
type ExtractConfig struct {
	TemplatePath        string        `mapstructure:"template_path"`
	PollIntervalSeconds int           `mapstructure:"poll_interval_seconds"`
	MaxPolls            int           `mapstructure:"max_polls"`
	ProjectDeadline     time.Duration `mapstructure:"project_deadline"`
	Concurrency         int           `mapstructure:"concurrency"`
	SubmitPerSecond     float64       `mapstructure:"submit_per_second"`
}

// PollInterval returns the delay between status polls as a duration.
func (c ExtractConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// ResultsConfig holds result recorder configuration. DatabaseURL is optional;
// when set, records are mirrored into Postgres in addition to the JSONL log.
type ResultsConfig struct {
	Path        string `mapstructure:"path"`
	DatabaseURL string `mapstructure:"database_url"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	Host         string        `mapstructure:"host"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	NoColor bool   `mapstructure:"no_color"`
}

// Load loads the configuration from file, .env, and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file. The name "extractor" avoids colliding with the
	// extraction template, which conventionally lives at ./config.json.
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("extractor")
		v.SetConfigType("yaml")
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
	}

	// Load .env before binding so its values are visible as env vars
	if err := loadEnvFile(); err != nil {
		// .env is optional, log but don't fail
		log.Debug().Err(err).Msg(".env file not loaded")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvPrefix("TM_EXTRACTOR")

	// Bind the service's documented environment variables
	bindEnvVars(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// ValidateForRun checks the settings a run against live services needs.
func (c *Config) ValidateForRun() error {
	if c.RawData.AuthToken == "" {
		return fmt.Errorf("RAWDATA_API_AUTH_TOKEN not set (authentication token for the Raw Data API)")
	}
	if c.Tasking.APIKey == "" {
		log.Warn().Msg("TASKING_MANAGER_API_KEY not set. Private projects may not be accessible")
	}
	return nil
}

// loadEnvFile loads a .env file by parsing KEY=VALUE lines and setting them as
// environment variables
func loadEnvFile() error {
	envPaths := []string{".", "./config"}

	for _, path := range envPaths {
		envFile := fmt.Sprintf("%s/.env", path)
		if _, err := os.Stat(envFile); err == nil {
			if err := loadDotEnvFile(envFile); err == nil {
				return nil
			}
		}
	}
	return fmt.Errorf("no .env file found")
}

// loadDotEnvFile reads a .env file and sets environment variables
func loadDotEnvFile(filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		// Parse KEY=VALUE
		parts := strings.SplitN(line, "=", 2)
		if len(parts) == 2 {
			key := strings.TrimSpace(parts[0])
			value := strings.TrimSpace(parts[1])
			// Remove quotes if present
			value = strings.Trim(value, "\"'")
			os.Setenv(key, value)
		}
	}
	return scanner.Err()
}

// bindEnvVars binds environment variables to config keys
func bindEnvVars(v *viper.Viper) {
	// Raw Data API
	v.BindEnv("rawdata.base_url", "RAW_DATA_API_BASE_URL")
	v.BindEnv("rawdata.auth_token", "RAWDATA_API_AUTH_TOKEN")
	v.BindEnv("rawdata.timeout_seconds", "API_TIMEOUT")
	v.BindEnv("rawdata.max_retries", "API_MAX_RETRIES")
	v.BindEnv("rawdata.backoff_base", "API_BACKOFF_BASE")
	v.BindEnv("rawdata.rate_limit_wait_seconds", "RATE_LIMIT_WAIT")

	// Tasking Manager
	v.BindEnv("tasking.base_url", "TM_API_BASE_URL")
	v.BindEnv("tasking.api_key", "TASKING_MANAGER_API_KEY")
	v.BindEnv("tasking.timeout_seconds", "TM_API_TIMEOUT")

	// Extraction
	v.BindEnv("extract.template_path", "CONFIG_JSON")
	v.BindEnv("extract.poll_interval_seconds", "TASK_POLL_INTERVAL")
	v.BindEnv("extract.max_polls", "TASK_MAX_POLLS")
	v.BindEnv("extract.project_deadline", "PROJECT_DEADLINE")
	v.BindEnv("extract.concurrency", "EXTRACT_CONCURRENCY")
	v.BindEnv("extract.submit_per_second", "SUBMIT_PER_SECOND")

	// Results
	v.BindEnv("results.path", "RESULTS_PATH")
	v.BindEnv("results.database_url", "DATABASE_URL")

	// Server
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.host", "HOST")

	// Logging
	v.BindEnv("logging.level", "LOG_LEVEL")
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Raw Data API defaults
	v.SetDefault("rawdata.base_url", "https://api-prod.raw-data.hotosm.org/v1")
	v.SetDefault("rawdata.timeout_seconds", 10)
	v.SetDefault("rawdata.max_retries", 3)
	v.SetDefault("rawdata.backoff_base", 2)
	v.SetDefault("rawdata.rate_limit_wait_seconds", 61)

	// Tasking Manager defaults
	v.SetDefault("tasking.base_url", "https://tasking-manager-production-api.hotosm.org/api/v2")
	v.SetDefault("tasking.timeout_seconds", 20)

	// Extraction defaults
	v.SetDefault("extract.template_path", "config.json")
	v.SetDefault("extract.poll_interval_seconds", 30)
	v.SetDefault("extract.max_polls", 100)
	v.SetDefault("extract.project_deadline", 1*time.Hour)
	v.SetDefault("extract.concurrency", 4)
	v.SetDefault("extract.submit_per_second", 1.0)

	// Results defaults
	v.SetDefault("results.path", "results.jsonl")

	// Server defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.no_color", false)
}
