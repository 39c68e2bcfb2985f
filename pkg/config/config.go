package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"voiceprobe/pkg/errors"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config represents the complete application configuration
type Config struct {
	Logging        LoggingConfig        `json:"logging"`
	HTTP           HTTPConfig           `json:"http"`
	STT            STTConfig            `json:"stt"`
	TTS            TTSConfig            `json:"tts"`
	LLM            LLMConfig            `json:"llm"`
	Retry          RetryConfig          `json:"retry"`
	CircuitBreaker CircuitBreakerConfig `json:"circuit_breaker"`
	Cache          CacheConfig          `json:"cache"`
	Reporting      ReportingConfig      `json:"reporting"`
	Tracing        TracingConfig        `json:"tracing"`
	Engine         EngineConfig         `json:"engine"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	// Log level
	Level string `json:"level" env:"LOG_LEVEL" default:"info"`

	// Log format (json or text)
	Format string `json:"format" env:"LOG_FORMAT" default:"json"`

	// Log output file (empty = stdout)
	OutputFile string `json:"output_file" env:"LOG_OUTPUT_FILE"`
}

// HTTPConfig holds the API server configuration
type HTTPConfig struct {
	Port          int           `json:"port" env:"HTTP_PORT" default:"8080"`
	Enabled       bool          `json:"enabled" env:"HTTP_ENABLED" default:"true"`
	EnableMetrics bool          `json:"enable_metrics" env:"HTTP_ENABLE_METRICS" default:"true"`
	EnableAPI     bool          `json:"enable_api" env:"HTTP_ENABLE_API" default:"true"`
	ReadTimeout   time.Duration `json:"read_timeout" env:"HTTP_READ_TIMEOUT" default:"10s"`
	WriteTimeout  time.Duration `json:"write_timeout" env:"HTTP_WRITE_TIMEOUT" default:"30s"`
	// MaxConcurrentRuns bounds runs accepted through the API.
	MaxConcurrentRuns int `json:"max_concurrent_runs" env:"HTTP_MAX_CONCURRENT_RUNS" default:"4"`
	// SubmitRate limits run submissions per client per second; 0 disables.
	SubmitRate  float64   `json:"submit_rate" env:"HTTP_SUBMIT_RATE" default:"1"`
	SubmitBurst int       `json:"submit_burst" env:"HTTP_SUBMIT_BURST" default:"5"`
	TLS         TLSConfig `json:"tls"`
}

// STTConfig selects and configures the speech-to-text providers
type STTConfig struct {
	// Default STT vendor
	DefaultVendor string `json:"default_vendor" env:"STT_PROVIDER" default:"deepgram"`

	// Fall back to the other enabled vendors when the default fails
	EnableFallback bool `json:"enable_fallback" env:"STT_ENABLE_FALLBACK" default:"false"`

	Deepgram   DeepgramSTTConfig   `json:"deepgram"`
	OpenAI     OpenAISTTConfig     `json:"openai"`
	ElevenLabs ElevenLabsSTTConfig `json:"elevenlabs"`
	Google     GoogleSTTConfig     `json:"google"`
	Amazon     AmazonSTTConfig     `json:"amazon"`
}

// DeepgramSTTConfig holds Deepgram pre-recorded API configuration
type DeepgramSTTConfig struct {
	Enabled  bool          `json:"enabled" env:"DEEPGRAM_STT_ENABLED"`
	APIKey   string        `json:"api_key" env:"DEEPGRAM_API_KEY"`
	BaseURL  string        `json:"base_url" env:"DEEPGRAM_BASE_URL" default:"https://api.deepgram.com"`
	Model    string        `json:"model" env:"DEEPGRAM_MODEL" default:"nova-2"`
	Language string        `json:"language" env:"DEEPGRAM_LANGUAGE" default:"en"`
	Timeout  time.Duration `json:"timeout" env:"DEEPGRAM_TIMEOUT" default:"30s"`
}

// OpenAISTTConfig holds OpenAI transcription API configuration
type OpenAISTTConfig struct {
	Enabled  bool          `json:"enabled" env:"OPENAI_STT_ENABLED"`
	APIKey   string        `json:"api_key" env:"OPENAI_API_KEY"`
	BaseURL  string        `json:"base_url" env:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	Model    string        `json:"model" env:"OPENAI_STT_MODEL" default:"whisper-1"`
	Language string        `json:"language" env:"OPENAI_STT_LANGUAGE"`
	Timeout  time.Duration `json:"timeout" env:"OPENAI_STT_TIMEOUT" default:"30s"`
}

// ElevenLabsSTTConfig holds ElevenLabs speech-to-text configuration
type ElevenLabsSTTConfig struct {
	Enabled  bool          `json:"enabled" env:"ELEVENLABS_STT_ENABLED"`
	APIKey   string        `json:"api_key" env:"ELEVENLABS_API_KEY"`
	BaseURL  string        `json:"base_url" env:"ELEVENLABS_BASE_URL" default:"https://api.elevenlabs.io"`
	ModelID  string        `json:"model_id" env:"ELEVENLABS_STT_MODEL_ID" default:"scribe_v1"`
	Language string        `json:"language" env:"ELEVENLABS_STT_LANGUAGE"`
	Timeout  time.Duration `json:"timeout" env:"ELEVENLABS_STT_TIMEOUT" default:"45s"`
}

// GoogleSTTConfig holds Google Speech-to-Text configuration
type GoogleSTTConfig struct {
	Enabled                    bool   `json:"enabled" env:"GOOGLE_STT_ENABLED"`
	APIKey                     string `json:"api_key" env:"GOOGLE_STT_API_KEY"`
	CredentialsFile            string `json:"credentials_file" env:"GOOGLE_APPLICATION_CREDENTIALS"`
	Language                   string `json:"language" env:"GOOGLE_STT_LANGUAGE" default:"en-US"`
	Model                      string `json:"model" env:"GOOGLE_STT_MODEL" default:"phone_call"`
	EnhancedModels             bool   `json:"enhanced_models" env:"GOOGLE_STT_ENHANCED" default:"true"`
	EnableAutomaticPunctuation bool   `json:"enable_automatic_punctuation" env:"GOOGLE_STT_PUNCTUATION" default:"true"`
}

// AmazonSTTConfig holds Amazon Transcribe streaming configuration
type AmazonSTTConfig struct {
	Enabled         bool   `json:"enabled" env:"AMAZON_STT_ENABLED"`
	AccessKeyID     string `json:"access_key_id" env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `json:"region" env:"AWS_REGION" default:"us-east-1"`
	Language        string `json:"language" env:"AMAZON_STT_LANGUAGE" default:"en-US"`
}

// TTSConfig configures stimulus synthesis
type TTSConfig struct {
	Provider   string              `json:"provider" env:"TTS_PROVIDER" default:"openai"`
	OpenAI     OpenAITTSConfig     `json:"openai"`
	ElevenLabs ElevenLabsTTSConfig `json:"elevenlabs"`
}

// OpenAITTSConfig holds OpenAI speech API configuration
type OpenAITTSConfig struct {
	APIKey  string        `json:"api_key" env:"OPENAI_API_KEY"`
	BaseURL string        `json:"base_url" env:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
	Model   string        `json:"model" env:"OPENAI_TTS_MODEL" default:"gpt-4o-mini-tts"`
	Voice   string        `json:"voice" env:"OPENAI_TTS_VOICE" default:"alloy"`
	Timeout time.Duration `json:"timeout" env:"OPENAI_TTS_TIMEOUT" default:"30s"`
}

// ElevenLabsTTSConfig holds ElevenLabs text-to-speech configuration
type ElevenLabsTTSConfig struct {
	APIKey  string        `json:"api_key" env:"ELEVENLABS_API_KEY"`
	BaseURL string        `json:"base_url" env:"ELEVENLABS_BASE_URL" default:"https://api.elevenlabs.io"`
	ModelID string        `json:"model_id" env:"ELEVENLABS_TTS_MODEL_ID" default:"eleven_turbo_v2_5"`
	VoiceID string        `json:"voice_id" env:"ELEVENLABS_VOICE_ID"`
	Timeout time.Duration `json:"timeout" env:"ELEVENLABS_TTS_TIMEOUT" default:"30s"`
}

// LLMConfig configures the OpenAI-compatible endpoint used by the caller simulator and judge
type LLMConfig struct {
	BaseURL     string        `json:"base_url" env:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
	APIKey      string        `json:"api_key" env:"LLM_API_KEY"`
	CallerModel string        `json:"caller_model" env:"LLM_CALLER_MODEL" default:"gpt-4o-mini"`
	JudgeModel  string        `json:"judge_model" env:"LLM_JUDGE_MODEL" default:"gpt-4o"`
	Temperature float64       `json:"temperature" env:"LLM_CALLER_TEMPERATURE" default:"0.7"`
	Timeout     time.Duration `json:"timeout" env:"LLM_TIMEOUT" default:"60s"`
}

// RetryConfig controls retries of external service calls
type RetryConfig struct {
	MaxAttempts  int           `json:"max_attempts" env:"RETRY_MAX_ATTEMPTS" default:"3"`
	InitialDelay time.Duration `json:"initial_delay" env:"RETRY_INITIAL_DELAY" default:"500ms"`
	MaxDelay     time.Duration `json:"max_delay" env:"RETRY_MAX_DELAY" default:"8s"`
	Multiplier   float64       `json:"multiplier" env:"RETRY_MULTIPLIER" default:"2.0"`
	Jitter       float64       `json:"jitter" env:"RETRY_JITTER" default:"0.25"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services
type CircuitBreakerConfig struct {
	Enabled          bool          `json:"enabled" env:"CIRCUIT_BREAKER_ENABLED" default:"true"`
	FailureThreshold int           `json:"failure_threshold" env:"CIRCUIT_BREAKER_FAILURE_THRESHOLD" default:"5"`
	Timeout          time.Duration `json:"timeout" env:"CIRCUIT_BREAKER_TIMEOUT" default:"30s"`
	HalfOpenRequests int           `json:"half_open_requests" env:"CIRCUIT_BREAKER_HALF_OPEN_REQUESTS" default:"1"`
}

// CacheConfig configures the synthesized-audio cache
type CacheConfig struct {
	Enabled    bool          `json:"enabled" env:"TTS_CACHE_ENABLED" default:"true"`
	RedisURL   string        `json:"redis_url" env:"REDIS_URL"`
	KeyPrefix  string        `json:"key_prefix" env:"TTS_CACHE_PREFIX" default:"voiceprobe:tts:"`
	TTL        time.Duration `json:"ttl" env:"TTS_CACHE_TTL" default:"24h"`
	MaxEntries int           `json:"max_entries" env:"TTS_CACHE_MAX_ENTRIES" default:"256"`
}

// ReportingConfig configures result delivery
type ReportingConfig struct {
	CallbackURL   string        `json:"callback_url" env:"RESULT_CALLBACK_URL"`
	CallbackToken string        `json:"-" env:"RESULT_CALLBACK_TOKEN"`
	Timeout       time.Duration `json:"timeout" env:"RESULT_CALLBACK_TIMEOUT" default:"10s"`
	AMQP          AMQPConfig    `json:"amqp"`
}

// AMQPConfig holds the result publisher configuration
type AMQPConfig struct {
	URL        string `json:"url" env:"AMQP_URL"`
	Exchange   string `json:"exchange" env:"AMQP_EXCHANGE" default:"voiceprobe"`
	RoutingKey string `json:"routing_key" env:"AMQP_ROUTING_KEY" default:"runs"`
	Durable    bool   `json:"durable" env:"AMQP_DURABLE" default:"true"`
}

// TracingConfig holds OpenTelemetry tracing configuration
type TracingConfig struct {
	Enabled     bool    `json:"enabled" env:"OTEL_TRACING_ENABLED" default:"false"`
	Endpoint    string  `json:"endpoint" env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Insecure    bool    `json:"insecure" env:"OTEL_EXPORTER_OTLP_INSECURE" default:"false"`
	ServiceName string  `json:"service_name" env:"OTEL_SERVICE_NAME" default:"voiceprobe"`
	SampleRatio float64 `json:"sample_ratio" env:"OTEL_TRACES_SAMPLER_RATIO" default:"1.0"`
}

// EngineConfig holds defaults for test execution
type EngineConfig struct {
	// VADThreshold is the normalized chunk energy that counts as speech
	VADThreshold float64 `json:"vad_threshold" env:"VAD_ENERGY_THRESHOLD" default:"0.0001"`

	// ResponseTimeout bounds a single turn collection
	ResponseTimeout time.Duration `json:"response_timeout" env:"RESPONSE_TIMEOUT" default:"20s"`

	// HealthCheckAttempts and HealthCheckTimeout govern the pre-run health check
	HealthCheckAttempts int           `json:"health_check_attempts" env:"HEALTH_CHECK_ATTEMPTS" default:"3"`
	HealthCheckTimeout  time.Duration `json:"health_check_timeout" env:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// RetainAudio keeps per-turn audio for VAD-based conversation metrics
	RetainAudio bool `json:"retain_audio" env:"RETAIN_TURN_AUDIO" default:"true"`
}

// Load loads the configuration from environment variables and .env file
func Load(logger *logrus.Logger) (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		logger.WithError(err).Warn("Failed to get current working directory")
		wd = "unknown"
	}

	possibleEnvFiles := []string{
		".env",
		"../.env",
		filepath.Join(wd, ".env"),
	}

	var loadedFrom string
	for _, envFile := range possibleEnvFiles {
		if _, statErr := os.Stat(envFile); statErr == nil {
			absPath, _ := filepath.Abs(envFile)
			logger.WithField("path", absPath).Debug("Attempting to load .env file")

			if loadErr := godotenv.Load(envFile); loadErr == nil {
				loadedFrom = absPath
				break
			}
		}
	}

	if loadedFrom != "" {
		logger.WithFields(logrus.Fields{
			"working_dir": wd,
			"path":        loadedFrom,
		}).Info("Successfully loaded .env file")
	} else {
		logger.WithField("working_dir", wd).Debug("No .env file found, using environment variables only")
	}

	config := &Config{}

	loadLoggingConfig(logger, &config.Logging)
	loadHTTPConfig(&config.HTTP)

	if err := loadSTTConfig(logger, &config.STT); err != nil {
		return nil, errors.Wrap(err, "failed to load STT configuration")
	}
	loadTTSConfig(&config.TTS)
	loadLLMConfig(&config.LLM)
	loadRetryConfig(logger, &config.Retry)
	loadCircuitBreakerConfig(&config.CircuitBreaker)
	loadCacheConfig(&config.Cache)
	loadReportingConfig(&config.Reporting)
	loadTracingConfig(&config.Tracing)
	loadEngineConfig(&config.Engine)

	if err := validateConfig(logger, config); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	return config, nil
}

func loadLoggingConfig(logger *logrus.Logger, config *LoggingConfig) {
	config.Level = getEnv("LOG_LEVEL", "info")
	if _, err := logrus.ParseLevel(config.Level); err != nil {
		logger.Warnf("Invalid LOG_LEVEL '%s', defaulting to 'info'", config.Level)
		config.Level = "info"
	}

	config.Format = getEnv("LOG_FORMAT", "json")
	if config.Format != "json" && config.Format != "text" {
		logger.Warn("Invalid LOG_FORMAT, must be 'json' or 'text', defaulting to 'json'")
		config.Format = "json"
	}

	config.OutputFile = getEnv("LOG_OUTPUT_FILE", "")
}

func loadHTTPConfig(config *HTTPConfig) {
	config.Port = getEnvInt("HTTP_PORT", 8080)
	config.Enabled = getEnvBool("HTTP_ENABLED", true)
	config.EnableMetrics = getEnvBool("HTTP_ENABLE_METRICS", true)
	config.EnableAPI = getEnvBool("HTTP_ENABLE_API", true)
	config.ReadTimeout = getEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second)
	config.WriteTimeout = getEnvDuration("HTTP_WRITE_TIMEOUT", 30*time.Second)
	config.MaxConcurrentRuns = getEnvInt("HTTP_MAX_CONCURRENT_RUNS", 4)
	config.SubmitRate = getEnvFloat("HTTP_SUBMIT_RATE", 1)
	config.SubmitBurst = getEnvInt("HTTP_SUBMIT_BURST", 5)
	loadTLSConfig(&config.TLS)
}

func loadSTTConfig(logger *logrus.Logger, config *STTConfig) error {
	config.DefaultVendor = strings.ToLower(getEnv("STT_PROVIDER", "deepgram"))
	config.EnableFallback = getEnvBool("STT_ENABLE_FALLBACK", false)

	config.Deepgram = DeepgramSTTConfig{
		APIKey:   getEnv("DEEPGRAM_API_KEY", ""),
		BaseURL:  getEnv("DEEPGRAM_BASE_URL", "https://api.deepgram.com"),
		Model:    getEnv("DEEPGRAM_MODEL", "nova-2"),
		Language: getEnv("DEEPGRAM_LANGUAGE", "en"),
		Timeout:  getEnvDuration("DEEPGRAM_TIMEOUT", 30*time.Second),
	}
	config.Deepgram.Enabled = getEnvBool("DEEPGRAM_STT_ENABLED", config.Deepgram.APIKey != "")

	config.OpenAI = OpenAISTTConfig{
		APIKey:   getEnv("OPENAI_API_KEY", ""),
		BaseURL:  getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Model:    getEnv("OPENAI_STT_MODEL", "whisper-1"),
		Language: getEnv("OPENAI_STT_LANGUAGE", ""),
		Timeout:  getEnvDuration("OPENAI_STT_TIMEOUT", 30*time.Second),
	}
	config.OpenAI.Enabled = getEnvBool("OPENAI_STT_ENABLED", config.OpenAI.APIKey != "")

	config.ElevenLabs = ElevenLabsSTTConfig{
		APIKey:   getEnv("ELEVENLABS_API_KEY", ""),
		BaseURL:  getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ModelID:  getEnv("ELEVENLABS_STT_MODEL_ID", "scribe_v1"),
		Language: getEnv("ELEVENLABS_STT_LANGUAGE", ""),
		Timeout:  getEnvDuration("ELEVENLABS_STT_TIMEOUT", 45*time.Second),
	}
	config.ElevenLabs.Enabled = getEnvBool("ELEVENLABS_STT_ENABLED", config.ElevenLabs.APIKey != "")

	config.Google = GoogleSTTConfig{
		APIKey:                     getEnv("GOOGLE_STT_API_KEY", ""),
		CredentialsFile:            getEnv("GOOGLE_APPLICATION_CREDENTIALS", ""),
		Language:                   getEnv("GOOGLE_STT_LANGUAGE", "en-US"),
		Model:                      getEnv("GOOGLE_STT_MODEL", "phone_call"),
		EnhancedModels:             getEnvBool("GOOGLE_STT_ENHANCED", true),
		EnableAutomaticPunctuation: getEnvBool("GOOGLE_STT_PUNCTUATION", true),
	}
	config.Google.Enabled = getEnvBool("GOOGLE_STT_ENABLED", false)

	config.Amazon = AmazonSTTConfig{
		AccessKeyID:     getEnv("AWS_ACCESS_KEY_ID", ""),
		SecretAccessKey: getEnv("AWS_SECRET_ACCESS_KEY", ""),
		Region:          getEnv("AWS_REGION", "us-east-1"),
		Language:        getEnv("AMAZON_STT_LANGUAGE", "en-US"),
	}
	config.Amazon.Enabled = getEnvBool("AMAZON_STT_ENABLED", false)

	switch config.DefaultVendor {
	case "deepgram", "openai", "elevenlabs", "google", "amazon-transcribe":
	default:
		return errors.NewInvalidInput(fmt.Sprintf("unsupported STT_PROVIDER %q", config.DefaultVendor))
	}

	logger.WithFields(logrus.Fields{
		"default_vendor": config.DefaultVendor,
		"fallback":       config.EnableFallback,
	}).Debug("Loaded STT configuration")
	return nil
}

func loadTTSConfig(config *TTSConfig) {
	config.Provider = strings.ToLower(getEnv("TTS_PROVIDER", "openai"))
	config.OpenAI = OpenAITTSConfig{
		APIKey:  getEnv("OPENAI_API_KEY", ""),
		BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		Model:   getEnv("OPENAI_TTS_MODEL", "gpt-4o-mini-tts"),
		Voice:   getEnv("OPENAI_TTS_VOICE", "alloy"),
		Timeout: getEnvDuration("OPENAI_TTS_TIMEOUT", 30*time.Second),
	}
	config.ElevenLabs = ElevenLabsTTSConfig{
		APIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		BaseURL: getEnv("ELEVENLABS_BASE_URL", "https://api.elevenlabs.io"),
		ModelID: getEnv("ELEVENLABS_TTS_MODEL_ID", "eleven_turbo_v2_5"),
		VoiceID: getEnv("ELEVENLABS_VOICE_ID", ""),
		Timeout: getEnvDuration("ELEVENLABS_TTS_TIMEOUT", 30*time.Second),
	}
}

func loadLLMConfig(config *LLMConfig) {
	config.BaseURL = getEnv("LLM_BASE_URL", "https://api.openai.com/v1")
	config.APIKey = getEnv("LLM_API_KEY", getEnv("OPENAI_API_KEY", ""))
	config.CallerModel = getEnv("LLM_CALLER_MODEL", "gpt-4o-mini")
	config.JudgeModel = getEnv("LLM_JUDGE_MODEL", "gpt-4o")
	config.Temperature = getEnvFloat("LLM_CALLER_TEMPERATURE", 0.7)
	config.Timeout = getEnvDuration("LLM_TIMEOUT", 60*time.Second)
}

func loadRetryConfig(logger *logrus.Logger, config *RetryConfig) {
	config.MaxAttempts = getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	config.InitialDelay = getEnvDuration("RETRY_INITIAL_DELAY", 500*time.Millisecond)
	config.MaxDelay = getEnvDuration("RETRY_MAX_DELAY", 8*time.Second)
	config.Multiplier = getEnvFloat("RETRY_MULTIPLIER", 2.0)
	config.Jitter = getEnvFloat("RETRY_JITTER", 0.25)

	if config.MaxAttempts < 1 {
		logger.Warn("RETRY_MAX_ATTEMPTS must be at least 1, using 1")
		config.MaxAttempts = 1
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		logger.Warn("RETRY_JITTER must be within [0, 1], using 0.25")
		config.Jitter = 0.25
	}
}

func loadCircuitBreakerConfig(config *CircuitBreakerConfig) {
	config.Enabled = getEnvBool("CIRCUIT_BREAKER_ENABLED", true)
	config.FailureThreshold = getEnvInt("CIRCUIT_BREAKER_FAILURE_THRESHOLD", 5)
	config.Timeout = getEnvDuration("CIRCUIT_BREAKER_TIMEOUT", 30*time.Second)
	config.HalfOpenRequests = getEnvInt("CIRCUIT_BREAKER_HALF_OPEN_REQUESTS", 1)
}

func loadCacheConfig(config *CacheConfig) {
	config.Enabled = getEnvBool("TTS_CACHE_ENABLED", true)
	config.RedisURL = getEnv("REDIS_URL", "")
	config.KeyPrefix = getEnv("TTS_CACHE_PREFIX", "voiceprobe:tts:")
	config.TTL = getEnvDuration("TTS_CACHE_TTL", 24*time.Hour)
	config.MaxEntries = getEnvInt("TTS_CACHE_MAX_ENTRIES", 256)
}

func loadReportingConfig(config *ReportingConfig) {
	config.CallbackURL = getEnv("RESULT_CALLBACK_URL", "")
	config.CallbackToken = getEnv("RESULT_CALLBACK_TOKEN", "")
	config.Timeout = getEnvDuration("RESULT_CALLBACK_TIMEOUT", 10*time.Second)
	config.AMQP = AMQPConfig{
		URL:        getEnv("AMQP_URL", ""),
		Exchange:   getEnv("AMQP_EXCHANGE", "voiceprobe"),
		RoutingKey: getEnv("AMQP_ROUTING_KEY", "runs"),
		Durable:    getEnvBool("AMQP_DURABLE", true),
	}
}

func loadTracingConfig(config *TracingConfig) {
	config.Enabled = getEnvBool("OTEL_TRACING_ENABLED", false)
	config.Endpoint = getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	config.Insecure = getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", false)
	config.ServiceName = getEnv("OTEL_SERVICE_NAME", "voiceprobe")
	config.SampleRatio = getEnvFloat("OTEL_TRACES_SAMPLER_RATIO", 1.0)
}

func loadEngineConfig(config *EngineConfig) {
	config.VADThreshold = getEnvFloat("VAD_ENERGY_THRESHOLD", 0.0001)
	config.ResponseTimeout = getEnvDuration("RESPONSE_TIMEOUT", 20*time.Second)
	config.HealthCheckAttempts = getEnvInt("HEALTH_CHECK_ATTEMPTS", 3)
	config.HealthCheckTimeout = getEnvDuration("HEALTH_CHECK_TIMEOUT", 5*time.Second)
	config.RetainAudio = getEnvBool("RETAIN_TURN_AUDIO", true)
}

// validateConfig validates the loaded configuration
func validateConfig(logger *logrus.Logger, config *Config) error {
	if config.HTTP.Enabled && (config.HTTP.Port < 1 || config.HTTP.Port > 65535) {
		return errors.NewInvalidInput(fmt.Sprintf("HTTP_PORT out of range: %d", config.HTTP.Port))
	}

	if config.HTTP.TLS.Enabled && (config.HTTP.TLS.CertFile == "" || config.HTTP.TLS.KeyFile == "") {
		return errors.NewInvalidInput("HTTP_TLS_ENABLED requires HTTP_TLS_CERT_FILE and HTTP_TLS_KEY_FILE")
	}

	if config.Logging.OutputFile != "" {
		f, err := os.OpenFile(config.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("cannot write to log file: %s", config.Logging.OutputFile))
		}
		f.Close()
	}

	if config.Engine.VADThreshold <= 0 || config.Engine.VADThreshold >= 1 {
		return errors.NewInvalidInput(fmt.Sprintf("VAD_ENERGY_THRESHOLD must be within (0, 1), got %v", config.Engine.VADThreshold))
	}

	if config.Tracing.Enabled && config.Tracing.Endpoint == "" {
		logger.Warn("OTEL_TRACING_ENABLED is set without OTEL_EXPORTER_OTLP_ENDPOINT; using exporter defaults")
	}

	if config.CircuitBreaker.Enabled && config.CircuitBreaker.FailureThreshold < 1 {
		return errors.NewInvalidInput("CIRCUIT_BREAKER_FAILURE_THRESHOLD must be at least 1")
	}

	return nil
}

// ApplyLogging applies the logging configuration to the logger
func (c *Config) ApplyLogging(logger *logrus.Logger) error {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		return errors.Wrap(err, fmt.Sprintf("invalid log level: %s", c.Logging.Level))
	}
	logger.SetLevel(level)

	if c.Logging.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339Nano,
		})
	}

	if c.Logging.OutputFile != "" {
		f, err := os.OpenFile(c.Logging.OutputFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return errors.Wrap(err, fmt.Sprintf("failed to open log file: %s", c.Logging.OutputFile))
		}
		logger.SetOutput(f)
	} else {
		logger.SetOutput(os.Stdout)
	}

	return nil
}

// Helper function to get an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// Helper function to get a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	switch strings.ToLower(value) {
	case "true", "yes", "1", "on":
		return true
	case "false", "no", "0", "off":
		return false
	default:
		return defaultValue
	}
}

// Helper function to get an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}

	return intValue
}

// Helper function to get a duration environment variable with a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	duration, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}

	return duration
}

// getEnvFloat retrieves an environment variable and converts it to float64
func getEnvFloat(key string, defaultValue float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	floatValue, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return defaultValue
	}

	return floatValue
}
