package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config centralizes runtime settings for the API and worker processes.
type Config struct {
	Port           string
	AuthToken      string
	CORSOrigins    []string
	RateLimitRPS   float64
	RateLimitBurst int
	MaxUploadMB    int

	DataDir         string
	DefaultLanguage string

	DatabaseURL string
	SQLitePath  string

	QueueBackend       string
	QueueMaxAttempts   int
	QueueLocalBuffer   int
	RedisAddr          string
	RedisPassword      string
	RedisDB            int
	RedisASRStream     string
	RedisSummaryStream string
	RedisDLQSuffix     string
	RedisGroup         string
	RedisConsumer      string
	NATSURL            string
	NATSStream         string
	NATSSubjectPrefix  string

	QueueBatchingEnabled     bool
	QueueBatchSize           int
	QueueBatchFlushMS        int
	QueueBatchFlushTimeoutMS int
	QueueBatchQueueCapacity  int
	QueueBatchMaxInFlight    int

	ASRHandoff            string
	SummaryHandoff        string
	TranscribeServerURL   string
	WorkerAuthToken       string
	HandoffTimeoutMS      int
	RemoteStatusEnabled   bool
	RemoteStatusTimeoutMS int

	PythonBin              string
	WhisperModel           string
	WhisperDevice          string
	WhisperComputeType     string
	WhisperFastMode        bool
	WhisperStartTimeoutSec int
	WorkerEngineEagerStart bool
	TranscribeTimeoutSec   int
	FFmpegPath             string
	FFmpegTimeoutSec       int

	InlineConcurrency     int
	WorkerEnabled         bool
	WorkerStages          []string
	WorkerHTTPEnabled     bool
	TranscribeServerPort  string
	WorkerHTTPConcurrency int

	SummaryProvider        string
	DeepSeekAPIKey         string
	DeepSeekBaseURL        string
	DeepSeekModel          string
	DeepSeekFallbackModel  string
	OpenAIAPIKey           string
	OpenAIBaseURL          string
	SummarySiteURL         string
	SummaryAppName         string
	SummaryTimeoutMS       int
	SummaryMaxRetries      int
	SummaryCacheTTLSeconds int
	SummaryCacheMaxEntries int
	PromptsDir             string

	ShutdownTimeoutSec int
	// LedgerFallbackMemory keeps the process up on a memory ledger when the
	// database is unreachable at start.
	LedgerFallbackMemory bool
}

func Load() Config {
	return Config{
		Port:           getEnv("PORT", "8080"),
		AuthToken:      getEnv("API_AUTH_TOKEN", ""),
		CORSOrigins:    getEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		RateLimitRPS:   getEnvFloat("RATE_LIMIT_RPS", 20),
		RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 40),
		MaxUploadMB:    getEnvInt("MAX_UPLOAD_MB", 512),

		DataDir:         getEnv("DATA_DIR", "data"),
		DefaultLanguage: getEnv("LANG_DEFAULT", "ru"),

		DatabaseURL: getEnv("DATABASE_URL", ""),
		SQLitePath:  getEnv("SQLITE_PATH", ""),

		QueueBackend:       strings.ToLower(getEnv("QUEUE_BACKEND", "local")),
		QueueMaxAttempts:   getEnvInt("QUEUE_MAX_ATTEMPTS", 3),
		QueueLocalBuffer:   getEnvInt("QUEUE_LOCAL_BUFFER", 512),
		RedisAddr:          getEnv("REDIS_ADDR", ""),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		RedisASRStream:     getEnv("REDIS_ASR_STREAM", "meeting_asr"),
		RedisSummaryStream: getEnv("REDIS_SUMMARY_STREAM", "meeting_summarize"),
		RedisDLQSuffix:     getEnv("REDIS_DLQ_SUFFIX", "_dlq"),
		RedisGroup:         getEnv("REDIS_GROUP", "meeting_workers"),
		RedisConsumer:      getEnv("REDIS_CONSUMER", ""),
		NATSURL:            getEnv("NATS_URL", ""),
		NATSStream:         getEnv("NATS_STREAM", "PIPELINE"),
		NATSSubjectPrefix:  getEnv("NATS_SUBJECT_PREFIX", "pipeline"),

		QueueBatchingEnabled:     getEnvBool("QUEUE_BATCHING_ENABLED", false),
		QueueBatchSize:           getEnvInt("QUEUE_BATCH_SIZE", 32),
		QueueBatchFlushMS:        getEnvInt("QUEUE_BATCH_FLUSH_MS", 25),
		QueueBatchFlushTimeoutMS: getEnvInt("QUEUE_BATCH_FLUSH_TIMEOUT_MS", 3000),
		QueueBatchQueueCapacity:  getEnvInt("QUEUE_BATCH_QUEUE_CAPACITY", 2048),
		QueueBatchMaxInFlight:    getEnvInt("QUEUE_BATCH_MAX_IN_FLIGHT", 4),

		ASRHandoff:            strings.ToLower(getEnv("ASR_HANDOFF", "queue")),
		SummaryHandoff:        strings.ToLower(getEnv("SUMMARY_HANDOFF", "queue")),
		TranscribeServerURL:   getEnv("TRANSCRIBE_SERVER_URL", "http://localhost:8002"),
		WorkerAuthToken:       getEnv("WORKER_AUTH_TOKEN", ""),
		HandoffTimeoutMS:      getEnvInt("HANDOFF_TIMEOUT_MS", 30000),
		RemoteStatusEnabled:   getEnvBool("REMOTE_STATUS_ENABLED", false),
		RemoteStatusTimeoutMS: getEnvInt("REMOTE_STATUS_TIMEOUT_MS", 3000),

		PythonBin:              getEnv("PYTHON_BIN", "python3"),
		WhisperModel:           getEnv("WHISPER_MODEL", "medium"),
		WhisperDevice:          getEnv("WHISPER_DEVICE", "cpu"),
		WhisperComputeType:     getEnv("WHISPER_COMPUTE_TYPE", "int8"),
		WhisperFastMode:        getEnvBool("WHISPER_FAST_MODE", false),
		WhisperStartTimeoutSec: getEnvInt("WHISPER_START_TIMEOUT_SECONDS", 600),
		WorkerEngineEagerStart: getEnvBool("WHISPER_EAGER_START", true),
		TranscribeTimeoutSec:   getEnvInt("TRANSCRIBE_TIMEOUT", 0),
		FFmpegPath:             getEnv("FFMPEG_PATH", "ffmpeg"),
		FFmpegTimeoutSec:       getEnvInt("FFMPEG_TIMEOUT_SECONDS", 300),

		InlineConcurrency:     getEnvInt("INLINE_CONCURRENCY", 1),
		WorkerEnabled:         getEnvBool("WORKER_ENABLED", false),
		WorkerStages:          getEnvList("WORKER_STAGES", []string{"asr", "summarize"}),
		WorkerHTTPEnabled:     getEnvBool("WORKER_HTTP_ENABLED", false),
		TranscribeServerPort:  getEnv("TRANSCRIBE_SERVER_PORT", "8002"),
		WorkerHTTPConcurrency: getEnvInt("WORKER_HTTP_CONCURRENCY", 1),

		SummaryProvider:        strings.ToLower(getEnv("SUMMARY_PROVIDER", "deepseek")),
		DeepSeekAPIKey:         getEnv("DEEPSEEK_API_KEY", ""),
		DeepSeekBaseURL:        getEnv("DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1"),
		DeepSeekModel:          getEnv("DEEPSEEK_MODEL", "deepseek-chat"),
		DeepSeekFallbackModel:  getEnv("DEEPSEEK_FALLBACK_MODEL", ""),
		OpenAIAPIKey:           getEnv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:          getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
		SummarySiteURL:         getEnv("SUMMARY_SITE_URL", ""),
		SummaryAppName:         getEnv("SUMMARY_APP_NAME", ""),
		SummaryTimeoutMS:       getEnvInt("SUMMARY_TIMEOUT_MS", 90000),
		SummaryMaxRetries:      getEnvInt("SUMMARY_MAX_RETRIES", 2),
		SummaryCacheTTLSeconds: getEnvInt("SUMMARY_CACHE_TTL_SECONDS", 86400),
		SummaryCacheMaxEntries: getEnvInt("SUMMARY_CACHE_MAX_ENTRIES", 500),
		PromptsDir:             getEnv("PROMPTS_DIR", ""),

		ShutdownTimeoutSec:   getEnvInt("SHUTDOWN_TIMEOUT_SECONDS", 10),
		LedgerFallbackMemory: getEnvBool("LEDGER_FALLBACK_MEMORY", true),
	}
}

// MaxUploadBytes converts MAX_UPLOAD_MB.
func (c Config) MaxUploadBytes() int64 {
	return int64(c.MaxUploadMB) << 20
}

func (c Config) HasStage(stage string) bool {
	for _, configured := range c.WorkerStages {
		if strings.EqualFold(configured, stage) {
			return true
		}
	}
	return false
}

func Millis(value int) time.Duration {
	return time.Duration(value) * time.Millisecond
}

func Seconds(value int) time.Duration {
	return time.Duration(value) * time.Second
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvFloat(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return parsed
}

// getEnvList splits a comma-separated value, dropping empty entries.
func getEnvList(key string, fallback []string) []string {
	value := os.Getenv(key)
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
