package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Telegram application credentials, shared across accounts.
	TelegramAPIID   int
	TelegramAPIHash string

	// Filesystem roots
	MediaRoot   string
	SessionRoot string

	// Rate limiting
	RateLimitMode string // aggressive | balanced | conservative

	// RPC retry
	RPCRetryMaxAttempts int
	RPCRetryDelayBase   time.Duration
	RPCRetryJitter      bool
	RPCTimeout          time.Duration

	// Media pipeline
	MediaWorkers           int
	MediaRetryMaxAttempts  int
	MediaRetryDelayBase    time.Duration
	MediaRetryInterval     time.Duration
	MediaRetryBatchSize    int
	MediaDownloadTimeout   time.Duration
	MediaValidationEnabled bool
	PerceptualHashDistance int

	// Search
	SearchFTSLanguage         string
	SearchFallbackToSubstring bool
	SearchLogFailures         bool

	// Detection
	DetectionCacheSize        int
	DetectionValidatePatterns bool
	DetectionContextChars     int
	DetectorsFile             string // optional YAML with extra detectors

	// Enrichment schedulers
	EnrichmentTimeout       time.Duration
	EnrichmentMaxRetries    int
	EnrichmentBatchSize     int
	EnrichmentWorkers       int
	MemberScrapeInterval    time.Duration
	ProfilePhotoInterval    time.Duration
	StoryScanInterval       time.Duration
	EnrichmentViaSchedulers bool

	// Autojoin
	AutojoinMaxPerDay int
	AutojoinDelay     time.Duration

	// Session event channel
	SessionEventBuffer int

	// Backfill
	BackfillPageSize int

	// Event bus
	BusSubscriberBuffer int
	NatsURL             string // empty disables the NATS mirror

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL:       getEnvOrDefault("DATABASE_URL", "postgres://localhost/dragnet?sslmode=disable"),
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Telegram
		TelegramAPIID:   getEnvAsInt("TELEGRAM_API_ID", 0),
		TelegramAPIHash: getEnvOrDefault("TELEGRAM_API_HASH", ""),

		// Filesystem
		MediaRoot:   getEnvOrDefault("MEDIA_ROOT", "./data/media"),
		SessionRoot: getEnvOrDefault("SESSION_ROOT", "./data/sessions"),

		// Rate limiting
		RateLimitMode: getEnvOrDefault("RATE_LIMIT_MODE", "balanced"),

		// RPC retry
		RPCRetryMaxAttempts: getEnvAsInt("RPC_RETRY_MAX_ATTEMPTS", 5),
		RPCRetryDelayBase:   getEnvAsDuration("RPC_RETRY_DELAY_BASE", time.Second),
		RPCRetryJitter:      getEnvAsBool("RPC_RETRY_JITTER", true),
		RPCTimeout:          getEnvAsDuration("RPC_TIMEOUT", 30*time.Second),

		// Media pipeline
		MediaWorkers:           getEnvAsInt("MEDIA_WORKERS", 4),
		MediaRetryMaxAttempts:  getEnvAsInt("MEDIA_RETRY_MAX_ATTEMPTS", 3),
		MediaRetryDelayBase:    getEnvAsDuration("MEDIA_RETRY_DELAY_BASE", 2*time.Second),
		MediaRetryInterval:     getEnvAsDuration("MEDIA_RETRY_INTERVAL", 5*time.Minute),
		MediaRetryBatchSize:    getEnvAsInt("MEDIA_RETRY_BATCH_SIZE", 50),
		MediaDownloadTimeout:   getEnvAsDuration("MEDIA_DOWNLOAD_TIMEOUT", 30*time.Second),
		MediaValidationEnabled: getEnvAsBool("MEDIA_VALIDATION_ENABLED", true),
		PerceptualHashDistance: getEnvAsInt("PERCEPTUAL_HASH_DISTANCE", 5),

		// Search
		SearchFTSLanguage:         getEnvOrDefault("SEARCH_FTS_LANGUAGE", "es"),
		SearchFallbackToSubstring: getEnvAsBool("SEARCH_FALLBACK_TO_SUBSTRING", true),
		SearchLogFailures:         getEnvAsBool("SEARCH_LOG_FAILURES", true),

		// Detection
		DetectionCacheSize:        getEnvAsInt("DETECTION_CACHE_SIZE", 1000),
		DetectionValidatePatterns: getEnvAsBool("DETECTION_VALIDATE_PATTERNS", true),
		DetectionContextChars:     getEnvAsInt("DETECTION_CONTEXT_CHARS", 40),
		DetectorsFile:             getEnvOrDefault("DETECTORS_FILE", ""),

		// Enrichment
		EnrichmentTimeout:       getEnvAsDuration("USER_ENRICHMENT_TIMEOUT", 30*time.Second),
		EnrichmentMaxRetries:    getEnvAsInt("USER_ENRICHMENT_MAX_RETRIES", 3),
		EnrichmentBatchSize:     getEnvAsInt("USER_ENRICHMENT_BATCH_SIZE", 20),
		EnrichmentWorkers:       getEnvAsInt("USER_ENRICHMENT_WORKERS", 2),
		MemberScrapeInterval:    getEnvAsDuration("MEMBER_SCRAPE_INTERVAL", 12*time.Hour),
		ProfilePhotoInterval:    getEnvAsDuration("PROFILE_PHOTO_INTERVAL", 24*time.Hour),
		StoryScanInterval:       getEnvAsDuration("STORY_SCAN_INTERVAL", 6*time.Hour),
		EnrichmentViaSchedulers: getEnvAsBool("ENRICHMENT_VIA_SCHEDULERS", true),

		// Autojoin
		AutojoinMaxPerDay: getEnvAsInt("AUTOJOIN_MAX_PER_DAY", 20),
		AutojoinDelay:     getEnvAsDuration("AUTOJOIN_DELAY", 5*time.Minute),

		// Session
		SessionEventBuffer: getEnvAsInt("SESSION_EVENT_BUFFER", 1024),

		// Backfill
		BackfillPageSize: getEnvAsInt("BACKFILL_PAGE_SIZE", 100),

		// Event bus
		BusSubscriberBuffer: getEnvAsInt("BUS_SUBSCRIBER_BUFFER", 256),
		NatsURL:             getEnvOrDefault("NATS_URL", ""),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "info"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", ""),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
