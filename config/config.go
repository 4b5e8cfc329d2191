package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort int
	Database   DatabaseConfig
	Auth       AuthConfig
	Tracking   TrackingConfig
	Storage    StorageConfig
	MQ         MQConfig
	Log        LogConfig
	Fetch      FetchConfig
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	UseSSL   bool
}

type AuthConfig struct {
	JWTSecret      string
	TokenTTL       time.Duration
	LoginRateLimit int
}

// TrackingConfig holds the immutable settings shared by all tracker protocols.
type TrackingConfig struct {
	// Timezone is an IANA zone name; empty means the system zone.
	Timezone string

	// TrackNameTemplate is used when a user has no template of their own.
	TrackNameTemplate string

	// InsertChunkSize bounds the number of rows per bulk insert statement.
	InsertChunkSize int

	SessionTTL    time.Duration
	MaxUploadSize int64

	TrackMeSlug      string
	TrackserverSlug  string
	ULoggerSlug      string
	OsmAndSlug       string
	SendLocationSlug string
}

type StorageConfig struct {
	Backend string // "filesystem", "minio" or "gcs"

	// StagingExpiryDays is how long abandoned GPX uploads survive in the
	// bucket before the lifecycle rule removes them.
	StagingExpiryDays int

	Filesystem FilesystemConfig
	Minio      MinioConfig
	GCS        GCSConfig
}

type FilesystemConfig struct {
	Root string
}

type MinioConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type GCSConfig struct {
	Bucket          string
	ProjectID       string
	CredentialsFile string
}

type MQConfig struct {
	Backend  string // "", "rabbitmq" or "pubsub"
	Channel  string
	RabbitMQ RabbitMQConfig
	PubSub   PubSubConfig
}

type RabbitMQConfig struct {
	URL string

	// Exchange is the topic exchange location events are routed through.
	Exchange        string
	PrefetchCount   int
	QueueDurable    bool
	QueueAutoDelete bool
}

type PubSubConfig struct {
	ProjectID          string
	CredentialsFile    string
	SubscriptionSuffix string
}

type LogConfig struct {
	Level  string
	Format string
}

type FetchConfig struct {
	AvatarsEnabled bool
	AvatarBaseURL  string
	Timeout        time.Duration
	MaxBytes       int64
}

func LoadConfig() Config {
	if os.Getenv("ENV") == "dev" {
		godotenv.Load()
	}

	dbConfig := DatabaseConfig{
		Host:     getEnv("DB_HOST", "localhost"),
		Port:     getEnvInt("DB_PORT", 5432),
		User:     getEnv("DB_USER", "trackserver"),
		Password: getEnv("DB_PASSWORD", "password"),
		DBName:   getEnv("DB_NAME", "trackserver"),
		UseSSL:   getEnvBool("DB_SSL", false),
	}

	return Config{
		ServerPort: getEnvInt("SERVER_PORT", 8080),
		Database:   dbConfig,
		Auth: AuthConfig{
			JWTSecret:      strings.TrimSpace(getEnv("JWT_SECRET", "")),
			TokenTTL:       getEnvDuration("JWT_TTL", 24*time.Hour),
			LoginRateLimit: getEnvInt("LOGIN_RATE_LIMIT", 10),
		},
		Tracking: TrackingConfig{
			Timezone:          getEnv("TRACKSERVER_TIMEZONE", ""),
			TrackNameTemplate: getEnv("TRACKSERVER_TRACK_NAME_TEMPLATE", "{source} %F"),
			InsertChunkSize:   getEnvInt("TRACKSERVER_INSERT_CHUNK_SIZE", 500),
			SessionTTL:        getEnvDuration("TRACKSERVER_SESSION_TTL", 12*time.Hour),
			MaxUploadSize:     int64(getEnvInt("TRACKSERVER_MAX_UPLOAD_SIZE", 32<<20)),
			TrackMeSlug:       getEnv("TRACKSERVER_TRACKME_SLUG", "trackme"),
			TrackserverSlug:   getEnv("TRACKSERVER_SLUG", "ts"),
			ULoggerSlug:       getEnv("TRACKSERVER_ULOGGER_SLUG", "ulogger"),
			OsmAndSlug:        getEnv("TRACKSERVER_OSMAND_SLUG", "osmand"),
			SendLocationSlug:  getEnv("TRACKSERVER_SENDLOCATION_SLUG", "sendlocation"),
		},
		Storage: StorageConfig{
			Backend:           getEnv("STORAGE_BACKEND", "filesystem"),
			StagingExpiryDays: getEnvInt("STORAGE_STAGING_EXPIRY_DAYS", 1),
			Filesystem: FilesystemConfig{
				Root: getEnv("STORAGE_FS_ROOT", os.TempDir()),
			},
			Minio: MinioConfig{
				Endpoint:  getEnv("MINIO_ENDPOINT", ""),
				AccessKey: getEnv("MINIO_ACCESS_KEY", ""),
				SecretKey: getEnv("MINIO_SECRET_KEY", ""),
				Bucket:    getEnv("MINIO_BUCKET", "trackserver"),
				UseSSL:    getEnvBool("MINIO_USE_SSL", false),
			},
			GCS: GCSConfig{
				Bucket:          getEnv("GCS_BUCKET", ""),
				ProjectID:       getEnv("GCS_PROJECT_ID", ""),
				CredentialsFile: getEnv("GCS_CREDENTIALS_FILE", ""),
			},
		},
		MQ: MQConfig{
			Backend: getEnv("MQ_BACKEND", ""),
			Channel: getEnv("MQ_LOCATION_CHANNEL", "locations"),
			RabbitMQ: RabbitMQConfig{
				URL:             getEnv("RABBITMQ_URL", ""),
				Exchange:        getEnv("RABBITMQ_EXCHANGE", "trackserver.events"),
				PrefetchCount:   getEnvInt("RABBITMQ_PREFETCH", 10),
				QueueDurable:    getEnvBool("RABBITMQ_QUEUE_DURABLE", true),
				QueueAutoDelete: getEnvBool("RABBITMQ_QUEUE_AUTO_DELETE", false),
			},
			PubSub: PubSubConfig{
				ProjectID:          getEnv("PUBSUB_PROJECT_ID", ""),
				CredentialsFile:    getEnv("PUBSUB_CREDENTIALS_FILE", ""),
				SubscriptionSuffix: getEnv("PUBSUB_SUBSCRIPTION_SUFFIX", "-sub"),
			},
		},
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Fetch: FetchConfig{
			AvatarsEnabled: getEnvBool("AVATARS_ENABLED", false),
			AvatarBaseURL:  getEnv("AVATAR_BASE_URL", "https://www.gravatar.com/avatar/"),
			Timeout:        getEnvDuration("FETCH_TIMEOUT", 10*time.Second),
			MaxBytes:       int64(getEnvInt("FETCH_MAX_BYTES", 16<<20)),
		},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(key); exists {
		var value int
		fmt.Sscanf(valueStr, "%d", &value)
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(key); exists {
		switch strings.ToLower(strings.TrimSpace(valueStr)) {
		case "1", "true", "yes", "on":
			return true
		default:
			return false
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(key); exists {
		value, err := time.ParseDuration(strings.TrimSpace(valueStr))
		if err != nil {
			return defaultValue
		}
		return value
	}
	return defaultValue
}
