package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrPanicEnvNotSet      = errors.New("environment variable not set")
	ErrPanicEnvNotInt      = errors.New("environment variable is not an integer")
	ErrPanicEnvNotDuration = errors.New("environment variable is not a duration")
)

const (
	EnvServerPort       = "TC_SERVER_PORT"
	EnvDatabaseHost     = "TC_DB_HOST"
	EnvDatabasePort     = "TC_DB_PORT"
	EnvDatabaseUser     = "TC_DB_USER"
	EnvDatabasePassword = "TC_DB_PASSWORD"
	EnvDatabaseName     = "TC_DB_NAME"

	EnvStorageEndpoint  = "TC_STORAGE_ENDPOINT"
	EnvStorageAccessKey = "TC_STORAGE_ACCESS_KEY"
	EnvStorageSecretKey = "TC_STORAGE_SECRET_KEY"
	EnvStorageBucket    = "TC_STORAGE_BUCKET"
	EnvStorageUseSSL    = "TC_STORAGE_USE_SSL"

	EnvKafkaBrokers = "TC_KAFKA_BROKERS"
	EnvKafkaTopic   = "TC_KAFKA_TOPIC"

	EnvJobMaxFailures        = "TC_JOB_MAX_FAILURES"
	EnvJobVODStallTimeout    = "TC_JOB_VOD_STALL_TIMEOUT"
	EnvJobLiveStallTimeout   = "TC_JOB_LIVE_STALL_TIMEOUT"
	EnvWatchdogSchedule      = "TC_WATCHDOG_SCHEDULE"
	EnvRunnerContactInterval = "TC_RUNNER_CONTACT_INTERVAL"
)

// Config is the full coordinator configuration, loaded from the
// environment.
type Config struct {
	Server   *ServerConfig
	Database *DatabaseConfig
	Storage  *StorageConfig
	Kafka    *KafkaConfig
	Jobs     *JobsConfig
}

// ServerConfig contains configuration for the HTTP server.
type ServerConfig struct {
	Port int
}

type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
}

// StorageConfig configures the object storage client.
type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// KafkaConfig configures the federation notifier producer.
type KafkaConfig struct {
	Brokers string
	Topic   string
}

// JobsConfig holds the scheduling and supervision knobs. The stall
// thresholds and retry ceiling are deliberately configuration rather
// than constants.
type JobsConfig struct {
	// MaxFailures is the retry ceiling for execution errors.
	MaxFailures int
	// VODStallTimeout is how long a VOD job may stay in processing
	// without a progress report before the watchdog aborts it.
	VODStallTimeout time.Duration
	// LiveStallTimeout is the same threshold for live jobs. Live jobs
	// must be recovered quickly or the stream desyncs, so this is much
	// shorter.
	LiveStallTimeout time.Duration
	// WatchdogSchedule is a cron expression for the stall sweep.
	WatchdogSchedule string
	// RunnerContactInterval is the minimum interval between two
	// last-contact writes for the same runner.
	RunnerContactInterval time.Duration
}

func mustGetenv(key string) string {
	value, ok := os.LookupEnv(key)
	if !ok {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotSet, key))
	}
	return value
}

func mustGetenvAtoi(key string) int {
	valueStr := mustGetenv(key)
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotInt, key))
	}
	return value
}

func getenvDefault(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getenvDefaultAtoi(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotInt, key))
	}
	return n
}

func getenvDefaultDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		panic(fmt.Errorf("%w: %q", ErrPanicEnvNotDuration, key))
	}
	return d
}

// LoadDotenv loads a .env file if one exists next to the binary.
// Missing files are fine, real environments set variables directly.
func LoadDotenv() {
	_ = godotenv.Load()
}

func NewFromEnv() *Config {
	return &Config{
		Server: &ServerConfig{
			Port: mustGetenvAtoi(EnvServerPort),
		},
		Database: &DatabaseConfig{
			Host:     mustGetenv(EnvDatabaseHost),
			Port:     mustGetenvAtoi(EnvDatabasePort),
			User:     mustGetenv(EnvDatabaseUser),
			Password: mustGetenv(EnvDatabasePassword),
			Name:     mustGetenv(EnvDatabaseName),
		},
		Storage: &StorageConfig{
			Endpoint:  getenvDefault(EnvStorageEndpoint, "minio:9000"),
			AccessKey: mustGetenv(EnvStorageAccessKey),
			SecretKey: mustGetenv(EnvStorageSecretKey),
			Bucket:    getenvDefault(EnvStorageBucket, "videos"),
			UseSSL:    getenvDefault(EnvStorageUseSSL, "false") == "true",
		},
		Kafka: &KafkaConfig{
			Brokers: getenvDefault(EnvKafkaBrokers, "kafka:9092"),
			Topic:   getenvDefault(EnvKafkaTopic, "federation.video-updates"),
		},
		Jobs: NewJobsConfigFromEnv(),
	}
}

func NewJobsConfigFromEnv() *JobsConfig {
	return &JobsConfig{
		MaxFailures:           getenvDefaultAtoi(EnvJobMaxFailures, 5),
		VODStallTimeout:       getenvDefaultDuration(EnvJobVODStallTimeout, 30*time.Minute),
		LiveStallTimeout:      getenvDefaultDuration(EnvJobLiveStallTimeout, 2*time.Minute),
		WatchdogSchedule:      getenvDefault(EnvWatchdogSchedule, "* * * * *"),
		RunnerContactInterval: getenvDefaultDuration(EnvRunnerContactInterval, 30*time.Second),
	}
}
