package config

import (
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/redis/go-redis/v9"

	"github.com/instill-ai/x/temporal"
)

// Config - Global variable to export
var Config AppConfig

// AppConfig defines
type AppConfig struct {
	Server        ServerConfig          `koanf:"server"`
	Database      DatabaseConfig        `koanf:"database"`
	Temporal      temporal.ClientConfig `koanf:"temporal"`
	Cache         CacheConfig           `koanf:"cache"`
	OTELCollector OTELCollectorConfig   `koanf:"otelcollector"`
	Minio         MinioConfig           `koanf:"minio"`
	GCS           GCSConfig             `koanf:"gcs"`
	Tool          ToolConfig            `koanf:"tool"`
	Execution     ExecutionConfig       `koanf:"execution"`
	Metrics       MetricsConfig         `koanf:"metrics"`
	Events        EventsConfig          `koanf:"events"`
}

// ServerConfig defines the process-level configuration
type ServerConfig struct {
	Debug bool `koanf:"debug"`
	// Lanes lists the task queues served by a worker process. Empty means
	// every lane.
	Lanes []string `koanf:"lanes"`
}

// DatabaseConfig related to database
type DatabaseConfig struct {
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Name     string `koanf:"name"`
	Version  uint   `koanf:"version"`
	TimeZone string `koanf:"timezone"`
	Pool     struct {
		IdleConnections int           `koanf:"idleconnections"`
		MaxConnections  int           `koanf:"maxconnections"`
		ConnLifeTime    time.Duration `koanf:"connlifetime"`
	}
}

// OTELCollectorConfig related to OTEL collector
type OTELCollectorConfig struct {
	Enable bool   `koanf:"enable"`
	Host   string `koanf:"host"`
	Port   int    `koanf:"port"`
}

// CacheConfig related to Redis
type CacheConfig struct {
	Redis struct {
		RedisOptions redis.Options `koanf:"redisoptions"`
	}
	// ProgressTTL bounds the lifetime of progress counters.
	ProgressTTL time.Duration `koanf:"progressttl"`
}

// MinioConfig is the MinIO object storage configuration.
type MinioConfig struct {
	Host       string `koanf:"host"`
	Port       string `koanf:"port"`
	User       string `koanf:"user"`
	Password   string `koanf:"password"`
	Secure     bool   `koanf:"secure"`
	BucketName string `koanf:"bucketname"`
}

// GCSConfig defines the configuration for Google Cloud Storage as an
// alternative object storage backend
type GCSConfig struct {
	ProjectID string `koanf:"projectid"`
	Bucket    string `koanf:"bucket"`
	SAKey     string `koanf:"sakey"` // JSON string of service account key
}

// ToolConfig is the configuration of the tool execution service.
type ToolConfig struct {
	Host       string        `koanf:"host" validate:"omitempty,url"`
	Timeout    time.Duration `koanf:"timeout"`
	RetryCount int           `koanf:"retrycount"`
	// Release is the tool run on every file, formatted as
	// {namespace}/{id}@{version}.
	Release string `koanf:"release"`
}

// RetryPolicyConfig tunes the backoff of one operation type.
type RetryPolicyConfig struct {
	MaxAttempts int           `koanf:"maxattempts" validate:"gte=0"`
	BaseDelay   time.Duration `koanf:"basedelay"`
	MaxDelay    time.Duration `koanf:"maxdelay"`
	Factor      float64       `koanf:"factor"`
}

// CircuitBreakerConfig tunes the circuit breaker shared by the retryers.
type CircuitBreakerConfig struct {
	FailureThreshold int           `koanf:"failurethreshold"`
	Window           time.Duration `koanf:"window"`
	Cooldown         time.Duration `koanf:"cooldown"`
}

// ExecutionConfig gathers the orchestration tunables.
type ExecutionConfig struct {
	BatchSize            int                          `koanf:"batchsize" validate:"gte=0,lte=20"`
	FileTimeout          time.Duration                `koanf:"filetimeout"`
	BatchActivityRetries int32                        `koanf:"batchactivityretries"`
	ErrorMessageLength   int                          `koanf:"errormessagelength"`
	Retry                map[string]RetryPolicyConfig `koanf:"retry"`
	CircuitBreaker       CircuitBreakerConfig         `koanf:"circuitbreaker"`
}

// MetricsConfig is the prometheus endpoint configuration.
type MetricsConfig struct {
	Enable bool `koanf:"enable"`
	Port   int  `koanf:"port"`
}

// EventsConfig is the execution event transport. Events stay in-process
// when no broker is configured.
type EventsConfig struct {
	Brokers     []string `koanf:"brokers"`
	OTELEnabled bool     `koanf:"otelenabled"`
}

// Init - Assign global config to decoded config struct
func Init(filePath string) error {
	k := koanf.New(".")
	parser := yaml.Parser()

	if err := k.Load(confmap.Provider(map[string]any{
		"cache.progressttl":                         30 * time.Minute,
		"tool.timeout":                              5 * time.Minute,
		"tool.retrycount":                           2,
		"tool.release":                              "preset/file-processor@v1.0.0",
		"execution.batchsize":                       5,
		"execution.filetimeout":                     10 * time.Minute,
		"execution.batchactivityretries":            2,
		"execution.errormessagelength":              512,
		"execution.circuitbreaker.failurethreshold": 5,
		"execution.circuitbreaker.window":           10 * time.Minute,
		"execution.circuitbreaker.cooldown":         5 * time.Minute,
		"metrics.port":                              9464,
	}, "."), nil); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(file.Provider(filePath), parser); err != nil {
		log.Fatal(err.Error())
	}

	if err := k.Load(env.ProviderWithValue("CFG_", ".", func(s string, v string) (string, any) {
		key := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "CFG_")), "_", ".")
		if strings.Contains(v, ",") {
			return key, strings.Split(strings.TrimSpace(v), ",")
		}
		return key, v
	}), nil); err != nil {
		return err
	}

	if err := k.Unmarshal("", &Config); err != nil {
		return err
	}

	return ValidateConfig(&Config)
}

// ValidateConfig is for custom validation rules for the configuration
func ValidateConfig(cfg *AppConfig) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return err
	}
	return nil
}

var defaultConfigPath = "config/config.yaml"

// ParseConfigFlag allows clients to specify the relative path to the file from
// which the configuration will be loaded.
func ParseConfigFlag() string {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	configPath := fs.String("file", defaultConfigPath, "configuration file")
	_ = fs.Parse(os.Args[1:])

	return *configPath
}
