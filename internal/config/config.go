// Package config holds the configuration model for camwatch and loads it
// from an optional YAML file plus environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/mikeyg42/camwatch/internal/validate"
)

const (
	EnvDev  = "dev"
	EnvProd = "prod"
)

// ErrNoCameras is returned by Validate when the camera list is empty.
var ErrNoCameras = errors.New("no cameras configured")

// Config represents the complete configuration for the service
type Config struct {
	Environment string  `yaml:"environment" json:"environment" env:"ENV" env-default:"dev" validate:"oneof=dev prod"`
	Cameras     []int   `yaml:"cameras" json:"cameras" env:"CAMERAS" env-default:"0,2,4" validate:"unique,dive,gte=0"`
	Motion      Motion  `yaml:"motion" json:"motion"`
	Video       Video   `yaml:"video" json:"video"`
	Storage     Storage `yaml:"storage" json:"storage"`
	Upload      Upload  `yaml:"upload" json:"upload"`
	Metrics     Metrics `yaml:"metrics" json:"metrics"`
	Notify      Notify  `yaml:"notify" json:"notify"`
	Log         Log     `yaml:"log" json:"log"`
}

// Motion contains detection and recording window settings
type Motion struct {
	MinArea int `yaml:"min_area" json:"min_area" env:"MOTION_MIN_AREA" env-default:"500" validate:"gt=0"`

	// Silence required after the last detected motion before a recording stops.
	TrailingWindow time.Duration `yaml:"trailing_window" json:"trailing_window" env:"MOTION_TRAILING_WINDOW" env-default:"10s" validate:"gt=0"`

	// Classifier output is ignored for this long after a source opens.
	Warmup time.Duration `yaml:"warmup" json:"warmup" env:"MOTION_WARMUP" env-default:"10s" validate:"gte=0"`
}

// Video contains capture and output settings
type Video struct {
	Width     int     `yaml:"width" json:"width" env:"VIDEO_WIDTH" env-default:"640" validate:"gt=0"`
	Height    int     `yaml:"height" json:"height" env:"VIDEO_HEIGHT" env-default:"480" validate:"gt=0"`
	FrameRate float64 `yaml:"frame_rate" json:"frame_rate" env:"VIDEO_FRAME_RATE" env-default:"10" validate:"gt=0,lte=120"`
	OutputDir string  `yaml:"output_dir" json:"output_dir" env:"VIDEO_OUTPUT_DIR" env-default:"recordings" validate:"dirpath"`
}

// Storage contains remote sink configuration
type Storage struct {
	Container string         `yaml:"container" json:"container" env:"STORAGE_CONTAINER" env-default:"monitoring-videos" validate:"omitempty,bucket"`
	MinIO     MinIOConfig    `yaml:"minio" json:"minio"`
	Postgres  PostgresConfig `yaml:"postgres" json:"postgres"`
}

// MinIOConfig contains MinIO-specific configuration. An empty endpoint
// disables the remote sink.
type MinIOConfig struct {
	Endpoint        string `yaml:"endpoint" json:"endpoint" env:"MINIO_ENDPOINT" validate:"omitempty,hostname_port"`
	AccessKeyID     string `yaml:"access_key_id" json:"access_key_id" env:"MINIO_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"secret_access_key" json:"-" env:"MINIO_SECRET_ACCESS_KEY"`
	UseSSL          bool   `yaml:"use_ssl" json:"use_ssl" env:"MINIO_USE_SSL" env-default:"false"`
	Region          string `yaml:"region" json:"region" env:"MINIO_REGION" env-default:"us-east-1"`

	MaxUploads     int           `yaml:"max_uploads" json:"max_uploads" env:"MINIO_MAX_UPLOADS" env-default:"4" validate:"gte=0"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" json:"connect_timeout" env:"MINIO_CONNECT_TIMEOUT" env-default:"30s"`
	MaxRetries     int           `yaml:"max_retries" json:"max_retries" env:"MINIO_MAX_RETRIES" env-default:"0" validate:"gte=0"`
	RetryBackoff   time.Duration `yaml:"retry_backoff" json:"retry_backoff" env:"MINIO_RETRY_BACKOFF" env-default:"1s"`
}

// PostgresConfig contains the optional batch catalog connection. An empty
// DSN disables the catalog.
type PostgresConfig struct {
	DSN             string        `yaml:"dsn" json:"-" env:"POSTGRES_DSN"`
	MaxConnections  int           `yaml:"max_connections" json:"max_connections" env:"POSTGRES_MAX_CONNECTIONS" env-default:"4" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime" env:"POSTGRES_CONN_MAX_LIFETIME" env-default:"5m"`
}

// Upload contains dispatcher settings
type Upload struct {
	Timeout        time.Duration `yaml:"timeout" json:"timeout" env:"UPLOAD_TIMEOUT" env-default:"5m" validate:"gte=0"`
	SimulatedDelay time.Duration `yaml:"simulated_delay" json:"simulated_delay" env:"UPLOAD_SIMULATED_DELAY" env-default:"500ms" validate:"gte=0"`

	// How long shutdown waits for in-flight uploads. Zero means don't wait.
	DrainTimeout time.Duration `yaml:"drain_timeout" json:"drain_timeout" env:"UPLOAD_DRAIN_TIMEOUT" env-default:"0s" validate:"gte=0"`
}

// Metrics contains the Prometheus endpoint configuration
type Metrics struct {
	ListenAddr string `yaml:"listen_addr" json:"listen_addr" env:"METRICS_LISTEN_ADDR" validate:"omitempty,hostname_port"`
	Path       string `yaml:"path" json:"path" env:"METRICS_PATH" env-default:"/metrics" validate:"startswith=/"`
}

// Notify configures the optional MQTT batch event publisher. An empty host
// disables it.
type Notify struct {
	MQTT MQTTConfig `yaml:"mqtt" json:"mqtt"`
}

type MQTTConfig struct {
	Host     string `yaml:"host" json:"host" env:"MQTT_HOST"`
	Port     int    `yaml:"port" json:"port" env:"MQTT_PORT" env-default:"1883" validate:"gte=0,lte=65535"`
	Username string `yaml:"username" json:"username" env:"MQTT_USERNAME"`
	Password string `yaml:"password" json:"-" env:"MQTT_PASSWORD"`
	ClientID string `yaml:"client_id" json:"client_id" env:"MQTT_CLIENT_ID" env-default:"camwatch"`
	Topic    string `yaml:"topic" json:"topic" env:"MQTT_TOPIC" env-default:"camwatch/events"`
	QoS      int    `yaml:"qos" json:"qos" env:"MQTT_QOS" env-default:"0" validate:"min=0,max=2"`

	PublishTimeout time.Duration `yaml:"publish_timeout" json:"publish_timeout" env:"MQTT_PUBLISH_TIMEOUT" env-default:"5s" validate:"gte=0"`
}

// Log contains logging configuration
type Log struct {
	Level  string `yaml:"level" json:"level" env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" json:"format" env:"LOG_FORMAT" env-default:"console" validate:"oneof=console json"` // console, json
}

// Load reads configuration from path (if non-empty) and the environment,
// then validates it. Environment variables override file values.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// structValidator is shared; validator caches struct metadata per instance.
var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	engine := validate.NewEngine()
	engine.RegisterStructValidation(storageRules, Storage{})
	engine.RegisterStructValidation(mqttRules, MQTTConfig{})
	return engine
}

// storageRules requires a container once a remote sink is configured.
func storageRules(sl validator.StructLevel) {
	s := sl.Current().Interface().(Storage)
	if s.MinIO.Endpoint != "" && s.Container == "" {
		sl.ReportError(s.Container, "container", "Container", "required", "")
	}
}

// mqttRules applies only when a broker host is set.
func mqttRules(sl validator.StructLevel) {
	m := sl.Current().Interface().(MQTTConfig)
	if m.Host == "" {
		return
	}
	if m.Port < 1 {
		sl.ReportError(m.Port, "port", "Port", "gte", "1")
	}
	if m.Topic == "" {
		sl.ReportError(m.Topic, "topic", "Topic", "required", "")
	}
}

// Validate checks the configuration for values the service cannot run with.
// Every problem found is reported, not just the first.
func (c *Config) Validate() error {
	v := &validate.Validator{}

	if len(c.Cameras) == 0 {
		v.Add(ErrNoCameras)
	}
	v.Struct(structValidator, c)

	return v.Err()
}

// Production reports whether the production encoding profile is selected.
func (c *Config) Production() bool {
	return c.Environment == EnvProd
}

// RemoteSinkEnabled reports whether uploads go to a real object store.
func (c *Config) RemoteSinkEnabled() bool {
	return c.Storage.MinIO.Endpoint != ""
}

// CatalogEnabled reports whether closed batches are recorded in Postgres.
func (c *Config) CatalogEnabled() bool {
	return c.Storage.Postgres.DSN != ""
}

// NotifyEnabled reports whether batch events are published over MQTT.
func (c *Config) NotifyEnabled() bool {
	return c.Notify.MQTT.Host != ""
}
