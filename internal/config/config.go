// Package config loads service settings from defaults, an optional YAML file
// and PHOTOVERIFY_* environment variables, in that order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/example/photoverify/internal/apperr"
	"github.com/example/photoverify/internal/queue"
	"github.com/example/photoverify/internal/verification"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "PHOTOVERIFY_"

// Config is the full service configuration.
type Config struct {
	HTTP         HTTPConfig         `yaml:"http"`
	Log          LogConfig          `yaml:"log"`
	Database     DatabaseConfig     `yaml:"database"`
	Redis        RedisConfig        `yaml:"redis"`
	Auth         AuthConfig         `yaml:"auth"`
	Extractor    ExtractorConfig    `yaml:"extractor"`
	Verification VerificationConfig `yaml:"verification"`
	Queue        QueueConfig        `yaml:"queue"`
	Signing      SigningConfig      `yaml:"signing"`
}

type HTTPConfig struct {
	Addr            string        `yaml:"addr" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type LogConfig struct {
	Level string `yaml:"level" validate:"oneof=debug info warn error"`
}

type DatabaseConfig struct {
	DSN          string        `yaml:"dsn" validate:"required"`
	MaxIdleConns int           `yaml:"max_idle_conns" validate:"gte=0"`
	MaxOpenConns int           `yaml:"max_open_conns" validate:"gte=1"`
	ConnMaxLife  time.Duration `yaml:"conn_max_lifetime" validate:"gte=0"`
}

type RedisConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" validate:"required"`
	Audience  string `yaml:"audience"`
	Issuer    string `yaml:"issuer"`
}

// ExtractorConfig selects where metadata comes from: the embedded EXIF
// reader or a remote gRPC service.
type ExtractorConfig struct {
	Mode string `yaml:"mode" validate:"oneof=exif grpc"`
	Addr string `yaml:"addr" validate:"required_if=Mode grpc"`
}

type VerificationConfig struct {
	PassThreshold      float64 `yaml:"pass_threshold" validate:"gt=0,lte=1"`
	ReviewThreshold    float64 `yaml:"review_threshold" validate:"gt=0,ltefield=PassThreshold"`
	ExifWeight         float64 `yaml:"exif_weight" validate:"gte=0,lte=1"`
	DepthWeight        float64 `yaml:"depth_weight" validate:"gte=0,lte=1"`
	DepthVarianceScale float64 `yaml:"depth_variance_scale" validate:"gt=0"`
}

type QueueConfig struct {
	MaxRetries     int           `yaml:"max_retries" validate:"gte=0,lte=20"`
	BaseDelay      time.Duration `yaml:"base_delay" validate:"gte=0"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout" validate:"gte=0"`
}

// SigningConfig locates the signing key in a secret store.
type SigningConfig struct {
	SecretName     string `yaml:"secret_name" validate:"required"`
	SecretSource   string `yaml:"secret_source" validate:"oneof=env file"`
	SecretDir      string `yaml:"secret_dir" validate:"required_if=SecretSource file"`
	DeadLetterPath string `yaml:"dead_letter_path"`
}

// Default returns the built-in configuration.
func Default() Config {
	v := verification.DefaultConfig()
	q := queue.DefaultConfig()
	return Config{
		HTTP: HTTPConfig{Addr: ":8080", ShutdownTimeout: 15 * time.Second},
		Log:  LogConfig{Level: "info"},
		Database: DatabaseConfig{
			DSN:          "host=postgres user=postgres password=postgres dbname=photoverify port=5432 sslmode=disable",
			MaxIdleConns: 5,
			MaxOpenConns: 10,
			ConnMaxLife:  time.Hour,
		},
		Redis:     RedisConfig{Addr: "redis:6379"},
		Auth:      AuthConfig{JWTSecret: "dev-secret"},
		Extractor: ExtractorConfig{Mode: "exif"},
		Verification: VerificationConfig{
			PassThreshold:      v.PassThreshold,
			ReviewThreshold:    v.ReviewThreshold,
			ExifWeight:         v.ExifWeight,
			DepthWeight:        v.DepthWeight,
			DepthVarianceScale: v.DepthVarianceScale,
		},
		Queue: QueueConfig{MaxRetries: q.MaxRetries, BaseDelay: q.BaseDelay},
		Signing: SigningConfig{
			SecretName:     "signing-key",
			SecretSource:   "env",
			DeadLetterPath: "photoverify-dead-letters.db",
		},
	}
}

// Load builds the configuration. An empty path skips the YAML file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return nil, apperr.Configuration("load config file", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, apperr.Configuration("read environment", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	// an empty file decodes to io.EOF and means "no overrides"
	if err := decoder.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config: %w", err)
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints and the cross-field scoring rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return apperr.Configuration(fmt.Sprintf("invalid %s: failed %q", fe.Namespace(), fe.Tag()), err)
		}
		return apperr.Configuration("invalid configuration", err)
	}
	if err := c.VerificationSettings().Validate(); err != nil {
		return err
	}
	return nil
}

// VerificationSettings converts the scoring section for the pipeline.
func (c *Config) VerificationSettings() verification.Config {
	return verification.Config{
		PassThreshold:      c.Verification.PassThreshold,
		ReviewThreshold:    c.Verification.ReviewThreshold,
		ExifWeight:         c.Verification.ExifWeight,
		DepthWeight:        c.Verification.DepthWeight,
		DepthVarianceScale: c.Verification.DepthVarianceScale,
	}
}

// QueueSettings converts the retry section for the signing queue.
func (c *Config) QueueSettings() queue.Config {
	return queue.Config{
		MaxRetries:     c.Queue.MaxRetries,
		BaseDelay:      c.Queue.BaseDelay,
		AttemptTimeout: c.Queue.AttemptTimeout,
	}
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	e := envReader{lookup: lookup}
	e.str("HTTP_ADDR", &cfg.HTTP.Addr)
	e.duration("HTTP_SHUTDOWN_TIMEOUT", &cfg.HTTP.ShutdownTimeout)
	e.str("LOG_LEVEL", &cfg.Log.Level)
	e.str("DATABASE_DSN", &cfg.Database.DSN)
	e.integer("DATABASE_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	e.integer("DATABASE_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	e.str("REDIS_ADDR", &cfg.Redis.Addr)
	e.str("JWT_SECRET", &cfg.Auth.JWTSecret)
	e.str("JWT_AUDIENCE", &cfg.Auth.Audience)
	e.str("JWT_ISSUER", &cfg.Auth.Issuer)
	e.str("EXTRACTOR_MODE", &cfg.Extractor.Mode)
	e.str("EXTRACTOR_ADDR", &cfg.Extractor.Addr)
	e.float("PASS_THRESHOLD", &cfg.Verification.PassThreshold)
	e.float("REVIEW_THRESHOLD", &cfg.Verification.ReviewThreshold)
	e.float("EXIF_WEIGHT", &cfg.Verification.ExifWeight)
	e.float("DEPTH_WEIGHT", &cfg.Verification.DepthWeight)
	e.float("DEPTH_VARIANCE_SCALE", &cfg.Verification.DepthVarianceScale)
	e.integer("QUEUE_MAX_RETRIES", &cfg.Queue.MaxRetries)
	e.duration("QUEUE_BASE_DELAY", &cfg.Queue.BaseDelay)
	e.duration("QUEUE_ATTEMPT_TIMEOUT", &cfg.Queue.AttemptTimeout)
	e.str("SIGNING_SECRET_NAME", &cfg.Signing.SecretName)
	e.str("SIGNING_SECRET_SOURCE", &cfg.Signing.SecretSource)
	e.str("SIGNING_SECRET_DIR", &cfg.Signing.SecretDir)
	e.str("SIGNING_DEAD_LETTER_PATH", &cfg.Signing.DeadLetterPath)
	return errors.Join(e.errs...)
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(EnvPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: invalid int %q", EnvPrefix, key, v))
			return
		}
		*dst = n
	}
}

func (e *envReader) float(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: invalid float %q", EnvPrefix, key, v))
			return
		}
		*dst = f
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s%s: invalid duration %q (e.g. 250ms, 2s)", EnvPrefix, key, v))
			return
		}
		*dst = d
	}
}
