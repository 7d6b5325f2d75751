// Package config handles application configuration loading from YAML and environment variables.
package config

import (
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	contextutils "icfesprep/internal/utils"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable pointing at the YAML config file
const ConfigFileEnv = "ICFES_CONFIG_FILE"

// Config holds all configuration for the application
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server" yaml:"server"`

	// Database configuration
	Database DatabaseConfig `json:"database" yaml:"database"`

	// Redis configuration (exposure counters)
	Redis RedisConfig `json:"redis" yaml:"redis"`

	// Exposure tracking backend
	Exposure ExposureConfig `json:"exposure" yaml:"exposure"`

	// Adaptive testing engine
	Adaptive AdaptiveConfig `json:"adaptive" yaml:"adaptive"`

	// Test session policy
	Session SessionConfig `json:"session" yaml:"session"`

	// OpenTelemetry Configuration
	OpenTelemetry OpenTelemetryConfig `json:"open_telemetry" yaml:"open_telemetry"`

	// Internal fields
	IsTest bool `json:"is_test" yaml:"is_test"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Port              string   `json:"port" yaml:"port"`
	WorkerPort        string   `json:"worker_port" yaml:"worker_port"`
	Debug             bool     `json:"debug" yaml:"debug"`
	LogLevel          string   `json:"log_level" yaml:"log_level"`
	WorkerInternalURL string   `json:"worker_internal_url" yaml:"worker_internal_url"`
	CORSOrigins       []string `json:"cors_origins" yaml:"cors_origins"`
	MaxHistory        int      `json:"max_history" yaml:"max_history"`
	// CircuitBreakerThreshold consecutive 5xx responses shed load for
	// CircuitBreakerCooldown. Zero disables the breaker.
	CircuitBreakerThreshold int           `json:"circuit_breaker_threshold" yaml:"circuit_breaker_threshold"`
	CircuitBreakerCooldown  time.Duration `json:"circuit_breaker_cooldown" yaml:"circuit_breaker_cooldown"`
	// APITokenHashes holds bcrypt hashes of the bearer tokens accepted from the
	// platform layer. Empty disables token checks (local development only).
	APITokenHashes []string `json:"-" yaml:"api_token_hashes"`
}

// OpenTelemetryConfig holds all OpenTelemetry-related configuration
type OpenTelemetryConfig struct {
	Endpoint       string            `json:"endpoint" yaml:"endpoint"`               // Default: "localhost:4317"
	Protocol       string            `json:"protocol" yaml:"protocol"`               // "grpc" or "http", default: "grpc"
	Insecure       bool              `json:"insecure" yaml:"insecure"`               // Default: true (for localhost)
	Headers        map[string]string `json:"headers" yaml:"headers"`                 // For authenticated endpoints
	ServiceName    string            `json:"service_name" yaml:"service_name"`       // "icfes-backend" or "icfes-worker"
	ServiceVersion string            `json:"service_version" yaml:"service_version"` // From version package
	EnableTracing  bool              `json:"enable_tracing" yaml:"enable_tracing"`
	EnableMetrics  bool              `json:"enable_metrics" yaml:"enable_metrics"`
	EnableLogging  bool              `json:"enable_logging" yaml:"enable_logging"`
	SamplingRate   float64           `json:"sampling_rate" yaml:"sampling_rate"` // Default: 1.0 (100%)
	UseAutoSDK     bool              `json:"use_auto_sdk" yaml:"use_auto_sdk"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	// Driver is "postgres" (default) or "memory" for local runs without a database
	Driver          string        `json:"driver" yaml:"driver"`
	URL             string        `json:"url" yaml:"url"`
	MaxOpenConns    int           `json:"max_open_conns" yaml:"max_open_conns"`       // Maximum number of open connections to the database
	MaxIdleConns    int           `json:"max_idle_conns" yaml:"max_idle_conns"`       // Maximum number of idle connections in the pool
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" yaml:"conn_max_lifetime"` // Maximum amount of time a connection may be reused
}

// RedisConfig represents the redis connection used for exposure counters
type RedisConfig struct {
	Addr      string `json:"addr" yaml:"addr"`
	Password  string `json:"-" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
}

// ExposureConfig selects where item exposure counts live
type ExposureConfig struct {
	// Backend is "database" (items.exposure_count) or "redis"
	Backend string `json:"backend" yaml:"backend" validate:"omitempty,oneof=database redis"`
}

// AdaptiveConfig holds the IRT estimation and selection parameters
type AdaptiveConfig struct {
	MaxQuestions           int     `json:"max_questions" yaml:"max_questions" validate:"gt=0"`
	MinQuestions           int     `json:"min_questions" yaml:"min_questions" validate:"gte=0"`
	StandardErrorThreshold float64 `json:"standard_error_threshold" yaml:"standard_error_threshold" validate:"gte=0"`
	ThetaMin               float64 `json:"theta_min" yaml:"theta_min"`
	ThetaMax               float64 `json:"theta_max" yaml:"theta_max" validate:"gtfield=ThetaMin"`
	PriorTheta             float64 `json:"prior_theta" yaml:"prior_theta"`
	PriorStandardError     float64 `json:"prior_standard_error" yaml:"prior_standard_error" validate:"gt=0"`
	QuadraturePoints       int     `json:"quadrature_points" yaml:"quadrature_points" validate:"gte=11"`
	QuadratureWidth        float64 `json:"quadrature_width" yaml:"quadrature_width" validate:"gt=0"`
	ExponentClamp          float64 `json:"exponent_clamp" yaml:"exponent_clamp" validate:"gt=0"`
	MinInformation         float64 `json:"min_information" yaml:"min_information" validate:"gte=0"`
	WidenFactor            float64 `json:"widen_factor" yaml:"widen_factor" validate:"gte=0"`
	MinStandardError       float64 `json:"min_standard_error" yaml:"min_standard_error" validate:"gt=0"`
	MaxStandardError       float64 `json:"max_standard_error" yaml:"max_standard_error" validate:"gtfield=MinStandardError"`
	InformationEpsilon     float64 `json:"information_epsilon" yaml:"information_epsilon" validate:"gte=0"`
	// FallbackToUncalibrated serves uncalibrated items in id order once the
	// calibrated pool for a subject is exhausted.
	FallbackToUncalibrated bool `json:"fallback_to_uncalibrated" yaml:"fallback_to_uncalibrated"`
}

// SessionConfig holds the inactivity policy applied by the worker
type SessionConfig struct {
	InactivityTimeout time.Duration `json:"inactivity_timeout" yaml:"inactivity_timeout"`
	ReaperInterval    time.Duration `json:"reaper_interval" yaml:"reaper_interval"`
	ReaperBatchSize   int           `json:"reaper_batch_size" yaml:"reaper_batch_size"`
}

// DefaultAdaptiveConfig returns the engine defaults: a standard normal prior,
// 20 questions at most and an early stop once the standard error drops below 0.3.
func DefaultAdaptiveConfig() AdaptiveConfig {
	return AdaptiveConfig{
		MaxQuestions:           20,
		MinQuestions:           5,
		StandardErrorThreshold: 0.3,
		ThetaMin:               -4,
		ThetaMax:               4,
		PriorTheta:             0,
		PriorStandardError:     1,
		QuadraturePoints:       81,
		QuadratureWidth:        6,
		ExponentClamp:          35,
		MinInformation:         1e-6,
		WidenFactor:            0.1,
		MinStandardError:       1e-3,
		MaxStandardError:       3,
		InformationEpsilon:     1e-9,
	}
}

// NewConfig loads configuration from YAML file first, then overrides with environment variables
func NewConfig() (result0 *Config, err error) {
	config, err := loadConfigWithOverrides()
	if err != nil {
		return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config: %w", err)
	}

	config.overrideFromEnv()
	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// Validate checks the adaptive and exposure sections
func (c *Config) Validate() error {
	if err := contextutils.ValidateStruct(c.Adaptive); err != nil {
		return contextutils.WrapError(err, "invalid adaptive configuration")
	}
	if c.Adaptive.MinQuestions > c.Adaptive.MaxQuestions {
		return contextutils.NewAppError(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"invalid adaptive configuration", "min_questions must not exceed max_questions")
	}
	if c.Adaptive.PriorTheta < c.Adaptive.ThetaMin || c.Adaptive.PriorTheta > c.Adaptive.ThetaMax {
		return contextutils.NewAppError(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"invalid adaptive configuration", "prior_theta must lie inside [theta_min, theta_max]")
	}
	if err := contextutils.ValidateStruct(c.Exposure); err != nil {
		return contextutils.WrapError(err, "invalid exposure configuration")
	}
	if c.Exposure.Backend == "redis" && c.Redis.Addr == "" {
		return contextutils.NewAppError(contextutils.ErrorCodeValidationFailed, contextutils.SeverityWarn,
			"invalid exposure configuration", "redis.addr is required when exposure.backend is redis")
	}
	return nil
}

// applyDefaults fills zero values. A zero theta range or prior would make the
// estimator meaningless, so a partially specified adaptive block inherits the rest.
func (c *Config) applyDefaults() {
	d := DefaultAdaptiveConfig()
	a := &c.Adaptive
	if a.MaxQuestions == 0 {
		a.MaxQuestions = d.MaxQuestions
	}
	if a.MinQuestions == 0 {
		a.MinQuestions = d.MinQuestions
	}
	if a.StandardErrorThreshold == 0 {
		a.StandardErrorThreshold = d.StandardErrorThreshold
	}
	if a.ThetaMin == 0 && a.ThetaMax == 0 {
		a.ThetaMin, a.ThetaMax = d.ThetaMin, d.ThetaMax
	}
	if a.PriorStandardError == 0 {
		a.PriorStandardError = d.PriorStandardError
	}
	if a.QuadraturePoints == 0 {
		a.QuadraturePoints = d.QuadraturePoints
	}
	if a.QuadratureWidth == 0 {
		a.QuadratureWidth = d.QuadratureWidth
	}
	if a.ExponentClamp == 0 {
		a.ExponentClamp = d.ExponentClamp
	}
	if a.MinInformation == 0 {
		a.MinInformation = d.MinInformation
	}
	if a.WidenFactor == 0 {
		a.WidenFactor = d.WidenFactor
	}
	if a.MinStandardError == 0 {
		a.MinStandardError = d.MinStandardError
	}
	if a.MaxStandardError == 0 {
		a.MaxStandardError = d.MaxStandardError
	}
	if a.InformationEpsilon == 0 {
		a.InformationEpsilon = d.InformationEpsilon
	}

	if c.Database.Driver == "" {
		c.Database.Driver = "postgres"
	}
	if c.Exposure.Backend == "" {
		c.Exposure.Backend = "database"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "icfes"
	}
	if c.Session.InactivityTimeout == 0 {
		c.Session.InactivityTimeout = DefaultSessionInactivityTimeout
	}
	if c.Session.ReaperInterval == 0 {
		c.Session.ReaperInterval = DefaultReaperInterval
	}
	if c.Session.ReaperBatchSize == 0 {
		c.Session.ReaperBatchSize = DefaultReaperBatchSize
	}
	if c.Server.MaxHistory == 0 {
		c.Server.MaxHistory = DefaultMaxHistory
	}
	if c.OpenTelemetry.SamplingRate == 0 {
		c.OpenTelemetry.SamplingRate = 1.0
	}
}

// overrideFromEnv overrides config values with environment variables using reflection
func (c *Config) overrideFromEnv() {
	overrideStructFromEnvWithPrefix(c, "")
}

var durationType = reflect.TypeOf(time.Duration(0))

// overrideStructFromEnvWithPrefix recursively overrides struct fields with environment
// variables named after the yaml tags (ADAPTIVE_MAX_QUESTIONS, DATABASE_URL, ...).
func overrideStructFromEnvWithPrefix(v interface{}, prefix string) {
	val := reflect.ValueOf(v)
	if val.Kind() == reflect.Ptr {
		val = val.Elem()
	}

	if val.Kind() != reflect.Struct {
		return
	}

	typ := val.Type()
	for i := 0; i < val.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)

		if !field.CanSet() {
			continue
		}

		yamlTag := strings.Split(fieldType.Tag.Get("yaml"), ",")[0]
		if yamlTag == "" || yamlTag == "-" {
			continue
		}

		envKey := strings.ToUpper(strings.ReplaceAll(yamlTag, "-", "_"))
		if prefix != "" {
			envKey = prefix + "_" + envKey
		}

		if field.Type() == durationType {
			if envVal := os.Getenv(envKey); envVal != "" {
				if d, err := time.ParseDuration(envVal); err == nil {
					field.SetInt(int64(d))
				}
			}
			continue
		}

		switch field.Kind() {
		case reflect.String:
			if envVal := os.Getenv(envKey); envVal != "" {
				field.SetString(envVal)
			}
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if intVal, err := strconv.ParseInt(envVal, 10, 64); err == nil {
					field.SetInt(intVal)
				}
			}
		case reflect.Float32, reflect.Float64:
			if envVal := os.Getenv(envKey); envVal != "" {
				if floatVal, err := strconv.ParseFloat(envVal, 64); err == nil {
					field.SetFloat(floatVal)
				}
			}
		case reflect.Bool:
			if envVal := os.Getenv(envKey); envVal != "" {
				if boolVal, err := strconv.ParseBool(envVal); err == nil {
					field.SetBool(boolVal)
				}
			}
		case reflect.Slice:
			if envVal := os.Getenv(envKey); envVal != "" {
				if field.Type().Elem().Kind() == reflect.String {
					slice := strings.Split(envVal, ",")
					field.Set(reflect.ValueOf(slice))
				}
			}
		case reflect.Struct:
			if field.CanAddr() {
				overrideStructFromEnvWithPrefix(field.Addr().Interface(), envKey)
			}
		}
	}
}

// loadConfigWithOverrides loads the config file named by ICFES_CONFIG_FILE or ./config.yaml
func loadConfigWithOverrides() (result0 *Config, err error) {
	if envPath := os.Getenv(ConfigFileEnv); envPath != "" {
		config, err := loadConfigFromFile(envPath)
		if err != nil {
			return nil, contextutils.WrapErrorf(contextutils.ErrInternalError, "failed to load config from %s: %w", envPath, err)
		}
		return config, nil
	}

	return loadConfigFromFile("config.yaml")
}

// loadConfigFromFile loads configuration from a specific file
func loadConfigFromFile(path string) (result0 *Config, err error) {
	yamlFile, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	if err := yaml.Unmarshal(yamlFile, &config); err != nil {
		return nil, err
	}

	return &config, nil
}
