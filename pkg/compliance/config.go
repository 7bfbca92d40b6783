package compliance

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Defaults applied by Normalize, in seconds.
const (
	DefaultBERDuration = 10.0
	DefaultIdleWait    = 5.0
	DefaultSpeedSettle = 2.0
)

// PortConfig selects one switch port to test.
type PortConfig struct {
	Number int `json:"number" yaml:"number" validate:"gte=0,lte=143"`
	Select int `json:"select" yaml:"select" validate:"gte=0,lte=15"`
	Lanes  int `json:"lanes" yaml:"lanes" validate:"gte=1,lte=16"`
}

// RunConfig selects what a run covers. Durations are in seconds.
type RunConfig struct {
	Suites      []SuiteID    `json:"suites" yaml:"suites" validate:"min=1,unique,dive,suite"`
	Ports       []PortConfig `json:"ports" yaml:"ports" validate:"min=1,max=32,unique=Number,dive"`
	BERDuration float64      `json:"ber_duration" yaml:"ber_duration" validate:"gte=1,lte=300"`
	IdleWait    float64      `json:"idle_wait" yaml:"idle_wait" validate:"gte=1,lte=60"`
	SpeedSettle float64      `json:"speed_settle" yaml:"speed_settle" validate:"gte=0.5,lte=10"`
}

// configValidate checks RunConfig bounds. Initialized in init() with the
// suite-id validator.
var configValidate *validator.Validate

func init() {
	configValidate = validator.New()
	if err := configValidate.RegisterValidation("suite", validateSuite); err != nil {
		panic(err)
	}
}

func validateSuite(fl validator.FieldLevel) bool {
	return slices.Contains(AllSuites, SuiteID(fl.Field().String()))
}

// ConfigError reports a RunConfig that was rejected before a run existed.
type ConfigError struct {
	Problems []string
	Err      error
}

func (e *ConfigError) Error() string {
	return "compliance: invalid run config: " + strings.Join(e.Problems, "; ")
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Normalize fills defaults: every suite when none is named, and the default
// waits for unset durations.
func (c *RunConfig) Normalize() {
	if len(c.Suites) == 0 {
		c.Suites = append([]SuiteID(nil), AllSuites...)
	}
	if c.BERDuration == 0 {
		c.BERDuration = DefaultBERDuration
	}
	if c.IdleWait == 0 {
		c.IdleWait = DefaultIdleWait
	}
	if c.SpeedSettle == 0 {
		c.SpeedSettle = DefaultSpeedSettle
	}
}

// Validate checks the configuration bounds. It returns a *ConfigError.
func (c *RunConfig) Validate() error {
	err := configValidate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return &ConfigError{Problems: []string{err.Error()}, Err: err}
	}
	cerr := &ConfigError{Err: err}
	for _, fe := range verrs {
		cerr.Problems = append(cerr.Problems, describe(fe))
	}
	return cerr
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "RunConfig.")
	switch fe.Tag() {
	case "suite":
		return fmt.Sprintf("%s: unknown suite %q", field, fe.Value())
	case "unique":
		return fmt.Sprintf("%s: duplicate entries", field)
	case "min":
		return fmt.Sprintf("%s: need at least %s", field, fe.Param())
	case "max":
		return fmt.Sprintf("%s: at most %s allowed", field, fe.Param())
	case "gte", "lte":
		return fmt.Sprintf("%s: %v out of range (%s %s)", field, fe.Value(), fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", field, fe.Tag())
}

// Has reports whether the config selects suite s.
func (c RunConfig) Has(s SuiteID) bool {
	return slices.Contains(c.Suites, s)
}

func (c RunConfig) berDuration() time.Duration { return seconds(c.BERDuration) }
func (c RunConfig) idleWait() time.Duration    { return seconds(c.IdleWait) }
func (c RunConfig) speedSettle() time.Duration { return seconds(c.SpeedSettle) }

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ParseRunConfig decodes a YAML run config, rejecting unknown keys, then
// normalizes and validates it.
func ParseRunConfig(data []byte) (RunConfig, error) {
	var cfg RunConfig
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, &ConfigError{Problems: []string{err.Error()}, Err: err}
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRunConfig reads and validates a YAML run config file.
func LoadRunConfig(path string) (RunConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunConfig{}, fmt.Errorf("reading run config: %w", err)
	}
	return ParseRunConfig(data)
}
