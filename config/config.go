// Package config loads the settings of the edge handlers.
//
// Values are resolved in order, later sources overriding earlier ones:
// defaults, a YAML file, then each Source passed to Load (typically the
// environment and, on Fastly, a config store). The result is validated once
// before use.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/alextanhongpin/edgeflag/datafile"
	"github.com/alextanhongpin/edgeflag/dispatch"
	"github.com/alextanhongpin/edgeflag/identity"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable holding the YAML file path.
const PathEnv = "EDGEFLAG_CONFIG"

const (
	FallbackNone  = "none"
	FallbackStale = "stale"
)

var (
	ErrInvalid     = errors.New("config: invalid")
	ErrParseFailed = errors.New("config: parse failed")
)

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

type Config struct {
	SDKKey     string   `yaml:"sdk_key" validate:"required"`
	CookieName string   `yaml:"cookie_name" validate:"required,printascii,excludesall=;="`
	Flags      []string `yaml:"flags" validate:"dive,required"`

	DatafileURL string `yaml:"datafile_url" validate:"required,url"`
	EventsURL   string `yaml:"events_url" validate:"required,url"`
	OriginURL   string `yaml:"origin_url" validate:"omitempty,url"`

	TTL             time.Duration `yaml:"ttl" validate:"gt=0"`
	FetchTimeout    time.Duration `yaml:"fetch_timeout" validate:"gt=0"`
	DispatchTimeout time.Duration `yaml:"dispatch_timeout" validate:"gt=0"`
	DispatchBuffer  int           `yaml:"dispatch_buffer" validate:"gt=0"`

	Fallback            string `yaml:"fallback" validate:"oneof=none stale"`
	Respond             bool   `yaml:"respond"`
	RetainLastKnownGood bool   `yaml:"retain_last_known_good"`

	LogLevel  string `yaml:"log_level" validate:"oneof=debug info warn error"`
	LogFormat string `yaml:"log_format" validate:"oneof=json text"`

	// Local server only. A request waits at most FetchTimeout for the
	// datafile, so the handler and write deadlines must be longer.
	Addr           string        `yaml:"addr" validate:"required"`
	ReadTimeout    time.Duration `yaml:"read_timeout" validate:"gt=0"`
	HandlerTimeout time.Duration `yaml:"handler_timeout" validate:"gtfield=FetchTimeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout" validate:"gtfield=HandlerTimeout"`
}

func Default() Config {
	return Config{
		CookieName:      identity.DefaultCookieName,
		DatafileURL:     datafile.DefaultBaseURL,
		EventsURL:       dispatch.DefaultEndpoint,
		TTL:             datafile.DefaultTTL,
		FetchTimeout:    datafile.DefaultFetchTimeout,
		DispatchTimeout: dispatch.DefaultTimeout,
		DispatchBuffer:  dispatch.DefaultBuffer,
		Fallback:        FallbackNone,
		LogLevel:        "info",
		LogFormat:       "json",
		Addr:            ":8080",
		ReadTimeout:     5 * time.Second,
		HandlerTimeout:  10 * time.Second,
		WriteTimeout:    15 * time.Second,
	}
}

// Load resolves the configuration from the defaults, the YAML file at path
// when path is not empty, and sources, then validates it.
func Load(path string, sources ...Source) (Config, error) {
	cfg := Default()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := cfg.ReadYAML(b); err != nil {
			return Config{}, err
		}
	}

	for _, src := range sources {
		if err := cfg.Apply(src); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadEnv is Load with the file named by PathEnv and the environment,
// followed by any extra sources.
func LoadEnv(sources ...Source) (Config, error) {
	return Load(os.Getenv(PathEnv), append([]Source{Env()}, sources...)...)
}

// ReadYAML overlays the YAML document b onto c. Unknown keys are
// rejected.
func (c *Config) ReadYAML(b []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)

	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: yaml: %w", ErrParseFailed, err)
	}

	return nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}

	return nil
}

// LogValue hides the SDK key when the configuration is logged.
func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("sdk_key", redact(c.SDKKey)),
		slog.String("cookie_name", c.CookieName),
		slog.Any("flags", c.Flags),
		slog.String("datafile_url", c.DatafileURL),
		slog.String("events_url", c.EventsURL),
		slog.String("origin_url", c.OriginURL),
		slog.Duration("ttl", c.TTL),
		slog.Duration("fetch_timeout", c.FetchTimeout),
		slog.Duration("handler_timeout", c.HandlerTimeout),
		slog.String("fallback", c.Fallback),
		slog.Bool("respond", c.Respond),
	)
}

func redact(s string) string {
	if len(s) <= 4 {
		return "****"
	}

	return s[:4] + "****"
}
