package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Source looks up a setting by its YAML name, e.g. "fetch_timeout".
type Source interface {
	Lookup(name string) (string, bool, error)
}

// SourceFunc adapts a function into a Source.
type SourceFunc func(name string) (string, bool, error)

func (f SourceFunc) Lookup(name string) (string, bool, error) {
	return f(name)
}

// Env reads settings from environment variables named by EnvName.
func Env() Source {
	return SourceFunc(func(name string) (string, bool, error) {
		v, ok := os.LookupEnv(EnvName(name))
		return v, ok, nil
	})
}

// EnvName returns the environment variable of a setting. The SDK key keeps
// the name used by the SDK itself, the rest are prefixed with EDGEFLAG_.
func EnvName(name string) string {
	if name == "sdk_key" {
		return "OPTIMIZELY_SDK_KEY"
	}

	return "EDGEFLAG_" + strings.ToUpper(name)
}

// Getter is a key-value store such as a Fastly config store.
type Getter interface {
	Get(key string) (string, error)
}

// Store reads settings from g, keyed by their YAML name. Errors matching
// notFound mean the setting is absent.
func Store(g Getter, notFound error) Source {
	return SourceFunc(func(name string) (string, bool, error) {
		v, err := g.Get(name)
		if err != nil {
			if notFound != nil && errors.Is(err, notFound) {
				return "", false, nil
			}

			return "", false, err
		}

		return v, true, nil
	})
}

type setter func(c *Config, s string) error

// fields lists every setting a Source can override, by YAML name.
var fields = []struct {
	name string
	set  setter
}{
	{"sdk_key", stringVar(func(c *Config) *string { return &c.SDKKey })},
	{"cookie_name", stringVar(func(c *Config) *string { return &c.CookieName })},
	{"flags", listVar(func(c *Config) *[]string { return &c.Flags })},
	{"datafile_url", stringVar(func(c *Config) *string { return &c.DatafileURL })},
	{"events_url", stringVar(func(c *Config) *string { return &c.EventsURL })},
	{"origin_url", stringVar(func(c *Config) *string { return &c.OriginURL })},
	{"ttl", durationVar(func(c *Config) *time.Duration { return &c.TTL })},
	{"fetch_timeout", durationVar(func(c *Config) *time.Duration { return &c.FetchTimeout })},
	{"dispatch_timeout", durationVar(func(c *Config) *time.Duration { return &c.DispatchTimeout })},
	{"dispatch_buffer", parseVar(func(c *Config) *int { return &c.DispatchBuffer })},
	{"fallback", stringVar(func(c *Config) *string { return &c.Fallback })},
	{"respond", parseVar(func(c *Config) *bool { return &c.Respond })},
	{"retain_last_known_good", parseVar(func(c *Config) *bool { return &c.RetainLastKnownGood })},
	{"log_level", stringVar(func(c *Config) *string { return &c.LogLevel })},
	{"log_format", stringVar(func(c *Config) *string { return &c.LogFormat })},
	{"addr", stringVar(func(c *Config) *string { return &c.Addr })},
	{"read_timeout", durationVar(func(c *Config) *time.Duration { return &c.ReadTimeout })},
	{"handler_timeout", durationVar(func(c *Config) *time.Duration { return &c.HandlerTimeout })},
	{"write_timeout", durationVar(func(c *Config) *time.Duration { return &c.WriteTimeout })},
}

// Names returns the YAML names of every setting.
func Names() []string {
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.name
	}

	return names
}

// Apply overlays every setting src has onto c.
func (c *Config) Apply(src Source) error {
	for _, f := range fields {
		s, ok, err := src.Lookup(f.name)
		if err != nil {
			return fmt.Errorf("config: lookup %s: %w", f.name, err)
		}
		if !ok {
			continue
		}

		if err := f.set(c, strings.TrimSpace(s)); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrParseFailed, f.name, err)
		}
	}

	return nil
}

// Parseable defines the types that can be parsed from a setting.
type Parseable interface {
	~string | ~bool | ~int | ~int64 | ~uint | ~float64
}

// Parse converts a string to the specified type T. The whole string must
// be consumed, so "10abc" is not an int.
func Parse[T Parseable](s string) (T, error) {
	var v T
	if _, err := fmt.Sscanf(strings.TrimSpace(s)+"\n", "%v\n", &v); err != nil {
		return v, fmt.Errorf("parse %q: %w", s, err)
	}

	return v, nil
}

func stringVar(field func(*Config) *string) setter {
	return func(c *Config, s string) error {
		*field(c) = s
		return nil
	}
}

func parseVar[T Parseable](field func(*Config) *T) setter {
	return func(c *Config, s string) error {
		v, err := Parse[T](s)
		if err != nil {
			return err
		}

		*field(c) = v
		return nil
	}
}

func durationVar(field func(*Config) *time.Duration) setter {
	return func(c *Config, s string) error {
		d, err := time.ParseDuration(s)
		if err != nil {
			return err
		}

		*field(c) = d
		return nil
	}
}

// listVar splits a comma-separated list, dropping empty items.
func listVar(field func(*Config) *[]string) setter {
	return func(c *Config, s string) error {
		var vs []string
		for _, v := range strings.Split(s, ",") {
			if v = strings.TrimSpace(v); v != "" {
				vs = append(vs, v)
			}
		}

		*field(c) = vs
		return nil
	}
}
