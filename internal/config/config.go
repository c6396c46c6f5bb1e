// Package config loads the calbridge configuration file, validates it
// against an embedded schema, and watches it for changes.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"
)

// Config is the file-backed portion of calbridge's settings.
// Environment variables in cmd/calbridge override individual fields.
type Config struct {
	PollSeconds   int    `yaml:"poll_seconds"`
	SweepHours    int    `yaml:"sweep_hours"`
	RetentionDays int    `yaml:"retention_days"`
	Timezone      string `yaml:"timezone"`
	StoreDSN      string `yaml:"store_dsn"`
	StatusListen  string `yaml:"status_listen"`

	Google  GoogleConfig  `yaml:"google"`
	Outlook OutlookConfig `yaml:"outlook"`
	Legacy  LegacyConfig  `yaml:"legacy"`
}

type GoogleConfig struct {
	ClientEmail    string `yaml:"client_email"`
	PrivateKeyFile string `yaml:"private_key_file"`
	Impersonate    string `yaml:"impersonate"`
	CalendarID     string `yaml:"calendar_id"`
}

type OutlookConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	UserID       string `yaml:"user_id"`
}

type LegacyConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	ExportPath string `yaml:"export_path"`
}

const schemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"poll_seconds": {"type": "integer", "minimum": 1},
		"sweep_hours": {"type": "integer", "minimum": 1},
		"retention_days": {"type": "integer", "minimum": 1},
		"timezone": {"type": "string", "minLength": 1},
		"store_dsn": {"type": "string", "minLength": 1},
		"status_listen": {"type": "string"},
		"google": {
			"type": "object",
			"properties": {
				"client_email": {"type": "string"},
				"private_key_file": {"type": "string"},
				"impersonate": {"type": "string"},
				"calendar_id": {"type": "string"}
			},
			"additionalProperties": false
		},
		"outlook": {
			"type": "object",
			"properties": {
				"tenant_id": {"type": "string"},
				"client_id": {"type": "string"},
				"client_secret": {"type": "string"},
				"user_id": {"type": "string"}
			},
			"additionalProperties": false
		},
		"legacy": {
			"type": "object",
			"properties": {
				"enabled": {"type": "boolean"},
				"base_url": {"type": "string"},
				"username": {"type": "string"},
				"password": {"type": "string"},
				"export_path": {"type": "string"}
			},
			"additionalProperties": false
		}
	},
	"additionalProperties": false
}`

// Defaults applied after load for fields the file omits.
func (c *Config) applyDefaults() {
	if c.PollSeconds <= 0 {
		c.PollSeconds = 60
	}
	if c.SweepHours <= 0 {
		c.SweepHours = 24
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = 30
	}
	if c.Timezone == "" {
		c.Timezone = "Local"
	}
	if c.StoreDSN == "" {
		c.StoreDSN = "memory://"
	}
	if c.StatusListen == "" {
		c.StatusListen = "127.0.0.1:8787"
	}
	if c.Google.CalendarID == "" {
		c.Google.CalendarID = "primary"
	}
	if c.Legacy.ExportPath == "" {
		c.Legacy.ExportPath = "/calendar/export.ics"
	}
}

// PollInterval returns the poll cadence as a duration.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollSeconds) * time.Second
}

// SweepInterval returns the retention sweep cadence as a duration.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.SweepHours) * time.Hour
}

// Location resolves the configured timezone.
func (c Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}

// Load reads, validates and defaults a config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse validates raw YAML against the schema and decodes it.
func Parse(data []byte) (Config, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("config: parse yaml: %w", err)
	}
	if raw != nil {
		if err := validate(raw); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode: %w", err)
	}
	cfg.applyDefaults()
	if _, err := cfg.Location(); err != nil {
		return Config{}, fmt.Errorf("config: unknown timezone %q: %w", cfg.Timezone, err)
	}
	return cfg, nil
}

// validate runs the embedded JSON schema over the YAML document. The
// document is round-tripped through JSON so the value types match what
// the validator expects.
func validate(raw interface{}) error {
	jsonBytes, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("config: normalize document: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(string(jsonBytes)))
	if err != nil {
		return fmt.Errorf("config: normalize document: %w", err)
	}
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return fmt.Errorf("config: load schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", schemaDoc); err != nil {
		return fmt.Errorf("config: load schema: %w", err)
	}
	schema, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("config: compile schema: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("config: invalid: %w", err)
	}
	return nil
}

// Logger matches the process-wide minimal logging interface.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Watch re-loads the file on every change and hands valid configs to
// onChange. Invalid intermediate states are logged and skipped. Returns
// when ctx is canceled.
func Watch(ctx context.Context, path string, logger Logger, onChange func(Config)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(path); err != nil {
		return fmt.Errorf("config: watch %s: %w", path, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(path)
			if err != nil {
				logger.Printf("config: ignoring invalid update: %v", err)
				continue
			}
			logger.Printf("config: reloaded %s", path)
			onChange(cfg)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Printf("config: watcher error: %v", err)
		}
	}
}
