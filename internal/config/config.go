// Package config loads client, suite and server configuration from YAML
// files and VGRID_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/me/vgrid/internal/logging"
	"github.com/me/vgrid/pkg/model"
	"gopkg.in/yaml.v3"
)

// Config holds the client configuration of a run.
type Config struct {
	ServerURL        string          `yaml:"server_url"`
	APIKey           string          `yaml:"api_key"`
	AppName          string          `yaml:"app_name"`
	AgentID          string          `yaml:"agent_id"`
	Batch            model.BatchInfo `yaml:"batch"`
	BranchName       string          `yaml:"branch_name"`
	ParentBranchName string          `yaml:"parent_branch_name"`
	MatchLevel       string          `yaml:"match_level"`
	SendDom          bool            `yaml:"send_dom"`

	// Concurrency bounds the render jobs in flight across all targets.
	Concurrency          int           `yaml:"concurrency"`
	SnapshotTimeout      time.Duration `yaml:"snapshot_timeout"`
	SnapshotPollInterval time.Duration `yaml:"snapshot_poll_interval"`
	WaitBeforeCapture    time.Duration `yaml:"wait_before_capture"`
	RenderPollInterval   time.Duration `yaml:"render_poll_interval"`

	Browsers []model.RenderTarget `yaml:"browsers"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns sensible defaults.
func Default() Config {
	return Config{
		ServerURL:            "http://localhost:8080",
		AgentID:              "vgrid/0.1.0",
		SendDom:              true,
		Concurrency:          10,
		SnapshotTimeout:      5 * time.Minute,
		SnapshotPollInterval: 200 * time.Millisecond,
		RenderPollInterval:   500 * time.Millisecond,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Load reads a YAML config file over the defaults and applies the
// environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := decodeStrict(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// decodeStrict rejects unknown keys so typos do not pass silently.
func decodeStrict(data []byte, out any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from VGRID_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"VGRID_SERVER_URL":    &c.ServerURL,
		"VGRID_API_KEY":       &c.APIKey,
		"VGRID_APP_NAME":      &c.AppName,
		"VGRID_BRANCH":        &c.BranchName,
		"VGRID_PARENT_BRANCH": &c.ParentBranchName,
		"VGRID_BATCH_ID":      &c.Batch.ID,
		"VGRID_BATCH_NAME":    &c.Batch.Name,
		"VGRID_LOG_LEVEL":     &c.LogLevel,
		"VGRID_LOG_FORMAT":    &c.LogFormat,
	}
	for key, field := range strs {
		if v, ok := lookup(key); ok {
			*field = v
		}
	}

	var errs *multierror.Error
	if v, ok := lookup("VGRID_CONCURRENCY"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("VGRID_CONCURRENCY: %w", err))
		} else {
			c.Concurrency = n
		}
	}
	if v, ok := lookup("VGRID_SNAPSHOT_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("VGRID_SNAPSHOT_TIMEOUT: %w", err))
		} else {
			c.SnapshotTimeout = d
		}
	}
	if v, ok := lookup("VGRID_SEND_DOM"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("VGRID_SEND_DOM: %w", err))
		} else {
			c.SendDom = b
		}
	}
	return errs.ErrorOrNil()
}

// Validate reports every invalid field at once as a *model.ConfigError.
func (c *Config) Validate() error {
	var fields []model.FieldError
	add := func(field, msg string) {
		fields = append(fields, model.FieldError{Field: field, Message: msg})
	}

	if c.ServerURL == "" {
		add("server_url", "is required")
	} else if u, err := url.Parse(c.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
		add("server_url", fmt.Sprintf("%q is not an absolute URL", c.ServerURL))
	}
	if c.APIKey == "" {
		add("api_key", "is required (or set VGRID_API_KEY)")
	}
	if c.AppName == "" {
		add("app_name", "is required")
	}
	if c.Concurrency <= 0 {
		add("concurrency", "must be positive")
	}
	if c.SnapshotTimeout <= 0 {
		add("snapshot_timeout", "must be positive")
	}
	if c.SnapshotPollInterval <= 0 {
		add("snapshot_poll_interval", "must be positive")
	}
	if c.RenderPollInterval <= 0 {
		add("render_poll_interval", "must be positive")
	}
	if c.WaitBeforeCapture < 0 {
		add("wait_before_capture", "must not be negative")
	}
	if len(c.Browsers) == 0 {
		add("browsers", "at least one render target is required")
	}
	for i, b := range c.Browsers {
		if b.Browser.Name == "" {
			add(fmt.Sprintf("browsers[%d].browser.name", i), "is required")
		}
		if b.DeviceName == "" && (b.Width <= 0 || b.Height <= 0) {
			add(fmt.Sprintf("browsers[%d]", i), "width and height must be positive")
		}
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		add("log_level", err.Error())
	}
	if !logging.ValidFormat(c.LogFormat) {
		add("log_format", fmt.Sprintf("unknown format %q (want text or json)", c.LogFormat))
	}

	if len(fields) > 0 {
		return &model.ConfigError{Fields: fields}
	}
	return nil
}

// ServerConfig holds configuration for the reference grid server.
type ServerConfig struct {
	Addr        string // Listen address (default ":8080")
	LogLevel    string // Log level: debug, info, warn, error
	LogFormat   string // Log format: text, json
	APIKey      string // Required X-Api-Key; empty disables the check
	RenderPolls int    // Status polls a render stays in progress
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:        ":8080",
		LogLevel:    "info",
		LogFormat:   "text",
		RenderPolls: 1,
	}
}
