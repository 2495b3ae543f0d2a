package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/me/vgrid/pkg/model"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func validConfig() Config {
	cfg := Default()
	cfg.APIKey = "key"
	cfg.AppName = "shop"
	cfg.Browsers = []model.RenderTarget{{Width: 1024, Height: 768, Browser: model.Browser{Name: "chrome"}}}
	return cfg
}

func TestDefaultValidatesWithIdentity(t *testing.T) {
	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidateCollectsEveryField(t *testing.T) {
	cfg := Config{ServerURL: "not a url", LogLevel: "loud", LogFormat: "xml",
		Browsers: []model.RenderTarget{{Name: "broken"}}}
	err := cfg.Validate()

	var ce *model.ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Validate err = %v, want *model.ConfigError", err)
	}
	want := map[string]bool{
		"server_url": true, "api_key": true, "app_name": true, "concurrency": true,
		"snapshot_timeout": true, "snapshot_poll_interval": true, "render_poll_interval": true,
		"browsers[0].browser.name": true, "browsers[0]": true, "log_level": true, "log_format": true,
	}
	got := map[string]bool{}
	for _, f := range ce.Fields {
		got[f.Field] = true
	}
	for field := range want {
		if !got[field] {
			t.Errorf("missing field error for %s (got %v)", field, ce.Fields)
		}
	}
	if len(ce.Fields) != len(want) {
		t.Errorf("got %d field errors, want %d", len(ce.Fields), len(want))
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "vgrid.yaml", `
server_url: https://grid.example
app_name: shop
concurrency: 4
snapshot_timeout: 90s
batch:
  name: nightly
browsers:
  - name: desktop
    width: 1280
    height: 800
    browser: {name: chrome}
    platform: {name: linux}
`)
	t.Setenv("VGRID_API_KEY", "from-env")
	t.Setenv("VGRID_BRANCH", "feature")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	tests := []struct {
		name string
		got  any
		want any
	}{
		{"server_url", cfg.ServerURL, "https://grid.example"},
		{"api_key", cfg.APIKey, "from-env"},
		{"branch", cfg.BranchName, "feature"},
		{"concurrency", cfg.Concurrency, 4},
		{"snapshot_timeout", cfg.SnapshotTimeout, 90 * time.Second},
		{"default poll interval", cfg.SnapshotPollInterval, 200 * time.Millisecond},
		{"batch name", cfg.Batch.Name, "nightly"},
		{"target key", cfg.Browsers[0].Key(), "desktop"},
		{"platform", cfg.Browsers[0].Platform.Name, "linux"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeFile(t, t.TempDir(), "vgrid.yaml", "app_nmae: typo\n")
	if _, err := Load(path); err == nil {
		t.Error("Load accepted an unknown key")
	}
}

func TestApplyEnvErrors(t *testing.T) {
	env := map[string]string{"VGRID_CONCURRENCY": "many", "VGRID_SEND_DOM": "perhaps", "VGRID_BATCH_ID": "b7"}
	cfg := Default()
	err := cfg.ApplyEnv(func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err == nil {
		t.Fatal("ApplyEnv err = nil, want parse errors")
	}
	if cfg.Concurrency != 10 || !cfg.SendDom {
		t.Errorf("invalid values were applied: %+v", cfg)
	}
	if cfg.Batch.ID != "b7" {
		t.Errorf("Batch.ID = %q, want b7", cfg.Batch.ID)
	}
}

func TestLoadSuite(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "home.js", `var page = {url: 'https://shop.example/', document: {tagName: 'HTML'}};`)
	path := writeFile(t, dir, "suite.yaml", `
config:
  api_key: key
  app_name: shop
  browsers:
    - {width: 800, height: 600, browser: {name: firefox}}
pages:
  - name: home
    fixture: home.js
    checks:
      - name: full page
        size_mode: full-page
        regions:
          ignore: ["#ad"]
`)
	suite, err := LoadSuite(path)
	if err != nil {
		t.Fatalf("LoadSuite: %v", err)
	}
	if err := suite.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	p := suite.Pages[0]
	if p.Script == "" {
		t.Error("fixture was not loaded")
	}
	if c := p.Checks[0]; c.SizeMode != model.SizeModeFullPage || c.Regions["ignore"][0] != "#ad" {
		t.Errorf("check = %+v", c)
	}
	if suite.Config.Concurrency != 10 {
		t.Errorf("Concurrency = %d, want the default 10", suite.Config.Concurrency)
	}
}

func TestSuiteValidate(t *testing.T) {
	suite := &Suite{Config: validConfig(), Pages: []Page{{Name: "a"}, {Name: "a", Script: "x"}}}
	var ce *model.ConfigError
	if err := suite.Validate(); !errors.As(err, &ce) {
		t.Fatalf("Validate err = %v, want *model.ConfigError", err)
	}
	// a: no script, no checks; second a: duplicate, no checks.
	if len(ce.Fields) != 4 {
		t.Errorf("fields = %+v, want 4", ce.Fields)
	}
}
