package daemon

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/voxnote/voxnote/internal/app/credit"
	"github.com/voxnote/voxnote/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.API.Host != "127.0.0.1" {
		t.Errorf("API.Host = %q, want %q", cfg.API.Host, "127.0.0.1")
	}
	if cfg.API.Port != 7410 {
		t.Errorf("API.Port = %d, want %d", cfg.API.Port, 7410)
	}
	if cfg.Credits.Costs["polish"] != 10 || cfg.Credits.Costs["translate"] != 7 {
		t.Errorf("Credits.Costs = %v", cfg.Credits.Costs)
	}
	if cfg.Credits.CorruptionPolicy != "block" {
		t.Errorf("Credits.CorruptionPolicy = %q, want block", cfg.Credits.CorruptionPolicy)
	}
	if cfg.Admin.Token != "" {
		t.Error("Admin.Token should be empty by default (admin routes disabled)")
	}
	if _, err := cfg.CreditConfig(); err != nil {
		t.Errorf("CreditConfig() error: %v", err)
	}
}

func TestParseDuration(t *testing.T) {
	def := 2 * time.Second
	tests := []struct {
		input string
		want  time.Duration
	}{
		{"1500ms", 1500 * time.Millisecond},
		{"3s", 3 * time.Second},
		{"250", 250 * time.Millisecond},
		{"0", 0},
		{"", def},
		{"soon", def},
		{"-1s", def},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got := parseDuration(tt.input, def)
			if got != tt.want {
				t.Errorf("parseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Port != DefaultConfig().API.Port {
		t.Errorf("API.Port = %d", cfg.API.Port)
	}
}

func TestLoadConfig_FileOverlay(t *testing.T) {
	home := t.TempDir()
	body := `
[api]
port = 9000

[credits]
corruption_policy = "reset"

[credits.costs]
polish = 12

[[credits.packages]]
key = "mini"
credits = 20
price = "0.199"
`
	if err := os.WriteFile(filepath.Join(home, "config.toml"), []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(home)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.API.Port != 9000 || cfg.API.Host != "127.0.0.1" {
		t.Errorf("API = %+v", cfg.API)
	}

	cc, err := cfg.CreditConfig()
	if err != nil {
		t.Fatalf("CreditConfig() error: %v", err)
	}
	if cc.Costs[domain.OpPolish] != 12 || cc.Costs[domain.OpTranslate] != 7 {
		t.Errorf("Costs = %v, want polish overridden and translate kept", cc.Costs)
	}
	if len(cc.Packages) != 1 || cc.Packages[0].Key != "mini" {
		t.Fatalf("Packages = %+v", cc.Packages)
	}
	if cc.Packages[0].Price.String() != "0.2" || cc.Packages[0].Label != "mini" {
		t.Errorf("package = %+v", cc.Packages[0])
	}
	if cc.CorruptionPolicy != credit.PolicyReset {
		t.Errorf("CorruptionPolicy = %q", cc.CorruptionPolicy)
	}
}

func TestLoadConfig_BadFile(t *testing.T) {
	home := t.TempDir()
	os.WriteFile(filepath.Join(home, "config.toml"), []byte("[api\nport="), 0o600)
	if _, err := LoadConfig(home); err == nil {
		t.Error("LoadConfig() should fail on malformed TOML")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	home := t.TempDir()
	os.WriteFile(filepath.Join(home, ".env"), []byte("VOXNOTE_ADMIN_TOKEN=from-dotenv\n"), 0o600)
	t.Setenv("VOXNOTE_AI_API_KEY", "sk-env")
	t.Setenv("VOXNOTE_PORT", "8123")
	t.Setenv("VOXNOTE_ADMIN_TOKEN", "from-env")
	t.Setenv("VOXNOTE_ALLOWED_ORIGINS", "http://localhost:5173, ,https://notes.example")

	cfg, err := LoadConfig(home)
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}
	if cfg.AI.APIKey != "sk-env" || cfg.API.Port != 8123 {
		t.Errorf("AI.APIKey = %q, API.Port = %d", cfg.AI.APIKey, cfg.API.Port)
	}
	if cfg.Admin.Token != "from-env" {
		t.Errorf("Admin.Token = %q, want the real environment to win over .env", cfg.Admin.Token)
	}
	if got := cfg.API.AllowedOrigins; len(got) != 2 || got[0] != "http://localhost:5173" || got[1] != "https://notes.example" {
		t.Errorf("API.AllowedOrigins = %q", got)
	}
}

func TestCreditConfig_Invalid(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Credits.CorruptionPolicy = "ignore"
	if _, err := cfg.CreditConfig(); err == nil {
		t.Error("CreditConfig() should reject unknown policy")
	}
}

func TestWriteDefault(t *testing.T) {
	home := filepath.Join(t.TempDir(), "voxnote")
	wrote, err := WriteDefault(home)
	if err != nil || !wrote {
		t.Fatalf("WriteDefault() = %v, %v", wrote, err)
	}
	wrote, err = WriteDefault(home)
	if err != nil || wrote {
		t.Errorf("second WriteDefault() = %v, %v; want false, nil", wrote, err)
	}

	cfg, err := LoadConfig(home)
	if err != nil {
		t.Fatalf("LoadConfig() after WriteDefault error: %v", err)
	}
	cc, err := cfg.CreditConfig()
	if err != nil {
		t.Fatalf("CreditConfig() error: %v", err)
	}
	if len(cc.Packages) != 3 || cc.Packages[2].Price.String() != "7.99" {
		t.Errorf("round-tripped packages = %+v", cc.Packages)
	}
}

// ─── Daemon ─────────────────────────────────────────────────────────────────

func TestNewLogger(t *testing.T) {
	if _, err := NewLogger(LogConfig{Level: "debug", Format: "json"}); err != nil {
		t.Errorf("NewLogger(json) error: %v", err)
	}
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Error("NewLogger() should reject an unknown level")
	}
}

func TestNew_WiresManager(t *testing.T) {
	home := t.TempDir()
	cfg := DefaultConfig()
	cfg.Payments.DemoDelay = "0"

	d, err := New(context.Background(), cfg, home, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	defer d.Close()

	if d.Credits.State() != credit.StateReady {
		t.Errorf("State() = %v, want ready", d.Credits.State())
	}
	if _, err := d.Credits.PurchaseCredits(context.Background(), "starter", "demo"); err != nil {
		t.Fatalf("PurchaseCredits() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(home, "credits.db")); err != nil {
		t.Errorf("credits.db not created: %v", err)
	}
	if d.Server() == nil {
		t.Error("Server() = nil")
	}
	if err := d.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
}
