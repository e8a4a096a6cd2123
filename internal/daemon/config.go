package daemon

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/voxnote/voxnote/internal/app/credit"
	"github.com/voxnote/voxnote/internal/domain"
)

// Config is the on-disk configuration at ~/.voxnote/config.toml.
type Config struct {
	API      APIConfig      `toml:"api"`
	Log      LogConfig      `toml:"log"`
	AI       AIConfig       `toml:"ai"`
	Credits  CreditsConfig  `toml:"credits"`
	Payments PaymentsConfig `toml:"payments"`
	Admin    AdminConfig    `toml:"admin"`
}

// APIConfig controls the HTTP server.
type APIConfig struct {
	Host    string `toml:"host"`
	Port    int    `toml:"port"`
	Metrics bool   `toml:"metrics"`

	// AllowedOrigins lists browser origins besides the server's own that
	// may call the API. Empty means same-origin only.
	AllowedOrigins []string `toml:"allowed_origins"`
}

// LogConfig controls zap.
type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // json or console
}

// AIConfig points at an OpenAI-compatible completion endpoint.
type AIConfig struct {
	BaseURL string `toml:"base_url"`
	Model   string `toml:"model"`
	APIKey  string `toml:"api_key"`
	Timeout string `toml:"timeout"`
}

// CreditsConfig holds costs, the package catalog and manager policy.
type CreditsConfig struct {
	Costs               map[string]int64       `toml:"costs"`
	Packages            []domain.CreditPackage `toml:"packages"`
	LowBalanceThreshold int64                  `toml:"low_balance_threshold"`
	BackupCodes         int                    `toml:"backup_codes"`
	CorruptionPolicy    string                 `toml:"corruption_policy"`
}

// PaymentsConfig configures the demo payment processor.
type PaymentsConfig struct {
	DemoDelay string `toml:"demo_delay"`
}

// AdminConfig guards the reset and clear endpoints.
type AdminConfig struct {
	Token string `toml:"token"`
}

// DefaultConfig returns the shipped defaults.
func DefaultConfig() Config {
	cc := credit.DefaultConfig()
	costs := make(map[string]int64, len(cc.Costs))
	for op, c := range cc.Costs {
		costs[string(op)] = c
	}
	return Config{
		API: APIConfig{
			Host:    "127.0.0.1",
			Port:    7410,
			Metrics: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		AI: AIConfig{
			BaseURL: "https://api.openai.com/v1",
			Model:   "gpt-4o-mini",
			Timeout: "60s",
		},
		Credits: CreditsConfig{
			Costs:               costs,
			Packages:            cc.Packages,
			LowBalanceThreshold: cc.LowBalanceThreshold,
			BackupCodes:         cc.BackupCodeCount,
			CorruptionPolicy:    string(cc.CorruptionPolicy),
		},
		Payments: PaymentsConfig{
			DemoDelay: "1500ms",
		},
	}
}

// ─── Loading ────────────────────────────────────────────────────────────────

// Home returns the voxnote data directory: $VOXNOTE_HOME or ~/.voxnote.
func Home() (string, error) {
	if h := os.Getenv("VOXNOTE_HOME"); h != "" {
		return h, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate home directory: %w", err)
	}
	return filepath.Join(home, ".voxnote"), nil
}

// LoadConfig reads home/config.toml over the defaults, then applies .env
// files and environment overrides. A missing config file is not an error.
func LoadConfig(home string) (Config, error) {
	cfg := DefaultConfig()

	path := filepath.Join(home, "config.toml")
	if _, err := toml.DecodeFile(path, &cfg); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	// .env never overrides variables already set in the environment.
	for _, p := range []string{filepath.Join(home, ".env"), ".env"} {
		if err := godotenv.Load(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return cfg, fmt.Errorf("load %s: %w", p, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("VOXNOTE_AI_API_KEY"); v != "" {
		cfg.AI.APIKey = v
	}
	if v := os.Getenv("VOXNOTE_AI_BASE_URL"); v != "" {
		cfg.AI.BaseURL = v
	}
	if v := os.Getenv("VOXNOTE_ADMIN_TOKEN"); v != "" {
		cfg.Admin.Token = v
	}
	if v := os.Getenv("VOXNOTE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("VOXNOTE_ALLOWED_ORIGINS"); v != "" {
		cfg.API.AllowedOrigins = nil
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.API.AllowedOrigins = append(cfg.API.AllowedOrigins, o)
			}
		}
	}
	if v := os.Getenv("VOXNOTE_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.API.Port = p
		}
	}
}

// WriteDefault writes the default config to home/config.toml unless the
// file already exists. It reports whether a file was written.
func WriteDefault(home string) (bool, error) {
	path := filepath.Join(home, "config.toml")
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return false, err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return false, err
	}
	defer f.Close()
	if err := toml.NewEncoder(f).Encode(DefaultConfig()); err != nil {
		return false, fmt.Errorf("write %s: %w", path, err)
	}
	return true, nil
}

// ─── Conversion ─────────────────────────────────────────────────────────────

// CreditConfig converts the file representation to a validated credit.Config.
func (c Config) CreditConfig() (credit.Config, error) {
	cc := credit.Config{
		Costs:               make(map[domain.Operation]int64, len(c.Credits.Costs)),
		Packages:            append([]domain.CreditPackage(nil), c.Credits.Packages...),
		LowBalanceThreshold: c.Credits.LowBalanceThreshold,
		BackupCodeCount:     c.Credits.BackupCodes,
		CorruptionPolicy:    credit.CorruptionPolicy(strings.ToLower(c.Credits.CorruptionPolicy)),
	}
	for op, cost := range c.Credits.Costs {
		cc.Costs[domain.Operation(op)] = cost
	}
	for i, p := range cc.Packages {
		cc.Packages[i].Price = p.Price.Round(2)
		if cc.Packages[i].Label == "" {
			cc.Packages[i].Label = p.Key
		}
	}
	if err := cc.Validate(); err != nil {
		return credit.Config{}, fmt.Errorf("credits config: %w", err)
	}
	return cc, nil
}

// Addr returns the API listen address.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.API.Host, c.API.Port)
}

// DemoDelay returns the simulated payment latency.
func (c Config) DemoDelay() time.Duration {
	return parseDuration(c.Payments.DemoDelay, 1500*time.Millisecond)
}

// AITimeout returns the completion request timeout.
func (c Config) AITimeout() time.Duration {
	return parseDuration(c.AI.Timeout, 60*time.Second)
}

// parseDuration parses s, falling back to def when empty or invalid.
// Bare integers are milliseconds.
func parseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms >= 0 {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
