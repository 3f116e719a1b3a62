package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProxyConfig names an optional SOCKS5 endpoint for one account's connection.
type ProxyConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Account defines one supervised agent. Immutable, supplied at startup.
type Account struct {
	ID       string       `yaml:"id"`
	Username string       `yaml:"username"`
	Auth     string       `yaml:"auth"` // "offline", "microsoft", ...
	Proxy    *ProxyConfig `yaml:"proxy"`
}

// ServerConfig names the remote service every session connects to.
type ServerConfig struct {
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	Version string `yaml:"version"`
}

// DelayRange is an inclusive [min,max] delay window in seconds.
type DelayRange struct {
	MinSeconds int `yaml:"min_seconds"`
	MaxSeconds int `yaml:"max_seconds"`
}

// StaggerConfig controls the randomized per-slot startup delay that keeps
// the fleet from bursting simultaneous connection attempts.
type StaggerConfig struct {
	Slots   []DelayRange `yaml:"slots"`   // indexed by startup order
	Default DelayRange   `yaml:"default"` // slots beyond the configured list
}

type ReconnectConfig struct {
	Enabled      bool `yaml:"enabled"`
	DelaySeconds int  `yaml:"delay_seconds"`
}

// MaintenanceConfig drives the maintenance-notice pause. The pause duration
// is drawn uniformly from [PauseMinMinutes, PauseMaxMinutes].
type MaintenanceConfig struct {
	Phrases         []string `yaml:"phrases"`
	PauseMinMinutes int      `yaml:"pause_min_minutes"`
	PauseMaxMinutes int      `yaml:"pause_max_minutes"`
}

// IncrementRule matches a verb+quantity+noun line and adds the quantity to
// the named counter instead of replacing it.
type IncrementRule struct {
	Counter string `yaml:"counter"`
	Pattern string `yaml:"pattern"`
}

// ExtractConfig holds the signal-extraction policy. The noise floor and
// ceiling are deliberately configuration, not constants: observed server
// output varies and the plausible-value window varies with it.
type ExtractConfig struct {
	BalanceCounter string          `yaml:"balance_counter"`
	Labels         []string        `yaml:"labels"`
	Floor          int64           `yaml:"floor"`
	Ceiling        int64           `yaml:"ceiling"`
	Increments     []IncrementRule `yaml:"increments"`
}

// ScheduleConfig defines one periodic chat query (e.g. a balance re-query).
type ScheduleConfig struct {
	Name    string `yaml:"name"`
	Cron    string `yaml:"cron"`
	Command string `yaml:"command"`
	Target  string `yaml:"target"` // account id or "all"
}

// QueryConfig controls balance querying: the one-shot query sent shortly
// after a session comes online, plus recurring cron schedules.
type QueryConfig struct {
	Command             string           `yaml:"command"`
	InitialDelaySeconds int              `yaml:"initial_delay_seconds"`
	Schedules           []ScheduleConfig `yaml:"schedules"`
}

type ChatConfig struct {
	MaxMessageLength int `yaml:"max_message_length"`
}

// ViewerConfig configures the live-view feed process. Each session's feed
// listens on BasePort + its startup slot.
type ViewerConfig struct {
	Command             string   `yaml:"command"`
	Args                []string `yaml:"args"`
	BasePort            int      `yaml:"base_port"`
	ReadyTimeoutSeconds int      `yaml:"ready_timeout_seconds"`
}

type GatewayConfig struct {
	Enabled      bool     `yaml:"enabled"`
	BindAddr     string   `yaml:"bind_addr"`
	AuthToken    string   `yaml:"auth_token"`
	AllowOrigins []string `yaml:"allow_origins"`
}

type TelegramConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Token      string  `yaml:"token"`
	AllowedIDs []int64 `yaml:"allowed_ids"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// ProtocolConfig selects how sessions reach the remote service: "stdio"
// bridges to an external protocol-client process, "simulate" runs the
// built-in simulated connection (tests, dry runs).
type ProtocolConfig struct {
	Mode    string   `yaml:"mode"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel                 string `yaml:"log_level"`
	HeartbeatIntervalSeconds int    `yaml:"heartbeat_interval_seconds"`

	Server      ServerConfig      `yaml:"server"`
	Accounts    []Account         `yaml:"accounts"`
	Protocol    ProtocolConfig    `yaml:"protocol"`
	Stagger     StaggerConfig     `yaml:"stagger"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Extract     ExtractConfig     `yaml:"extract"`
	Query       QueryConfig       `yaml:"query"`
	Chat        ChatConfig        `yaml:"chat"`
	Viewer      ViewerConfig      `yaml:"viewer"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Channels    ChannelsConfig    `yaml:"channels"`
	Telemetry   TelemetryConfig   `yaml:"telemetry"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func HomeDir() string {
	if override := os.Getenv("BOTFLEET_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".botfleet")
}

func defaultConfig() Config {
	return Config{
		LogLevel:                 "info",
		HeartbeatIntervalSeconds: 30,
		Server:                   ServerConfig{Port: 25565},
		Protocol:                 ProtocolConfig{Mode: "stdio"},
		Stagger: StaggerConfig{
			Default: DelayRange{MinSeconds: 5, MaxSeconds: 60},
		},
		Reconnect: ReconnectConfig{Enabled: true, DelaySeconds: 5},
		Maintenance: MaintenanceConfig{
			Phrases: []string{
				"server is currently under maintenance",
				"the server is restarting",
				"maintenance mode enabled",
			},
			PauseMinMinutes: 10,
			PauseMaxMinutes: 25,
		},
		Extract: ExtractConfig{
			BalanceCounter: "balance",
			Labels:         []string{"your balance", "balance"},
			Floor:          100,
			Ceiling:        10_000_000,
		},
		Query: QueryConfig{
			Command:             "/balance",
			InitialDelaySeconds: 8,
		},
		Chat: ChatConfig{MaxMessageLength: 100},
		Viewer: ViewerConfig{
			BasePort:            3100,
			ReadyTimeoutSeconds: 15,
		},
		Gateway: GatewayConfig{
			Enabled:  true,
			BindAddr: "127.0.0.1:18520",
		},
	}
}

// Load reads config.yaml from the home directory, applies environment
// overrides and fills defaults. A missing file yields the defaults; the
// daemon path must call Validate afterwards.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create botfleet home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := ValidateDocument(data); err != nil {
			return cfg, fmt.Errorf("config.yaml: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

// Validate checks supervisor preconditions. No accounts means there is
// nothing to supervise, which is fatal at startup.
func (c Config) Validate() error {
	if len(c.Accounts) == 0 {
		return fmt.Errorf("no accounts configured in %s", ConfigPath(c.HomeDir))
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for _, acct := range c.Accounts {
		if strings.TrimSpace(acct.ID) == "" {
			return fmt.Errorf("account with empty id")
		}
		if _, dup := seen[acct.ID]; dup {
			return fmt.Errorf("duplicate account id %q", acct.ID)
		}
		seen[acct.ID] = struct{}{}
	}
	for _, r := range append(append([]DelayRange{}, c.Stagger.Slots...), c.Stagger.Default) {
		if r.MinSeconds < 0 || r.MaxSeconds < r.MinSeconds {
			return fmt.Errorf("invalid stagger range [%d,%d]", r.MinSeconds, r.MaxSeconds)
		}
	}
	if c.Maintenance.PauseMaxMinutes < c.Maintenance.PauseMinMinutes {
		return fmt.Errorf("maintenance pause_max_minutes (%d) < pause_min_minutes (%d)",
			c.Maintenance.PauseMaxMinutes, c.Maintenance.PauseMinMinutes)
	}
	if c.Extract.Ceiling <= c.Extract.Floor {
		return fmt.Errorf("extract ceiling (%d) must exceed floor (%d)", c.Extract.Ceiling, c.Extract.Floor)
	}
	return nil
}

// StaggerRange returns the delay window for the given startup slot.
func (c Config) StaggerRange(slot int) DelayRange {
	if slot >= 0 && slot < len(c.Stagger.Slots) {
		return c.Stagger.Slots[slot]
	}
	return c.Stagger.Default
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "accounts=%d|server=%s:%d|bind=%s|log=%s|floor=%d|ceiling=%d",
		len(c.Accounts), c.Server.Host, c.Server.Port, c.Gateway.BindAddr,
		c.LogLevel, c.Extract.Floor, c.Extract.Ceiling)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = 30
	}
	if cfg.Protocol.Mode == "" {
		cfg.Protocol.Mode = "stdio"
	}
	if cfg.Stagger.Default.MaxSeconds <= 0 {
		cfg.Stagger.Default = DelayRange{MinSeconds: 5, MaxSeconds: 60}
	}
	if cfg.Reconnect.DelaySeconds <= 0 {
		cfg.Reconnect.DelaySeconds = 5
	}
	if cfg.Maintenance.PauseMinMinutes <= 0 {
		cfg.Maintenance.PauseMinMinutes = 10
	}
	if cfg.Maintenance.PauseMaxMinutes <= 0 {
		cfg.Maintenance.PauseMaxMinutes = 25
	}
	if cfg.Extract.BalanceCounter == "" {
		cfg.Extract.BalanceCounter = "balance"
	}
	if len(cfg.Extract.Labels) == 0 {
		cfg.Extract.Labels = []string{"your balance", "balance"}
	}
	if cfg.Extract.Floor <= 0 {
		cfg.Extract.Floor = 100
	}
	if cfg.Extract.Ceiling <= 0 {
		cfg.Extract.Ceiling = 10_000_000
	}
	if cfg.Query.Command == "" {
		cfg.Query.Command = "/balance"
	}
	if cfg.Query.InitialDelaySeconds <= 0 {
		cfg.Query.InitialDelaySeconds = 8
	}
	if cfg.Chat.MaxMessageLength <= 0 {
		cfg.Chat.MaxMessageLength = 100
	}
	if cfg.Viewer.BasePort <= 0 {
		cfg.Viewer.BasePort = 3100
	}
	if cfg.Viewer.ReadyTimeoutSeconds <= 0 {
		cfg.Viewer.ReadyTimeoutSeconds = 15
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = "127.0.0.1:18520"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("BOTFLEET_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("BOTFLEET_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("BOTFLEET_AUTH_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
	if raw := os.Getenv("BOTFLEET_SERVER_HOST"); raw != "" {
		cfg.Server.Host = raw
	}
	if raw := os.Getenv("BOTFLEET_SERVER_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Server.Port = v
		}
	}
	if raw := os.Getenv("BOTFLEET_RECONNECT_DELAY_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Reconnect.DelaySeconds = v
		}
	}
	if raw := os.Getenv("TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
