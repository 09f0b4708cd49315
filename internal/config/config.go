package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/dexkit/internal/cache"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type GlobalFlags struct {
	ConfigPath  string
	EnvFile     string
	JSON        bool
	Plain       bool
	Select      string
	ResultsOnly bool
	Enable      string
	ReadOnly    bool
	ChainID     int64
	RPCURLs     string
	DirectRPC   string
	Timeout     string
	Retries     int
	NoCache     bool
	LogLevel    string
}

type Settings struct {
	OutputMode   string
	SelectFields []string
	ResultsOnly  bool
	LogLevel     string

	EnableCommands []string
	ReadOnly       bool

	ChainID         int64
	RPCURLs         []string
	RemoteConfigURL string
	DirectRPCURL    string
	Timeout         time.Duration
	Retries         int
	Backoff         time.Duration
	MaxInFlight     int64

	BatchStall   time.Duration
	OverallStall time.Duration
	LogWindow    uint64
	Lookback     uint64

	CacheEnabled   bool
	CachePath      string
	CacheLockPath  string
	CacheRetention time.Duration

	JournalPath     string
	JournalLockPath string

	SlippageBps uint16
	TTL         time.Duration
	FeeBps      uint16
	FeeTokens   []string
	KeySource   string

	Contracts ContractOverrides
}

// ContractOverrides replace built-in deployment addresses when set.
type ContractOverrides struct {
	Factory       string
	Router        string
	WrappedNative string
	Multicall     string
	FeeRegistry   string
}

type fileConfig struct {
	Output   string   `yaml:"output"`
	LogLevel string   `yaml:"log_level"`
	Chain    *int64   `yaml:"chain_id"`
	Enable   []string `yaml:"enable_commands"`
	ReadOnly *bool    `yaml:"read_only"`
	RPC      struct {
		Endpoints   []string `yaml:"endpoints"`
		RemoteURL   string   `yaml:"remote_config_url"`
		DirectURL   string   `yaml:"direct_url"`
		Timeout     string   `yaml:"timeout"`
		Retries     *int     `yaml:"retries"`
		Backoff     string   `yaml:"backoff"`
		MaxInFlight *int64   `yaml:"max_in_flight"`
	} `yaml:"rpc"`
	Resolver struct {
		BatchStall   string  `yaml:"batch_stall"`
		OverallStall string  `yaml:"overall_stall"`
		LogWindow    *uint64 `yaml:"log_window"`
		Lookback     *uint64 `yaml:"lookback"`
	} `yaml:"resolver"`
	Cache struct {
		Enabled   *bool  `yaml:"enabled"`
		Path      string `yaml:"path"`
		LockPath  string `yaml:"lock_path"`
		Retention string `yaml:"retention"`
	} `yaml:"cache"`
	Journal struct {
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"journal"`
	Planner struct {
		SlippageBps *uint16  `yaml:"slippage_bps"`
		TTL         string   `yaml:"ttl"`
		FeeBps      *uint16  `yaml:"fee_bps"`
		FeeTokens   []string `yaml:"fee_tokens"`
		KeySource   string   `yaml:"key_source"`
	} `yaml:"planner"`
	Contracts struct {
		Factory       string `yaml:"factory"`
		Router        string `yaml:"router"`
		WrappedNative string `yaml:"wrapped_native"`
		Multicall     string `yaml:"multicall"`
		FeeRegistry   string `yaml:"fee_registry"`
	} `yaml:"contracts"`
}

// Load layers defaults, the YAML file, .env files, DEXKIT_* environment and
// flags, later sources winning.
func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := loadEnvFiles(flags.EnvFile, filepath.Join(filepath.Dir(cfgPath), ".env")); err != nil {
		return Settings{}, err
	}
	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 8 * time.Second
	}
	if settings.Retries <= 0 {
		settings.Retries = 1
	}
	if settings.SlippageBps > 10_000 {
		return Settings{}, fmt.Errorf("slippage_bps must be at most 10000")
	}
	if settings.FeeBps >= 10_000 {
		return Settings{}, fmt.Errorf("fee_bps must be below 10000")
	}
	if settings.TTL < time.Second {
		return Settings{}, fmt.Errorf("planner.ttl must be at least 1s")
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	dir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:      "json",
		LogLevel:        "warn",
		ChainID:         1,
		Timeout:         8 * time.Second,
		Retries:         5,
		Backoff:         250 * time.Millisecond,
		MaxInFlight:     6,
		BatchStall:      8 * time.Second,
		OverallStall:    10 * time.Second,
		CacheEnabled:    true,
		CachePath:       filepath.Join(dir, "cache.db"),
		CacheLockPath:   filepath.Join(dir, "cache.lock"),
		CacheRetention:  cache.DefaultRetention,
		JournalPath:     filepath.Join(dir, "journal.db"),
		JournalLockPath: filepath.Join(dir, "journal.lock"),
		SlippageBps:     50,
		TTL:             20 * time.Minute,
		KeySource:       "auto",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "dexkit", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".cache")
	}
	return filepath.Join(base, "dexkit"), nil
}

// loadEnvFiles loads an explicit env file, or else ./.env and the one next to
// the config file. Variables already in the environment are kept.
func loadEnvFiles(explicit, besideConfig string) error {
	if strings.TrimSpace(explicit) != "" {
		if err := godotenv.Load(explicit); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	for _, path := range []string{".env", besideConfig} {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if cfg.LogLevel != "" {
		settings.LogLevel = strings.ToLower(cfg.LogLevel)
	}
	if cfg.Chain != nil {
		settings.ChainID = *cfg.Chain
	}
	if len(cfg.Enable) > 0 {
		settings.EnableCommands = cfg.Enable
	}
	if cfg.ReadOnly != nil {
		settings.ReadOnly = *cfg.ReadOnly
	}
	if cfg.Journal.Path != "" {
		settings.JournalPath = cfg.Journal.Path
	}
	if cfg.Journal.LockPath != "" {
		settings.JournalLockPath = cfg.Journal.LockPath
	}
	if len(cfg.RPC.Endpoints) > 0 {
		settings.RPCURLs = cfg.RPC.Endpoints
	}
	if cfg.RPC.RemoteURL != "" {
		settings.RemoteConfigURL = cfg.RPC.RemoteURL
	}
	if cfg.RPC.DirectURL != "" {
		settings.DirectRPCURL = cfg.RPC.DirectURL
	}
	if err := parseDuration(cfg.RPC.Timeout, "rpc.timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.RPC.Retries != nil {
		settings.Retries = *cfg.RPC.Retries
	}
	if err := parseDuration(cfg.RPC.Backoff, "rpc.backoff", &settings.Backoff); err != nil {
		return err
	}
	if cfg.RPC.MaxInFlight != nil {
		settings.MaxInFlight = *cfg.RPC.MaxInFlight
	}
	if err := parseDuration(cfg.Resolver.BatchStall, "resolver.batch_stall", &settings.BatchStall); err != nil {
		return err
	}
	if err := parseDuration(cfg.Resolver.OverallStall, "resolver.overall_stall", &settings.OverallStall); err != nil {
		return err
	}
	if cfg.Resolver.LogWindow != nil {
		settings.LogWindow = *cfg.Resolver.LogWindow
	}
	if cfg.Resolver.Lookback != nil {
		settings.Lookback = *cfg.Resolver.Lookback
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if err := parseDuration(cfg.Cache.Retention, "cache.retention", &settings.CacheRetention); err != nil {
		return err
	}
	if cfg.Planner.SlippageBps != nil {
		settings.SlippageBps = *cfg.Planner.SlippageBps
	}
	if err := parseDuration(cfg.Planner.TTL, "planner.ttl", &settings.TTL); err != nil {
		return err
	}
	if cfg.Planner.FeeBps != nil {
		settings.FeeBps = *cfg.Planner.FeeBps
	}
	if len(cfg.Planner.FeeTokens) > 0 {
		settings.FeeTokens = cfg.Planner.FeeTokens
	}
	if cfg.Planner.KeySource != "" {
		settings.KeySource = cfg.Planner.KeySource
	}
	settings.Contracts = ContractOverrides{
		Factory:       cfg.Contracts.Factory,
		Router:        cfg.Contracts.Router,
		WrappedNative: cfg.Contracts.WrappedNative,
		Multicall:     cfg.Contracts.Multicall,
		FeeRegistry:   cfg.Contracts.FeeRegistry,
	}
	return nil
}

func parseDuration(raw, name string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv("DEXKIT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("DEXKIT_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("DEXKIT_ENABLE_COMMANDS"); v != "" {
		settings.EnableCommands = splitList(v)
	}
	if v := os.Getenv("DEXKIT_READ_ONLY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.ReadOnly = b
		}
	}
	if v := os.Getenv("DEXKIT_CHAIN_ID"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("DEXKIT_CHAIN_ID: %w", err)
		}
		settings.ChainID = n
	}
	// DEXKIT_RPC_URL is preferred over the DEXKIT_RPC_URLS list.
	var urls []string
	if v := strings.TrimSpace(os.Getenv("DEXKIT_RPC_URL")); v != "" {
		urls = append(urls, v)
	}
	urls = append(urls, splitList(os.Getenv("DEXKIT_RPC_URLS"))...)
	if len(urls) > 0 {
		settings.RPCURLs = append(urls, settings.RPCURLs...)
	}
	if v := os.Getenv("DEXKIT_REMOTE_CONFIG_URL"); v != "" {
		settings.RemoteConfigURL = v
	}
	if v := os.Getenv("DEXKIT_DIRECT_RPC_URL"); v != "" {
		settings.DirectRPCURL = v
	}
	if v := os.Getenv("DEXKIT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("DEXKIT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.Retries = n
		}
	}
	if v := os.Getenv("DEXKIT_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("DEXKIT_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("DEXKIT_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("DEXKIT_SLIPPAGE_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			settings.SlippageBps = uint16(n)
		}
	}
	if v := os.Getenv("DEXKIT_FEE_BPS"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 16); err == nil {
			settings.FeeBps = uint16(n)
		}
	}
	if v := os.Getenv("DEXKIT_FEE_TOKENS"); v != "" {
		settings.FeeTokens = splitList(v)
	}
	if v := os.Getenv("DEXKIT_FEE_REGISTRY"); v != "" {
		settings.Contracts.FeeRegistry = v
	}
	if v := os.Getenv("DEXKIT_KEY_SOURCE"); v != "" {
		settings.KeySource = v
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if strings.TrimSpace(flags.Select) != "" {
		settings.SelectFields = splitList(flags.Select)
	}
	settings.ResultsOnly = flags.ResultsOnly
	if strings.TrimSpace(flags.Enable) != "" {
		settings.EnableCommands = splitList(flags.Enable)
	}
	if flags.ReadOnly {
		settings.ReadOnly = true
	}

	if flags.ChainID > 0 {
		settings.ChainID = flags.ChainID
	}
	if urls := splitList(flags.RPCURLs); len(urls) > 0 {
		settings.RPCURLs = append(urls, settings.RPCURLs...)
	}
	if flags.DirectRPC != "" {
		settings.DirectRPCURL = flags.DirectRPC
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Retries > 0 {
		settings.Retries = flags.Retries
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch settings.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error")
	}
	return nil
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
