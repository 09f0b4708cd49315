package config

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func isolate(t *testing.T) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	for _, key := range []string{"DEXKIT_OUTPUT", "DEXKIT_RPC_URL", "DEXKIT_RPC_URLS", "DEXKIT_CHAIN_ID", "DEXKIT_SLIPPAGE_BPS", "DEXKIT_ENABLE_COMMANDS", "DEXKIT_READ_ONLY"} {
		t.Setenv(key, "")
	}
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(tmp); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return tmp
}

func TestLoadPrecedenceFlagsOverEnvOverFile(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	body := "output: plain\nrpc:\n  retries: 1\n  endpoints: [\"https://file.example\"]\nplanner:\n  slippage_bps: 30\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("DEXKIT_OUTPUT", "json")
	t.Setenv("DEXKIT_RPC_URL", "https://env.example")
	flags := GlobalFlags{ConfigPath: configPath, Plain: true, Retries: 3, RPCURLs: "https://flag.example"}
	settings, err := Load(flags)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.OutputMode != "plain" {
		t.Fatalf("expected flag to win, got output=%s", settings.OutputMode)
	}
	if settings.Retries != 3 {
		t.Fatalf("expected retries from flags, got %d", settings.Retries)
	}
	want := []string{"https://flag.example", "https://env.example", "https://file.example"}
	if !reflect.DeepEqual(settings.RPCURLs, want) {
		t.Fatalf("unexpected endpoint order %v", settings.RPCURLs)
	}
	if settings.SlippageBps != 30 {
		t.Fatalf("expected slippage from file, got %d", settings.SlippageBps)
	}
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)
	settings, err := Load(GlobalFlags{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.ChainID != 1 || settings.Retries != 5 || settings.MaxInFlight != 6 {
		t.Fatalf("unexpected defaults %+v", settings)
	}
	if settings.BatchStall != 8*time.Second || settings.OverallStall != 10*time.Second {
		t.Fatalf("unexpected stall defaults %s/%s", settings.BatchStall, settings.OverallStall)
	}
	if filepath.Base(filepath.Dir(settings.CachePath)) != "dexkit" {
		t.Fatalf("unexpected cache path %s", settings.CachePath)
	}
}

func TestLoadCacheRetention(t *testing.T) {
	tmp := isolate(t)
	settings, err := Load(GlobalFlags{})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.CacheRetention != 30*24*time.Hour {
		t.Fatalf("unexpected default retention %s", settings.CacheRetention)
	}
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("cache:\n  retention: 2160h\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	settings, err = Load(GlobalFlags{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.CacheRetention != 90*24*time.Hour {
		t.Fatalf("expected configured retention, got %s", settings.CacheRetention)
	}
}

func TestLoadRejectsSubSecondTTL(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	if err := os.WriteFile(configPath, []byte("planner:\n  ttl: 500ms\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(GlobalFlags{ConfigPath: configPath}); err == nil {
		t.Fatal("expected sub-second ttl to be rejected")
	}
}

func TestLoadCommandPolicy(t *testing.T) {
	tmp := isolate(t)
	configPath := filepath.Join(tmp, "config.yaml")
	body := "enable_commands: [health]\nread_only: false\njournal:\n  path: " + filepath.Join(tmp, "j.db") + "\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("DEXKIT_READ_ONLY", "true")
	settings, err := Load(GlobalFlags{ConfigPath: configPath})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !settings.ReadOnly {
		t.Fatal("expected env to enable read-only mode")
	}
	if !reflect.DeepEqual(settings.EnableCommands, []string{"health"}) {
		t.Fatalf("unexpected allowlist %v", settings.EnableCommands)
	}
	if settings.JournalPath != filepath.Join(tmp, "j.db") {
		t.Fatalf("unexpected journal path %s", settings.JournalPath)
	}

	settings, err = Load(GlobalFlags{ConfigPath: configPath, Enable: "swap quote, pair"})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !reflect.DeepEqual(settings.EnableCommands, []string{"swap quote", "pair"}) {
		t.Fatalf("expected flag allowlist, got %v", settings.EnableCommands)
	}
}

func TestLoadReadsEnvFile(t *testing.T) {
	tmp := isolate(t)
	envPath := filepath.Join(tmp, "custom.env")
	if err := os.WriteFile(envPath, []byte("DEXKIT_CHAIN_ID=8453\nDEXKIT_SLIPPAGE_BPS=75\n"), 0o644); err != nil {
		t.Fatalf("write env: %v", err)
	}
	os.Unsetenv("DEXKIT_CHAIN_ID")
	os.Unsetenv("DEXKIT_SLIPPAGE_BPS")
	t.Cleanup(func() {
		os.Unsetenv("DEXKIT_CHAIN_ID")
		os.Unsetenv("DEXKIT_SLIPPAGE_BPS")
	})

	settings, err := Load(GlobalFlags{EnvFile: envPath})
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if settings.ChainID != 8453 || settings.SlippageBps != 75 {
		t.Fatalf("env file not applied: chain=%d slippage=%d", settings.ChainID, settings.SlippageBps)
	}
}

func TestLoadMutuallyExclusiveOutputFlags(t *testing.T) {
	isolate(t)
	_, err := Load(GlobalFlags{JSON: true, Plain: true})
	if err == nil {
		t.Fatal("expected error with --json and --plain")
	}
}

func TestLoadRejectsBadLogLevel(t *testing.T) {
	isolate(t)
	if _, err := Load(GlobalFlags{LogLevel: "verbose"}); err == nil {
		t.Fatal("expected log level error")
	}
}
