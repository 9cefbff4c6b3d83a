package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const validConfig = `
ListenAddress = ":9000"
Mediator = "0x00000000000000000000000000000000000000ED"

[[Tokens]]
Address = "0x00000000000000000000000000000000000000AA"
Decimals = 6
`

func TestLoadValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("listen address = %q", cfg.ListenAddress)
	}
	if cfg.DataDir != "./escrowd-data" {
		t.Fatalf("data dir default missing: %q", cfg.DataDir)
	}
	if cfg.RateLimitPerMinute != 120 {
		t.Fatalf("rate limit default missing: %d", cfg.RateLimitPerMinute)
	}
	if len(cfg.Tokens) != 1 || cfg.Tokens[0].Decimals != 6 {
		t.Fatalf("tokens not decoded: %+v", cfg.Tokens)
	}
}

func TestLoadRejectsMissingMediator(t *testing.T) {
	body := strings.Replace(validConfig, `Mediator = "0x00000000000000000000000000000000000000ED"`, "", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected missing mediator to fail")
	}
}

func TestLoadRejectsBadToken(t *testing.T) {
	body := strings.Replace(validConfig, "0x00000000000000000000000000000000000000AA", "not-an-address", 1)
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected invalid token address to fail")
	}
}

func TestLoadRejectsDuplicateTokens(t *testing.T) {
	body := validConfig + `
[[Tokens]]
Address = "0x00000000000000000000000000000000000000AA"
Decimals = 2
`
	if _, err := Load(writeConfig(t, body)); err == nil {
		t.Fatal("expected duplicate token to fail")
	}
}

func TestLoadCreatesDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "escrowd.toml")
	if _, err := Load(path); err == nil {
		t.Fatal("expected first load to report the generated default")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}
}

func TestParseAddress(t *testing.T) {
	if _, err := ParseAddress(""); err == nil {
		t.Fatal("empty address accepted")
	}
	if _, err := ParseAddress("0x1234"); err == nil {
		t.Fatal("short address accepted")
	}
	addr, err := ParseAddress("0x00000000000000000000000000000000000000ed")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.EqualFold(addr.Hex(), "0x00000000000000000000000000000000000000ed") {
		t.Fatalf("unexpected address %s", addr.Hex())
	}
}
