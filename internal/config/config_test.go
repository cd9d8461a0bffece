package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "oyster.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "mock_mode: true\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Errorf("addr = %q", cfg.Server.Addr)
	}
	if cfg.Auth.TokenTTL != 30*24*time.Hour {
		t.Errorf("token ttl = %s", cfg.Auth.TokenTTL)
	}
	if cfg.Auth.RefreshWindow != 7*24*time.Hour {
		t.Errorf("refresh window = %s", cfg.Auth.RefreshWindow)
	}
	if cfg.Storage.MaxFileSize != 20<<20 || cfg.Storage.MaxImageSize != 10<<20 {
		t.Errorf("size caps = %d/%d", cfg.Storage.MaxFileSize, cfg.Storage.MaxImageSize)
	}
	if !cfg.MockMode {
		t.Error("mock_mode not parsed")
	}
}

func TestLoadEnvExpansion(t *testing.T) {
	t.Setenv("OYSTER_TEST_KEY", "sk-secret")
	path := writeConfig(t, `
mock_mode: false
providers:
  - name: kimi
    base_url: https://api.moonshot.cn/v1
    api_key: ${OYSTER_TEST_KEY}
    model: moonshot-v1-8k
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Providers) != 1 || cfg.Providers[0].APIKey != "sk-secret" {
		t.Fatalf("providers = %+v", cfg.Providers)
	}
}

func TestLoadUnsetEnvLeftVerbatim(t *testing.T) {
	path := writeConfig(t, "mock_mode: true\nadmin:\n  key: ${OYSTER_DOES_NOT_EXIST}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Admin.Key != "${OYSTER_DOES_NOT_EXIST}" {
		t.Errorf("admin key = %q", cfg.Admin.Key)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	t.Run("refresh window too long", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.Auth.RefreshWindow = cfg.Auth.TokenTTL
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("duplicate provider", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.MockMode = true
		cfg.Providers = []ProviderEntry{{Name: "kimi"}, {Name: "kimi"}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("missing api key outside mock mode", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.Providers = []ProviderEntry{{Name: "kimi"}}
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("jwks ttl floor", func(t *testing.T) {
		t.Parallel()
		cfg := Default()
		cfg.Apple.JWKSTTL = time.Second
		if err := cfg.Validate(); err != nil {
			t.Fatal(err)
		}
		if cfg.Apple.JWKSTTL != time.Minute {
			t.Errorf("jwks ttl = %s, want floor of 1m", cfg.Apple.JWKSTTL)
		}
	})
}
