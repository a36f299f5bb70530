package config

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := Default()
	cfg.TMS.BaseURL = "https://tms.example"
	cfg.TMS.Token = "api-token"
	cfg.TMS.WebhookSecret = "hook-secret"
	cfg.Storage.Root = "/var/archive"
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid defaults",
			mutate: func(c *Config) {},
		},
		{
			name:    "missing base url",
			mutate:  func(c *Config) { c.TMS.BaseURL = "" },
			wantErr: "tms.base_url is required",
		},
		{
			name:    "base url without scheme",
			mutate:  func(c *Config) { c.TMS.BaseURL = "tms.example" },
			wantErr: "scheme and host",
		},
		{
			name:    "missing token",
			mutate:  func(c *Config) { c.TMS.Token = "" },
			wantErr: "tms.token is required",
		},
		{
			name:    "missing webhook secret fails closed",
			mutate:  func(c *Config) { c.TMS.WebhookSecret = "" },
			wantErr: "tms.webhook_secret is required",
		},
		{
			name: "allow_unsigned permits missing webhook secret",
			mutate: func(c *Config) {
				c.TMS.WebhookSecret = ""
				c.Hardening.Webhook.AllowUnsigned = true
			},
		},
		{
			name:    "missing storage root",
			mutate:  func(c *Config) { c.Storage.Root = "" },
			wantErr: "storage.root is required",
		},
		{
			name:    "bad article limit mode",
			mutate:  func(c *Config) { c.PDF.ArticleLimitMode = "truncate" },
			wantErr: "article_limit_mode",
		},
		{
			name:    "bad execution backend",
			mutate:  func(c *Config) { c.Workflow.ExecutionBackend = "celery" },
			wantErr: "execution_backend",
		},
		{
			name:    "redis queue without redis url",
			mutate:  func(c *Config) { c.Workflow.ExecutionBackend = "redis_queue" },
			wantErr: "workflow.redis_url",
		},
		{
			name:    "redis idempotency without redis url",
			mutate:  func(c *Config) { c.Workflow.IdempotencyBackend = "redis" },
			wantErr: "workflow.redis_url",
		},
		{
			name: "require delivery id needs positive ttl",
			mutate: func(c *Config) {
				c.Hardening.Webhook.RequireDeliveryID = true
				c.Workflow.DeliveryIDTTLSeconds = 0
			},
			wantErr: "delivery_id_ttl_seconds",
		},
		{
			name:    "empty processing tag",
			mutate:  func(c *Config) { c.Workflow.ProcessingTag = " " },
			wantErr: "workflow.processing_tag",
		},
		{
			name: "signing enabled without pfx",
			mutate: func(c *Config) {
				c.Signing.Enabled = true
			},
			wantErr: "signing.pfx_path",
		},
		{
			name: "timestamp without signing",
			mutate: func(c *Config) {
				c.Signing.Timestamp.Enabled = true
				c.Signing.Timestamp.TSAURL = "https://tsa.example"
			},
			wantErr: "requires signing.enabled",
		},
		{
			name: "timestamp without tsa url",
			mutate: func(c *Config) {
				c.Signing.Enabled = true
				c.Signing.PFXPath = "/etc/archiver/sign.pfx"
				c.Signing.Timestamp.Enabled = true
			},
			wantErr: "tsa_url",
		},
		{
			name: "tsa user without password",
			mutate: func(c *Config) {
				c.Signing.Timestamp.User = "tsa-user"
			},
			wantErr: "TSA basic auth",
		},
		{
			name: "tsa password without user",
			mutate: func(c *Config) {
				c.Signing.Timestamp.Password = "tsa-pass"
			},
			wantErr: "TSA basic auth",
		},
		{
			name: "tsa basic auth complete",
			mutate: func(c *Config) {
				c.Signing.Enabled = true
				c.Signing.PFXPath = "/etc/archiver/sign.pfx"
				c.Signing.Timestamp.Enabled = true
				c.Signing.Timestamp.TSAURL = "https://tsa.example"
				c.Signing.Timestamp.User = "tsa-user"
				c.Signing.Timestamp.Password = "tsa-pass"
			},
		},
		{
			name:    "bad log format",
			mutate:  func(c *Config) { c.Observability.LogFormat = "logfmt" },
			wantErr: "log_format",
		},
		{
			name:    "zero rate limit burst",
			mutate:  func(c *Config) { c.Hardening.RateLimit.Burst = 0 },
			wantErr: "burst",
		},
		{
			name:    "history limit out of range",
			mutate:  func(c *Config) { c.Admin.HistoryLimit = 0 },
			wantErr: "history_limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoadPrecedence(t *testing.T) {
	yamlData := []byte(`
tms:
  base_url: https://yaml.example
  token: yaml-token
  webhook_secret: yaml-secret
storage:
  root: /srv/yaml-archive
workflow:
  trigger_tag: "archive:now"
`)
	env := map[string]string{
		ConfigPathEnv:   "/etc/archiver/config.yaml",
		"TMS__BASE_URL": "https://env.example",
	}
	getenv := func(name string) string { return env[name] }
	readFile := func(path string) ([]byte, error) {
		require.Equal(t, "/etc/archiver/config.yaml", path)
		return yamlData, nil
	}

	cfg, err := load(getenv, readFile)
	require.NoError(t, err)

	// env beats YAML, YAML beats defaults, defaults survive untouched keys
	assert.Equal(t, "https://env.example", cfg.TMS.BaseURL)
	assert.Equal(t, "archive:now", cfg.Workflow.TriggerTag)
	assert.Equal(t, "pdf:processing", cfg.Workflow.ProcessingTag)
	assert.Equal(t, "/srv/yaml-archive", cfg.Storage.Root)
}

func TestLoadWithoutFile(t *testing.T) {
	env := map[string]string{
		"TMS_BASE_URL":        "https://env-only.example",
		"TMS_TOKEN":           "env-token",
		"WEBHOOK_HMAC_SECRET": "env-secret",
		"STORAGE_ROOT":        "/srv/env-archive",
		"WORKFLOW__MAX_CONCURRENCY": "8",
	}
	getenv := func(name string) string { return env[name] }
	readFile := func(path string) ([]byte, error) {
		t.Fatalf("unexpected file read: %s", path)
		return nil, nil
	}

	cfg, err := load(getenv, readFile)
	require.NoError(t, err)
	assert.Equal(t, "https://env-only.example", cfg.TMS.BaseURL)
	assert.Equal(t, 8, cfg.Workflow.MaxConcurrency)
	assert.True(t, cfg.Storage.AtomicWrite)
}

func TestLoadNestedEnvBeatsFlatAlias(t *testing.T) {
	env := map[string]string{
		"TMS__BASE_URL":       "https://nested.example",
		"TMS_BASE_URL":        "https://flat.example",
		"TMS__TOKEN":          "nested-token",
		"TMS_TOKEN":           "flat-token",
		"WEBHOOK_HMAC_SECRET": "s",
		"STORAGE_ROOT":        "/srv/archive",
	}
	cfg, err := load(func(name string) string { return env[name] }, func(path string) ([]byte, error) {
		t.Fatalf("unexpected file read: %s", path)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "https://nested.example", cfg.TMS.BaseURL)
	assert.Equal(t, "nested-token", cfg.TMS.Token.Value())
}

func TestLoadRejectsBadEnvValues(t *testing.T) {
	env := map[string]string{
		"TMS_BASE_URL":        "https://env.example",
		"TMS_TOKEN":           "t",
		"WEBHOOK_HMAC_SECRET": "s",
		"STORAGE_ROOT":        "/srv/archive",
		"SERVER__PORT":        "not-a-port",
	}
	_, err := load(func(name string) string { return env[name] }, func(string) ([]byte, error) {
		return nil, fmt.Errorf("no file")
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SERVER__PORT")
}

func TestAllowPrefixesThreeStates(t *testing.T) {
	base := func(extra string) []byte {
		return []byte(`
tms:
  base_url: https://tms.example
  token: tok
  webhook_secret: sec
storage:
  root: /srv/archive
` + extra)
	}

	t.Run("absent means unrestricted", func(t *testing.T) {
		cfg, err := load(func(n string) string {
			if n == ConfigPathEnv {
				return "cfg.yaml"
			}
			return ""
		}, func(string) ([]byte, error) { return base(""), nil })
		require.NoError(t, err)
		assert.Nil(t, cfg.Storage.PathPolicy.AllowPrefixes)
	})

	t.Run("empty list denies all", func(t *testing.T) {
		cfg, err := load(func(n string) string {
			if n == ConfigPathEnv {
				return "cfg.yaml"
			}
			return ""
		}, func(string) ([]byte, error) {
			return base("  path_policy:\n    allow_prefixes: []\n"), nil
		})
		require.NoError(t, err)
		require.NotNil(t, cfg.Storage.PathPolicy.AllowPrefixes)
		assert.Empty(t, cfg.Storage.PathPolicy.AllowPrefixes)
	})

	t.Run("env override splits on commas", func(t *testing.T) {
		env := map[string]string{
			"TMS_BASE_URL":             "https://tms.example",
			"TMS_TOKEN":                "t",
			"WEBHOOK_HMAC_SECRET":      "s",
			"STORAGE_ROOT":             "/srv/archive",
			"STORAGE__ALLOW_PREFIXES":  "Customers, Internal/Archive",
		}
		cfg, err := load(func(n string) string { return env[n] }, func(string) ([]byte, error) { return nil, nil })
		require.NoError(t, err)
		assert.Equal(t, []string{"Customers", "Internal/Archive"}, cfg.Storage.PathPolicy.AllowPrefixes)
	})
}

func TestSecretRedaction(t *testing.T) {
	s := Secret("super-secret")
	assert.Equal(t, "super-secret", s.Value())
	assert.Equal(t, RedactedValue, s.String())
	assert.Equal(t, RedactedValue, fmt.Sprintf("%v", s))
	assert.True(t, s.IsSet())
	assert.False(t, Secret("  ").IsSet())

	j, err := s.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"`+RedactedValue+`"`, string(j))
}
