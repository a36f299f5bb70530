package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigPathEnv names the environment variable pointing at the YAML file.
const ConfigPathEnv = "CONFIG_PATH"

// Load builds the configuration snapshot with precedence env > YAML > defaults.
func Load() (*Config, error) {
	return load(os.Getenv, os.ReadFile)
}

func load(getenv func(string) string, readFile func(string) ([]byte, error)) (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(getenv(ConfigPathEnv)); path != "" {
		data, err := readFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg, getenv); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto cfg. Both the nested form
// (SECTION__KEY) and a set of flat aliases for the common keys are accepted;
// the nested form wins when both are present.
func applyEnv(cfg *Config, getenv func(string) string) error {
	var firstErr error

	str := func(target *string, names ...string) {
		for _, name := range names {
			if v := getenv(name); v != "" {
				*target = v
				return
			}
		}
	}
	secret := func(target *Secret, names ...string) {
		for _, name := range names {
			if v := getenv(name); v != "" {
				*target = Secret(v)
				return
			}
		}
	}
	boolean := func(target *bool, names ...string) {
		for _, name := range names {
			if v := getenv(name); v != "" {
				parsed, err := strconv.ParseBool(strings.ToLower(v))
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("invalid boolean in %s: %q", name, v)
					}
					continue
				}
				*target = parsed
				return
			}
		}
	}
	integer := func(target *int, names ...string) {
		for _, name := range names {
			if v := getenv(name); v != "" {
				parsed, err := strconv.Atoi(v)
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("invalid integer in %s: %q", name, v)
					}
					continue
				}
				*target = parsed
				return
			}
		}
	}
	integer64 := func(target *int64, names ...string) {
		for _, name := range names {
			if v := getenv(name); v != "" {
				parsed, err := strconv.ParseInt(v, 10, 64)
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("invalid integer in %s: %q", name, v)
					}
					continue
				}
				*target = parsed
				return
			}
		}
	}
	float := func(target *float64, names ...string) {
		for _, name := range names {
			if v := getenv(name); v != "" {
				parsed, err := strconv.ParseFloat(v, 64)
				if err != nil {
					if firstErr == nil {
						firstErr = fmt.Errorf("invalid number in %s: %q", name, v)
					}
					continue
				}
				*target = parsed
				return
			}
		}
	}

	str(&cfg.Server.Host, "SERVER__HOST")
	integer(&cfg.Server.Port, "SERVER__PORT", "PORT")

	str(&cfg.TMS.BaseURL, "TMS__BASE_URL", "TMS_BASE_URL")
	secret(&cfg.TMS.Token, "TMS__TOKEN", "TMS_TOKEN")
	secret(&cfg.TMS.WebhookSecret, "TMS__WEBHOOK_SECRET", "WEBHOOK_HMAC_SECRET")
	float(&cfg.TMS.TimeoutSeconds, "TMS__TIMEOUT_SECONDS")
	boolean(&cfg.TMS.VerifyTLS, "TMS__VERIFY_TLS")

	str(&cfg.Workflow.TriggerTag, "WORKFLOW__TRIGGER_TAG", "TRIGGER_TAG")
	str(&cfg.Workflow.ProcessingTag, "WORKFLOW__PROCESSING_TAG")
	str(&cfg.Workflow.DoneTag, "WORKFLOW__DONE_TAG")
	str(&cfg.Workflow.ErrorTag, "WORKFLOW__ERROR_TAG")
	boolean(&cfg.Workflow.RequireTriggerTag, "WORKFLOW__REQUIRE_TRIGGER_TAG")
	boolean(&cfg.Workflow.AcknowledgeOnSuccess, "WORKFLOW__ACKNOWLEDGE_ON_SUCCESS")
	integer(&cfg.Workflow.DeliveryIDTTLSeconds, "WORKFLOW__DELIVERY_ID_TTL_SECONDS")
	str(&cfg.Workflow.ExecutionBackend, "WORKFLOW__EXECUTION_BACKEND")
	str(&cfg.Workflow.IdempotencyBackend, "WORKFLOW__IDEMPOTENCY_BACKEND")
	integer(&cfg.Workflow.MaxConcurrency, "WORKFLOW__MAX_CONCURRENCY")
	str(&cfg.Workflow.RedisURL, "WORKFLOW__REDIS_URL", "REDIS_URL")
	str(&cfg.Workflow.QueueStream, "WORKFLOW__QUEUE_STREAM")
	str(&cfg.Workflow.QueueGroup, "WORKFLOW__QUEUE_GROUP")
	str(&cfg.Workflow.QueueConsumer, "WORKFLOW__QUEUE_CONSUMER")
	integer(&cfg.Workflow.QueueMaxAttempts, "WORKFLOW__QUEUE_MAX_ATTEMPTS")
	float(&cfg.Workflow.QueueBackoffSeconds, "WORKFLOW__QUEUE_BACKOFF_SECONDS")
	str(&cfg.Workflow.QueueDLQStream, "WORKFLOW__QUEUE_DLQ_STREAM")
	str(&cfg.Workflow.HistoryStream, "WORKFLOW__HISTORY_STREAM")
	integer(&cfg.Workflow.HistoryMaxLen, "WORKFLOW__HISTORY_MAX_LEN")

	str(&cfg.Fields.ArchivePath, "FIELDS__ARCHIVE_PATH")
	str(&cfg.Fields.ArchiveUserMode, "FIELDS__ARCHIVE_USER_MODE")
	str(&cfg.Fields.ArchiveUser, "FIELDS__ARCHIVE_USER")

	str(&cfg.Storage.Root, "STORAGE__ROOT", "STORAGE_ROOT")
	boolean(&cfg.Storage.AtomicWrite, "STORAGE__ATOMIC_WRITE")
	boolean(&cfg.Storage.Fsync, "STORAGE__FSYNC")
	str(&cfg.Storage.PathPolicy.FilenamePattern, "STORAGE__FILENAME_PATTERN")
	if v := getenv("STORAGE__ALLOW_PREFIXES"); v != "" {
		parts := strings.Split(v, ",")
		prefixes := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				prefixes = append(prefixes, p)
			}
		}
		cfg.Storage.PathPolicy.AllowPrefixes = prefixes
	}

	boolean(&cfg.Storage.Attachments.Enabled, "STORAGE__ATTACHMENTS_ENABLED")
	integer64(&cfg.Storage.Attachments.MaxBytesPerFile, "STORAGE__ATTACHMENTS_MAX_BYTES_PER_FILE")
	integer64(&cfg.Storage.Attachments.MaxTotalBytes, "STORAGE__ATTACHMENTS_MAX_TOTAL_BYTES")
	integer(&cfg.Storage.Attachments.FetchConcurrency, "STORAGE__ATTACHMENTS_FETCH_CONCURRENCY")

	str(&cfg.PDF.TemplateVariant, "PDF__TEMPLATE_VARIANT")
	integer(&cfg.PDF.MaxArticles, "PDF__MAX_ARTICLES")
	str(&cfg.PDF.ArticleLimitMode, "PDF__ARTICLE_LIMIT_MODE")
	str(&cfg.PDF.EngineCommand, "PDF__ENGINE_COMMAND")

	boolean(&cfg.Signing.Enabled, "SIGNING__ENABLED")
	str(&cfg.Signing.PFXPath, "SIGNING__PFX_PATH", "PFX_PATH")
	secret(&cfg.Signing.PFXPassword, "SIGNING__PFX_PASSWORD", "PFX_PASSWORD")
	str(&cfg.Signing.Reason, "SIGNING__REASON")
	str(&cfg.Signing.Location, "SIGNING__LOCATION")
	boolean(&cfg.Signing.Timestamp.Enabled, "SIGNING__TIMESTAMP_ENABLED")
	str(&cfg.Signing.Timestamp.TSAURL, "SIGNING__TSA_URL", "TSA_URL")
	float(&cfg.Signing.Timestamp.TimeoutSeconds, "SIGNING__TSA_TIMEOUT_SECONDS")
	str(&cfg.Signing.Timestamp.User, "SIGNING__TSA_USER", "TSA_USER")
	secret(&cfg.Signing.Timestamp.Password, "SIGNING__TSA_PASSWORD", "TSA_PASS")

	str(&cfg.Observability.LogLevel, "OBSERVABILITY__LOG_LEVEL", "LOG_LEVEL")
	str(&cfg.Observability.LogFormat, "OBSERVABILITY__LOG_FORMAT", "LOG_FORMAT")
	secret(&cfg.Observability.MetricsBearerToken, "OBSERVABILITY__METRICS_BEARER_TOKEN")
	boolean(&cfg.Observability.HealthzOmitVersion, "OBSERVABILITY__HEALTHZ_OMIT_VERSION")

	boolean(&cfg.Hardening.RateLimit.Enabled, "HARDENING__RATE_LIMIT_ENABLED")
	float(&cfg.Hardening.RateLimit.RPS, "HARDENING__RATE_LIMIT_RPS")
	integer(&cfg.Hardening.RateLimit.Burst, "HARDENING__RATE_LIMIT_BURST")
	str(&cfg.Hardening.RateLimit.ClientKeyHeader, "HARDENING__RATE_LIMIT_CLIENT_KEY_HEADER")
	integer64(&cfg.Hardening.BodyMaxBytes, "HARDENING__BODY_MAX_BYTES")
	boolean(&cfg.Hardening.Webhook.AllowUnsigned, "HARDENING__ALLOW_UNSIGNED")
	boolean(&cfg.Hardening.Webhook.RequireDeliveryID, "HARDENING__REQUIRE_DELIVERY_ID")
	boolean(&cfg.Hardening.Transport.TrustEnv, "HARDENING__TRUST_ENV")
	boolean(&cfg.Hardening.Transport.AllowInsecureHTTP, "HARDENING__ALLOW_INSECURE_HTTP")
	boolean(&cfg.Hardening.Transport.AllowInsecureTLS, "HARDENING__ALLOW_INSECURE_TLS")
	boolean(&cfg.Hardening.Transport.AllowLocalUpstreams, "HARDENING__ALLOW_LOCAL_UPSTREAMS")

	boolean(&cfg.Admin.Enabled, "ADMIN__ENABLED")
	secret(&cfg.Admin.BearerToken, "ADMIN__BEARER_TOKEN")
	integer(&cfg.Admin.HistoryLimit, "ADMIN__HISTORY_LIMIT")

	str(&cfg.DataDir, "DATA_DIR")

	return firstErr
}
