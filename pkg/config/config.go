package config

import (
	"fmt"
	"net/url"
	"strings"
)

// Secret is a string that refuses to leak through printing or marshalling.
// Use Value() at the single point where the raw secret is actually needed.
type Secret string

// Value returns the raw secret.
func (s Secret) Value() string { return string(s) }

// IsSet reports whether a non-blank secret was configured.
func (s Secret) IsSet() bool { return strings.TrimSpace(string(s)) != "" }

func (s Secret) String() string { return RedactedValue }

// MarshalYAML hides the secret in config dumps.
func (s Secret) MarshalYAML() (interface{}, error) { return RedactedValue, nil }

// MarshalJSON hides the secret in JSON dumps.
func (s Secret) MarshalJSON() ([]byte, error) { return []byte(`"` + RedactedValue + `"`), nil }

// UnmarshalYAML reads the raw value from the config file.
func (s *Secret) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var raw string
	if err := unmarshal(&raw); err != nil {
		return err
	}
	*s = Secret(raw)
	return nil
}

// ServerConfig holds HTTP listener configuration
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// TMSConfig holds the ticket-management-system API configuration
type TMSConfig struct {
	BaseURL        string  `yaml:"base_url"`
	Token          Secret  `yaml:"token"`
	WebhookSecret  Secret  `yaml:"webhook_secret"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	VerifyTLS      bool    `yaml:"verify_tls"`
}

// WorkflowConfig holds tag workflow and job execution configuration
type WorkflowConfig struct {
	TriggerTag           string  `yaml:"trigger_tag"`
	ProcessingTag        string  `yaml:"processing_tag"`
	DoneTag              string  `yaml:"done_tag"`
	ErrorTag             string  `yaml:"error_tag"`
	RequireTriggerTag    bool    `yaml:"require_trigger_tag"`
	AcknowledgeOnSuccess bool    `yaml:"acknowledge_on_success"`
	DeliveryIDTTLSeconds int     `yaml:"delivery_id_ttl_seconds"`
	ExecutionBackend     string  `yaml:"execution_backend"`   // inprocess | redis_queue
	IdempotencyBackend   string  `yaml:"idempotency_backend"` // memory | redis
	MaxConcurrency       int     `yaml:"max_concurrency"`
	RedisURL             string  `yaml:"redis_url"`
	QueueStream          string  `yaml:"queue_stream"`
	QueueGroup           string  `yaml:"queue_group"`
	QueueConsumer        string  `yaml:"queue_consumer"`
	QueueMaxAttempts     int     `yaml:"queue_max_attempts"`
	QueueBackoffSeconds  float64 `yaml:"queue_backoff_seconds"`
	QueueDLQStream       string  `yaml:"queue_dlq_stream"`
	HistoryStream        string  `yaml:"history_stream"`
	HistoryMaxLen        int     `yaml:"history_max_len"`
}

// FieldsConfig names the ticket custom fields the archiver reads
type FieldsConfig struct {
	ArchivePath     string `yaml:"archive_path"`
	ArchiveUserMode string `yaml:"archive_user_mode"`
	ArchiveUser     string `yaml:"archive_user"`
}

// PathPolicyConfig holds path sanitisation policy
type PathPolicyConfig struct {
	// AllowPrefixes distinguishes three states: absent in config (nil, no
	// restriction), empty list (no path allowed), non-empty (prefix must match).
	AllowPrefixes   []string `yaml:"allow_prefixes"`
	FilenamePattern string   `yaml:"filename_pattern"`
}

// AttachmentsConfig bounds binary attachment archiving
type AttachmentsConfig struct {
	Enabled          bool  `yaml:"enabled"`
	MaxBytesPerFile  int64 `yaml:"max_bytes_per_file"`
	MaxTotalBytes    int64 `yaml:"max_total_bytes"`
	FetchConcurrency int   `yaml:"fetch_concurrency"`
}

// StorageConfig holds filesystem storage configuration
type StorageConfig struct {
	Root        string            `yaml:"root"`
	AtomicWrite bool              `yaml:"atomic_write"`
	Fsync       bool              `yaml:"fsync"`
	PathPolicy  PathPolicyConfig  `yaml:"path_policy"`
	Attachments AttachmentsConfig `yaml:"attachments"`
}

// PDFConfig holds rendering configuration
type PDFConfig struct {
	TemplateVariant  string   `yaml:"template_variant"` // default | minimal
	MaxArticles      int      `yaml:"max_articles"`
	ArticleLimitMode string   `yaml:"article_limit_mode"` // fail | cap_and_continue
	EngineCommand    string   `yaml:"engine_command"`
	EngineArgs       []string `yaml:"engine_args"`
}

// TimestampConfig holds RFC3161 timestamping configuration
type TimestampConfig struct {
	Enabled        bool    `yaml:"enabled"`
	TSAURL         string  `yaml:"tsa_url"`
	TimeoutSeconds float64 `yaml:"timeout_seconds"`
	User           string  `yaml:"user"`
	Password       Secret  `yaml:"password"`
}

// SigningConfig holds PAdES signing configuration
type SigningConfig struct {
	Enabled     bool            `yaml:"enabled"`
	PFXPath     string          `yaml:"pfx_path"`
	PFXPassword Secret          `yaml:"pfx_password"`
	Reason      string          `yaml:"reason"`
	Location    string          `yaml:"location"`
	Timestamp   TimestampConfig `yaml:"timestamp"`
}

// ObservabilityConfig holds logging and metrics configuration
type ObservabilityConfig struct {
	LogLevel           string `yaml:"log_level"`
	LogFormat          string `yaml:"log_format"` // json | human
	MetricsBearerToken Secret `yaml:"metrics_bearer_token"`
	HealthzOmitVersion bool   `yaml:"healthz_omit_version"`
}

// RateLimitConfig holds ingress rate limiting configuration
type RateLimitConfig struct {
	Enabled         bool    `yaml:"enabled"`
	RPS             float64 `yaml:"rps"`
	Burst           int     `yaml:"burst"`
	ClientKeyHeader string  `yaml:"client_key_header"`
}

// WebhookHardeningConfig holds webhook authentication hardening toggles
type WebhookHardeningConfig struct {
	// AllowUnsigned permits /ingest without an HMAC secret configured.
	// Explicit opt-in; without it a missing secret fails closed with 503.
	AllowUnsigned     bool `yaml:"allow_unsigned"`
	RequireDeliveryID bool `yaml:"require_delivery_id"`
}

// TransportHardeningConfig holds outbound transport hardening toggles
type TransportHardeningConfig struct {
	TrustEnv            bool `yaml:"trust_env"`
	AllowInsecureHTTP   bool `yaml:"allow_insecure_http"`
	AllowInsecureTLS    bool `yaml:"allow_insecure_tls"`
	AllowLocalUpstreams bool `yaml:"allow_local_upstreams"`
}

// HardeningConfig groups the hardening toggles
type HardeningConfig struct {
	RateLimit    RateLimitConfig          `yaml:"rate_limit"`
	BodyMaxBytes int64                    `yaml:"body_max_bytes"`
	Webhook      WebhookHardeningConfig   `yaml:"webhook"`
	Transport    TransportHardeningConfig `yaml:"transport"`
}

// AdminConfig holds the secondary admin surface configuration
type AdminConfig struct {
	Enabled      bool   `yaml:"enabled"`
	BearerToken  Secret `yaml:"bearer_token"`
	HistoryLimit int    `yaml:"history_limit"`
}

// Config is the immutable configuration snapshot loaded at process start
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	TMS           TMSConfig           `yaml:"tms"`
	Workflow      WorkflowConfig      `yaml:"workflow"`
	Fields        FieldsConfig        `yaml:"fields"`
	Storage       StorageConfig       `yaml:"storage"`
	PDF           PDFConfig           `yaml:"pdf"`
	Signing       SigningConfig       `yaml:"signing"`
	Observability ObservabilityConfig `yaml:"observability"`
	Hardening     HardeningConfig     `yaml:"hardening"`
	Admin         AdminConfig         `yaml:"admin"`
	DataDir       string              `yaml:"data_dir"`
}

// Default returns a Config populated with defaults. Required fields
// (TMS base URL and token, storage root) stay empty and fail validation.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		TMS: TMSConfig{
			TimeoutSeconds: 10.0,
			VerifyTLS:      true,
		},
		Workflow: WorkflowConfig{
			TriggerTag:           "pdf:sign",
			ProcessingTag:        "pdf:processing",
			DoneTag:              "pdf:signed",
			ErrorTag:             "pdf:error",
			RequireTriggerTag:    true,
			AcknowledgeOnSuccess: true,
			DeliveryIDTTLSeconds: 3600,
			ExecutionBackend:     "inprocess",
			IdempotencyBackend:   "memory",
			MaxConcurrency:       4,
			QueueStream:          "archiver:jobs",
			QueueGroup:           "archiver:jobs:workers",
			QueueMaxAttempts:     3,
			QueueBackoffSeconds:  2.0,
			QueueDLQStream:       "archiver:jobs:dlq",
			HistoryStream:        "archiver:jobs:history",
			HistoryMaxLen:        5000,
		},
		Fields: FieldsConfig{
			ArchivePath:     "archive_path",
			ArchiveUserMode: "archive_user_mode",
			ArchiveUser:     "archive_user",
		},
		Storage: StorageConfig{
			AtomicWrite: true,
			Fsync:       true,
			PathPolicy: PathPolicyConfig{
				FilenamePattern: "Ticket-{ticket_number}_{timestamp_utc}.pdf",
			},
			Attachments: AttachmentsConfig{
				MaxBytesPerFile:  10 << 20,
				MaxTotalBytes:    50 << 20,
				FetchConcurrency: 5,
			},
		},
		PDF: PDFConfig{
			TemplateVariant:  "default",
			MaxArticles:      250,
			ArticleLimitMode: "fail",
			EngineCommand:    "wkhtmltopdf",
			EngineArgs:       []string{"--quiet", "-", "-"},
		},
		Signing: SigningConfig{
			Reason:   "Ticket archival",
			Location: "Datacenter",
			Timestamp: TimestampConfig{
				TimeoutSeconds: 10.0,
			},
		},
		Observability: ObservabilityConfig{
			LogLevel:  "info",
			LogFormat: "json",
		},
		Hardening: HardeningConfig{
			RateLimit:    RateLimitConfig{Enabled: true, RPS: 5.0, Burst: 10},
			BodyMaxBytes: 1 << 20,
		},
		Admin: AdminConfig{HistoryLimit: 100},
		DataDir: "./archiver-data",
	}
}

// Validate checks the configuration snapshot, failing fast on startup errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.TMS.BaseURL) == "" {
		return fmt.Errorf("tms.base_url is required")
	}
	u, err := url.Parse(c.TMS.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("tms.base_url must include scheme and host, e.g. https://tms.example")
	}
	if !c.TMS.Token.IsSet() {
		return fmt.Errorf("tms.token is required")
	}
	if c.TMS.TimeoutSeconds <= 0 {
		return fmt.Errorf("tms.timeout_seconds must be > 0")
	}

	if !c.TMS.WebhookSecret.IsSet() && !c.Hardening.Webhook.AllowUnsigned {
		return fmt.Errorf("tms.webhook_secret is required (or set hardening.webhook.allow_unsigned)")
	}

	if strings.TrimSpace(c.Storage.Root) == "" {
		return fmt.Errorf("storage.root is required")
	}
	if strings.TrimSpace(c.Storage.PathPolicy.FilenamePattern) == "" {
		return fmt.Errorf("storage.path_policy.filename_pattern must not be empty")
	}

	switch c.PDF.ArticleLimitMode {
	case "fail", "cap_and_continue":
	default:
		return fmt.Errorf("pdf.article_limit_mode must be 'fail' or 'cap_and_continue', got %q", c.PDF.ArticleLimitMode)
	}
	if c.PDF.MaxArticles < 0 {
		return fmt.Errorf("pdf.max_articles must be >= 0")
	}

	switch c.Workflow.ExecutionBackend {
	case "inprocess", "redis_queue":
	default:
		return fmt.Errorf("workflow.execution_backend must be 'inprocess' or 'redis_queue', got %q", c.Workflow.ExecutionBackend)
	}
	switch c.Workflow.IdempotencyBackend {
	case "memory", "redis":
	default:
		return fmt.Errorf("workflow.idempotency_backend must be 'memory' or 'redis', got %q", c.Workflow.IdempotencyBackend)
	}
	if c.Workflow.ExecutionBackend == "redis_queue" && strings.TrimSpace(c.Workflow.RedisURL) == "" {
		return fmt.Errorf("workflow.execution_backend is 'redis_queue' but workflow.redis_url is not set")
	}
	if c.Workflow.IdempotencyBackend == "redis" && strings.TrimSpace(c.Workflow.RedisURL) == "" {
		return fmt.Errorf("workflow.idempotency_backend is 'redis' but workflow.redis_url is not set")
	}
	if c.Workflow.MaxConcurrency < 1 {
		return fmt.Errorf("workflow.max_concurrency must be >= 1")
	}
	if c.Workflow.DeliveryIDTTLSeconds < 0 {
		return fmt.Errorf("workflow.delivery_id_ttl_seconds must be >= 0")
	}
	if c.Hardening.Webhook.RequireDeliveryID && c.Workflow.DeliveryIDTTLSeconds <= 0 {
		return fmt.Errorf("hardening.webhook.require_delivery_id needs workflow.delivery_id_ttl_seconds > 0")
	}
	for _, tag := range []struct{ name, value string }{
		{"workflow.trigger_tag", c.Workflow.TriggerTag},
		{"workflow.processing_tag", c.Workflow.ProcessingTag},
		{"workflow.done_tag", c.Workflow.DoneTag},
		{"workflow.error_tag", c.Workflow.ErrorTag},
	} {
		if strings.TrimSpace(tag.value) == "" {
			return fmt.Errorf("%s must not be empty", tag.name)
		}
	}

	if c.Signing.Enabled && strings.TrimSpace(c.Signing.PFXPath) == "" {
		return fmt.Errorf("signing is enabled but signing.pfx_path is missing")
	}
	if c.Signing.Timestamp.Enabled {
		if !c.Signing.Enabled {
			return fmt.Errorf("signing.timestamp.enabled requires signing.enabled")
		}
		if strings.TrimSpace(c.Signing.Timestamp.TSAURL) == "" {
			return fmt.Errorf("timestamping is enabled but signing.timestamp.tsa_url is missing")
		}
	}
	// TSA basic auth is all-or-nothing; partial configuration is a footgun.
	tsaUser := strings.TrimSpace(c.Signing.Timestamp.User) != ""
	tsaPass := c.Signing.Timestamp.Password.IsSet()
	if tsaUser != tsaPass {
		return fmt.Errorf("TSA basic auth requires both signing.timestamp.user and signing.timestamp.password")
	}

	if c.Storage.Attachments.MaxBytesPerFile < 0 || c.Storage.Attachments.MaxTotalBytes < 0 {
		return fmt.Errorf("storage.attachments byte limits must be >= 0")
	}

	if c.Hardening.BodyMaxBytes < 0 {
		return fmt.Errorf("hardening.body_max_bytes must be >= 0")
	}
	if c.Hardening.RateLimit.RPS < 0 {
		return fmt.Errorf("hardening.rate_limit.rps must be >= 0")
	}
	if c.Hardening.RateLimit.Burst < 1 {
		return fmt.Errorf("hardening.rate_limit.burst must be >= 1")
	}

	switch c.Observability.LogFormat {
	case "json", "human":
	default:
		return fmt.Errorf("observability.log_format must be 'json' or 'human', got %q", c.Observability.LogFormat)
	}

	if c.Admin.HistoryLimit < 1 || c.Admin.HistoryLimit > 5000 {
		return fmt.Errorf("admin.history_limit must be in 1..5000")
	}

	return nil
}
