package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrMissingSetting is returned when a mandatory setting has no value.
var ErrMissingSetting = errors.New("missing mandatory setting")

// DisabledQueue disables ingestion from a queue when used as its name.
const DisabledQueue = "!disable"

// Settings is the complete backend configuration.
//
// Settings are loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (SVCMON_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	database_url: postgres://localhost:5432/svcmon?sslmode=disable
//	redis_url: redis://localhost:6379/0
//
//	server:
//	  hostname: monitor-01
//	  port: 33333
//
//	heartbeats:
//	  grace_period: 40s
//	  sweep_interval: 10s
//
//	retention:
//	  audit: 720h
//	  error: 360h
//
//	ingestion:
//	  forward_audit_messages: false
//	  forward_error_messages: true
//
//	federation:
//	  remote_instances:
//	    - api_uri: http://monitor-02:33333/api
type Settings struct {
	DatabaseURL    string `yaml:"database_url"`
	RedisURL       string `yaml:"redis_url"`
	ValidateConfig *bool  `yaml:"validate_config,omitempty"`

	Server     ServerSettings     `yaml:"server"`
	Heartbeats HeartbeatSettings  `yaml:"heartbeats"`
	Retention  RetentionSettings  `yaml:"retention"`
	Ingestion  IngestionSettings  `yaml:"ingestion"`
	Federation FederationSettings `yaml:"federation"`
	Management ManagementSettings `yaml:"management"`
}

// ServerSettings defines where the HTTP API listens and how peers reach it.
type ServerSettings struct {
	Hostname         string `yaml:"hostname"`
	Port             int    `yaml:"port"`
	VirtualDirectory string `yaml:"virtual_directory,omitempty"`
	// APIURL overrides the URL derived from hostname, port and virtual directory.
	APIURL string `yaml:"api_url,omitempty"`
}

// HeartbeatSettings controls liveness detection.
type HeartbeatSettings struct {
	GracePeriod   time.Duration `yaml:"grace_period"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RetentionSettings controls expiry of stored data.
type RetentionSettings struct {
	Audit               time.Duration `yaml:"audit"`
	Error               time.Duration `yaml:"error"`
	Events              time.Duration `yaml:"events"`
	ExpirationInterval  time.Duration `yaml:"expiration_interval"`
	ExpirationBatchSize int           `yaml:"expiration_batch_size"`
}

// IngestionSettings controls the queue ingestion pipelines.
type IngestionSettings struct {
	AuditQueue     string `yaml:"audit_queue"`
	ErrorQueue     string `yaml:"error_queue"`
	HeartbeatQueue string `yaml:"heartbeat_queue"`
	AuditLogQueue  string `yaml:"audit_log_queue,omitempty"`
	ErrorLogQueue  string `yaml:"error_log_queue,omitempty"`

	ForwardAuditMessages *bool `yaml:"forward_audit_messages"`
	ForwardErrorMessages *bool `yaml:"forward_error_messages"`

	MaxBodySizeToStore      int           `yaml:"max_body_size_to_store"`
	MaximumConcurrencyLevel int           `yaml:"maximum_concurrency_level"`
	MaxDeliveryAttempts     int           `yaml:"max_delivery_attempts"`
	VisibilityTimeout       time.Duration `yaml:"visibility_timeout"`
	FailedImportsDir        string        `yaml:"failed_imports_dir"`
}

// RemoteInstanceSetting names a peer backend by its API base URL.
type RemoteInstanceSetting struct {
	APIURI string `yaml:"api_uri" json:"api_uri"`
}

// FederationSettings controls scatter-gather queries across peers.
type FederationSettings struct {
	RemoteInstances []RemoteInstanceSetting `yaml:"remote_instances"`
	RemoteTimeout   time.Duration           `yaml:"remote_timeout"`
	// RemoteRateLimit caps requests per second to each peer. Zero is unlimited.
	RemoteRateLimit float64 `yaml:"remote_rate_limit"`
	// SecretsBackend selects where peer tokens come from: auto, 1password,
	// local or static.
	SecretsBackend string `yaml:"secrets_backend"`
	TokensFile     string `yaml:"tokens_file,omitempty"`
	// PeerTokens maps peer API URLs or instance ids to tokens, for the
	// static backend.
	PeerTokens map[string]string `yaml:"peer_tokens,omitempty"`
}

// ManagementSettings guards mutating API calls.
type ManagementSettings struct {
	// APIKeyHash is a bcrypt hash. When set, PATCH requests need the key.
	APIKeyHash string `yaml:"api_key_hash,omitempty"`
	// PeerTokenHash is a bcrypt hash. When set, local-scoped queries from
	// peers need the token.
	PeerTokenHash string `yaml:"peer_token_hash,omitempty"`
}

// DefaultSettings returns settings with defaults for every optional value.
func DefaultSettings() *Settings {
	return &Settings{
		Server: ServerSettings{
			Hostname: "localhost",
			Port:     DefaultPort,
		},
		Heartbeats: HeartbeatSettings{
			GracePeriod:   DefaultHeartbeatGracePeriod,
			SweepInterval: DefaultHeartbeatSweepInterval,
		},
		Retention: RetentionSettings{
			Events:              DefaultEventRetention,
			ExpirationInterval:  DefaultExpirationInterval,
			ExpirationBatchSize: DefaultExpirationBatchSize,
		},
		Ingestion: IngestionSettings{
			AuditQueue:              "audit",
			ErrorQueue:              "error",
			HeartbeatQueue:          "heartbeats",
			MaxBodySizeToStore:      DefaultMaxBodySizeToStore,
			MaximumConcurrencyLevel: DefaultConcurrencyLevel,
			MaxDeliveryAttempts:     DefaultMaxDeliveryAttempts,
			VisibilityTimeout:       DefaultVisibilityTimeout,
			FailedImportsDir:        "./failed-imports",
		},
		Federation: FederationSettings{
			RemoteTimeout:  DefaultRemoteTimeout,
			SecretsBackend: "auto",
		},
	}
}

// LoadFromFile loads settings from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	s := DefaultSettings()
	if err := yaml.Unmarshal(data, s); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return s, nil
}

// ApplyEnvOverrides applies environment variable overrides.
// Environment variables use the SVCMON_ prefix:
//   - SVCMON_DATABASE_URL, SVCMON_REDIS_URL
//   - SVCMON_HOSTNAME, SVCMON_PORT, SVCMON_VIRTUAL_DIRECTORY, SVCMON_API_URL
//   - SVCMON_HEARTBEAT_GRACE_PERIOD, SVCMON_HEARTBEAT_SWEEP_INTERVAL
//   - SVCMON_AUDIT_RETENTION_PERIOD, SVCMON_ERROR_RETENTION_PERIOD, SVCMON_EVENT_RETENTION_PERIOD
//     (Go durations, or whole days like "30d")
//   - SVCMON_FORWARD_AUDIT_MESSAGES, SVCMON_FORWARD_ERROR_MESSAGES
//   - SVCMON_AUDIT_QUEUE, SVCMON_ERROR_QUEUE, SVCMON_HEARTBEAT_QUEUE
//   - SVCMON_MAX_BODY_SIZE_TO_STORE, SVCMON_MAXIMUM_CONCURRENCY_LEVEL
//   - SVCMON_REMOTE_INSTANCES (JSON array, e.g. '[{"api_uri":"http://peer:33333/api"}]')
//   - SVCMON_MANAGEMENT_API_KEY_HASH, SVCMON_SECRETS_BACKEND
func (s *Settings) ApplyEnvOverrides() error {
	return s.applyEnv(os.Getenv)
}

func (s *Settings) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("SVCMON_DATABASE_URL", &s.DatabaseURL)
	str("SVCMON_REDIS_URL", &s.RedisURL)
	str("SVCMON_HOSTNAME", &s.Server.Hostname)
	str("SVCMON_VIRTUAL_DIRECTORY", &s.Server.VirtualDirectory)
	str("SVCMON_API_URL", &s.Server.APIURL)
	str("SVCMON_AUDIT_QUEUE", &s.Ingestion.AuditQueue)
	str("SVCMON_ERROR_QUEUE", &s.Ingestion.ErrorQueue)
	str("SVCMON_HEARTBEAT_QUEUE", &s.Ingestion.HeartbeatQueue)
	str("SVCMON_FAILED_IMPORTS_DIR", &s.Ingestion.FailedImportsDir)
	str("SVCMON_MANAGEMENT_API_KEY_HASH", &s.Management.APIKeyHash)
	str("SVCMON_PEER_TOKEN_HASH", &s.Management.PeerTokenHash)
	str("SVCMON_SECRETS_BACKEND", &s.Federation.SecretsBackend)

	ints := []struct {
		key string
		dst *int
	}{
		{"SVCMON_PORT", &s.Server.Port},
		{"SVCMON_MAX_BODY_SIZE_TO_STORE", &s.Ingestion.MaxBodySizeToStore},
		{"SVCMON_MAXIMUM_CONCURRENCY_LEVEL", &s.Ingestion.MaximumConcurrencyLevel},
		{"SVCMON_MAX_DELIVERY_ATTEMPTS", &s.Ingestion.MaxDeliveryAttempts},
		{"SVCMON_EXPIRATION_PROCESS_BATCH_SIZE", &s.Retention.ExpirationBatchSize},
	}
	for _, i := range ints {
		if v := getenv(i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", i.key, err)
			}
			*i.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"SVCMON_HEARTBEAT_GRACE_PERIOD", &s.Heartbeats.GracePeriod},
		{"SVCMON_HEARTBEAT_SWEEP_INTERVAL", &s.Heartbeats.SweepInterval},
		{"SVCMON_AUDIT_RETENTION_PERIOD", &s.Retention.Audit},
		{"SVCMON_ERROR_RETENTION_PERIOD", &s.Retention.Error},
		{"SVCMON_EVENT_RETENTION_PERIOD", &s.Retention.Events},
		{"SVCMON_EXPIRATION_PROCESS_INTERVAL", &s.Retention.ExpirationInterval},
		{"SVCMON_REMOTE_TIMEOUT", &s.Federation.RemoteTimeout},
	}
	for _, d := range durations {
		if v := getenv(d.key); v != "" {
			parsed, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", d.key, err)
			}
			*d.dst = parsed
		}
	}

	bools := []struct {
		key string
		dst **bool
	}{
		{"SVCMON_FORWARD_AUDIT_MESSAGES", &s.Ingestion.ForwardAuditMessages},
		{"SVCMON_FORWARD_ERROR_MESSAGES", &s.Ingestion.ForwardErrorMessages},
		{"SVCMON_VALIDATE_CONFIG", &s.ValidateConfig},
	}
	for _, b := range bools {
		if v := getenv(b.key); v != "" {
			parsed, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", b.key, err)
			}
			*b.dst = &parsed
		}
	}

	if v := getenv("SVCMON_REMOTE_INSTANCES"); v != "" {
		var remotes []RemoteInstanceSetting
		if err := json.Unmarshal([]byte(v), &remotes); err != nil {
			return fmt.Errorf("SVCMON_REMOTE_INSTANCES: %w", err)
		}
		s.Federation.RemoteInstances = remotes
	}
	if v := getenv("SVCMON_PEER_TOKENS"); v != "" {
		var tokens map[string]string
		if err := json.Unmarshal([]byte(v), &tokens); err != nil {
			return fmt.Errorf("SVCMON_PEER_TOKENS: %w", err)
		}
		s.Federation.PeerTokens = tokens
	}
	return nil
}

// ParseDuration parses a Go duration or a whole number of days ("30d").
func ParseDuration(v string) (time.Duration, error) {
	if days, ok := strings.CutSuffix(v, "d"); ok {
		n, err := strconv.Atoi(days)
		if err != nil {
			return 0, fmt.Errorf("invalid day count %q", v)
		}
		return time.Duration(n) * 24 * time.Hour, nil
	}
	return time.ParseDuration(v)
}

// Validate checks mandatory settings and bounds. Out-of-range optional
// values are reset to their defaults and reported as warnings; anything
// else is an error and the backend must not start.
func (s *Settings) Validate() (warnings []string, err error) {
	if s.DatabaseURL == "" {
		return nil, fmt.Errorf("%w: database_url", ErrMissingSetting)
	}
	if s.RedisURL == "" {
		return nil, fmt.Errorf("%w: redis_url", ErrMissingSetting)
	}
	if s.Ingestion.ForwardAuditMessages == nil {
		return nil, fmt.Errorf("%w: ingestion.forward_audit_messages", ErrMissingSetting)
	}
	if s.Ingestion.ForwardErrorMessages == nil {
		return nil, fmt.Errorf("%w: ingestion.forward_error_messages", ErrMissingSetting)
	}
	if s.Retention.Audit == 0 {
		return nil, fmt.Errorf("%w: retention.audit", ErrMissingSetting)
	}
	if s.Retention.Error == 0 {
		return nil, fmt.Errorf("%w: retention.error", ErrMissingSetting)
	}

	if s.shouldValidate() {
		if err := checkRange("retention.audit", s.Retention.Audit, MinAuditRetention, MaxAuditRetention); err != nil {
			return nil, err
		}
		if err := checkRange("retention.error", s.Retention.Error, MinErrorRetention, MaxErrorRetention); err != nil {
			return nil, err
		}
		if s.Retention.Events == 0 {
			s.Retention.Events = DefaultEventRetention
		}
		if err := checkRange("retention.events", s.Retention.Events, MinEventRetention, MaxEventRetention); err != nil {
			return nil, err
		}
	}

	if s.Heartbeats.SweepInterval <= 0 {
		return nil, fmt.Errorf("heartbeats.sweep_interval must be positive, got %s", s.Heartbeats.SweepInterval)
	}
	if s.Heartbeats.GracePeriod <= s.Heartbeats.SweepInterval {
		return nil, fmt.Errorf("heartbeats.grace_period (%s) must exceed sweep_interval (%s)",
			s.Heartbeats.GracePeriod, s.Heartbeats.SweepInterval)
	}
	if s.Heartbeats.GracePeriod < 2*s.Heartbeats.SweepInterval {
		warnings = append(warnings, fmt.Sprintf(
			"heartbeats.grace_period %s is less than twice sweep_interval %s; scheduling jitter may cause false failures",
			s.Heartbeats.GracePeriod, s.Heartbeats.SweepInterval))
	}

	if s.Retention.ExpirationInterval <= 0 || s.Retention.ExpirationInterval > MaxExpirationInterval {
		warnings = append(warnings, fmt.Sprintf("retention.expiration_interval %s out of range, using %s",
			s.Retention.ExpirationInterval, DefaultExpirationInterval))
		s.Retention.ExpirationInterval = DefaultExpirationInterval
	}
	if s.Retention.ExpirationBatchSize < MinExpirationBatchSize {
		warnings = append(warnings, fmt.Sprintf("retention.expiration_batch_size %d below %d, using %d",
			s.Retention.ExpirationBatchSize, MinExpirationBatchSize, DefaultExpirationBatchSize))
		s.Retention.ExpirationBatchSize = DefaultExpirationBatchSize
	}
	if s.Ingestion.MaxBodySizeToStore <= 0 {
		warnings = append(warnings, fmt.Sprintf("ingestion.max_body_size_to_store %d must be positive, using %d",
			s.Ingestion.MaxBodySizeToStore, DefaultMaxBodySizeToStore))
		s.Ingestion.MaxBodySizeToStore = DefaultMaxBodySizeToStore
	}
	if s.Ingestion.MaximumConcurrencyLevel < 1 {
		s.Ingestion.MaximumConcurrencyLevel = DefaultConcurrencyLevel
	}
	if s.Ingestion.MaxDeliveryAttempts < 1 {
		return nil, fmt.Errorf("ingestion.max_delivery_attempts must be at least 1, got %d", s.Ingestion.MaxDeliveryAttempts)
	}
	if s.Federation.RemoteTimeout <= 0 {
		s.Federation.RemoteTimeout = DefaultRemoteTimeout
	}

	for _, r := range s.Federation.RemoteInstances {
		u, err := url.Parse(r.APIURI)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return nil, fmt.Errorf("federation.remote_instances: invalid api_uri %q", r.APIURI)
		}
	}

	if s.Server.Port <= 0 || s.Server.Port > 65535 {
		return nil, fmt.Errorf("server.port out of range: %d", s.Server.Port)
	}

	return warnings, nil
}

func (s *Settings) shouldValidate() bool {
	return s.ValidateConfig == nil || *s.ValidateConfig
}

func checkRange(name string, v, lo, hi time.Duration) error {
	if v < lo || v > hi {
		return fmt.Errorf("%s must be between %s and %s, got %s", name, lo, hi, v)
	}
	return nil
}

// APIURL returns the base URL peers use to reach this instance's API.
func (s *Settings) APIURL() string {
	if s.Server.APIURL != "" {
		return strings.TrimRight(s.Server.APIURL, "/")
	}
	base := fmt.Sprintf("http://%s:%d", s.Server.Hostname, s.Server.Port)
	if vdir := strings.Trim(s.Server.VirtualDirectory, "/"); vdir != "" {
		base += "/" + vdir
	}
	return base + "/api"
}

// ForwardAudit reports whether audit messages are forwarded.
func (s *Settings) ForwardAudit() bool {
	return s.Ingestion.ForwardAuditMessages != nil && *s.Ingestion.ForwardAuditMessages
}

// ForwardErrors reports whether error messages are forwarded.
func (s *Settings) ForwardErrors() bool {
	return s.Ingestion.ForwardErrorMessages != nil && *s.Ingestion.ForwardErrorMessages
}

// AuditLogQueue returns the forwarding target for audit messages.
func (s *Settings) AuditLogQueue() string {
	if s.Ingestion.AuditLogQueue != "" {
		return s.Ingestion.AuditLogQueue
	}
	return s.Ingestion.AuditQueue + ".log"
}

// ErrorLogQueue returns the forwarding target for error messages.
func (s *Settings) ErrorLogQueue() string {
	if s.Ingestion.ErrorLogQueue != "" {
		return s.Ingestion.ErrorLogQueue
	}
	return s.Ingestion.ErrorQueue + ".log"
}

// QueueEnabled reports whether ingestion from the named queue is enabled.
func QueueEnabled(name string) bool {
	return name != "" && !strings.EqualFold(name, DisabledQueue)
}

// RemoteURLs returns the configured peer API URLs.
func (s *Settings) RemoteURLs() []string {
	urls := make([]string, 0, len(s.Federation.RemoteInstances))
	for _, r := range s.Federation.RemoteInstances {
		urls = append(urls, r.APIURI)
	}
	return urls
}
