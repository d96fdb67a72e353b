// Package config provides configuration loading and validation for shale.
// Values come from defaults, then an optional YAML file, then environment
// variables named by each field's env tag.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the variable Load consults for a config file.
const EnvConfigPath = "SHALE_CONFIG"

// Config holds all configuration for the shale processes.
type Config struct {
	ClusterID     string              `yaml:"clusterId" env:"SHALE_CLUSTER_ID"`
	TServer       TServerConfig       `yaml:"tserver"`
	GC            GCConfig            `yaml:"gc"`
	Metadata      MetadataConfig      `yaml:"metadata"`
	ObjectStore   ObjectStoreConfig   `yaml:"objectStore"`
	WAL           WALConfig           `yaml:"wal"`
	Security      SecurityConfig      `yaml:"security"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type TServerConfig struct {
	ListenAddr               string `yaml:"listenAddr" env:"SHALE_TSERVER_LISTEN_ADDR"`
	AdvertiseAddr            string `yaml:"advertiseAddr" env:"SHALE_TSERVER_ADVERTISE_ADDR"`
	DataDir                  string `yaml:"dataDir" env:"SHALE_TSERVER_DATA_DIR"`
	SessionIdleMaxMs         int64  `yaml:"sessionIdleMaxMs" env:"SHALE_TSERVER_SESSION_IDLE_MAX_MS"`
	ClientTimeoutMs          int64  `yaml:"clientTimeoutMs" env:"SHALE_TSERVER_CLIENT_TIMEOUT_MS"`
	ScanResultWaitMs         int64  `yaml:"scanResultWaitMs" env:"SHALE_TSERVER_SCAN_RESULT_WAIT_MS"`
	MaxResultSizeBytes       int64  `yaml:"maxResultSizeBytes" env:"SHALE_TSERVER_MAX_RESULT_SIZE"`
	MutationQueueMaxBytes    int64  `yaml:"mutationQueueMaxBytes" env:"SHALE_TSERVER_MUTATION_QUEUE_MAX"`
	ReadAheadThreads         int    `yaml:"readAheadThreads" env:"SHALE_TSERVER_READ_AHEAD_THREADS"`
	MetadataReadAheadThreads int    `yaml:"metadataReadAheadThreads" env:"SHALE_TSERVER_METADATA_READ_AHEAD_THREADS"`
	LockRetryMs              int64  `yaml:"lockRetryMs" env:"SHALE_TSERVER_LOCK_RETRY_MS"`
	TLSCertFile              string `yaml:"tlsCertFile" env:"SHALE_TSERVER_TLS_CERT_FILE"`
	TLSKeyFile               string `yaml:"tlsKeyFile" env:"SHALE_TSERVER_TLS_KEY_FILE"`
}

type GCConfig struct {
	ListenAddr      string  `yaml:"listenAddr" env:"SHALE_GC_LISTEN_ADDR"`
	StartDelayMs    int64   `yaml:"startDelayMs" env:"SHALE_GC_START_DELAY_MS"`
	CycleDelayMs    int64   `yaml:"cycleDelayMs" env:"SHALE_GC_CYCLE_DELAY_MS"`
	DeleteThreads   int     `yaml:"deleteThreads" env:"SHALE_GC_DELETE_THREADS"`
	MemoryThreshold float64 `yaml:"memoryThreshold" env:"SHALE_GC_MEMORY_THRESHOLD"`
	TrashEnabled    bool    `yaml:"trashEnabled" env:"SHALE_GC_TRASH_ENABLED"`
	Safemode        bool    `yaml:"safemode" env:"SHALE_GC_SAFEMODE"`
	Offline         bool    `yaml:"offline" env:"SHALE_GC_OFFLINE"`
	Verbose         bool    `yaml:"verbose" env:"SHALE_GC_VERBOSE"`
	FlagBatchSize   int     `yaml:"flagBatchSize" env:"SHALE_GC_FLAG_BATCH_SIZE"`
	TLSCertFile     string  `yaml:"tlsCertFile" env:"SHALE_GC_TLS_CERT_FILE"`
	TLSKeyFile      string  `yaml:"tlsKeyFile" env:"SHALE_GC_TLS_KEY_FILE"`
}

type MetadataConfig struct {
	// Backend is "oxia" or "memory".
	Backend      string `yaml:"backend" env:"SHALE_METADATA_BACKEND"`
	OxiaEndpoint string `yaml:"oxiaEndpoint" env:"SHALE_OXIA_ENDPOINT"`
	Namespace    string `yaml:"namespace" env:"SHALE_OXIA_NAMESPACE"`

	// SessionTimeoutMs bounds how long process locks outlive a dead holder.
	SessionTimeoutMs int64 `yaml:"sessionTimeoutMs" env:"SHALE_OXIA_SESSION_TIMEOUT_MS"`
}

type ObjectStoreConfig struct {
	// Backend is "s3" or "memory".
	Backend   string `yaml:"backend" env:"SHALE_OBJECTSTORE_BACKEND"`
	Endpoint  string `yaml:"endpoint" env:"SHALE_S3_ENDPOINT"`
	Bucket    string `yaml:"bucket" env:"SHALE_S3_BUCKET"`
	Region    string `yaml:"region" env:"SHALE_S3_REGION"`
	AccessKey string `yaml:"accessKey" env:"SHALE_S3_ACCESS_KEY"`
	SecretKey string `yaml:"secretKey" env:"SHALE_S3_SECRET_KEY"`
	PathStyle bool   `yaml:"pathStyle" env:"SHALE_S3_PATH_STYLE"`

	// Root is the key prefix of the table volume.
	Root string `yaml:"root" env:"SHALE_VOLUME_ROOT"`
}

type WALConfig struct {
	Compression string `yaml:"compression" env:"SHALE_WAL_COMPRESSION"`
	RetryMs     int64  `yaml:"retryMs" env:"SHALE_WAL_RETRY_MS"`
}

// SecurityConfig configures the static authenticator.
type SecurityConfig struct {
	Users []UserConfig `yaml:"users"`
}

type UserConfig struct {
	Name           string              `yaml:"name"`
	Password       string              `yaml:"password"`
	Authorizations []string            `yaml:"authorizations"`
	System         bool                `yaml:"system"`
	Tables         map[string][]string `yaml:"tables"`
}

type ObservabilityConfig struct {
	MetricsAddr string `yaml:"metricsAddr" env:"SHALE_METRICS_ADDR"`
	LogLevel    string `yaml:"logLevel" env:"SHALE_LOG_LEVEL"`
	LogFormat   string `yaml:"logFormat" env:"SHALE_LOG_FORMAT"`
}

// Default returns a Config with defaults for a single node deployment.
func Default() *Config {
	return &Config{
		ClusterID: "shale",
		TServer: TServerConfig{
			ListenAddr:               ":9997",
			SessionIdleMaxMs:         60000,
			ClientTimeoutMs:          3000,
			ScanResultWaitMs:         1000,
			MaxResultSizeBytes:       1 << 20,
			MutationQueueMaxBytes:    256 << 10,
			ReadAheadThreads:         16,
			MetadataReadAheadThreads: 8,
			LockRetryMs:              1000,
		},
		GC: GCConfig{
			ListenAddr:      ":50091",
			StartDelayMs:    30000,
			CycleDelayMs:    300000,
			DeleteThreads:   16,
			MemoryThreshold: 0.75,
			TrashEnabled:    true,
			FlagBatchSize:   1000,
		},
		Metadata: MetadataConfig{
			Backend:          "oxia",
			OxiaEndpoint:     "localhost:6648",
			Namespace:        "shale",
			SessionTimeoutMs: 15000,
		},
		ObjectStore: ObjectStoreConfig{
			Backend: "s3",
			Region:  "us-east-1",
			Root:    "tables",
		},
		WAL: WALConfig{
			Compression: "snappy",
			RetryMs:     1000,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: ":9090",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads the file named by SHALE_CONFIG, if set, applies environment
// overrides, and validates the result.
func Load() (*Config, error) {
	cfg, err := LoadNoValidate()
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadNoValidate is Load without validation, for admin commands that only
// need a subset of the settings.
func LoadNoValidate() (*Config, error) {
	if path := os.Getenv(EnvConfigPath); path != "" {
		return LoadFromPathNoValidate(path)
	}
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults, applies environment
// overrides, and validates the result.
func LoadFromPath(path string) (*Config, error) {
	cfg, err := LoadFromPathNoValidate(path)
	if err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// LoadFromPathNoValidate is LoadFromPath without validation.
func LoadFromPathNoValidate(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and applies environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}
	check(c.TServer.SessionIdleMaxMs > 0, "tserver.sessionIdleMaxMs must be positive")
	check(c.TServer.ClientTimeoutMs > 0, "tserver.clientTimeoutMs must be positive")
	check(c.TServer.ScanResultWaitMs > 0, "tserver.scanResultWaitMs must be positive")
	check(c.TServer.MaxResultSizeBytes > 0, "tserver.maxResultSizeBytes must be positive")
	check(c.TServer.MutationQueueMaxBytes > 0, "tserver.mutationQueueMaxBytes must be positive")
	check(c.TServer.ReadAheadThreads > 0, "tserver.readAheadThreads must be positive")
	check(c.TServer.MetadataReadAheadThreads > 0, "tserver.metadataReadAheadThreads must be positive")
	check(c.GC.StartDelayMs >= 0, "gc.startDelayMs must not be negative")
	check(c.GC.CycleDelayMs > 0, "gc.cycleDelayMs must be positive")
	check(c.GC.DeleteThreads > 0, "gc.deleteThreads must be positive")
	check(c.GC.MemoryThreshold > 0 && c.GC.MemoryThreshold <= 1, "gc.memoryThreshold must be in (0, 1], got %v", c.GC.MemoryThreshold)
	check(c.GC.FlagBatchSize > 0, "gc.flagBatchSize must be positive")
	check((c.TServer.TLSCertFile == "") == (c.TServer.TLSKeyFile == ""), "tserver.tlsCertFile and tserver.tlsKeyFile must be set together")
	check((c.GC.TLSCertFile == "") == (c.GC.TLSKeyFile == ""), "gc.tlsCertFile and gc.tlsKeyFile must be set together")
	check(c.ObjectStore.Root != "", "objectStore.root is required")

	switch c.Metadata.Backend {
	case "memory":
	case "oxia":
		check(c.Metadata.OxiaEndpoint != "", "metadata.oxiaEndpoint is required for the oxia backend")
	default:
		errs = append(errs, fmt.Errorf("metadata.backend %q is not one of oxia, memory", c.Metadata.Backend))
	}
	switch c.ObjectStore.Backend {
	case "memory":
	case "s3":
		check(c.ObjectStore.Bucket != "", "objectStore.bucket is required for the s3 backend")
	default:
		errs = append(errs, fmt.Errorf("objectStore.backend %q is not one of s3, memory", c.ObjectStore.Backend))
	}
	switch c.WAL.Compression {
	case "none", "snappy", "lz4", "zstd":
	default:
		errs = append(errs, fmt.Errorf("wal.compression %q is not one of none, snappy, lz4, zstd", c.WAL.Compression))
	}
	seen := make(map[string]bool)
	for _, u := range c.Security.Users {
		check(u.Name != "", "security.users: user without a name")
		check(!seen[u.Name], "security.users: duplicate user %q", u.Name)
		seen[u.Name] = true
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}

// Durations derived from millisecond settings.

func (t TServerConfig) SessionIdleMax() time.Duration { return ms(t.SessionIdleMaxMs) }
func (t TServerConfig) ClientTimeout() time.Duration  { return ms(t.ClientTimeoutMs) }
func (t TServerConfig) ScanResultWait() time.Duration { return ms(t.ScanResultWaitMs) }
func (t TServerConfig) LockRetry() time.Duration      { return ms(t.LockRetryMs) }
func (g GCConfig) StartDelay() time.Duration          { return ms(g.StartDelayMs) }
func (g GCConfig) CycleDelay() time.Duration          { return ms(g.CycleDelayMs) }
func (w WALConfig) Retry() time.Duration              { return ms(w.RetryMs) }

func ms(v int64) time.Duration { return time.Duration(v) * time.Millisecond }

// applyEnv overrides fields whose env tag names a set variable.
func (c *Config) applyEnv() error {
	return applyEnvStruct(reflect.ValueOf(c).Elem())
}

func applyEnvStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		sf := t.Field(i)
		if field.Kind() == reflect.Struct {
			if err := applyEnvStruct(field); err != nil {
				return err
			}
			continue
		}
		name := sf.Tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(name)
		if !ok {
			continue
		}
		if err := setField(field, strings.TrimSpace(raw)); err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
	}
	return nil
}

func setField(field reflect.Value, raw string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
