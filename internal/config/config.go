// Package config loads the daemon configuration: a YAML document with
// nested sections, overridable through CYBERRED_<SECTION>__<KEY> environment
// variables (double underscore expresses nesting).
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
)

// EnvPrefix is the prefix for configuration override variables.
const EnvPrefix = "CYBERRED_"

// Error reports an unusable configuration (missing file, parse failure,
// invalid values).
type Error struct {
	Path   string
	Reason string
}

func (e *Error) Error() string {
	if e.Path == "" {
		return "configuration error: " + e.Reason
	}
	return fmt.Sprintf("configuration error in %s: %s", e.Path, e.Reason)
}

// Config is the daemon configuration tree.
type Config struct {
	Engagement   EngagementConfig   `yaml:"engagement"`
	Storage      StorageConfig      `yaml:"storage"`
	Redis        RedisConfig        `yaml:"redis"`
	Scope        ScopeConfig        `yaml:"scope"`
	Pool         PoolConfig         `yaml:"pool"`
	LLM          LLMConfig          `yaml:"llm"`
	Intelligence IntelligenceConfig `yaml:"intelligence"`
	NTP          NTPConfig          `yaml:"ntp"`
	Output       OutputConfig       `yaml:"output"`
	C2           C2Config           `yaml:"c2"`
	Monitoring   MonitoringConfig   `yaml:"monitoring"`
}

// EngagementConfig names the engagement and bounds the registry.
type EngagementConfig struct {
	Name           string `yaml:"name"`
	MaxEngagements int    `yaml:"max_engagements"`
}

// StorageConfig locates everything the daemon persists.
type StorageConfig struct {
	BasePath string `yaml:"base_path"`
}

// RedisConfig describes the shared data store. When Sentinels is non-empty
// the client connects through sentinel master discovery with automatic
// failover; otherwise Host/Port address a single node.
type RedisConfig struct {
	Host       string   `yaml:"host"`
	Port       int      `yaml:"port"`
	Password   string   `yaml:"password"`
	DB         int      `yaml:"db"`
	MasterName string   `yaml:"master_name"`
	Sentinels  []string `yaml:"sentinels"`
}

// Addr returns the single-node address.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// ScopeConfig locates the scope file.
type ScopeConfig struct {
	Path         string `yaml:"path"`
	AllowPrivate bool   `yaml:"allow_private"`
}

// PoolConfig sizes the container pool.
type PoolConfig struct {
	Mode              string `yaml:"mode"` // "mock" or "real"
	Size              int    `yaml:"size"`
	Image             string `yaml:"image"`
	AcquireTimeoutSec int    `yaml:"acquire_timeout_sec"`
	ExecTimeoutSec    int    `yaml:"exec_timeout_sec"`
}

// LLMConfig configures the gateway.
type LLMConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout"`
	RPM        int    `yaml:"rpm"`
	Burst      int    `yaml:"burst"`
	MaxRetries int    `yaml:"max_retries"`
}

// IntelligenceConfig tunes the aggregator.
type IntelligenceConfig struct {
	CacheTTLSec      int `yaml:"cache_ttl"`
	SourceTimeoutSec int `yaml:"source_timeout"`
}

// NTPConfig tunes trusted time.
type NTPConfig struct {
	Server        string  `yaml:"server"`
	SyncTTLSec    int     `yaml:"sync_ttl"`
	DriftWarnSec  float64 `yaml:"drift_warn_threshold"`
	DriftErrorSec float64 `yaml:"drift_error_threshold"`
}

// OutputConfig tunes the output processor.
type OutputConfig struct {
	MaxRawLength  int    `yaml:"max_raw_length"`
	LLMTimeoutSec int    `yaml:"llm_timeout"`
	ParsersDir    string `yaml:"parsers_dir"`
	CacheEnabled  *bool  `yaml:"cache_enabled"`
}

// C2Config gates the mTLS command channel.
type C2Config struct {
	Enabled  bool   `yaml:"enabled"`
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// MonitoringConfig exposes the metrics endpoint.
type MonitoringConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads a YAML file, applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &Error{Path: path, Reason: err.Error()}
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, &Error{Path: path, Reason: err.Error()}
	}
	if err := cfg.ApplyEnvOverrides(os.Environ()); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns the configuration built from env overrides and defaults
// only, for callers without a config file.
func Default() *Config {
	var cfg Config
	_ = cfg.ApplyEnvOverrides(os.Environ())
	cfg.applyDefaults()
	return &cfg
}

// ApplyEnvOverrides applies CYBERRED_<SECTION>__<KEY>=value entries on top
// of the current values. Each override is expressed as a one-entry YAML
// document and decoded over the existing struct, so values get YAML's
// implicit typing (ints, bools, strings).
func (c *Config) ApplyEnvOverrides(environ []string) error {
	for _, kv := range environ {
		eq := strings.Index(kv, "=")
		if eq < 0 || !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		name, value := kv[:eq], kv[eq+1:]
		pathParts := strings.Split(strings.TrimPrefix(name, EnvPrefix), "__")
		if len(pathParts) < 2 {
			continue
		}

		doc := yamlQuote(value)
		for i := len(pathParts) - 1; i >= 0; i-- {
			key := strings.ToLower(pathParts[i])
			if i == len(pathParts)-1 {
				doc = fmt.Sprintf("%s: %s", key, doc)
			} else {
				doc = fmt.Sprintf("%s:\n%s", key, indent(doc))
			}
		}
		if err := yaml.Unmarshal([]byte(doc), c); err != nil {
			return &Error{Reason: fmt.Sprintf("bad override %s: %v", name, err)}
		}
	}
	return nil
}

// yamlQuote leaves scalars bare so implicit typing applies, but protects
// values that would otherwise change the document structure.
func yamlQuote(v string) string {
	if strings.ContainsAny(v, ":#{}[]\n") {
		b, _ := yaml.Marshal(v)
		return strings.TrimSuffix(string(b), "\n")
	}
	return v
}

func indent(s string) string {
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}

func (c *Config) applyDefaults() {
	if c.Engagement.MaxEngagements == 0 {
		c.Engagement.MaxEngagements = 5
	}
	if c.Storage.BasePath == "" {
		c.Storage.BasePath = "/var/lib/cyberred"
	}
	if c.Redis.Host == "" {
		c.Redis.Host = "127.0.0.1"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.MasterName == "" {
		c.Redis.MasterName = "mymaster"
	}
	if c.Pool.Mode == "" {
		c.Pool.Mode = "mock"
	}
	if c.Pool.Size == 0 {
		c.Pool.Size = 10
	}
	if c.Pool.Image == "" {
		c.Pool.Image = "kalilinux/kali-rolling"
	}
	if c.Pool.AcquireTimeoutSec == 0 {
		c.Pool.AcquireTimeoutSec = 30
	}
	if c.Pool.ExecTimeoutSec == 0 {
		c.Pool.ExecTimeoutSec = 300
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "anthropic"
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = 120
	}
	if c.LLM.RPM == 0 {
		c.LLM.RPM = 30
	}
	if c.LLM.Burst == 0 {
		c.LLM.Burst = 5
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}
	if c.Intelligence.CacheTTLSec == 0 {
		c.Intelligence.CacheTTLSec = 3600
	}
	if c.Intelligence.SourceTimeoutSec == 0 {
		c.Intelligence.SourceTimeoutSec = 5
	}
	if c.NTP.Server == "" {
		c.NTP.Server = "pool.ntp.org"
	}
	if c.NTP.SyncTTLSec == 0 {
		c.NTP.SyncTTLSec = 300
	}
	if c.NTP.DriftWarnSec == 0 {
		c.NTP.DriftWarnSec = 1.0
	}
	if c.NTP.DriftErrorSec == 0 {
		c.NTP.DriftErrorSec = 5.0
	}
	if c.Output.MaxRawLength == 0 {
		c.Output.MaxRawLength = 4000
	}
	if c.Output.LLMTimeoutSec == 0 {
		c.Output.LLMTimeoutSec = 30
	}
	if c.Monitoring.Listen == "" {
		c.Monitoring.Listen = "127.0.0.1:9410"
	}
	if c.Scope.Path == "" {
		c.Scope.Path = c.Storage.BasePath + "/scope.yaml"
	}
}
