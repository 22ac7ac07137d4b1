package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures the settings required to boot the resilience engine.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Clients     ClientsConfig     `yaml:"clients"`
	Logging     LoggingConfig     `yaml:"logging"`
	Catalogs    CatalogsConfig    `yaml:"catalogs"`
	Circuit     CircuitConfig     `yaml:"circuit"`
	Recovery    RecoveryConfig    `yaml:"recovery"`
	Healing     HealingConfig     `yaml:"healing"`
	Degradation DegradationConfig `yaml:"degradation"`
	Escalation  EscalationConfig  `yaml:"escalation"`
	Deployment  DeploymentConfig  `yaml:"deployment"`
	Notifier    NotifierConfig    `yaml:"notifier"`
	Cache       CacheConfig       `yaml:"cache"`
}

// ServerConfig controls the HTTP listeners.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	MetricsAddress  string        `yaml:"metricsAddress"`
	GracefulTimeout time.Duration `yaml:"gracefulTimeout"`
	Mode            string        `yaml:"mode"` // release or debug
}

// ClientsConfig groups integrations with the monitoring backend.
type ClientsConfig struct {
	Monitor MonitorClientConfig `yaml:"monitor"`
}

// MonitorClientConfig configures access to the metric/alert feed and
// the remediation operations endpoint.
type MonitorClientConfig struct {
	BaseURL     string        `yaml:"baseURL"`
	MetricsPath string        `yaml:"metricsPath"`
	AlertsPath  string        `yaml:"alertsPath"`
	HealthPath  string        `yaml:"healthPath"`
	OpsPath     string        `yaml:"opsPath"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// CatalogsConfig locates the declarative action/rule packs.
type CatalogsConfig struct {
	Dir             string `yaml:"dir"`
	RecoveryActions string `yaml:"recoveryActions"`
	HealingActions  string `yaml:"healingActions"`
	DegradationRule string `yaml:"degradationRules"`
	EscalationRules string `yaml:"escalationRules"`
	OnCallSchedules string `yaml:"onCallSchedules"`
	HotReload       bool   `yaml:"hotReload"`
}

// Path joins a catalog file name onto the catalog directory.
func (c CatalogsConfig) Path(name string) string {
	if name == "" {
		return ""
	}
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Dir, name)
}

// CircuitConfig holds default breaker thresholds applied to new circuits.
type CircuitConfig struct {
	FailureThreshold       int           `yaml:"failureThreshold"`
	RequestVolumeThreshold int           `yaml:"requestVolumeThreshold"`
	ErrorRateThreshold     float64       `yaml:"errorRateThreshold"`
	SlowCallRateThreshold  float64       `yaml:"slowCallRateThreshold"`
	SlowCallDuration       time.Duration `yaml:"slowCallDuration"`
	CallTimeout            time.Duration `yaml:"callTimeout"`
	RecoveryTimeout        time.Duration `yaml:"recoveryTimeout"`
	SuccessThreshold       int           `yaml:"successThreshold"`
	MetricsInterval        time.Duration `yaml:"metricsInterval"`
}

// RecoveryConfig tunes the auto-recovery orchestrator.
type RecoveryConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	CleanupInterval    time.Duration `yaml:"cleanupInterval"`
	GlobalCooldown     time.Duration `yaml:"globalCooldown"`
	MaxConcurrent      int           `yaml:"maxConcurrent"`
	StabilizationDelay time.Duration `yaml:"stabilizationDelay"`
	HistoryLimit       int           `yaml:"historyLimit"`
	HistoryRetention   time.Duration `yaml:"historyRetention"`
}

// HealingConfig tunes the self-healing engine.
type HealingConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Interval      time.Duration `yaml:"interval"`
	MaxConcurrent int           `yaml:"maxConcurrent"`
	HistoryLimit  int           `yaml:"historyLimit"`
}

// DegradationConfig tunes the graceful degradation engine.
type DegradationConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// EscalationConfig tunes the incident escalation service.
type EscalationConfig struct {
	Enabled              bool          `yaml:"enabled"`
	Interval             time.Duration `yaml:"interval"`
	CriticalUnackedAfter time.Duration `yaml:"criticalUnackedAfter"`
	HighUnackedAfter     time.Duration `yaml:"highUnackedAfter"`
}

// DeploymentConfig tunes deployment validation and rollback.
type DeploymentConfig struct {
	Enabled                 bool          `yaml:"enabled"`
	AutoRollback            bool          `yaml:"autoRollback"`
	CheckInterval           time.Duration `yaml:"checkInterval"`
	Stabilization           time.Duration `yaml:"stabilization"`
	MonitoringWindow        time.Duration `yaml:"monitoringWindow"`
	MaxCheckFailures        int           `yaml:"maxCheckFailures"`
	FailureWindow           time.Duration `yaml:"failureWindow"`
	ResponseTimeDegradation float64       `yaml:"responseTimeDegradation"`
	ErrorRateIncrease       float64       `yaml:"errorRateIncrease"`
	MemoryIncrease          float64       `yaml:"memoryIncrease"`
	BaselineWindow          time.Duration `yaml:"baselineWindow"`
	HistoryLimit            int           `yaml:"historyLimit"`
}

// NotifierConfig configures outbound notification delivery.
type NotifierConfig struct {
	WebhookURL string        `yaml:"webhookURL"`
	Timeout    time.Duration `yaml:"timeout"`
}

// CacheConfig controls Valkey-backed locks and snapshot caching.
type CacheConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	MaxRetries   int           `yaml:"maxRetries"`
	TLS          bool          `yaml:"tls"`
	SnapshotTTL  time.Duration `yaml:"snapshotTTL"`
}

// Load initialises Config from a YAML file and optional environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv("RESILIENCE_CONFIG")
	}

	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found: %w", path, err)
			}
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Address:         ":8085",
			MetricsAddress:  ":2112",
			GracefulTimeout: 10 * time.Second,
			Mode:            "release",
		},
		Clients: ClientsConfig{
			Monitor: MonitorClientConfig{
				MetricsPath: "/api/v1/monitoring/metrics",
				AlertsPath:  "/api/v1/monitoring/alerts",
				HealthPath:  "/api/v1/monitoring/health",
				OpsPath:     "/api/v1/operations",
				Timeout:     5 * time.Second,
			},
		},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Catalogs: CatalogsConfig{
			Dir:             "configs/catalogs",
			RecoveryActions: "recovery_actions.yaml",
			HealingActions:  "healing_actions.yaml",
			DegradationRule: "degradation_rules.yaml",
			EscalationRules: "escalation_rules.yaml",
			OnCallSchedules: "oncall_schedules.yaml",
			HotReload:       true,
		},
		Circuit: CircuitConfig{
			FailureThreshold:       5,
			RequestVolumeThreshold: 10,
			ErrorRateThreshold:     50,
			SlowCallRateThreshold:  50,
			SlowCallDuration:       5 * time.Second,
			CallTimeout:            10 * time.Second,
			RecoveryTimeout:        60 * time.Second,
			SuccessThreshold:       3,
			MetricsInterval:        30 * time.Second,
		},
		Recovery: RecoveryConfig{
			Enabled:            true,
			Interval:           30 * time.Second,
			CleanupInterval:    time.Hour,
			GlobalCooldown:     60 * time.Second,
			MaxConcurrent:      5,
			StabilizationDelay: 10 * time.Second,
			HistoryLimit:       1000,
			HistoryRetention:   7 * 24 * time.Hour,
		},
		Healing: HealingConfig{
			Enabled:       true,
			Interval:      60 * time.Second,
			MaxConcurrent: 3,
			HistoryLimit:  100,
		},
		Degradation: DegradationConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
		},
		Escalation: EscalationConfig{
			Enabled:              true,
			Interval:             60 * time.Second,
			CriticalUnackedAfter: 5 * time.Minute,
			HighUnackedAfter:     15 * time.Minute,
		},
		Deployment: DeploymentConfig{
			Enabled:                 true,
			AutoRollback:            true,
			CheckInterval:           60 * time.Second,
			Stabilization:           15 * time.Minute,
			MonitoringWindow:        60 * time.Minute,
			MaxCheckFailures:        3,
			FailureWindow:           5 * time.Minute,
			ResponseTimeDegradation: 50,
			ErrorRateIncrease:       200,
			MemoryIncrease:          30,
			BaselineWindow:          30 * time.Minute,
			HistoryLimit:            50,
		},
		Notifier: NotifierConfig{Timeout: 5 * time.Second},
		Cache: CacheConfig{
			Enabled:      false,
			DialTimeout:  2 * time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
			MaxRetries:   2,
			SnapshotTTL:  30 * time.Second,
		},
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("RESILIENCE_SERVER_ADDRESS"); v != "" {
		cfg.Server.Address = v
	}
	if v := os.Getenv("RESILIENCE_METRICS_ADDRESS"); v != "" {
		cfg.Server.MetricsAddress = v
	}
	if v := os.Getenv("RESILIENCE_SERVER_MODE"); v != "" {
		cfg.Server.Mode = v
	}
	if v := os.Getenv("RESILIENCE_MONITOR_BASE_URL"); v != "" {
		cfg.Clients.Monitor.BaseURL = v
	}
	if v := os.Getenv("RESILIENCE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RESILIENCE_LOG_FORMAT"); v == "json" {
		cfg.Logging.JSON = true
	}
	if v := os.Getenv("RESILIENCE_CATALOG_DIR"); v != "" {
		cfg.Catalogs.Dir = v
	}
	if v := os.Getenv("RESILIENCE_NOTIFIER_WEBHOOK_URL"); v != "" {
		cfg.Notifier.WebhookURL = v
	}
	if v := os.Getenv("RESILIENCE_CACHE_ADDR"); v != "" {
		cfg.Cache.Addr = v
	}
	if v := os.Getenv("RESILIENCE_CACHE_ENABLED"); v != "" {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("RESILIENCE_CACHE_USERNAME"); v != "" {
		cfg.Cache.Username = v
	}
	if v := os.Getenv("RESILIENCE_CACHE_PASSWORD"); v != "" {
		cfg.Cache.Password = v
	}
	if v := os.Getenv("RESILIENCE_CACHE_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.DB = db
		}
	}
	if v := os.Getenv("RESILIENCE_CACHE_TLS"); strings.EqualFold(v, "true") || strings.EqualFold(v, "1") {
		cfg.Cache.TLS = true
	}
	if v := os.Getenv("RESILIENCE_RECOVERY_ENABLED"); v != "" {
		cfg.Recovery.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("RESILIENCE_HEALING_ENABLED"); v != "" {
		cfg.Healing.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("RESILIENCE_DEGRADATION_ENABLED"); v != "" {
		cfg.Degradation.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("RESILIENCE_ESCALATION_ENABLED"); v != "" {
		cfg.Escalation.Enabled = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("RESILIENCE_DEPLOYMENT_AUTO_ROLLBACK"); v != "" {
		cfg.Deployment.AutoRollback = strings.EqualFold(v, "true") || strings.EqualFold(v, "1")
	}
	if v := os.Getenv("RESILIENCE_GLOBAL_COOLDOWN"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Recovery.GlobalCooldown = d
		}
	}
	if v := os.Getenv("RESILIENCE_MAX_CONCURRENT_RECOVERIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Recovery.MaxConcurrent = n
		}
	}
}
