package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Trust       TrustConfig       `yaml:"trust"`
	Anomaly     AnomalyConfig     `yaml:"anomaly"`
	Profiling   ProfilingConfig   `yaml:"profiling"`
	Sweeps      SweepsConfig      `yaml:"sweeps"`
	Enforcement EnforcementConfig `yaml:"enforcement"`
	Redis       RedisConfig       `yaml:"redis"`
	Postgres    PostgresConfig    `yaml:"postgres"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	Decoy       DecoyConfig       `yaml:"decoy"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

// TrustConfig carries the score bands and adjustment deltas. The shipped
// values are defaults, not constants — deployments retune them here.
type TrustConfig struct {
	InitialScore int         `yaml:"initial_score"`
	Bands        TrustBands  `yaml:"bands"`
	Deltas       TrustDeltas `yaml:"deltas"`
	HistoryLimit int         `yaml:"history_limit"`
}

// TrustBands are the lower bounds of each trust level.
type TrustBands struct {
	Trusted    int `yaml:"trusted"`    // >= Trusted => allow
	Normal     int `yaml:"normal"`     // >= Normal  => redirect
	Suspicious int `yaml:"suspicious"` // >= Suspicious => deny, below => quarantine
}

type TrustDeltas struct {
	Positive           int `yaml:"positive"`
	AnomalyLow         int `yaml:"anomaly_low"`
	AnomalyMedium      int `yaml:"anomaly_medium"`
	AnomalyHigh        int `yaml:"anomaly_high"`
	AlertLow           int `yaml:"alert_low"`
	AlertMedium        int `yaml:"alert_medium"`
	AlertHigh          int `yaml:"alert_high"`
	AttestationFailure int `yaml:"attestation_failure"`
}

type AnomalyConfig struct {
	RateRatio        float64 `yaml:"rate_ratio"`        // alarm when live/baseline rate exceeds this
	CardinalityRatio float64 `yaml:"cardinality_ratio"` // unique destination/port expansion
	HighMultiplier   float64 `yaml:"high_multiplier"`   // ratio >= threshold*multiplier => high severity
	MediumMultiplier float64 `yaml:"medium_multiplier"`
}

type ProfilingConfig struct {
	WindowSeconds int `yaml:"window_seconds"`
	TopN          int `yaml:"top_n"`
}

type SweepsConfig struct {
	DecoySeconds       int `yaml:"decoy_seconds"`
	AttestationSeconds int `yaml:"attestation_seconds"`
	PolicySeconds      int `yaml:"policy_seconds"`
	AlertSeconds       int `yaml:"alert_seconds"`
}

type EnforcementConfig struct {
	TimeoutSeconds  int `yaml:"timeout_seconds"`
	DefaultPriority int `yaml:"default_priority"`
	BlockPriority   int `yaml:"block_priority"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type PostgresConfig struct {
	DSN string `yaml:"dsn"`
}

type PubSubConfig struct {
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

type DecoyConfig struct {
	ContainerName string `yaml:"container_name"`
	LogTail       int    `yaml:"log_tail"`
}

// Default returns the shipped defaults. LoadConfig decodes a YAML file over
// these, so a partial config file is valid.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: "8080", Env: "development"},
		Trust: TrustConfig{
			InitialScore: 70,
			Bands:        TrustBands{Trusted: 70, Normal: 50, Suspicious: 30},
			Deltas: TrustDeltas{
				Positive:           5,
				AnomalyLow:         -5,
				AnomalyMedium:      -15,
				AnomalyHigh:        -30,
				AlertLow:           -10,
				AlertMedium:        -20,
				AlertHigh:          -40,
				AttestationFailure: -25,
			},
			HistoryLimit: 100,
		},
		Anomaly: AnomalyConfig{
			RateRatio:        50,
			CardinalityRatio: 10,
			HighMultiplier:   10,
			MediumMultiplier: 3,
		},
		Profiling: ProfilingConfig{WindowSeconds: 300, TopN: 10},
		Sweeps: SweepsConfig{
			DecoySeconds:       10,
			AttestationSeconds: 300,
			PolicySeconds:      60,
			AlertSeconds:       30,
		},
		Enforcement: EnforcementConfig{TimeoutSeconds: 5, DefaultPriority: 100, BlockPriority: 200},
		Decoy:       DecoyConfig{LogTail: 50},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error; the defaults alone are a valid configuration.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}
