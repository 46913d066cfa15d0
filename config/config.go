package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/YuriyNasretdinov/kladovka/cluster"
)

// Environment variables understood by ApplyEnv.
const (
	EnvStorageMB = "STORAGE_MB"
	EnvPeerURLs  = "PEER_URLS"
	EnvDir       = "KLADOVKA_DIR"
	EnvListen    = "KLADOVKA_LISTEN"
)

type Timeouts struct {
	List      time.Duration `yaml:"list"`
	Push      time.Duration `yaml:"push"`
	Download  time.Duration `yaml:"download"`
	Aggregate time.Duration `yaml:"aggregate"`
}

type RateLimiterConfig struct {
	Limit float64 `yaml:"limit"` // Downloads per second, 0 means unlimited
	Burst int     `yaml:"burst"`
}

// Config is everything a storage node needs to start.
type Config struct {
	InstanceName  string   `yaml:"instanceName"`
	DirName       string   `yaml:"dirName"`
	InMemory      bool     `yaml:"inMemory"`
	ListenAddr    string   `yaml:"listenAddr"`
	AdvertiseAddr string   `yaml:"advertiseAddr"` // how peers reach us, derived from listenAddr if empty
	CapacityMB    int64    `yaml:"capacityMB"`    // advertised only, never enforced
	Peers         []string `yaml:"peers"`

	EtcdAddr    []string `yaml:"etcdAddr"`
	ClusterName string   `yaml:"clusterName"`

	SyncInterval      time.Duration     `yaml:"syncInterval"`
	HeartbeatInterval time.Duration     `yaml:"heartbeatInterval"`
	Timeouts          Timeouts          `yaml:"timeouts"`
	SyncPullRate      RateLimiterConfig `yaml:"syncPullRate"`
	ReportTTL         time.Duration     `yaml:"reportTTL"`
	MaxUploadSizeMB   int               `yaml:"maxUploadSizeMB"`
	LogLevel          string            `yaml:"logLevel"`
}

var (
	ErrConfigFileUnreadable     = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable = errors.New("config file is unmarshallable")
	ErrInstanceNameMissing      = errors.New("instanceName is missing in config")
	ErrDirNameMissing           = errors.New("dirName is missing in config and is required unless inMemory is set")
	ErrListenAddrMissing        = errors.New("listenAddr is missing in config")
	ErrNegativeCapacity         = errors.New("capacityMB must not be negative")
	ErrBadStorageMB             = errors.New("STORAGE_MB must be an integer number of megabytes")
	ErrSyncIntervalInvalid      = errors.New("syncInterval must be positive")
	ErrHeartbeatIntervalInvalid = errors.New("heartbeatInterval must be positive")
	ErrTimeoutInvalid           = errors.New("every timeout must be positive")
	ErrSyncPullRateInvalid      = errors.New("syncPullRate.limit and syncPullRate.burst must not be negative")
	ErrReportTTLInvalid         = errors.New("reportTTL must be positive")
	ErrMaxUploadSizeInvalid     = errors.New("maxUploadSizeMB must be positive")
	ErrClusterNameMissing       = errors.New("clusterName is required when etcdAddr is set")
	ErrLogLevelUnknown          = errors.New("logLevel must be one of debug, info, warn, error")
)

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		InstanceName:      "kladovka-" + uuid.NewString()[:8],
		DirName:           "data",
		ListenAddr:        "127.0.0.1:8080",
		CapacityMB:        300,
		ClusterName:       "default",
		SyncInterval:      30 * time.Second,
		HeartbeatInterval: 18 * time.Second,
		Timeouts: Timeouts{
			List:      3 * time.Second,
			Push:      5 * time.Second,
			Download:  5 * time.Second,
			Aggregate: 2 * time.Second,
		},
		ReportTTL:       5 * time.Minute,
		MaxUploadSizeMB: 256,
		LogLevel:        "info",
	}
}

// LoadFile reads the YAML file on top of the default configuration, so
// the file only needs to contain the values that differ.
func LoadFile(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnreadable, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigFileUnmarshallable, err)
	}

	return cfg, nil
}

// ApplyEnv overrides the configuration with environment variables.
// lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvStorageMB); ok && strings.TrimSpace(v) != "" {
		mb, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadStorageMB, v)
		}
		c.CapacityMB = mb
	}

	if v, ok := lookup(EnvPeerURLs); ok {
		c.Peers = cluster.ParsePeerList(v)
	}

	if v, ok := lookup(EnvDir); ok && v != "" {
		c.DirName = v
	}

	if v, ok := lookup(EnvListen); ok && v != "" {
		c.ListenAddr = v
	}

	return nil
}

// Validate checks that the node can start with this configuration.
func (c *Config) Validate() error {
	if c.InstanceName == "" {
		return ErrInstanceNameMissing
	}
	if !c.InMemory && c.DirName == "" {
		return ErrDirNameMissing
	}
	if c.ListenAddr == "" {
		return ErrListenAddrMissing
	}
	if c.CapacityMB < 0 {
		return ErrNegativeCapacity
	}
	if c.SyncInterval <= 0 {
		return ErrSyncIntervalInvalid
	}
	if c.HeartbeatInterval <= 0 {
		return ErrHeartbeatIntervalInvalid
	}

	for _, t := range []time.Duration{c.Timeouts.List, c.Timeouts.Push, c.Timeouts.Download, c.Timeouts.Aggregate} {
		if t <= 0 {
			return ErrTimeoutInvalid
		}
	}

	if c.SyncPullRate.Limit < 0 || c.SyncPullRate.Burst < 0 {
		return ErrSyncPullRateInvalid
	}
	if c.ReportTTL <= 0 {
		return ErrReportTTLInvalid
	}
	if c.MaxUploadSizeMB <= 0 {
		return ErrMaxUploadSizeInvalid
	}
	if len(c.EtcdAddr) > 0 && c.ClusterName == "" {
		return ErrClusterNameMissing
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return ErrLogLevelUnknown
	}

	return nil
}

// Advertise returns the base address peers should use to reach this node.
func (c *Config) Advertise() string {
	if c.AdvertiseAddr != "" {
		return c.AdvertiseAddr
	}
	return "http://" + c.ListenAddr
}
