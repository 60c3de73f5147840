package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"
	"path"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// SinkType selects the downstream delivery mechanism for a sink
type SinkType string

const (
	SinkWebhook SinkType = "webhook" // HTTP POST with shared-secret header
	SinkNats    SinkType = "nats"    // NATS JetStream
	SinkKafka   SinkType = "kafka"   // Kafka topic
)

// SinkConfiguration describes one downstream delivery target
type SinkConfiguration struct {
	Name    string   `toml:"name"`
	Type    SinkType `toml:"type"`
	URL     string   `toml:"url"`     // webhook endpoint or NATS URL
	Brokers []string `toml:"brokers"` // kafka broker addresses
	Topic   string   `toml:"topic"`   // NATS subject / kafka topic

	AuthHeader string `toml:"auth_header"` // webhook only
	AuthSecret string `toml:"auth_secret"` // webhook only
	TimeoutMS  int    `toml:"timeout_ms"`

	FilterTenants    []string `toml:"filter_tenants"`     // glob patterns, empty = all
	FilterEventTypes []string `toml:"filter_event_types"` // glob patterns, empty = all
}

// TimeoutMSOrDefault returns the dispatch timeout in milliseconds.
// Timeouts are mandatory: a zero or negative value never disables them.
func (s SinkConfiguration) TimeoutMSOrDefault() int {
	if s.TimeoutMS > 0 {
		return s.TimeoutMS
	}
	return 20000
}

// DatabaseConfiguration controls the SQLite backing store
type DatabaseConfiguration struct {
	Path          string `toml:"path"`
	BusyTimeoutMS int    `toml:"busy_timeout_ms"`
}

// WatcherConfiguration controls the polling core
type WatcherConfiguration struct {
	DefaultTenant     string `toml:"default_tenant"`
	DefaultBatchSize  int    `toml:"default_batch_size"`
	EmitFullRow       bool   `toml:"emit_full_row"`
	ClaimLeaseSeconds int    `toml:"claim_lease_seconds"`
}

// HTTPConfiguration for the trigger API
type HTTPConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	AgentKey    string `toml:"agent_key"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
	Port    int    `toml:"port"`
}

// Configuration is the main configuration structure
type Configuration struct {
	AgentID   uint64 `toml:"agent_id"`
	AgentName string `toml:"agent_name"`
	DataDir   string `toml:"data_dir"`

	Database   DatabaseConfiguration   `toml:"database"`
	Watcher    WatcherConfiguration    `toml:"watcher"`
	Sinks      []SinkConfiguration     `toml:"sink"`
	HTTP       HTTPConfiguration       `toml:"http"`
	Logging    LoggingConfiguration    `toml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	DataDirFlag    = flag.String("data-dir", "", "Data directory (overrides config)")
	HTTPPortFlag   = flag.Int("http-port", 0, "HTTP trigger port (overrides config)")
	TenantFlag     = flag.String("tenant", "", "Default tenant (overrides config)")
)

// Default configuration
var Config = &Configuration{
	AgentID:   0, // Auto-generate
	AgentName: "watcher",
	DataDir:   "./agent-data",

	Database: DatabaseConfiguration{
		Path:          "", // defaults to <data_dir>/agent.db
		BusyTimeoutMS: 5000,
	},

	Watcher: WatcherConfiguration{
		DefaultTenant:     "hoamx_com",
		DefaultBatchSize:  50,
		EmitFullRow:       false,
		ClaimLeaseSeconds: 300,
	},

	HTTP: HTTPConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: false,
		Address: "0.0.0.0",
		Port:    9090,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *DataDirFlag != "" {
		Config.DataDir = *DataDirFlag
	}
	if *HTTPPortFlag != 0 {
		Config.HTTP.Port = *HTTPPortFlag
	}
	if *TenantFlag != "" {
		Config.Watcher.DefaultTenant = *TenantFlag
	}

	// Auto-generate agent ID if not set
	if Config.AgentID == 0 {
		var err error
		Config.AgentID, err = generateAgentID()
		if err != nil {
			return fmt.Errorf("failed to generate agent ID: %w", err)
		}
		log.Info().Uint64("agent_id", Config.AgentID).Msg("Auto-generated agent ID")
	}

	// Ensure data directory exists
	if err := os.MkdirAll(Config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	if Config.Database.Path == "" {
		Config.Database.Path = path.Join(Config.DataDir, "agent.db")
	}

	return nil
}

// generateAgentID creates a stable agent ID based on machine ID
func generateAgentID() (uint64, error) {
	id, err := machineid.ProtectedID("hoamx-watcher-agent")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	if Config.AgentName == "" {
		return fmt.Errorf("agent_name must not be empty")
	}
	if Config.Watcher.DefaultBatchSize < 1 {
		return fmt.Errorf("invalid default batch size: %d", Config.Watcher.DefaultBatchSize)
	}
	if Config.Watcher.ClaimLeaseSeconds < 1 {
		return fmt.Errorf("invalid claim lease: %d", Config.Watcher.ClaimLeaseSeconds)
	}
	if Config.HTTP.Enabled {
		if Config.HTTP.Port < 1 || Config.HTTP.Port > 65535 {
			return fmt.Errorf("invalid HTTP port: %d", Config.HTTP.Port)
		}
		if Config.HTTP.AgentKey == "" {
			return fmt.Errorf("http.agent_key is required when the trigger API is enabled")
		}
	}
	for i, sink := range Config.Sinks {
		if sink.Name == "" {
			return fmt.Errorf("sink[%d]: name is required", i)
		}
		switch sink.Type {
		case SinkWebhook:
			if sink.URL == "" {
				return fmt.Errorf("sink %q: webhook sink requires url", sink.Name)
			}
		case SinkNats:
			if sink.URL == "" {
				return fmt.Errorf("sink %q: nats sink requires url", sink.Name)
			}
		case SinkKafka:
			if len(sink.Brokers) == 0 {
				return fmt.Errorf("sink %q: kafka sink requires at least one broker", sink.Name)
			}
		default:
			return fmt.Errorf("sink %q: unknown type %q", sink.Name, sink.Type)
		}
	}
	if Config.Prometheus.Enabled {
		if Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535 {
			return fmt.Errorf("invalid Prometheus port: %d", Config.Prometheus.Port)
		}
	}
	return nil
}
