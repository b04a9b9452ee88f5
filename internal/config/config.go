package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Services that can be started.
const (
	ServiceCatalog = "catalog"
	ServiceOrder   = "order"
)

const ServiceVersion = "0.1.0"

const (
	LogsPath      = "/otlp/v1/logs"   // Grafana Cloud OTLP path
	TracesPath    = "/otlp/v1/traces" // Grafana Cloud OTLP path
	ExportTimeout = 30 * time.Second
	MaxQueueSize  = 2048
)

const defaultBrokers = "localhost:29092,localhost:39092,localhost:49092"

type Config struct {
	Service  ServiceConfig  `mapstructure:"service"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Outbox   OutboxConfig   `mapstructure:"outbox"`
	Otel     OtelConfig     `mapstructure:"otel"`
}

type ServiceConfig struct {
	Kind     string `mapstructure:"-"`
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type KafkaConfig struct {
	// Brokers is a comma separated host:port list.
	Brokers           string        `mapstructure:"brokers"`
	GroupID           string        `mapstructure:"group_id"`
	ClientID          string        `mapstructure:"client_id"`
	Partitions        int           `mapstructure:"partitions"`
	ReplicationFactor int           `mapstructure:"replication_factor"`
	RequiredAcks      int           `mapstructure:"required_acks"`
	SessionTimeout    time.Duration `mapstructure:"session_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
}

// BrokerList splits Brokers, dropping blanks.
func (k KafkaConfig) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// DatabaseConfig points at PostgreSQL. An empty URL selects in-memory stores.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig points at Redis. An empty Addr selects the in-memory ledger and sequence.
type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	LedgerTTL   time.Duration `mapstructure:"ledger_ttl"`
	KeyPrefix   string        `mapstructure:"key_prefix"`
	SequenceKey string        `mapstructure:"sequence_key"`
}

type OutboxConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
}

type OtelConfig struct {
	Endpoint   string `mapstructure:"endpoint"`
	AuthHeader string `mapstructure:"auth_header"`
	Insecure   bool   `mapstructure:"insecure"`
}

type serviceDefaults struct {
	name    string
	groupID string
	addr    string
}

var defaults = map[string]serviceDefaults{
	ServiceCatalog: {name: "catalog-service", groupID: "catalog-service-group", addr: ":8000"},
	ServiceOrder:   {name: "order-service", groupID: "order-service-group", addr: ":9000"},
}

// Load builds the configuration of service from defaults, the optional file
// at path and the environment. Keys map to variables by upper-casing and
// replacing dots, so kafka.brokers is read from KAFKA_BROKERS.
func Load(service, path string) (*Config, error) {
	d, ok := defaults[service]
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}

	v := viper.New()

	v.SetDefault("service.name", d.name)
	v.SetDefault("service.log_level", "info")

	v.SetDefault("http.addr", d.addr)

	v.SetDefault("kafka.brokers", defaultBrokers)
	v.SetDefault("kafka.group_id", d.groupID)
	v.SetDefault("kafka.client_id", d.name)
	v.SetDefault("kafka.partitions", 2)
	v.SetDefault("kafka.replication_factor", 3)
	v.SetDefault("kafka.required_acks", -1)
	v.SetDefault("kafka.session_timeout", "30s")
	v.SetDefault("kafka.heartbeat_interval", "3s")
	v.SetDefault("kafka.max_attempts", 5)
	v.SetDefault("kafka.initial_backoff", "200ms")
	v.SetDefault("kafka.max_backoff", "5s")

	v.SetDefault("database.url", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ledger_ttl", "168h")
	v.SetDefault("redis.key_prefix", service+":stock:")
	v.SetDefault("redis.sequence_key", service+":order_number")

	v.SetDefault("outbox.poll_interval", "1s")
	v.SetDefault("outbox.batch_size", 100)

	v.SetDefault("otel.endpoint", "")
	v.SetDefault("otel.auth_header", "")
	v.SetDefault("otel.insecure", false)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.Service.Kind = service
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Kafka.BrokerList()) == 0 {
		return fmt.Errorf("KAFKA_BROKERS must list at least one broker")
	}
	if c.Kafka.GroupID == "" {
		return fmt.Errorf("KAFKA_GROUP_ID must not be empty")
	}
	if c.Kafka.Partitions <= 0 {
		return fmt.Errorf("kafka.partitions must be positive, got %d", c.Kafka.Partitions)
	}
	if c.Kafka.ReplicationFactor <= 0 {
		return fmt.Errorf("kafka.replication_factor must be positive, got %d", c.Kafka.ReplicationFactor)
	}
	switch c.Kafka.RequiredAcks {
	case -1, 0, 1:
	default:
		return fmt.Errorf("kafka.required_acks must be -1, 0 or 1, got %d", c.Kafka.RequiredAcks)
	}
	return nil
}
