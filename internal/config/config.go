package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type CloudConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	ClientID       string        `mapstructure:"client_id"`
	Secret         string        `mapstructure:"secret"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type LinkConfig struct {
	Transport      string        `mapstructure:"transport"` // mqtt|nats|none
	MQTTBrokerURL  string        `mapstructure:"mqtt_broker_url"`
	MQTTClientID   string        `mapstructure:"mqtt_client_id"`
	MQTTQoS        int           `mapstructure:"mqtt_qos"`
	AutoReconnect  bool          `mapstructure:"auto_reconnect"`
	NATSURL        string        `mapstructure:"nats_url"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // postgres|mysql|sqlite
	DSN    string `mapstructure:"dsn"`
}

type PostgresConfig struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DB       string `mapstructure:"db"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	LeaseTTL time.Duration `mapstructure:"lease_ttl"`
}

type Config struct {
	Port                  string         `mapstructure:"port"`
	LogLevel              string         `mapstructure:"log_level"`
	TickCron              string         `mapstructure:"tick_cron"`
	TickResolution        time.Duration  `mapstructure:"tick_resolution"`
	Lookahead             time.Duration  `mapstructure:"lookahead"`
	StopPolicy            string         `mapstructure:"stop_policy"`
	DispatchWorkers       int            `mapstructure:"dispatch_workers"`
	DispatchDeviceTimeout time.Duration  `mapstructure:"dispatch_device_timeout"`
	Cloud                 CloudConfig    `mapstructure:"cloud"`
	Link                  LinkConfig     `mapstructure:"link"`
	Database              DatabaseConfig `mapstructure:"database"`
	Postgres              PostgresConfig `mapstructure:"postgres"`
	Redis                 RedisConfig    `mapstructure:"redis"`
	JWTPublicKeyPath      string         `mapstructure:"jwt_public_key_path"`
	OTLPEndpoint          string         `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8096")
	v.SetDefault("log_level", "info")
	v.SetDefault("tick_cron", "0 * * * * *")
	v.SetDefault("tick_resolution", "1m")
	v.SetDefault("lookahead", "2m")
	v.SetDefault("stop_policy", "exact")
	v.SetDefault("dispatch_workers", 8)
	v.SetDefault("dispatch_device_timeout", "15s")

	v.SetDefault("cloud.base_url", "https://openapi.tuyaeu.com")
	v.SetDefault("cloud.client_id", "")
	v.SetDefault("cloud.secret", "")
	v.SetDefault("cloud.request_timeout", "10s")

	v.SetDefault("link.transport", "mqtt")
	v.SetDefault("link.mqtt_broker_url", "mqtt://mosquitto:1883")
	v.SetDefault("link.mqtt_client_id", "power-scheduler")
	v.SetDefault("link.mqtt_qos", 0)
	v.SetDefault("link.auto_reconnect", false)
	v.SetDefault("link.nats_url", "nats://nats:4222")
	v.SetDefault("link.publish_timeout", "5s")
	v.SetDefault("link.connect_timeout", "15s")

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.dsn", "")
	v.SetDefault("postgres.user", "")
	v.SetDefault("postgres.password", "")
	v.SetDefault("postgres.db", "")
	v.SetDefault("postgres.host", "postgres")
	v.SetDefault("postgres.port", "5432")
	v.SetDefault("postgres.sslmode", "disable")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.lease_ttl", "5m")

	v.SetDefault("jwt_public_key_path", "")
	v.SetDefault("otlp_endpoint", "")
}

// Load reads defaults, an optional YAML file named by POWER_SCHEDULER_CONFIG,
// and environment variables (cloud.base_url -> CLOUD_BASE_URL).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path := strings.TrimSpace(os.Getenv("POWER_SCHEDULER_CONFIG")); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, cfg.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	if c.Cloud.ClientID == "" || c.Cloud.Secret == "" {
		errs = append(errs, errors.New("cloud.client_id and cloud.secret are required"))
	}
	if c.Lookahead <= 0 {
		errs = append(errs, errors.New("lookahead must be positive"))
	}
	if c.TickResolution <= 0 {
		errs = append(errs, errors.New("tick_resolution must be positive"))
	}
	if c.DispatchWorkers <= 0 {
		errs = append(errs, errors.New("dispatch_workers must be positive"))
	}
	switch c.StopPolicy {
	case "exact", "window":
	default:
		errs = append(errs, fmt.Errorf("stop_policy must be exact or window, got %q", c.StopPolicy))
	}
	switch c.Link.Transport {
	case "mqtt", "nats", "none":
	default:
		errs = append(errs, fmt.Errorf("link.transport must be mqtt, nats or none, got %q", c.Link.Transport))
	}
	if c.Link.MQTTQoS < 0 || c.Link.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("link.mqtt_qos must be 0, 1 or 2, got %d", c.Link.MQTTQoS))
	}
	switch c.Database.Driver {
	case "postgres":
		if c.Database.DSN == "" && (c.Postgres.User == "" || c.Postgres.DB == "") {
			errs = append(errs, errors.New("postgres.user and postgres.db are required when database.dsn is empty"))
		}
	case "mysql", "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %s", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported database.driver %q", c.Database.Driver))
	}
	return errors.Join(errs...)
}
