package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config lists the tunable parameters for the telemetry broker.
type Config struct {
	HTTPPort        int
	MQTTBindAddress string
	MetricsPort     int
	DatabasePath    string
	LogLevel        string
	MDNS            bool

	AttemptTimeout time.Duration
	MaxAttempts    int
	BackoffBase    time.Duration
	BackoffMax     time.Duration
	BackoffJitter  float64
	QueueLimit     int
	MaxInFlight    int
	MaxReadings    int

	RedisAddr     string
	RedisQueueCap int
	RedisQueueTTL time.Duration

	PostgresURL string

	UpstreamBroker   string
	UpstreamTopic    string
	UpstreamClientID string

	SerialPort    string
	SerialBaud    int
	SerialFraming string
}

const (
	envPrefix = "SENSORHUB_"

	defaultHTTPPort        = 8080
	defaultMQTTBindAddress = ":1883"
	defaultMetricsPort     = 9090
	defaultDatabasePath    = "data/sensorhub.db"
	defaultLogLevel        = "info"
	defaultUpstreamTopic   = "devices/+/readings"
	defaultSerialBaud      = 115200
	defaultSerialFraming   = "lines"
)

// Default returns the configuration used when no variables are set.
func Default() Config {
	return Config{
		HTTPPort:        defaultHTTPPort,
		MQTTBindAddress: defaultMQTTBindAddress,
		MetricsPort:     defaultMetricsPort,
		DatabasePath:    defaultDatabasePath,
		LogLevel:        defaultLogLevel,
		MDNS:            true,

		AttemptTimeout: 5 * time.Second,
		MaxAttempts:    5,
		BackoffBase:    200 * time.Millisecond,
		BackoffMax:     10 * time.Second,
		BackoffJitter:  0.2,
		QueueLimit:     64,
		MaxInFlight:    256,
		MaxReadings:    500,

		RedisQueueCap: 1000,
		RedisQueueTTL: 24 * time.Hour,

		UpstreamTopic: defaultUpstreamTopic,

		SerialBaud:    defaultSerialBaud,
		SerialFraming: defaultSerialFraming,
	}
}

// Load derives configuration values from environment variables, falling back to defaults.
func Load() (Config, error) {
	return load(os.LookupEnv)
}

type lookupFunc func(string) (string, bool)

func load(lookup lookupFunc) (Config, error) {
	cfg := Default()
	p := parser{lookup: lookup}

	p.int("HTTP_PORT", &cfg.HTTPPort, validPort)
	p.string("MQTT_BIND", &cfg.MQTTBindAddress)
	p.int("METRICS_PORT", &cfg.MetricsPort, validPort)
	p.string("DATABASE_PATH", &cfg.DatabasePath)
	p.string("LOG_LEVEL", &cfg.LogLevel)
	p.bool("MDNS", &cfg.MDNS)

	p.duration("ATTEMPT_TIMEOUT", &cfg.AttemptTimeout)
	p.int("MAX_ATTEMPTS", &cfg.MaxAttempts, positive)
	p.duration("BACKOFF_BASE", &cfg.BackoffBase)
	p.duration("BACKOFF_MAX", &cfg.BackoffMax)
	p.float("BACKOFF_JITTER", &cfg.BackoffJitter)
	p.int("QUEUE_LIMIT", &cfg.QueueLimit, positive)
	p.int("MAX_IN_FLIGHT", &cfg.MaxInFlight, positive)
	p.int("MAX_READINGS", &cfg.MaxReadings, positive)

	p.string("REDIS_ADDR", &cfg.RedisAddr)
	p.int("REDIS_QUEUE_CAP", &cfg.RedisQueueCap, positive)
	p.duration("REDIS_QUEUE_TTL", &cfg.RedisQueueTTL)

	p.string("POSTGRES_URL", &cfg.PostgresURL)

	p.string("UPSTREAM_MQTT_BROKER", &cfg.UpstreamBroker)
	p.string("UPSTREAM_MQTT_TOPIC", &cfg.UpstreamTopic)
	p.string("UPSTREAM_MQTT_CLIENT_ID", &cfg.UpstreamClientID)

	p.string("SERIAL_PORT", &cfg.SerialPort)
	p.int("SERIAL_BAUD", &cfg.SerialBaud, positive)
	p.string("SERIAL_FRAMING", &cfg.SerialFraming)

	if p.err != nil {
		return Config{}, p.err
	}

	if cfg.BackoffJitter < 0 || cfg.BackoffJitter >= 1 {
		return Config{}, fmt.Errorf("invalid %sBACKOFF_JITTER: %v not in [0, 1)", envPrefix, cfg.BackoffJitter)
	}
	if cfg.BackoffMax < cfg.BackoffBase {
		return Config{}, fmt.Errorf("invalid %sBACKOFF_MAX: %s is below BACKOFF_BASE %s", envPrefix, cfg.BackoffMax, cfg.BackoffBase)
	}
	if cfg.SerialFraming != "lines" && cfg.SerialFraming != "crc" {
		return Config{}, fmt.Errorf("invalid %sSERIAL_FRAMING: %q", envPrefix, cfg.SerialFraming)
	}

	return cfg, nil
}

// parser keeps the first error so Load reads as a flat list of variables.
type parser struct {
	lookup lookupFunc
	err    error
}

func (p *parser) value(name string) (string, bool) {
	if p.err != nil {
		return "", false
	}
	v, ok := p.lookup(envPrefix + name)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (p *parser) fail(name string, err error) {
	p.err = fmt.Errorf("invalid %s%s: %w", envPrefix, name, err)
}

func (p *parser) string(name string, dst *string) {
	if v, ok := p.value(name); ok {
		*dst = v
	}
}

func (p *parser) int(name string, dst *int, check func(int) error) {
	v, ok := p.value(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err == nil && check != nil {
		err = check(n)
	}
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = n
}

func (p *parser) float(name string, dst *float64) {
	v, ok := p.value(name)
	if !ok {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = f
}

func (p *parser) bool(name string, dst *bool) {
	v, ok := p.value(name)
	if !ok {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = b
}

func (p *parser) duration(name string, dst *time.Duration) {
	v, ok := p.value(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err == nil && d <= 0 {
		err = fmt.Errorf("%s must be positive", v)
	}
	if err != nil {
		p.fail(name, err)
		return
	}
	*dst = d
}

func validPort(n int) error {
	if n < 1 || n > 65535 {
		return fmt.Errorf("port %d out of range", n)
	}
	return nil
}

func positive(n int) error {
	if n <= 0 {
		return fmt.Errorf("%d must be positive", n)
	}
	return nil
}
