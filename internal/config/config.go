package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// ServerConfig captures all tunable parameters for the dispatch processes.
// Defaults are overridden by an optional YAML/JSON file and then by
// environment variables, so the binary can run locally without setup.
type ServerConfig struct {
	HTTPAddr        string        `json:"http_addr"`
	ReadTimeout     time.Duration `json:"read_timeout"`
	WriteTimeout    time.Duration `json:"write_timeout"`
	IdleTimeout     time.Duration `json:"idle_timeout"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`

	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisGeoKey   string `json:"redis_geo_key"`

	KafkaBrokers    []string `json:"kafka_brokers"`
	KafkaTopic      string   `json:"kafka_topic"`
	KafkaAuditTopic string   `json:"kafka_audit_topic"`
	KafkaGroupID    string   `json:"kafka_group_id"`

	PGDSN string `json:"pg_dsn"`

	OSRMURL          string `json:"osrm_url"`
	GoogleMapsAPIKey string `json:"google_maps_api_key"`

	MQTTBroker      string `json:"mqtt_broker"`
	MQTTClientID    string `json:"mqtt_client_id"`
	MQTTTopicPrefix string `json:"mqtt_topic_prefix"`

	SMSGatewayURL   string `json:"sms_gateway_url"`
	SMSGatewayToken string `json:"sms_gateway_token"`

	FCMEndpoint string `json:"fcm_endpoint"`
	FCMKey      string `json:"fcm_key"`

	PubSubProject string `json:"pubsub_project"`
	PubSubTopic   string `json:"pubsub_topic"`

	InfluxURL    string `json:"influx_url"`
	InfluxToken  string `json:"influx_token"`
	InfluxOrg    string `json:"influx_org"`
	InfluxBucket string `json:"influx_bucket"`

	BaseRadiusMeters   float64       `json:"base_radius_m"`
	MaxRadiusMeters    float64       `json:"max_radius_m"`
	EscalationTimeout  time.Duration `json:"escalation_timeout"`
	AvgSpeedKmh        float64       `json:"avg_speed_kmh"`
	TransferPingMaxAge time.Duration `json:"transfer_ping_max_age"`
	ETACacheTTL        time.Duration `json:"eta_cache_ttl"`
	RoutingTimeout     time.Duration `json:"routing_timeout"`

	LogLevel      string `json:"log_level"`
	RunMigrations bool   `json:"run_migrations"`
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "responders_geo",
		KafkaTopic:         "responder-locations",
		KafkaAuditTopic:    "dispatch-audit",
		KafkaGroupID:       "gps-trail",
		MQTTClientID:       "dispatch-core",
		MQTTTopicPrefix:    "dispatch",
		BaseRadiusMeters:   500,
		MaxRadiusMeters:    1000,
		EscalationTimeout:  120 * time.Second,
		AvgSpeedKmh:        60,
		TransferPingMaxAge: 10 * time.Minute,
		ETACacheTTL:        30 * time.Second,
		RoutingTimeout:     3 * time.Second,
		LogLevel:           "info",
	}
}

// LoadServerConfig builds the config from defaults, the optional file at
// path and the environment.
func LoadServerConfig(path string) (ServerConfig, error) {
	cfg := defaultServerConfig()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	setStringFromEnv(&cfg.RedisPassword, "REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaAuditTopic, "KAFKA_AUDIT_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")

	setStringFromEnv(&cfg.PGDSN, "PG_DSN")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setStringFromEnv(&cfg.GoogleMapsAPIKey, "GOOGLE_MAPS_API_KEY")

	setStringFromEnv(&cfg.MQTTBroker, "MQTT_BROKER")
	setStringFromEnv(&cfg.MQTTClientID, "MQTT_CLIENT_ID")
	setStringFromEnv(&cfg.MQTTTopicPrefix, "MQTT_TOPIC_PREFIX")

	setStringFromEnv(&cfg.SMSGatewayURL, "SMS_GATEWAY_URL")
	setStringFromEnv(&cfg.SMSGatewayToken, "SMS_GATEWAY_TOKEN")

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	setStringFromEnv(&cfg.FCMKey, "FCM_KEY")

	setStringFromEnv(&cfg.PubSubProject, "PUBSUB_PROJECT")
	setStringFromEnv(&cfg.PubSubTopic, "PUBSUB_TOPIC")

	setStringFromEnv(&cfg.InfluxURL, "INFLUX_URL")
	setStringFromEnv(&cfg.InfluxToken, "INFLUX_TOKEN")
	setStringFromEnv(&cfg.InfluxOrg, "INFLUX_ORG")
	setStringFromEnv(&cfg.InfluxBucket, "INFLUX_BUCKET")

	setFloatFromEnv(&cfg.BaseRadiusMeters, "DISPATCH_BASE_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.MaxRadiusMeters, "DISPATCH_MAX_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.EscalationTimeout, "DISPATCH_ESCALATION_TIMEOUT", &errs)
	setFloatFromEnv(&cfg.AvgSpeedKmh, "DISPATCH_AVG_SPEED_KMH", &errs)
	setDurationFromEnv(&cfg.TransferPingMaxAge, "DISPATCH_TRANSFER_PING_MAX_AGE", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if v := os.Getenv("MIGRATE"); v != "" {
		cfg.RunMigrations = strings.EqualFold(v, "true")
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	if c.BaseRadiusMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_BASE_RADIUS_M must be > 0"))
	}
	if c.MaxRadiusMeters < c.BaseRadiusMeters {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_M must be >= DISPATCH_BASE_RADIUS_M"))
	}
	if c.EscalationTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_ESCALATION_TIMEOUT must be > 0"))
	}
	if c.AvgSpeedKmh <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_AVG_SPEED_KMH must be > 0"))
	}
	if c.InfluxURL != "" && (c.InfluxOrg == "" || c.InfluxBucket == "") {
		errs = append(errs, fmt.Errorf("INFLUX_ORG and INFLUX_BUCKET are required with INFLUX_URL"))
	}
	return errs
}

// Redacted returns a copy safe to log.
func (c ServerConfig) Redacted() ServerConfig {
	mask := func(s *string) {
		if *s != "" {
			*s = "***"
		}
	}
	mask(&c.RedisPassword)
	mask(&c.PGDSN)
	mask(&c.GoogleMapsAPIKey)
	mask(&c.SMSGatewayToken)
	mask(&c.FCMKey)
	mask(&c.InfluxToken)
	return c
}

func loadFile(path string, cfg *ServerConfig) error {
	k := koanf.New(".")
	var parser koanf.Parser
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	default:
		return fmt.Errorf("unsupported config format: %s", ext)
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
