package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/viper"
)

const (
	EnvDevelopment = "development"
	EnvProduction  = "production"

	guestCredential = "guest"
)

type Config struct {
	ServiceName    string
	Environment    string
	LogLevel       string
	OpsPort        string
	EnableBroker   bool
	DatabaseURL    string
	JaegerEndpoint string
	RabbitMQ       RabbitMQConfig
	Outbox         OutboxConfig
}

type RabbitMQConfig struct {
	Host           string
	Port           int
	User           string
	Password       string
	VHost          string
	Heartbeat      time.Duration
	BlockedTimeout time.Duration
	ConfirmTimeout time.Duration
	ManagementURL  string
}

type OutboxConfig struct {
	BatchSize  int
	Interval   time.Duration
	MaxRetries int
}

// Load reads .env (if found) and the environment. serviceName is the default for SERVICE_NAME.
func Load(serviceName string) *Config {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./services/" + serviceName)
	v.AddConfigPath("../../")

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Println("No .env file found, using environment variables and defaults")
		} else {
			log.Printf("Error reading config file: %v", err)
		}
	}

	v.AutomaticEnv()

	v.SetDefault("SERVICE_NAME", serviceName)
	v.SetDefault("ENVIRONMENT", EnvDevelopment)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OPS_PORT", "8081")
	v.SetDefault("ENABLE_BROKER", true)
	v.SetDefault("RABBITMQ_HOST", "rabbitmq")
	v.SetDefault("RABBITMQ_PORT", 5672)
	v.SetDefault("RABBITMQ_USER", guestCredential)
	v.SetDefault("RABBITMQ_PASSWORD", guestCredential)
	v.SetDefault("RABBITMQ_VHOST", "/")
	v.SetDefault("RABBITMQ_HEARTBEAT", 600)
	v.SetDefault("RABBITMQ_BLOCKED_TIMEOUT", 300)
	v.SetDefault("RABBITMQ_CONFIRM_TIMEOUT", 30)
	v.SetDefault("OUTBOX_BATCH_SIZE", 50)
	v.SetDefault("OUTBOX_INTERVAL", "2s")
	v.SetDefault("OUTBOX_MAX_RETRIES", 5)

	rabbit := RabbitMQConfig{
		Host:           v.GetString("RABBITMQ_HOST"),
		Port:           v.GetInt("RABBITMQ_PORT"),
		User:           v.GetString("RABBITMQ_USER"),
		Password:       v.GetString("RABBITMQ_PASSWORD"),
		VHost:          v.GetString("RABBITMQ_VHOST"),
		Heartbeat:      seconds(v, "RABBITMQ_HEARTBEAT"),
		BlockedTimeout: seconds(v, "RABBITMQ_BLOCKED_TIMEOUT"),
		ConfirmTimeout: seconds(v, "RABBITMQ_CONFIRM_TIMEOUT"),
		ManagementURL:  v.GetString("RABBITMQ_MANAGEMENT_URL"),
	}
	if rabbit.ManagementURL == "" {
		rabbit.ManagementURL = fmt.Sprintf("http://%s:15672", rabbit.Host)
	}

	databaseURL := v.GetString("DATABASE_URL")
	if databaseURL == "" && v.GetString("DB_HOST") != "" {
		databaseURL = buildDatabaseURL(v)
	}

	return &Config{
		ServiceName:    v.GetString("SERVICE_NAME"),
		Environment:    strings.ToLower(v.GetString("ENVIRONMENT")),
		LogLevel:       v.GetString("LOG_LEVEL"),
		OpsPort:        v.GetString("OPS_PORT"),
		EnableBroker:   v.GetBool("ENABLE_BROKER"),
		DatabaseURL:    databaseURL,
		JaegerEndpoint: v.GetString("JAEGER_ENDPOINT"),
		RabbitMQ:       rabbit,
		Outbox: OutboxConfig{
			BatchSize:  v.GetInt("OUTBOX_BATCH_SIZE"),
			Interval:   v.GetDuration("OUTBOX_INTERVAL"),
			MaxRetries: v.GetInt("OUTBOX_MAX_RETRIES"),
		},
	}
}

// seconds reads a whole number of seconds; plain integers would otherwise parse as nanoseconds.
func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}

func buildDatabaseURL(v *viper.Viper) string {
	host := v.GetString("DB_HOST")
	port := v.GetString("DB_PORT")
	user := v.GetString("DB_USER")
	password := v.GetString("DB_PASSWORD")
	dbname := v.GetString("DB_NAME")
	sslmode := v.GetString("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}

	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		user, password, host, port, dbname, sslmode)
}

func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Validate rejects settings that must never reach a production deployment.
func (c *Config) Validate() error {
	var errs []error
	if c.ServiceName == "" {
		errs = append(errs, errors.New("SERVICE_NAME is required"))
	}
	if c.EnableBroker {
		if c.RabbitMQ.Host == "" {
			errs = append(errs, errors.New("RABBITMQ_HOST is required"))
		}
		if c.IsProduction() && (c.RabbitMQ.User == guestCredential || c.RabbitMQ.Password == guestCredential) {
			errs = append(errs, errors.New("default guest broker credentials are not allowed in production"))
		}
	}
	// the outbox only exists alongside a database
	if c.DatabaseURL != "" {
		if c.Outbox.BatchSize <= 0 {
			errs = append(errs, fmt.Errorf("OUTBOX_BATCH_SIZE must be positive, got %d", c.Outbox.BatchSize))
		}
		if c.Outbox.Interval <= 0 {
			errs = append(errs, fmt.Errorf("OUTBOX_INTERVAL must be positive, got %s", c.Outbox.Interval))
		}
	}
	return errors.Join(errs...)
}

// URL renders the AMQP URI of the broker.
func (r RabbitMQConfig) URL() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     r.Host,
		Port:     r.Port,
		Username: r.User,
		Password: r.Password,
		Vhost:    r.VHost,
	}.String()
}

// Redacted is URL with the password masked, safe for logs.
func (r RabbitMQConfig) Redacted() string {
	return amqp.URI{
		Scheme:   "amqp",
		Host:     r.Host,
		Port:     r.Port,
		Username: r.User,
		Password: "xxxxx",
		Vhost:    r.VHost,
	}.String()
}
