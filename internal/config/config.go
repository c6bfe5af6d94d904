package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`
	PublicURL   string `mapstructure:"public_url"` // base for incident deep links in notifications

	// Notification channels
	SlackWebhookURL     string `mapstructure:"slack_webhook_url"`
	PagerDutyRoutingKey string `mapstructure:"pagerduty_routing_key"`
	DedupKeyPrefix      string `mapstructure:"dedup_key_prefix"`

	// Messaging subsystem boundary (email/SMS dispatch)
	MessagingGateway MessagingGatewayConfig `mapstructure:"messaging_gateway"`

	// Control plane boundary (scale, failover, restart)
	ControlPlane ControlPlaneConfig `mapstructure:"control_plane"`
}

type MessagingGatewayConfig struct {
	URL      string `mapstructure:"url"`
	APIToken string `mapstructure:"api_token"`
}

type ControlPlaneConfig struct {
	URL      string `mapstructure:"url"`
	APIToken string `mapstructure:"api_token"`
}

// App holds the global config instance
var App Config

// LoadConfig loads configuration from file and environment variables
func LoadConfig(path string) error {
	// Auto-load .env file if present so `go run` works without exporting vars
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	// Defaults
	v.SetDefault("port", "8080")
	v.SetDefault("public_url", "http://localhost:8080")
	v.SetDefault("dedup_key_prefix", "faultline")

	// Config file settings
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("faultline")

	// Bind standard environment variables (Docker/deploy compatibility)
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("public_url", "PUBLIC_URL")

	_ = v.BindEnv("slack_webhook_url", "SLACK_WEBHOOK_URL")
	_ = v.BindEnv("pagerduty_routing_key", "PAGERDUTY_ROUTING_KEY")
	_ = v.BindEnv("dedup_key_prefix", "DEDUP_KEY_PREFIX")

	_ = v.BindEnv("messaging_gateway.url", "MESSAGING_GATEWAY_URL")
	_ = v.BindEnv("messaging_gateway.api_token", "MESSAGING_GATEWAY_TOKEN")

	_ = v.BindEnv("control_plane.url", "CONTROL_PLANE_URL")
	_ = v.BindEnv("control_plane.api_token", "CONTROL_PLANE_TOKEN")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// Backfill environment variables for code that still reads os.Getenv()
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)
	setEnvIfEmpty("SLACK_WEBHOOK_URL", App.SlackWebhookURL)
	setEnvIfEmpty("PAGERDUTY_ROUTING_KEY", App.PagerDutyRoutingKey)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}
