package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/EternisAI/silo-fleet/internal/api/http"
	"github.com/EternisAI/silo-fleet/internal/auth"
	"github.com/EternisAI/silo-fleet/internal/backoff"
	"github.com/EternisAI/silo-fleet/internal/commands"
	"github.com/EternisAI/silo-fleet/internal/db"
	"github.com/EternisAI/silo-fleet/internal/events"
	grpcserver "github.com/EternisAI/silo-fleet/internal/grpc/server"
	"github.com/EternisAI/silo-fleet/internal/nodes"
	"github.com/EternisAI/silo-fleet/internal/sessions"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig
	Http     http.Config
	Jwt      auth.Config
	Grpc     GrpcConfig
	Db       db.Config
	Liveness nodes.Config
	Queue    commands.Config
	Sessions sessions.Config
	Events   EventsConfig
	Redis    nodes.RedisConfig
	Nats     events.BridgeConfig
}

type GrpcConfig struct {
	Port              int                   `mapstructure:"port"`
	HeartbeatInterval time.Duration         `mapstructure:"heartbeat_interval"`
	TLS               grpcserver.TLSConfig `mapstructure:"tls"`
}

type EventsConfig struct {
	// Reconnect is the backoff advertised to event stream clients.
	Reconnect backoff.Policy `mapstructure:"reconnect"`
}

var config Config

func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("http.port", 8080)
	viper.SetDefault("http.allowed_origins", []string{"*"})
	viper.SetDefault("jwt.expiry", "12h")
	viper.SetDefault("jwt.issuer", "silo-fleet")
	viper.SetDefault("grpc.port", 9090)
	viper.SetDefault("grpc.heartbeat_interval", "30s")
	viper.SetDefault("db.driver", db.DriverPostgres)
	viper.SetDefault("db.schema", "public")
	viper.SetDefault("events.reconnect.initial", "1s")
	viper.SetDefault("events.reconnect.max", "30s")
	viper.SetDefault("events.reconnect.multiplier", 2.0)
	viper.SetDefault("nats.subject", "silofleet.events")
	viper.SetDefault("nats.connection_name", "silo-fleet-server")
}

func (c Config) validate() error {
	if c.Jwt.Secret == "" {
		return errors.New("jwt.secret is required")
	}
	if c.Http.AdminAPIKey == "" {
		return errors.New("http.admin_api_key is required")
	}
	switch c.Db.Driver {
	case db.DriverMemory:
	case db.DriverPostgres:
		if c.Db.Url == "" {
			return errors.New("db.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown db.driver %q (valid: %s, %s)", c.Db.Driver, db.DriverPostgres, db.DriverMemory)
	}
	if c.Grpc.TLS.AutoGenerate && c.Grpc.TLS.CAKeyFile == "" {
		return errors.New("grpc.tls.ca_key_file is required with auto_generate")
	}
	return nil
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-fleet-server")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	_ = viper.BindEnv("jwt.secret", "JWT_SECRET")
	_ = viper.BindEnv("http.admin_api_key", "ADMIN_API_KEY")
	_ = viper.BindEnv("db.url", "DATABASE_URL")

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	initLogger(config.Log.Level)

	if err := config.validate(); err != nil {
		panic(err)
	}

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Jwt.Secret = "***"
		redacted.Http.AdminAPIKey = "***"
		redacted.Redis.Password = "***"
		redacted.Nats.Token = "***"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
