package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/EternisAI/silo-fleet/internal/agent"
	grpcclient "github.com/EternisAI/silo-fleet/internal/grpc/client"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log      LogConfig
	Grpc     grpcclient.Config
	Enroll   EnrollConfig
	Identity IdentityConfig
	Agent    agent.Config
}

type EnrollConfig struct {
	// ServerURL is the HTTP address of the control plane.
	ServerURL string `mapstructure:"server_url"`
	// Token is only read when no identity file exists yet.
	Token string `mapstructure:"token"`
}

type IdentityConfig struct {
	Path string `mapstructure:"path"`
}

var config Config

func setDefaults() {
	viper.SetDefault("log.level", LOG_LEVEL_INFO)
	viper.SetDefault("grpc.server_address", "localhost:9090")
	viper.SetDefault("grpc.heartbeat_interval", "30s")
	viper.SetDefault("grpc.reconnect.initial", "1s")
	viper.SetDefault("grpc.reconnect.max", "30s")
	viper.SetDefault("grpc.reconnect.multiplier", 2.0)
	viper.SetDefault("enroll.server_url", "http://localhost:8080")
	viper.SetDefault("identity.path", "/var/lib/silo-fleet/identity.yaml")
	viper.SetDefault("agent.shell", "/bin/sh")
	viper.SetDefault("agent.command_timeout", "10m")
}

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/silo-fleet-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	setDefaults()

	_ = viper.BindEnv("enroll.token", "ENROLL_TOKEN")

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
	config.Agent.Version = AppVersion

	initLogger(config.Log.Level)

	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		redacted := config
		redacted.Enroll.Token = "***"
		configJSON, err := json.MarshalIndent(redacted, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
