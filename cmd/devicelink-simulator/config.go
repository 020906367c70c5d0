package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig
	Http      HttpConfig
	Simulator SimulatorConfig
}

type HttpConfig struct {
	Port uint `mapstructure:"port"`
}

type SimulatorConfig struct {
	TokenTTLSeconds   int          `mapstructure:"token_ttl_seconds"`
	SkewWindowSeconds int          `mapstructure:"skew_window_seconds"`
	TrustAnchorFile   string       `mapstructure:"trust_anchor_file"`
	Devices           []DeviceSeed `mapstructure:"devices"`
}

type DeviceSeed struct {
	ActivationID string `mapstructure:"activation_id"`
	SharedSecret string `mapstructure:"shared_secret"`
}

var config Config

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/devicelink-simulator")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("http.port", 7002)
	viper.SetDefault("simulator.token_ttl_seconds", 3600)
	viper.SetDefault("simulator.skew_window_seconds", 180)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}

	err = viper.Unmarshal(&config)
	if err != nil {
		panic(err)
	}

	// Initialize logger with configured log level
	initLogger(config.Log.Level)

	// Pretty print config as JSON (only at DEBUG level)
	if strings.ToUpper(config.Log.Level) == LOG_LEVEL_DEBUG {
		configJSON, err := json.MarshalIndent(config, "", "  ")
		if err == nil {
			fmt.Println("Config loaded:")
			fmt.Println(string(configJSON))
		}
	}
}
