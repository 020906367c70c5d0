package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Log   LogConfig
	Vault VaultConfig
	Agent AgentConfig
}

type VaultConfig struct {
	File     string `mapstructure:"file"`
	Password string `mapstructure:"password"`
}

type AgentConfig struct {
	DeviceModels     []string `mapstructure:"device_models"`
	TelemetrySeconds int      `mapstructure:"telemetry_seconds"`
	PollSeconds      int      `mapstructure:"poll_seconds"`
	BatchSize        int      `mapstructure:"batch_size"`
	StoreFile        string   `mapstructure:"store_file"`
}

var config Config
var configPath string

func InitConfig() {
	var err error

	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/devicelink-agent")
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	_ = viper.BindEnv("vault.password", "DEVICELINK_VAULT_PASSWORD")

	viper.SetDefault("vault.file", "device.vault")
	viper.SetDefault("agent.telemetry_seconds", 10)
	viper.SetDefault("agent.poll_seconds", 20)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(err)
		}
	}
	configPath = viper.ConfigFileUsed()

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

// saveEndpointIDToConfig records the endpoint id assigned during activation
// in the agent section of the YAML config, so operators can see it without
// decrypting the vault.
func saveEndpointIDToConfig(endpointID string) error {
	if configPath == "" {
		return fmt.Errorf("config path not set")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg map[string]interface{}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg == nil {
		cfg = make(map[string]interface{})
	}

	agentCfg, ok := cfg["agent"].(map[string]interface{})
	if !ok {
		agentCfg = make(map[string]interface{})
		cfg["agent"] = agentCfg
	}
	agentCfg["endpoint_id"] = endpointID

	updatedData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	comment := "# Device activated on " + time.Now().Format(time.RFC3339) + "\n"
	finalData := comment + string(updatedData)

	if err := os.WriteFile(configPath, []byte(finalData), 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
