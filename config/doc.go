// Package config loads flowkit configuration from YAML files, .env files and
// environment variables.
//
// It uses Viper for file and environment handling and godotenv for .env
// files. Engine packages each own a small Config struct (scheduler pools,
// hub defaults, flow defaults); applications compose them under a
// ServiceConfig and load everything in one call:
//
//	type AppConfig struct {
//	    config.ServiceConfig `mapstructure:",squash"`
//	    Schedulers scheduler.Config `mapstructure:"schedulers"`
//	}
//
//	var cfg AppConfig
//	err := config.LoadConfig("flowdemo", &cfg, config.WithEnvPrefix("FLOWKIT"))
//
// Environment variables override file values. With the FLOWKIT prefix,
// FLOWKIT_SCHEDULERS_DEFAULT_WORKERS maps to schedulers.default.workers.
package config
