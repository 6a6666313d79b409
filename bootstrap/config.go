package bootstrap

import (
	"github.com/kbukum/flowkit/config"
)

// Config is satisfied by any struct embedding config.ServiceConfig.
//
//	type AppConfig struct {
//	    config.ServiceConfig `yaml:",inline" mapstructure:",squash"`
//	    Schedulers scheduler.Config `yaml:"schedulers" mapstructure:"schedulers"`
//	}
type Config interface {
	GetServiceConfig() *config.ServiceConfig
	ApplyDefaults()
	Validate() error
}
