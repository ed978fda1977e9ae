package server

import (
	"fmt"

	"github.com/spf13/viper"
)

type BaseServerConfig struct {
	ShutdownTimeout string `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`

	Log      LogServerConfig      `mapstructure:"log"      yaml:"log"`
	Metadata MetadataServerConfig `mapstructure:"metadata" yaml:"metadata"`
	Remote   RemoteServerConfig   `mapstructure:"remote"   yaml:"remote"`
	Cache    CacheServerConfig    `mapstructure:"cache"    yaml:"cache"`
	Upload   UploadServerConfig   `mapstructure:"upload"   yaml:"upload"`
	Sync     SyncServerConfig     `mapstructure:"sync"     yaml:"sync"`
}

func LoadServerConfig() (*BaseServerConfig, error) {
	cfg := &BaseServerConfig{}

	setDefaults()

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks the settings the sync engine cannot run without.
func (cfg *BaseServerConfig) Validate() error {
	if cfg.Remote.BaseURL == "" {
		return fmt.Errorf("remote.base_url is required")
	}
	if cfg.Upload.Retry.Attempts < 1 {
		return fmt.Errorf("upload.retry.attempts must be at least 1")
	}
	if cfg.Cache.MemoSize < 1 {
		return fmt.Errorf("cache.memo_size must be at least 1")
	}
	return nil
}
