package server

type UploadServerConfig struct {
	Timeout           string                  `mapstructure:"timeout"             yaml:"timeout"`
	Concurrency       int                     `mapstructure:"concurrency"         yaml:"concurrency"`
	MaxExpiredRetries int                     `mapstructure:"max_expired_retries" yaml:"max_expired_retries"`
	Retry             UploadRetryServerConfig `mapstructure:"retry"               yaml:"retry"`
}

type UploadRetryServerConfig struct {
	Attempts  int    `mapstructure:"attempts"   yaml:"attempts"`
	BaseDelay string `mapstructure:"base_delay" yaml:"base_delay"`
	Statuses  []int  `mapstructure:"statuses"   yaml:"statuses"`
}

type SyncServerConfig struct {
	Interval string `mapstructure:"interval" yaml:"interval"`
}
