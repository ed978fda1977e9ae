package server

import "github.com/spf13/viper"

func GetServerDefault() BaseServerConfig {
	return BaseServerConfig{
		ShutdownTimeout: "10s",

		Log: LogServerConfig{
			Level:      "INFO",
			TimeFormat: "2006-01-02 15:04:05",
			File:       "",
			NoColor:    false,
			JSON:       false,
			NoTerminal: false,
			Rotation: LogServerRotationConfig{
				MaxSize:    128,
				MaxBackups: 5,
				MaxAge:     16,
				Compress:   false,
			},
		},
		Metadata: MetadataServerConfig{
			Type: "sqlite",
			SQLite: MetadataSQLiteConfig{
				Path: "./data/docsync.db",
			},
		},
		Remote: RemoteServerConfig{
			BaseURL:      "",
			DiscoveryURL: "",
			Token:        "",
			Protocol:     "v4",
		},
		Cache: CacheServerConfig{
			Path:     "./data/sync",
			MemoSize: 600,
		},
		Upload: UploadServerConfig{
			Timeout:           "1h",
			Concurrency:       4,
			MaxExpiredRetries: 1,
			Retry: UploadRetryServerConfig{
				Attempts:  3,
				BaseDelay: "1s",
				Statuses:  []int{429, 500, 502, 503, 504},
			},
		},
		Sync: SyncServerConfig{
			Interval: "5m",
		},
	}
}

func setDefaults() {
	defaults := GetServerDefault()

	viper.SetDefault("shutdown_timeout", defaults.ShutdownTimeout)

	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.time_format", defaults.Log.TimeFormat)
	viper.SetDefault("log.file", defaults.Log.File)
	viper.SetDefault("log.no_color", defaults.Log.NoColor)
	viper.SetDefault("log.json", defaults.Log.JSON)
	viper.SetDefault("log.no_terminal", defaults.Log.NoTerminal)
	viper.SetDefault("log.rotation.max_size", defaults.Log.Rotation.MaxSize)
	viper.SetDefault("log.rotation.max_backups", defaults.Log.Rotation.MaxBackups)
	viper.SetDefault("log.rotation.max_age", defaults.Log.Rotation.MaxAge)
	viper.SetDefault("log.rotation.compress", defaults.Log.Rotation.Compress)

	viper.SetDefault("metadata.type", defaults.Metadata.Type)
	viper.SetDefault("metadata.sqlite.path", defaults.Metadata.SQLite.Path)

	viper.SetDefault("remote.base_url", defaults.Remote.BaseURL)
	viper.SetDefault("remote.discovery_url", defaults.Remote.DiscoveryURL)
	viper.SetDefault("remote.token", defaults.Remote.Token)
	viper.SetDefault("remote.protocol", defaults.Remote.Protocol)

	viper.SetDefault("cache.path", defaults.Cache.Path)
	viper.SetDefault("cache.memo_size", defaults.Cache.MemoSize)

	viper.SetDefault("upload.timeout", defaults.Upload.Timeout)
	viper.SetDefault("upload.concurrency", defaults.Upload.Concurrency)
	viper.SetDefault("upload.max_expired_retries", defaults.Upload.MaxExpiredRetries)
	viper.SetDefault("upload.retry.attempts", defaults.Upload.Retry.Attempts)
	viper.SetDefault("upload.retry.base_delay", defaults.Upload.Retry.BaseDelay)
	viper.SetDefault("upload.retry.statuses", defaults.Upload.Retry.Statuses)

	viper.SetDefault("sync.interval", defaults.Sync.Interval)
}
