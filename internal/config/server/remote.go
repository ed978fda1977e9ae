package server

// RemoteServerConfig describes the document storage service.
type RemoteServerConfig struct {
	BaseURL      string `mapstructure:"base_url"      yaml:"base_url"`
	DiscoveryURL string `mapstructure:"discovery_url" yaml:"discovery_url"`
	Token        string `mapstructure:"token"         yaml:"token"`
	Protocol     string `mapstructure:"protocol"      yaml:"protocol"`
}

// CacheServerConfig controls the local blob cache and the in-memory
// memoization of remote lookups.
type CacheServerConfig struct {
	Path     string `mapstructure:"path"      yaml:"path"`
	MemoSize int    `mapstructure:"memo_size" yaml:"memo_size"`
}
