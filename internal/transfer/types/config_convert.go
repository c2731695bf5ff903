package types

import "yhtransfer/internal/config"

// ConvertRuntimeConfig converts the app-level Settings to the engine-level RuntimeConfig.
func ConvertRuntimeConfig(s *config.Settings) *RuntimeConfig {
	if s == nil {
		s = config.DefaultSettings()
	}
	return &RuntimeConfig{
		MaxConcurrentTasks: s.Transfer.MaxConcurrentTasks,
		ChunkSize:          s.Transfer.ChunkSize,
		MaxChunkAttempts:   s.Transfer.MaxChunkAttempts,
		RetryBaseDelay:     s.Transfer.RetryBaseDelay,
		RetryMaxDelay:      s.Transfer.RetryMaxDelay,
		ProgressRate:       s.Transfer.ProgressRate,
		CancelGrace:        s.Transfer.CancelGrace,
		WifiPollInterval:   s.Transfer.WifiPollInterval,
		RequestTimeout:     s.Network.RequestTimeout,
		URLCacheTTL:        s.Network.URLCacheTTL,
	}
}
