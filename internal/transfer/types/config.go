package types

import "time"

// RuntimeConfig carries the engine-level tunables resolved from settings.
// Zero values fall back to the package defaults through the getters.
type RuntimeConfig struct {
	MaxConcurrentTasks int
	ChunkSize          int64
	MaxChunkAttempts   int
	RetryBaseDelay     time.Duration
	RetryMaxDelay      time.Duration
	ProgressRate       float64
	CancelGrace        time.Duration
	WifiPollInterval   time.Duration
	RequestTimeout     time.Duration
	URLCacheTTL        time.Duration
}

func (r *RuntimeConfig) GetMaxConcurrentTasks() int {
	if r == nil || r.MaxConcurrentTasks <= 0 {
		return DefaultMaxConcurrentTasks
	}
	return r.MaxConcurrentTasks
}

// GetChunkSize returns the chunk size aligned down to the AES block size.
func (r *RuntimeConfig) GetChunkSize() int64 {
	if r == nil || r.ChunkSize <= 0 {
		return DefaultChunkSize
	}
	size := (r.ChunkSize / AlignSize) * AlignSize
	if size < AlignSize {
		return AlignSize
	}
	return size
}

func (r *RuntimeConfig) GetMaxChunkAttempts() int {
	if r == nil || r.MaxChunkAttempts <= 0 {
		return DefaultMaxChunkAttempts
	}
	return r.MaxChunkAttempts
}

func (r *RuntimeConfig) GetRetryBaseDelay() time.Duration {
	if r == nil || r.RetryBaseDelay <= 0 {
		return DefaultRetryBaseDelay
	}
	return r.RetryBaseDelay
}

func (r *RuntimeConfig) GetRetryMaxDelay() time.Duration {
	if r == nil || r.RetryMaxDelay <= 0 {
		return DefaultRetryMaxDelay
	}
	return r.RetryMaxDelay
}

func (r *RuntimeConfig) GetProgressRate() float64 {
	if r == nil || r.ProgressRate <= 0 {
		return DefaultProgressRate
	}
	return r.ProgressRate
}

func (r *RuntimeConfig) GetCancelGrace() time.Duration {
	if r == nil || r.CancelGrace <= 0 {
		return DefaultCancelGrace
	}
	return r.CancelGrace
}

func (r *RuntimeConfig) GetWifiPollInterval() time.Duration {
	if r == nil || r.WifiPollInterval <= 0 {
		return DefaultWifiPollInterval
	}
	return r.WifiPollInterval
}

func (r *RuntimeConfig) GetRequestTimeout() time.Duration {
	if r == nil || r.RequestTimeout <= 0 {
		return DefaultRequestTimeout
	}
	return r.RequestTimeout
}

func (r *RuntimeConfig) GetURLCacheTTL() time.Duration {
	if r == nil || r.URLCacheTTL <= 0 {
		return 5 * time.Minute
	}
	return r.URLCacheTTL
}
