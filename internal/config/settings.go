package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Settings is the on-disk configuration of the transfer engine.
type Settings struct {
	General  GeneralSettings  `mapstructure:"general"`
	Transfer TransferSettings `mapstructure:"transfer"`
	Network  NetworkSettings  `mapstructure:"network"`
	S3       S3Settings       `mapstructure:"s3"`
}

type GeneralSettings struct {
	LogRetentionCount int `mapstructure:"log_retention_count"`
}

type TransferSettings struct {
	MaxConcurrentTasks int           `mapstructure:"max_concurrent_tasks"`
	ChunkSize          int64         `mapstructure:"chunk_size"`
	MaxChunkAttempts   int           `mapstructure:"max_chunk_attempts"`
	RetryBaseDelay     time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay      time.Duration `mapstructure:"retry_max_delay"`
	ProgressRate       float64       `mapstructure:"progress_rate"`
	CancelGrace        time.Duration `mapstructure:"cancel_grace"`
	WifiPollInterval   time.Duration `mapstructure:"wifi_poll_interval"`
}

type NetworkSettings struct {
	HTTP3          bool          `mapstructure:"http3"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	URLCacheTTL    time.Duration `mapstructure:"url_cache_ttl"`
}

type S3Settings struct {
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
}

const envPrefix = "YHTRANSFER"

// DefaultSettings returns the built-in configuration.
func DefaultSettings() *Settings {
	return &Settings{
		General: GeneralSettings{LogRetentionCount: 5},
		Transfer: TransferSettings{
			MaxConcurrentTasks: 3,
			ChunkSize:          4 << 20,
			MaxChunkAttempts:   3,
			RetryBaseDelay:     500 * time.Millisecond,
			RetryMaxDelay:      8 * time.Second,
			ProgressRate:       4,
			CancelGrace:        2 * time.Second,
			WifiPollInterval:   5 * time.Second,
		},
		Network: NetworkSettings{
			RequestTimeout: 30 * time.Second,
			URLCacheTTL:    5 * time.Minute,
		},
		S3: S3Settings{Region: "us-east-1"},
	}
}

func setDefaults(vp *viper.Viper, d *Settings) {
	vp.SetDefault("general.log_retention_count", d.General.LogRetentionCount)
	vp.SetDefault("transfer.max_concurrent_tasks", d.Transfer.MaxConcurrentTasks)
	vp.SetDefault("transfer.chunk_size", d.Transfer.ChunkSize)
	vp.SetDefault("transfer.max_chunk_attempts", d.Transfer.MaxChunkAttempts)
	vp.SetDefault("transfer.retry_base_delay", d.Transfer.RetryBaseDelay)
	vp.SetDefault("transfer.retry_max_delay", d.Transfer.RetryMaxDelay)
	vp.SetDefault("transfer.progress_rate", d.Transfer.ProgressRate)
	vp.SetDefault("transfer.cancel_grace", d.Transfer.CancelGrace)
	vp.SetDefault("transfer.wifi_poll_interval", d.Transfer.WifiPollInterval)
	vp.SetDefault("network.http3", d.Network.HTTP3)
	vp.SetDefault("network.request_timeout", d.Network.RequestTimeout)
	vp.SetDefault("network.url_cache_ttl", d.Network.URLCacheTTL)
	vp.SetDefault("s3.region", d.S3.Region)
	vp.SetDefault("s3.endpoint", d.S3.Endpoint)
	vp.SetDefault("s3.access_key", d.S3.AccessKey)
	vp.SetDefault("s3.secret_key", d.S3.SecretKey)
}

// LoadSettings reads GetSettingsPath() if present and applies
// YHTRANSFER_* environment overrides on top of the defaults.
func LoadSettings() (*Settings, error) {
	return LoadSettingsFrom(GetSettingsPath())
}

// LoadSettingsFrom is LoadSettings with an explicit file path.
func LoadSettingsFrom(path string) (*Settings, error) {
	vp := viper.New()
	setDefaults(vp, DefaultSettings())

	vp.SetEnvPrefix(envPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			vp.SetConfigFile(path)
			if err := vp.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
			}
		}
	}

	s := &Settings{}
	if err := vp.Unmarshal(s); err != nil {
		return nil, fmt.Errorf("failed to decode settings: %w", err)
	}
	s.normalize()
	return s, nil
}

// normalize replaces nonsensical values with defaults.
func (s *Settings) normalize() {
	d := DefaultSettings()
	if s.Transfer.MaxConcurrentTasks <= 0 {
		s.Transfer.MaxConcurrentTasks = d.Transfer.MaxConcurrentTasks
	}
	if s.Transfer.ChunkSize <= 0 {
		s.Transfer.ChunkSize = d.Transfer.ChunkSize
	}
	if s.Transfer.MaxChunkAttempts <= 0 {
		s.Transfer.MaxChunkAttempts = d.Transfer.MaxChunkAttempts
	}
	if s.Transfer.RetryBaseDelay <= 0 {
		s.Transfer.RetryBaseDelay = d.Transfer.RetryBaseDelay
	}
	if s.Transfer.RetryMaxDelay < s.Transfer.RetryBaseDelay {
		s.Transfer.RetryMaxDelay = s.Transfer.RetryBaseDelay
	}
	if s.Transfer.ProgressRate <= 0 {
		s.Transfer.ProgressRate = d.Transfer.ProgressRate
	}
	if s.Transfer.CancelGrace <= 0 {
		s.Transfer.CancelGrace = d.Transfer.CancelGrace
	}
	if s.Transfer.WifiPollInterval <= 0 {
		s.Transfer.WifiPollInterval = d.Transfer.WifiPollInterval
	}
	if s.Network.RequestTimeout <= 0 {
		s.Network.RequestTimeout = d.Network.RequestTimeout
	}
	if s.Network.URLCacheTTL <= 0 {
		s.Network.URLCacheTTL = d.Network.URLCacheTTL
	}
}
