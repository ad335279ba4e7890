package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
	relayDTO "github.com/joy-dx/relay/dto"
)

var ErrNoRelay = errors.New("no relay implementation")

// TaskSvcConfig configures the task service and the transports it installs.
type TaskSvcConfig struct {
	relay relayDTO.RelayInterface
	// MaxConcurrent tasks executing at once, 0 means unlimited
	MaxConcurrent  int               `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=0"`
	RequestTimeout time.Duration     `json:"request_timeout" yaml:"request_timeout" validate:"gte=0"`
	UserAgent      string            `json:"user_agent" yaml:"user_agent"`
	ExtraHeaders   dto.ExtraHeaders  `json:"extra_headers" yaml:"extra_headers"`
	DownloadDir    string            `json:"download_dir" yaml:"download_dir" validate:"required"`
	ThrottleRPS    float64           `json:"throttle_rps" yaml:"throttle_rps" validate:"gte=0"`
	ThrottleBurst  int               `json:"throttle_burst" yaml:"throttle_burst" validate:"gte=0,required_with=ThrottleRPS"`
	// CacheEntries bounds the in-memory response cache, 0 disables caching
	CacheEntries int `json:"cache_entries" yaml:"cache_entries" validate:"gte=0"`
	// S3Region installs the s3:// transport when set, credentials come from the default AWS chain
	S3Region         string `json:"s3_region" yaml:"s3_region"`
	S3Endpoint       string `json:"s3_endpoint" yaml:"s3_endpoint" validate:"omitempty,url"`
	S3ForcePathStyle bool   `json:"s3_force_path_style" yaml:"s3_force_path_style"`
	// LedgerPath persists task outcomes as JSON when set
	LedgerPath string `json:"ledger_path" yaml:"ledger_path"`
	// Executor handlers run on by default, nil installs a serial queue
	Executor dto.Executor `json:"-" yaml:"-" validate:"-"`
}

func DefaultTaskSvcConfig() TaskSvcConfig {
	return TaskSvcConfig{
		relay:          relays.ProvideDefaultRelay(),
		MaxConcurrent:  4,
		RequestTimeout: 30 * time.Second,
		UserAgent:      "netmux/1.0",
		ExtraHeaders:   make(dto.ExtraHeaders),
		DownloadDir:    filepath.Join(os.TempDir(), "netmux"),
		CacheEntries:   64,
	}
}

func (c *TaskSvcConfig) Relay() relayDTO.RelayInterface {
	return c.relay
}

func (c *TaskSvcConfig) WithRelay(relay relayDTO.RelayInterface) *TaskSvcConfig {
	c.relay = relay
	return c
}

func (c *TaskSvcConfig) WithMaxConcurrent(n int) *TaskSvcConfig {
	c.MaxConcurrent = n
	return c
}

func (c *TaskSvcConfig) WithRequestTimeout(timeout time.Duration) *TaskSvcConfig {
	c.RequestTimeout = timeout
	return c
}

func (c *TaskSvcConfig) WithUserAgent(userAgent string) *TaskSvcConfig {
	c.UserAgent = userAgent
	return c
}

func (c *TaskSvcConfig) WithExtraHeaders(headers dto.ExtraHeaders) *TaskSvcConfig {
	c.ExtraHeaders = headers
	return c
}

func (c *TaskSvcConfig) WithDownloadDir(dir string) *TaskSvcConfig {
	c.DownloadDir = dir
	return c
}

func (c *TaskSvcConfig) WithThrottle(rps float64, burst int) *TaskSvcConfig {
	c.ThrottleRPS = rps
	c.ThrottleBurst = burst
	return c
}

func (c *TaskSvcConfig) WithCacheEntries(n int) *TaskSvcConfig {
	c.CacheEntries = n
	return c
}

func (c *TaskSvcConfig) WithS3(region, endpoint string, forcePathStyle bool) *TaskSvcConfig {
	c.S3Region = region
	c.S3Endpoint = endpoint
	c.S3ForcePathStyle = forcePathStyle
	return c
}

func (c *TaskSvcConfig) WithLedgerPath(path string) *TaskSvcConfig {
	c.LedgerPath = path
	return c
}

func (c *TaskSvcConfig) WithExecutor(executor dto.Executor) *TaskSvcConfig {
	c.Executor = executor
	return c
}

// Validate checks the struct tags and that a relay is present.
func (c *TaskSvcConfig) Validate() error {
	if c.relay == nil {
		return ErrNoRelay
	}
	return Validate(c)
}
