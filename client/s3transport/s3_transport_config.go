package s3transport

import (
	"context"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	relayDTO "github.com/joy-dx/relay/dto"
)

// Middleware runs against every operation after it was derived from the
// task's request. Returning an error aborts the task.
type Middleware func(ctx context.Context, req *S3Request) error

// S3TransportConfig defines the static properties for an S3 transport instance.
type S3TransportConfig struct {
	relay          relayDTO.RelayInterface
	Region         string
	Credentials    aws.CredentialsProvider
	Middlewares    []Middleware
	ForcePathStyle bool
	Endpoint       string // optional custom endpoint
	DownloadDir    string
	ChunkSize      int
}

func DefaultS3TransportConfig(region string) S3TransportConfig {
	return S3TransportConfig{
		Region:      region,
		Middlewares: []Middleware{},
		DownloadDir: filepath.Join(os.TempDir(), "netmux"),
		ChunkSize:   32 * 1024,
	}
}

func (c *S3TransportConfig) Relay() relayDTO.RelayInterface {
	return c.relay
}

func (c *S3TransportConfig) WithRelay(relay relayDTO.RelayInterface) *S3TransportConfig {
	c.relay = relay
	return c
}

func (c *S3TransportConfig) WithCredentials(provider aws.CredentialsProvider) *S3TransportConfig {
	c.Credentials = provider
	return c
}

func (c *S3TransportConfig) WithEndpoint(endpoint string, forcePathStyle bool) *S3TransportConfig {
	c.Endpoint = endpoint
	c.ForcePathStyle = forcePathStyle
	return c
}

func (c *S3TransportConfig) WithDownloadDir(dir string) *S3TransportConfig {
	c.DownloadDir = dir
	return c
}

func (c *S3TransportConfig) WithChunkSize(n int) *S3TransportConfig {
	c.ChunkSize = n
	return c
}

func (c *S3TransportConfig) WithMiddleware(m ...Middleware) *S3TransportConfig {
	c.Middlewares = append(c.Middlewares, m...)
	return c
}
