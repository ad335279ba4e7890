package netmux

import (
	"context"
	"errors"
	"fmt"

	"github.com/joy-dx/netmux/client/httptransport"
	"github.com/joy-dx/netmux/client/s3transport"
	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
)

func (s *TaskSvc) State() *dto.NetState {
	s.muTransports.RLock()
	refs := make([]string, 0, len(s.transports))
	for _, t := range s.transports {
		refs = append(refs, t.Ref())
	}
	s.muTransports.RUnlock()

	return &dto.NetState{
		SessionID:      s.sessionID,
		ExtraHeaders:   s.cfg.ExtraHeaders,
		RequestTimeout: s.cfg.RequestTimeout,
		UserAgent:      s.cfg.UserAgent,
		DownloadDir:    s.cfg.DownloadDir,
		MaxConcurrent:  s.cfg.MaxConcurrent,
		Transports:     refs,
		InFlight:       s.registry.Len(),
		Tasks:          s.ledger.all(),
	}
}

// Hydrate validates the configuration, restores the ledger and installs the
// HTTP transport unless one was registered for http and https already. The S3
// transport is installed when a region is configured.
func (s *TaskSvc) Hydrate(ctx context.Context) error {
	if s.cfg == nil {
		return errors.New("no net config")
	}
	if s.relay == nil {
		return errors.New("no relay implementation")
	}
	if err := s.cfg.Validate(); err != nil {
		return fmt.Errorf("invalid task service config: %w", err)
	}

	restored, err := s.ledger.load()
	if err != nil {
		s.relay.Warn(relays.RlyNetLog{Msg: "ledger not restored: " + err.Error()})
	} else if restored > 0 {
		s.seq.Seed(s.ledger.maxID())
		s.relay.Meta(relays.RlyNetLog{Msg: fmt.Sprintf("ledger restored with %d tasks", restored)})
	}

	if s.cfg.S3Region != "" && !s.handlesScheme("s3") {
		s3Cfg := s3transport.DefaultS3TransportConfig(s.cfg.S3Region)
		s3Cfg.
			WithRelay(s.relay).
			WithEndpoint(s.cfg.S3Endpoint, s.cfg.S3ForcePathStyle).
			WithDownloadDir(s.cfg.DownloadDir)
		transport, err := s3transport.NewS3Transport(dto.NET_S3_TRANSPORT_REF, &s3Cfg)
		if err != nil {
			return fmt.Errorf("create s3 transport: %w", err)
		}
		s.RegisterTransport(transport)
	}

	if s.handlesScheme("http") && s.handlesScheme("https") {
		return ctx.Err()
	}
	transportCfg := httptransport.DefaultHTTPTransportConfig()
	transportCfg.
		WithRelay(s.relay).
		WithUserAgent(s.cfg.UserAgent).
		WithExtraHeaders(s.cfg.ExtraHeaders).
		WithTimeout(s.cfg.RequestTimeout).
		WithDownloadDir(s.cfg.DownloadDir).
		WithThrottle(s.cfg.ThrottleRPS, s.cfg.ThrottleBurst).
		WithCacheEntries(s.cfg.CacheEntries)
	transport, err := httptransport.NewHTTPTransport(dto.NET_HTTP_TRANSPORT_REF, &transportCfg)
	if err != nil {
		return fmt.Errorf("create http transport: %w", err)
	}
	s.RegisterTransport(transport)
	return ctx.Err()
}
