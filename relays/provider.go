package relays

import (
	"log/slog"
	"sync"

	"github.com/joy-dx/relay"
	relayConfig "github.com/joy-dx/relay/config"
	relayDTO "github.com/joy-dx/relay/dto"
	"github.com/joy-dx/relay/sinks"
)

var (
	defaultRelay     *relay.RelaySvc
	defaultRelayOnce sync.Once
)

// ProvideDefaultRelay returns the process wide relay service with the
// structured stdout logger attached. The sink is registered once.
func ProvideDefaultRelay() *relay.RelaySvc {
	defaultRelayOnce.Do(func() {
		cfg := relayConfig.DefaultRelaySvcConfig()
		loggerCfg := sinks.DefaultStructuredLoggerConfig()
		defaultRelay = relay.ProvideRelaySvc(&cfg)
		defaultRelay.RegisterSink(sinks.NewStructuredLogger(&loggerCfg))
	})
	return defaultRelay
}

// NewRelay builds a standalone relay service over the given sinks.
func NewRelay(sinkList ...relayDTO.RelaySinkInterface) *relay.RelaySvc {
	svc := &relay.RelaySvc{}
	for _, sink := range sinkList {
		svc.RegisterSink(sink)
	}
	return svc
}

// NewSlogRelay is a standalone relay service writing through logger.
func NewSlogRelay(logger *slog.Logger) *relay.RelaySvc {
	return NewRelay(NewSlogSink(logger))
}
