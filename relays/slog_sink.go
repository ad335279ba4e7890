package relays

import (
	"context"
	"log/slog"

	relayDTO "github.com/joy-dx/relay/dto"
)

const SlogSinkRef = "slog"

var _ relayDTO.RelaySinkInterface = (*SlogSink)(nil)

// SlogSink writes relay events to a caller supplied slog.Logger, keeping the
// event channel and type as attributes.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogSink{logger: logger}
}

func (s *SlogSink) Ref() string { return SlogSinkRef }

func (s *SlogSink) Debug(data relayDTO.RelayEventInterface) { s.log(slog.LevelDebug, data) }
func (s *SlogSink) Info(data relayDTO.RelayEventInterface)  { s.log(slog.LevelInfo, data) }
func (s *SlogSink) Warn(data relayDTO.RelayEventInterface)  { s.log(slog.LevelWarn, data) }
func (s *SlogSink) Error(data relayDTO.RelayEventInterface) { s.log(slog.LevelError, data) }

// Fatal only logs; the relay service exits once every sink has drained.
func (s *SlogSink) Fatal(data relayDTO.RelayEventInterface) {
	s.log(slog.LevelError, data, slog.Bool("fatal", true))
}

func (s *SlogSink) Meta(data relayDTO.RelayEventInterface) {
	s.log(slog.LevelInfo, data, slog.Bool("meta", true))
}

func (s *SlogSink) log(level slog.Level, data relayDTO.RelayEventInterface, extra ...slog.Attr) {
	if data == nil {
		return
	}
	ctx := context.Background()
	if !s.logger.Enabled(ctx, level) {
		return
	}
	attrs := []slog.Attr{
		slog.String("channel", string(data.RelayChannel())),
		slog.String("type", string(data.RelayType())),
	}
	attrs = append(attrs, data.ToSlog()...)
	attrs = append(attrs, extra...)
	s.logger.LogAttrs(ctx, level, data.Message(), attrs...)
}
