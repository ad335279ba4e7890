package relays

import (
	"log/slog"

	"github.com/joy-dx/netmux/dto"
	relayDTO "github.com/joy-dx/relay/dto"
)

const (
	NetChannel relayDTO.EventChannel = "netmux"

	RefNetLog     relayDTO.EventRef = "net.log"
	RefTaskUpdate relayDTO.EventRef = "net.task.update"
	RefTaskEvent  relayDTO.EventRef = "net.task.event"
)

// RlyNetLog general purpose service message
type RlyNetLog struct {
	// Ref of the transport emitting the message, empty for the service itself
	Ref string
	Msg string
}

func (e RlyNetLog) RelayChannel() relayDTO.EventChannel { return NetChannel }
func (e RlyNetLog) RelayType() relayDTO.EventRef        { return RefNetLog }
func (e RlyNetLog) Message() string                     { return e.Msg }
func (e RlyNetLog) ToSlog() []slog.Attr {
	if e.Ref == "" {
		return nil
	}
	return []slog.Attr{slog.String("transport", e.Ref)}
}

// RlyTaskUpdate is emitted on every task state transition
type RlyTaskUpdate struct {
	ID          dto.TaskID
	Kind        dto.TaskKind
	URL         string
	State       dto.TaskState
	Transferred int64
	Expected    int64
	Msg         string
}

func (e RlyTaskUpdate) RelayChannel() relayDTO.EventChannel { return NetChannel }
func (e RlyTaskUpdate) RelayType() relayDTO.EventRef        { return RefTaskUpdate }
func (e RlyTaskUpdate) Message() string                     { return e.Msg }
func (e RlyTaskUpdate) ToSlog() []slog.Attr {
	return []slog.Attr{
		slog.String("task_id", e.ID.String()),
		slog.String("kind", string(e.Kind)),
		slog.String("url", e.URL),
		slog.String("state", string(e.State)),
		slog.Int64("transferred", e.Transferred),
		slog.Int64("expected", e.Expected),
	}
}

// RlyTaskEvent describes a delegate event, mostly the ones nobody owned
type RlyTaskEvent struct {
	ID     dto.TaskID
	Event  string
	Orphan bool
	Msg    string
}

func (e RlyTaskEvent) RelayChannel() relayDTO.EventChannel { return NetChannel }
func (e RlyTaskEvent) RelayType() relayDTO.EventRef        { return RefTaskEvent }
func (e RlyTaskEvent) Message() string                     { return e.Msg }
func (e RlyTaskEvent) ToSlog() []slog.Attr {
	return []slog.Attr{
		slog.String("task_id", e.ID.String()),
		slog.String("event", e.Event),
		slog.Bool("orphan", e.Orphan),
	}
}
