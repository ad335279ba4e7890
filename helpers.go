package netmux

import (
	"context"
	"errors"
	"time"

	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
)

// publishTaskUpdate is the unified notification function
func (s *TaskSvc) publishTaskUpdate(state dto.TaskNotification, record bool) {
	if record {
		if err := s.ledger.record(state); err != nil {
			s.relay.Warn(relays.RlyNetLog{Msg: "ledger not persisted: " + err.Error()})
		}
	}

	s.muListeners.Lock()
	listeners := append([]chan dto.TaskNotification(nil), s.listenersByURL[state.URL]...)
	s.muListeners.Unlock()

	isTerminal := state.State.IsTerminal()

	for _, ch := range listeners {
		if isTerminal {
			// Ensure terminal events are delivered.
			// Avoid deadlock: do NOT hold muListeners while sending.
			select {
			case ch <- state:
			default:
				// Buffer full: fall back to blocking send in a goroutine.
				go func(c chan dto.TaskNotification, n dto.TaskNotification) {
					// unsub may have closed the channel meanwhile
					defer func() { _ = recover() }()
					c <- n
				}(ch, state)
			}
		} else {
			// Progress updates can be dropped
			select {
			case ch <- state:
			default:
			}
		}
	}

	evt := relays.RlyTaskUpdate{
		ID:          state.ID,
		Kind:        state.Kind,
		URL:         state.URL,
		State:       state.State,
		Transferred: state.Transferred,
		Expected:    state.Expected,
		Msg:         state.Message,
	}
	if record {
		s.relay.Info(evt)
	} else {
		s.relay.Debug(evt)
	}
}

// recordOrphan keeps the outcome of an identifier nobody owned anymore so it
// can still be looked up by id.
func (s *TaskSvc) recordOrphan(id dto.TaskID, location string, err error, terminal bool) {
	n, ok := s.ledger.get(id)
	if !ok {
		n = dto.TaskNotification{ID: id, Expected: dto.UnknownLength}
	}
	n.Orphan = true
	n.UpdatedAt = time.Now()
	if location != "" {
		n.Location = location
		n.Kind = dto.TaskKindDownload
	}
	if terminal {
		n.State = dto.TaskFinished
		n.Message = "finished"
		if err != nil {
			n.Message = err.Error()
			if errors.Is(err, dto.ErrCancelled) || errors.Is(err, context.Canceled) {
				n.State = dto.TaskCancelled
			}
		}
	} else if n.State == "" {
		n.State = dto.TaskExecuting
	}
	if recordErr := s.ledger.record(n); recordErr != nil {
		s.relay.Warn(relays.RlyNetLog{Msg: "ledger not persisted: " + recordErr.Error()})
	}
}
