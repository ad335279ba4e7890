package netmux

import (
	"sync"

	"github.com/google/uuid"
	"github.com/joy-dx/netmux/config"
	"github.com/joy-dx/netmux/dto"
	"github.com/joy-dx/netmux/relays"
)

var (
	service     *TaskSvc
	serviceOnce sync.Once
)

// ProvideTaskSvc returns the process wide service, creating it on first use.
func ProvideTaskSvc(cfg *config.TaskSvcConfig) *TaskSvc {
	serviceOnce.Do(func() {
		service = NewTaskSvc(cfg)
	})
	return service
}

// NewTaskSvc builds an independent service. Call Hydrate before submitting tasks.
func NewTaskSvc(cfg *config.TaskSvcConfig) *TaskSvc {
	s := &TaskSvc{
		cfg:            cfg,
		relay:          cfg.Relay(),
		sessionID:      uuid.NewString(),
		executor:       cfg.Executor,
		registry:       NewTaskRegistry(),
		queue:          NewTaskQueue(cfg.MaxConcurrent),
		ledger:         newTaskLedger(cfg.LedgerPath),
		byScheme:       make(map[string]dto.Transport),
		listenersByURL: make(map[string][]chan dto.TaskNotification),
	}
	if s.executor == nil {
		s.mainQueue = NewSerialQueue()
		s.executor = s.mainQueue
	}
	s.dispatcher = newSessionDispatcher(s)
	if s.relay != nil {
		s.relay.Debug(relays.RlyNetLog{Msg: "Task service started"})
	}
	return s
}
