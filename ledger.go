package netmux

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/joy-dx/lockablemap"
	"github.com/joy-dx/netmux/dto"
)

// taskLedger keeps the last known view of every task by identifier. Terminal
// updates are written to path when one is configured.
type taskLedger struct {
	entries *lockablemap.LockableMap[dto.TaskID, dto.TaskNotification]
	path    string
	muFile  sync.Mutex
}

func newTaskLedger(path string) *taskLedger {
	return &taskLedger{
		entries: lockablemap.NewLockableMap[dto.TaskID, dto.TaskNotification](),
		path:    path,
	}
}

func (l *taskLedger) record(n dto.TaskNotification) error {
	l.entries.Set(n.ID, n)
	if l.path == "" || !n.State.IsTerminal() {
		return nil
	}
	return l.persist()
}

func (l *taskLedger) get(id dto.TaskID) (dto.TaskNotification, bool) {
	n, err := l.entries.Get(id)
	return n, err == nil
}

func (l *taskLedger) all() map[dto.TaskID]dto.TaskNotification {
	return l.entries.GetAll()
}

// load restores a previously persisted ledger. A missing file is not an error.
func (l *taskLedger) load() (int, error) {
	if l.path == "" {
		return 0, nil
	}
	l.muFile.Lock()
	defer l.muFile.Unlock()

	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read ledger: %w", err)
	}
	var stored map[dto.TaskID]dto.TaskNotification
	if err := json.Unmarshal(data, &stored); err != nil {
		return 0, fmt.Errorf("decode ledger %q: %w", l.path, err)
	}
	for id, n := range stored {
		l.entries.Set(id, n)
	}
	return len(stored), nil
}

// maxID is the highest identifier seen, used to keep new identifiers unique
// across restarts.
func (l *taskLedger) maxID() dto.TaskID {
	var highest dto.TaskID
	for _, n := range l.entries.GetAllSlice() {
		if n.ID > highest {
			highest = n.ID
		}
	}
	return highest
}

func (l *taskLedger) persist() error {
	l.muFile.Lock()
	defer l.muFile.Unlock()

	data, err := json.MarshalIndent(l.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode ledger: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger folder: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(l.path), ".ledger-*")
	if err != nil {
		return fmt.Errorf("create ledger temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close ledger: %w", err)
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace ledger: %w", err)
	}
	return nil
}
