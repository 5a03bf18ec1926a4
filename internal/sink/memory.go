package sink

import (
	"context"
	"sync"

	"github.com/philippevezina/snapshot-bridge/internal/common"
)

// Memory keeps every written event. Tests use it as the job sink.
type Memory struct {
	mu     sync.Mutex
	events []common.RowEvent
	// Fail, when set, is consulted before each write and its error returned.
	Fail   func(events []common.RowEvent) error
	closed bool
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(ctx context.Context, events []common.RowEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		if err := m.Fail(events); err != nil {
			return err
		}
	}
	m.events = append(m.events, events...)
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *Memory) Events() []common.RowEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]common.RowEvent(nil), m.events...)
}

func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
