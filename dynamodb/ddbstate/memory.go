package ddbstate

import (
	"context"
	"sync"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
)

// Memory keeps states in process. States are stored and returned as
// encoded copies so callers cannot mutate the history.
type Memory struct {
	mu      sync.RWMutex
	history [][]byte
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) GetState(context.Context) (*migrate.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.history) == 0 {
		return nil, nil
	}
	return decodeState(m.history[len(m.history)-1])
}

func (m *Memory) SaveState(_ context.Context, s *migrate.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var head *migrate.State
	if n := len(m.history); n > 0 {
		var err error
		if head, err = decodeState(m.history[n-1]); err != nil {
			return err
		}
	}
	if err := checkHead(head, s); err != nil {
		return err
	}
	data, err := encodeState(s)
	if err != nil {
		return err
	}
	m.history = append(m.history, data)
	return nil
}

func (m *Memory) GetHistory(context.Context) ([]*migrate.State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*migrate.State, 0, len(m.history))
	for _, data := range m.history {
		s, err := decodeState(data)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
