package migrate

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/model"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schemagen"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/table"
)

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testGenerator() *schemagen.Generator {
	return schemagen.New(schemagen.DefaultConfig("app"))
}

func stateFor(t *testing.T, tbl schema.Table, reg model.Registry) *State {
	t.Helper()
	s, err := NewState(tbl, reg, nil, testNow)
	require.NoError(t, err)
	return s
}

func gsi(n int) schema.GSI {
	return schema.GSI{
		Name:         fmt.Sprintf("GSI%d", n),
		PartitionKey: table.KeyDef{Name: fmt.Sprintf("gsi%dpk", n), Kind: table.KeyKindS},
		SortKey:      &table.KeyDef{Name: fmt.Sprintf("gsi%dsk", n), Kind: table.KeyKindS},
		Projection:   schema.Projection{Type: schema.ProjectAll},
	}
}

func baseTable(gsis ...schema.GSI) schema.Table {
	return schema.Table{
		Name:         "app",
		PartitionKey: table.KeyDef{Name: "pk", Kind: table.KeyKindS},
		SortKey:      &table.KeyDef{Name: "sk", Kind: table.KeyKindS},
		GSIs:         gsis,
		Capacity:     schema.Capacity{Mode: schema.PayPerRequest},
	}
}

func operations(steps []Step) []Operation {
	ops := make([]Operation, len(steps))
	for i, s := range steps {
		ops[i] = s.Operation
	}
	return ops
}

// memStore is a StateStore kept in memory.
type memStore struct {
	mu      sync.Mutex
	history []*State
	saveErr error
}

func (m *memStore) GetState(context.Context) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.history) == 0 {
		return nil, nil
	}
	return m.history[len(m.history)-1], nil
}

func (m *memStore) SaveState(_ context.Context, s *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	m.history = append(m.history, s)
	return nil
}

func (m *memStore) GetHistory(context.Context) ([]*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*State, len(m.history))
	copy(out, m.history)
	return out, nil
}

// fakeClock only moves when the runner sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps int
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Sleep(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	c.sleeps++
}

func withFakeClock(c *fakeClock) RunnerOption {
	return func(r *Runner) {
		r.now = c.Now
		r.sleep = c.Sleep
	}
}
