package ddbctl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
)

// Call records one invocation on Memory.
type Call struct {
	Method string
	Table  string
	Index  string // set for index mutations
}

// Memory is an in-memory control plane. It enforces the same structural
// rules as DynamoDB that matter to migrations: one index mutation in flight
// per table, index names reserved until deletion completes, and local
// indexes fixed at creation. Index transitions complete after
// IndexActivationPolls describe calls.
type Memory struct {
	// IndexActivationPolls is the number of DescribeTable calls an index
	// spends creating or deleting. Zero completes on the first describe.
	IndexActivationPolls int

	mu     sync.Mutex
	tables map[string]*memTable
	calls  []Call
	fault  func(Call) error
}

type memTable struct {
	schema  schema.Table
	status  Status
	ttl     *schema.TTL
	indexes map[string]*memIndex
}

type memIndex struct {
	status Status
	polls  int
}

var _ Client = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{tables: map[string]*memTable{}}
}

// InjectFault makes every call for which fn returns an error fail with it.
// The call is still recorded.
func (m *Memory) InjectFault(fn func(Call) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fault = fn
}

// Calls returns the recorded calls in order.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}

// Table returns the schema the table currently has, including indexes that
// are still being created.
func (m *Memory) Table(name string) (schema.Table, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tables[name]
	if !ok {
		return schema.Table{}, false
	}
	s := t.schema
	s.TTL = t.ttl
	return s.Canonical(), true
}

// record must be called with m.mu held.
func (m *Memory) record(c Call) error {
	m.calls = append(m.calls, c)
	if m.fault != nil {
		return m.fault(c)
	}
	return nil
}

func (m *Memory) CreateTable(_ context.Context, t schema.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Method: "CreateTable", Table: t.Name}); err != nil {
		return err
	}
	if _, ok := m.tables[t.Name]; ok {
		return fmt.Errorf("create table %s: %w", t.Name, ErrResourceInUse)
	}
	mt := &memTable{schema: t.Canonical(), status: StatusCreating, indexes: map[string]*memIndex{}}
	mt.schema.TTL = nil
	for _, g := range mt.schema.GSIs {
		mt.indexes[g.Name] = &memIndex{status: StatusActive}
	}
	m.tables[t.Name] = mt
	return nil
}

func (m *Memory) UpdateTable(_ context.Context, u TableUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := Call{Method: "UpdateTable", Table: u.TableName}
	if u.CreateGSI != nil {
		call.Index = u.CreateGSI.Name
	} else if u.DeleteGSI != "" {
		call.Index = u.DeleteGSI
	}
	if err := m.record(call); err != nil {
		return err
	}
	t, ok := m.tables[u.TableName]
	if !ok {
		return fmt.Errorf("update table %s: %w", u.TableName, ErrTableNotFound)
	}
	if u.CreateGSI != nil && u.DeleteGSI != "" {
		return fmt.Errorf("update table %s: cannot create and delete an index in one call", u.TableName)
	}
	if (u.CreateGSI != nil || u.DeleteGSI != "") && t.indexMutating() {
		return fmt.Errorf("update table %s: another index mutation is in progress: %w", u.TableName, ErrResourceInUse)
	}

	if g := u.CreateGSI; g != nil {
		if idx, ok := t.indexes[g.Name]; ok {
			if idx.status == StatusDeleting {
				return fmt.Errorf("create index %s: name is reserved until deletion completes: %w", g.Name, ErrResourceInUse)
			}
			return fmt.Errorf("create index %s: index already exists: %w", g.Name, ErrResourceInUse)
		}
		t.schema.GSIs = append(t.schema.GSIs, *g)
		t.indexes[g.Name] = &memIndex{status: StatusCreating}
	}
	if name := u.DeleteGSI; name != "" {
		idx, ok := t.indexes[name]
		if !ok {
			return fmt.Errorf("delete index %s: index not found", name)
		}
		idx.status, idx.polls = StatusDeleting, 0
	}
	if u.Capacity != nil {
		t.schema.Capacity = *u.Capacity
	}
	if u.Stream != nil {
		s := *u.Stream
		t.schema.Stream = &s
	}
	if u.TableClass != "" {
		t.schema.TableClass = u.TableClass
	}
	if u.DeletionProtection != nil {
		t.schema.DeletionProtection = *u.DeletionProtection
	}
	t.schema = t.schema.Canonical()
	return nil
}

func (t *memTable) indexMutating() bool {
	for _, idx := range t.indexes {
		if idx.status != StatusActive {
			return true
		}
	}
	return false
}

func (m *Memory) DeleteTable(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Method: "DeleteTable", Table: name}); err != nil {
		return err
	}
	t, ok := m.tables[name]
	if !ok {
		return fmt.Errorf("delete table %s: %w", name, ErrTableNotFound)
	}
	if t.schema.DeletionProtection {
		return fmt.Errorf("delete table %s: deletion protection is enabled", name)
	}
	delete(m.tables, name)
	return nil
}

// DescribeTable advances index transitions by one poll.
func (m *Memory) DescribeTable(_ context.Context, name string) (*TableDescription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Method: "DescribeTable", Table: name}); err != nil {
		return nil, err
	}
	t, ok := m.tables[name]
	if !ok {
		return nil, nil
	}
	for _, idxName := range sortedIndexNames(t.indexes) {
		idx := t.indexes[idxName]
		if idx.status == StatusActive {
			continue
		}
		if idx.polls < m.IndexActivationPolls {
			idx.polls++
			continue
		}
		switch idx.status {
		case StatusCreating:
			idx.status = StatusActive
		case StatusDeleting:
			delete(t.indexes, idxName)
			gsis := t.schema.GSIs[:0]
			for _, g := range t.schema.GSIs {
				if g.Name != idxName {
					gsis = append(gsis, g)
				}
			}
			t.schema.GSIs = gsis
		}
	}

	d := &TableDescription{
		Name:               name,
		Status:             t.status,
		BillingMode:        t.schema.Capacity.Mode,
		TableClass:         t.schema.TableClass,
		DeletionProtection: t.schema.DeletionProtection,
	}
	if t.schema.Capacity.Mode == schema.Provisioned {
		c := t.schema.Capacity
		d.Capacity = &c
	}
	if t.schema.StreamEnabled() {
		s := *t.schema.Stream
		d.Stream = &s
	}
	for _, idxName := range sortedIndexNames(t.indexes) {
		idx := t.indexes[idxName]
		d.GSIs = append(d.GSIs, IndexDescription{
			Name:        idxName,
			Status:      idx.status,
			Backfilling: idx.status == StatusCreating,
		})
	}
	for _, l := range t.schema.LSIs {
		d.LSIs = append(d.LSIs, l.Name)
	}
	return d, nil
}

func sortedIndexNames(m map[string]*memIndex) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) UpdateTimeToLive(_ context.Context, u TTLUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Method: "UpdateTimeToLive", Table: u.TableName}); err != nil {
		return err
	}
	t, ok := m.tables[u.TableName]
	if !ok {
		return fmt.Errorf("update ttl %s: %w", u.TableName, ErrTableNotFound)
	}
	if u.Enabled && t.ttl != nil && t.ttl.AttributeName != u.AttributeName {
		return fmt.Errorf("update ttl %s: ttl is already enabled on %s", u.TableName, t.ttl.AttributeName)
	}
	if u.Enabled {
		t.ttl = &schema.TTL{Enabled: true, AttributeName: u.AttributeName}
	} else {
		t.ttl = nil
	}
	return nil
}

func (m *Memory) WaitForTableActive(_ context.Context, name string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Method: "WaitForTableActive", Table: name}); err != nil {
		return false, err
	}
	t, ok := m.tables[name]
	if !ok {
		return false, fmt.Errorf("wait for table %s: %w", name, ErrTableNotFound)
	}
	t.status = StatusActive
	return true, nil
}

func (m *Memory) WaitForTableDeleted(_ context.Context, name string, _ time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(Call{Method: "WaitForTableDeleted", Table: name}); err != nil {
		return false, err
	}
	_, exists := m.tables[name]
	return !exists, nil
}
