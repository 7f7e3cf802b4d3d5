// Package ddbctl is the control-plane surface used to apply schema
// migrations: table and index DDL, TTL and waits. It has an AWS SDK adapter
// and an in-memory implementation for tests and dry environments.
package ddbctl

import (
	"context"
	"errors"
	"time"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
)

var (
	// ErrTableNotFound is returned when the named table does not exist.
	ErrTableNotFound = errors.New("table not found")
	// ErrResourceInUse is returned when the table or index is busy with
	// another structural change, or an index name is still reserved by a
	// deletion in progress.
	ErrResourceInUse = errors.New("resource in use")
)

// Client applies structural changes to a table. Every call may fail; callers
// treat errors as fatal for the current migration.
type Client interface {
	CreateTable(ctx context.Context, t schema.Table) error
	UpdateTable(ctx context.Context, u TableUpdate) error
	DeleteTable(ctx context.Context, name string) error
	// DescribeTable returns nil without error when the table does not exist.
	DescribeTable(ctx context.Context, name string) (*TableDescription, error)
	UpdateTimeToLive(ctx context.Context, u TTLUpdate) error
	// The wait calls return false when timeout elapses first.
	WaitForTableActive(ctx context.Context, name string, timeout time.Duration) (bool, error)
	WaitForTableDeleted(ctx context.Context, name string, timeout time.Duration) (bool, error)
}

// TableUpdate is a single UpdateTable call. Only one of CreateGSI and
// DeleteGSI may be set; DynamoDB accepts one index mutation per call.
type TableUpdate struct {
	TableName string

	Capacity           *schema.Capacity
	CreateGSI          *schema.GSI
	DeleteGSI          string
	Stream             *schema.Stream
	TableClass         schema.TableClass
	DeletionProtection *bool
}

type TTLUpdate struct {
	TableName     string
	AttributeName string
	Enabled       bool
}

type Status string

const (
	StatusCreating Status = "CREATING"
	StatusUpdating Status = "UPDATING"
	StatusDeleting Status = "DELETING"
	StatusActive   Status = "ACTIVE"
)

type IndexDescription struct {
	Name   string
	Status Status
	// Backfilling is true while DynamoDB populates a new index from existing
	// items. The index is not queryable until it is done.
	Backfilling bool
}

// TableDescription is the live state of a table.
type TableDescription struct {
	Name               string
	Status             Status
	BillingMode        schema.BillingMode
	Capacity           *schema.Capacity // provisioned tables only
	TableClass         schema.TableClass
	DeletionProtection bool
	Stream             *schema.Stream
	GSIs               []IndexDescription
	LSIs               []string
	ItemCount          int64
}

// Index finds a global index by name.
func (d *TableDescription) Index(name string) (IndexDescription, bool) {
	for _, g := range d.GSIs {
		if g.Name == name {
			return g, true
		}
	}
	return IndexDescription{}, false
}

// IndexMutating reports whether any global index is being created or deleted.
func (d *TableDescription) IndexMutating() bool {
	for _, g := range d.GSIs {
		if g.Status != StatusActive || g.Backfilling {
			return true
		}
	}
	return false
}
