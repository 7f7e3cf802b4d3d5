package ddbctl

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/table"
)

// API is the subset of *dynamodb.Client used for control-plane calls.
type API interface {
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	UpdateTable(ctx context.Context, params *dynamodb.UpdateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error)
	DeleteTable(ctx context.Context, params *dynamodb.DeleteTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	UpdateTimeToLive(ctx context.Context, params *dynamodb.UpdateTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error)
	DescribeTimeToLive(ctx context.Context, params *dynamodb.DescribeTimeToLiveInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

// AWSOptions configures retries of calls rejected because the table is busy.
type AWSOptions struct {
	// MaxAttempts includes the first call. Defaults to 8.
	MaxAttempts int
	// BaseDelay doubles on every retry up to MaxDelay.
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Logger    zerolog.Logger
}

// AWS implements Client on top of the AWS SDK.
type AWS struct {
	api  API
	opts AWSOptions
}

var _ Client = (*AWS)(nil)

func NewAWS(api API, opts AWSOptions) *AWS {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 8
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 30 * time.Second
	}
	return &AWS{api: api, opts: opts}
}

func (c *AWS) CreateTable(ctx context.Context, t schema.Table) error {
	input := createTableInput(t)
	return c.retry(ctx, "create table", func() error {
		_, err := c.api.CreateTable(ctx, input)
		return err
	})
}

func createTableInput(t schema.Table) *dynamodb.CreateTableInput {
	input := &dynamodb.CreateTableInput{
		TableName:            aws.String(t.Name),
		AttributeDefinitions: attributeDefinitions(t.AttributeDefinitions()),
		KeySchema:            keySchema(t.KeyDefinition()),
		BillingMode:          types.BillingMode(t.Capacity.Mode),
	}
	provisioned := t.Capacity.Mode == schema.Provisioned
	if provisioned {
		input.ProvisionedThroughput = throughput(t.Capacity)
	}
	for _, g := range t.GSIs {
		gsi := types.GlobalSecondaryIndex{
			IndexName:  aws.String(g.Name),
			KeySchema:  keySchema(g.KeyDefinition()),
			Projection: projection(g.Projection),
		}
		if provisioned {
			gsi.ProvisionedThroughput = throughput(t.Capacity)
		}
		input.GlobalSecondaryIndexes = append(input.GlobalSecondaryIndexes, gsi)
	}
	for _, l := range t.LSIs {
		input.LocalSecondaryIndexes = append(input.LocalSecondaryIndexes, types.LocalSecondaryIndex{
			IndexName:  aws.String(l.Name),
			KeySchema:  keySchema(table.PrimaryKeyDefinition{PartitionKey: t.PartitionKey, SortKey: l.SortKey}),
			Projection: projection(l.Projection),
		})
	}
	if t.StreamEnabled() {
		input.StreamSpecification = &types.StreamSpecification{
			StreamEnabled:  aws.Bool(true),
			StreamViewType: types.StreamViewType(t.Stream.ViewType),
		}
	}
	if t.TableClass != "" {
		input.TableClass = types.TableClass(t.TableClass)
	}
	if t.DeletionProtection {
		input.DeletionProtectionEnabled = aws.Bool(true)
	}
	return input
}

func (c *AWS) UpdateTable(ctx context.Context, u TableUpdate) error {
	if u.CreateGSI != nil && u.DeleteGSI != "" {
		return fmt.Errorf("update table %s: cannot create and delete an index in one call", u.TableName)
	}
	desc, err := c.DescribeTable(ctx, u.TableName)
	if err != nil {
		return err
	}
	if desc == nil {
		return fmt.Errorf("update table %s: %w", u.TableName, ErrTableNotFound)
	}

	// Changing the view type of an enabled stream takes two calls.
	if u.Stream != nil && u.Stream.Enabled && desc.Stream != nil && desc.Stream.Enabled && desc.Stream.ViewType != u.Stream.ViewType {
		off := TableUpdate{TableName: u.TableName, Stream: &schema.Stream{Enabled: false}}
		if err := c.sendUpdate(ctx, updateTableInput(off, desc)); err != nil {
			return err
		}
		ok, err := c.WaitForTableActive(ctx, u.TableName, 5*time.Minute)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("update table %s: table did not become active after disabling stream", u.TableName)
		}
	}
	return c.sendUpdate(ctx, updateTableInput(u, desc))
}

func (c *AWS) sendUpdate(ctx context.Context, input *dynamodb.UpdateTableInput) error {
	return c.retry(ctx, "update table", func() error {
		_, err := c.api.UpdateTable(ctx, input)
		return err
	})
}

func updateTableInput(u TableUpdate, desc *TableDescription) *dynamodb.UpdateTableInput {
	input := &dynamodb.UpdateTableInput{TableName: aws.String(u.TableName)}

	if u.Capacity != nil {
		input.BillingMode = types.BillingMode(u.Capacity.Mode)
		if u.Capacity.Mode == schema.Provisioned {
			input.ProvisionedThroughput = throughput(*u.Capacity)
			// Existing indexes need throughput when leaving on-demand.
			for _, g := range desc.GSIs {
				if u.DeleteGSI == g.Name {
					continue
				}
				input.GlobalSecondaryIndexUpdates = append(input.GlobalSecondaryIndexUpdates, types.GlobalSecondaryIndexUpdate{
					Update: &types.UpdateGlobalSecondaryIndexAction{
						IndexName:             aws.String(g.Name),
						ProvisionedThroughput: throughput(*u.Capacity),
					},
				})
			}
		}
	}

	if g := u.CreateGSI; g != nil {
		create := &types.CreateGlobalSecondaryIndexAction{
			IndexName:  aws.String(g.Name),
			KeySchema:  keySchema(g.KeyDefinition()),
			Projection: projection(g.Projection),
		}
		if desc.BillingMode == schema.Provisioned && desc.Capacity != nil {
			create.ProvisionedThroughput = throughput(*desc.Capacity)
		}
		def := g.KeyDefinition()
		defs := []table.KeyDef{def.PartitionKey}
		if !def.SortKey.IsZero() {
			defs = append(defs, def.SortKey)
		}
		input.AttributeDefinitions = attributeDefinitions(defs)
		input.GlobalSecondaryIndexUpdates = append(input.GlobalSecondaryIndexUpdates, types.GlobalSecondaryIndexUpdate{Create: create})
	}
	if u.DeleteGSI != "" {
		input.GlobalSecondaryIndexUpdates = append(input.GlobalSecondaryIndexUpdates, types.GlobalSecondaryIndexUpdate{
			Delete: &types.DeleteGlobalSecondaryIndexAction{IndexName: aws.String(u.DeleteGSI)},
		})
	}

	if u.Stream != nil {
		spec := &types.StreamSpecification{StreamEnabled: aws.Bool(u.Stream.Enabled)}
		if u.Stream.Enabled {
			spec.StreamViewType = types.StreamViewType(u.Stream.ViewType)
		}
		input.StreamSpecification = spec
	}
	if u.TableClass != "" {
		input.TableClass = types.TableClass(u.TableClass)
	}
	if u.DeletionProtection != nil {
		input.DeletionProtectionEnabled = aws.Bool(*u.DeletionProtection)
	}
	return input
}

func (c *AWS) DeleteTable(ctx context.Context, name string) error {
	return c.retry(ctx, "delete table", func() error {
		_, err := c.api.DeleteTable(ctx, &dynamodb.DeleteTableInput{TableName: aws.String(name)})
		return err
	})
}

func (c *AWS) DescribeTable(ctx context.Context, name string) (*TableDescription, error) {
	out, err := c.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe table %s: %w", name, err)
	}
	return describe(out.Table), nil
}

func describe(t *types.TableDescription) *TableDescription {
	if t == nil {
		return nil
	}
	d := &TableDescription{
		Name:               aws.ToString(t.TableName),
		Status:             Status(t.TableStatus),
		BillingMode:        schema.Provisioned,
		TableClass:         schema.TableClassStandard,
		DeletionProtection: aws.ToBool(t.DeletionProtectionEnabled),
		ItemCount:          aws.ToInt64(t.ItemCount),
	}
	if t.BillingModeSummary != nil && t.BillingModeSummary.BillingMode != "" {
		d.BillingMode = schema.BillingMode(t.BillingModeSummary.BillingMode)
	}
	if d.BillingMode == schema.Provisioned && t.ProvisionedThroughput != nil {
		d.Capacity = &schema.Capacity{
			Mode:       schema.Provisioned,
			ReadUnits:  aws.ToInt64(t.ProvisionedThroughput.ReadCapacityUnits),
			WriteUnits: aws.ToInt64(t.ProvisionedThroughput.WriteCapacityUnits),
		}
	}
	if t.TableClassSummary != nil && t.TableClassSummary.TableClass != "" {
		d.TableClass = schema.TableClass(t.TableClassSummary.TableClass)
	}
	if s := t.StreamSpecification; s != nil && aws.ToBool(s.StreamEnabled) {
		d.Stream = &schema.Stream{Enabled: true, ViewType: schema.StreamViewType(s.StreamViewType)}
	}
	for _, g := range t.GlobalSecondaryIndexes {
		d.GSIs = append(d.GSIs, IndexDescription{
			Name:        aws.ToString(g.IndexName),
			Status:      Status(g.IndexStatus),
			Backfilling: aws.ToBool(g.Backfilling),
		})
	}
	for _, l := range t.LocalSecondaryIndexes {
		d.LSIs = append(d.LSIs, aws.ToString(l.IndexName))
	}
	return d
}

// UpdateTimeToLive skips the call when TTL is already in the requested
// state; DynamoDB rejects redundant TTL updates.
func (c *AWS) UpdateTimeToLive(ctx context.Context, u TTLUpdate) error {
	out, err := c.api.DescribeTimeToLive(ctx, &dynamodb.DescribeTimeToLiveInput{TableName: aws.String(u.TableName)})
	if err != nil {
		return fmt.Errorf("describe ttl %s: %w", u.TableName, err)
	}
	var (
		status  types.TimeToLiveStatus
		current string
	)
	if d := out.TimeToLiveDescription; d != nil {
		status, current = d.TimeToLiveStatus, aws.ToString(d.AttributeName)
	}
	enabled := status == types.TimeToLiveStatusEnabled || status == types.TimeToLiveStatusEnabling
	switch {
	case u.Enabled && enabled && current == u.AttributeName:
		c.opts.Logger.Debug().Str("table", u.TableName).Str("attribute", current).Msg("ttl already enabled")
		return nil
	case !u.Enabled && !enabled:
		c.opts.Logger.Debug().Str("table", u.TableName).Msg("ttl already disabled")
		return nil
	}

	attr := u.AttributeName
	if !u.Enabled && current != "" {
		attr = current
	}
	return c.retry(ctx, "update ttl", func() error {
		_, err := c.api.UpdateTimeToLive(ctx, &dynamodb.UpdateTimeToLiveInput{
			TableName: aws.String(u.TableName),
			TimeToLiveSpecification: &types.TimeToLiveSpecification{
				AttributeName: aws.String(attr),
				Enabled:       aws.Bool(u.Enabled),
			},
		})
		return err
	})
}

func (c *AWS) WaitForTableActive(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	waiter := dynamodb.NewTableExistsWaiter(c.api)
	err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, timeout)
	return waitResult(name, err)
}

func (c *AWS) WaitForTableDeleted(ctx context.Context, name string, timeout time.Duration) (bool, error) {
	waiter := dynamodb.NewTableNotExistsWaiter(c.api)
	err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(name)}, timeout)
	return waitResult(name, err)
}

func waitResult(name string, err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case strings.Contains(err.Error(), "exceeded max wait time"):
		return false, nil
	default:
		return false, fmt.Errorf("wait for table %s: %w", name, err)
	}
}

// retry repeats fn while DynamoDB reports the table busy. This covers an
// index name that is still reserved by a deletion that just finished.
func (c *AWS) retry(ctx context.Context, op string, fn func() error) error {
	delay := c.opts.BaseDelay
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		if attempt >= c.opts.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w: %w", op, attempt, ErrResourceInUse, err)
		}
		c.opts.Logger.Warn().Err(err).Str("op", op).Int("attempt", attempt).Dur("backoff", delay).Msg("table busy, retrying")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(delay):
		}
		delay = min(delay*2, c.opts.MaxDelay)
	}
}

func retryable(err error) bool {
	var inUse *types.ResourceInUseException
	var limit *types.LimitExceededException
	return errors.As(err, &inUse) || errors.As(err, &limit)
}

func attributeDefinitions(defs []table.KeyDef) []types.AttributeDefinition {
	out := make([]types.AttributeDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, types.AttributeDefinition{
			AttributeName: aws.String(d.Name),
			AttributeType: d.Kind.ScalarType(),
		})
	}
	return out
}

func keySchema(def table.PrimaryKeyDefinition) []types.KeySchemaElement {
	ks := []types.KeySchemaElement{{AttributeName: aws.String(def.PartitionKey.Name), KeyType: types.KeyTypeHash}}
	if !def.SortKey.IsZero() {
		ks = append(ks, types.KeySchemaElement{AttributeName: aws.String(def.SortKey.Name), KeyType: types.KeyTypeRange})
	}
	return ks
}

func projection(p schema.Projection) *types.Projection {
	out := &types.Projection{ProjectionType: types.ProjectionType(p.Type)}
	if out.ProjectionType == "" {
		out.ProjectionType = types.ProjectionTypeAll
	}
	if p.Type == schema.ProjectInclude {
		out.NonKeyAttributes = p.NonKeyAttributes
	}
	return out
}

func throughput(c schema.Capacity) *types.ProvisionedThroughput {
	return &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(c.ReadUnits),
		WriteCapacityUnits: aws.Int64(c.WriteUnits),
	}
}
