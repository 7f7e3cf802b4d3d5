package ddbctl

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/schema"
	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/table"
)

// fakeAPI records inputs and answers from canned outputs.
type fakeAPI struct {
	table      *types.TableDescription
	ttl        *types.TimeToLiveDescription
	updateErrs []error

	creates    []*dynamodb.CreateTableInput
	updates    []*dynamodb.UpdateTableInput
	ttlUpdates []*dynamodb.UpdateTimeToLiveInput
}

func (f *fakeAPI) CreateTable(_ context.Context, in *dynamodb.CreateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error) {
	f.creates = append(f.creates, in)
	return &dynamodb.CreateTableOutput{}, nil
}

func (f *fakeAPI) UpdateTable(_ context.Context, in *dynamodb.UpdateTableInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTableOutput, error) {
	f.updates = append(f.updates, in)
	if len(f.updateErrs) > 0 {
		err := f.updateErrs[0]
		f.updateErrs = f.updateErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &dynamodb.UpdateTableOutput{}, nil
}

func (f *fakeAPI) DeleteTable(context.Context, *dynamodb.DeleteTableInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteTableOutput, error) {
	return &dynamodb.DeleteTableOutput{}, nil
}

func (f *fakeAPI) DescribeTable(context.Context, *dynamodb.DescribeTableInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error) {
	if f.table == nil {
		return nil, &types.ResourceNotFoundException{Message: aws.String("Requested resource not found")}
	}
	return &dynamodb.DescribeTableOutput{Table: f.table}, nil
}

func (f *fakeAPI) UpdateTimeToLive(_ context.Context, in *dynamodb.UpdateTimeToLiveInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateTimeToLiveOutput, error) {
	f.ttlUpdates = append(f.ttlUpdates, in)
	return &dynamodb.UpdateTimeToLiveOutput{}, nil
}

func (f *fakeAPI) DescribeTimeToLive(context.Context, *dynamodb.DescribeTimeToLiveInput, ...func(*dynamodb.Options)) (*dynamodb.DescribeTimeToLiveOutput, error) {
	return &dynamodb.DescribeTimeToLiveOutput{TimeToLiveDescription: f.ttl}, nil
}

func activeTable(gsis ...string) *types.TableDescription {
	d := &types.TableDescription{
		TableName:          aws.String("app"),
		TableStatus:        types.TableStatusActive,
		BillingModeSummary: &types.BillingModeSummary{BillingMode: types.BillingModePayPerRequest},
		ItemCount:          aws.Int64(42),
	}
	for _, g := range gsis {
		d.GlobalSecondaryIndexes = append(d.GlobalSecondaryIndexes, types.GlobalSecondaryIndexDescription{
			IndexName:   aws.String(g),
			IndexStatus: types.IndexStatusActive,
		})
	}
	return d
}

func testAWS(api API) *AWS {
	return NewAWS(api, AWSOptions{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})
}

func TestAWS_CreateTableInput(t *testing.T) {
	sk := table.KeyDef{Name: "sk", Kind: table.KeyKindS}
	tbl := schema.Table{
		Name:         "app",
		PartitionKey: table.KeyDef{Name: "pk", Kind: table.KeyKindS},
		SortKey:      &sk,
		GSIs: []schema.GSI{{
			Name:         "GSI1",
			PartitionKey: table.KeyDef{Name: "gsi1pk", Kind: table.KeyKindS},
			SortKey:      &table.KeyDef{Name: "gsi1sk", Kind: table.KeyKindN},
			Projection:   schema.Projection{Type: schema.ProjectInclude, NonKeyAttributes: []string{"title"}},
		}},
		LSIs: []schema.LSI{{
			Name:       "LSI1",
			SortKey:    table.KeyDef{Name: "lsi1sk", Kind: table.KeyKindS},
			Projection: schema.Projection{Type: schema.ProjectKeysOnly},
		}},
		Stream:             &schema.Stream{Enabled: true, ViewType: schema.StreamNewImage},
		Capacity:           schema.Capacity{Mode: schema.Provisioned, ReadUnits: 5, WriteUnits: 2},
		DeletionProtection: true,
	}
	api := &fakeAPI{}
	require.NoError(t, testAWS(api).CreateTable(context.Background(), tbl))
	require.Len(t, api.creates, 1)
	in := api.creates[0]

	assert.Equal(t, "app", aws.ToString(in.TableName))
	assert.Equal(t, types.BillingModeProvisioned, in.BillingMode)
	assert.Equal(t, int64(5), aws.ToInt64(in.ProvisionedThroughput.ReadCapacityUnits))
	assert.Len(t, in.AttributeDefinitions, 5)
	assert.Equal(t, types.KeyTypeRange, in.KeySchema[1].KeyType)

	require.Len(t, in.GlobalSecondaryIndexes, 1)
	g := in.GlobalSecondaryIndexes[0]
	assert.Equal(t, types.ProjectionTypeInclude, g.Projection.ProjectionType)
	assert.Equal(t, []string{"title"}, g.Projection.NonKeyAttributes)
	assert.Equal(t, int64(2), aws.ToInt64(g.ProvisionedThroughput.WriteCapacityUnits))

	require.Len(t, in.LocalSecondaryIndexes, 1)
	l := in.LocalSecondaryIndexes[0]
	assert.Equal(t, "pk", aws.ToString(l.KeySchema[0].AttributeName))
	assert.Equal(t, "lsi1sk", aws.ToString(l.KeySchema[1].AttributeName))

	assert.Equal(t, types.StreamViewTypeNewImage, in.StreamSpecification.StreamViewType)
	assert.True(t, aws.ToBool(in.DeletionProtectionEnabled))
}

func TestAWS_DescribeMissingTable(t *testing.T) {
	d, err := testAWS(&fakeAPI{}).DescribeTable(context.Background(), "app")
	require.NoError(t, err)
	assert.Nil(t, d)

	err = testAWS(&fakeAPI{}).UpdateTable(context.Background(), TableUpdate{TableName: "app"})
	assert.ErrorIs(t, err, ErrTableNotFound)
}

func TestAWS_Describe(t *testing.T) {
	desc := activeTable("GSI1")
	desc.GlobalSecondaryIndexes[0].IndexStatus = types.IndexStatusCreating
	desc.GlobalSecondaryIndexes[0].Backfilling = aws.Bool(true)

	d, err := testAWS(&fakeAPI{table: desc}).DescribeTable(context.Background(), "app")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, d.Status)
	assert.Equal(t, schema.PayPerRequest, d.BillingMode)
	assert.Equal(t, schema.TableClassStandard, d.TableClass)
	assert.Equal(t, int64(42), d.ItemCount)
	assert.True(t, d.IndexMutating())
	idx, ok := d.Index("GSI1")
	require.True(t, ok)
	assert.True(t, idx.Backfilling)
}

func TestAWS_CreateGSI(t *testing.T) {
	desc := activeTable("GSI1")
	desc.BillingModeSummary.BillingMode = types.BillingModeProvisioned
	desc.ProvisionedThroughput = &types.ProvisionedThroughputDescription{
		ReadCapacityUnits:  aws.Int64(3),
		WriteCapacityUnits: aws.Int64(4),
	}
	api := &fakeAPI{table: desc}

	g := schema.GSI{
		Name:         "GSI2",
		PartitionKey: table.KeyDef{Name: "gsi2pk", Kind: table.KeyKindS},
		SortKey:      &table.KeyDef{Name: "gsi2sk", Kind: table.KeyKindS},
	}
	require.NoError(t, testAWS(api).UpdateTable(context.Background(), TableUpdate{TableName: "app", CreateGSI: &g}))
	require.Len(t, api.updates, 1)
	in := api.updates[0]

	assert.Len(t, in.AttributeDefinitions, 2)
	require.Len(t, in.GlobalSecondaryIndexUpdates, 1)
	create := in.GlobalSecondaryIndexUpdates[0].Create
	require.NotNil(t, create)
	assert.Equal(t, "GSI2", aws.ToString(create.IndexName))
	assert.Equal(t, types.ProjectionTypeAll, create.Projection.ProjectionType)
	assert.Equal(t, int64(3), aws.ToInt64(create.ProvisionedThroughput.ReadCapacityUnits))
}

func TestAWS_SwitchToProvisioned(t *testing.T) {
	api := &fakeAPI{table: activeTable("GSI1", "GSI2")}
	capacity := schema.Capacity{Mode: schema.Provisioned, ReadUnits: 10, WriteUnits: 10}

	require.NoError(t, testAWS(api).UpdateTable(context.Background(), TableUpdate{TableName: "app", Capacity: &capacity}))
	in := api.updates[0]
	assert.Equal(t, types.BillingModeProvisioned, in.BillingMode)
	require.Len(t, in.GlobalSecondaryIndexUpdates, 2)
	for _, u := range in.GlobalSecondaryIndexUpdates {
		require.NotNil(t, u.Update)
		assert.Equal(t, int64(10), aws.ToInt64(u.Update.ProvisionedThroughput.ReadCapacityUnits))
	}
}

func TestAWS_StreamViewTypeChange(t *testing.T) {
	desc := activeTable()
	desc.StreamSpecification = &types.StreamSpecification{StreamEnabled: aws.Bool(true), StreamViewType: types.StreamViewTypeKeysOnly}
	api := &fakeAPI{table: desc}

	err := testAWS(api).UpdateTable(context.Background(), TableUpdate{
		TableName: "app",
		Stream:    &schema.Stream{Enabled: true, ViewType: schema.StreamNewAndOldImages},
	})
	require.NoError(t, err)
	require.Len(t, api.updates, 2)
	assert.False(t, aws.ToBool(api.updates[0].StreamSpecification.StreamEnabled))
	assert.Empty(t, api.updates[0].StreamSpecification.StreamViewType)
	assert.True(t, aws.ToBool(api.updates[1].StreamSpecification.StreamEnabled))
	assert.Equal(t, types.StreamViewTypeNewAndOldImages, api.updates[1].StreamSpecification.StreamViewType)
}

func TestAWS_RetriesBusyTable(t *testing.T) {
	busy := &types.ResourceInUseException{Message: aws.String("index GSI2 is being deleted")}

	api := &fakeAPI{table: activeTable(), updateErrs: []error{busy, busy}}
	g := schema.GSI{Name: "GSI2", PartitionKey: table.KeyDef{Name: "gsi2pk", Kind: table.KeyKindS}}
	require.NoError(t, testAWS(api).UpdateTable(context.Background(), TableUpdate{TableName: "app", CreateGSI: &g}))
	assert.Len(t, api.updates, 3)

	api = &fakeAPI{table: activeTable(), updateErrs: []error{busy, busy, busy}}
	err := testAWS(api).UpdateTable(context.Background(), TableUpdate{TableName: "app", CreateGSI: &g})
	assert.ErrorIs(t, err, ErrResourceInUse)
	assert.Len(t, api.updates, 3)

	other := errors.New("validation failed")
	api = &fakeAPI{table: activeTable(), updateErrs: []error{other}}
	err = testAWS(api).UpdateTable(context.Background(), TableUpdate{TableName: "app", CreateGSI: &g})
	assert.ErrorIs(t, err, other)
	assert.Len(t, api.updates, 1)
}

func TestAWS_UpdateTimeToLive(t *testing.T) {
	enabled := &types.TimeToLiveDescription{TimeToLiveStatus: types.TimeToLiveStatusEnabled, AttributeName: aws.String("ttl")}

	tests := []struct {
		name    string
		current *types.TimeToLiveDescription
		update  TTLUpdate
		want    *types.TimeToLiveSpecification
	}{
		{
			name:   "enable",
			update: TTLUpdate{TableName: "app", AttributeName: "ttl", Enabled: true},
			want:   &types.TimeToLiveSpecification{AttributeName: aws.String("ttl"), Enabled: aws.Bool(true)},
		},
		{
			name:    "already enabled",
			current: enabled,
			update:  TTLUpdate{TableName: "app", AttributeName: "ttl", Enabled: true},
		},
		{
			name:    "disable uses the live attribute",
			current: enabled,
			update:  TTLUpdate{TableName: "app", AttributeName: "expiresAt"},
			want:    &types.TimeToLiveSpecification{AttributeName: aws.String("ttl"), Enabled: aws.Bool(false)},
		},
		{
			name:   "already disabled",
			update: TTLUpdate{TableName: "app", AttributeName: "ttl"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &fakeAPI{ttl: tt.current}
			require.NoError(t, testAWS(api).UpdateTimeToLive(context.Background(), tt.update))
			if tt.want == nil {
				assert.Empty(t, api.ttlUpdates)
				return
			}
			require.Len(t, api.ttlUpdates, 1)
			assert.Equal(t, tt.want, api.ttlUpdates[0].TimeToLiveSpecification)
		})
	}
}

func TestWaitResult(t *testing.T) {
	ok, err := waitResult("app", nil)
	assert.True(t, ok)
	assert.NoError(t, err)

	ok, err = waitResult("app", errors.New("exceeded max wait time for TableExists waiter"))
	assert.False(t, ok)
	assert.NoError(t, err)

	_, err = waitResult("app", errors.New("access denied"))
	assert.Error(t, err)
}
