package ddbstate

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/stacksjs/dynamodb-tooling-sub001/dynamodb/migrate"
)

// ItemAPI is the subset of *dynamodb.Client used by Table.
type ItemAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	TransactWriteItems(ctx context.Context, params *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

var _ ItemAPI = (*dynamodb.Client)(nil)

const (
	sentinelPrefix = "_MIGRATION#"
	headSortKey    = "HEAD"
	stateSortKey   = "STATE#"
)

// TableOptions names the managed table and its string key attributes.
type TableOptions struct {
	TableName    string
	PartitionKey string
	SortKey      string
}

// Table keeps migration states as sentinel items in the managed table
// itself, under partition _MIGRATION#<table>: one HEAD item with the latest
// state and one STATE#<seq> item per applied state. The table must have a
// string sort key. Head updates are conditional on the version they
// replace.
type Table struct {
	api  ItemAPI
	opts TableOptions
}

func NewTable(api ItemAPI, opts TableOptions) *Table {
	if opts.PartitionKey == "" {
		opts.PartitionKey = "pk"
	}
	if opts.SortKey == "" {
		opts.SortKey = "sk"
	}
	return &Table{api: api, opts: opts}
}

type stateRecord struct {
	Seq     int64          `json:"seq"`
	Version string         `json:"version"`
	State   *migrate.State `json:"state"`
}

func (t *Table) partition() string {
	return sentinelPrefix + t.opts.TableName
}

func (t *Table) key(sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		t.opts.PartitionKey: &types.AttributeValueMemberS{Value: t.partition()},
		t.opts.SortKey:      &types.AttributeValueMemberS{Value: sk},
	}
}

func stateSK(seq int64) string {
	return fmt.Sprintf("%s%020d", stateSortKey, seq)
}

// State fields are stored under their json names.
func marshalRecord(r stateRecord) (map[string]types.AttributeValue, error) {
	return attributevalue.MarshalMapWithOptions(r, func(o *attributevalue.EncoderOptions) {
		o.TagKey = "json"
	})
}

func unmarshalRecord(item map[string]types.AttributeValue) (stateRecord, error) {
	var r stateRecord
	err := attributevalue.UnmarshalMapWithOptions(item, &r, func(o *attributevalue.DecoderOptions) {
		o.TagKey = "json"
	})
	return r, err
}

func (t *Table) head(ctx context.Context) (*stateRecord, error) {
	out, err := t.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.opts.TableName),
		Key:            t.key(headSortKey),
		ConsistentRead: aws.Bool(true),
	})
	if tableMissing(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get migration head %s: %w", t.opts.TableName, err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	r, err := unmarshalRecord(out.Item)
	if err != nil {
		return nil, fmt.Errorf("decode migration head %s: %w", t.opts.TableName, err)
	}
	return &r, nil
}

// tableMissing reports whether err says the managed table does not exist
// yet. Before the first migration creates it there is no state to read.
func tableMissing(err error) bool {
	var notFound *types.ResourceNotFoundException
	return errors.As(err, &notFound)
}

func (t *Table) GetState(ctx context.Context) (*migrate.State, error) {
	r, err := t.head(ctx)
	if err != nil || r == nil {
		return nil, err
	}
	return r.State, nil
}

// SaveState writes the state item and moves the head in one transaction.
// A head moved by someone else fails the condition and returns ErrConflict.
func (t *Table) SaveState(ctx context.Context, s *migrate.State) error {
	cur, err := t.head(ctx)
	if err != nil {
		return err
	}
	var prev *migrate.State
	var seq int64
	cond := expression.AttributeNotExists(expression.Name(t.opts.PartitionKey))
	if cur != nil {
		prev, seq = cur.State, cur.Seq
		cond = expression.Name("version").Equal(expression.Value(cur.Version))
	}
	if err := checkHead(prev, s); err != nil {
		return err
	}

	rec := stateRecord{Seq: seq + 1, Version: s.Version, State: s}
	item, err := marshalRecord(rec)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", s.Version, err)
	}
	headItem := make(map[string]types.AttributeValue, len(item)+2)
	stateItem := make(map[string]types.AttributeValue, len(item)+2)
	for k, v := range item {
		headItem[k], stateItem[k] = v, v
	}
	for k, v := range t.key(headSortKey) {
		headItem[k] = v
	}
	for k, v := range t.key(stateSK(rec.Seq)) {
		stateItem[k] = v
	}

	headExpr, err := expression.NewBuilder().WithCondition(cond).Build()
	if err != nil {
		return fmt.Errorf("build head condition: %w", err)
	}
	stateExpr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name(t.opts.PartitionKey))).
		Build()
	if err != nil {
		return fmt.Errorf("build state condition: %w", err)
	}

	_, err = t.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:                 aws.String(t.opts.TableName),
				Item:                      stateItem,
				ConditionExpression:       stateExpr.Condition(),
				ExpressionAttributeNames:  stateExpr.Names(),
				ExpressionAttributeValues: stateExpr.Values(),
			}},
			{Put: &types.Put{
				TableName:                 aws.String(t.opts.TableName),
				Item:                      headItem,
				ConditionExpression:       headExpr.Condition(),
				ExpressionAttributeNames:  headExpr.Names(),
				ExpressionAttributeValues: headExpr.Values(),
			}},
		},
	})
	if err != nil {
		var canceled *types.TransactionCanceledException
		if errors.As(err, &canceled) && conditionFailed(canceled) {
			return fmt.Errorf("save state %s: %w", s.Version, ErrConflict)
		}
		return fmt.Errorf("save state %s: %w", s.Version, err)
	}
	return nil
}

func conditionFailed(e *types.TransactionCanceledException) bool {
	for _, r := range e.CancellationReasons {
		if aws.ToString(r.Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

func (t *Table) GetHistory(ctx context.Context) ([]*migrate.State, error) {
	keyCond := expression.Key(t.opts.PartitionKey).Equal(expression.Value(t.partition())).
		And(expression.KeyBeginsWith(expression.Key(t.opts.SortKey), stateSortKey))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("build history query: %w", err)
	}

	p := dynamodb.NewQueryPaginator(t.api, &dynamodb.QueryInput{
		TableName:                 aws.String(t.opts.TableName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConsistentRead:            aws.Bool(true),
		ScanIndexForward:          aws.Bool(true),
	})
	var out []*migrate.State
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if tableMissing(err) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("query migration history %s: %w", t.opts.TableName, err)
		}
		for _, item := range page.Items {
			r, err := unmarshalRecord(item)
			if err != nil {
				return nil, fmt.Errorf("decode migration history %s: %w", t.opts.TableName, err)
			}
			out = append(out, r.State)
		}
	}
	return out, nil
}
