package aws

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/scorchlab/scorch/storage"
)

// StateStore is a DynamoDB-backed storage.Store. The table schema is
// partition key "pk" (string), sort key "sk" (string), with attributes
// "val" (binary) and "ver" (number). Conditional writes use the version
// attribute as the optimistic-concurrency token.
type StateStore struct {
	client *dynamodb.Client
	table  string
	p      *Provider
}

// NewStateStore returns a Store persisting to the named table.
func (p *Provider) NewStateStore(table string) *StateStore {
	return &StateStore{client: p.dynamo, table: table, p: p}
}

// Get returns the record at (partition, sort) or storage.ErrNotFound.
func (s *StateStore) Get(ctx context.Context, partition, sort string) (storage.Record, error) {
	callCtx, cancel := s.p.callCtx(ctx)
	defer cancel()

	output, err := s.client.GetItem(callCtx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            itemKey(partition, sort),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return storage.Record{}, classify("state_get", err)
	}
	if output.Item == nil {
		return storage.Record{}, storage.ErrNotFound
	}
	return decodeItem(output.Item)
}

// Put writes unconditionally, bumping the version past whatever is stored.
func (s *StateStore) Put(ctx context.Context, partition, sort string, value []byte) error {
	current, err := s.Get(ctx, partition, sort)
	version := int64(1)
	switch {
	case err == nil:
		version = current.Version + 1
	case errors.Is(err, storage.ErrNotFound):
	default:
		return err
	}

	callCtx, cancel := s.p.callCtx(ctx)
	defer cancel()

	_, err = s.client.PutItem(callCtx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      encodeItem(partition, sort, value, version),
	})
	return classify("state_put", err)
}

// PutIf writes only when the stored version equals expectVersion; a lost
// race surfaces as storage.ErrVersionConflict.
func (s *StateStore) PutIf(ctx context.Context, partition, sort string, value []byte, expectVersion int64) error {
	callCtx, cancel := s.p.callCtx(ctx)
	defer cancel()

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      encodeItem(partition, sort, value, expectVersion+1),
	}
	if expectVersion == 0 {
		input.ConditionExpression = aws.String("attribute_not_exists(pk)")
	} else {
		input.ConditionExpression = aws.String("ver = :expect")
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":expect": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(expectVersion, 10)},
		}
	}

	_, err := s.client.PutItem(callCtx, input)
	if err != nil {
		var conditionFailed *ddbtypes.ConditionalCheckFailedException
		if errors.As(err, &conditionFailed) {
			return storage.ErrVersionConflict
		}
		return classify("state_put_if", err)
	}
	return nil
}

// Scan returns every record in a partition ordered by sort key.
func (s *StateStore) Scan(ctx context.Context, partition string) ([]storage.Record, error) {
	var records []storage.Record

	paginator := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("pk = :pk"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":pk": &ddbtypes.AttributeValueMemberS{Value: partition},
		},
		ScanIndexForward: aws.Bool(true),
	})

	for paginator.HasMorePages() {
		callCtx, cancel := s.p.callCtx(ctx)
		output, err := paginator.NextPage(callCtx)
		cancel()
		if err != nil {
			return nil, classify("state_scan", err)
		}
		for _, item := range output.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// ScanAll walks the whole table. Used only by the run listing path,
// which caps its own result size.
func (s *StateStore) ScanAll(ctx context.Context) ([]storage.Record, error) {
	var records []storage.Record

	paginator := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName: aws.String(s.table),
	})

	for paginator.HasMorePages() {
		callCtx, cancel := s.p.callCtx(ctx)
		output, err := paginator.NextPage(callCtx)
		cancel()
		if err != nil {
			return nil, classify("state_scan_all", err)
		}
		for _, item := range output.Items {
			rec, err := decodeItem(item)
			if err != nil {
				return nil, err
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (s *StateStore) Close() error { return nil }

func itemKey(partition, sort string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: partition},
		"sk": &ddbtypes.AttributeValueMemberS{Value: sort},
	}
}

func encodeItem(partition, sort string, value []byte, version int64) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk":  &ddbtypes.AttributeValueMemberS{Value: partition},
		"sk":  &ddbtypes.AttributeValueMemberS{Value: sort},
		"val": &ddbtypes.AttributeValueMemberB{Value: value},
		"ver": &ddbtypes.AttributeValueMemberN{Value: strconv.FormatInt(version, 10)},
	}
}

func decodeItem(item map[string]ddbtypes.AttributeValue) (storage.Record, error) {
	rec := storage.Record{}

	pk, ok := item["pk"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return rec, fmt.Errorf("malformed item: missing pk")
	}
	sk, ok := item["sk"].(*ddbtypes.AttributeValueMemberS)
	if !ok {
		return rec, fmt.Errorf("malformed item: missing sk")
	}
	rec.Partition = pk.Value
	rec.Sort = sk.Value

	if val, ok := item["val"].(*ddbtypes.AttributeValueMemberB); ok {
		rec.Value = val.Value
	}
	if ver, ok := item["ver"].(*ddbtypes.AttributeValueMemberN); ok {
		v, err := strconv.ParseInt(ver.Value, 10, 64)
		if err != nil {
			return rec, fmt.Errorf("malformed version %q: %w", ver.Value, err)
		}
		rec.Version = v
	}
	return rec, nil
}
