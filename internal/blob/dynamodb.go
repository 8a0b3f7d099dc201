package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

const (
	pkPrefixBucket = "BUCKET#"
	skPrefixKey    = "KEY#"
)

// dynamodbAPI is the minimal DynamoDB interface required by DynamoStore.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore keeps objects as items of a single-table layout: one partition
// per bucket namespace, one item per key, sorted by key so prefix listing is a
// begins_with query.
type DynamoStore struct {
	api       dynamodbAPI
	tableName string
	bucket    string
}

// NewDynamoStore creates a DynamoDB-backed store.
func NewDynamoStore(api dynamodbAPI, tableName, bucket string) (*DynamoStore, error) {
	if api == nil {
		return nil, errors.New("blob: dynamodb api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("blob: table name must not be empty")
	}
	if strings.TrimSpace(bucket) == "" {
		return nil, errors.New("blob: bucket must not be empty")
	}
	return &DynamoStore{api: api, tableName: tableName, bucket: bucket}, nil
}

// bucketPK returns the partition key shared by every object of the bucket.
func bucketPK(bucket string) string {
	return pkPrefixBucket + bucket
}

// objectSK returns the sort key for an object key.
func objectSK(key string) string {
	return skPrefixKey + key
}

func (s *DynamoStore) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: bucketPK(s.bucket)},
		"SK": &types.AttributeValueMemberS{Value: objectSK(key)},
	}
}

func (s *DynamoStore) Put(ctx context.Context, key string, data []byte) error {
	item := s.itemKey(key)
	item["body"] = &types.AttributeValueMemberS{Value: string(data)}

	_, err := s.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("blob: dynamodb put %q: %w", key, err)
	}
	return nil
}

func (s *DynamoStore) Get(ctx context.Context, key string) ([]byte, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            s.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("blob: dynamodb get %q: %w", key, err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	body, err := strAttr(out.Item, "body")
	if err != nil {
		return nil, fmt.Errorf("blob: dynamodb get %q: %w", key, err)
	}
	return []byte(body), nil
}

func (s *DynamoStore) List(ctx context.Context, prefix string) ([]string, error) {
	in := &dynamodb.QueryInput{
		TableName:              aws.String(s.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: bucketPK(s.bucket)},
			":prefix": &types.AttributeValueMemberS{Value: objectSK(prefix)},
		},
		ProjectionExpression: aws.String("SK"),
	}

	keys := make([]string, 0)
	for {
		out, err := s.api.Query(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("blob: dynamodb list %q: %w", prefix, err)
		}
		for _, item := range out.Items {
			sk, err := strAttr(item, "SK")
			if err != nil {
				return nil, fmt.Errorf("blob: dynamodb list %q: %w", prefix, err)
			}
			keys = append(keys, strings.TrimPrefix(sk, skPrefixKey))
		}
		if len(out.LastEvaluatedKey) == 0 {
			return keys, nil
		}
		in.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func (s *DynamoStore) Delete(ctx context.Context, key string) error {
	_, err := s.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       s.itemKey(key),
	})
	if err != nil {
		return fmt.Errorf("blob: dynamodb delete %q: %w", key, err)
	}
	return nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("attribute %q is not a string", key)
	}
	return s.Value, nil
}

var _ Store = (*DynamoStore)(nil)
