package dynamo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/remote"
)

const keyAttribute = "id"

// Table is a DynamoDB table holding one entity type keyed by "id", with a
// global secondary index on the attribute matching Entity.Index.
type Table[T entity.Entity] struct {
	api       DynamoDBAPI
	name      string
	indexName string
	indexAttr string
	logger    *slog.Logger
}

var _ remote.Store[entity.Product] = (*Table[entity.Product])(nil)

func newTable[T entity.Entity](api DynamoDBAPI, name, indexName, indexAttr string, logger *slog.Logger) *Table[T] {
	return &Table[T]{
		api:       api,
		name:      name,
		indexName: indexName,
		indexAttr: indexAttr,
		logger:    logger,
	}
}

// Name returns the table name.
func (t *Table[T]) Name() string { return t.name }

// Create writes v, replacing any item with the same key.
func (t *Table[T]) Create(ctx context.Context, v T) error {
	return t.put(ctx, v)
}

// Update writes v, replacing any item with the same key.
func (t *Table[T]) Update(ctx context.Context, v T) error {
	return t.put(ctx, v)
}

func (t *Table[T]) put(ctx context.Context, v T) error {
	item, err := attributevalue.MarshalMap(v)
	if err != nil {
		return syncErrors.NewSerializationError(syncErrors.OpRemote, fmt.Errorf("marshal %s item: %w", t.name, err))
	}
	_, err = t.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(t.name),
		Item:      item,
	})
	if err != nil {
		return classify(syncErrors.OpRemote, err)
	}
	t.logger.DebugContext(ctx, "Item written",
		slog.String("table", t.name),
		slog.String("key", v.Key()),
	)
	return nil
}

// Get reads the item stored under key or returns remote.ErrNotFound.
func (t *Table[T]) Get(ctx context.Context, key string) (T, error) {
	var v T
	out, err := t.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(t.name),
		Key:            itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return v, classify(syncErrors.OpRemote, err)
	}
	if len(out.Item) == 0 {
		return v, remote.ErrNotFound
	}
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return v, syncErrors.NewSerializationError(syncErrors.OpRemote, fmt.Errorf("unmarshal %s item: %w", t.name, err))
	}
	return v, nil
}

// List queries the secondary index when filter.Index is set and scans the
// table otherwise, following every page until filter.Limit is reached.
func (t *Table[T]) List(ctx context.Context, filter remote.Filter) ([]T, error) {
	var (
		out   []T
		items []map[string]types.AttributeValue
	)

	appendPage := func(page []map[string]types.AttributeValue) bool {
		items = append(items, page...)
		return filter.Limit > 0 && len(items) >= filter.Limit
	}

	if filter.Index != "" && t.indexName != "" {
		p := dynamodb.NewQueryPaginator(t.api, &dynamodb.QueryInput{
			TableName:                aws.String(t.name),
			IndexName:                aws.String(t.indexName),
			KeyConditionExpression:   aws.String("#k = :v"),
			ExpressionAttributeNames: map[string]string{"#k": t.indexAttr},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":v": &types.AttributeValueMemberS{Value: filter.Index},
			},
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, classify(syncErrors.OpRemote, err)
			}
			if appendPage(page.Items) {
				break
			}
		}
	} else {
		p := dynamodb.NewScanPaginator(t.api, &dynamodb.ScanInput{
			TableName: aws.String(t.name),
		})
		for p.HasMorePages() {
			page, err := p.NextPage(ctx)
			if err != nil {
				return nil, classify(syncErrors.OpRemote, err)
			}
			if appendPage(page.Items) {
				break
			}
		}
	}

	if filter.Limit > 0 && len(items) > filter.Limit {
		items = items[:filter.Limit]
	}
	if err := attributevalue.UnmarshalListOfMaps(items, &out); err != nil {
		return nil, syncErrors.NewSerializationError(syncErrors.OpRemote, fmt.Errorf("unmarshal %s items: %w", t.name, err))
	}
	return out, nil
}

// Delete removes the item stored under key. A missing item is not an error.
func (t *Table[T]) Delete(ctx context.Context, key string) error {
	_, err := t.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(t.name),
		Key:       itemKey(key),
	})
	return classify(syncErrors.OpRemote, err)
}

func itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyAttribute: &types.AttributeValueMemberS{Value: key},
	}
}

// schema returns the CreateTable input for the table and its index.
func (t *Table[T]) schema() *dynamodb.CreateTableInput {
	in := &dynamodb.CreateTableInput{
		TableName:   aws.String(t.name),
		BillingMode: types.BillingModePayPerRequest,
		AttributeDefinitions: []types.AttributeDefinition{
			{AttributeName: aws.String(keyAttribute), AttributeType: types.ScalarAttributeTypeS},
		},
		KeySchema: []types.KeySchemaElement{
			{AttributeName: aws.String(keyAttribute), KeyType: types.KeyTypeHash},
		},
	}
	if t.indexName != "" {
		in.AttributeDefinitions = append(in.AttributeDefinitions, types.AttributeDefinition{
			AttributeName: aws.String(t.indexAttr), AttributeType: types.ScalarAttributeTypeS,
		})
		in.GlobalSecondaryIndexes = []types.GlobalSecondaryIndex{{
			IndexName: aws.String(t.indexName),
			KeySchema: []types.KeySchemaElement{
				{AttributeName: aws.String(t.indexAttr), KeyType: types.KeyTypeHash},
			},
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}}
	}
	return in
}
