package dynamo

import (
	"context"
	"errors"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
)

// EnsureTables creates any missing table with its secondary index. It is meant
// for local development against LocalStack; production tables are provisioned
// separately.
func (c *Client) EnsureTables(ctx context.Context) error {
	inputs := []*dynamodb.CreateTableInput{
		newTable[entity.User](c.dynamo, c.tables.Users, emailIndex, "email", c.logger).schema(),
		newTable[entity.Product](c.dynamo, c.tables.Products, categoryIndex, "category", c.logger).schema(),
		newTable[entity.CartItem](c.dynamo, c.tables.Cart, userIDIndex, "user_id", c.logger).schema(),
	}
	for _, in := range inputs {
		_, err := c.dynamo.CreateTable(ctx, in)
		var inUse *types.ResourceInUseException
		switch {
		case errors.As(err, &inUse):
			c.logger.DebugContext(ctx, "Table already exists", slog.String("table", *in.TableName))
		case err != nil:
			return classify(syncErrors.OpConfig, err)
		default:
			c.logger.InfoContext(ctx, "Table created", slog.String("table", *in.TableName))
		}
	}
	return nil
}
