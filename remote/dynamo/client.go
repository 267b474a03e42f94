// Package dynamo implements the remote store on AWS: one DynamoDB table per
// collection, with users mirrored into a Cognito user pool.
//
// Basic usage:
//
//	client, err := dynamo.New(ctx,
//	    dynamo.WithRegion("us-east-1"),
//	    dynamo.WithUserPool("us-east-1_abc123"),
//	)
//	if err != nil {
//	    return err
//	}
//	backend := client.Backend()
package dynamo

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cognitoidentityprovider"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/c0deZ3R0/storefront-sync/entity"
	syncErrors "github.com/c0deZ3R0/storefront-sync/errors"
	"github.com/c0deZ3R0/storefront-sync/logging"
	"github.com/c0deZ3R0/storefront-sync/remote"
)

// DynamoDBAPI is the subset of the DynamoDB client used here. It is satisfied
// by *dynamodb.Client and by test mocks.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
}

// CognitoAPI is the subset of the Cognito identity provider client used here.
type CognitoAPI interface {
	AdminCreateUser(ctx context.Context, params *cognitoidentityprovider.AdminCreateUserInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.AdminCreateUserOutput, error)
	ListUsers(ctx context.Context, params *cognitoidentityprovider.ListUsersInput, optFns ...func(*cognitoidentityprovider.Options)) (*cognitoidentityprovider.ListUsersOutput, error)
}

// Tables names the DynamoDB table of each collection.
type Tables struct {
	Users    string
	Products string
	Cart     string
}

// DefaultTables returns the table names used by the storefront deployment.
func DefaultTables() Tables {
	return Tables{Users: "Users", Products: "Products", Cart: "Cart"}
}

const (
	emailIndex    = "email-index"
	categoryIndex = "category-index"
	userIDIndex   = "user_id-index"
)

type options struct {
	region     string
	endpoint   string
	maxRetries int
	tables     Tables
	userPoolID string
	logger     *slog.Logger
	awsConfig  *aws.Config
	dynamo     DynamoDBAPI
	cognito    CognitoAPI
}

// Option configures a Client.
type Option func(*options)

// WithRegion sets the AWS region. Defaults to the credential chain's region,
// then us-east-1.
func WithRegion(region string) Option {
	return func(o *options) { o.region = region }
}

// WithEndpoint points both services at a custom endpoint such as LocalStack
// and switches to anonymous credentials.
func WithEndpoint(endpoint string) Option {
	return func(o *options) { o.endpoint = endpoint }
}

// WithMaxRetries sets the SDK retry attempts. Default is 3.
func WithMaxRetries(maxRetries int) Option {
	return func(o *options) { o.maxRetries = maxRetries }
}

// WithTables overrides the table names. Empty fields keep their default.
func WithTables(t Tables) Option {
	return func(o *options) {
		if t.Users != "" {
			o.tables.Users = t.Users
		}
		if t.Products != "" {
			o.tables.Products = t.Products
		}
		if t.Cart != "" {
			o.tables.Cart = t.Cart
		}
	}
}

// WithUserPool enables mirroring users into the given Cognito user pool.
func WithUserPool(poolID string) Option {
	return func(o *options) { o.userPoolID = poolID }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAWSConfig uses cfg instead of loading the default configuration.
func WithAWSConfig(cfg *aws.Config) Option {
	return func(o *options) { o.awsConfig = cfg }
}

// WithDynamoDBAPI injects the DynamoDB client, mainly for tests.
func WithDynamoDBAPI(api DynamoDBAPI) Option {
	return func(o *options) { o.dynamo = api }
}

// WithCognitoAPI injects the Cognito client, mainly for tests.
func WithCognitoAPI(api CognitoAPI) Option {
	return func(o *options) { o.cognito = api }
}

// Client owns the AWS clients and hands out typed collections.
type Client struct {
	dynamo     DynamoDBAPI
	cognito    CognitoAPI
	tables     Tables
	userPoolID string
	logger     *slog.Logger
}

// New builds a Client. AWS configuration is loaded only when a service client
// was not injected.
func New(ctx context.Context, opts ...Option) (*Client, error) {
	o := &options{
		maxRetries: 3,
		tables:     DefaultTables(),
		logger:     logging.WithComponent(logging.ComponentRemote).Logger,
	}
	for _, opt := range opts {
		opt(o)
	}

	needCognito := o.userPoolID != "" && o.cognito == nil
	if o.dynamo == nil || needCognito {
		cfg, err := loadConfig(ctx, o)
		if err != nil {
			return nil, syncErrors.NewWithComponent(syncErrors.OpConfig, "remote/dynamo", err)
		}
		if o.dynamo == nil {
			o.dynamo = dynamodb.NewFromConfig(cfg, func(d *dynamodb.Options) {
				if o.endpoint != "" {
					d.BaseEndpoint = aws.String(o.endpoint)
				}
			})
		}
		if needCognito {
			o.cognito = cognitoidentityprovider.NewFromConfig(cfg, func(c *cognitoidentityprovider.Options) {
				if o.endpoint != "" {
					c.BaseEndpoint = aws.String(o.endpoint)
				}
			})
		}
	}

	o.logger.InfoContext(ctx, "DynamoDB remote store configured",
		slog.String("users_table", o.tables.Users),
		slog.String("products_table", o.tables.Products),
		slog.String("cart_table", o.tables.Cart),
		slog.Bool("cognito_enabled", o.userPoolID != ""),
		slog.String("endpoint", o.endpoint),
	)

	return &Client{
		dynamo:     o.dynamo,
		cognito:    o.cognito,
		tables:     o.tables,
		userPoolID: o.userPoolID,
		logger:     o.logger,
	}, nil
}

func loadConfig(ctx context.Context, o *options) (aws.Config, error) {
	var cfg aws.Config
	if o.awsConfig != nil {
		cfg = *o.awsConfig
	} else {
		var loadOpts []func(*config.LoadOptions) error
		if o.endpoint != "" {
			loadOpts = append(loadOpts, config.WithCredentialsProvider(aws.AnonymousCredentials{}))
		}
		var err error
		cfg, err = config.LoadDefaultConfig(ctx, loadOpts...)
		if err != nil {
			return cfg, fmt.Errorf("failed to load AWS config: %w", err)
		}
	}

	if o.region != "" {
		cfg.Region = o.region
	} else if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	if o.maxRetries > 0 {
		cfg.RetryMaxAttempts = o.maxRetries
	}
	return cfg, nil
}

// Users returns the users collection, mirrored to Cognito when a pool is set.
func (c *Client) Users() remote.Store[entity.User] {
	return &userStore{
		Table:      newTable[entity.User](c.dynamo, c.tables.Users, emailIndex, "email", c.logger),
		cognito:    c.cognito,
		userPoolID: c.userPoolID,
	}
}

// Products returns the products collection.
func (c *Client) Products() remote.Store[entity.Product] {
	return newTable[entity.Product](c.dynamo, c.tables.Products, categoryIndex, "category", c.logger)
}

// Cart returns the cart collection.
func (c *Client) Cart() remote.Store[entity.CartItem] {
	return newTable[entity.CartItem](c.dynamo, c.tables.Cart, userIDIndex, "user_id", c.logger)
}

// Backend returns all collections with the client as the Pinger.
func (c *Client) Backend() remote.Backend {
	return remote.Backend{
		Users:    c.Users(),
		Products: c.Products(),
		Cart:     c.Cart(),
		Pinger:   c,
	}
}

// Ping lists one Cognito user when a pool is configured, or describes the
// products table otherwise.
func (c *Client) Ping(ctx context.Context) error {
	if c.userPoolID != "" && c.cognito != nil {
		_, err := c.cognito.ListUsers(ctx, &cognitoidentityprovider.ListUsersInput{
			UserPoolId: aws.String(c.userPoolID),
			Limit:      aws.Int32(1),
		})
		return classify(syncErrors.OpProbe, err)
	}
	_, err := c.dynamo.DescribeTable(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(c.tables.Products),
	})
	return classify(syncErrors.OpProbe, err)
}
