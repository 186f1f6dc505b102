package cost

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// DynamoAPI is the subset of the DynamoDB client the ledger uses.
type DynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// DynamoConfig locates the spend table.
type DynamoConfig struct {
	Table    string `yaml:"table" toml:"table" json:"table"`
	Region   string `yaml:"region" toml:"region" json:"region"`
	Endpoint string `yaml:"endpoint" toml:"endpoint" json:"endpoint"`
}

// Attribute names of the spend table.
const (
	dynamoKeyAttr   = "scope_window"
	dynamoSpentAttr = "spent_usd"
)

// DynamoLedger keeps spend in a DynamoDB table so several replicas enforce
// one set of scope budgets. Increments use an atomic ADD update.
//
// Table schema: partition key scope_window (string), no sort key.
//
//	aws dynamodb create-table \
//	  --table-name enhance-spend \
//	  --attribute-definitions AttributeName=scope_window,AttributeType=S \
//	  --key-schema AttributeName=scope_window,KeyType=HASH \
//	  --billing-mode PAY_PER_REQUEST
type DynamoLedger struct {
	client DynamoAPI
	table  string
}

// NewDynamoLedger wraps an existing client.
func NewDynamoLedger(client DynamoAPI, table string) (*DynamoLedger, error) {
	if strings.TrimSpace(table) == "" {
		return nil, fmt.Errorf("cost: dynamodb table is required")
	}
	return &DynamoLedger{client: client, table: table}, nil
}

// OpenDynamoLedger builds a client from the default AWS credential chain.
func OpenDynamoLedger(ctx context.Context, cfg DynamoConfig) (*DynamoLedger, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewDynamoLedger(client, cfg.Table)
}

func (l *DynamoLedger) itemKey(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		dynamoKeyAttr: &types.AttributeValueMemberS{Value: key},
	}
}

// Spent implements Ledger.
func (l *DynamoLedger) Spent(ctx context.Context, key string) (float64, error) {
	out, err := l.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(l.table),
		Key:            l.itemKey(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("read spend for %s: %w", key, err)
	}
	return spentFrom(out.Item, key)
}

// Add implements Ledger.
func (l *DynamoLedger) Add(ctx context.Context, key string, delta float64) (float64, error) {
	out, err := l.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:        aws.String(l.table),
		Key:              l.itemKey(key),
		UpdateExpression: aws.String("ADD #spent :delta"),
		ExpressionAttributeNames: map[string]string{
			"#spent": dynamoSpentAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":delta": &types.AttributeValueMemberN{Value: strconv.FormatFloat(delta, 'g', -1, 64)},
		},
		ReturnValues: types.ReturnValueUpdatedNew,
	})
	if err != nil {
		return 0, fmt.Errorf("record spend for %s: %w", key, err)
	}
	return spentFrom(out.Attributes, key)
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (l *DynamoLedger) Close() error { return nil }

func spentFrom(item map[string]types.AttributeValue, key string) (float64, error) {
	if item == nil {
		return 0, nil
	}
	raw, ok := item[dynamoSpentAttr]
	if !ok {
		return 0, nil
	}
	n, ok := raw.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("spend for %s: %s is not a number", key, dynamoSpentAttr)
	}
	v, err := strconv.ParseFloat(n.Value, 64)
	if err != nil {
		return 0, fmt.Errorf("spend for %s: %w", key, err)
	}
	return v, nil
}
