package cache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/benbjohnson/clock"
	"github.com/picklr-io/pantry/internal/ir"
)

// DynamoAPI is the part of the DynamoDB client the lock uses.
type DynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoLock is a reconcile lock shared between hosts, held as an item
// in a DynamoDB table keyed by LockID.
type DynamoLock struct {
	client DynamoAPI
	table  string
	key    string
	owner  string
	clock  clock.Clock
}

// NewDynamoLock loads the default AWS configuration and returns a lock on key.
func NewDynamoLock(ctx context.Context, cfg *ir.LockConfig, key string) (*DynamoLock, error) {
	if cfg == nil || cfg.DynamoDBTable == "" {
		return nil, fmt.Errorf("dynamodb lock requires a table")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	var opts []func(*awsconfig.LoadOptions) error
	opts = append(opts, awsconfig.WithRegion(region))
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS config: %w", err)
	}
	return NewDynamoLockWithClient(dynamodb.NewFromConfig(awsCfg), cfg.DynamoDBTable, key, nil), nil
}

// NewDynamoLockWithClient returns a lock using client. A nil clock uses the wall clock.
func NewDynamoLockWithClient(client DynamoAPI, table, key string, c clock.Clock) *DynamoLock {
	if c == nil {
		c = clock.New()
	}
	return &DynamoLock{client: client, table: table, key: key, clock: c}
}

func (l *DynamoLock) Lock(ctx context.Context) error {
	l.owner = fmt.Sprintf("pantry-%d-%d", os.Getpid(), l.clock.Now().UnixNano())

	_, err := l.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(l.table),
		Item: map[string]dbtypes.AttributeValue{
			"LockID":  &dbtypes.AttributeValueMemberS{Value: l.key},
			"Info":    &dbtypes.AttributeValueMemberS{Value: l.owner},
			"Created": &dbtypes.AttributeValueMemberS{Value: l.clock.Now().UTC().Format(time.RFC3339)},
		},
		ConditionExpression: aws.String("attribute_not_exists(LockID)"),
	})
	if err != nil {
		var ccf *dbtypes.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			l.owner = ""
			return fmt.Errorf("%w. If this is an error, manually delete the item with LockID=%q from DynamoDB table %q",
				ErrLocked, l.key, l.table)
		}
		l.owner = ""
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	return nil
}

// Unlock deletes the lock item if this lock still owns it.
func (l *DynamoLock) Unlock(ctx context.Context) error {
	if l.owner == "" {
		return nil
	}
	_, err := l.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(l.table),
		Key: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: l.key},
		},
		ConditionExpression: aws.String("Info = :owner"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":owner": &dbtypes.AttributeValueMemberS{Value: l.owner},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	l.owner = ""
	return nil
}
