package state

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/picklr-io/lampstack/internal/ir"
)

const defaultS3Key = "lampstack/state.yaml"

type s3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

type dynamoAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// s3Backend implements Backend for AWS S3 + optional DynamoDB locking.
type s3Backend struct {
	bucket        string
	key           string
	region        string
	dynamoDBTable string
	encrypt       bool
	profile       string

	s3Client s3API
	dbClient dynamoAPI
	lockID   string
}

// parseS3Config applies defaults and the workspace key prefix.
func parseS3Config(config map[string]string, workspace string) (*s3Backend, error) {
	bucket := config["bucket"]
	if bucket == "" {
		return nil, fmt.Errorf("s3 backend requires 'bucket' configuration")
	}

	key := config["key"]
	if key == "" {
		key = defaultS3Key
	}
	if workspace != "" && workspace != DefaultWorkspace {
		key = path.Join("env:", workspace, key)
	}

	region := config["region"]
	if region == "" {
		region = "us-east-1"
	}

	return &s3Backend{
		bucket:        bucket,
		key:           key,
		region:        region,
		dynamoDBTable: config["dynamodb_table"],
		encrypt:       config["encrypt"] == "true",
		profile:       config["profile"],
	}, nil
}

func newS3Backend(ctx context.Context, config map[string]string, workspace string) (Backend, error) {
	b, err := parseS3Config(config, workspace)
	if err != nil {
		return nil, err
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(b.region)}
	if b.profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(b.profile))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 backend: unable to load AWS config: %w", err)
	}

	b.s3Client = s3.NewFromConfig(cfg)
	if b.dynamoDBTable != "" {
		b.dbClient = dynamodb.NewFromConfig(cfg)
	}
	return b, nil
}

func (b *s3Backend) location() string {
	return "s3://" + b.bucket + "/" + b.key
}

func (b *s3Backend) Read(ctx context.Context) (*ir.State, error) {
	result, err := b.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key),
	})
	if err != nil {
		var nsk *s3types.NoSuchKey
		if errors.As(err, &nsk) {
			return New(), nil
		}
		return nil, fmt.Errorf("failed to read state from %s: %w", b.location(), err)
	}
	defer result.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(result.Body); err != nil {
		return nil, fmt.Errorf("failed to read S3 object body: %w", err)
	}

	state, err := Decode(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to parse remote state: %w", err)
	}
	return state, nil
}

func (b *s3Backend) Write(ctx context.Context, state *ir.State) error {
	content, err := Encode(state)
	if err != nil {
		return err
	}

	input := &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(b.key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String("application/yaml"),
	}
	if b.encrypt {
		input.ServerSideEncryption = s3types.ServerSideEncryptionAes256
	}

	if _, err := b.s3Client.PutObject(ctx, input); err != nil {
		return fmt.Errorf("failed to write state to %s: %w", b.location(), err)
	}
	return nil
}

// Lock writes a lock item conditioned on none existing. Without a table
// there is no locking.
func (b *s3Backend) Lock(ctx context.Context) error {
	if b.dbClient == nil {
		return nil
	}

	info := newLockInfo()
	raw, err := json.Marshal(info)
	if err != nil {
		return err
	}
	_, err = b.dbClient.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Item: map[string]dbtypes.AttributeValue{
			"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
			"ID":     &dbtypes.AttributeValueMemberS{Value: info.ID},
			"Info":   &dbtypes.AttributeValueMemberS{Value: string(raw)},
		},
		ConditionExpression:                 aws.String("attribute_not_exists(LockID)"),
		ReturnValuesOnConditionCheckFailure: dbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *dbtypes.ConditionalCheckFailedException
	switch {
	case errors.As(err, &ccf):
		return &LockError{
			Holder: lockHolder(ccf.Item),
			Hint:   fmt.Sprintf("Run 'lampstack state unlock' if no other run is active (LockID %q in table %q)", b.lockKey(), b.dynamoDBTable),
		}
	case err != nil:
		return fmt.Errorf("failed to acquire lock: %w", err)
	}
	b.lockID = info.ID
	return nil
}

// Unlock deletes the lock item if it is still the one this backend wrote.
func (b *s3Backend) Unlock(ctx context.Context) error {
	if b.dbClient == nil || b.lockID == "" {
		return nil
	}
	_, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(b.dynamoDBTable),
		Key:                 b.lockItemKey(),
		ConditionExpression: aws.String("ID = :id"),
		ExpressionAttributeValues: map[string]dbtypes.AttributeValue{
			":id": &dbtypes.AttributeValueMemberS{Value: b.lockID},
		},
		ReturnValuesOnConditionCheckFailure: dbtypes.ReturnValuesOnConditionCheckFailureAllOld,
	})
	var ccf *dbtypes.ConditionalCheckFailedException
	switch {
	case errors.As(err, &ccf):
		if len(ccf.Item) == 0 {
			b.lockID = ""
			return nil
		}
		return &LockError{Holder: lockHolder(ccf.Item), Hint: "the lock was taken over while this run held it"}
	case err != nil:
		return fmt.Errorf("failed to release lock: %w", err)
	}
	b.lockID = ""
	return nil
}

func (b *s3Backend) ForceUnlock(ctx context.Context) error {
	if b.dbClient == nil {
		return nil
	}
	if _, err := b.dbClient.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.dynamoDBTable),
		Key:       b.lockItemKey(),
	}); err != nil {
		return fmt.Errorf("failed to remove lock: %w", err)
	}
	b.lockID = ""
	return nil
}

func (b *s3Backend) lockItemKey() map[string]dbtypes.AttributeValue {
	return map[string]dbtypes.AttributeValue{
		"LockID": &dbtypes.AttributeValueMemberS{Value: b.lockKey()},
	}
}

func lockHolder(item map[string]dbtypes.AttributeValue) *LockInfo {
	v, ok := item["Info"].(*dbtypes.AttributeValueMemberS)
	if !ok {
		return nil
	}
	var info LockInfo
	if json.Unmarshal([]byte(v.Value), &info) != nil {
		return nil
	}
	return &info
}

func (b *s3Backend) lockKey() string {
	return b.bucket + "/" + b.key
}
