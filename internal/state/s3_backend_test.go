package state

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string][]byte
	last    *s3.PutObjectInput
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	body, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &s3types.NoSuchKey{Message: aws.String("not found")}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(body))}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = body
	f.last = in
	return &s3.PutObjectOutput{}, nil
}

type fakeDynamo struct {
	mu    sync.Mutex
	items map[string]map[string]dbtypes.AttributeValue
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Item["LockID"].(*dbtypes.AttributeValueMemberS).Value
	if old, ok := f.items[key]; ok {
		return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed"), Item: old}
	}
	f.items[key] = in.Item
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := in.Key["LockID"].(*dbtypes.AttributeValueMemberS).Value
	old, ok := f.items[key]
	if in.ConditionExpression != nil {
		want := in.ExpressionAttributeValues[":id"].(*dbtypes.AttributeValueMemberS).Value
		if !ok {
			return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed")}
		}
		if old["ID"].(*dbtypes.AttributeValueMemberS).Value != want {
			return nil, &dbtypes.ConditionalCheckFailedException{Message: aws.String("The conditional request failed"), Item: old}
		}
	}
	delete(f.items, key)
	return &dynamodb.DeleteItemOutput{}, nil
}

func TestParseS3Config(t *testing.T) {
	_, err := parseS3Config(map[string]string{}, "")
	assert.ErrorContains(t, err, "bucket")

	b, err := parseS3Config(map[string]string{"bucket": "my-bucket"}, "")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", b.bucket)
	assert.Equal(t, defaultS3Key, b.key)
	assert.Equal(t, "us-east-1", b.region)
	assert.Empty(t, b.dynamoDBTable)
	assert.False(t, b.encrypt)

	b, err = parseS3Config(map[string]string{
		"bucket":         "custom-bucket",
		"key":            "custom/state.yaml",
		"region":         "eu-west-1",
		"dynamodb_table": "locks",
		"encrypt":        "true",
		"profile":        "staging",
	}, "dev")
	require.NoError(t, err)
	assert.Equal(t, "env:/dev/custom/state.yaml", b.key)
	assert.Equal(t, "eu-west-1", b.region)
	assert.Equal(t, "locks", b.dynamoDBTable)
	assert.Equal(t, "staging", b.profile)
	assert.True(t, b.encrypt)
}

func TestS3Backend_ReadWrite(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "")
	fake := &fakeS3{objects: map[string][]byte{}}
	b, err := parseS3Config(map[string]string{"bucket": "b", "encrypt": "true"}, "")
	require.NoError(t, err)
	b.s3Client = fake
	ctx := context.Background()

	s, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Empty(t, s.Resources)
	assert.NotEmpty(t, s.Lineage)

	require.NoError(t, b.Write(ctx, sampleState()))
	assert.Equal(t, s3types.ServerSideEncryptionAes256, fake.last.ServerSideEncryption)

	got, err := b.Read(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)
}

func TestS3Backend_Lock(t *testing.T) {
	db := &fakeDynamo{items: map[string]map[string]dbtypes.AttributeValue{}}
	newBackend := func() *s3Backend {
		b, err := parseS3Config(map[string]string{"bucket": "b", "dynamodb_table": "locks"}, "")
		require.NoError(t, err)
		b.dbClient = db
		return b
	}
	first, second := newBackend(), newBackend()
	ctx := context.Background()

	require.NoError(t, first.Lock(ctx))
	err := second.Lock(ctx)
	require.ErrorIs(t, err, ErrLocked)
	var lerr *LockError
	require.ErrorAs(t, err, &lerr)
	require.NotNil(t, lerr.Holder)
	assert.Equal(t, first.lockID, lerr.Holder.ID)

	// releasing a lock it does not hold leaves the holder's lock in place
	require.NoError(t, second.Unlock(ctx))
	assert.ErrorIs(t, second.Lock(ctx), ErrLocked)

	require.NoError(t, first.Unlock(ctx))
	require.NoError(t, second.Lock(ctx))

	require.NoError(t, first.ForceUnlock(ctx))
	require.NoError(t, first.Lock(ctx))
	assert.ErrorIs(t, second.Unlock(ctx), ErrLocked, "lock was broken and retaken")
}

func TestS3Backend_NoTableNoLock(t *testing.T) {
	b, err := parseS3Config(map[string]string{"bucket": "b"}, "")
	require.NoError(t, err)
	assert.NoError(t, b.Lock(context.Background()))
	assert.NoError(t, b.Unlock(context.Background()))
}
