package bootstrap

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLogs struct {
	streams  int
	existing bool
	batches  [][]string
	putErr   error
}

func (f *fakeLogs) CreateLogStream(_ context.Context, _ *cloudwatchlogs.CreateLogStreamInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error) {
	f.streams++
	if f.existing {
		return nil, &smithy.GenericAPIError{Code: "ResourceAlreadyExistsException"}
	}
	return &cloudwatchlogs.CreateLogStreamOutput{}, nil
}

func (f *fakeLogs) PutLogEvents(_ context.Context, in *cloudwatchlogs.PutLogEventsInput, _ ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	var msgs []string
	for _, e := range in.LogEvents {
		msgs = append(msgs, aws.ToString(e.Message))
	}
	f.batches = append(f.batches, msgs)
	return &cloudwatchlogs.PutLogEventsOutput{}, nil
}

func TestCloudWatchWriter(t *testing.T) {
	client := &fakeLogs{existing: true}
	w := newCloudWatchWriter(client, "/lampstack/blog", "i-123")
	w.now = func() time.Time { return time.Unix(1700000000, 0) }

	log := slog.New(slog.NewJSONHandler(w, nil))
	log.Info("step started", "step", "install-packages")
	log.Info("step finished", "step", "install-packages")

	require.NoError(t, w.Flush(context.Background()))
	require.Len(t, client.batches, 1)
	assert.Len(t, client.batches[0], 2)
	assert.Contains(t, client.batches[0][0], `"msg":"step started"`)

	log.Info("again")
	require.NoError(t, w.Close())
	assert.Len(t, client.batches, 2)
	assert.Equal(t, 1, client.streams, "stream is created once")

	require.NoError(t, w.Flush(context.Background()), "empty flush is a no-op")
	assert.Len(t, client.batches, 2)
}

func TestCloudWatchWriter_ErrorsSurfaceOnClose(t *testing.T) {
	client := &fakeLogs{putErr: &smithy.GenericAPIError{Code: "AccessDeniedException"}}
	w := newCloudWatchWriter(client, "g", "s")

	_, err := w.Write([]byte("line\n"))
	require.NoError(t, err)
	assert.ErrorContains(t, w.Close(), "AccessDeniedException")
	assert.Empty(t, w.events)
}
