package bootstrap

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/smithy-go"
)

// PutLogEvents limits.
const (
	maxBatchEvents = 10000
	maxBatchBytes  = 1 << 20
	eventOverhead  = 26
)

type logsAPI interface {
	CreateLogStream(ctx context.Context, in *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, in *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// CloudWatchWriter buffers log lines and ships them to a log stream. Each
// Write is one event, which matches how slog handlers emit records. Shipping
// failures never block logging; the first one is returned from Close.
type CloudWatchWriter struct {
	client logsAPI
	group  string
	stream string

	mu      sync.Mutex
	events  []types.InputLogEvent
	size    int
	created bool
	err     error
	now     func() time.Time
}

func NewCloudWatchWriter(cfg aws.Config, group, stream string) *CloudWatchWriter {
	return newCloudWatchWriter(cloudwatchlogs.NewFromConfig(cfg), group, stream)
}

func newCloudWatchWriter(client logsAPI, group, stream string) *CloudWatchWriter {
	return &CloudWatchWriter{client: client, group: group, stream: stream, now: time.Now}
}

func (w *CloudWatchWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\n"))
	if msg == "" {
		return len(p), nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.size+len(msg)+eventOverhead > maxBatchBytes || len(w.events) >= maxBatchEvents {
		w.flushLocked(context.Background())
	}
	w.events = append(w.events, types.InputLogEvent{
		Message:   aws.String(msg),
		Timestamp: aws.Int64(w.now().UnixMilli()),
	})
	w.size += len(msg) + eventOverhead
	return len(p), nil
}

// Flush sends buffered events.
func (w *CloudWatchWriter) Flush(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked(ctx)
	return w.err
}

// Close flushes and reports the first shipping error.
func (w *CloudWatchWriter) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return w.Flush(ctx)
}

func (w *CloudWatchWriter) flushLocked(ctx context.Context) {
	if len(w.events) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	// A failed batch is dropped rather than retried so the buffer stays bounded.
	defer func() { w.events, w.size = nil, 0 }()

	if !w.created {
		_, err := w.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
			LogGroupName:  aws.String(w.group),
			LogStreamName: aws.String(w.stream),
		})
		var ae smithy.APIError
		if err != nil && !(errors.As(err, &ae) && ae.ErrorCode() == "ResourceAlreadyExistsException") {
			w.record(err)
			return
		}
		w.created = true
	}

	_, err := w.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
		LogGroupName:  aws.String(w.group),
		LogStreamName: aws.String(w.stream),
		LogEvents:     w.events,
	})
	if err != nil {
		w.record(err)
	}
}

func (w *CloudWatchWriter) record(err error) {
	if w.err == nil {
		w.err = err
	}
}
