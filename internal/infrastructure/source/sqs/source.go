package sqs

import (
	"context"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/sequence-correlator/internal/domain/event"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/config"
	"github.com/davidleathers/sequence-correlator/internal/infrastructure/telemetry"
)

// maxReceive is the SQS per-call message limit
const maxReceive = 10

// API is the subset of *sqs.Client the source uses
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessageBatch(ctx context.Context, params *sqs.DeleteMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageBatchOutput, error)
}

// NewClient builds an SQS client from the source configuration. A custom
// endpoint (LocalStack, ElasticMQ) falls back to dummy credentials when none
// are configured.
func NewClient(ctx context.Context, cfg config.SourceConfig) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}

	switch {
	case cfg.AccessKeyID != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	case cfg.Endpoint != "":
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("dummy", "dummy", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

// Source drains an SQS queue of JSON events, one message per event
type Source struct {
	api         API
	queueURL    string
	batchSize   int
	waitSeconds int32
	logger      *zap.Logger
	tracer      trace.Tracer
}

// NewSource reads up to batchSize messages per Fetch from queueURL
func NewSource(api API, queueURL string, batchSize int, waitSeconds int32, logger *zap.Logger) *Source {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Source{
		api:         api,
		queueURL:    queueURL,
		batchSize:   batchSize,
		waitSeconds: waitSeconds,
		logger:      logger.Named("sqs").With(zap.String("queue_url", queueURL)),
		tracer:      otel.Tracer("source.sqs"),
	}
}

// Fetch receives until the batch is full or the queue is drained. Only the
// first receive long-polls. Messages that are not JSON objects are deleted
// with a warning so they do not come back.
func (s *Source) Fetch(ctx context.Context) ([]event.Event, error) {
	ctx, span := telemetry.StartMessagingSpan(ctx, s.tracer, "sqs", "receive", s.queueURL)
	defer span.End()

	var (
		batch []event.Event
		wait  = s.waitSeconds
	)
	for len(batch) < s.batchSize {
		n := min(int32(s.batchSize-len(batch)), maxReceive)
		out, err := s.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(s.queueURL),
			MaxNumberOfMessages: n,
			WaitTimeSeconds:     wait,
		})
		if err != nil {
			telemetry.RecordError(span, err)
			if len(batch) > 0 {
				s.logger.Warn("Receive failed, returning partial batch", zap.Error(err))
				break
			}
			return nil, fmt.Errorf("failed to receive messages: %w", err)
		}
		if len(out.Messages) == 0 {
			break
		}
		wait = 0

		batch = append(batch, s.decode(out.Messages)...)
		if err := s.delete(ctx, out.Messages); err != nil {
			telemetry.RecordError(span, err)
			s.logger.Error("Failed to delete received messages", zap.Error(err))
		}
	}

	span.SetAttributes(attribute.Int("messaging.batch.message_count", len(batch)))
	return batch, nil
}

func (s *Source) decode(msgs []types.Message) []event.Event {
	events := make([]event.Event, 0, len(msgs))
	for _, msg := range msgs {
		ev, err := event.Decode([]byte(aws.ToString(msg.Body)))
		if err != nil {
			s.logger.Warn("Dropping undecodable message",
				zap.String("message_id", aws.ToString(msg.MessageId)),
				zap.Error(err))
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (s *Source) delete(ctx context.Context, msgs []types.Message) error {
	entries := make([]types.DeleteMessageBatchRequestEntry, len(msgs))
	for i, msg := range msgs {
		entries[i] = types.DeleteMessageBatchRequestEntry{
			Id:            aws.String(strconv.Itoa(i)),
			ReceiptHandle: msg.ReceiptHandle,
		}
	}

	out, err := s.api.DeleteMessageBatch(ctx, &sqs.DeleteMessageBatchInput{
		QueueUrl: aws.String(s.queueURL),
		Entries:  entries,
	})
	if err != nil {
		return fmt.Errorf("failed to delete messages: %w", err)
	}
	if len(out.Failed) > 0 {
		return fmt.Errorf("failed to delete %d of %d messages: %s",
			len(out.Failed), len(msgs), aws.ToString(out.Failed[0].Message))
	}
	return nil
}

// Close is a no-op; the SQS client holds no connection
func (s *Source) Close() error {
	return nil
}
