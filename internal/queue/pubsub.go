// Package queue provides the Pub/Sub-backed job queue for distributed
// runs. Oneshot runs use the in-memory queue in the memory subpackage.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// PubSub carries crawl jobs over a Google Cloud Pub/Sub topic and
// subscription. Enqueue publishes synchronously so a confirmed enqueue is
// durable; Dequeue is fed by a background Receive loop.
type PubSub struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	jobs   chan crawler.JobPayload
	logger *zap.Logger

	cancelReceive context.CancelFunc
	receiveDone   chan struct{}

	closeMu sync.Mutex
	closed  bool
}

// NewPubSub connects the client, verifies the topic and subscription and
// starts the receive loop.
func NewPubSub(ctx context.Context, projectID, topicID, subscriptionID string, logger *zap.Logger) (*PubSub, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("queue: create pubsub client: %w", err)
	}

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: check topic %s: %w", topicID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("queue: topic %s does not exist in project %s", topicID, projectID)
	}

	sub := client.Subscription(subscriptionID)
	exists, err = sub.Exists(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("queue: check subscription %s: %w", subscriptionID, err)
	}
	if !exists {
		_ = client.Close()
		return nil, fmt.Errorf("queue: subscription %s does not exist in project %s", subscriptionID, projectID)
	}

	receiveCtx, cancel := context.WithCancel(context.Background())
	q := &PubSub{
		client:        client,
		topic:         topic,
		jobs:          make(chan crawler.JobPayload, 64),
		logger:        logger,
		cancelReceive: cancel,
		receiveDone:   make(chan struct{}),
	}

	go func() {
		defer close(q.receiveDone)
		err := sub.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			job, err := decodeJob(msg.Data)
			if err != nil {
				// A malformed message would redeliver forever; drop it.
				logger.Warn("dropping undecodable job message", zap.Error(err))
				msg.Ack()
				return
			}
			select {
			case q.jobs <- job:
				msg.Ack()
			case <-receiveCtx.Done():
				msg.Nack()
			}
		})
		if err != nil && receiveCtx.Err() == nil {
			logger.Error("pubsub receive loop ended", zap.Error(err))
		}
	}()

	return q, nil
}

// Enqueue publishes one job and waits for the server acknowledgement.
func (q *PubSub) Enqueue(ctx context.Context, job crawler.JobPayload) error {
	q.closeMu.Lock()
	if q.closed {
		q.closeMu.Unlock()
		return crawler.ErrQueueClosed
	}
	q.closeMu.Unlock()

	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: data,
		Attributes: map[string]string{
			"job_type": string(job.Type),
			"run_id":   job.RunID,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return fmt.Errorf("queue: publish %s job: %w", job.Type, err)
	}
	return nil
}

// Dequeue returns the next received job.
func (q *PubSub) Dequeue(ctx context.Context) (crawler.JobPayload, error) {
	select {
	case <-ctx.Done():
		return crawler.JobPayload{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.jobs:
		if !ok {
			return crawler.JobPayload{}, crawler.ErrQueueClosed
		}
		return job, nil
	}
}

// Closed reports whether Close has been called; the readiness probe uses it.
func (q *PubSub) Closed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}

// Close stops publishing and receiving and releases the client.
func (q *PubSub) Close() error {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true

	q.topic.Stop()
	q.cancelReceive()
	<-q.receiveDone
	close(q.jobs)
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("queue: close pubsub client: %w", err)
	}
	return nil
}

func encodeJob(job crawler.JobPayload) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("queue: encode job: %w", err)
	}
	return data, nil
}

func decodeJob(data []byte) (crawler.JobPayload, error) {
	var job crawler.JobPayload
	if err := json.Unmarshal(data, &job); err != nil {
		return crawler.JobPayload{}, fmt.Errorf("queue: decode job: %w", err)
	}
	if job.Type == "" {
		return crawler.JobPayload{}, fmt.Errorf("queue: job message without type")
	}
	return job, nil
}
