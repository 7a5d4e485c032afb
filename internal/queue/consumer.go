package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/your-org/snapflow/internal/models"
)

// TaskHandler processes one photo task. A nil return acks the message; an
// error naks it for a delayed redelivery.
type TaskHandler func(ctx context.Context, task models.PhotoTask) error

// EventHandler receives analysis outcomes.
type EventHandler func(ctx context.Context, ev models.AnalysisEvent) error

const maxDeliver = 5

// redeliveryBackoff spaces out redeliveries of unacked tasks. The first step
// is the ack wait; handlers report progress well inside it.
var redeliveryBackoff = []time.Duration{
	3 * time.Minute,
	5 * time.Minute,
	10 * time.Minute,
	20 * time.Minute,
}

// progressInterval is how often a running task tells JetStream it is still
// being worked on. It must stay below redeliveryBackoff[0].
const progressInterval = 30 * time.Second

// nakDelays are used when a worker gives up on a task explicitly.
var nakDelays = []time.Duration{
	10 * time.Second,
	time.Minute,
	5 * time.Minute,
	15 * time.Minute,
}

type Consumer struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewConsumer(natsURL string) (*Consumer, error) {
	nc, js, err := connect(natsURL)
	if err != nil {
		return nil, err
	}
	return &Consumer{nc: nc, js: js}, nil
}

// ConsumePhotos starts consuming photo tasks from the PHOTOS stream.
// workerCount determines how many goroutines process messages concurrently.
func (c *Consumer) ConsumePhotos(ctx context.Context, consumerName string, handler TaskHandler, workerCount int) error {
	stream, err := c.js.Stream(ctx, PhotosStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", PhotosStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    maxDeliver,
		BackOff:       redeliveryBackoff,
		FilterSubject: PhotosSubjectBase + ".>",
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	msgCh := make(chan jetstream.Msg, workerCount*2)

	go func() {
		defer close(msgCh)
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(workerCount, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				slog.Warn("fetch photo tasks error", "error", err)
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				select {
				case msgCh <- msg:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	for i := 0; i < workerCount; i++ {
		go func(workerID int) {
			for msg := range msgCh {
				handleTask(ctx, workerID, msg, handler, progressInterval)
			}
		}(i)
	}

	slog.Info("photo consumer started", "consumer", consumerName, "workers", workerCount)
	return nil
}

func handleTask(ctx context.Context, workerID int, msg jetstream.Msg, handler TaskHandler, every time.Duration) {
	var task models.PhotoTask
	if err := json.Unmarshal(msg.Data(), &task); err != nil {
		slog.Error("decode photo task", "worker", workerID, "error", err, "subject", msg.Subject())
		_ = msg.Term()
		return
	}

	stop := keepInProgress(msg, every, task.PhotoID)
	err := handler(ctx, task)
	stop()

	if err != nil {
		delay := nakDelays[0]
		if md, mdErr := msg.Metadata(); mdErr == nil && md.NumDelivered > 0 {
			i := int(md.NumDelivered) - 1
			if i >= len(nakDelays) {
				i = len(nakDelays) - 1
			}
			delay = nakDelays[i]
		}
		slog.Error("process photo task error", "worker", workerID, "photo_id", task.PhotoID, "error", err, "retry_in", delay)
		_ = msg.NakWithDelay(delay)
		return
	}
	_ = msg.Ack()
}

// keepInProgress resets the message's ack timer every interval until the
// returned stop func is called. A task that runs through all of its attempts
// can take longer than the ack wait and would otherwise be redelivered to
// another worker mid-analysis.
func keepInProgress(msg jetstream.Msg, every time.Duration, photoID int64) (stop func()) {
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := msg.InProgress(); err != nil {
					slog.Warn("extend photo task ack wait", "photo_id", photoID, "error", err)
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// ConsumeEvents starts consuming analysis outcomes (for API to broadcast via WebSocket).
func (c *Consumer) ConsumeEvents(ctx context.Context, consumerName string, handler EventHandler) error {
	stream, err := c.js.Stream(ctx, AnalysisStreamName)
	if err != nil {
		return fmt.Errorf("get stream %s: %w", AnalysisStreamName, err)
	}

	cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Name:          consumerName,
		Durable:       consumerName,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       10 * time.Second,
		MaxDeliver:    3,
		FilterSubject: AnalysisSubjectBase + ".>",
		DeliverPolicy: jetstream.DeliverNewPolicy,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", consumerName, err)
	}

	go func() {
		for {
			if ctx.Err() != nil {
				return
			}

			batch, err := cons.Fetch(10, jetstream.FetchMaxWait(5*time.Second))
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}

			for msg := range batch.Messages() {
				var ev models.AnalysisEvent
				if err := json.Unmarshal(msg.Data(), &ev); err != nil {
					slog.Error("decode analysis event", "error", err)
					_ = msg.Term()
					continue
				}
				if err := handler(ctx, ev); err != nil {
					slog.Error("process event error", "error", err)
					_ = msg.Nak()
				} else {
					_ = msg.Ack()
				}
			}
		}
	}()

	slog.Info("event consumer started", "consumer", consumerName)
	return nil
}

// SubscribeControl delivers control commands published on ControlSubject.
func (c *Consumer) SubscribeControl(fn func(models.ControlCommand)) (*nats.Subscription, error) {
	sub, err := c.nc.Subscribe(ControlSubject, func(m *nats.Msg) {
		var cmd models.ControlCommand
		if err := json.Unmarshal(m.Data, &cmd); err != nil {
			slog.Warn("invalid control command", "error", err)
			return
		}
		fn(cmd)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", ControlSubject, err)
	}
	return sub, nil
}

func (c *Consumer) Close() {
	c.nc.Close()
}
