package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const QueueGroup = "costops"

// Connect dials NATS with unbounded reconnects.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("costops"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return nc, nil
}

// Consumer feeds batches published on a subject into the normalizer. Every
// message body is one batch in any format SplitBatch accepts; when the
// message has a reply subject the summary is sent back on it. Without one
// the publisher never learns the outcome, so failures are parked in the
// dead-letter store when one is set.
type Consumer struct {
	nc          *nats.Conn
	subject     string
	normalizer  *Normalizer
	deadLetters *DeadLetters
	timeout     time.Duration
	logger     *zap.Logger
	sub        *nats.Subscription
}

// NewConsumer builds a consumer. deadLetters may be nil.
func NewConsumer(nc *nats.Conn, subject string, normalizer *Normalizer, deadLetters *DeadLetters, timeout time.Duration, logger *zap.Logger) *Consumer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Consumer{nc: nc, subject: subject, normalizer: normalizer, deadLetters: deadLetters, timeout: timeout, logger: logger}
}

func (c *Consumer) Start() error {
	sub, err := c.nc.QueueSubscribe(c.subject, QueueGroup, c.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.subject, err)
	}
	c.sub = sub
	c.logger.Info("consuming usage batches", zap.String("subject", c.subject), zap.String("queue", QueueGroup))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (c *Consumer) Stop() error {
	if c.sub == nil {
		return nil
	}
	return c.sub.Drain()
}

type streamReply struct {
	*Summary
	Error string `json:"error,omitempty"`
}

func (c *Consumer) handle(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	b, err := SplitBatch(msg.Data)
	var sum *Summary
	if err == nil {
		sum, err = c.normalizer.IngestBatch(ctx, b)
	}
	reply := streamReply{Summary: sum}
	if err != nil {
		var be *BatchError
		if !errors.As(err, &be) {
			c.logger.Error("failed to ingest usage batch", zap.String("subject", msg.Subject), zap.Error(err))
		} else {
			c.logger.Warn("rejected usage batch", zap.String("subject", msg.Subject), zap.Error(err))
		}
		reply.Error = err.Error()
	}

	if msg.Reply == "" {
		if c.deadLetters != nil && sum != nil && len(sum.Failed) > 0 {
			c.park(context.WithoutCancel(ctx), b, sum)
		}
		return
	}
	data, err := json.Marshal(reply)
	if err != nil {
		c.logger.Error("failed to encode ingest reply", zap.Error(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		c.logger.Warn("failed to send ingest reply", zap.Error(err))
	}
}

func (c *Consumer) park(ctx context.Context, b *Batch, sum *Summary) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	n, err := c.deadLetters.Park(ctx, b, sum)
	if err != nil {
		c.logger.Error("failed to park usage failures", zap.String("batch_id", sum.BatchID), zap.Error(err))
		return
	}
	if n > 0 {
		c.logger.Warn("parked usage failures", zap.String("batch_id", sum.BatchID), zap.Int("parked", n))
	}
}
