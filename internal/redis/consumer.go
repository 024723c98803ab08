package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/koios/shotframe/internal/export"
	"github.com/koios/shotframe/internal/retry"
	"github.com/koios/shotframe/pkg/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// progressStep is the smallest progress change worth publishing.
const progressStep = 0.05

// RequestHandler accepts export requests read from the stream.
type RequestHandler interface {
	Handle(ctx context.Context, request *models.ExportRequest) (*export.Export, error)
}

// Consumer reads export requests from a Redis stream and publishes their
// status updates.
type Consumer struct {
	client  *Client
	handler RequestHandler
	logger  *zap.Logger
	clock   clockwork.Clock
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	watched map[string]bool
}

// NewConsumer creates a new Redis consumer
func NewConsumer(client *Client, handler RequestHandler, logger *zap.Logger) *Consumer {
	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:  client,
		handler: handler,
		logger:  logger,
		clock:   clockwork.NewRealClock(),
		ctx:     ctx,
		cancel:  cancel,
		watched: make(map[string]bool),
	}
}

// Start consumes export requests until Stop is called.
func (c *Consumer) Start() error {
	c.logger.Info("Starting Redis consumer for export requests")

	for {
		if c.ctx.Err() != nil {
			c.logger.Info("Redis consumer stopped")
			return nil
		}
		if err := c.consumeMessages(); err != nil {
			c.logger.Error("Error consuming messages, will retry",
				zap.Error(err),
				zap.Duration("retry_delay", 5*time.Second))
			_ = retry.Sleep(c.ctx, c.clock, 5*time.Second)
		}
	}
}

// Stop stops the consumer
func (c *Consumer) Stop() {
	c.logger.Info("Stopping Redis consumer")
	c.cancel()
}

func (c *Consumer) consumeMessages() error {
	for c.ctx.Err() == nil {
		streams, err := c.client.ReadFromStream(c.ctx, 10, 5*time.Second)
		if err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			if !c.client.IsHealthy(c.ctx) {
				return errors.New("redis connection unhealthy, will reconnect")
			}
			c.logger.Error("Error reading from stream", zap.Error(err))
			_ = retry.Sleep(c.ctx, c.clock, time.Second)
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				c.handleStreamMessage(message)
			}
		}
	}
	return nil
}

// decodeRequest extracts the export request carried in a stream message.
func decodeRequest(msg redis.XMessage) (*models.ExportRequest, error) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		return nil, errors.New("message has no payload field")
	}

	var request models.ExportRequest
	if err := json.Unmarshal([]byte(payload), &request); err != nil {
		return nil, fmt.Errorf("failed to unmarshal export request: %w", err)
	}
	return &request, nil
}

// handleStreamMessage processes a single Redis Stream message
func (c *Consumer) handleStreamMessage(msg redis.XMessage) {
	c.logger.Debug("Received export request from stream",
		zap.String("message_id", msg.ID),
		zap.Int("fields_count", len(msg.Values)))

	request, err := decodeRequest(msg)
	if err != nil {
		c.logger.Error("Dropping malformed stream message",
			zap.Error(err),
			zap.String("message_id", msg.ID))
		// Bad data would fail again on redelivery.
		c.ack(msg.ID)
		return
	}

	e, err := c.handler.Handle(c.ctx, request)
	if err != nil {
		if request.ID != "" {
			st := models.ExportStatus{
				ID:        request.ID,
				SetID:     request.SetID,
				State:     string(export.StateFailed),
				Total:     len(request.Shots),
				Error:     err.Error(),
				UpdatedAt: c.clock.Now(),
			}
			if perr := c.client.PublishStatus(c.ctx, st); perr != nil {
				c.logger.Error("Failed to publish export status",
					zap.Error(perr),
					zap.String("export_id", request.ID))
				// Leave it pending so the failure is reported on redelivery.
				return
			}
		}
		c.ack(msg.ID)
		return
	}

	c.watch(e)
	c.ack(msg.ID)
}

func (c *Consumer) ack(messageID string) {
	if err := c.client.AcknowledgeMessage(c.ctx, messageID); err != nil {
		c.logger.Error("Failed to acknowledge message",
			zap.Error(err),
			zap.String("message_id", messageID))
		return
	}
	c.logger.Debug("Message acknowledged", zap.String("message_id", messageID))
}

// watch publishes the export's status changes to Redis. Each export is
// watched at most once.
func (c *Consumer) watch(e *export.Export) {
	c.mu.Lock()
	if c.watched[e.ID()] {
		c.mu.Unlock()
		return
	}
	c.watched[e.ID()] = true
	c.mu.Unlock()

	t := &statusThrottle{}
	publish := func(st models.ExportStatus) {
		if !t.admit(st) {
			return
		}
		if err := c.client.PublishStatus(c.ctx, st); err != nil {
			c.logger.Warn("Failed to publish export status",
				zap.Error(err),
				zap.String("export_id", st.ID))
		}
	}

	e.OnStatus(publish)
	// Updates made before the listener was attached are covered by the snapshot.
	publish(e.Status())
}

// statusThrottle drops updates that only nudge progress forward.
type statusThrottle struct {
	mu   sync.Mutex
	last *models.ExportStatus
}

func (t *statusThrottle) admit(st models.ExportStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.last
	if prev != nil &&
		prev.State == st.State &&
		prev.SubStatus == st.SubStatus &&
		prev.NeedsChoice == st.NeedsChoice &&
		prev.Error == st.Error &&
		prev.Failed == st.Failed &&
		st.Progress-prev.Progress < progressStep &&
		st.Progress < 1 {
		return false
	}
	t.last = &st
	return true
}
