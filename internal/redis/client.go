package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/koios/shotframe/internal/config"
	"github.com/koios/shotframe/pkg/models"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// statusTTL is how long the last status of an export stays readable.
const statusTTL = 24 * time.Hour

// Client wraps the Redis client for stream intake and status publishing
type Client struct {
	client *redis.Client
	config config.RedisConfig
	logger *zap.Logger
}

// NewRedis builds an instrumented go-redis client from cfg without connecting.
func NewRedis(cfg config.RedisConfig) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		PoolTimeout:  30 * time.Second,
	})
	rdb.AddHook(&MetricsHook{})
	return rdb
}

// NewClient connects to Redis and makes sure the consumer group exists
func NewClient(ctx context.Context, rdb *redis.Client, cfg config.RedisConfig, logger *zap.Logger) (*Client, error) {
	// Generate consumer name if not provided
	if cfg.ConsumerName == "" {
		hostname, _ := os.Hostname()
		if hostname == "" {
			hostname = "unknown"
		}
		cfg.ConsumerName = fmt.Sprintf("%s-%d", hostname, time.Now().UnixNano())
	}

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	client := &Client{
		client: rdb,
		config: cfg,
		logger: logger,
	}

	logger.Info("Connected to Redis",
		zap.String("addr", cfg.Addr),
		zap.String("stream", cfg.RequestStream),
		zap.String("consumer_group", cfg.ConsumerGroup),
		zap.String("consumer_name", cfg.ConsumerName))

	if err := client.initializeConsumerGroup(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.client.Close()
}

// Redis exposes the underlying client so other components can share its pool.
func (c *Client) Redis() *redis.Client {
	return c.client
}

func (c *Client) statusChannel(exportID string) string {
	return c.config.StatusPrefix + exportID
}

func (c *Client) statusKey(exportID string) string {
	return c.config.StatusPrefix + exportID + ":status"
}

// PublishStatus stores the latest status of an export and announces it on
// the export's pub/sub channel.
func (c *Client) PublishStatus(ctx context.Context, st models.ExportStatus) error {
	body, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("failed to marshal export status: %w", err)
	}

	channel := c.statusChannel(st.ID)
	_, err = c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, c.statusKey(st.ID), body, statusTTL)
		pipe.Publish(ctx, channel, body)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish to Redis channel %s: %w", channel, err)
	}

	c.logger.Debug("Published export status",
		zap.String("channel", channel),
		zap.String("state", st.State),
		zap.Float64("progress", st.Progress))
	return nil
}

// LastStatus returns the most recent published status, or nil if none is stored.
func (c *Client) LastStatus(ctx context.Context, exportID string) (*models.ExportStatus, error) {
	body, err := c.client.Get(ctx, c.statusKey(exportID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", exportID, err)
	}

	var st models.ExportStatus
	if err := json.Unmarshal(body, &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal status of %s: %w", exportID, err)
	}
	return &st, nil
}

// SubscribeStatus subscribes to status updates of one export.
func (c *Client) SubscribeStatus(ctx context.Context, exportID string) *redis.PubSub {
	return c.client.Subscribe(ctx, c.statusChannel(exportID))
}

// initializeConsumerGroup creates the consumer group for the export requests stream
func (c *Client) initializeConsumerGroup(ctx context.Context) error {
	// "0" delivers requests queued before the group existed.
	err := c.client.XGroupCreateMkStream(ctx, c.config.RequestStream, c.config.ConsumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	c.logger.Info("Consumer group initialized",
		zap.String("stream", c.config.RequestStream),
		zap.String("group", c.config.ConsumerGroup))
	return nil
}

// EnqueueRequest adds an export request to the stream and returns its message id.
func (c *Client) EnqueueRequest(ctx context.Context, req models.ExportRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to marshal export request: %w", err)
	}

	id, err := c.client.XAdd(ctx, &redis.XAddArgs{
		Stream: c.config.RequestStream,
		Values: map[string]interface{}{"payload": string(body)},
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to add to stream %s: %w", c.config.RequestStream, err)
	}
	return id, nil
}

// ReadFromStream reads messages from the export requests stream using consumer group
func (c *Client) ReadFromStream(ctx context.Context, count int64, block time.Duration) ([]redis.XStream, error) {
	// ">" means only new messages not yet delivered to other consumers
	streams, err := c.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    c.config.ConsumerGroup,
		Consumer: c.config.ConsumerName,
		Streams:  []string{c.config.RequestStream, ">"},
		Count:    count,
		Block:    block,
	}).Result()

	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read from stream: %w", err)
	}
	return streams, nil
}

// AcknowledgeMessage acknowledges a message from the stream
func (c *Client) AcknowledgeMessage(ctx context.Context, messageID string) error {
	err := c.client.XAck(ctx, c.config.RequestStream, c.config.ConsumerGroup, messageID).Err()
	if err != nil {
		return fmt.Errorf("failed to acknowledge message %s: %w", messageID, err)
	}
	return nil
}

// IsHealthy checks if Redis connection is healthy
func (c *Client) IsHealthy(ctx context.Context) bool {
	return c.client.Ping(ctx).Err() == nil
}
