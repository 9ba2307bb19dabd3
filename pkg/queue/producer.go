package queue

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/svcmon/pkg/types"
)

// Producer appends messages to queues.
type Producer struct {
	client redis.Cmdable
}

// NewProducer creates a producer on the given client.
func NewProducer(client redis.Cmdable) *Producer {
	return &Producer{client: client}
}

// Send appends a message to the named queue and returns the stream id.
func (p *Producer) Send(ctx context.Context, queue string, msg types.TransportMessage) (string, error) {
	values, err := Encode(msg)
	if err != nil {
		return "", err
	}
	id, err := p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamKey(queue),
		Values: values,
	}).Result()
	if err != nil {
		return "", fmt.Errorf("failed to send to %s: %w", queue, err)
	}
	return id, nil
}
