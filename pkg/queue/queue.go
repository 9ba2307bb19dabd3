// Package queue provides the Redis Streams transport for ingestion queues.
//
// Each queue is one stream. Consumers read through a consumer group, so a
// message stays pending until its handler succeeds and it is acknowledged.
// Pending messages idle for longer than the visibility timeout are claimed
// again and redelivered with an increased attempt count.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/svcmon/pkg/types"
)

const (
	fieldID      = "id"
	fieldHeaders = "headers"
	fieldBody    = "body"

	// keyPrefix namespaces stream keys.
	keyPrefix = "svcmon:queue:"
)

// ErrMalformedEntry is returned when a stream entry cannot be decoded.
var ErrMalformedEntry = errors.New("malformed stream entry")

// StreamKey returns the Redis key of the named queue.
func StreamKey(queue string) string {
	return keyPrefix + queue
}

// Connect opens a Redis client and verifies the connection.
func Connect(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Encode converts a message into stream entry fields.
func Encode(msg types.TransportMessage) (map[string]any, error) {
	headers := msg.Headers
	if headers == nil {
		headers = map[string]string{}
	}
	data, err := json.Marshal(headers)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal headers: %w", err)
	}
	return map[string]any{
		fieldID:      msg.ID,
		fieldHeaders: string(data),
		fieldBody:    string(msg.Body),
	}, nil
}

// Decode converts a stream entry back into a message. Entries without an id
// fall back to the MessageId header, then to the stream entry id.
func Decode(entry redis.XMessage) (types.TransportMessage, error) {
	msg := types.TransportMessage{Headers: map[string]string{}}

	raw, ok := entry.Values[fieldHeaders]
	if !ok {
		return msg, fmt.Errorf("%w %s: missing headers", ErrMalformedEntry, entry.ID)
	}
	headers, ok := raw.(string)
	if !ok {
		return msg, fmt.Errorf("%w %s: headers are %T", ErrMalformedEntry, entry.ID, raw)
	}
	if err := json.Unmarshal([]byte(headers), &msg.Headers); err != nil {
		return msg, fmt.Errorf("%w %s: %v", ErrMalformedEntry, entry.ID, err)
	}

	if body, ok := entry.Values[fieldBody].(string); ok {
		msg.Body = []byte(body)
	}

	msg.ID, _ = entry.Values[fieldID].(string)
	if msg.ID == "" {
		msg.ID = msg.Headers[types.HeaderMessageID]
	}
	if msg.ID == "" {
		msg.ID = entry.ID
	}
	return msg, nil
}

// Delivery is one delivery of a stream entry to a handler.
type Delivery struct {
	Message  types.TransportMessage
	StreamID string

	// Attempt counts deliveries of this entry, starting at 1.
	Attempt int64

	// DecodeErr is set when the entry could not be decoded. Message then
	// carries whatever could be recovered.
	DecodeErr error
}

func newDelivery(entry redis.XMessage, attempt int64) Delivery {
	msg, err := Decode(entry)
	if attempt < 1 {
		attempt = 1
	}
	return Delivery{Message: msg, StreamID: entry.ID, Attempt: attempt, DecodeErr: err}
}
