package sink

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/ngoyal88/relaylog/pkg/record"
)

// DefaultStreamMaxLen bounds the Redis stream when no length is configured.
const DefaultStreamMaxLen = 10000

// StreamPublisher is the part of the Redis client the sink needs.
// cache.Client implements it.
type StreamPublisher interface {
	AppendStream(ctx context.Context, stream string, maxLen int64, values map[string]any) error
	Publish(ctx context.Context, channel string, payload []byte) error
}

type RedisOptions struct {
	Stream string
	MaxLen int64
	// Channel, when set, also publishes every record for live tailing.
	Channel string
}

// Redis appends records to a capped stream.
type Redis struct {
	client StreamPublisher
	opts   RedisOptions
	closed atomic.Bool
}

func NewRedis(client StreamPublisher, opts RedisOptions) *Redis {
	if opts.Stream == "" {
		opts.Stream = "relaylog:records"
	}
	if opts.MaxLen <= 0 {
		opts.MaxLen = DefaultStreamMaxLen
	}
	return &Redis{client: client, opts: opts}
}

func (r *Redis) Emit(ctx context.Context, rec *record.LogRecord) error {
	if r.closed.Load() {
		return ErrClosed
	}
	data, encErr := Encode(rec)

	err := r.client.AppendStream(ctx, r.opts.Stream, r.opts.MaxLen, map[string]any{
		"record":   data,
		"instance": rec.Server.InstanceID,
		"route":    rec.Request.Route,
		"status":   rec.Response.Status,
	})
	if err != nil {
		return fmt.Errorf("append to stream %s: %w", r.opts.Stream, err)
	}

	if r.opts.Channel != "" {
		if err := r.client.Publish(ctx, r.opts.Channel, data); err != nil {
			return fmt.Errorf("publish to %s: %w", r.opts.Channel, err)
		}
	}
	if encErr != nil {
		return fmt.Errorf("encode record: %w", encErr)
	}
	return nil
}

// Close stops the sink. The client belongs to the caller and stays open.
func (r *Redis) Close() error {
	r.closed.Store(true)
	return nil
}
