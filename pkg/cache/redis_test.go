package cache

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestNewRedisUnreachable(t *testing.T) {
	_, err := NewRedis("127.0.0.1:1", "", 0)
	if err == nil {
		t.Fatal("expected an error for a closed port")
	}
	if !strings.Contains(err.Error(), "failed to connect to redis") {
		t.Errorf("error = %v", err)
	}
}

func TestUnreachableOperationsFail(t *testing.T) {
	c := Wrap(redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1}))
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := c.AppendStream(ctx, "s", 10, map[string]any{"record": "{}"}); err == nil {
		t.Error("AppendStream succeeded without a server")
	}
	if err := c.Publish(ctx, "ch", []byte("{}")); err == nil {
		t.Error("Publish succeeded without a server")
	}
	if _, err := c.Subscribe(ctx, "ch"); err == nil {
		t.Error("Subscribe succeeded without a server")
	}
}
