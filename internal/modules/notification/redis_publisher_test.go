package notification

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestRedisStreamPublisher_XAdd(t *testing.T) {
	addr := os.Getenv("TOW_TEST_REDIS")
	if addr == "" {
		t.Skip("TOW_TEST_REDIS not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	stream := fmt.Sprintf("tow:test:notifications:%d", time.Now().UnixNano())
	t.Cleanup(func() { _ = rdb.Del(context.Background(), stream).Err() })

	pub := NewRedisStreamPublisher(rdb, stream, 100)
	ev := Event{
		Recipient: Recipient{ID: "d1", Role: RoleDriver},
		Type:      EventAssigned,
		RequestID: "r1",
		Payload:   map[string]any{"quote_id": "q1"},
	}
	if err := pub.Publish(ctx, ev); err != nil {
		t.Fatalf("publish: %v", err)
	}

	msgs, err := rdb.XRange(ctx, stream, "-", "+").Result()
	if err != nil {
		t.Fatalf("xrange: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 stream entry, got %d", len(msgs))
	}
	v := msgs[0].Values
	if v["type"] != "assigned" || v["recipient_id"] != "d1" || v["recipient_role"] != "driver" {
		t.Fatalf("unexpected entry %v", v)
	}
	if v["payload"] != `{"quote_id":"q1"}` {
		t.Fatalf("unexpected payload %v", v["payload"])
	}
}
