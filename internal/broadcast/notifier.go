package broadcast

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/iliyamo/rundown-sync/internal/model"
)

// RedisNotifier publishes notifications on "<prefix>:rundown:<id>".
type RedisNotifier struct {
	rdb    *redis.Client
	prefix string
}

// NewRedisNotifier returns a notifier publishing through rdb.
func NewRedisNotifier(rdb *redis.Client, prefix string) *RedisNotifier {
	return &RedisNotifier{rdb: rdb, prefix: prefix}
}

// Channel returns the pub/sub channel of a rundown.
func (n *RedisNotifier) Channel(rundownID string) string {
	return n.prefix + ":rundown:" + rundownID
}

func (n *RedisNotifier) Notify(ctx context.Context, note model.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	return n.rdb.Publish(ctx, n.Channel(note.RundownID), body).Err()
}

// Relay forwards every rundown channel into the local hub until ctx is
// done.  One pattern subscription serves all rundowns of the instance.
func (n *RedisNotifier) Relay(ctx context.Context, h *Hub) error {
	pattern := n.Channel("*")
	sub := n.rdb.PSubscribe(ctx, pattern)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	prefix := n.Channel("")
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			id := strings.TrimPrefix(msg.Channel, prefix)
			if id == "" || id == msg.Channel {
				log.Printf("broadcast: unexpected channel %q", msg.Channel)
				continue
			}
			h.Broadcast(id, []byte(msg.Payload))
		}
	}
}

// LocalNotifier delivers straight to the hub of this instance.  It is used
// when Redis is unavailable and only one instance serves clients.
type LocalNotifier struct {
	Hub *Hub
}

func (n LocalNotifier) Notify(_ context.Context, note model.Notification) error {
	body, err := json.Marshal(note)
	if err != nil {
		return err
	}
	n.Hub.Broadcast(note.RundownID, body)
	return nil
}
