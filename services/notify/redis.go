package notifysvc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/trezcool/masomo-forms/core"
)

const pushTimeout = 5 * time.Second

// PushMessage is the payload queued for the push-notification worker.
type PushMessage struct {
	RecipientID string            `json:"recipient_id"`
	DeviceToken string            `json:"device_token"`
	Title       string            `json:"title"`
	Body        string            `json:"body"`
	Data        map[string]string `json:"data,omitempty"`
}

type redisNotifier struct {
	client *redis.Client
	queue  string
	logger core.Logger
	sync   bool
}

var _ core.Notifier = (*redisNotifier)(nil)

// NewRedisNotifier queues the notifications that have a device token onto a Redis list,
// consumed by the push-notification worker.
func NewRedisNotifier(client *redis.Client, queue string, logger core.Logger) *redisNotifier {
	return &redisNotifier{client: client, queue: queue, logger: logger}
}

// NewRedisNotifierMock queues synchronously.
func NewRedisNotifierMock(client *redis.Client, queue string, logger core.Logger) *redisNotifier {
	return &redisNotifier{client: client, queue: queue, logger: logger, sync: true}
}

func (n redisNotifier) Notify(notifs ...core.Notification) {
	msgs := make([]interface{}, 0, len(notifs))
	for _, notif := range notifs {
		if !notif.HasDeviceToken() {
			continue
		}
		payload, err := json.Marshal(PushMessage{
			RecipientID: notif.RecipientID,
			DeviceToken: notif.DeviceToken,
			Title:       notif.Title,
			Body:        notif.Body,
			Data:        notif.Data,
		})
		if err != nil {
			n.logger.Error(fmt.Sprintf("encoding push message: %v", err), err)
			continue
		}
		msgs = append(msgs, payload)
	}
	if len(msgs) == 0 {
		return
	}
	if n.sync {
		n.push(msgs)
		return
	}
	async(func() { n.push(msgs) })
}

func (n redisNotifier) push(msgs []interface{}) {
	ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
	defer cancel()
	if err := n.client.LPush(ctx, n.queue, msgs...).Err(); err != nil {
		n.logger.Error(fmt.Sprintf("queuing %d push messages: %v", len(msgs), err), err)
	}
}
