package notifysvc

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"

	"github.com/trezcool/masomo-forms/core"
)

// MaxDeliveries caps the notifications delivered at the same time.
const MaxDeliveries = 16

var (
	inflight sync.WaitGroup
	limiter  = semaphore.NewWeighted(MaxDeliveries)
)

// async runs fn in the background, tracked by Wait. At most MaxDeliveries run at once.
func async(fn func()) {
	inflight.Add(1)
	go func() {
		defer inflight.Done()
		sem := limiter
		_ = sem.Acquire(context.Background(), 1) // no deadline: only fails on a cancelled context
		defer sem.Release(1)
		fn()
	}()
}

// Wait blocks until the notifications sent in the background are delivered.
func Wait() {
	inflight.Wait()
}

type multiNotifier []core.Notifier

// NewMultiNotifier hands every notification to each notifier; each picks the channel it supports.
func NewMultiNotifier(notifiers ...core.Notifier) core.Notifier {
	return multiNotifier(notifiers)
}

func (m multiNotifier) Notify(notifs ...core.Notification) {
	for _, n := range m {
		n.Notify(notifs...)
	}
}

// NewFromConfig returns the notifiers enabled by conf: the console in debug mode, sendgrid otherwise,
// plus the push queue when a Redis address is configured. The returned func releases their resources.
func NewFromConfig(conf *core.Config, logger core.Logger) (core.Notifier, func() error) {
	var mailer core.Notifier
	if conf.Debug {
		mailer = NewConsoleNotifier(conf)
	} else {
		mailer = NewSendgridNotifier(conf, logger)
	}
	if conf.Notify.RedisAddr == "" {
		return mailer, func() error { return nil }
	}

	client := redis.NewClient(&redis.Options{Addr: conf.Notify.RedisAddr})
	return NewMultiNotifier(mailer, NewRedisNotifier(client, conf.Notify.RedisQueue, logger)), client.Close
}
