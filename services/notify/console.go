package notifysvc

import (
	"fmt"
	"log"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/trezcool/masomo-forms/core"
)

var (
	Sent = make([]core.Notification, 0)
	mu   sync.Mutex
)

// ResetSent clears the notifications recorded by the console notifiers.
func ResetSent() {
	mu.Lock()
	Sent = Sent[:0]
	mu.Unlock()
}

// SentCopy returns a snapshot of the recorded notifications.
func SentCopy() []core.Notification {
	mu.Lock()
	defer mu.Unlock()
	return append([]core.Notification(nil), Sent...)
}

type consoleNotifier struct {
	from          mail.Address
	subjPrefix    string
	disableOutput bool
}

var _ core.Notifier = (*consoleNotifier)(nil)

// NewConsoleNotifier prints notifications instead of delivering them.
func NewConsoleNotifier(conf *core.Config) core.Notifier {
	return &consoleNotifier{
		from:       conf.DefaultFromEmail(),
		subjPrefix: "[" + conf.AppName + "] ",
	}
}

func (n consoleNotifier) Notify(notifs ...core.Notification) {
	for _, notif := range notifs {
		notif := notif
		async(func() { n.notify(notif) })
	}
}

func (n consoleNotifier) notify(notif core.Notification) {
	if !notif.HasEmail() && !notif.HasDeviceToken() {
		return
	}
	n.print(notif)
	mu.Lock()
	Sent = append(Sent, notif)
	mu.Unlock()
}

func (n consoleNotifier) print(notif core.Notification) {
	if n.disableOutput {
		return
	}
	body := new(strings.Builder)
	_, _ = fmt.Fprintf(body, "From: %s\r\n", n.from.String())
	_, _ = fmt.Fprintf(body, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	_, _ = fmt.Fprintf(body, "Subject: %s\r\n", n.subjPrefix+notif.Title)
	if notif.HasEmail() {
		addr := notif.Address()
		_, _ = fmt.Fprintf(body, "To: %s\r\n", addr.String())
	}
	if notif.HasDeviceToken() {
		_, _ = fmt.Fprintf(body, "Device: %s\r\n", notif.DeviceToken)
	}
	keys := make([]string, 0, len(notif.Data))
	for k := range notif.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		_, _ = fmt.Fprintf(body, "X-%s: %s\r\n", k, notif.Data[k])
	}
	_, _ = fmt.Fprintf(body, "\r\n%s\r\n", notif.Body)
	log.Println(body.String())
}

type consoleNotifierMock struct {
	consoleNotifier
}

// NewConsoleNotifierMock records notifications synchronously, without output.
func NewConsoleNotifierMock(conf *core.Config) core.Notifier {
	return &consoleNotifierMock{
		consoleNotifier: consoleNotifier{
			from:          conf.DefaultFromEmail(),
			subjPrefix:    "[" + conf.AppName + "] ",
			disableOutput: true,
		},
	}
}

func (n *consoleNotifierMock) Notify(notifs ...core.Notification) {
	for _, notif := range notifs {
		// run synchronously
		n.notify(notif)
	}
}
