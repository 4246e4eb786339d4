package notifysvc

import (
	"fmt"
	"net/http"

	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"

	"github.com/trezcool/masomo-forms/core"
)

var (
	host     = "https://api.sendgrid.com"
	endpoint = "/v3/mail/send"
)

type sendgridNotifier struct {
	key        string
	from       *sgmail.Email
	subjPrefix string
	logger     core.Logger
}

var _ core.Notifier = (*sendgridNotifier)(nil)

// NewSendgridNotifier emails the notifications that have an email address.
func NewSendgridNotifier(conf *core.Config, logger core.Logger) *sendgridNotifier {
	from := conf.DefaultFromEmail()
	return &sendgridNotifier{
		key:        conf.Notify.SendgridApiKey,
		from:       sgmail.NewEmail(from.Name, from.Address),
		subjPrefix: "[" + conf.AppName + "] ",
		logger:     logger,
	}
}

func (n sendgridNotifier) Notify(notifs ...core.Notification) {
	for _, notif := range notifs {
		if !notif.HasEmail() {
			continue
		}
		notif := notif
		async(func() { n.send(notif) })
	}
}

func (n sendgridNotifier) prepare(notif core.Notification) *sgmail.SGMailV3 {
	p := sgmail.NewPersonalization()
	p.Subject = n.subjPrefix + notif.Title
	p.AddTos(sgmail.NewEmail(notif.Name, notif.Email))
	for k, v := range notif.Data {
		p.SetCustomArg(k, v)
	}

	m := sgmail.NewV3Mail()
	m.SetFrom(n.from)
	m.AddPersonalizations(p)
	m.AddContent(sgmail.NewContent("text/plain", notif.Body))
	return m
}

func (n sendgridNotifier) send(notif core.Notification) {
	req := sendgrid.GetRequest(n.key, endpoint, host)
	req.Method = http.MethodPost
	req.Body = sgmail.GetRequestBody(n.prepare(notif))

	res, err := sendgrid.API(req)
	if err != nil {
		n.logger.Error(fmt.Sprintf("sending notification email: %v", err), err)
	} else if res.StatusCode >= http.StatusBadRequest {
		n.logger.Error(fmt.Sprintf("sending notification email - status: %d - Body: %s", res.StatusCode, res.Body))
	}
}
