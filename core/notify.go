package core

import "net/mail"

type (
	// Notification is one message for one recipient; delivery channels pick the contact they support.
	Notification struct {
		RecipientID string
		Name        string
		Email       string
		DeviceToken string
		Title       string
		Body        string
		Data        map[string]string
	}

	// Notifier is any service that can deliver notifications.
	// Delivery is fire-and-forget: failures are logged by the implementation, never returned.
	Notifier interface {
		// Notify sends notifications concurrently
		Notify(notifs ...Notification)
	}
)

func (n Notification) HasEmail() bool       { return n.Email != "" }
func (n Notification) HasDeviceToken() bool { return n.DeviceToken != "" }

func (n Notification) Address() mail.Address {
	return mail.Address{Name: n.Name, Address: n.Email}
}
