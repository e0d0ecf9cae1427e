package notify

import (
	"context"
	"fmt"
	"strings"
	"time"

	"gopkg.in/gomail.v2"

	"github.com/storehealth/internal/models"
)

type EmailChannel struct {
	dialer *gomail.Dialer
	from   string
}

func NewEmailChannel(host string, port int, from, password string) *EmailChannel {
	return &EmailChannel{
		dialer: gomail.NewDialer(host, port, from, password),
		from:   from,
	}
}

func (e *EmailChannel) Name() string { return "email" }

func (e *EmailChannel) Send(ctx context.Context, to models.Contact, msg Message) error {
	if !strings.Contains(to.Address, "@") {
		return fmt.Errorf("invalid email address: %q", to.Address)
	}

	m := gomail.NewMessage()
	m.SetHeader("From", e.from)
	m.SetAddressHeader("To", to.Address, to.Name)
	m.SetHeader("Subject", msg.Subject)

	body := fmt.Sprintf("%s\n\nStore: %s\nEscalation Level: %d\nTime: %s\n",
		msg.Body, msg.StoreName, msg.Level, time.Now().Format(time.RFC3339))
	m.SetBody("text/plain", body)

	// gomail has no context support; bail out early if the caller gave up.
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to.Address, err)
	}
	return nil
}
