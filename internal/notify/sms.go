package notify

import (
	"context"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/storehealth/internal/models"
)

type SMSChannel struct {
	client     *twilio.RestClient
	fromNumber string
}

func NewSMSChannel(accountSID, authToken, fromNumber string) *SMSChannel {
	return &SMSChannel{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		fromNumber: fromNumber,
	}
}

func (s *SMSChannel) Name() string { return "sms" }

func (s *SMSChannel) Send(ctx context.Context, to models.Contact, msg Message) error {
	if !strings.HasPrefix(to.Address, "+") {
		return fmt.Errorf("invalid phone number: %s", to.Address)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	body := fmt.Sprintf("%s\n%s", msg.Subject, msg.Body)
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to.Address)
	params.SetFrom(s.fromNumber)
	params.SetBody(body)

	if _, err := s.client.Api.CreateMessage(params); err != nil {
		return fmt.Errorf("failed to send SMS to %s: %w", to.Address, err)
	}
	return nil
}
