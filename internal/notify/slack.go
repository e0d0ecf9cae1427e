package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/slack-go/slack"

	"github.com/storehealth/internal/models"
)

type SlackChannel struct {
	client  *slack.Client
	channel string
}

func NewSlackChannel(token, channel string) *SlackChannel {
	return &SlackChannel{
		client:  slack.New(token),
		channel: channel,
	}
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Send(ctx context.Context, to models.Contact, msg Message) error {
	attachment := slack.Attachment{
		Color: severityColor(msg.Severity),
		Title: msg.Subject,
		Text:  msg.Body,
		Fields: []slack.AttachmentField{
			{
				Title: "Store",
				Value: msg.StoreName,
				Short: true,
			},
			{
				Title: "Level",
				Value: strconv.Itoa(msg.Level),
				Short: true,
			},
			{
				Title: "Contact",
				Value: fmt.Sprintf("%s (%s)", to.Name, to.Role),
				Short: true,
			},
		},
		Footer: "Store Health Monitor",
		Ts:     json.Number(strconv.FormatInt(time.Now().Unix(), 10)),
	}

	_, _, err := s.client.PostMessageContext(ctx,
		s.channel,
		slack.MsgOptionText(severityEmoji(msg.Severity)+" "+msg.Subject, false),
		slack.MsgOptionAttachments(attachment),
	)
	if err != nil {
		return fmt.Errorf("failed to post slack message: %w", err)
	}
	return nil
}
