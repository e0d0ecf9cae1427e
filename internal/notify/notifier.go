package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/storehealth/internal/models"
)

// Message is a rendered notification, independent of the channel carrying it.
type Message struct {
	Subject   string
	Body      string
	Severity  models.AlertSeverity
	StoreName string
	Level     int
}

// Notifier delivers a message to a resolved contact.
type Notifier interface {
	Send(ctx context.Context, to models.Contact, msg Message) error
}

// Channel is one delivery mechanism (SMS, email, Slack, Telegram).
type Channel interface {
	Name() string
	Send(ctx context.Context, to models.Contact, msg Message) error
}

// Retry runs fn up to maxAttempts times, sleeping delay between failures.
func Retry(ctx context.Context, log logrus.FieldLogger, maxAttempts int, delay time.Duration, fn func() error) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := fn(); err != nil {
			lastErr = err
			log.Warnf("attempt %d/%d failed: %v", attempt, maxAttempts, err)
			if attempt < maxAttempts {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(delay):
				}
			}
			continue
		}
		return nil
	}
	return fmt.Errorf("failed after %d attempts: %w", maxAttempts, lastErr)
}

func severityColor(severity models.AlertSeverity) string {
	switch severity {
	case models.SeverityRed:
		return "#FF0000"
	case models.SeverityYellow:
		return "#FFA500"
	default:
		return "#808080"
	}
}

func severityEmoji(severity models.AlertSeverity) string {
	switch severity {
	case models.SeverityRed:
		return ":red_circle:"
	case models.SeverityYellow:
		return ":warning:"
	default:
		return ":bell:"
	}
}
