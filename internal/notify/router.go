package notify

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/config"
	"github.com/storehealth/internal/metrics"
	"github.com/storehealth/internal/models"
)

var errNoChannel = errors.New("no channel can reach contact")

// Router sends a message to the contact's own address (SMS for phone
// numbers, email for addresses) and mirrors it to the broadcast channels.
// Only a direct delivery failure is reported to the caller.
type Router struct {
	sms       Channel
	email     Channel
	broadcast []Channel
	limiter   *rate.Limiter
	attempts  int
	delay     time.Duration
	log       logrus.FieldLogger
}

type RouterOption func(*Router)

func WithSMS(c Channel) RouterOption       { return func(r *Router) { r.sms = c } }
func WithEmail(c Channel) RouterOption     { return func(r *Router) { r.email = c } }
func WithBroadcast(c Channel) RouterOption { return func(r *Router) { r.broadcast = append(r.broadcast, c) } }

func WithRetry(attempts int, delay time.Duration) RouterOption {
	return func(r *Router) {
		if attempts < 1 {
			attempts = 1
		}
		r.attempts = attempts
		r.delay = delay
	}
}

// WithRateLimit caps sends per second. A rate of zero or below disables the
// limit.
func WithRateLimit(perSecond float64) RouterOption {
	return func(r *Router) {
		if perSecond <= 0 {
			r.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		burst := int(perSecond)
		if burst < 1 {
			burst = 1
		}
		r.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

func NewRouter(log logrus.FieldLogger, opts ...RouterOption) *Router {
	r := &Router{
		limiter:  rate.NewLimiter(rate.Inf, 1),
		attempts: 1,
		log:      log,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRouterFromConfig wires every channel that has credentials configured.
func NewRouterFromConfig(cfg *config.Config, log logrus.FieldLogger) *Router {
	n := cfg.Notify
	opts := []RouterOption{
		WithRetry(n.RetryAttempts, n.RetryDelay),
		WithRateLimit(n.RatePerSecond),
	}
	if n.SMS.AccountSID != "" {
		opts = append(opts, WithSMS(NewSMSChannel(n.SMS.AccountSID, n.SMS.AuthToken, n.SMS.FromNumber)))
	}
	if n.Email.SMTPHost != "" {
		opts = append(opts, WithEmail(NewEmailChannel(n.Email.SMTPHost, n.Email.SMTPPort, n.Email.From, n.Email.Password)))
	}
	if n.Slack.Token != "" {
		opts = append(opts, WithBroadcast(NewSlackChannel(n.Slack.Token, n.Slack.Channel)))
	}
	if n.Telegram.BotToken != "" {
		tg, err := NewTelegramChannel(n.Telegram.BotToken, n.Telegram.ChatID)
		if err != nil {
			log.WithError(err).Warn("telegram channel disabled")
		} else {
			opts = append(opts, WithBroadcast(tg))
		}
	}
	return NewRouter(log, opts...)
}

func (r *Router) direct(addr string) Channel {
	switch {
	case addr == "":
		return nil
	case strings.Contains(addr, "@"):
		return r.email
	default:
		return r.sms
	}
}

func (r *Router) Send(ctx context.Context, to models.Contact, msg Message) error {
	log := r.log.WithFields(logrus.Fields{"role": to.Role, "contact": to.Address})

	for _, ch := range r.broadcast {
		if err := r.deliver(ctx, ch, to, msg); err != nil {
			log.WithError(err).WithField("channel", ch.Name()).Warn("broadcast notification failed")
		}
	}

	ch := r.direct(to.Address)
	if ch == nil {
		if len(r.broadcast) == 0 {
			return apperr.ExternalProvider("notify", errNoChannel)
		}
		log.Debug("no direct channel for contact, broadcast only")
		return nil
	}

	if err := r.deliver(ctx, ch, to, msg); err != nil {
		return apperr.ExternalProvider(ch.Name(), err)
	}
	log.WithField("channel", ch.Name()).Info("notification sent")
	return nil
}

func (r *Router) deliver(ctx context.Context, ch Channel, to models.Contact, msg Message) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return err
	}
	err := Retry(ctx, r.log.WithField("channel", ch.Name()), r.attempts, r.delay, func() error {
		return ch.Send(ctx, to, msg)
	})
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.NotificationsTotal.WithLabelValues(ch.Name(), result).Inc()
	return err
}
