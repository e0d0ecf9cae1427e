package notify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/logging"
	"github.com/storehealth/internal/models"
)

type fakeChannel struct {
	name     string
	failures int
	sent     []models.Contact
}

func (f *fakeChannel) Name() string { return f.name }

func (f *fakeChannel) Send(_ context.Context, to models.Contact, _ Message) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("provider unavailable")
	}
	f.sent = append(f.sent, to)
	return nil
}

func TestRouterPicksChannelByAddress(t *testing.T) {
	sms := &fakeChannel{name: "sms"}
	email := &fakeChannel{name: "email"}
	slack := &fakeChannel{name: "slack"}
	r := NewRouter(logging.Discard(), WithSMS(sms), WithEmail(email), WithBroadcast(slack))

	ctx := context.Background()
	require.NoError(t, r.Send(ctx, models.Contact{Name: "Pat", Address: "+15550001"}, Message{Subject: "s"}))
	require.NoError(t, r.Send(ctx, models.Contact{Name: "Sam", Address: "sam@example.com"}, Message{Subject: "s"}))

	assert.Len(t, sms.sent, 1)
	assert.Len(t, email.sent, 1)
	assert.Len(t, slack.sent, 2)
}

func TestRouterRetriesDirectChannel(t *testing.T) {
	sms := &fakeChannel{name: "sms", failures: 2}
	r := NewRouter(logging.Discard(), WithSMS(sms), WithRetry(3, 0))

	err := r.Send(context.Background(), models.Contact{Address: "+15550001"}, Message{})
	require.NoError(t, err)
	assert.Len(t, sms.sent, 1)
}

func TestRouterReportsDirectFailure(t *testing.T) {
	sms := &fakeChannel{name: "sms", failures: 5}
	slack := &fakeChannel{name: "slack"}
	r := NewRouter(logging.Discard(), WithSMS(sms), WithBroadcast(slack), WithRetry(2, 0))

	err := r.Send(context.Background(), models.Contact{Address: "+15550001"}, Message{})
	require.Error(t, err)
	assert.True(t, apperr.IsExternal(err))
	assert.Len(t, slack.sent, 1)
}

func TestRouterNonPositiveRateIsUnlimited(t *testing.T) {
	for _, perSecond := range []float64{0, -1} {
		sms := &fakeChannel{name: "sms"}
		r := NewRouter(logging.Discard(), WithSMS(sms), WithRateLimit(perSecond))

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		for i := 0; i < 5; i++ {
			require.NoError(t, r.Send(ctx, models.Contact{Address: "+15550001"}, Message{}), "rate %v send %d", perSecond, i)
		}
		cancel()
		assert.Len(t, sms.sent, 5)
	}
}

func TestRouterRateLimitSpacesSends(t *testing.T) {
	sms := &fakeChannel{name: "sms"}
	r := NewRouter(logging.Discard(), WithSMS(sms), WithRateLimit(20))

	start := time.Now()
	for i := 0; i < 22; i++ {
		require.NoError(t, r.Send(context.Background(), models.Contact{Address: "+15550001"}, Message{}))
	}
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Len(t, sms.sent, 22)
}

func TestRouterWithoutAnyChannel(t *testing.T) {
	r := NewRouter(logging.Discard())
	err := r.Send(context.Background(), models.Contact{Role: models.RoleRegionalOps}, Message{})
	assert.True(t, apperr.IsExternal(err))
}
