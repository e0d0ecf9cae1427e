package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/database"
	"github.com/storehealth/internal/events"
	"github.com/storehealth/internal/lock"
	"github.com/storehealth/internal/logging"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/seed"
)

var t0 = time.Date(2024, 3, 16, 8, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

type fakeProvider struct {
	mu       sync.Mutex
	requests []CallRequest
	err      error
	release  chan struct{}
}

func (p *fakeProvider) Name() string { return "fake" }

func (p *fakeProvider) PlaceCall(_ context.Context, req CallRequest) (string, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	err, release := p.err, p.release
	p.mu.Unlock()

	if release != nil {
		<-release
	}
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("CA-%d", req.CallID), nil
}

type fixture struct {
	db       *gorm.DB
	demo     *seed.Demo
	alerts   *alert.Manager
	provider *fakeProvider
	d        *Dispatcher
	alert    *models.Alert
	esc      *models.Escalation
}

func setup(t *testing.T) *fixture {
	t.Helper()
	db, err := database.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	demo, err := seed.Create(db, "VC")
	require.NoError(t, err)

	rec := &recorder{}
	alerts := alert.NewManager(db, lock.NewLocal(), rec, logging.Discard())
	alerts.Now = func() time.Time { return t0 }

	baseline := 200.0
	created, err := alerts.CreateAlert(context.Background(), demo.Store.ID, &models.KpiMetric{
		StoreID:         demo.Store.ID,
		KpiDefinitionID: demo.Kpis["sales"].ID,
		MetricDate:      models.Day(t0),
		Value:           163.2,
		ComparisonValue: &baseline,
		VariancePct:     -18.4,
		Status:          models.StatusRed,
	})
	require.NoError(t, err)

	esc := &models.Escalation{
		StoreID:            demo.Store.ID,
		AlertID:            created.Alert.ID,
		FromLevel:          2,
		ToLevel:            3,
		Reason:             "test",
		TriggeredBy:        models.TriggeredBySLABreach,
		EscalatedAt:        t0,
		EscalatedToRole:    models.RoleStoreManager,
		EscalatedToName:    demo.Store.ManagerName,
		EscalatedToContact: demo.Store.ManagerPhone,
		Status:             models.EscalationPending,
	}
	require.NoError(t, db.Create(esc).Error)

	provider := &fakeProvider{}
	d := NewDispatcher(db, provider, alerts, rec, logging.Discard())
	d.Now = func() time.Time { return t0 }
	d.BaseURL = "https://hooks.example.com"

	return &fixture{db: db, demo: demo, alerts: alerts, provider: provider, d: d, alert: created.Alert, esc: esc}
}

func (f *fixture) schedule(t *testing.T) *models.AiCall {
	t.Helper()
	def := f.demo.Kpis["sales"]
	call, err := f.d.ScheduleCall(context.Background(), f.esc, f.alert, &f.demo.Store, &def)
	require.NoError(t, err)
	f.d.Wait()
	return call
}

func (f *fixture) reload(t *testing.T, id uint) models.AiCall {
	t.Helper()
	var call models.AiCall
	require.NoError(t, f.db.First(&call, id).Error)
	return call
}

func TestScheduleCallPlacesCall(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)

	assert.Equal(t, models.CallScheduled, call.CallStatus)
	assert.NotEmpty(t, call.CorrelationID)
	assert.Equal(t, "+15550000300", call.ToPhone)
	assert.Contains(t, call.Script, "Hello Morgan Manager")
	assert.Contains(t, call.Script, "about Downtown VC")
	assert.Contains(t, call.Script, "Sales Performance is 18.4 percent off target")
	assert.Equal(t, models.SeverityRed, call.Metadata.Severity)
	assert.Equal(t, 3, call.Metadata.EscalationLevel)

	stored := f.reload(t, call.ID)
	assert.Equal(t, models.CallInitiated, stored.CallStatus)
	assert.Equal(t, fmt.Sprintf("CA-%d", call.ID), stored.ProviderCallID)

	require.Len(t, f.provider.requests, 1)
	assert.Equal(t, call.CorrelationID, f.provider.requests[0].CorrelationID)
}

func TestScheduleCallRecordsProviderFailure(t *testing.T) {
	f := setup(t)
	f.provider.err = apperr.ExternalProvider("fake", errors.New("line busy"))

	call := f.schedule(t)

	stored := f.reload(t, call.ID)
	assert.Equal(t, models.CallFailed, stored.CallStatus)
	assert.Contains(t, stored.ErrorMessage, "line busy")
	assert.NotNil(t, stored.EndedAt)
}

func TestScheduleCallTimesOut(t *testing.T) {
	f := setup(t)
	f.provider.release = make(chan struct{})
	t.Cleanup(func() { close(f.provider.release) })
	f.d.Timeout = 20 * time.Millisecond

	call := f.schedule(t)

	stored := f.reload(t, call.ID)
	assert.Equal(t, models.CallFailed, stored.CallStatus)
	assert.Contains(t, stored.ErrorMessage, "deadline exceeded")
}

func TestScheduleCallRequiresScript(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.db.Model(&models.CallScript{}).Where("1 = 1").Update("is_active", false).Error)

	def := f.demo.Kpis["sales"]
	call, err := f.d.ScheduleCall(context.Background(), f.esc, f.alert, &f.demo.Store, &def)
	assert.True(t, apperr.IsConfiguration(err))
	require.NotNil(t, call)

	var calls []models.AiCall
	require.NoError(t, f.db.Find(&calls).Error)
	require.Len(t, calls, 1)
	assert.Equal(t, call.ID, calls[0].ID)
	assert.Equal(t, models.CallFailed, calls[0].CallStatus)
	assert.Equal(t, err.Error(), calls[0].ErrorMessage)
	assert.Equal(t, f.esc.ID, *calls[0].EscalationID)
	assert.NotNil(t, calls[0].EndedAt)
	assert.Empty(t, f.provider.requests)
}

func TestScheduleCallWithoutPhoneIsRecordedAsFailed(t *testing.T) {
	f := setup(t)
	f.esc.EscalatedToContact = ""
	store := f.demo.Store
	store.ManagerPhone = ""

	def := f.demo.Kpis["sales"]
	call, err := f.d.ScheduleCall(context.Background(), f.esc, f.alert, &store, &def)
	assert.True(t, apperr.IsValidation(err))
	require.NotNil(t, call)
	f.d.Wait()

	stored := f.reload(t, call.ID)
	assert.Equal(t, models.CallFailed, stored.CallStatus)
	assert.Contains(t, stored.ErrorMessage, "no manager phone number")
	assert.Empty(t, f.provider.requests)

	history, err := f.d.CallHistory(context.Background(), f.demo.Store.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.CallFailed, history[0].CallStatus)
}

func TestOnCallStatus(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)
	ctx := context.Background()

	updated, err := f.d.OnCallStatus(ctx, call.ID, "ringing", 0)
	require.NoError(t, err)
	assert.Equal(t, models.CallInProgress, updated.CallStatus)
	require.NotNil(t, updated.StartedAt)

	updated, err = f.d.OnCallStatus(ctx, call.ID, "completed", 42)
	require.NoError(t, err)
	assert.Equal(t, models.CallCompleted, updated.CallStatus)
	assert.Equal(t, 42, updated.DurationSeconds)
	assert.NotNil(t, updated.EndedAt)

	// Late reports do not reopen a finished call.
	updated, err = f.d.OnCallStatus(ctx, call.ID, "in-progress", 0)
	require.NoError(t, err)
	assert.Equal(t, models.CallCompleted, updated.CallStatus)

	stored := f.reload(t, call.ID)
	assert.Equal(t, models.CallCompleted, stored.CallStatus)
	assert.Equal(t, "completed", stored.Metadata.ProviderStatus)
	assert.Equal(t, fmt.Sprintf("CA-%d", call.ID), stored.ProviderCallID)

	_, err = f.d.OnCallStatus(ctx, call.ID, "exploded", 0)
	assert.True(t, apperr.IsValidation(err))

	_, err = f.d.OnCallStatus(ctx, 9999, "completed", 0)
	assert.True(t, apperr.IsNotFound(err))
}

func TestNoAnswerLeavesAlertOpen(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)

	updated, err := f.d.OnCallStatus(context.Background(), call.ID, "no-answer", 0)
	require.NoError(t, err)
	assert.Equal(t, models.CallNoAnswer, updated.CallStatus)

	a, err := f.alerts.GetAlert(context.Background(), f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, a.Status)
}

func TestSpokenYesAcknowledgesAlert(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)
	ctx := context.Background()

	updated, err := f.d.OnCallResponse(ctx, call.ID, "Yes, I'm on it")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAcknowledged, updated.Outcome)

	a, err := f.alerts.GetAlert(ctx, f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusAcknowledged, a.Status)
	assert.Equal(t, CallAcknowledger, a.AcknowledgedBy)

	// Webhook retries must not add more follow-ups.
	_, err = f.d.OnCallResponse(ctx, call.ID, "yes")
	require.NoError(t, err)

	tasks, err := f.alerts.ListTasks(ctx, alert.TaskFilter{AlertID: f.alert.ID})
	require.NoError(t, err)
	var followUps []models.Task
	for _, task := range tasks {
		if task.TaskType == models.TaskTypeFollowUp {
			followUps = append(followUps, task)
		}
	}
	require.Len(t, followUps, 1)
	assert.Equal(t, "Follow up on acknowledged alert", followUps[0].Title)
	assert.Equal(t, "Manager acknowledged alert via AI call. Notes: Yes, I'm on it", followUps[0].Description)
	assert.Equal(t, 2, followUps[0].Priority)
	assert.True(t, t0.Add(24*time.Hour).Equal(*followUps[0].DueDate))
}

func TestSpokenLaterRequestsCallback(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)
	ctx := context.Background()

	updated, err := f.d.OnCallResponse(ctx, call.ID, "call me later")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCallbackRequested, updated.Outcome)
	require.NotNil(t, updated.Metadata.CallbackTime)
	assert.True(t, t0.Add(2*time.Hour).Equal(*updated.Metadata.CallbackTime))

	tasks, err := f.alerts.ListTasks(ctx, alert.TaskFilter{StoreID: f.demo.Store.ID, Role: models.RoleRegionalManager})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskTypeCallback, tasks[0].TaskType)
	assert.True(t, t0.Add(2*time.Hour).Equal(*tasks[0].DueDate))

	a, err := f.alerts.GetAlert(ctx, f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, a.Status)
}

func TestUnrecognisedSpeech(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)

	updated, err := f.d.OnCallResponse(context.Background(), call.ID, "who is this")
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeOther, updated.Outcome)
	assert.Equal(t, "who is this", f.reload(t, call.ID).Metadata.SpeechResponse)
}

func TestNegativeAnswerDoesNotAcknowledge(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)
	ctx := context.Background()

	for _, speech := range []string{
		"I already told the district yesterday, no",
		"eyes on it",
		"yes, no, not now",
	} {
		updated, err := f.d.OnCallResponse(ctx, call.ID, speech)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeOther, updated.Outcome, speech)
	}

	a, err := f.alerts.GetAlert(ctx, f.alert.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AlertStatusActive, a.Status)
}

func TestOnFunctionResult(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)
	ctx := context.Background()

	_, err := f.d.OnFunctionResult(ctx, call.ID, "transfer_call", nil)
	assert.True(t, apperr.IsValidation(err))

	updated, err := f.d.OnFunctionResult(ctx, call.ID, FunctionRequestCallback, map[string]string{"callback_time": "in 3 hours"})
	require.NoError(t, err)
	assert.True(t, t0.Add(3*time.Hour).Equal(*updated.Metadata.CallbackTime))

	updated, err = f.d.OnFunctionResult(ctx, call.ID, FunctionAcknowledgeAlert, map[string]string{"notes": "restocking now"})
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeAcknowledged, updated.Outcome)
	assert.Equal(t, "restocking now", f.reload(t, call.ID).Metadata.AcknowledgmentNotes)
}

func TestParseCallbackTime(t *testing.T) {
	cases := map[string]time.Duration{
		"3 hours":          3 * time.Hour,
		"in 1 hour":        time.Hour,
		"a few hours":      2 * time.Hour,
		"Tomorrow":         24 * time.Hour,
		"":                 2 * time.Hour,
		"after the rush":   2 * time.Hour,
		"0 hours from now": 2 * time.Hour,
		"in 200 hours":     168 * time.Hour,
		"in 9999999 hours": 168 * time.Hour,
	}
	for phrase, want := range cases {
		assert.Equal(t, t0.Add(want), ParseCallbackTime(t0, phrase), phrase)
	}
}

func TestRecordingAndTranscript(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)
	ctx := context.Background()

	_, err := f.d.OnRecording(ctx, call.ID, "https://recordings.example.com/RE1")
	require.NoError(t, err)
	_, err = f.d.OnTranscript(ctx, call.ID, "manager: yes")
	require.NoError(t, err)

	stored := f.reload(t, call.ID)
	assert.Equal(t, "https://recordings.example.com/RE1", stored.RecordingURL)
	assert.Equal(t, "manager: yes", stored.Transcript)
	assert.Equal(t, models.CallInitiated, stored.CallStatus)
}

func TestCallHistoryAndDetails(t *testing.T) {
	f := setup(t)
	call := f.schedule(t)
	ctx := context.Background()

	history, err := f.d.CallHistory(ctx, f.demo.Store.ID, 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].Alert)
	require.NotNil(t, history[0].Alert.KpiDefinition)
	assert.Equal(t, "sales", history[0].Alert.KpiDefinition.KpiCode)

	details, err := f.d.CallDetails(ctx, call.ID)
	require.NoError(t, err)
	require.NotNil(t, details.Store)
	require.NotNil(t, details.Escalation)
	assert.Equal(t, f.esc.ID, details.Escalation.ID)

	_, err = f.d.CallDetails(ctx, 9999)
	assert.True(t, apperr.IsNotFound(err))
}

func TestBuildTwiML(t *testing.T) {
	call := &models.AiCall{Script: "Sales is down.", Metadata: models.CallMetadata{Severity: models.SeverityRed}}
	call.ID = 7

	body, err := BuildTwiML(call, "https://hooks.example.com/")
	require.NoError(t, err)
	doc := string(body)
	assert.True(t, strings.HasPrefix(doc, "<?xml"))
	assert.Contains(t, doc, `<Pause length="1"></Pause>`)
	assert.Contains(t, doc, `<Say voice="alice">Sales is down.</Say>`)
	assert.Contains(t, doc, `action="https://hooks.example.com/api/v1/voice/response/7"`)
	assert.Contains(t, doc, gatherPrompt)
	assert.True(t, strings.HasSuffix(doc, "<Hangup></Hangup></Response>"))

	call.Metadata.Severity = models.SeverityYellow
	body, err = BuildTwiML(call, "https://hooks.example.com")
	require.NoError(t, err)
	assert.NotContains(t, string(body), "<Gather")
}
