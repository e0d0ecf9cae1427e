package voice

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/sirupsen/logrus"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/models"
)

// CallAcknowledger is recorded as the acknowledging party when a manager
// acknowledges an alert during a call.
const CallAcknowledger = "AI Call Response"

const (
	FunctionAcknowledgeAlert = "acknowledge_alert"
	FunctionRequestCallback  = "request_callback"
)

const (
	defaultCallbackDelay = 2 * time.Hour
	// A requested callback is never scheduled more than a week out.
	maxCallbackHours = 7 * 24
)

func mapProviderStatus(status string) (models.CallStatus, bool) {
	switch strings.ToLower(status) {
	case "queued", "initiated":
		return models.CallInitiated, true
	case "ringing", "answered", "in-progress", "in_progress":
		return models.CallInProgress, true
	case "completed":
		return models.CallCompleted, true
	case "busy", "failed", "canceled":
		return models.CallFailed, true
	case "no-answer", "no_answer":
		return models.CallNoAnswer, true
	default:
		return "", false
	}
}

// OnCallStatus applies a provider status report. Reports arriving after the
// call reached a terminal status are ignored.
func (d *Dispatcher) OnCallStatus(ctx context.Context, id uint, providerStatus string, durationSeconds int) (*models.AiCall, error) {
	status, ok := mapProviderStatus(providerStatus)
	if !ok {
		return nil, apperr.Validation("unknown call status %q", providerStatus)
	}
	call, err := d.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if call.CallStatus.Terminal() {
		d.log.WithFields(logrus.Fields{"call_id": id, "status": providerStatus}).Debug("ignoring status for finished call")
		return call, nil
	}

	now := d.now()
	call.CallStatus = status
	call.Metadata.ProviderStatus = providerStatus
	switch {
	case status == models.CallInProgress:
		if call.StartedAt == nil {
			call.StartedAt = &now
		}
	case status.Terminal():
		call.EndedAt = &now
		if durationSeconds > 0 {
			call.DurationSeconds = durationSeconds
		}
	}
	if err := d.save(ctx, call, "call_status", "started_at", "ended_at", "duration_seconds", "metadata"); err != nil {
		return nil, err
	}

	d.changed(ctx, call)
	d.log.WithFields(logrus.Fields{"call_id": id, "status": status}).Info("ai call status updated")
	return call, nil
}

// OnCallResponse interprets the manager's spoken answer to the acknowledge
// prompt: the word "yes" acknowledges the alert unless the answer also says
// no, and "later" asks for a callback. Anything else is kept as is.
func (d *Dispatcher) OnCallResponse(ctx context.Context, id uint, speech string) (*models.AiCall, error) {
	call, err := d.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}
	call.Metadata.SpeechResponse = speech

	words := spokenWords(speech)
	switch {
	case words["yes"] && !words["no"] && !words["not"]:
		return d.acknowledge(ctx, call, speech)
	case words["later"]:
		return d.requestCallback(ctx, call, "")
	}

	if call.Outcome == models.OutcomeNone {
		call.Outcome = models.OutcomeOther
	}
	if err := d.save(ctx, call, "outcome", "metadata"); err != nil {
		return nil, err
	}
	d.changed(ctx, call)
	return call, nil
}

// spokenWords splits a speech transcript into lower-case words without
// punctuation.
func spokenWords(speech string) map[string]bool {
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(strings.ToLower(speech), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	}) {
		words[w] = true
	}
	return words
}

// OnFunctionResult handles a structured result reported by a conversational
// provider.
func (d *Dispatcher) OnFunctionResult(ctx context.Context, id uint, name string, params map[string]string) (*models.AiCall, error) {
	switch name {
	case FunctionAcknowledgeAlert, FunctionRequestCallback:
	default:
		return nil, apperr.Validation("unknown call function %q", name)
	}
	call, err := d.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}
	if name == FunctionAcknowledgeAlert {
		return d.acknowledge(ctx, call, params["notes"])
	}
	return d.requestCallback(ctx, call, params["callback_time"])
}

// acknowledge acknowledges the call's alert if it is still active and leaves
// a follow-up task for the store manager. Repeated deliveries are no-ops.
func (d *Dispatcher) acknowledge(ctx context.Context, call *models.AiCall, notes string) (*models.AiCall, error) {
	if call.Outcome == models.OutcomeAcknowledged {
		return call, nil
	}
	log := d.log.WithField("call_id", call.ID)

	if call.AlertID != nil {
		a, err := d.alerts.GetAlert(ctx, *call.AlertID)
		if err != nil {
			return nil, err
		}
		if a.Status == models.AlertStatusActive {
			if _, err := d.alerts.AcknowledgeAlert(ctx, a.ID, CallAcknowledger); err != nil && !apperr.IsConflict(err) {
				return nil, err
			}
		}

		if notes == "" {
			notes = "None"
		}
		due := d.now().Add(24 * time.Hour)
		task := &models.Task{
			AlertID:         &a.ID,
			StoreID:         call.StoreID,
			KpiDefinitionID: &a.KpiDefinitionID,
			TaskType:        models.TaskTypeFollowUp,
			Priority:        2,
			Title:           "Follow up on acknowledged alert",
			Description:     fmt.Sprintf("Manager acknowledged alert via AI call. Notes: %s", notes),
			AssignedToRole:  models.RoleStoreManager,
			AssignedToName:  call.RecipientName,
			Status:          models.TaskStatusPending,
			DueDate:         &due,
			Metadata:        models.TaskMetadata{AiCallID: &call.ID},
		}
		if err := d.alerts.CreateTask(ctx, task); err != nil {
			return nil, err
		}
	}

	call.Outcome = models.OutcomeAcknowledged
	call.Metadata.AcknowledgmentNotes = notes
	if err := d.save(ctx, call, "outcome", "metadata"); err != nil {
		return nil, err
	}
	d.changed(ctx, call)
	log.Info("alert acknowledged via ai call")
	return call, nil
}

// requestCallback records the requested callback time and schedules a task
// for regional management due at that time.
func (d *Dispatcher) requestCallback(ctx context.Context, call *models.AiCall, when string) (*models.AiCall, error) {
	if call.Outcome == models.OutcomeCallbackRequested {
		return call, nil
	}
	at := ParseCallbackTime(d.now(), when)

	task := &models.Task{
		AlertID:        call.AlertID,
		StoreID:        call.StoreID,
		TaskType:       models.TaskTypeCallback,
		Priority:       2,
		Title:          "Call back store manager",
		Description:    fmt.Sprintf("Manager requested callback at %s", at.Format("Jan 2, 2006 3:04 PM MST")),
		AssignedToRole: models.RoleRegionalManager,
		Status:         models.TaskStatusPending,
		DueDate:        &at,
		Metadata:       models.TaskMetadata{AiCallID: &call.ID, CallbackTime: &at},
	}
	if err := d.alerts.CreateTask(ctx, task); err != nil {
		return nil, err
	}

	call.Outcome = models.OutcomeCallbackRequested
	call.Metadata.CallbackTime = &at
	if err := d.save(ctx, call, "outcome", "metadata"); err != nil {
		return nil, err
	}
	d.changed(ctx, call)
	d.log.WithFields(logrus.Fields{"call_id": call.ID, "callback_time": at}).Info("callback requested via ai call")
	return call, nil
}

// ParseCallbackTime turns phrases like "3 hours" or "tomorrow" into a time.
// Hour counts are capped at one week. Anything it does not understand means
// two hours from now.
func ParseCallbackTime(now time.Time, phrase string) time.Time {
	phrase = strings.ToLower(phrase)
	switch {
	case strings.Contains(phrase, "hour"):
		for _, field := range strings.Fields(phrase) {
			if n, err := strconv.Atoi(field); err == nil && n > 0 {
				if n > maxCallbackHours {
					n = maxCallbackHours
				}
				return now.Add(time.Duration(n) * time.Hour)
			}
		}
		return now.Add(defaultCallbackDelay)
	case strings.Contains(phrase, "tomorrow"):
		return now.Add(24 * time.Hour)
	default:
		return now.Add(defaultCallbackDelay)
	}
}

func (d *Dispatcher) OnRecording(ctx context.Context, id uint, url string) (*models.AiCall, error) {
	call, err := d.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}
	call.RecordingURL = url
	if err := d.save(ctx, call, "recording_url"); err != nil {
		return nil, err
	}
	return call, nil
}

func (d *Dispatcher) OnTranscript(ctx context.Context, id uint, transcript string) (*models.AiCall, error) {
	call, err := d.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}
	call.Transcript = transcript
	if err := d.save(ctx, call, "transcript"); err != nil {
		return nil, err
	}
	return call, nil
}
