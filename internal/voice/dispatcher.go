package voice

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/events"
	"github.com/storehealth/internal/metrics"
	"github.com/storehealth/internal/models"
)

const (
	defaultCallTimeout  = 30 * time.Second
	defaultHistoryLimit = 50
	escalationCallType  = "escalation"
)

// Dispatcher owns the AiCall lifecycle. It creates the record, dials through
// the provider in the background and applies provider callbacks.
type Dispatcher struct {
	db        *gorm.DB
	provider  Provider
	alerts    *alert.Manager
	publisher events.Publisher
	log       logrus.FieldLogger
	wg        sync.WaitGroup

	// Timeout bounds a single PlaceCall.
	Timeout time.Duration
	// BaseURL is the public address used in TwiML callbacks.
	BaseURL string
	Now     func() time.Time
}

func NewDispatcher(db *gorm.DB, provider Provider, alerts *alert.Manager, publisher events.Publisher, log logrus.FieldLogger) *Dispatcher {
	if publisher == nil {
		publisher = events.Nop{}
	}
	return &Dispatcher{
		db:        db,
		provider:  provider,
		alerts:    alerts,
		publisher: publisher,
		log:       log,
		Timeout:   defaultCallTimeout,
		Now:       time.Now,
	}
}

func (d *Dispatcher) now() time.Time {
	return d.Now().UTC()
}

// Wait blocks until every call placed so far has returned from the provider.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ScriptContext holds the values substituted into a call script.
type ScriptContext struct {
	StoreName   string
	ManagerName string
	KpiName     string
	VariancePct float64
}

// RenderScript fills the {store_name}, {manager_name}, {kpi_name} and
// {variance} placeholders of a stored template.
func RenderScript(template string, sc ScriptContext) string {
	return strings.NewReplacer(
		"{store_name}", sc.StoreName,
		"{manager_name}", sc.ManagerName,
		"{kpi_name}", sc.KpiName,
		"{variance}", fmt.Sprintf("%.1f", math.Abs(sc.VariancePct)),
	).Replace(template)
}

func (d *Dispatcher) activeScript(ctx context.Context, severity models.AlertSeverity) (*models.CallScript, error) {
	var script models.CallScript
	err := d.db.WithContext(ctx).
		Where("script_type = ? AND is_active = ?", severity, true).
		Order("id").
		First(&script).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Configuration("no active call script for %s alerts", severity)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load call script: %w", err)
	}
	return &script, nil
}

// ScheduleCall records a scheduled AiCall for the escalation and dials it in
// the background. The returned call is still scheduled; provider failures
// end up on the record, not in the error. When the call cannot be dialed at
// all (no script, no phone number) a failed AiCall is stored and returned
// together with the error.
func (d *Dispatcher) ScheduleCall(ctx context.Context, esc *models.Escalation, a *models.Alert, store *models.Store, def *models.KpiDefinition) (*models.AiCall, error) {
	name, phone := esc.EscalatedToName, esc.EscalatedToContact
	if !strings.HasPrefix(phone, "+") {
		name, phone = store.ManagerName, store.ManagerPhone
	}

	call := &models.AiCall{
		StoreID:       store.ID,
		AlertID:       &a.ID,
		EscalationID:  &esc.ID,
		CallType:      escalationCallType,
		Provider:      d.provider.Name(),
		CorrelationID: uuid.NewString(),
		CallStatus:    models.CallScheduled,
		RecipientName: name,
		ToPhone:       phone,
		ScheduledAt:   d.now(),
		Outcome:       models.OutcomeNone,
		Metadata: models.CallMetadata{
			Severity:        a.Severity,
			KpiCode:         def.KpiCode,
			EscalationLevel: esc.ToLevel,
		},
	}

	script, err := d.activeScript(ctx, a.Severity)
	if err == nil && phone == "" {
		err = apperr.Validation("store %d has no manager phone number", store.ID)
	}
	if err != nil {
		return d.recordUndialable(ctx, call, err)
	}

	call.Script = RenderScript(script.Template, ScriptContext{
		StoreName:   store.Name,
		ManagerName: name,
		KpiName:     def.Name,
		VariancePct: a.Metadata.VariancePct,
	})
	if err := d.db.WithContext(ctx).Create(call).Error; err != nil {
		return nil, fmt.Errorf("failed to create ai call: %w", err)
	}
	d.changed(ctx, call)

	req := CallRequest{
		CallID:        call.ID,
		CorrelationID: call.CorrelationID,
		To:            call.ToPhone,
		RecipientName: call.RecipientName,
		Script:        call.Script,
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.place(req)
	}()
	return call, nil
}

// recordUndialable stores call as failed with cause and returns both.
func (d *Dispatcher) recordUndialable(ctx context.Context, call *models.AiCall, cause error) (*models.AiCall, error) {
	now := d.now()
	call.CallStatus = models.CallFailed
	call.EndedAt = &now
	call.ErrorMessage = cause.Error()
	if err := d.db.WithContext(ctx).Create(call).Error; err != nil {
		return nil, fmt.Errorf("failed to create ai call: %w", err)
	}
	metrics.CallsTotal.WithLabelValues(string(models.CallFailed)).Inc()
	d.changed(ctx, call)
	d.log.WithError(cause).WithField("call_id", call.ID).Warn("ai call could not be dialed")
	return call, cause
}

type placement struct {
	providerCallID string
	err            error
}

// place dials one call with a bounded timeout. A provider that ignores the
// context is abandoned once the timeout passes.
func (d *Dispatcher) place(req CallRequest) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan placement, 1)
	go func() {
		id, err := d.provider.PlaceCall(ctx, req)
		done <- placement{providerCallID: id, err: err}
	}()

	var res placement
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = apperr.ExternalProvider(d.provider.Name(), ctx.Err())
	}

	log := d.log.WithField("call_id", req.CallID)
	db := d.db.WithContext(context.Background())

	var updates map[string]interface{}
	if res.err != nil {
		log.WithError(res.err).Error("failed to place ai call")
		updates = map[string]interface{}{
			"call_status":   models.CallFailed,
			"error_message": res.err.Error(),
			"ended_at":      d.now(),
		}
	} else {
		log.WithField("provider_call_id", res.providerCallID).Info("ai call placed")
		updates = map[string]interface{}{
			"call_status":      models.CallInitiated,
			"provider_call_id": res.providerCallID,
		}
	}

	// A status callback may already have moved the call past scheduled.
	result := db.Model(&models.AiCall{}).
		Where("id = ? AND call_status = ?", req.CallID, models.CallScheduled).
		Updates(updates)
	if result.Error != nil {
		log.WithError(result.Error).Error("failed to record call placement")
		return
	}
	if result.RowsAffected == 0 && res.err == nil {
		if err := db.Model(&models.AiCall{}).Where("id = ?", req.CallID).
			Update("provider_call_id", res.providerCallID).Error; err != nil {
			log.WithError(err).Error("failed to record provider call id")
		}
		return
	}

	call, err := d.loadCall(context.Background(), req.CallID)
	if err != nil {
		log.WithError(err).Warn("failed to reload ai call")
		return
	}
	d.changed(context.Background(), call)
}

func (d *Dispatcher) changed(ctx context.Context, call *models.AiCall) {
	metrics.CallsTotal.WithLabelValues(string(call.CallStatus)).Inc()
	d.publisher.Publish(ctx, events.Event{
		Type:     events.CallUpdated,
		StoreID:  call.StoreID,
		EntityID: call.ID,
		Data:     call,
	})
}

func (d *Dispatcher) loadCall(ctx context.Context, id uint) (*models.AiCall, error) {
	var call models.AiCall
	if err := d.db.WithContext(ctx).First(&call, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("ai call %d not found", id)
		}
		return nil, fmt.Errorf("failed to load ai call: %w", err)
	}
	return &call, nil
}

// save writes only the named columns so concurrent callbacks and the placement
// goroutine do not overwrite each other's fields.
func (d *Dispatcher) save(ctx context.Context, call *models.AiCall, columns ...string) error {
	if err := d.db.WithContext(ctx).Model(call).Select(columns).Updates(call).Error; err != nil {
		return fmt.Errorf("failed to update ai call: %w", err)
	}
	return nil
}

// TwiML renders the voice document Twilio fetches when the call connects.
func (d *Dispatcher) TwiML(ctx context.Context, id uint) ([]byte, error) {
	call, err := d.loadCall(ctx, id)
	if err != nil {
		return nil, err
	}
	return BuildTwiML(call, d.BaseURL)
}

// CallHistory returns a store's calls, newest first.
func (d *Dispatcher) CallHistory(ctx context.Context, storeID uint, limit int) ([]models.AiCall, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	var calls []models.AiCall
	err := d.db.WithContext(ctx).
		Where("store_id = ?", storeID).
		Preload("Alert.KpiDefinition").
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&calls).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load call history: %w", err)
	}
	return calls, nil
}

func (d *Dispatcher) CallDetails(ctx context.Context, id uint) (*models.AiCall, error) {
	var call models.AiCall
	err := d.db.WithContext(ctx).
		Preload("Store").
		Preload("Alert.KpiDefinition").
		Preload("Escalation").
		First(&call, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("ai call %d not found", id)
		}
		return nil, fmt.Errorf("failed to load ai call: %w", err)
	}
	return &call, nil
}
