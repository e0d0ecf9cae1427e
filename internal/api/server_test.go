package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/auth"
	"github.com/storehealth/internal/database"
	"github.com/storehealth/internal/escalation"
	"github.com/storehealth/internal/health"
	"github.com/storehealth/internal/kpi"
	"github.com/storehealth/internal/lock"
	"github.com/storehealth/internal/logging"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/notify"
	"github.com/storehealth/internal/seed"
	"github.com/storehealth/internal/voice"
)

type nopNotifier struct{}

func (nopNotifier) Send(context.Context, models.Contact, notify.Message) error { return nil }

type testServer struct {
	db     *gorm.DB
	demo   *seed.Demo
	server *Server
	calls  *voice.Dispatcher
	token  string
}

func setup(t *testing.T, authEnabled bool) *testServer {
	t.Helper()
	db, err := database.OpenMemory(strings.ReplaceAll(t.Name(), "/", "_"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	demo, err := seed.Create(db, "AP")
	require.NoError(t, err)

	log := logging.Discard()
	locker := lock.NewLocal()
	alerts := alert.NewManager(db, locker, nil, log)
	calls := voice.NewDispatcher(db, voice.DryRunProvider{}, alerts, nil, log)
	t.Cleanup(calls.Wait)

	svc := Services{
		Kpis:        kpi.NewCalculator(db, locker, log),
		Health:      health.NewChecker(db, locker, nil, log),
		Alerts:      alerts,
		Escalations: escalation.NewEngine(db, locker, nopNotifier{}, calls, nil, log),
		Rules:       escalation.NewRuleManager(db),
		Calls:       calls,
		Auth:        auth.NewAuthenticator(db, "test-secret", authEnabled),
	}
	return &testServer{db: db, demo: demo, server: NewServer(svc, log), calls: calls}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if ts.token != "" {
		req.Header.Set("Authorization", "Bearer "+ts.token)
	}
	return ts.serve(t, req)
}

func (ts *testServer) form(t *testing.T, path string, values url.Values) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(values.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return ts.serve(t, req)
}

func (ts *testServer) serve(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	w := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w, env
}

func decode(t *testing.T, env envelope, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func TestHealthzAndMetrics(t *testing.T) {
	ts := setup(t, false)

	w, _ := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestRedKpiBecomesAcknowledgedAlert(t *testing.T) {
	ts := setup(t, false)
	store := ts.demo.Store.ID

	w, env := ts.do(t, http.MethodPost, "/api/v1/kpis/calculate", map[string]interface{}{
		"store_id":    store,
		"kpi_code":    "labor_coverage",
		"metric_date": "2024-03-15",
		"value":       80,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var calc kpi.Result
	decode(t, env, &calc)
	assert.Equal(t, models.StatusRed, calc.Metric.Status)

	w, env = ts.do(t, http.MethodPost, fmt.Sprintf("/api/v1/stores/%d/alerts/process?date=2024-03-15", store), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var items []alert.ProcessItem
	decode(t, env, &items)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].Result)
	assert.True(t, items[0].Result.Created)

	w, env = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/stores/%d/alerts/active", store), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active []models.Alert
	decode(t, env, &active)
	require.Len(t, active, 1)
	assert.Equal(t, 2, active[0].EscalationLevel)

	w, env = ts.do(t, http.MethodPut, fmt.Sprintf("/api/v1/alerts/%d/acknowledge", active[0].ID), nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var acked models.Alert
	decode(t, env, &acked)
	assert.Equal(t, models.AlertStatusAcknowledged, acked.Status)
	assert.Equal(t, auth.AnonymousActor, acked.AcknowledgedBy)

	w, env = ts.do(t, http.MethodPut, fmt.Sprintf("/api/v1/alerts/%d/acknowledge", active[0].ID), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.False(t, env.Success)

	w, env = ts.do(t, http.MethodPut, fmt.Sprintf("/api/v1/alerts/%d/resolve", active[0].ID), map[string]string{"note": "rota fixed"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resolved models.Alert
	decode(t, env, &resolved)
	assert.Equal(t, models.AlertStatusResolved, resolved.Status)
	assert.Equal(t, "rota fixed", resolved.ResolutionNote)
}

func TestErrorStatusCodes(t *testing.T) {
	ts := setup(t, false)

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		code   int
	}{
		{"missing value", http.MethodPost, "/api/v1/kpis/calculate", map[string]interface{}{"store_id": ts.demo.Store.ID, "kpi_code": "sales"}, http.StatusBadRequest},
		{"bad date", http.MethodPost, "/api/v1/kpis/calculate", map[string]interface{}{"store_id": ts.demo.Store.ID, "kpi_code": "sales", "value": 1, "metric_date": "15/03/2024"}, http.StatusBadRequest},
		{"unknown store", http.MethodPost, "/api/v1/kpis/calculate", map[string]interface{}{"store_id": 9999, "kpi_code": "sales", "value": 1}, http.StatusNotFound},
		{"bad id", http.MethodGet, "/api/v1/alerts/abc", nil, http.StatusBadRequest},
		{"unknown alert", http.MethodGet, "/api/v1/alerts/9999", nil, http.StatusNotFound},
		{"escalate without level", http.MethodPost, "/api/v1/alerts/1/escalate", map[string]interface{}{}, http.StatusBadRequest},
		{"unknown call", http.MethodGet, "/api/v1/calls/9999", nil, http.StatusNotFound},
		{"no metrics", http.MethodPost, fmt.Sprintf("/api/v1/stores/%d/health/check?date=2024-03-15", ts.demo.Store.ID), nil, http.StatusNotFound},
		{"reports unconfigured", http.MethodPost, "/api/v1/reports/daily/send", nil, http.StatusUnprocessableEntity},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := ts.do(t, tc.method, tc.path, tc.body)
			assert.Equal(t, tc.code, w.Code, w.Body.String())
			assert.False(t, env.Success)
			assert.NotEmpty(t, env.Message)
		})
	}
}

func TestRuleEndpoints(t *testing.T) {
	ts := setup(t, false)
	org := ts.demo.Organization.ID

	w, env := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/organizations/%d/rules", org), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var rules []models.EscalationRule
	decode(t, env, &rules)
	require.Len(t, rules, 3)

	w, _ = ts.do(t, http.MethodPost, fmt.Sprintf("/api/v1/organizations/%d/rules/defaults", org), nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, _ = ts.do(t, http.MethodPut, fmt.Sprintf("/api/v1/rules/%d/disable", rules[0].ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	w, env = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/organizations/%d/rules?active=true", org), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var active []models.EscalationRule
	decode(t, env, &active)
	assert.Len(t, active, 2)

	w, _ = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/organizations/%d/rules/export", org), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var exported []models.EscalationRule
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &exported))
	assert.Len(t, exported, 3)

	w, _ = ts.do(t, http.MethodPost, fmt.Sprintf("/api/v1/organizations/%d/rules/import", org), `[{"name":"bad","action":"fax"}]`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVoiceWebhooks(t *testing.T) {
	ts := setup(t, false)

	call := models.AiCall{
		StoreID:       ts.demo.Store.ID,
		CallType:      "escalation",
		Provider:      "twilio",
		CorrelationID: "corr-1",
		CallStatus:    models.CallInitiated,
		RecipientName: "Morgan Manager",
		ToPhone:       "+15550000300",
		Script:        "Hello Morgan Manager.",
		Outcome:       models.OutcomeNone,
		Metadata:      models.CallMetadata{Severity: models.SeverityRed},
	}
	require.NoError(t, ts.db.Create(&call).Error)

	w, _ := ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/voice/twiml/%d", call.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "application/xml")
	assert.Contains(t, w.Body.String(), "Hello Morgan Manager.")

	w, env := ts.form(t, fmt.Sprintf("/api/v1/voice/status/%d", call.ID), url.Values{"CallStatus": {"in-progress"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.AiCall
	decode(t, env, &updated)
	assert.Equal(t, models.CallInProgress, updated.CallStatus)

	w, _ = ts.form(t, fmt.Sprintf("/api/v1/voice/status/%d", call.ID), url.Values{"CallStatus": {"exploded"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = ts.form(t, fmt.Sprintf("/api/v1/voice/response/%d", call.ID), url.Values{"SpeechResult": {"call me later"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "<Hangup/>")

	w, env = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/tasks?store_id=%d&role=%s", ts.demo.Store.ID, models.RoleRegionalManager), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var tasks []models.Task
	decode(t, env, &tasks)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskTypeCallback, tasks[0].TaskType)

	w, _ = ts.form(t, fmt.Sprintf("/api/v1/voice/status/%d", call.ID), url.Values{"CallStatus": {"completed"}, "CallDuration": {"42"}})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = ts.form(t, fmt.Sprintf("/api/v1/voice/recording/%d", call.ID), url.Values{"RecordingUrl": {"https://example.com/rec.mp3"}})
	require.Equal(t, http.StatusOK, w.Code)

	w, env = ts.do(t, http.MethodGet, fmt.Sprintf("/api/v1/calls/%d", call.ID), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var details models.AiCall
	decode(t, env, &details)
	assert.Equal(t, models.CallCompleted, details.CallStatus)
	assert.Equal(t, 42, details.DurationSeconds)
	assert.Equal(t, models.OutcomeCallbackRequested, details.Outcome)
	assert.Equal(t, "https://example.com/rec.mp3", details.RecordingURL)
	require.NotNil(t, details.Store)
}

func TestAuthentication(t *testing.T) {
	ts := setup(t, true)

	viewer := models.Operator{Username: "vic", Role: models.RoleViewer, IsActive: true}
	require.NoError(t, viewer.SetPassword("s3cret"))
	require.NoError(t, ts.db.Create(&viewer).Error)

	w, _ := ts.do(t, http.MethodGet, "/api/v1/alerts", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, _ = ts.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "vic", "password": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, env := ts.do(t, http.MethodPost, "/api/v1/auth/login", map[string]string{"username": "vic", "password": "s3cret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var login struct {
		Token string `json:"token"`
	}
	decode(t, env, &login)
	require.NotEmpty(t, login.Token)
	ts.token = login.Token

	w, _ = ts.do(t, http.MethodGet, "/api/v1/alerts", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, _ = ts.do(t, http.MethodPut, "/api/v1/rules/1/disable", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	ts.token = "not-a-token"
	w, _ = ts.do(t, http.MethodGet, "/api/v1/alerts", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Provider webhooks stay reachable without a token.
	ts.token = ""
	w, _ = ts.form(t, "/api/v1/voice/status/9999", url.Values{"CallStatus": {"completed"}})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
