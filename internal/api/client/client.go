package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/escalation"
	"github.com/storehealth/internal/health"
	"github.com/storehealth/internal/kpi"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/report"
)

const dateLayout = "2006-01-02"

// Client talks to the store health API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func NewClient(baseURL, token string) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func formatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func withQuery(endpoint string, query url.Values) string {
	if len(query) == 0 {
		return endpoint
	}
	return endpoint + "?" + query.Encode()
}

func dateValues(date time.Time) url.Values {
	query := url.Values{}
	if d := formatDate(date); d != "" {
		query.Set("date", d)
	}
	return query
}

func (c *Client) Login(username, password string) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	err := c.call(http.MethodPost, "/api/v1/auth/login", map[string]string{
		"username": username,
		"password": password,
	}, &out)
	if err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *Client) CalculateKpi(storeID uint, kpiCode string, date time.Time, value float64) (*kpi.Result, error) {
	var result kpi.Result
	err := c.call(http.MethodPost, "/api/v1/kpis/calculate", map[string]interface{}{
		"store_id":    storeID,
		"kpi_code":    kpiCode,
		"metric_date": formatDate(date),
		"value":       value,
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) CalculateBatch(storeID uint, date time.Time, values map[string]float64) ([]kpi.BatchItem, error) {
	var items []kpi.BatchItem
	err := c.call(http.MethodPost, "/api/v1/kpis/batch", map[string]interface{}{
		"store_id":    storeID,
		"metric_date": formatDate(date),
		"values":      values,
	}, &items)
	return items, err
}

func (c *Client) LatestKpis(storeID uint) ([]models.KpiMetric, error) {
	var metrics []models.KpiMetric
	err := c.call(http.MethodGet, fmt.Sprintf("/api/v1/stores/%d/kpis/latest", storeID), nil, &metrics)
	return metrics, err
}

func (c *Client) CheckStoreHealth(storeID uint, date time.Time) (*health.Report, error) {
	var rep health.Report
	endpoint := withQuery(fmt.Sprintf("/api/v1/stores/%d/health/check", storeID), dateValues(date))
	if err := c.call(http.MethodPost, endpoint, nil, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func (c *Client) CheckAllStores(date time.Time) (*health.BatchResult, error) {
	var result health.BatchResult
	if err := c.call(http.MethodPost, withQuery("/api/v1/health/check-all", dateValues(date)), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) Dashboard(date time.Time) (*health.Overview, error) {
	var overview health.Overview
	if err := c.call(http.MethodGet, withQuery("/api/v1/health/dashboard", dateValues(date)), nil, &overview); err != nil {
		return nil, err
	}
	return &overview, nil
}

func (c *Client) ListAlerts(storeID uint, status, severity string) ([]models.Alert, error) {
	query := url.Values{}
	if storeID != 0 {
		query.Set("store_id", fmt.Sprintf("%d", storeID))
	}
	if status != "" {
		query.Set("status", status)
	}
	if severity != "" {
		query.Set("severity", severity)
	}

	var alerts []models.Alert
	err := c.call(http.MethodGet, withQuery("/api/v1/alerts", query), nil, &alerts)
	return alerts, err
}

func (c *Client) ProcessStoreKpis(storeID uint, date time.Time) ([]alert.ProcessItem, error) {
	var items []alert.ProcessItem
	endpoint := withQuery(fmt.Sprintf("/api/v1/stores/%d/alerts/process", storeID), dateValues(date))
	err := c.call(http.MethodPost, endpoint, nil, &items)
	return items, err
}

func (c *Client) AcknowledgeAlert(id uint) (*models.Alert, error) {
	var a models.Alert
	if err := c.call(http.MethodPut, fmt.Sprintf("/api/v1/alerts/%d/acknowledge", id), nil, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) ResolveAlert(id uint, note string) (*models.Alert, error) {
	var a models.Alert
	if err := c.call(http.MethodPut, fmt.Sprintf("/api/v1/alerts/%d/resolve", id), map[string]string{"note": note}, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

func (c *Client) Escalate(alertID uint, toLevel int, reason string) (*models.Escalation, error) {
	var esc models.Escalation
	err := c.call(http.MethodPost, fmt.Sprintf("/api/v1/alerts/%d/escalate", alertID), map[string]interface{}{
		"to_level": toLevel,
		"reason":   reason,
	}, &esc)
	if err != nil {
		return nil, err
	}
	return &esc, nil
}

func (c *Client) Sweep() (*escalation.SweepResult, error) {
	var result escalation.SweepResult
	if err := c.call(http.MethodPost, "/api/v1/escalations/sweep", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) PendingEscalations() ([]models.Escalation, error) {
	var escalations []models.Escalation
	err := c.call(http.MethodGet, "/api/v1/escalations/pending", nil, &escalations)
	return escalations, err
}

func (c *Client) ListRules(orgID uint) ([]models.EscalationRule, error) {
	var rules []models.EscalationRule
	err := c.call(http.MethodGet, fmt.Sprintf("/api/v1/organizations/%d/rules", orgID), nil, &rules)
	return rules, err
}

func (c *Client) EnableRule(id uint) error {
	return c.call(http.MethodPut, fmt.Sprintf("/api/v1/rules/%d/enable", id), nil, nil)
}

func (c *Client) DisableRule(id uint) error {
	return c.call(http.MethodPut, fmt.Sprintf("/api/v1/rules/%d/disable", id), nil, nil)
}

func (c *Client) ExportRules(orgID uint) ([]byte, error) {
	resp, err := c.doRequest(http.MethodGet, fmt.Sprintf("/api/v1/organizations/%d/rules/export", orgID), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return io.ReadAll(resp.Body)
}

func (c *Client) ImportRules(orgID uint, data []byte) (int, error) {
	resp, err := c.doRequest(http.MethodPost, fmt.Sprintf("/api/v1/organizations/%d/rules/import", orgID), bytes.NewReader(data))
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	var out struct {
		Imported int `json:"imported"`
	}
	if err := decodeEnvelope(resp.Body, &out); err != nil {
		return 0, err
	}
	return out.Imported, nil
}

func (c *Client) CallHistory(storeID uint, limit int) ([]models.AiCall, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", fmt.Sprintf("%d", limit))
	}
	var calls []models.AiCall
	err := c.call(http.MethodGet, withQuery(fmt.Sprintf("/api/v1/stores/%d/calls", storeID), query), nil, &calls)
	return calls, err
}

func (c *Client) SendReport(reportType string, date time.Time) (*report.SendResult, error) {
	var result report.SendResult
	endpoint := withQuery(fmt.Sprintf("/api/v1/reports/%s/send", url.PathEscape(reportType)), dateValues(date))
	if err := c.call(http.MethodPost, endpoint, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// call sends data as JSON and decodes the response's data field into v.
func (c *Client) call(method, endpoint string, data, v interface{}) error {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		body = bytes.NewReader(jsonData)
	}

	resp, err := c.doRequest(method, endpoint, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if v == nil {
		return nil
	}
	return decodeEnvelope(resp.Body, v)
}

func decodeEnvelope(r io.Reader, v interface{}) error {
	var env envelope
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}

func (c *Client) doRequest(method, endpoint string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequest(method, c.baseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err == nil && env.Message != "" {
			apiErr.Message = env.Message
		}
		return nil, apiErr
	}

	return resp, nil
}
