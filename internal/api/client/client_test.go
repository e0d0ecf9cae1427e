package client

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storehealth/internal/models"
)

func TestClientUnwrapsDataAndSendsToken(t *testing.T) {
	var gotAuth, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": []map[string]interface{}{
				{"ID": 7, "severity": "red", "status": "active", "escalation_level": 2},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok")
	alerts, err := c.ListAlerts(3, "active", "")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "status=active&store_id=3", gotQuery)
	require.Len(t, alerts, 1)
	assert.Equal(t, uint(7), alerts[0].ID)
	assert.Equal(t, models.SeverityRed, alerts[0].Severity)
}

func TestClientReportsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"success":false,"message":"alert 4 is acknowledged, not active"}`)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "").AcknowledgeAlert(4)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "alert 4 is acknowledged, not active", apiErr.Message)
}

func TestClientSendsRequestBody(t *testing.T) {
	var body map[string]interface{}
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		io.WriteString(w, `{"success":true,"data":[{"kpi_code":"sales"},{"kpi_code":"traffic","error":"boom"}]}`)
	}))
	defer srv.Close()

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	items, err := NewClient(srv.URL, "").CalculateBatch(1, day, map[string]float64{"sales": 10, "traffic": 5})
	require.NoError(t, err)

	assert.Equal(t, "/api/v1/kpis/batch", path)
	assert.Equal(t, "2024-03-15", body["metric_date"])
	require.Len(t, items, 2)
	assert.Equal(t, "boom", items[1].Error)
}
