package api

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/auth"
	"github.com/storehealth/internal/kpi"
	"github.com/storehealth/internal/models"
)

type calculateRequest struct {
	StoreID    uint              `json:"store_id"`
	KpiCode    string            `json:"kpi_code"`
	MetricDate string            `json:"metric_date"`
	Value      *float64          `json:"value"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) calculateKpi(c *gin.Context) {
	var req calculateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	date, err := parseDate(req.MetricDate)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	result, err := s.svc.Kpis.Calculate(c.Request.Context(), kpi.Input{
		StoreID:  req.StoreID,
		KpiCode:  req.KpiCode,
		Date:     date,
		Value:    req.Value,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (s *Server) calculateBatch(c *gin.Context) {
	var req struct {
		StoreID    uint               `json:"store_id" binding:"required"`
		MetricDate string             `json:"metric_date"`
		Values     map[string]float64 `json:"values" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	date, err := parseDate(req.MetricDate)
	if err != nil {
		badRequest(c, err.Error())
		return
	}

	items := s.svc.Kpis.CalculateBatch(c.Request.Context(), req.StoreID, date, req.Values)
	respond(c, http.StatusOK, items)
}

func (s *Server) listDefinitions(c *gin.Context) {
	orgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	defs, err := s.svc.Kpis.ListDefinitions(c.Request.Context(), orgID, c.Query("category"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, defs)
}

func (s *Server) latestKpis(c *gin.Context) {
	storeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	kpis, err := s.svc.Kpis.LatestKpiStatus(c.Request.Context(), storeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, kpis)
}

func (s *Server) checkStoreHealth(c *gin.Context) {
	storeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	date, ok := dateQuery(c)
	if !ok {
		return
	}

	report, err := s.svc.Health.CheckStoreHealth(c.Request.Context(), storeID, date)
	if err != nil {
		respondError(c, err)
		return
	}
	if report == nil {
		respondError(c, apperr.NotFound("no kpi metrics for store %d", storeID))
		return
	}
	respond(c, http.StatusOK, report)
}

func (s *Server) checkAllStores(c *gin.Context) {
	date, ok := dateQuery(c)
	if !ok {
		return
	}
	result, err := s.svc.Health.CheckAllStores(c.Request.Context(), date)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (s *Server) listSnapshots(c *gin.Context) {
	storeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	days, ok := intQuery(c, "days", 7)
	if !ok {
		return
	}
	snapshots, err := s.svc.Health.Snapshots(c.Request.Context(), storeID, days)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, snapshots)
}

func (s *Server) storesRequiringAction(c *gin.Context) {
	date, ok := dateQuery(c)
	if !ok {
		return
	}
	snapshots, err := s.svc.Health.StoresRequiringAction(c.Request.Context(), date)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, snapshots)
}

func (s *Server) dashboard(c *gin.Context) {
	date, ok := dateQuery(c)
	if !ok {
		return
	}
	overview, err := s.svc.Health.DashboardOverview(c.Request.Context(), date)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, overview)
}

func (s *Server) listAlerts(c *gin.Context) {
	storeID, ok := uintQuery(c, "store_id")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	alerts, err := s.svc.Alerts.ListAlerts(c.Request.Context(), alert.Filter{
		StoreID:  storeID,
		Status:   models.AlertStatus(c.Query("status")),
		Severity: models.AlertSeverity(c.Query("severity")),
		Limit:    limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, alerts)
}

func (s *Server) getAlert(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := s.svc.Alerts.GetAlert(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, a)
}

func (s *Server) activeAlerts(c *gin.Context) {
	storeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	alerts, err := s.svc.Alerts.ActiveAlerts(c.Request.Context(), storeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, alerts)
}

func (s *Server) overdueAlerts(c *gin.Context) {
	alerts, err := s.svc.Alerts.OverdueAlerts(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, alerts)
}

func (s *Server) processStoreKpis(c *gin.Context) {
	storeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	date, ok := dateQuery(c)
	if !ok {
		return
	}
	items, err := s.svc.Alerts.ProcessStoreKpis(c.Request.Context(), storeID, date)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, items)
}

func (s *Server) acknowledgeAlert(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	a, err := s.svc.Alerts.AcknowledgeAlert(c.Request.Context(), id, auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, a)
}

type noteRequest struct {
	Note string `json:"note"`
}

// bindOptional accepts an empty body.
func bindOptional(c *gin.Context, v interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err.Error())
		return false
	}
	return true
}

func (s *Server) resolveAlert(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptional(c, &req) {
		return
	}
	a, err := s.svc.Alerts.ResolveAlert(c.Request.Context(), id, auth.Actor(c), strings.TrimSpace(req.Note))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, a)
}

func (s *Server) listTasks(c *gin.Context) {
	storeID, ok := uintQuery(c, "store_id")
	if !ok {
		return
	}
	alertID, ok := uintQuery(c, "alert_id")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 100)
	if !ok {
		return
	}
	tasks, err := s.svc.Alerts.ListTasks(c.Request.Context(), alert.TaskFilter{
		StoreID: storeID,
		AlertID: alertID,
		Status:  models.TaskStatus(c.Query("status")),
		Role:    c.Query("role"),
		Limit:   limit,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, tasks)
}

func (s *Server) createTask(c *gin.Context) {
	var task models.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		badRequest(c, err.Error())
		return
	}
	task.ID = 0
	task.Status = models.TaskStatusPending
	task.CompletedAt, task.CompletedBy, task.StartedAt = nil, "", nil
	if task.TaskType == "" {
		task.TaskType = models.TaskTypeAction
	}

	if err := s.svc.Alerts.CreateTask(c.Request.Context(), &task); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, task)
}

func (s *Server) getTask(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	task, err := s.svc.Alerts.GetTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, task)
}

func (s *Server) startTask(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	task, err := s.svc.Alerts.StartTask(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, task)
}

func (s *Server) completeTask(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
	}
	if !bindOptional(c, &req) {
		return
	}
	task, err := s.svc.Alerts.CompleteTask(c.Request.Context(), id, auth.Actor(c), req.Outcome)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, task)
}
