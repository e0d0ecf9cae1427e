package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/storehealth/internal/alert"
	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/auth"
	"github.com/storehealth/internal/escalation"
	"github.com/storehealth/internal/events"
	"github.com/storehealth/internal/health"
	"github.com/storehealth/internal/kpi"
	"github.com/storehealth/internal/metrics"
	"github.com/storehealth/internal/models"
	"github.com/storehealth/internal/monitor"
	"github.com/storehealth/internal/report"
	"github.com/storehealth/internal/voice"
)

const dateLayout = "2006-01-02"

// Operator actions checked by RequirePermission.
const (
	permViewHealth        = "view_health"
	permViewAlerts        = "view_alerts"
	permRecordKpis        = "record_kpis"
	permManageAlerts      = "manage_alerts"
	permManageRules       = "manage_rules"
	permRunMaintenance    = "run_maintenance"
	permManageEscalations = "manage_escalations"
)

// Services are the components the HTTP API exposes. Scheduler, Reports and
// Hub may be nil.
type Services struct {
	Kpis        *kpi.Calculator
	Health      *health.Checker
	Alerts      *alert.Manager
	Escalations *escalation.Engine
	Rules       *escalation.RuleManager
	Calls       *voice.Dispatcher
	Scheduler   *monitor.Scheduler
	Reports     *report.Generator
	Hub         *events.Hub
	Auth        *auth.Authenticator
}

type Server struct {
	svc        Services
	router     *gin.Engine
	mu         sync.Mutex
	httpServer *http.Server
	log        logrus.FieldLogger
}

func NewServer(svc Services, log logrus.FieldLogger) *Server {
	gin.SetMode(gin.ReleaseMode)
	server := &Server{
		svc:    svc,
		router: gin.New(),
		log:    log,
	}
	server.router.Use(gin.Recovery(), server.requestLogger())

	server.setupRoutes()
	return server
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// Public routes
	s.router.POST("/api/v1/auth/login", s.login)
	if s.svc.Hub != nil {
		s.router.GET("/api/v1/ws", func(c *gin.Context) {
			s.svc.Hub.ServeWS(c.Writer, c.Request)
		})
	}

	// Provider webhooks authenticate by call id, not bearer token.
	voiceHooks := s.router.Group("/api/v1/voice")
	{
		voiceHooks.GET("/twiml/:id", s.callTwiML)
		voiceHooks.POST("/twiml/:id", s.callTwiML)
		voiceHooks.POST("/status/:id", s.callStatus)
		voiceHooks.POST("/response/:id", s.callResponse)
		voiceHooks.POST("/recording/:id", s.callRecording)
		voiceHooks.POST("/transcript/:id", s.callTranscript)
		voiceHooks.POST("/function/:id", s.callFunction)
	}

	a := s.svc.Auth
	api := s.router.Group("/api/v1")
	api.Use(a.Middleware())

	// KPI endpoints
	api.POST("/kpis/calculate", a.RequirePermission(permRecordKpis), s.calculateKpi)
	api.POST("/kpis/batch", a.RequirePermission(permRecordKpis), s.calculateBatch)
	api.GET("/organizations/:id/kpis", a.RequirePermission(permViewHealth), s.listDefinitions)
	api.GET("/stores/:id/kpis/latest", a.RequirePermission(permViewHealth), s.latestKpis)

	// Health endpoints
	api.POST("/stores/:id/health/check", a.RequirePermission(permRunMaintenance), s.checkStoreHealth)
	api.POST("/health/check-all", a.RequirePermission(permRunMaintenance), s.checkAllStores)
	api.GET("/stores/:id/health/snapshots", a.RequirePermission(permViewHealth), s.listSnapshots)
	api.GET("/health/requiring-action", a.RequirePermission(permViewHealth), s.storesRequiringAction)
	api.GET("/health/dashboard", a.RequirePermission(permViewHealth), s.dashboard)

	// Alert management endpoints
	api.GET("/alerts", a.RequirePermission(permViewAlerts), s.listAlerts)
	api.GET("/alerts/overdue", a.RequirePermission(permViewAlerts), s.overdueAlerts)
	api.GET("/alerts/:id", a.RequirePermission(permViewAlerts), s.getAlert)
	api.GET("/stores/:id/alerts/active", a.RequirePermission(permViewAlerts), s.activeAlerts)
	api.POST("/stores/:id/alerts/process", a.RequirePermission(permRunMaintenance), s.processStoreKpis)
	api.PUT("/alerts/:id/acknowledge", a.RequirePermission(permManageAlerts), s.acknowledgeAlert)
	api.PUT("/alerts/:id/resolve", a.RequirePermission(permManageAlerts), s.resolveAlert)
	api.POST("/alerts/:id/escalate", a.RequirePermission(permManageEscalations), s.manualEscalate)

	// Task endpoints
	tasks := api.Group("/tasks")
	{
		tasks.GET("", a.RequirePermission(permViewAlerts), s.listTasks)
		tasks.POST("", a.RequirePermission(permManageAlerts), s.createTask)
		tasks.GET("/:id", a.RequirePermission(permViewAlerts), s.getTask)
		tasks.PUT("/:id/start", a.RequirePermission(permManageAlerts), s.startTask)
		tasks.PUT("/:id/complete", a.RequirePermission(permManageAlerts), s.completeTask)
	}

	// Escalation endpoints
	escalations := api.Group("/escalations")
	{
		escalations.POST("/sweep", a.RequirePermission(permRunMaintenance), s.sweep)
		escalations.GET("/pending", a.RequirePermission(permViewAlerts), s.pendingEscalations)
		escalations.GET("/:id", a.RequirePermission(permViewAlerts), s.getEscalation)
		escalations.PUT("/:id/acknowledge", a.RequirePermission(permManageEscalations), s.acknowledgeEscalation)
		escalations.PUT("/:id/resolve", a.RequirePermission(permManageEscalations), s.resolveEscalation)
	}
	api.GET("/stores/:id/escalations", a.RequirePermission(permViewAlerts), s.storeEscalations)

	// Rule management endpoints
	api.GET("/organizations/:id/rules", a.RequirePermission(permViewAlerts), s.listRules)
	api.POST("/organizations/:id/rules/defaults", a.RequirePermission(permManageRules), s.createDefaultRules)
	api.POST("/organizations/:id/rules/import", a.RequirePermission(permManageRules), s.importRules)
	api.GET("/organizations/:id/rules/export", a.RequirePermission(permManageRules), s.exportRules)
	rules := api.Group("/rules")
	{
		rules.GET("/:id", a.RequirePermission(permViewAlerts), s.getRule)
		rules.POST("", a.RequirePermission(permManageRules), s.createRule)
		rules.PUT("/:id", a.RequirePermission(permManageRules), s.updateRule)
		rules.DELETE("/:id", a.RequirePermission(permManageRules), s.deleteRule)
		rules.PUT("/:id/enable", a.RequirePermission(permManageRules), s.enableRule)
		rules.PUT("/:id/disable", a.RequirePermission(permManageRules), s.disableRule)
	}

	// AI call endpoints
	api.GET("/stores/:id/calls", a.RequirePermission(permViewAlerts), s.callHistory)
	api.GET("/calls/:id", a.RequirePermission(permViewAlerts), s.callDetails)

	// Operations
	api.GET("/monitor/metrics", a.RequirePermission(permViewHealth), s.monitorMetrics)
	api.POST("/reports/:type/send", a.RequirePermission(permRunMaintenance), s.sendReport)
}

func (s *Server) Handler() http.Handler {
	return s.router
}

// Start serves until Shutdown is called.
func (s *Server) Start(port int) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	s.log.WithField("port", port).Info("api server listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.httpServer
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		entry := s.log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   status,
			"duration": time.Since(start),
		})
		if status >= http.StatusInternalServerError {
			entry.Error("request failed")
		} else {
			entry.Debug("request handled")
		}
	}
}

func respond(c *gin.Context, status int, data interface{}) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

func respondError(c *gin.Context, err error) {
	c.JSON(apperr.HTTPStatus(err), gin.H{"success": false, "message": err.Error()})
}

func badRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": message})
}

func idParam(c *gin.Context, name string) (uint, bool) {
	id, err := strconv.ParseUint(c.Param(name), 10, 32)
	if err != nil || id == 0 {
		badRequest(c, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return uint(id), true
}

func parseDate(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("date must be YYYY-MM-DD: %q", value)
	}
	return t, nil
}

// dateQuery reads ?date=YYYY-MM-DD. A missing date is the zero time, which
// the services treat as today.
func dateQuery(c *gin.Context) (time.Time, bool) {
	t, err := parseDate(c.Query("date"))
	if err != nil {
		badRequest(c, err.Error())
		return time.Time{}, false
	}
	return t, true
}

func intQuery(c *gin.Context, name string, def int) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		badRequest(c, fmt.Sprintf("invalid %s", name))
		return 0, false
	}
	return v, true
}

func uintQuery(c *gin.Context, name string) (uint, bool) {
	v, ok := intQuery(c, name, 0)
	return uint(v), ok
}

func (s *Server) login(c *gin.Context) {
	var req struct {
		Username string `json:"username" binding:"required"`
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	token, op, err := s.svc.Auth.Login(c.Request.Context(), req.Username, req.Password)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid credentials"})
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"token": token, "operator": op})
}

func (s *Server) monitorMetrics(c *gin.Context) {
	if s.svc.Scheduler == nil {
		respond(c, http.StatusOK, gin.H{"is_running": false})
		return
	}
	respond(c, http.StatusOK, s.svc.Scheduler.GetMetrics())
}

func (s *Server) sendReport(c *gin.Context) {
	if s.svc.Reports == nil {
		respondError(c, apperr.Configuration("reports are not configured"))
		return
	}
	date, ok := dateQuery(c)
	if !ok {
		return
	}
	res, err := s.svc.Reports.Send(c.Request.Context(), models.ReportType(c.Param("type")), date)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, res)
}
