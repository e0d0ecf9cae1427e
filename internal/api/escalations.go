package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/storehealth/internal/auth"
	"github.com/storehealth/internal/models"
)

func (s *Server) sweep(c *gin.Context) {
	result, err := s.svc.Escalations.Sweep(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, result)
}

func (s *Server) manualEscalate(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		ToLevel int    `json:"to_level" binding:"required"`
		Reason  string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}

	esc, err := s.svc.Escalations.ManualEscalate(c.Request.Context(), id, req.ToLevel, req.Reason)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, esc)
}

func (s *Server) pendingEscalations(c *gin.Context) {
	escalations, err := s.svc.Escalations.PendingEscalations(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, escalations)
}

func (s *Server) storeEscalations(c *gin.Context) {
	storeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	escalations, err := s.svc.Escalations.StoreEscalations(c.Request.Context(), storeID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, escalations)
}

func (s *Server) getEscalation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	esc, err := s.svc.Escalations.GetEscalation(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, esc)
}

func (s *Server) acknowledgeEscalation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	esc, err := s.svc.Escalations.AcknowledgeEscalation(c.Request.Context(), id, auth.Actor(c))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, esc)
}

func (s *Server) resolveEscalation(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req noteRequest
	if !bindOptional(c, &req) {
		return
	}
	esc, err := s.svc.Escalations.ResolveEscalation(c.Request.Context(), id, req.Note)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, esc)
}

// Rule management handlers
func (s *Server) listRules(c *gin.Context) {
	orgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	var active *bool
	if raw := c.Query("active"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			badRequest(c, "invalid active")
			return
		}
		active = &v
	}

	rules, err := s.svc.Rules.ListRules(c.Request.Context(), orgID, active)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, rules)
}

func (s *Server) getRule(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	rule, err := s.svc.Rules.GetRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, rule)
}

func (s *Server) createRule(c *gin.Context) {
	var rule models.EscalationRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, err.Error())
		return
	}
	rule.ID = 0
	rule.TriggerCount = 0
	rule.LastTriggered = nil

	if err := s.svc.Rules.CreateRule(c.Request.Context(), &rule); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, rule)
}

func (s *Server) updateRule(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var rule models.EscalationRule
	if err := c.ShouldBindJSON(&rule); err != nil {
		badRequest(c, err.Error())
		return
	}
	rule.ID = id

	if err := s.svc.Rules.UpdateRule(c.Request.Context(), &rule); err != nil {
		respondError(c, err)
		return
	}
	updated, err := s.svc.Rules.GetRule(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, updated)
}

func (s *Server) deleteRule(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.svc.Rules.DeleteRule(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"message": "rule deleted successfully"})
}

func (s *Server) enableRule(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.svc.Rules.EnableRule(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"message": "rule enabled successfully"})
}

func (s *Server) disableRule(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if err := s.svc.Rules.DisableRule(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"message": "rule disabled successfully"})
}

func (s *Server) createDefaultRules(c *gin.Context) {
	orgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	rules, err := s.svc.Rules.CreateDefaultRules(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusCreated, rules)
}

func (s *Server) importRules(c *gin.Context) {
	orgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	rules, err := s.svc.Rules.ImportRules(c.Request.Context(), orgID, data)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, gin.H{"imported": len(rules), "rules": rules})
}

func (s *Server) exportRules(c *gin.Context) {
	orgID, ok := idParam(c, "id")
	if !ok {
		return
	}
	data, err := s.svc.Rules.ExportRules(c.Request.Context(), orgID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", data)
}
