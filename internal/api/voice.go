package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

func (s *Server) callHistory(c *gin.Context) {
	storeID, ok := idParam(c, "id")
	if !ok {
		return
	}
	limit, ok := intQuery(c, "limit", 0)
	if !ok {
		return
	}
	calls, err := s.svc.Calls.CallHistory(c.Request.Context(), storeID, limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, calls)
}

func (s *Server) callDetails(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	call, err := s.svc.Calls.CallDetails(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, call)
}

// Twilio webhooks

func (s *Server) callTwiML(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	doc, err := s.svc.Calls.TwiML(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml", doc)
}

func (s *Server) callStatus(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	duration, _ := strconv.Atoi(c.PostForm("CallDuration"))

	call, err := s.svc.Calls.OnCallStatus(c.Request.Context(), id, c.PostForm("CallStatus"), duration)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, call)
}

// callResponse answers the Gather with a short closing document after the
// spoken response is applied.
func (s *Server) callResponse(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	if _, err := s.svc.Calls.OnCallResponse(c.Request.Context(), id, c.PostForm("SpeechResult")); err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/xml", []byte(responseTwiML))
}

const responseTwiML = `<?xml version="1.0" encoding="UTF-8"?>
<Response><Say voice="alice">Thank you. Your response has been recorded. Goodbye.</Say><Hangup/></Response>`

func (s *Server) callRecording(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	url := c.PostForm("RecordingUrl")
	if url == "" {
		badRequest(c, "RecordingUrl is required")
		return
	}
	call, err := s.svc.Calls.OnRecording(c.Request.Context(), id, url)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, call)
}

func (s *Server) callTranscript(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	call, err := s.svc.Calls.OnTranscript(c.Request.Context(), id, c.PostForm("TranscriptionText"))
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, call)
}

func (s *Server) callFunction(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	var req struct {
		Name       string            `json:"name" binding:"required"`
		Parameters map[string]string `json:"parameters"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	call, err := s.svc.Calls.OnFunctionResult(c.Request.Context(), id, req.Name, req.Parameters)
	if err != nil {
		respondError(c, err)
		return
	}
	respond(c, http.StatusOK, call)
}
