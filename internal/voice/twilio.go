package voice

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"strings"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/storehealth/internal/apperr"
	"github.com/storehealth/internal/models"
)

const ringTimeoutSeconds = 30

type TwilioProvider struct {
	client     *twilio.RestClient
	fromNumber string
	baseURL    string
}

// NewTwilioProvider dials through the Twilio voice API. baseURL is the public
// address of this service; Twilio fetches TwiML and posts callbacks there.
func NewTwilioProvider(accountSID, authToken, fromNumber, baseURL string) *TwilioProvider {
	return &TwilioProvider{
		client: twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: accountSID,
			Password: authToken,
		}),
		fromNumber: fromNumber,
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

func (p *TwilioProvider) Name() string { return "twilio" }

func (p *TwilioProvider) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	if !strings.HasPrefix(req.To, "+") {
		return "", apperr.Validation("invalid phone number: %s", req.To)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	params := &twilioApi.CreateCallParams{}
	params.SetTo(req.To)
	params.SetFrom(p.fromNumber)
	params.SetUrl(callbackURL(p.baseURL, "twiml", req.CallID))
	params.SetStatusCallback(callbackURL(p.baseURL, "status", req.CallID))
	params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	params.SetStatusCallbackMethod("POST")
	params.SetRecord(true)
	params.SetRecordingStatusCallback(callbackURL(p.baseURL, "recording", req.CallID))
	params.SetRecordingStatusCallbackMethod("POST")
	params.SetTimeout(ringTimeoutSeconds)

	resp, err := p.client.Api.CreateCall(params)
	if err != nil {
		return "", apperr.ExternalProvider(p.Name(), err)
	}
	if resp.Sid == nil {
		return "", apperr.ExternalProvider(p.Name(), errors.New("response carries no call sid"))
	}
	return *resp.Sid, nil
}

func callbackURL(baseURL, kind string, callID uint) string {
	return fmt.Sprintf("%s/api/v1/voice/%s/%d", baseURL, kind, callID)
}

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []interface{}
}

type twimlPause struct {
	XMLName xml.Name `xml:"Pause"`
	Length  int      `xml:"length,attr"`
}

type twimlSay struct {
	XMLName xml.Name `xml:"Say"`
	Voice   string   `xml:"voice,attr,omitempty"`
	Text    string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName xml.Name `xml:"Gather"`
	Input   string   `xml:"input,attr"`
	Action  string   `xml:"action,attr"`
	Method  string   `xml:"method,attr"`
	Timeout int      `xml:"timeout,attr"`
	Say     twimlSay
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

const gatherPrompt = "Please say yes to acknowledge this alert, or later to request a callback."

// BuildTwiML renders the voice document for a call. Red calls gather a
// spoken answer that Twilio posts to the response callback.
func BuildTwiML(call *models.AiCall, baseURL string) ([]byte, error) {
	resp := twimlResponse{Verbs: []interface{}{
		twimlPause{Length: 1},
		twimlSay{Voice: "alice", Text: call.Script},
	}}
	if call.Metadata.Severity == models.SeverityRed {
		resp.Verbs = append(resp.Verbs, twimlGather{
			Input:   "speech",
			Action:  callbackURL(strings.TrimRight(baseURL, "/"), "response", call.ID),
			Method:  "POST",
			Timeout: 5,
			Say:     twimlSay{Voice: "alice", Text: gatherPrompt},
		})
	}
	resp.Verbs = append(resp.Verbs,
		twimlSay{Voice: "alice", Text: "Thank you. Goodbye."},
		twimlHangup{},
	)

	body, err := xml.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("failed to render twiml: %w", err)
	}
	return append([]byte(xml.Header), body...), nil
}
