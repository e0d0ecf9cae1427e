// Package voice places the automated calls of level 3 escalations and turns
// provider callbacks into call, alert and task updates.
package voice

import (
	"context"

	"github.com/sirupsen/logrus"
)

// CallRequest is what a provider needs to dial one AiCall.
type CallRequest struct {
	CallID        uint
	CorrelationID string
	To            string
	RecipientName string
	Script        string
}

// Provider places outbound calls. Status, speech and recording events come
// back later through the Dispatcher's On* methods.
type Provider interface {
	Name() string
	PlaceCall(ctx context.Context, req CallRequest) (providerCallID string, err error)
}

// DryRunProvider logs calls instead of dialing. It is used when voice is
// disabled so escalations still produce AiCall records.
type DryRunProvider struct {
	Log logrus.FieldLogger
}

func (DryRunProvider) Name() string { return "dry_run" }

func (p DryRunProvider) PlaceCall(ctx context.Context, req CallRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if p.Log != nil {
		p.Log.WithFields(logrus.Fields{
			"call_id": req.CallID,
			"to":      req.To,
		}).Info("voice disabled, not dialing")
	}
	return "dryrun-" + req.CorrelationID, nil
}
