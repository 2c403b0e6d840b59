package usecases

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"svontai_router/internal/entities"
)

// EnvelopeBuilder produces the signed outbound envelope for one dispatch attempt.
type EnvelopeBuilder struct {
	baseURL string
	tokens  *CallbackTokens
	signer  *Signer
	grace   time.Duration
}

func NewEnvelopeBuilder(baseURL string, tokens *CallbackTokens, signer *Signer, grace time.Duration) *EnvelopeBuilder {
	return &EnvelopeBuilder{baseURL: baseURL, tokens: tokens, signer: signer, grace: grace}
}

// Build signs the envelope over its exact JSON bytes. The token lives for the tenant timeout plus grace.
func (b *EnvelopeBuilder) Build(evt entities.ChannelEvent, run *entities.AutomationRun, cfg entities.TenantAutomationConfig) (*entities.SignedEnvelope, error) {
	token, _, err := b.tokens.Issue(run.TenantID, cfg.SigningSecret, run.ID, run.CorrelationID, cfg.Timeout()+b.grace)
	if err != nil {
		return nil, err
	}

	metadata := map[string]any{}
	maps.Copy(metadata, evt.Metadata)

	ts := evt.Timestamp
	if ts.IsZero() {
		ts = run.CreatedAt
	}

	env := entities.Envelope{
		Event:           entities.EnvelopeEventName,
		EventType:       evt.Type,
		RunID:           run.ID,
		CorrelationID:   run.CorrelationID,
		TenantID:        run.TenantID,
		Channel:         evt.Channel,
		ExternalEventID: evt.ExternalEventID,
		From:            evt.From,
		To:              evt.To,
		Text:            evt.Text,
		Timestamp:       ts.UTC().Format(time.RFC3339),
		Metadata:        metadata,
		Svontai: entities.SvontaiBlock{
			BaseURL:   b.baseURL,
			TenantID:  run.TenantID,
			Token:     token,
			Endpoints: maps.Clone(entities.CallbackEndpoints),
		},
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	sig, stamp := b.signer.Stamp(body)

	return &entities.SignedEnvelope{
		Envelope:  env,
		Body:      body,
		Signature: sig,
		Timestamp: stamp,
	}, nil
}
