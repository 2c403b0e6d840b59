package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"svontai_router/internal/entities"
	"svontai_router/internal/interfaces"
)

const HeaderAttempt = "X-SvontAI-Attempt"

// maxIntentBody bounds how much of a workflow reply is read.
const maxIntentBody = 64 << 10

// WorkflowClient posts signed envelopes to the workflow engine's webhook endpoints.
type WorkflowClient struct {
	http *http.Client
}

func NewWorkflowClient(client *http.Client) *WorkflowClient {
	if client == nil {
		// per-attempt deadlines come from the caller's context
		client = &http.Client{Timeout: 2 * time.Minute}
	}
	return &WorkflowClient{http: client}
}

var _ interfaces.WorkflowDispatchPort = (*WorkflowClient)(nil)

func (c *WorkflowClient) DispatchAsync(ctx context.Context, req interfaces.WorkflowRequest) error {
	resp, err := c.post(ctx, req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxIntentBody))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: workflow returned %d", entities.ErrDispatchFailed, resp.StatusCode)
	}
	return nil
}

func (c *WorkflowClient) DispatchSync(ctx context.Context, req interfaces.WorkflowRequest) (*entities.IntentResponse, error) {
	resp, err := c.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxIntentBody))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: workflow returned %d", entities.ErrDispatchFailed, resp.StatusCode)
	}

	var intent entities.IntentResponse
	if err := json.Unmarshal(body, &intent); err != nil {
		return nil, fmt.Errorf("%w: invalid intent response: %v", entities.ErrDispatchFailed, err)
	}
	if intent.ResponseText == "" && !intent.EndCall {
		return nil, fmt.Errorf("%w: intent response without responseText", entities.ErrDispatchFailed)
	}
	return &intent, nil
}

func (c *WorkflowClient) post(ctx context.Context, req interfaces.WorkflowRequest) (*http.Response, error) {
	if req.Envelope == nil {
		return nil, errors.New("workflow request without envelope")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Envelope.Body))
	if err != nil {
		return nil, fmt.Errorf("build workflow request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(entities.HeaderSignature, req.Envelope.Signature)
	httpReq.Header.Set(entities.HeaderTimestamp, strconv.FormatInt(req.Envelope.Timestamp, 10))
	httpReq.Header.Set(entities.HeaderTenantID, req.Envelope.Envelope.TenantID)
	httpReq.Header.Set(HeaderAttempt, strconv.Itoa(req.Attempt))
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, transportError(ctx, err)
	}
	return resp, nil
}

// transportError maps a deadline to ErrDispatchTimedOut and anything else to ErrDispatchFailed.
func transportError(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", entities.ErrDispatchTimedOut, err)
	}
	return fmt.Errorf("%w: %v", entities.ErrDispatchFailed, err)
}
