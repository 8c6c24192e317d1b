package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// WebhookProvider delegates evaluation to a custom HTTP endpoint. The
// gateway POSTs the text and gets back a list of findings, matching the
// shape the other providers produce so the pipeline can treat a webhook
// exactly like any built-in provider.
type WebhookProvider struct {
	name   string
	url    string
	client *http.Client
	header http.Header
}

func NewWebhookProvider(name, url string, client *http.Client, header http.Header) *WebhookProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &WebhookProvider{name: name, url: url, client: client, header: header}
}

func (p *WebhookProvider) Name() string { return p.name }

type webhookRequest struct {
	Stage  Stage  `json:"stage"`
	Text   string `json:"text"`
	Model  string `json:"model,omitempty"`
	OrgID  string `json:"org_id,omitempty"`
	UserID string `json:"user_id,omitempty"`
}

type webhookResponse struct {
	Findings []struct {
		Category   string  `json:"category"`
		Score      float64 `json:"score"`
		Detail     string  `json:"detail"`
		Suggestion string  `json:"suggestion"`
	} `json:"findings"`
	RedactedText string `json:"redacted_text"`
}

func (p *WebhookProvider) Evaluate(ctx context.Context, in Input) (*Outcome, error) {
	reqBody, err := json.Marshal(webhookRequest{
		Stage: in.Stage, Text: in.Text, Model: in.Model, OrgID: in.OrgID, UserID: in.UserID,
	})
	if err != nil {
		return nil, fmt.Errorf("guardrails: webhook %s: marshal request: %w", p.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("guardrails: webhook %s: build request: %w", p.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, vs := range p.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("guardrails: webhook %s: do request: %w", p.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("guardrails: webhook %s: status %d", p.name, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("guardrails: webhook %s: read response: %w", p.name, err)
	}

	var parsed webhookResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("guardrails: webhook %s: decode response: %w", p.name, err)
	}

	out := &Outcome{RedactedText: parsed.RedactedText}
	for _, f := range parsed.Findings {
		out.Findings = append(out.Findings, Finding{
			Provider:   p.name,
			Category:   Category(f.Category),
			Score:      f.Score,
			Detail:     f.Detail,
			Suggestion: f.Suggestion,
		})
	}
	return out, nil
}
