package guardrails

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// AzureContentSafetyProvider evaluates text with Azure AI Content Safety's
// text analysis endpoint. Azure Content Safety has no first-party Go SDK in
// this module's dependency set, so requests are built and parsed by hand,
// the same way the chat provider talks to Azure OpenAI.
type AzureContentSafetyProvider struct {
	endpoint   string // e.g. "https://myresource.cognitiveservices.azure.com"
	apiKey     string
	apiVersion string
	client     *http.Client
}

func NewAzureContentSafetyProvider(endpoint, apiKey, apiVersion string, client *http.Client) *AzureContentSafetyProvider {
	if client == nil {
		client = &http.Client{}
	}
	if apiVersion == "" {
		apiVersion = "2024-09-01"
	}
	return &AzureContentSafetyProvider{endpoint: endpoint, apiKey: apiKey, apiVersion: apiVersion, client: client}
}

func (p *AzureContentSafetyProvider) Name() string { return "azure_content_safety" }

type azureAnalyzeRequest struct {
	Text       string   `json:"text"`
	Categories []string `json:"categories,omitempty"`
}

type azureAnalyzeResponse struct {
	CategoriesAnalysis []struct {
		Category string `json:"category"`
		Severity int    `json:"severity"`
	} `json:"categoriesAnalysis"`
	Error *azureError `json:"error,omitempty"`
}

type azureError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (p *AzureContentSafetyProvider) Evaluate(ctx context.Context, in Input) (*Outcome, error) {
	reqBody, err := json.Marshal(azureAnalyzeRequest{Text: in.Text})
	if err != nil {
		return nil, fmt.Errorf("guardrails: azure content safety: marshal request: %w", err)
	}

	url := p.endpoint + "/contentsafety/text:analyze?api-version=" + p.apiVersion
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("guardrails: azure content safety: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Ocp-Apim-Subscription-Key", p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("guardrails: azure content safety: do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("guardrails: azure content safety: read response: %w", err)
	}

	var parsed azureAnalyzeResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("guardrails: azure content safety: decode response: %w", err)
	}
	if parsed.Error != nil {
		return nil, fmt.Errorf("guardrails: azure content safety: %s: %s", parsed.Error.Code, parsed.Error.Message)
	}

	out := &Outcome{}
	for _, c := range parsed.CategoriesAnalysis {
		if c.Severity <= 0 {
			continue
		}
		out.Findings = append(out.Findings, Finding{
			Provider: p.Name(),
			Category: Category(c.Category),
			Score:    float64(c.Severity) / 7.0, // Azure severities range 0-7
		})
	}
	return out, nil
}
