package guardrails

import (
	"context"
	"fmt"
	"net/http"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
)

// ModerationProvider evaluates text with the OpenAI moderation endpoint.
// Every flagged category becomes a Finding whose Score is the category's
// probability score.
type ModerationProvider struct {
	client openaiSDK.Client
	model  string
}

// NewModerationProvider builds a ModerationProvider. model may be empty to
// use the API's default moderation model.
func NewModerationProvider(apiKey string, model string, httpClient *http.Client) *ModerationProvider {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &ModerationProvider{
		client: openaiSDK.NewClient(
			option.WithAPIKey(apiKey),
			option.WithHTTPClient(httpClient),
		),
		model: model,
	}
}

func (p *ModerationProvider) Name() string { return "openai_moderation" }

func (p *ModerationProvider) Evaluate(ctx context.Context, in Input) (*Outcome, error) {
	params := openaiSDK.ModerationNewParams{
		Input: openaiSDK.ModerationNewParamsInputUnion{OfString: openaiSDK.String(in.Text)},
	}
	if p.model != "" {
		params.Model = p.model
	}

	resp, err := p.client.Moderations.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("guardrails: openai moderation: %w", err)
	}

	out := &Outcome{}
	for _, result := range resp.Results {
		if !result.Flagged {
			continue
		}
		for category, flagged := range categoryMap(result) {
			if !flagged {
				continue
			}
			out.Findings = append(out.Findings, Finding{
				Provider: p.Name(),
				Category: Category(category),
				Score:    categoryScore(result, category),
			})
		}
	}
	return out, nil
}

// categoryMap flattens the SDK's per-category boolean fields into a map so
// the caller can iterate them uniformly.
func categoryMap(r openaiSDK.ModerationNewResponseResult) map[string]bool {
	return map[string]bool{
		"hate":                   r.Categories.Hate,
		"hate/threatening":       r.Categories.HateThreatening,
		"harassment":             r.Categories.Harassment,
		"harassment/threatening": r.Categories.HarassmentThreatening,
		"self-harm":              r.Categories.SelfHarm,
		"self-harm/intent":       r.Categories.SelfHarmIntent,
		"self-harm/instructions": r.Categories.SelfHarmInstructions,
		"sexual":                 r.Categories.Sexual,
		"sexual/minors":          r.Categories.SexualMinors,
		"violence":               r.Categories.Violence,
		"violence/graphic":       r.Categories.ViolenceGraphic,
	}
}

func categoryScore(r openaiSDK.ModerationNewResponseResult, category string) float64 {
	switch category {
	case "hate":
		return r.CategoryScores.Hate
	case "hate/threatening":
		return r.CategoryScores.HateThreatening
	case "harassment":
		return r.CategoryScores.Harassment
	case "harassment/threatening":
		return r.CategoryScores.HarassmentThreatening
	case "self-harm":
		return r.CategoryScores.SelfHarm
	case "self-harm/intent":
		return r.CategoryScores.SelfHarmIntent
	case "self-harm/instructions":
		return r.CategoryScores.SelfHarmInstructions
	case "sexual":
		return r.CategoryScores.Sexual
	case "sexual/minors":
		return r.CategoryScores.SexualMinors
	case "violence":
		return r.CategoryScores.Violence
	case "violence/graphic":
		return r.CategoryScores.ViolenceGraphic
	default:
		return 0
	}
}
