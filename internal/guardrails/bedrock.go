package guardrails

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

// BedrockGuardrailProvider evaluates text with an AWS Bedrock guardrail
// (ApplyGuardrail), Amazon's managed content-filtering and PII-detection
// service.
type BedrockGuardrailProvider struct {
	client           *bedrockruntime.Client
	guardrailID      string
	guardrailVersion string
}

// NewBedrockGuardrailProvider loads the default AWS config chain (env,
// shared config, IRSA/instance role) scoped to region, and binds it to a
// single guardrail identifier/version.
func NewBedrockGuardrailProvider(ctx context.Context, region, guardrailID, guardrailVersion string) (*BedrockGuardrailProvider, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("guardrails: bedrock: load config: %w", err)
	}
	return &BedrockGuardrailProvider{
		client:           bedrockruntime.NewFromConfig(cfg),
		guardrailID:      guardrailID,
		guardrailVersion: guardrailVersion,
	}, nil
}

func (p *BedrockGuardrailProvider) Name() string { return "bedrock_guardrail" }

func (p *BedrockGuardrailProvider) Evaluate(ctx context.Context, in Input) (*Outcome, error) {
	source := types.GuardrailContentSourceInput
	if in.Stage == StageOutput {
		source = types.GuardrailContentSourceOutput
	}

	resp, err := p.client.ApplyGuardrail(ctx, &bedrockruntime.ApplyGuardrailInput{
		GuardrailIdentifier: aws.String(p.guardrailID),
		GuardrailVersion:    aws.String(p.guardrailVersion),
		Source:              source,
		Content: []types.GuardrailContentBlock{
			&types.GuardrailContentBlockMemberText{
				Value: types.GuardrailTextBlock{Text: aws.String(in.Text)},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("guardrails: bedrock: apply guardrail: %w", err)
	}

	out := &Outcome{}
	if resp.Action != types.GuardrailActionIntervened {
		return out, nil
	}

	for _, assessment := range resp.Assessments {
		for _, policy := range assessment.ContentPolicy.Filters {
			out.Findings = append(out.Findings, Finding{
				Provider: p.Name(),
				Category: Category(policy.Type),
				Detail:   string(policy.Confidence),
			})
		}
		for _, entity := range assessment.SensitiveInformationPolicy.PiiEntities {
			out.Findings = append(out.Findings, Finding{
				Provider: p.Name(),
				Category: Category("pii." + string(entity.Type)),
				Detail:   aws.ToString(entity.Match),
			})
		}
	}

	for _, o := range resp.Outputs {
		if o.Text != nil {
			out.RedactedText = aws.ToString(o.Text)
		}
	}

	return out, nil
}
