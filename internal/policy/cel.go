package policy

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// celEnv is shared across all compiled programs; cel.Env is safe for
// concurrent use once built.
var celEnv = mustNewCELEnv()

func mustNewCELEnv() *cel.Env {
	env, err := cel.NewEnv(
		cel.Variable("subject", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		panic(fmt.Sprintf("policy: building CEL environment: %v", err))
	}
	return env
}

// compileCondition compiles a policy's CEL condition to a Program. Compile
// errors (syntax, unknown identifiers) are caught here, at policy load time,
// rather than at evaluation time.
func compileCondition(condition string) (cel.Program, error) {
	ast, issues := celEnv.Compile(condition)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compiling condition: %w", issues.Err())
	}
	prg, err := celEnv.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("building program: %w", err)
	}
	return prg, nil
}

// evaluateCondition runs a compiled condition against subject/context and
// requires the result to be a bool.
func evaluateCondition(prg cel.Program, subj Subject, pc Context) (bool, error) {
	out, _, err := prg.Eval(map[string]interface{}{
		"subject": subjectToCEL(subj),
		"context": contextToCEL(pc),
	})
	if err != nil {
		return false, fmt.Errorf("evaluating condition: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("condition did not evaluate to a bool (got %T)", out.Value())
	}
	return b, nil
}

func subjectToCEL(s Subject) map[string]interface{} {
	return map[string]interface{}{
		"user_id":            s.UserID,
		"external_id":        s.ExternalID,
		"email":              s.Email,
		"roles":              stringSliceToCEL(s.Roles),
		"org_ids":            stringSliceToCEL(s.OrgIDs),
		"team_ids":           stringSliceToCEL(s.TeamIDs),
		"project_ids":        stringSliceToCEL(s.ProjectIDs),
		"service_account_id": s.ServiceAccountID,
	}
}

func contextToCEL(c Context) map[string]interface{} {
	out := map[string]interface{}{
		"resource_type": c.ResourceType,
		"action":        c.Action,
		"resource_id":   c.ResourceID,
		"org_id":        c.OrgID,
		"team_id":       c.TeamID,
		"project_id":    c.ProjectID,
		"model":         c.Model,
	}
	if c.Request != nil {
		out["request"] = map[string]interface{}{
			"max_tokens":        c.Request.MaxTokens,
			"messages_count":    c.Request.MessagesCount,
			"has_tools":         c.Request.HasTools,
			"has_file_search":   c.Request.HasFileSearch,
			"stream":            c.Request.Stream,
			"reasoning_effort":  c.Request.ReasoningEffort,
			"response_format":   c.Request.ResponseFormat,
			"temperature":       c.Request.Temperature,
			"has_images":        c.Request.HasImages,
			"image_count":       c.Request.ImageCount,
			"image_size":        c.Request.ImageSize,
			"image_quality":     c.Request.ImageQuality,
			"character_count":   c.Request.CharacterCount,
			"voice":             c.Request.Voice,
			"language":          c.Request.Language,
		}
	}
	if c.Now != nil {
		out["now"] = map[string]interface{}{
			"hour":        c.Now.Hour,
			"day_of_week": c.Now.DayOfWeek,
			"timestamp":   c.Now.Timestamp,
		}
	}
	return out
}

func stringSliceToCEL(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}
