package guardrails

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeProvider returns a fixed Outcome (or error) after an optional delay,
// for exercising the pipeline's timing-sensitive paths.
type fakeProvider struct {
	name    string
	outcome *Outcome
	err     error
	delay   time.Duration
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) Evaluate(ctx context.Context, _ Input) (*Outcome, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.outcome, nil
}

func violatingProvider(name string, category Category) *fakeProvider {
	return &fakeProvider{name: name, outcome: &Outcome{Findings: []Finding{{Provider: name, Category: category}}}}
}

func cleanProvider(name string) *fakeProvider {
	return &fakeProvider{name: name, outcome: &Outcome{}}
}

func TestRunInputBlockingStopsBeforeDispatch(t *testing.T) {
	cfg := Config{Input: StageConfig{
		Mode:          ModeBlocking,
		Providers:     []ProviderConfig{{Name: "p1", Provider: violatingProvider("p1", "hate")}},
		ActionMap:     map[Category]Action{"hate": ActionBlock},
		DefaultAction: ActionLog,
	}}
	p := New(cfg)

	dispatched := false
	_, _, err := p.RunInput(context.Background(), Input{Text: "hello"}, func(ctx context.Context) (any, error) {
		dispatched = true
		return "response", nil
	})

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
	if dispatched {
		t.Fatal("dispatch must not run after a blocking-mode violation")
	}
}

func TestRunInputBlockingAdmitsCleanInput(t *testing.T) {
	cfg := Config{Input: StageConfig{
		Mode:      ModeBlocking,
		Providers: []ProviderConfig{{Name: "p1", Provider: cleanProvider("p1")}},
	}}
	p := New(cfg)

	_, resp, err := p.RunInput(context.Background(), Input{Text: "hello"}, func(ctx context.Context) (any, error) {
		return "response", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "response" {
		t.Fatalf("resp = %v, want response", resp)
	}
}

func TestRunInputConcurrentCancelsDispatchOnViolation(t *testing.T) {
	cfg := Config{Input: StageConfig{
		Mode: ModeConcurrent,
		Providers: []ProviderConfig{{
			Name:     "p1",
			Provider: violatingProvider("p1", "hate"),
		}},
		ActionMap: map[Category]Action{"hate": ActionBlock},
	}}
	p := New(cfg)

	dispatchCancelled := make(chan bool, 1)
	_, resp, err := p.RunInput(context.Background(), Input{Text: "hello"}, func(ctx context.Context) (any, error) {
		select {
		case <-time.After(time.Second):
			dispatchCancelled <- false
			return "late-response", nil
		case <-ctx.Done():
			dispatchCancelled <- true
			return nil, ctx.Err()
		}
	})

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
	if resp != nil {
		t.Fatalf("resp = %v, want nil (discarded)", resp)
	}
	if !<-dispatchCancelled {
		t.Fatal("expected dispatch context to be cancelled")
	}
}

func TestRunInputConcurrentDiscardsResponseWhenEvalViolatesAfterDispatch(t *testing.T) {
	cfg := Config{Input: StageConfig{
		Mode: ModeConcurrent,
		Providers: []ProviderConfig{{
			Name:     "p1",
			Provider: &fakeProvider{name: "p1", delay: 30 * time.Millisecond, outcome: &Outcome{Findings: []Finding{{Provider: "p1", Category: "hate"}}}},
		}},
		ActionMap: map[Category]Action{"hate": ActionBlock},
	}}
	p := New(cfg)

	_, resp, err := p.RunInput(context.Background(), Input{Text: "hello"}, func(ctx context.Context) (any, error) {
		return "fast-response", nil
	})

	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
	if resp != nil {
		t.Fatalf("resp = %v, want nil (discarded after late violation)", resp)
	}
}

func TestRunInputConcurrentAdmitsWhenBothClean(t *testing.T) {
	cfg := Config{Input: StageConfig{
		Mode:      ModeConcurrent,
		Providers: []ProviderConfig{{Name: "p1", Provider: cleanProvider("p1")}},
	}}
	p := New(cfg)

	_, resp, err := p.RunInput(context.Background(), Input{Text: "hello"}, func(ctx context.Context) (any, error) {
		return "response", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "response" {
		t.Fatalf("resp = %v, want response", resp)
	}
}

func TestEvaluateOneFailClosedOnError(t *testing.T) {
	cfg := Config{Output: StageConfig{
		Providers: []ProviderConfig{{
			Name:     "flaky",
			Provider: &fakeProvider{name: "flaky", err: errors.New("boom")},
			OnError:  PolicyFailClosed,
		}},
		ActionMap: map[Category]Action{"provider_unavailable": ActionBlock},
	}}
	p := New(cfg)

	_, err := p.RunOutput(context.Background(), Input{Text: "hi"})
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("err = %v, want *BlockedError", err)
	}
}

func TestEvaluateOneFailOpenOnError(t *testing.T) {
	cfg := Config{Output: StageConfig{
		Providers: []ProviderConfig{{
			Name:     "flaky",
			Provider: &fakeProvider{name: "flaky", err: errors.New("boom")},
			OnError:  PolicyFailOpen,
		}},
	}}
	p := New(cfg)

	result, err := p.RunOutput(context.Background(), Input{Text: "hi"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Blocked() {
		t.Fatal("fail-open policy must not block")
	}
}

func TestBlocklistProviderFindsPhrase(t *testing.T) {
	bl := NewBlocklistProvider(map[Category][]string{"banned": {"forbidden phrase"}})
	out, err := bl.Evaluate(context.Background(), Input{Text: "this has a Forbidden Phrase in it"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("len(Findings) = %d, want 1", len(out.Findings))
	}
}

func TestRegexPIIProviderRedactsEmail(t *testing.T) {
	p := NewRegexPIIProvider(nil)
	out, err := p.Evaluate(context.Background(), Input{Text: "contact me at alice@example.com please"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if out.RedactedText == "" {
		t.Fatal("expected redacted text")
	}
	if out.RedactedText == "contact me at alice@example.com please" {
		t.Fatal("email was not redacted")
	}
}

func TestContentLimitsProviderFlagsOverage(t *testing.T) {
	p := NewContentLimitsProvider(10, 0)
	out, err := p.Evaluate(context.Background(), Input{Text: "this text is definitely longer than ten characters"})
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if len(out.Findings) != 1 {
		t.Fatalf("len(Findings) = %d, want 1", len(out.Findings))
	}
}

func TestStreamProcessorPerChunkBlocksOnViolatingChunk(t *testing.T) {
	cfg := Config{
		Output: StageConfig{
			Providers: []ProviderConfig{{Name: "mod", Provider: &stagefulProvider{violateOn: "bad"}}},
			ActionMap: map[Category]Action{"hate": ActionBlock},
		},
		Stream: StreamConfig{Mode: StreamPerChunk},
	}
	p := New(cfg)
	sp := p.NewStreamProcessor(Input{})

	var emitted []string
	emit := func(text string) error { emitted = append(emitted, text); return nil }

	if err := sp.Chunk(context.Background(), "good chunk", emit); err != nil {
		t.Fatalf("Chunk 1: %v", err)
	}
	err := sp.Chunk(context.Background(), "bad chunk", emit)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("Chunk 2 err = %v, want *BlockedError", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("emitted = %v, want exactly the clean chunk", emitted)
	}
}

// stagefulProvider flags "hate" whenever the evaluated text contains a
// configured trigger substring.
type stagefulProvider struct{ violateOn string }

func (s *stagefulProvider) Name() string { return "stageful" }
func (s *stagefulProvider) Evaluate(_ context.Context, in Input) (*Outcome, error) {
	if s.violateOn != "" && containsSubstr(in.Text, s.violateOn) {
		return &Outcome{Findings: []Finding{{Provider: "stageful", Category: "hate"}}}, nil
	}
	return &Outcome{}, nil
}

func containsSubstr(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

func TestStreamProcessorBufferedFlushesAtThreshold(t *testing.T) {
	cfg := Config{
		Output: StageConfig{Providers: nil},
		Stream: StreamConfig{Mode: StreamBuffered, BufferTokens: 3},
	}
	p := New(cfg)
	sp := p.NewStreamProcessor(Input{})

	var emitted []string
	emit := func(text string) error { emitted = append(emitted, text); return nil }

	if err := sp.Chunk(context.Background(), "one two", emit); err != nil {
		t.Fatalf("Chunk 1: %v", err)
	}
	if len(emitted) != 0 {
		t.Fatal("expected no flush before threshold")
	}
	if err := sp.Chunk(context.Background(), " three", emit); err != nil {
		t.Fatalf("Chunk 2: %v", err)
	}
	if len(emitted) != 1 {
		t.Fatalf("expected a flush once the word threshold is reached, got %v", emitted)
	}
}
