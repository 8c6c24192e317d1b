package guardrails

import "context"

// EmitFunc delivers one piece of already-cleared text to the client.
type EmitFunc func(text string) error

// StreamProcessor evaluates a streaming response per the configured
// StreamConfig, emitting cleared text to EmitFunc as it becomes safe to
// send and stopping (with a BlockedError) as soon as a violation is found.
//
// Cancellation contract: a violation must suppress output already
// accumulated but not yet emitted (FinalOnly, Buffered) and must not emit
// the offending chunk itself (PerChunk) — the caller is expected to send a
// synthetic error event to the client instead in both cases.
type StreamProcessor struct {
	pipeline *Pipeline
	cfg      StageConfig
	stream   StreamConfig
	in       Input

	buf      string
	bufWords int
}

func (p *Pipeline) NewStreamProcessor(in Input) *StreamProcessor {
	in.Stage = StageOutput
	return &StreamProcessor{pipeline: p, cfg: p.cfg.Output, stream: p.cfg.Stream, in: in}
}

// Chunk feeds one streamed piece of text into the processor. It may call
// emit zero or more times. A non-nil error (always *BlockedError here)
// means the stream must stop; the caller must not feed further chunks.
func (s *StreamProcessor) Chunk(ctx context.Context, chunk string, emit EmitFunc) error {
	s.buf += chunk

	switch s.stream.Mode {
	case StreamPerChunk:
		result, err := s.pipeline.evaluateStage(ctx, s.cfg, StageOutput, Input{
			Stage: StageOutput, Text: chunk, Model: s.in.Model, OrgID: s.in.OrgID, UserID: s.in.UserID,
		})
		if err != nil {
			return err
		}
		if result.Blocked() {
			return &BlockedError{Stage: StageOutput, Violations: result.Violations}
		}
		text := chunk
		if result.Modified {
			text = result.Text
		}
		s.buf = ""
		return emit(text)

	case StreamBuffered:
		s.bufWords = countWords(s.buf)
		threshold := s.stream.BufferTokens
		if threshold <= 0 {
			threshold = 1
		}
		if s.bufWords < threshold {
			return nil
		}
		return s.flushBuffer(ctx, emit)

	default: // StreamFinalOnly
		return nil
	}
}

// flushBuffer evaluates the accumulated buffer and emits it (possibly
// redacted) if clean, resetting the buffer either way.
func (s *StreamProcessor) flushBuffer(ctx context.Context, emit EmitFunc) error {
	pending := s.buf
	s.buf = ""
	s.bufWords = 0

	result, err := s.pipeline.evaluateStage(ctx, s.cfg, StageOutput, Input{
		Stage: StageOutput, Text: pending, Model: s.in.Model, OrgID: s.in.OrgID, UserID: s.in.UserID,
	})
	if err != nil {
		return err
	}
	if result.Blocked() {
		return &BlockedError{Stage: StageOutput, Violations: result.Violations}
	}
	text := pending
	if result.Modified {
		text = result.Text
	}
	return emit(text)
}

// Final must be called once the upstream response completes. For
// StreamFinalOnly it performs the single buffered evaluation and emission.
// For StreamBuffered it flushes any remainder shorter than BufferTokens.
// For StreamPerChunk it is a no-op (every chunk was already evaluated).
func (s *StreamProcessor) Final(ctx context.Context, emit EmitFunc) error {
	switch s.stream.Mode {
	case StreamPerChunk:
		return nil
	case StreamBuffered:
		if s.buf == "" {
			return nil
		}
		return s.flushBuffer(ctx, emit)
	default: // StreamFinalOnly
		if s.buf == "" {
			return nil
		}
		return s.flushBuffer(ctx, emit)
	}
}
