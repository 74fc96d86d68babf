package translate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
	"unicode/utf8"

	openai "github.com/sashabaranov/go-openai"
)

// StreamWriter emits the OpenAI chunked event stream. The order is part of
// the contract and must not be reordered or batched: one role-only chunk,
// one chunk per upstream fragment, a terminal finish chunk, an optional
// usage-only chunk, then the literal [DONE] marker.
type StreamWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher

	id      string
	model   string
	created int64

	promptChars     int
	completionChars int
	includeUsage    bool
	sentRole        bool
}

func NewStreamWriter(w http.ResponseWriter, model string, promptChars int, includeUsage bool) *StreamWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, _ := w.(http.Flusher)
	return &StreamWriter{
		w:            w,
		flusher:      flusher,
		id:           NewCompletionID(),
		model:        model,
		created:      time.Now().Unix(),
		promptChars:  promptChars,
		includeUsage: includeUsage,
	}
}

// WriteFragment sends one content chunk, emitting the initial role-only
// chunk first if it has not gone out yet.
func (s *StreamWriter) WriteFragment(text string) error {
	if err := s.ensureRole(); err != nil {
		return err
	}
	s.completionChars += utf8.RuneCountInString(text)
	return s.writeChunk(openai.ChatCompletionStreamChoiceDelta{Content: text}, nil)
}

// FinishStop terminates a plain text stream.
func (s *StreamWriter) FinishStop() error {
	return s.finish(openai.FinishReasonStop)
}

// FinishToolCalls terminates the stream with synthesized or extracted tool
// calls in the final delta.
func (s *StreamWriter) FinishToolCalls(calls []openai.ToolCall) error {
	if err := s.ensureRole(); err != nil {
		return err
	}
	if err := s.writeChunk(openai.ChatCompletionStreamChoiceDelta{ToolCalls: calls}, nil); err != nil {
		return err
	}
	return s.finish(openai.FinishReasonToolCalls)
}

func (s *StreamWriter) finish(reason openai.FinishReason) error {
	if err := s.ensureRole(); err != nil {
		return err
	}
	if err := s.writeChunk(openai.ChatCompletionStreamChoiceDelta{}, &reason); err != nil {
		return err
	}
	if s.includeUsage {
		if err := s.writeUsage(); err != nil {
			return err
		}
	}
	return s.writeRaw("data: [DONE]\n\n")
}

func (s *StreamWriter) ensureRole() error {
	if s.sentRole {
		return nil
	}
	s.sentRole = true
	return s.writeChunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, nil)
}

func (s *StreamWriter) writeChunk(delta openai.ChatCompletionStreamChoiceDelta, finish *openai.FinishReason) error {
	choice := openai.ChatCompletionStreamChoice{Index: 0, Delta: delta}
	if finish != nil {
		choice.FinishReason = *finish
	}
	chunk := openai.ChatCompletionStreamResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{choice},
	}
	return s.writeEvent(chunk)
}

// writeUsage emits the usage-only chunk with empty choices, sent only when
// the request opted in via stream_options.include_usage.
func (s *StreamWriter) writeUsage() error {
	prompt := estimateTokensFromChars(s.promptChars)
	completion := estimateTokensFromChars(s.completionChars)
	chunk := openai.ChatCompletionStreamResponse{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: s.created,
		Model:   s.model,
		Choices: []openai.ChatCompletionStreamChoice{},
		Usage: &openai.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		},
	}
	return s.writeEvent(chunk)
}

func (s *StreamWriter) writeEvent(chunk openai.ChatCompletionStreamResponse) error {
	b, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encode stream chunk: %w", err)
	}
	return s.writeRaw("data: " + string(b) + "\n\n")
}

func (s *StreamWriter) writeRaw(payload string) error {
	if _, err := s.w.Write([]byte(payload)); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
