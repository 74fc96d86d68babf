// Package translate converts between the OpenAI chat schema and the
// upstream's two-role message format, in both directions.
package translate

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/duckbridge/duckbridge/pkg/upstream"
)

// EmptyResponseFallback is substituted when the upstream returns no text at
// all, which it occasionally does.
const EmptyResponseFallback = "I apologize, but I was unable to generate a response. Please try again."

// ErrBadRole marks a message role the API does not define.
var ErrBadRole = errors.New("unsupported message role")

// FoldMessages rewrites an OpenAI message sequence into the upstream format.
// The upstream errors on any role other than user/assistant, so system and
// tool messages are folded into the textual content of the nearest following
// user message, prepended so instructions are read first. toolPrompt, when
// non-empty, is injected the same way ahead of everything else. Order is
// preserved and no content is dropped.
func FoldMessages(messages []openai.ChatCompletionMessage, toolPrompt string) ([]upstream.Message, error) {
	var pending []string
	if strings.TrimSpace(toolPrompt) != "" {
		pending = append(pending, toolPrompt)
	}

	out := make([]upstream.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case openai.ChatMessageRoleSystem:
			if m.Content != "" {
				pending = append(pending, m.Content)
			}
		case openai.ChatMessageRoleTool:
			if m.Content != "" {
				pending = append(pending, fmt.Sprintf("Tool result (%s): %s", m.ToolCallID, m.Content))
			}
		case openai.ChatMessageRoleUser:
			content := m.Content
			if len(pending) > 0 {
				blocks := append(append([]string(nil), pending...), content)
				content = strings.Join(blocks, "\n\n")
				pending = nil
			}
			out = append(out, upstream.Message{Role: "user", Content: content})
		case openai.ChatMessageRoleAssistant:
			content := m.Content
			if content == "" && len(m.ToolCalls) > 0 {
				// Keep the conversation coherent: replay earlier calls in
				// the same form the model was told to emit them.
				lines := make([]string, 0, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					lines = append(lines, fmt.Sprintf(`TOOL_CALL: {"name": %q, "arguments": %s}`, tc.Function.Name, tc.Function.Arguments))
				}
				content = strings.Join(lines, "\n")
			}
			out = append(out, upstream.Message{Role: "assistant", Content: content})
		default:
			return nil, fmt.Errorf("%w: %q", ErrBadRole, m.Role)
		}
	}

	// No user message followed the folded content; it still must not be
	// lost.
	if len(pending) > 0 {
		out = append(out, upstream.Message{Role: "user", Content: strings.Join(pending, "\n\n")})
	}
	return out, nil
}

// PromptChars counts the characters that will leave for the upstream, the
// basis of the prompt-side usage estimate.
func PromptChars(messages []upstream.Message) int {
	n := 0
	for _, m := range messages {
		n += utf8.RuneCountInString(m.Content)
	}
	return n
}

// EstimateTokens approximates a token count as ceil(characters/4). Not a
// tokenizer; monotonic non-decreasing in the input length.
func EstimateTokens(s string) int {
	runes := utf8.RuneCountInString(s)
	return (runes + 3) / 4
}

func estimateTokensFromChars(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}

// NewCompletion builds the non-streaming response object. Empty upstream
// text becomes the fixed fallback string. When toolCalls is non-empty the
// finish reason flips to tool_calls.
func NewCompletion(model, text string, promptChars int, toolCalls []openai.ToolCall) openai.ChatCompletionResponse {
	if strings.TrimSpace(text) == "" && len(toolCalls) == 0 {
		text = EmptyResponseFallback
	}

	message := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: text,
	}
	finish := openai.FinishReasonStop
	if len(toolCalls) > 0 {
		message.ToolCalls = toolCalls
		finish = openai.FinishReasonToolCalls
	}

	completionTokens := EstimateTokens(text)
	promptTokens := estimateTokensFromChars(promptChars)
	return openai.ChatCompletionResponse{
		ID:      NewCompletionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []openai.ChatCompletionChoice{{
			Index:        0,
			Message:      message,
			FinishReason: finish,
		}},
		Usage: openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}
}

func NewCompletionID() string {
	return "chatcmpl-" + uuid.NewString()
}
