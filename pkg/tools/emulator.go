// Package tools fakes OpenAI function calling on a backend that has no
// native notion of tools. Declared tools are rendered into prompt
// instructions, completions are scanned for a call marker, and when the
// caller demands a tool result one is fabricated by text heuristics. This is
// a best-effort approximation, not semantic understanding: there is no retry
// or correction loop.
package tools

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
)

// Marker is the invocation pattern the model is instructed to emit.
const Marker = "TOOL_CALL:"

var markerPattern = regexp.MustCompile(`TOOL_CALL:\s*(\{.*\})`)

// Emulator holds the handler registry used for forced-call synthesis.
type Emulator struct {
	registry *Registry
}

func NewEmulator() *Emulator {
	return &Emulator{registry: NewRegistry()}
}

// Registry exposes the handler registry for caller registration.
func (e *Emulator) Registry() *Registry {
	return e.registry
}

// ShouldEmulate reports whether tool emulation applies: tools declared and
// the caller has not opted out with tool_choice "none".
func ShouldEmulate(tools []openai.Tool, toolChoice any) bool {
	if len(tools) == 0 {
		return false
	}
	return !choiceIsNone(toolChoice)
}

func choiceIsNone(toolChoice any) bool {
	s, ok := toolChoice.(string)
	return ok && s == "none"
}

// BuildPrompt renders the declared tools into the instruction block injected
// into the conversation.
func BuildPrompt(tools []openai.Tool, toolChoice any) string {
	var sb strings.Builder
	sb.WriteString("You have access to the following functions:\n\n")
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		sb.WriteString("- ")
		sb.WriteString(t.Function.Name)
		if t.Function.Description != "" {
			sb.WriteString(": ")
			sb.WriteString(t.Function.Description)
		}
		sb.WriteString("\n")
		if t.Function.Parameters != nil {
			if schema, err := json.Marshal(t.Function.Parameters); err == nil {
				sb.WriteString("  parameters: ")
				sb.Write(schema)
				sb.WriteString("\n")
			}
		}
	}
	sb.WriteString("\nTo call a function, respond with exactly one line of the form:\n")
	sb.WriteString(Marker)
	sb.WriteString(` {"name": "<function-name>", "arguments": {<json-arguments>}}` + "\n")

	if name := choiceName(toolChoice); name != "" {
		fmt.Fprintf(&sb, "\nYou must call the function %q.\n", name)
	} else if s, ok := toolChoice.(string); ok && s == "required" {
		sb.WriteString("\nYou must call one of the functions.\n")
	} else {
		sb.WriteString("\nOnly call a function when it is needed to answer.\n")
	}
	return sb.String()
}

// Extract scans completion text for marker lines and returns the declared
// calls. Arguments are opaque text: they are re-serialized but never
// validated against the tool's schema.
func Extract(text string) []openai.ToolCall {
	var calls []openai.ToolCall
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		var decl struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal([]byte(m[1]), &decl); err != nil || decl.Name == "" {
			continue
		}
		args := "{}"
		if len(decl.Arguments) > 0 {
			args = string(decl.Arguments)
		}
		calls = append(calls, newCall(decl.Name, args))
	}
	return calls
}

// StripMarkers removes marker lines from completion text so synthesized
// calls do not leak their wire form into content.
func StripMarkers(text string) string {
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.Contains(line, Marker) {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// Force fabricates a call when the caller demanded one but the completion
// carried no marker. An explicitly named function wins; otherwise shallow
// keyword heuristics over the user's last message pick a tool, defaulting to
// the first declared one.
func (e *Emulator) Force(tools []openai.Tool, toolChoice any, lastUserText string) (openai.ToolCall, bool) {
	if len(tools) == 0 {
		return openai.ToolCall{}, false
	}

	if name := choiceName(toolChoice); name != "" {
		for _, t := range tools {
			if t.Function != nil && t.Function.Name == name {
				return newCall(name, e.argumentsFor(t, lastUserText)), true
			}
		}
		// Named function not declared; still honor the name.
		return newCall(name, "{}"), true
	}

	if _, h, ok := e.registry.Select(lastUserText); ok {
		if t, found := e.toolForHandler(tools, h); found {
			return newCall(t.Function.Name, h.Arguments(lastUserText)), true
		}
	}

	first := tools[0]
	if first.Function == nil {
		return openai.ToolCall{}, false
	}
	return newCall(first.Function.Name, e.argumentsFor(first, lastUserText)), true
}

func (e *Emulator) argumentsFor(t openai.Tool, userText string) string {
	if t.Function == nil {
		return "{}"
	}
	if h, ok := e.registry.HandlerForTool(t.Function.Name, t.Function.Description); ok {
		return h.Arguments(userText)
	}
	return "{}"
}

func (e *Emulator) toolForHandler(tools []openai.Tool, h Handler) (openai.Tool, bool) {
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		haystack := strings.ToLower(t.Function.Name + " " + t.Function.Description)
		for _, kw := range h.Keywords() {
			if strings.Contains(haystack, kw) {
				return t, true
			}
		}
	}
	return openai.Tool{}, false
}

// RequiresCall reports whether the tool_choice directive demands that the
// response carry a call: "required" or a named function.
func RequiresCall(toolChoice any) bool {
	if s, ok := toolChoice.(string); ok {
		return s == "required"
	}
	return choiceName(toolChoice) != ""
}

// choiceName extracts the function name from an object-form tool_choice,
// which arrives as a generic map after JSON decoding.
func choiceName(toolChoice any) string {
	m, ok := toolChoice.(map[string]any)
	if !ok {
		return ""
	}
	fn, ok := m["function"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := fn["name"].(string)
	return name
}

func newCall(name, arguments string) openai.ToolCall {
	return openai.ToolCall{
		ID:   "call_" + uuid.NewString(),
		Type: openai.ToolTypeFunction,
		Function: openai.FunctionCall{
			Name:      name,
			Arguments: arguments,
		},
	}
}
