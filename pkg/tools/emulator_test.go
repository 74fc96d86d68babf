package tools

import (
	"encoding/json"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func declaredTools() []openai.Tool {
	return []openai.Tool{
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "calculator",
				Description: "Evaluate an arithmetic expression",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"expression": map[string]any{"type": "string"},
					},
				},
			},
		},
		{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        "get_weather",
				Description: "Get the current weather for a location",
			},
		},
	}
}

func TestShouldEmulate(t *testing.T) {
	tls := declaredTools()
	if ShouldEmulate(nil, nil) {
		t.Fatalf("no tools must mean no emulation")
	}
	if ShouldEmulate(tls, "none") {
		t.Fatalf("tool_choice none must disable emulation")
	}
	if !ShouldEmulate(tls, nil) {
		t.Fatalf("declared tools with no choice must emulate")
	}
	if !ShouldEmulate(tls, "required") {
		t.Fatalf("required choice must emulate")
	}
	if !ShouldEmulate(tls, map[string]any{"type": "function", "function": map[string]any{"name": "calculator"}}) {
		t.Fatalf("named choice must emulate")
	}
}

func TestBuildPromptRendersTools(t *testing.T) {
	prompt := BuildPrompt(declaredTools(), "required")
	for _, want := range []string{"calculator", "get_weather", "arithmetic expression", Marker, "must call one of"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
	named := BuildPrompt(declaredTools(), map[string]any{"type": "function", "function": map[string]any{"name": "get_weather"}})
	if !strings.Contains(named, `"get_weather"`) {
		t.Fatalf("named prompt must demand the function:\n%s", named)
	}
}

func TestExtractFindsMarkerCalls(t *testing.T) {
	text := "Let me check that for you.\n" +
		`TOOL_CALL: {"name": "get_weather", "arguments": {"location": "Paris"}}` + "\n" +
		"Done."
	calls := Extract(text)
	if len(calls) != 1 {
		t.Fatalf("expected one call, got %d", len(calls))
	}
	if calls[0].Function.Name != "get_weather" {
		t.Fatalf("name: %q", calls[0].Function.Name)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(calls[0].Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if args["location"] != "Paris" {
		t.Fatalf("arguments: %+v", args)
	}
	if calls[0].ID == "" || calls[0].Type != openai.ToolTypeFunction {
		t.Fatalf("call metadata incomplete: %+v", calls[0])
	}
}

func TestExtractIgnoresGarbage(t *testing.T) {
	if calls := Extract("no markers here"); len(calls) != 0 {
		t.Fatalf("expected no calls, got %+v", calls)
	}
	if calls := Extract(`TOOL_CALL: {"arguments": {}}`); len(calls) != 0 {
		t.Fatalf("nameless call must be skipped, got %+v", calls)
	}
	if calls := Extract("TOOL_CALL: {broken"); len(calls) != 0 {
		t.Fatalf("undecodable call must be skipped, got %+v", calls)
	}
}

func TestStripMarkers(t *testing.T) {
	text := "Sure.\nTOOL_CALL: {\"name\":\"calculator\",\"arguments\":{}}\nAnything else?"
	got := StripMarkers(text)
	if strings.Contains(got, Marker) {
		t.Fatalf("marker leaked: %q", got)
	}
	if !strings.Contains(got, "Sure.") || !strings.Contains(got, "Anything else?") {
		t.Fatalf("surrounding text lost: %q", got)
	}
}

func TestForceHonorsNamedChoice(t *testing.T) {
	e := NewEmulator()
	choice := map[string]any{"type": "function", "function": map[string]any{"name": "get_weather"}}
	call, ok := e.Force(declaredTools(), choice, "what's the weather in Berlin?")
	if !ok {
		t.Fatalf("expected a forced call")
	}
	if call.Function.Name != "get_weather" {
		t.Fatalf("name: %q", call.Function.Name)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if args["location"] != "Berlin" {
		t.Fatalf("location heuristic failed: %+v", args)
	}
}

func TestForcePicksCalculatorByPattern(t *testing.T) {
	e := NewEmulator()
	call, ok := e.Force(declaredTools(), "required", "please compute 12 * 7 for me")
	if !ok {
		t.Fatalf("expected a forced call")
	}
	if call.Function.Name != "calculator" {
		t.Fatalf("arithmetic pattern must select the calculator, got %q", call.Function.Name)
	}
	var args map[string]string
	if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
		t.Fatalf("arguments not JSON: %v", err)
	}
	if args["expression"] != "12 * 7" {
		t.Fatalf("expression capture: %+v", args)
	}
}

func TestForcePicksWeatherByKeyword(t *testing.T) {
	e := NewEmulator()
	call, ok := e.Force(declaredTools(), "required", "how is the weather in Oslo today?")
	if !ok {
		t.Fatalf("expected a forced call")
	}
	if call.Function.Name != "get_weather" {
		t.Fatalf("weather keyword must select the weather tool, got %q", call.Function.Name)
	}
}

func TestForceDefaultsToFirstTool(t *testing.T) {
	e := NewEmulator()
	call, ok := e.Force(declaredTools(), "required", "tell me a story")
	if !ok {
		t.Fatalf("expected a forced call")
	}
	if call.Function.Name != "calculator" {
		t.Fatalf("must default to the first declared tool, got %q", call.Function.Name)
	}
	if call.Function.Arguments != "{}" {
		t.Fatalf("no extractable arguments must mean empty object, got %q", call.Function.Arguments)
	}
}

func TestRequiresCall(t *testing.T) {
	if RequiresCall(nil) || RequiresCall("auto") || RequiresCall("none") {
		t.Fatalf("only required/named choices demand a call")
	}
	if !RequiresCall("required") {
		t.Fatalf("required must demand a call")
	}
	if !RequiresCall(map[string]any{"type": "function", "function": map[string]any{"name": "f"}}) {
		t.Fatalf("named choice must demand a call")
	}
}

type echoHandler struct{}

func (echoHandler) Matches(userText string) bool { return strings.Contains(userText, "echo") }
func (echoHandler) Arguments(userText string) string {
	b, _ := json.Marshal(map[string]string{"text": userText})
	return string(b)
}
func (echoHandler) Keywords() []string { return []string{"echo"} }

func TestRegistryCustomHandler(t *testing.T) {
	e := NewEmulator()
	e.Registry().Register("echo", echoHandler{})

	tools := []openai.Tool{{
		Type:     openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{Name: "echo_tool", Description: "echo things back"},
	}}
	call, ok := e.Force(tools, "required", "echo this please")
	if !ok {
		t.Fatalf("expected a forced call")
	}
	if call.Function.Name != "echo_tool" {
		t.Fatalf("custom handler not dispatched: %q", call.Function.Name)
	}
	if !strings.Contains(call.Function.Arguments, "echo this please") {
		t.Fatalf("custom synthesizer not used: %q", call.Function.Arguments)
	}
}
