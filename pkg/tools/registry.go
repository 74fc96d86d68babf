package tools

import (
	"encoding/json"
	"regexp"
	"strings"
	"sync"
)

// Handler synthesizes arguments for one kind of emulated tool when a forced
// call has to be fabricated from the user's text alone.
type Handler interface {
	// Matches reports whether the user's last message looks like work for
	// this handler. Pure text heuristics, documented as such.
	Matches(userText string) bool
	// Arguments builds a JSON argument string from the user's text,
	// returning "{}" when nothing useful can be extracted.
	Arguments(userText string) string
	// Keywords are matched against declared tool names/descriptions to
	// pair the handler with a caller-supplied tool definition.
	Keywords() []string
}

// Registry dispatches handlers by name lookup. Built-ins cover the common
// emulated tools; callers may register their own.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	r := &Registry{handlers: map[string]Handler{}}
	r.Register("calculator", calculatorHandler{})
	r.Register("weather", weatherHandler{})
	return r
}

func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[name]; !exists {
		r.names = append(r.names, name)
	}
	r.handlers[name] = h
}

func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Select returns the first registered handler whose heuristics match the
// user's text, in registration order.
func (r *Registry) Select(userText string) (string, Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names {
		h := r.handlers[name]
		if h.Matches(userText) {
			return name, h, true
		}
	}
	return "", nil, false
}

// HandlerForTool pairs a declared tool with a registered handler by keyword
// over the tool's name and description.
func (r *Registry) HandlerForTool(toolName, toolDescription string) (Handler, bool) {
	haystack := strings.ToLower(toolName + " " + toolDescription)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range r.names {
		h := r.handlers[name]
		for _, kw := range h.Keywords() {
			if strings.Contains(haystack, kw) {
				return h, true
			}
		}
	}
	return nil, false
}

var arithmeticPattern = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*([-+*/x×])\s*(\d+(?:\.\d+)?)`)

type calculatorHandler struct{}

func (calculatorHandler) Matches(userText string) bool {
	return arithmeticPattern.MatchString(userText)
}

func (calculatorHandler) Arguments(userText string) string {
	m := arithmeticPattern.FindString(userText)
	if m == "" {
		return "{}"
	}
	b, err := json.Marshal(map[string]string{"expression": strings.TrimSpace(m)})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (calculatorHandler) Keywords() []string {
	return []string{"calc", "math", "arithmetic", "compute"}
}

var weatherLocationPattern = regexp.MustCompile(`(?i)weather\s+(?:in|for|at)\s+([A-Za-z][A-Za-z .'-]*)`)

type weatherHandler struct{}

func (weatherHandler) Matches(userText string) bool {
	return strings.Contains(strings.ToLower(userText), "weather")
}

func (weatherHandler) Arguments(userText string) string {
	m := weatherLocationPattern.FindStringSubmatch(userText)
	if len(m) < 2 {
		return "{}"
	}
	loc := strings.TrimRight(strings.TrimSpace(m[1]), ".!?")
	b, err := json.Marshal(map[string]string{"location": loc})
	if err != nil {
		return "{}"
	}
	return string(b)
}

func (weatherHandler) Keywords() []string {
	return []string{"weather", "forecast", "temperature"}
}
