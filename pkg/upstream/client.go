// Package upstream issues chat calls against the third-party conversational
// backend. Every call is paced by the rate governor and carries a freshly
// solved challenge token tied to a freshly generated user agent.
package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
)

const (
	chatPath    = "/duckchat/v1/chat"
	tokenHeader = "x-vqd-hash-1"
	eventMarker = "data: "
	doneMarker  = "[DONE]"

	defaultRetryAfter = 60 * time.Second
)

// Message is the only shape the upstream accepts: user/assistant roles with
// plain text content. Folding other roles happens before this package.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TokenSolver supplies a single-use challenge token for the given user agent.
type TokenSolver interface {
	Solve(ctx context.Context, userAgent string) (string, error)
}

// Admitter paces outgoing calls and records upstream-reported limits.
type Admitter interface {
	Admit(ctx context.Context) error
	MarkLimited(retryAfter time.Duration)
}

type Client struct {
	baseURL    string
	httpClient *http.Client
	solver     TokenSolver
	governor   Admitter
}

func NewClient(baseURL string, httpClient *http.Client, solver TokenSolver, governor Admitter) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		solver:     solver,
		governor:   governor,
	}
}

// Chat performs a non-streaming call: the whole event-stream body is read
// and the message fragments are concatenated.
func (c *Client) Chat(ctx context.Context, model string, messages []Message) (string, error) {
	resp, err := c.send(ctx, model, messages)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return "", fmt.Errorf("read upstream body: %w", err)
	}

	var sb strings.Builder
	for _, line := range strings.Split(string(body), "\n") {
		fragment, done, err := parseEventLine(line)
		if err != nil {
			return "", err
		}
		if done {
			break
		}
		sb.WriteString(fragment)
	}
	return sb.String(), nil
}

// ChatStream performs a streaming call, invoking onFragment for every text
// fragment as it arrives. Cancelling ctx aborts the upstream read.
func (c *Client) ChatStream(ctx context.Context, model string, messages []Message, onFragment func(fragment string) error) error {
	resp, err := c.send(ctx, model, messages)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		fragment, done, err := parseEventLine(scanner.Text())
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if fragment == "" {
			continue
		}
		if err := onFragment(fragment); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read upstream stream: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, model string, messages []Message) (*http.Response, error) {
	if err := c.governor.Admit(ctx); err != nil {
		return nil, err
	}

	userAgent := RandomUserAgent()
	token, err := c.solver.Solve(ctx, userAgent)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(map[string]any{
		"model":    model,
		"messages": messages,
	})
	if err != nil {
		return nil, fmt.Errorf("encode chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatPath, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(tokenHeader, token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream chat call: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		resp.Body.Close()
		c.governor.MarkLimited(retryAfter)
		return nil, &RateLimitedError{RetryAfter: retryAfter}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
		resp.Body.Close()
		return nil, &UpstreamError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(snippet))}
	}
	return resp, nil
}

// eventPayload covers both data lines and the error-action envelope the
// upstream sends with an HTTP 200.
type eventPayload struct {
	Action  string `json:"action"`
	Message string `json:"message"`
	ErrType string `json:"type"`
	Status  int    `json:"status"`
}

// parseEventLine extracts the text fragment from one upstream line. Lines
// without the event marker that are not an error envelope are protocol noise
// and skipped. Malformed data lines are skipped too, never fatal.
func parseEventLine(line string) (fragment string, done bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", false, nil
	}

	data, hasMarker := strings.CutPrefix(line, eventMarker)
	if !hasMarker {
		// The upstream occasionally answers with a bare JSON error object
		// instead of an event stream.
		var p eventPayload
		if json.Unmarshal([]byte(line), &p) == nil && p.Action == "error" {
			return "", false, &UpstreamError{StatusCode: p.Status, ErrType: p.ErrType, Message: p.Message}
		}
		return "", false, nil
	}

	data = strings.TrimSpace(data)
	if data == doneMarker {
		return "", true, nil
	}
	var p eventPayload
	if err := json.Unmarshal([]byte(data), &p); err != nil {
		log.Debug("skipping malformed upstream line", "err", err)
		return "", false, nil
	}
	if p.Action == "error" {
		return "", false, &UpstreamError{StatusCode: p.Status, ErrType: p.ErrType, Message: p.Message}
	}
	return p.Message, false, nil
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return defaultRetryAfter
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return defaultRetryAfter
	}
	return time.Duration(secs) * time.Second
}
