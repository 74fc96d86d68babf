// Package challenge derives the anti-automation token the upstream requires
// on every chat call. The upstream hands out a base64-encoded JavaScript
// program in a response header; the program fingerprints its environment and
// the serialized, hashed fingerprint set is the token.
package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	log "github.com/charmbracelet/log"
)

const (
	statusPath      = "/duckchat/v1/status"
	challengeHeader = "x-vqd-hash-1"
	acceptHeader    = "x-vqd-accept"
)

// canonicalClientIdentity replaces the first raw client fingerprint. The
// sandbox has no real browser identity, so a fixed well-formed one keeps the
// hashed fingerprint list stable across environments.
const canonicalClientIdentity = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/133.0.0.0 Safari/537.36"

var (
	// ErrUnavailable marks network or HTTP-level failures talking to the
	// upstream status endpoint.
	ErrUnavailable = errors.New("upstream unavailable")
	// ErrFormatChanged marks a challenge the solver no longer understands:
	// missing header, undecodable payload, or a program whose result shape
	// moved. The format is owned by a third party and changes silently.
	ErrFormatChanged = errors.New("challenge format changed")
)

type Solver struct {
	baseURL    string
	httpClient *http.Client
	exec       Executor
}

func NewSolver(baseURL string, httpClient *http.Client) *Solver {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Solver{
		baseURL:    baseURL,
		httpClient: httpClient,
		exec:       NewSandboxExecutor(),
	}
}

// Solve fetches a fresh challenge, executes it, and returns the derived
// token. Tokens are single-use: callers must solve again for every upstream
// call, pairing the token with the same user agent.
func (s *Solver) Solve(ctx context.Context, userAgent string) (string, error) {
	script, err := s.fetchChallenge(ctx, userAgent)
	if err != nil {
		return "", err
	}

	result, err := s.exec.Run(script, browserGlobals(userAgent))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrFormatChanged, err)
	}
	if result.ClientHashes == nil {
		return "", fmt.Errorf("%w: result carries no client fingerprints", ErrFormatChanged)
	}
	log.Debug("challenge solved", "client_hashes", len(result.ClientHashes), "server_hashes", len(result.ServerHashes))

	if len(result.ClientHashes) > 0 {
		result.ClientHashes[0] = canonicalClientIdentity
	}
	for i, h := range result.ClientHashes {
		sum := sha256.Sum256([]byte(h))
		result.ClientHashes[i] = base64.StdEncoding.EncodeToString(sum[:])
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("encode token: %w", err)
	}
	return base64.StdEncoding.EncodeToString(payload), nil
}

func (s *Solver) fetchChallenge(ctx context.Context, userAgent string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+statusPath, nil)
	if err != nil {
		return "", fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set(acceptHeader, "1")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: status endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	encoded := resp.Header.Get(challengeHeader)
	if encoded == "" {
		return "", fmt.Errorf("%w: missing %s header", ErrFormatChanged, challengeHeader)
	}
	script, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("%w: undecodable challenge payload: %v", ErrFormatChanged, err)
	}
	return string(script), nil
}

// browserGlobals seeds the markers challenge programs are known to probe.
// The values only need to look like a browser, not be one.
func browserGlobals(userAgent string) map[string]any {
	return map[string]any{
		"navigator": map[string]any{
			"userAgent":           userAgent,
			"language":            "en-US",
			"languages":           []string{"en-US", "en"},
			"platform":            "Win32",
			"hardwareConcurrency": 8,
			"maxTouchPoints":      0,
			"webdriver":           false,
		},
		"screen": map[string]any{
			"width":       1920,
			"height":      1080,
			"colorDepth":  24,
			"availWidth":  1920,
			"availHeight": 1040,
		},
		"document": map[string]any{
			"title":  "",
			"hidden": false,
		},
		"location": map[string]any{
			"href":   "https://duckduckgo.com/",
			"origin": "https://duckduckgo.com",
			"host":   "duckduckgo.com",
		},
	}
}
