package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/dnscache"
	"github.com/tidwall/gjson"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	gateway "github.com/quietloop/llmgate/internal"
)

const (
	executeDeadline     = 60 * time.Second
	availabilityDeadline = 10 * time.Second
	maxErrorBodyChars   = 500
)

// wireRequest is the provider-facing chat payload. Shaped close to the
// OpenAI wire format; fields unused by a given provider are simply
// omitted on marshal.
type wireRequest struct {
	Model    string        `json:"model"`
	Messages []wireMessage `json:"messages"`
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// wireResponse is the subset of an OpenAI-shaped response the remote
// adapter requires. Providers that deviate are tolerated via gjson
// field pulls in parseResponse's fallback path.
type wireResponse struct {
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// Remote is the HTTP adapter wrapping a single provider endpoint.
type Remote struct {
	desc        gateway.BackendDescriptor
	http        *http.Client
	apiKey      string
	tokenSource oauth2.TokenSource
}

// NewRemote builds a Remote adapter. resolver, if non-nil, wires a
// shared cached-DNS transport across every remote adapter in the
// registry. The credential is read from the environment variable named
// by desc.CredentialEnvName, or (for AuthType=="oauth") an OAuth2
// client-credentials token source is built from the descriptor's OAuth
// fields.
func NewRemote(desc gateway.BackendDescriptor, resolver *dnscache.Resolver) *Remote {
	transport := &http.Transport{
		MaxIdleConnsPerHost: 50,
		MaxConnsPerHost:     100,
		IdleConnTimeout:     90 * time.Second,
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 5 * time.Second,
	}
	if resolver != nil {
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var d net.Dialer
			return d.DialContext(ctx, network, net.JoinHostPort(ips[0], port))
		}
	}

	r := &Remote{
		desc: desc,
		http: &http.Client{Transport: transport},
	}

	if desc.AuthType == "oauth" {
		cfg := clientcredentials.Config{
			ClientID:     desc.OAuthClientID,
			ClientSecret: desc.OAuthClientSecret,
			TokenURL:     desc.OAuthTokenURL,
			Scopes:       desc.OAuthScopes,
		}
		r.tokenSource = cfg.TokenSource(context.Background())
	} else if desc.CredentialEnvName != "" {
		r.apiKey = os.Getenv(desc.CredentialEnvName)
	}

	return r
}

func (r *Remote) Name() string                        { return r.desc.Name }
func (r *Remote) Kind() gateway.BackendKind            { return gateway.KindRemote }
func (r *Remote) SupportsTools() bool                  { return r.desc.SupportsTools }
func (r *Remote) Config() gateway.BackendDescriptor     { return r.desc }
func (r *Remote) EstimateCost(req *gateway.ChatRequest) float64 {
	return EstimateCost(r.desc.CostPerUnit, req)
}

// translate maps the gateway's message list to the provider's wire
// shape, merging a leading system message into the first user message
// when the provider lacks a system role (spec.md §4.1).
func (r *Remote) translate(req *gateway.ChatRequest) wireRequest {
	msgs := req.Messages
	out := make([]wireMessage, 0, len(msgs))

	if !r.desc.HasSystemRole && len(msgs) > 0 && msgs[0].Role == "system" {
		prefix := msgs[0].Content
		rest := msgs[1:]
		for i, m := range rest {
			if i == 0 && m.Role == "user" {
				out = append(out, wireMessage{Role: "user", Content: prefix + "\n\n" + m.Content})
				continue
			}
			out = append(out, wireMessage{Role: m.Role, Content: m.Content})
		}
	} else {
		for _, m := range msgs {
			out = append(out, wireMessage{Role: m.Role, Content: m.Content})
		}
	}

	model := req.Model
	if r.desc.Model != "" {
		model = r.desc.Model
	}
	return wireRequest{Model: model, Messages: out}
}

func (r *Remote) setAuth(ctx context.Context, hr *http.Request) error {
	if r.tokenSource != nil {
		tok, err := r.tokenSource.Token()
		if err != nil {
			return err
		}
		tok.SetAuthHeader(hr)
		return nil
	}
	if r.apiKey != "" {
		hr.Header.Set("Authorization", "Bearer "+r.apiKey)
	}
	return nil
}

// Execute implements Adapter.Execute for the remote (HTTP) kind
// (spec.md §4.1). Failure precedence: deadline exceeded -> ErrTimeout;
// non-2xx -> ErrUpstream with truncated body; JSON parse failure or
// missing required field -> ErrProtocol.
func (r *Remote) Execute(ctx context.Context, req *gateway.ChatRequest) (*gateway.AdapterOutput, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, executeDeadline)
	defer cancel()

	body, err := json.Marshal(r.translate(req))
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "encode request")
	}

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(r.desc.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "build request")
	}
	hr.Header.Set("Content-Type", "application/json")
	if err := r.setAuth(ctx, hr); err != nil {
		return nil, gateway.NewStatusError(gateway.ErrInternal, 500, "auth token")
	}

	resp, err := r.http.Do(hr)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gateway.NewStatusError(gateway.ErrTimeout, 504, "backend deadline exceeded")
		}
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502, "upstream unreachable")
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, gateway.NewStatusError(gateway.ErrUpstream, 502,
			fmt.Sprintf("upstream status %d: %s", resp.StatusCode, truncate(string(respBody), maxErrorBodyChars)))
	}

	out, err := parseResponse(respBody)
	if err != nil {
		return nil, err
	}
	out.DurationMs = time.Since(start).Milliseconds()
	out.TotalCostUSD = r.EstimateCost(req)
	return out, nil
}

func parseResponse(body []byte) (*gateway.AdapterOutput, error) {
	var wr wireResponse
	if err := json.Unmarshal(body, &wr); err != nil {
		return nil, gateway.NewStatusError(gateway.ErrProtocol, 502, "unparseable provider response")
	}
	if len(wr.Choices) == 0 {
		// Tolerate providers with a different top-level shape via gjson
		// before giving up.
		if content := gjson.GetBytes(body, "choices.0.message.content"); content.Exists() {
			return &gateway.AdapterOutput{
				Result: content.String(),
				Usage: gateway.AdapterUsage{
					InputTokens:  int(gjson.GetBytes(body, "usage.prompt_tokens").Int()),
					OutputTokens: int(gjson.GetBytes(body, "usage.completion_tokens").Int()),
				},
			}, nil
		}
		return nil, gateway.NewStatusError(gateway.ErrProtocol, 502, "missing choices in provider response")
	}
	return &gateway.AdapterOutput{
		Result: wr.Choices[0].Message.Content,
		Usage: gateway.AdapterUsage{
			InputTokens:  wr.Usage.PromptTokens,
			OutputTokens: wr.Usage.CompletionTokens,
		},
	}, nil
}

// IsAvailable probes a lightweight "list models" endpoint with a 10s
// deadline. Only HTTP 200 counts as healthy (spec.md §4.1: a 400 means
// the call worked but the request was wrong, not that the provider is
// down -- it does not count as healthy, but it also isn't "available").
func (r *Remote) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, availabilityDeadline)
	defer cancel()

	hr, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(r.desc.BaseURL, "/")+"/models", nil)
	if err != nil {
		return false
	}
	_ = r.setAuth(ctx, hr)

	resp, err := r.http.Do(hr)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return resp.StatusCode == http.StatusOK
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
