// Package llm talks to OpenAI compatible chat completion endpoints. It is
// shared by the guardrail classifier, the agent runtime and title generation.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"ally-api/internal/shared"

	"go.uber.org/zap"
)

const chatCompletionsRoute = "/v1/chat/completions"

type Client struct {
	baseURL      string
	apiKey       string
	log          *zap.SugaredLogger
	httpClients  map[string]*http.Client
	clientsMutex sync.RWMutex

	// FirstTokenTimeout bounds the wait for the first streamed line; models
	// scaling from zero can take a while to answer
	FirstTokenTimeout time.Duration
}

func NewClient(baseURL, apiKey string, log *zap.SugaredLogger) *Client {
	return &Client{
		baseURL:           strings.TrimSuffix(baseURL, "/"),
		apiKey:            apiKey,
		log:               log,
		httpClients:       make(map[string]*http.Client),
		FirstTokenTimeout: shared.DefaultStreamRequestTimeout,
	}
}

type CompletionRequest struct {
	Model       string               `json:"model"`
	Messages    []shared.ChatMessage `json:"messages"`
	Temperature float32              `json:"temperature"`
	MaxTokens   int                  `json:"max_tokens,omitempty"`
	Stream      bool                 `json:"stream"`
	User        string               `json:"user,omitempty"`
}

func (c *Client) getHTTPClient(endpoint string) *http.Client {
	parsedURL, err := url.Parse(endpoint)
	if err != nil {
		c.log.Warnw("Failed to parse model URL, using full URL as key", "url", endpoint, "error", err)
		parsedURL = &url.URL{Host: endpoint}
	}
	host := parsedURL.Host

	c.clientsMutex.RLock()
	if client, exists := c.httpClients[host]; exists {
		c.clientsMutex.RUnlock()
		return client
	}
	c.clientsMutex.RUnlock()

	c.clientsMutex.Lock()
	defer c.clientsMutex.Unlock()

	if client, exists := c.httpClients[host]; exists {
		return client
	}

	tr := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 2 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 2 * time.Second,
		DisableKeepAlives:   false,
	}
	client := &http.Client{Transport: tr, Timeout: 10 * time.Minute}

	c.httpClients[host] = client
	c.log.Infow("Created new HTTP client for host", "host", host)

	return client
}

func (c *Client) newRequest(ctx context.Context, body CompletionRequest) (*http.Request, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Join(&shared.RequestError{StatusCode: 500, Err: errors.New("failed building request")}, err)
	}
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+chatCompletionsRoute, bytes.NewBuffer(payload))
	if err != nil {
		return nil, errors.Join(&shared.RequestError{StatusCode: 500, Err: errors.New("failed building request")}, err)
	}
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("Connection", "keep-alive")
	if c.apiKey != "" {
		r.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return r, nil
}

// Complete sends a non streaming request and returns the first choice content
func (c *Client) Complete(ctx context.Context, body CompletionRequest) (string, error) {
	body.Stream = false
	r, err := c.newRequest(ctx, body)
	if err != nil {
		return "", err
	}

	res, err := c.getHTTPClient(c.baseURL).Do(r)
	if err != nil {
		return "", errors.Join(shared.ErrFailedModelReq, err)
	}
	defer func() {
		if closeErr := res.Body.Close(); closeErr != nil {
			c.log.Warnw("Failed to close response body", "error", closeErr)
		}
	}()

	if res.StatusCode != http.StatusOK {
		return "", errors.Join(&shared.RequestError{StatusCode: res.StatusCode, Err: errors.New("downstream request failed")}, shared.ErrFailedModelReqFromCode)
	}

	bodyBytes, err := io.ReadAll(res.Body)
	if err != nil {
		return "", errors.Join(shared.ErrFailedReadingResponse, err)
	}
	return ParseCompletionContent(bodyBytes)
}

// ParseCompletionContent pulls choices[0].message.content out of a non
// streaming completion response
func ParseCompletionContent(response []byte) (string, error) {
	var openAIResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(response, &openAIResp); err != nil {
		return "", errors.Join(shared.ErrFailedReadingResponse, err)
	}
	if len(openAIResp.Choices) == 0 {
		return "", errors.New("no choices in response")
	}
	return openAIResp.Choices[0].Message.Content, nil
}

// ExtractJSON strips markdown code fences models like to wrap json in
func ExtractJSON(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "```json") {
		s = strings.TrimPrefix(s, "```json")
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
	} else if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
	}

	return strings.TrimSpace(s)
}
