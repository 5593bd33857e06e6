package search

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/seeker/config"
)

// Client is a Serper.dev search client. One request per Search call, no
// retries; retry policy belongs to the caller.
type Client struct {
	apiKey     string
	url        string
	httpClient *http.Client
	logger     *log.Logger
}

func NewClient(cfg config.SerperConfig) *Client {
	return &Client{
		apiKey:     cfg.APIKey,
		url:        cfg.URL,
		httpClient: &http.Client{},
		logger:     log.New(log.Writer(), "[SEARCH] ", log.LstdFlags),
	}
}

// Search issues one search request with the given timeout and returns the
// normalized result. Organic is never nil, even when the backend omits it.
func (c *Client) Search(ctx context.Context, query string, timeout time.Duration) (*Result, error) {
	// https://serper.dev/ docs
	payload := map[string]any{"q": query, "gl": "us", "hl": "en"}
	body, _ := json.Marshal(payload)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(string(body)))
	if err != nil {
		return nil, &UpstreamError{Status: 0, Message: err.Error()}
	}
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.mapTransportError(err, timeout)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, &AuthError{Status: resp.StatusCode}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		// read response body (best-effort) to include in error
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Status: resp.StatusCode, Message: strings.TrimSpace(string(b))}
	}

	var raw struct {
		Organic          []Organic      `json:"organic"`
		AnswerBox        map[string]any `json:"answerBox"`
		KnowledgeGraph   map[string]any `json:"knowledgeGraph"`
		RelatedSearches  json.RawMessage `json:"relatedSearches"`
		SearchParameters map[string]any `json:"searchParameters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, &UpstreamError{Status: resp.StatusCode, Message: "malformed response: " + err.Error()}
	}

	res := &Result{
		Organic:          raw.Organic,
		AnswerBox:        raw.AnswerBox,
		KnowledgeGraph:   raw.KnowledgeGraph,
		RelatedSearches:  decodeRelated(raw.RelatedSearches),
		SearchParameters: raw.SearchParameters,
	}
	if res.Organic == nil {
		res.Organic = []Organic{}
	}
	c.logger.Printf("search %q completed in %s with %d organic results", query, time.Since(start).Round(time.Millisecond), len(res.Organic))
	return res, nil
}

func (c *Client) mapTransportError(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TimeoutError{Timeout: timeout, Err: err}
	}
	return &UnavailableError{Err: err}
}

// decodeRelated accepts both the documented [{"query": "..."}] shape and a
// plain list of strings.
func decodeRelated(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var objs []struct {
		Query string `json:"query"`
	}
	if err := json.Unmarshal(raw, &objs); err == nil {
		out := make([]string, 0, len(objs))
		for _, o := range objs {
			if o.Query != "" {
				out = append(out, o.Query)
			}
		}
		if len(out) > 0 {
			return out
		}
		return nil
	}
	var strs []string
	if err := json.Unmarshal(raw, &strs); err == nil {
		return strs
	}
	return nil
}
