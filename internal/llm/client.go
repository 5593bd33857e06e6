package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/search"
)

// DefaultMaxIterations caps how many content chunks one generation may emit.
const DefaultMaxIterations = 150

// Params are per-request generation knobs.
type Params struct {
	Model         string
	Temperature   float64
	TopP          float64
	TopK          int
	MaxTokens     int
	MaxIterations int
	Timeout       time.Duration
}

func (p Params) withDefaults(c *Client) Params {
	if p.Model == "" {
		p.Model = c.model
	}
	if p.Temperature == 0 {
		p.Temperature = 0.7
	}
	if p.TopP == 0 {
		p.TopP = 0.9
	}
	if p.TopK == 0 {
		p.TopK = 40
	}
	if p.MaxTokens <= 0 {
		p.MaxTokens = c.maxTokens
	}
	if p.MaxIterations <= 0 {
		p.MaxIterations = DefaultMaxIterations
	}
	if p.Timeout <= 0 {
		p.Timeout = c.timeout
	}
	return p
}

type generateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Options generateOptions `json:"options"`
}

type generateOptions struct {
	NumPredict  int      `json:"num_predict"`
	Temperature float64  `json:"temperature"`
	TopP        float64  `json:"top_p"`
	TopK        int      `json:"top_k"`
	Stop        []string `json:"stop,omitempty"`
}

type generateFrame struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Client talks to a local Ollama server.
type Client struct {
	baseURL   string
	model     string
	timeout   time.Duration
	maxTokens int
	logger    *log.Logger

	// httpClient has no global timeout; streaming calls are bounded by a
	// per-call context deadline instead.
	httpClient *http.Client
}

func NewClient(cfg config.OllamaConfig) *Client {
	return &Client{
		baseURL:    strings.TrimRight(cfg.URL, "/"),
		model:      cfg.Model,
		timeout:    cfg.Timeout,
		maxTokens:  cfg.MaxTokens,
		logger:     log.New(log.Writer(), "[LLM] ", log.LstdFlags),
		httpClient: &http.Client{},
	}
}

// Model returns the configured default model name.
func (c *Client) Model() string { return c.model }

// ListModels returns the model names the backend reports on /api/tags.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("ollama tags endpoint returned status %d", resp.StatusCode)
	}
	var out struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing tags response: %w", err)
	}
	names := make([]string, 0, len(out.Models))
	for _, m := range out.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// GenerateStream streams an answer for the query grounded on the search
// results. The returned channel is one-shot: it always carries at least one
// fragment, is always finite, and is closed when generation ends for any
// reason (sentinel, backend done, iteration cap, transport failure). The
// sentinel never appears in the emitted text.
func (c *Client) GenerateStream(ctx context.Context, query string, res *search.Result, p Params) <-chan string {
	p = p.withDefaults(c)
	// One slot of buffer so the guaranteed final fragment (fallback answer)
	// can be delivered even when the deadline has just expired.
	ch := make(chan string, 1)
	go func() {
		defer close(ch)
		c.stream(ctx, query, res, p, ch)
	}()
	return ch
}

func (c *Client) stream(ctx context.Context, query string, res *search.Result, p Params, ch chan<- string) {
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	send := func(s string) bool {
		if s == "" {
			return true
		}
		select {
		case ch <- s:
			return true
		case <-ctx.Done():
			return false
		}
	}

	d := newDetector(p.MaxIterations)

	body, _ := json.Marshal(generateRequest{
		Model:  p.Model,
		Prompt: BuildPrompt(query, res),
		Stream: true,
		Options: generateOptions{
			NumPredict:  p.MaxTokens,
			Temperature: p.Temperature,
			TopP:        p.TopP,
			TopK:        p.TopK,
			Stop:        []string{"<|im_end|>", "<|endoftext|>"},
		},
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		send(FallbackAnswer(query))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Printf("generate request failed: %v", err)
		send(FallbackAnswer(query))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Printf("generate returned status %d for model %s", resp.StatusCode, p.Model)
		send(FallbackAnswer(query))
		return
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var frame generateFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			// Malformed frames are skipped, not fatal.
			continue
		}
		if frame.Done {
			break
		}
		if frame.Response == "" {
			continue
		}
		emit, stop := d.feed(frame.Response)
		if !send(emit) {
			return
		}
		if stop {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		// Transport failure mid-stream degrades to the epilogue below.
		c.logger.Printf("generate stream interrupted: %v", err)
	}

	if !send(d.finish()) {
		return
	}
	if !d.sawContent() {
		send(FallbackAnswer(query))
	}
}

// Generate is the non-streaming variant: one shot, short budget, and a
// fallback answer whenever the backend fails or returns nothing usable.
func (c *Client) Generate(ctx context.Context, query string, res *search.Result, p Params) string {
	p = p.withDefaults(c)
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	body, _ := json.Marshal(generateRequest{
		Model:  p.Model,
		Prompt: BuildPrompt(query, res),
		Stream: false,
		Options: generateOptions{
			NumPredict:  1024,
			Temperature: p.Temperature,
			TopP:        p.TopP,
			TopK:        p.TopK,
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return FallbackAnswer(query)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Printf("generate request failed: %v", err)
		return FallbackAnswer(query)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Printf("generate returned status %d for model %s", resp.StatusCode, p.Model)
		return FallbackAnswer(query)
	}

	var out struct {
		Response string `json:"response"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FallbackAnswer(query)
	}
	answer := strings.TrimSuffix(strings.TrimSpace(out.Response), Sentinel)
	answer = strings.TrimSpace(answer)
	if len(answer) < 10 {
		return FallbackAnswer(query)
	}
	return answer
}
