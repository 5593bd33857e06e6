package stream

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/mohammad-safakhou/seeker/internal/llm"
	"github.com/mohammad-safakhou/seeker/internal/search"
	"github.com/mohammad-safakhou/seeker/internal/session"
	"github.com/mohammad-safakhou/seeker/internal/telemetry"
)

// ErrClientGone is returned when the client disconnected (or the transport
// write failed) mid-stream. The caller must not write the terminal marker.
var ErrClientGone = errors.New("client disconnected")

// Searcher is the search phase dependency.
type Searcher interface {
	Search(ctx context.Context, query string, timeout time.Duration) (*search.Result, error)
}

// Generator is the answer synthesis dependency.
type Generator interface {
	GenerateStream(ctx context.Context, query string, res *search.Result, p llm.Params) <-chan string
}

// Options tune the orchestrator's timing. The zero value disables pacing;
// production wiring should start from DefaultOptions.
type Options struct {
	SearchTimeout time.Duration
	ResultDelay   time.Duration
	ChunkDelay    time.Duration
}

func DefaultOptions() Options {
	return Options{
		SearchTimeout: 30 * time.Second,
		ResultDelay:   50 * time.Millisecond,
		ChunkDelay:    10 * time.Millisecond,
	}
}

// Orchestrator drives one unified request end-to-end: search, result
// streaming, answer generation, completion. It owns the envelope ordering;
// the transport layer only serializes what it is handed.
type Orchestrator struct {
	searcher  Searcher
	generator Generator
	registry  *session.Registry
	cache     session.Cache
	telemetry *telemetry.Telemetry
	opts      Options
	logger    *log.Logger
}

func New(searcher Searcher, generator Generator, registry *session.Registry, cache session.Cache, tel *telemetry.Telemetry, opts Options) *Orchestrator {
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = 30 * time.Second
	}
	return &Orchestrator{
		searcher:  searcher,
		generator: generator,
		registry:  registry,
		cache:     cache,
		telemetry: tel,
		opts:      opts,
		logger:    log.New(log.Writer(), "[STREAM] ", log.LstdFlags),
	}
}

// Run executes the pipeline for sess, calling emit for every envelope in
// order. It returns nil when the caller should append the terminal marker
// and ErrClientGone when the client is no longer listening. Any panic in
// the pipeline is converted into a best-effort error envelope.
func (o *Orchestrator) Run(ctx context.Context, sess *session.Session, emit func(Envelope) error) (err error) {
	start := time.Now()
	fragments := 0
	o.registry.Register(sess)
	o.telemetry.StreamStarted()
	defer func() {
		o.registry.Deregister(sess.RequestID)
		outcome := "completed"
		if r := recover(); r != nil {
			o.logger.Printf("[%s] pipeline panic: %v", sess.RequestID, r)
			outcome = "failed"
			func() {
				defer func() { _ = recover() }()
				_ = emit(newEnvelope(sess.RequestID, sess.SessionID, TypeError,
					fmt.Sprintf("Unhandled error: %v", r),
					map[string]any{"step": "fatal_error"}))
			}()
			err = nil
		} else if err != nil {
			outcome = "abandoned"
		}
		o.telemetry.StreamFinished(outcome, time.Since(start), fragments)
	}()

	send := func(typ string, data any, meta map[string]any) error {
		if e := emit(newEnvelope(sess.RequestID, sess.SessionID, typ, data, meta)); e != nil {
			o.registry.MarkDisconnected(sess.RequestID)
			return ErrClientGone
		}
		return nil
	}
	gone := func() bool { return o.registry.Disconnected(sess.RequestID) }

	if err := send(TypeStatus, "Processing query", map[string]any{"step": "init"}); err != nil {
		return err
	}

	// Search phase. Failure here is non-fatal: generation proceeds with an
	// empty result set.
	if err := send(TypeStatus, "Searching the web...", map[string]any{"step": "search_start"}); err != nil {
		return err
	}
	searchStart := time.Now()
	res, searchFailed := o.findResults(ctx, sess, send)
	if gone() {
		o.logger.Printf("[%s] client disconnected during search", sess.RequestID)
		return ErrClientGone
	}
	if !searchFailed {
		if err := send(TypeStatus, "Search completed", map[string]any{
			"step":         "search_complete",
			"time_taken":   time.Since(searchStart).Seconds(),
			"result_count": len(res.Organic),
		}); err != nil {
			return err
		}
		max := sess.Params.MaxSearchResults
		if max <= 0 || max > len(res.Organic) {
			max = len(res.Organic)
		}
		for idx := 0; idx < max; idx++ {
			if gone() {
				return ErrClientGone
			}
			if err := send(TypeSearchResult, res.Organic[idx], map[string]any{
				"position": idx + 1,
				"total":    max,
			}); err != nil {
				return err
			}
			o.pause(ctx, o.opts.ResultDelay)
		}
	}

	// Generation phase.
	if gone() {
		return ErrClientGone
	}
	if err := send(TypeStatus, "Generating answer...", map[string]any{"step": "generation_start"}); err != nil {
		return err
	}
	genStart := time.Now()
	p := llm.Params{
		Model:       sess.Params.Model,
		Temperature: sess.Params.Temperature,
		TopP:        sess.Params.TopP,
		TopK:        sess.Params.TopK,
		MaxTokens:   sess.Params.MaxTokens,
		Timeout:     sess.Params.Timeout,
	}
	totalTokens, chunkCount := 0, 0
	for chunk := range o.generator.GenerateStream(ctx, sess.Query, res, p) {
		if gone() {
			o.logger.Printf("[%s] client disconnected during generation", sess.RequestID)
			return ErrClientGone
		}
		if chunk == "" {
			continue
		}
		chunkCount++
		tokens := len(strings.Fields(chunk))
		totalTokens += tokens
		if err := send(TypeAnswerChunk, chunk, map[string]any{
			"step":     "generation_chunk",
			"chunk_id": chunkCount,
			"tokens":   tokens,
		}); err != nil {
			return err
		}
		fragments++
		o.pause(ctx, o.opts.ChunkDelay)
	}
	if chunkCount == 0 {
		// The generator guarantees at least one fragment, but a stubbed or
		// failing dependency must not leave the client without an answer.
		if err := send(TypeAnswerChunk, llm.FallbackAnswer(sess.Query), map[string]any{"step": "fallback"}); err != nil {
			return err
		}
		fragments++
	}
	if err := send(TypeStatus, "Generation completed successfully", map[string]any{
		"step":         "generation_complete",
		"time_taken":   time.Since(genStart).Seconds(),
		"total_tokens": totalTokens,
		"chunk_count":  chunkCount,
		"is_complete":  true,
	}); err != nil {
		return err
	}

	return send(TypeStatus, "Request completed", map[string]any{
		"step":       "complete",
		"total_time": time.Since(start).Seconds(),
	})
}

// findResults serves the search phase from the cache when possible, falling
// back to a live search. On live failure it emits one error envelope and
// substitutes an empty result set.
func (o *Orchestrator) findResults(ctx context.Context, sess *session.Session, send func(string, any, map[string]any) error) (*search.Result, bool) {
	if o.cache != nil {
		if res, ok := o.cache.Get(ctx, sess.Query); ok {
			o.telemetry.CacheHit()
			return res, false
		}
		o.telemetry.CacheMiss()
	}
	res, err := o.searcher.Search(ctx, sess.Query, o.opts.SearchTimeout)
	if err != nil {
		o.telemetry.SearchFailed()
		o.logger.Printf("[%s] search failed: %v", sess.RequestID, err)
		_ = send(TypeError, fmt.Sprintf("Search error: %v", err), map[string]any{
			"step":       "search_error",
			"error_type": searchErrorKind(err),
		})
		return search.Empty(), true
	}
	if o.cache != nil {
		o.cache.Put(ctx, sess.Query, res)
	}
	return res, false
}

func searchErrorKind(err error) string {
	var (
		authErr        *search.AuthError
		timeoutErr     *search.TimeoutError
		unavailableErr *search.UnavailableError
		upstreamErr    *search.UpstreamError
	)
	switch {
	case errors.As(err, &authErr):
		return "AuthError"
	case errors.As(err, &timeoutErr):
		return "TimeoutError"
	case errors.As(err, &unavailableErr):
		return "UnavailableError"
	case errors.As(err, &upstreamErr):
		return "UpstreamError"
	default:
		return "SearchError"
	}
}

func (o *Orchestrator) pause(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}
