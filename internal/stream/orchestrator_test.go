package stream

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/llm"
	"github.com/mohammad-safakhou/seeker/internal/search"
	"github.com/mohammad-safakhou/seeker/internal/session"
	"github.com/mohammad-safakhou/seeker/internal/telemetry"
)

type searchFunc func(ctx context.Context, query string, timeout time.Duration) (*search.Result, error)

func (f searchFunc) Search(ctx context.Context, query string, timeout time.Duration) (*search.Result, error) {
	return f(ctx, query, timeout)
}

type stubGenerator struct {
	chunks []string
}

func (g *stubGenerator) GenerateStream(_ context.Context, _ string, _ *search.Result, _ llm.Params) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		for _, c := range g.chunks {
			ch <- c
		}
	}()
	return ch
}

func oneResult() *search.Result {
	res := search.Empty()
	res.Organic = append(res.Organic, search.Organic{
		Title:   "Paris - Wikipedia",
		Link:    "https://en.wikipedia.org/wiki/Paris",
		Snippet: "Paris is the capital of France.",
	})
	return res
}

func newTestOrchestrator(s Searcher, g Generator, cache session.Cache) (*Orchestrator, *session.Registry) {
	tel := telemetry.New(config.TelemetryConfig{Enabled: true}, prometheus.NewRegistry())
	reg := session.NewRegistry()
	return New(s, g, reg, cache, tel, Options{SearchTimeout: time.Second}), reg
}

func run(t *testing.T, o *Orchestrator, sess *session.Session) ([]Envelope, error) {
	t.Helper()
	var got []Envelope
	err := o.Run(context.Background(), sess, func(e Envelope) error {
		got = append(got, e)
		return nil
	})
	return got, err
}

func steps(envs []Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		if step, ok := e.Metadata["step"].(string); ok {
			out = append(out, e.Type+":"+step)
		} else {
			out = append(out, e.Type)
		}
	}
	return out
}

func TestRunEnvelopeOrder(t *testing.T) {
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		return oneResult(), nil
	})
	gen := &stubGenerator{chunks: []string{"The capital is Paris."}}
	o, _ := newTestOrchestrator(searcher, gen, nil)

	envs, err := run(t, o, &session.Session{
		RequestID: "r1",
		SessionID: "s1",
		Query:     "capital of France",
		Params:    session.Params{MaxSearchResults: 5},
	})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}

	want := []string{
		"status:init",
		"status:search_start",
		"status:search_complete",
		"search_result",
		"status:generation_start",
		"answer_chunk:generation_chunk",
		"status:generation_complete",
		"status:complete",
	}
	got := steps(envs)
	if len(got) != len(want) {
		t.Fatalf("envelope sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envelope %d = %q, want %q (full: %v)", i, got[i], want[i], got)
		}
	}

	chunk := envs[5]
	if chunk.Data != "The capital is Paris." {
		t.Fatalf("unexpected answer chunk: %v", chunk.Data)
	}
	if chunk.RequestID != "r1" || chunk.SessionID != "s1" {
		t.Fatalf("envelope ids not propagated: %+v", chunk)
	}
	done := envs[6]
	if done.Metadata["chunk_count"] != 1 || done.Metadata["is_complete"] != true {
		t.Fatalf("unexpected generation_complete metadata: %v", done.Metadata)
	}
}

func TestRunSearchFailureProceedsWithEmptyResults(t *testing.T) {
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		return nil, &search.TimeoutError{Timeout: time.Second, Err: context.DeadlineExceeded}
	})
	gen := &stubGenerator{chunks: []string{"Best effort answer."}}
	o, _ := newTestOrchestrator(searcher, gen, nil)

	envs, err := run(t, o, &session.Session{RequestID: "r1", Query: "q"})
	if err != nil {
		t.Fatalf("search failure must not fail the request: %v", err)
	}

	got := steps(envs)
	want := []string{
		"status:init",
		"status:search_start",
		"error:search_error",
		"status:generation_start",
		"answer_chunk:generation_chunk",
		"status:generation_complete",
		"status:complete",
	}
	if len(got) != len(want) {
		t.Fatalf("envelope sequence %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("envelope %d = %q, want %q", i, got[i], want[i])
		}
	}
	if envs[2].Metadata["error_type"] != "TimeoutError" {
		t.Fatalf("expected TimeoutError kind, got %v", envs[2].Metadata["error_type"])
	}
}

func TestRunDisconnectBeforeGenerationStopsPipeline(t *testing.T) {
	var reg *session.Registry
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		// The client goes away while the search is in flight.
		reg.MarkDisconnected("r1")
		return oneResult(), nil
	})
	gen := &stubGenerator{chunks: []string{"never delivered"}}
	o, r := newTestOrchestrator(searcher, gen, nil)
	reg = r

	envs, err := run(t, o, &session.Session{RequestID: "r1", Query: "q"})
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("expected ErrClientGone, got %v", err)
	}
	for _, e := range envs {
		if e.Type == TypeAnswerChunk {
			t.Fatalf("no answer chunks may be emitted after disconnect: %v", steps(envs))
		}
		if step, _ := e.Metadata["step"].(string); step == "complete" {
			t.Fatalf("no terminal status after disconnect: %v", steps(envs))
		}
	}
	if reg.Len() != 0 {
		t.Fatalf("session must be deregistered on abandonment")
	}
}

func TestRunCacheHitSkipsSearcher(t *testing.T) {
	calls := 0
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		calls++
		return oneResult(), nil
	})
	cache := session.NewMemoryCache(time.Hour)
	cache.Put(context.Background(), "capital of France", oneResult())
	gen := &stubGenerator{chunks: []string{"Paris."}}
	o, _ := newTestOrchestrator(searcher, gen, cache)

	envs, err := run(t, o, &session.Session{RequestID: "r1", Query: "capital of France", Params: session.Params{MaxSearchResults: 5}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if calls != 0 {
		t.Fatalf("cache hit must not reach the searcher, got %d calls", calls)
	}
	found := false
	for _, e := range envs {
		if e.Type == TypeSearchResult {
			found = true
		}
	}
	if !found {
		t.Fatalf("cached results must still be streamed: %v", steps(envs))
	}
}

func TestRunCachePopulatedAfterLiveSearch(t *testing.T) {
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		return oneResult(), nil
	})
	cache := session.NewMemoryCache(time.Hour)
	gen := &stubGenerator{chunks: []string{"Paris."}}
	o, _ := newTestOrchestrator(searcher, gen, cache)

	if _, err := run(t, o, &session.Session{RequestID: "r1", Query: "capital of France"}); err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	if _, ok := cache.Get(context.Background(), "capital of france"); !ok {
		t.Fatalf("live search result must be cached")
	}
}

func TestRunCapsSearchResultEnvelopes(t *testing.T) {
	res := search.Empty()
	for i := 0; i < 5; i++ {
		res.Organic = append(res.Organic, search.Organic{Title: "t", Link: "l", Snippet: "s"})
	}
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		return res, nil
	})
	gen := &stubGenerator{chunks: []string{"a"}}
	o, _ := newTestOrchestrator(searcher, gen, nil)

	envs, err := run(t, o, &session.Session{RequestID: "r1", Query: "q", Params: session.Params{MaxSearchResults: 2}})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	count := 0
	for _, e := range envs {
		if e.Type == TypeSearchResult {
			count++
			if e.Metadata["total"] != 2 {
				t.Fatalf("expected total=2, got %v", e.Metadata["total"])
			}
		}
	}
	if count != 2 {
		t.Fatalf("expected 2 search_result envelopes, got %d", count)
	}
}

func TestRunEmptyGeneratorEmitsFallbackChunk(t *testing.T) {
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		return oneResult(), nil
	})
	o, _ := newTestOrchestrator(searcher, &stubGenerator{}, nil)

	envs, err := run(t, o, &session.Session{RequestID: "r1", Query: "q"})
	if err != nil {
		t.Fatalf("Run returned error: %v", err)
	}
	var fallback *Envelope
	for i := range envs {
		if envs[i].Type == TypeAnswerChunk {
			fallback = &envs[i]
		}
	}
	if fallback == nil {
		t.Fatalf("client must always receive at least one answer chunk: %v", steps(envs))
	}
	if fallback.Metadata["step"] != "fallback" {
		t.Fatalf("expected fallback step, got %v", fallback.Metadata)
	}
	if s, _ := fallback.Data.(string); !strings.Contains(s, "q") {
		t.Fatalf("fallback answer should reference the query: %v", fallback.Data)
	}
}

func TestRunEmitFailureReturnsClientGone(t *testing.T) {
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		return oneResult(), nil
	})
	gen := &stubGenerator{chunks: []string{"a"}}
	o, _ := newTestOrchestrator(searcher, gen, nil)

	fail := errors.New("broken pipe")
	err := o.Run(context.Background(), &session.Session{RequestID: "r1", Query: "q"}, func(Envelope) error {
		return fail
	})
	if !errors.Is(err, ErrClientGone) {
		t.Fatalf("expected ErrClientGone on write failure, got %v", err)
	}
}

func TestRunRecoversFromPanicWithErrorEnvelope(t *testing.T) {
	searcher := searchFunc(func(_ context.Context, _ string, _ time.Duration) (*search.Result, error) {
		panic("boom")
	})
	gen := &stubGenerator{chunks: []string{"a"}}
	o, reg := newTestOrchestrator(searcher, gen, nil)

	envs, err := run(t, o, &session.Session{RequestID: "r1", Query: "q"})
	if err != nil {
		t.Fatalf("panic must be converted, not propagated: %v", err)
	}
	last := envs[len(envs)-1]
	if last.Type != TypeError || last.Metadata["step"] != "fatal_error" {
		t.Fatalf("expected trailing fatal_error envelope, got %v", steps(envs))
	}
	if reg.Len() != 0 {
		t.Fatalf("session must be deregistered after a panic")
	}
}
