package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/mohammad-safakhou/seeker/config"
	"github.com/mohammad-safakhou/seeker/internal/search"
)

// ndjsonServer streams the given fragments as Ollama generate frames,
// optionally followed by a done frame.
func ndjsonServer(t *testing.T, fragments []string, done bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var req map[string]any
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("bad request body: %v", err)
		}
		if req["stream"] != true {
			t.Errorf("expected stream=true")
		}
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		for _, f := range fragments {
			enc.Encode(map[string]any{"response": f, "done": false})
			flusher.Flush()
		}
		if done {
			enc.Encode(map[string]any{"response": "", "done": true})
			flusher.Flush()
		}
	}))
}

func testClient(url string) *Client {
	return NewClient(config.OllamaConfig{URL: url, Model: "llama3:8b", Timeout: 5 * time.Second, MaxTokens: 2048})
}

func collect(ch <-chan string) (fragments []string, total string) {
	var b strings.Builder
	for f := range ch {
		fragments = append(fragments, f)
		b.WriteString(f)
	}
	return fragments, b.String()
}

func TestGenerateStreamSentinelSplit(t *testing.T) {
	srv := ndjsonServer(t, []string{"The capital is Par", "is." + Sentinel[:6], Sentinel[6:]}, false)
	defer srv.Close()

	ch := testClient(srv.URL).GenerateStream(context.Background(), "capital of France", search.Empty(), Params{})
	fragments, total := collect(ch)
	if total != "The capital is Paris." {
		t.Fatalf("got %q", total)
	}
	if len(fragments) == 0 {
		t.Fatalf("stream must never be empty")
	}
	for _, f := range fragments {
		if strings.Contains(f, Sentinel) {
			t.Fatalf("sentinel leaked: %q", f)
		}
	}
}

func TestGenerateStreamBackendDoneWithoutSentinel(t *testing.T) {
	srv := ndjsonServer(t, []string{"Partial answer that just stops here without any signal. "}, true)
	defer srv.Close()

	_, total := collect(testClient(srv.URL).GenerateStream(context.Background(), "q", search.Empty(), Params{}))
	if !strings.HasPrefix(total, "Partial answer") {
		t.Fatalf("content lost: %q", total)
	}
	if !strings.HasSuffix(total, closingSentence) {
		t.Fatalf("expected closing sentence appended, got %q", total)
	}
}

func TestGenerateStreamIterationCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		enc := json.NewEncoder(w)
		// A backend that never signals done and never emits the sentinel.
		for i := 0; ; i++ {
			if err := enc.Encode(map[string]any{"response": fmt.Sprintf("chunk number %d of an endless answer. ", i), "done": false}); err != nil {
				return
			}
			flusher.Flush()
			if i > 50 {
				return
			}
		}
	}))
	defer srv.Close()

	fragments, total := collect(testClient(srv.URL).GenerateStream(context.Background(), "q", search.Empty(), Params{MaxIterations: 3}))
	// Three content emissions plus the final tail+closing emission.
	if len(fragments) != 4 {
		t.Fatalf("expected 4 fragments, got %d: %q", len(fragments), fragments)
	}
	if !strings.HasSuffix(total, closingSentence) {
		t.Fatalf("expected closing sentence, got %q", total)
	}
	if !strings.HasPrefix(total, "chunk number 0") {
		t.Fatalf("unexpected content: %q", total)
	}
}

func TestGenerateStreamSkipsMalformedFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("this is not json\n"))
		json.NewEncoder(w).Encode(map[string]any{"response": "Valid content after a bad frame." + Sentinel, "done": false})
	}))
	defer srv.Close()

	_, total := collect(testClient(srv.URL).GenerateStream(context.Background(), "q", search.Empty(), Params{}))
	if total != "Valid content after a bad frame." {
		t.Fatalf("got %q", total)
	}
}

func TestGenerateStreamEmptyResponseFallsBack(t *testing.T) {
	srv := ndjsonServer(t, nil, true)
	defer srv.Close()

	fragments, total := collect(testClient(srv.URL).GenerateStream(context.Background(), "moon phases", search.Empty(), Params{}))
	if len(fragments) != 1 {
		t.Fatalf("expected exactly the fallback fragment, got %q", fragments)
	}
	if total != FallbackAnswer("moon phases") {
		t.Fatalf("got %q", total)
	}
}

func TestGenerateStreamWhitespaceOnlyFallsBack(t *testing.T) {
	srv := ndjsonServer(t, []string{"   ", "\n\n"}, true)
	defer srv.Close()

	_, total := collect(testClient(srv.URL).GenerateStream(context.Background(), "q", search.Empty(), Params{}))
	if !strings.HasSuffix(total, FallbackAnswer("q")) {
		t.Fatalf("expected fallback for whitespace-only stream, got %q", total)
	}
}

func TestGenerateStreamServerErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, total := collect(testClient(srv.URL).GenerateStream(context.Background(), "q", search.Empty(), Params{}))
	if total != FallbackAnswer("q") {
		t.Fatalf("got %q", total)
	}
}

func TestGenerateStreamUnreachableFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, total := collect(testClient(srv.URL).GenerateStream(context.Background(), "q", search.Empty(), Params{}))
	if total != FallbackAnswer("q") {
		t.Fatalf("got %q", total)
	}
}

func TestGenerateNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]any
		json.NewDecoder(r.Body).Decode(&req)
		if req["stream"] != false {
			t.Errorf("expected stream=false")
		}
		json.NewEncoder(w).Encode(map[string]any{"response": "Paris is the capital of France. " + Sentinel, "done": true})
	}))
	defer srv.Close()

	got := testClient(srv.URL).Generate(context.Background(), "q", search.Empty(), Params{})
	if got != "Paris is the capital of France." {
		t.Fatalf("got %q", got)
	}
}

func TestGenerateShortAnswerFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"response": " ok ", "done": true})
	}))
	defer srv.Close()

	got := testClient(srv.URL).Generate(context.Background(), "q", search.Empty(), Params{})
	if got != FallbackAnswer("q") {
		t.Fatalf("got %q", got)
	}
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"models": []map[string]any{{"name": "llama3:8b"}, {"name": "mistral"}}})
	}))
	defer srv.Close()

	models, err := testClient(srv.URL).ListModels(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(models) != 2 || models[0] != "llama3:8b" {
		t.Fatalf("unexpected models: %v", models)
	}
}
