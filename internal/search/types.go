package search

import (
	"encoding/json"
	"fmt"
	"time"
)

// Organic is one organic search hit. Fields Serper returns beyond the
// well-known ones are preserved opaquely in Extra and survive re-marshaling.
type Organic struct {
	Title   string
	Link    string
	Snippet string
	Extra   map[string]any
}

func (o *Organic) UnmarshalJSON(data []byte) error {
	raw := map[string]any{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	o.Title, _ = raw["title"].(string)
	o.Link, _ = raw["link"].(string)
	o.Snippet, _ = raw["snippet"].(string)
	delete(raw, "title")
	delete(raw, "link")
	delete(raw, "snippet")
	if len(raw) > 0 {
		o.Extra = raw
	}
	return nil
}

func (o Organic) MarshalJSON() ([]byte, error) {
	raw := make(map[string]any, len(o.Extra)+3)
	for k, v := range o.Extra {
		raw[k] = v
	}
	raw["title"] = o.Title
	raw["link"] = o.Link
	raw["snippet"] = o.Snippet
	return json.Marshal(raw)
}

// Result is the normalized search backend response. Organic is never nil.
type Result struct {
	Organic          []Organic      `json:"organic"`
	AnswerBox        map[string]any `json:"answerBox,omitempty"`
	KnowledgeGraph   map[string]any `json:"knowledgeGraph,omitempty"`
	RelatedSearches  []string       `json:"relatedSearches,omitempty"`
	SearchParameters map[string]any `json:"searchParameters,omitempty"`
}

// Empty returns a usable zero result for fallback paths.
func Empty() *Result {
	return &Result{Organic: []Organic{}}
}

// AuthError means the search backend rejected our credentials.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("search authentication failed (status %d): check the API key", e.Status)
}

// TimeoutError means the search request exceeded its deadline.
type TimeoutError struct {
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("search request timed out after %s", e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// UnavailableError means we could not reach the search backend at all.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("search backend unreachable: %v", e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// UpstreamError carries a non-2xx status (or parse failure) from the backend.
type UpstreamError struct {
	Status  int
	Message string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("search backend error (status %d): %s", e.Status, e.Message)
}
