package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/seeker/internal/llm"
	"github.com/mohammad-safakhou/seeker/internal/search"
)

type answerResponse struct {
	Answer      string `json:"answer"`
	RequestID   string `json:"request_id"`
	SearchQuery string `json:"search_query"`
	Timestamp   string `json:"timestamp"`
	Status      string `json:"status"`
}

// answer is the non-streaming variant of /unified: one search, one blocking
// generation, one JSON response. Search failures degrade to an empty result
// set just like the streaming path.
func (s *Server) answer(c echo.Context) error {
	var req unifiedRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request: "+err.Error())
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "Query parameter is required")
	}
	req.applyDefaults()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := c.Request().Context()
	s.logger.Printf("[%s] answer endpoint called with query: %s", requestID, req.Query)

	res, ok := s.cache.Get(ctx, req.Query)
	if !ok {
		var err error
		res, err = s.searcher.Search(ctx, req.Query, s.searchTimeout())
		if err != nil {
			s.logger.Printf("[%s] search failed: %v", requestID, err)
			res = search.Empty()
		} else {
			s.cache.Put(ctx, req.Query, res)
		}
	}

	answer := s.llm.Generate(ctx, req.Query, res, llm.Params{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		TopK:        req.TopK,
		MaxTokens:   req.MaxTokens,
		Timeout:     time.Duration(req.Timeout * float64(time.Second)),
	})

	return c.JSON(http.StatusOK, answerResponse{
		Answer:      answer,
		RequestID:   requestID,
		SearchQuery: req.Query,
		Timestamp:   time.Now().UTC().Format(time.RFC3339),
		Status:      "success",
	})
}
