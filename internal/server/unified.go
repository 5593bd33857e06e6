package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/seeker/internal/session"
	"github.com/mohammad-safakhou/seeker/internal/stream"
)

var unifiedTracer = otel.Tracer("seeker/server/unified")

// unifiedRequest carries the query plus optional generation knobs. GET
// requests bind from query parameters, POST from the JSON body.
type unifiedRequest struct {
	Query            string  `json:"query" query:"query"`
	RequestID        string  `json:"request_id" query:"request_id"`
	SessionID        string  `json:"session_id" query:"session_id"`
	Model            string  `json:"model" query:"model"`
	Language         string  `json:"language" query:"language"`
	MaxSearchResults int     `json:"max_search_results" query:"max_search_results"`
	Temperature      float64 `json:"temperature" query:"temperature"`
	MaxTokens        int     `json:"max_tokens" query:"max_tokens"`
	TopP             float64 `json:"top_p" query:"top_p"`
	TopK             int     `json:"top_k" query:"top_k"`
	Timeout          float64 `json:"timeout" query:"timeout"` // seconds
}

func (r *unifiedRequest) applyDefaults() {
	if r.Language == "" {
		r.Language = "en"
	}
	if r.MaxSearchResults <= 0 {
		r.MaxSearchResults = 5
	}
	if r.Temperature <= 0 {
		r.Temperature = 0.7
	}
	if r.MaxTokens <= 0 {
		r.MaxTokens = 2048
	}
	if r.TopP <= 0 {
		r.TopP = 0.9
	}
	if r.TopK <= 0 {
		r.TopK = 40
	}
	if r.Timeout <= 0 {
		r.Timeout = 180
	}
}

// unified serves GET and POST /unified: search, stream results, stream the
// generated answer, all on one SSE connection terminated by [DONE].
func (s *Server) unified(c echo.Context) error {
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
	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = requestID
	}

	httpReq := c.Request()
	ctx, span := unifiedTracer.Start(httpReq.Context(), "Server.unified")
	defer span.End()
	span.SetAttributes(
		attribute.String("request_id", requestID),
		attribute.String("query", req.Query),
	)
	c.SetRequest(httpReq.WithContext(ctx))

	s.logger.Printf("[%s] unified endpoint called with query: %s", requestID, req.Query)

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.Header().Set("X-Accel-Buffering", "no")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		span.SetStatus(codes.Error, "streaming unsupported")
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	sess := &session.Session{
		RequestID: requestID,
		SessionID: sessionID,
		Query:     req.Query,
		Params: session.Params{
			Model:            req.Model,
			Language:         req.Language,
			MaxSearchResults: req.MaxSearchResults,
			Temperature:      req.Temperature,
			MaxTokens:        req.MaxTokens,
			TopP:             req.TopP,
			TopK:             req.TopK,
			Timeout:          time.Duration(req.Timeout * float64(time.Second)),
		},
	}

	// The request context closes when the client hangs up; flag the session
	// so the orchestrator abandons the pipeline at its next yield point.
	go func() {
		<-ctx.Done()
		s.registry.MarkDisconnected(requestID)
	}()

	emit := func(e stream.Envelope) error {
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := s.orch.Run(ctx, sess, emit); err != nil {
		// Client gone: there is no one left to deliver the marker to.
		span.SetStatus(codes.Error, err.Error())
		return nil
	}
	if _, err := resp.Write([]byte("data: " + stream.DoneMarker + "\n\n")); err == nil {
		flusher.Flush()
	}
	return nil
}
