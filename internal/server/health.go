package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

var healthTracer = otel.Tracer("seeker/server/health")

const probeTimeout = 5 * time.Second

type serviceHealth struct {
	Status    string `json:"status"`
	Detail    string `json:"detail"`
	LatencyMS int64  `json:"latency_ms"`
}

type healthResponse struct {
	Status    string                   `json:"status"`
	Services  map[string]serviceHealth `json:"services"`
	Timestamp string                   `json:"timestamp"`
}

// health probes the LLM and search backends under a short timeout each and
// reports the worst of the sub-statuses.
func (s *Server) health(c echo.Context) error {
	requestID := uuid.NewString()
	s.logger.Printf("[%s] health check requested", requestID)

	ctx, span := healthTracer.Start(c.Request().Context(), "Server.health")
	defer span.End()
	span.SetAttributes(attribute.String("request_id", requestID))
	services := map[string]serviceHealth{}
	overall := "healthy"
	degrade := func(to string) {
		if to == "unhealthy" || overall == "healthy" {
			overall = to
		}
	}

	services["ollama"] = s.probeOllama(ctx, degrade)
	services["search_api"] = s.probeSearch(ctx, degrade)
	services["cache"] = serviceHealth{
		Status: "healthy",
		Detail: fmt.Sprintf("%d items in cache", s.cache.Len(ctx)),
	}

	s.logger.Printf("[%s] health check completed with status: %s", requestID, overall)
	return c.JSON(http.StatusOK, healthResponse{
		Status:    overall,
		Services:  services,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) probeOllama(ctx context.Context, degrade func(string)) serviceHealth {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	start := time.Now()
	models, err := s.llm.ListModels(ctx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		degrade("unhealthy")
		return serviceHealth{Status: "unhealthy", Detail: "Error: " + err.Error(), LatencyMS: latency}
	}
	model := s.llm.Model()
	for _, m := range models {
		if m == model {
			return serviceHealth{Status: "healthy", Detail: fmt.Sprintf("Model %s found", model), LatencyMS: latency}
		}
	}
	degrade("degraded")
	return serviceHealth{Status: "degraded", Detail: fmt.Sprintf("Model %s not found", model), LatencyMS: latency}
}

func (s *Server) probeSearch(ctx context.Context, degrade func(string)) serviceHealth {
	start := time.Now()
	_, err := s.searcher.Search(ctx, "test", probeTimeout)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		degrade("unhealthy")
		return serviceHealth{Status: "unhealthy", Detail: "Error: " + err.Error(), LatencyMS: latency}
	}
	return serviceHealth{Status: "healthy", Detail: "Search API is responsive", LatencyMS: latency}
}
