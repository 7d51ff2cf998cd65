package app

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/thushan/porter/internal/core/domain"
	"github.com/thushan/porter/internal/logger"
	"github.com/thushan/porter/internal/reqctx"
	"github.com/thushan/porter/internal/router"
	"github.com/thushan/porter/internal/version"
)

const (
	headerRequestID   = "X-Request-Id"
	headerTimeoutMs   = "X-Request-Timeout-Ms"
	headerElapsedMs   = "X-Request-Elapsed-Ms"
	headerRemainingMs = "X-Request-Remaining-Ms"
	headerEndpoint    = "X-Porter-Endpoint"
	headerPool        = "X-Porter-Pool"
)

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	timeout := s.requestTimeout(timeoutChat)

	rc := reqctx.New(r.Context(), r.Header.Get(headerRequestID), timeout)
	defer rc.Release()
	s.registry.Track(rc)
	defer s.registry.Untrack(rc.ID)

	w.Header().Set(headerRequestID, rc.ID)

	model, req, err := parseChatRequest(r)
	if err != nil {
		s.writeError(w, rc, timeout.Milliseconds(), &domain.GatewayError{
			Code: "invalid_request", Type: "invalid_request_error",
			Message: err.Error(), HTTPStatus: http.StatusBadRequest,
			RequestID: rc.ID, Err: err,
		})
		return
	}

	log := s.logger.WithRequestID(rc.ID)
	log.Debug("Dispatching chat completion", "model", model, "stream", req.Stream)

	result, err := s.router.Execute(rc, model, req)
	if err != nil {
		s.setTimingHeaders(w, rc, timeout)
		s.writeError(w, rc, timeout.Milliseconds(), err)
		return
	}

	w.Header().Set(headerEndpoint, result.EndpointID)
	w.Header().Set(headerPool, result.PoolID)

	if result.Stream != nil {
		s.writeStream(w, rc, result, log)
		return
	}

	s.setTimingHeaders(w, rc, timeout)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(result.Response); err != nil {
		log.Warn("Failed to write response", "error", err)
	}
}

// writeStream relays chunks as SSE. A mid-stream failure ends the stream
// without a terminator; the client sees the connection close early.
func (s *Server) writeStream(w http.ResponseWriter, rc *reqctx.RequestContext, result *router.Result, log *logger.StyledLogger) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, rc, 0, fmt.Errorf("streaming unsupported by connection"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for chunk := range result.Stream {
		if chunk.Err != nil {
			log.WarnWithEndpoint("Stream ended with upstream error", result.EndpointID, "error", chunk.Err)
			return
		}
		payload, err := json.Marshal(chunk)
		if err != nil {
			log.Warn("Failed to encode stream chunk", "error", err)
			continue
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			// client went away; cancel so the upstream read stops too
			rc.Cancel(fmt.Errorf("client disconnected: %w", err))
			return
		}
		flusher.Flush()
	}

	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	timeout := s.requestTimeout(timeoutModels)
	rc := reqctx.New(r.Context(), r.Header.Get(headerRequestID), timeout)
	defer rc.Release()

	w.Header().Set(headerRequestID, rc.ID)

	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	type modelList struct {
		Object string       `json:"object"`
		Data   []modelEntry `json:"data"`
	}

	now := time.Now().Unix()
	list := modelList{Object: "list", Data: []modelEntry{}}
	for _, route := range s.pools.Routes() {
		list.Data = append(list.Data, modelEntry{
			ID: route.Name, Object: "model", Created: now, OwnedBy: "porter",
		})
	}

	s.setTimingHeaders(w, rc, timeout)
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(list); err != nil {
		s.logger.Warn("Failed to write models response", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	type poolSummary struct {
		Status       string  `json:"status"`
		Score        float64 `json:"score"`
		HealthyCount int     `json:"healthy_count"`
		TotalCount   int     `json:"total_count"`
	}
	type healthBody struct {
		Status         string                 `json:"status"`
		Version        string                 `json:"version"`
		Pools          map[string]poolSummary `json:"pools"`
		ActiveRequests int                    `json:"active_requests"`
	}

	body := healthBody{
		Status:         "healthy",
		Version:        version.Version,
		Pools:          make(map[string]poolSummary),
		ActiveRequests: s.registry.ActiveCount(),
	}

	anyRoutable := false
	anyDegraded := false
	for _, poolID := range s.pools.PoolIDs() {
		ph, ok := s.pools.PoolHealth(poolID)
		if !ok {
			continue
		}
		body.Pools[poolID] = poolSummary{
			Status:       string(ph.Status),
			Score:        ph.Score,
			HealthyCount: ph.HealthyCount,
			TotalCount:   ph.TotalCount,
		}
		if ph.Status.Routable() {
			anyRoutable = true
		}
		if ph.Status != domain.PoolHealthy {
			anyDegraded = true
		}
	}

	status := http.StatusOK
	switch {
	case len(body.Pools) > 0 && !anyRoutable:
		body.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	case anyDegraded:
		body.Status = "degraded"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write health response", "error", err)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type endpointStatus struct {
		State               string        `json:"state"`
		TripCount           int           `json:"trip_count"`
		NextAttemptAt       *time.Time    `json:"next_attempt_at,omitempty"`
		TotalRequests       int64         `json:"total_requests"`
		FailedRequests      int64         `json:"failed_requests"`
		ErrorRatePct        float64       `json:"error_rate_pct"`
		EMAResponseTime     time.Duration `json:"ema_response_time_ns"`
		ConsecutiveFailures int64         `json:"consecutive_failures"`
		InFlight            int64         `json:"in_flight"`
	}
	type statusBody struct {
		Version        string                    `json:"version"`
		Endpoints      map[string]endpointStatus `json:"endpoints"`
		ActiveRequests int                       `json:"active_requests"`
	}

	body := statusBody{
		Version:        version.Version,
		Endpoints:      make(map[string]endpointStatus),
		ActiveRequests: s.registry.ActiveCount(),
	}

	for _, id := range s.pools.EndpointIDs() {
		es := endpointStatus{InFlight: s.router.InFlight(id)}
		if snap, ok := s.health.BreakerSnapshot(id); ok {
			es.State = string(snap.State)
			es.TripCount = snap.TripCount
			if !snap.NextAttemptAt.IsZero() {
				at := snap.NextAttemptAt
				es.NextAttemptAt = &at
			}
		}
		if m, ok := s.health.Metrics(id); ok {
			es.TotalRequests = m.TotalRequests
			es.FailedRequests = m.FailedRequests
			es.ErrorRatePct = m.ErrorRatePct
			es.EMAResponseTime = m.EMAResponseTime
			es.ConsecutiveFailures = m.ConsecutiveFailures
		}
		body.Endpoints[id] = es
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("Failed to write status response", "error", err)
	}
}

// setTimingHeaders surfaces the deadline arithmetic when configured.
func (s *Server) setTimingHeaders(w http.ResponseWriter, rc *reqctx.RequestContext, timeout time.Duration) {
	if !s.cfg.RequestTimeouts.ExposeHeaders {
		return
	}
	w.Header().Set(headerTimeoutMs, strconv.FormatInt(timeout.Milliseconds(), 10))
	w.Header().Set(headerElapsedMs, strconv.FormatInt(rc.Elapsed().Milliseconds(), 10))
	w.Header().Set(headerRemainingMs, strconv.FormatInt(rc.Remaining().Milliseconds(), 10))
}
