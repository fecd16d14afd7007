package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/helmsmanai/helmsman/internal/domain"
	"github.com/helmsmanai/helmsman/internal/events"
	"github.com/helmsmanai/helmsman/internal/session"
)

// reasoningTailLimit bounds how much of the reasoning log the detail
// endpoint returns.
const reasoningTailLimit = 50

type createSessionRequest struct {
	Market      string `json:"market"`
	Code        string `json:"code"`
	DisplayName string `json:"display_name,omitempty"`
}

// handleCreateSession starts a new analysis session.
func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, domain.E(domain.KindValidation, "", "invalid request body: %v", err))
		return
	}

	inst := domain.Instrument{Market: domain.MarketType(req.Market), Code: req.Code}
	sess, err := s.orch.Analyze(r.Context(), inst, req.DisplayName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sess)
}

// handleListSessions lists sessions, optionally filtered by status.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	status := domain.SessionStatus(r.URL.Query().Get("status"))
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, domain.E(domain.KindValidation, "", "invalid limit %q", v))
			return
		}
		limit = n
	}

	sessions := s.registry.List(status, limit)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// handleGetSession returns one session with its latest pipeline state.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	sess, ok := s.registry.Get(id)
	if !ok {
		s.writeError(w, domain.E(domain.KindValidation, "", "unknown session %s", id))
		return
	}

	resp := map[string]interface{}{"session": sess}
	if state, err := s.orch.State(r.Context(), id); err == nil && state != nil {
		resp["stage"] = state.Stage
		resp["analyses"] = state.Analyses
		resp["reasoning_log"] = state.ReasoningTail(reasoningTailLimit)
		if state.TradeProposal != nil {
			resp["proposal"] = state.TradeProposal
		}
		if state.ExecutionStatus != "" {
			resp["execution_status"] = state.ExecutionStatus
			resp["execution_result"] = state.ExecutionResult
		}
		if len(state.Errors) > 0 {
			resp["errors"] = state.Errors
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleApproval applies the human decision to an interrupted session.
func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var decision session.Decision
	if err := json.NewDecoder(r.Body).Decode(&decision); err != nil {
		s.writeError(w, domain.E(domain.KindValidation, "", "invalid request body: %v", err))
		return
	}

	sess, err := s.orch.Decide(r.Context(), id, decision)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, sess)
}

// handleCancel cancels a running or interrupted session.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.orch.Cancel(id); err != nil {
		s.writeError(w, err)
		return
	}
	sess, _ := s.registry.Get(id)
	s.writeJSON(w, http.StatusOK, sess)
}

// handleHealth reports process and database health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	code := http.StatusOK
	if s.db != nil {
		if err := s.db.QuickCheck(r.Context()); err != nil {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, code, map[string]interface{}{
		"status":  status,
		"service": "helmsman",
	})
}

// handleSystem reports resource usage, admission state and cache statistics.
func (s *Server) handleSystem(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"active_slots":    s.registry.ActiveSlots(),
		"max_slots":       s.cfg.MaxConcurrentAnalyses,
		"active_sessions": len(s.registry.List(domain.SessionRunning, 0)),
	}

	// 100ms sample keeps the endpoint responsive for dashboard polling.
	if cpuPct, err := cpu.Percent(100*time.Millisecond, false); err == nil && len(cpuPct) > 0 {
		resp["cpu_pct"] = cpuPct[0]
	}
	if memStat, err := mem.VirtualMemory(); err == nil {
		resp["mem_pct"] = memStat.UsedPercent
	}

	if s.cache != nil {
		resp["cache"] = s.cache.Stats()
	}
	if s.db != nil {
		if stats, err := s.db.GetStats(); err == nil {
			resp["database"] = stats
		}
	}
	if s.calendar != nil {
		now := time.Now()
		resp["market"] = map[string]interface{}{
			"trading_day":      s.calendar.IsTradingDay(now),
			"next_trading_day": s.calendar.NextTradingDay(now).Format("2006-01-02"),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleEventStream streams bus events as server-sent events until the
// client disconnects.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Buffered so a slow client drops events instead of blocking publishers.
	ch := make(chan *events.Event, 64)
	forward := func(e *events.Event) {
		select {
		case ch <- e:
		default:
		}
	}
	types := []events.EventType{
		events.SessionRegistered, events.SessionInterrupted, events.SessionResumed,
		events.SessionCompleted, events.SessionFailed, events.SessionCancelled,
		events.OrderSubmitted, events.ErrorOccurred,
	}
	subs := make([]events.Subscription, 0, len(types))
	for _, t := range types {
		subs = append(subs, s.bus.Subscribe(t, forward))
	}
	defer func() {
		for _, sub := range subs {
			s.bus.Unsubscribe(sub)
		}
	}()

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case e := <-ch:
			payload, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, payload)
			flusher.Flush()
		}
	}
}

// writeJSON writes a JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("failed to encode JSON response")
	}
}

// writeError maps a domain error onto an HTTP status.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindAuth:
		status = http.StatusUnauthorized
	case domain.KindRateLimit:
		status = http.StatusTooManyRequests
	case domain.KindNetwork:
		status = http.StatusBadGateway
	}

	var de *domain.Error
	body := map[string]interface{}{"error": err.Error()}
	if errors.As(err, &de) && de.Code != "" {
		body["code"] = de.Code
	}
	s.writeJSON(w, status, body)
}
