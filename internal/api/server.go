package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/kirillm/trade-pilot/internal/domain"
	"github.com/kirillm/trade-pilot/internal/execution"
	"github.com/kirillm/trade-pilot/internal/grid"
	"github.com/kirillm/trade-pilot/internal/pnl"
	"github.com/kirillm/trade-pilot/internal/position"
	"github.com/kirillm/trade-pilot/internal/risk"
	"github.com/kirillm/trade-pilot/internal/state"
	"github.com/kirillm/trade-pilot/pkg/utils"
)

type Server struct {
	logger     *utils.Logger
	store      *state.Store
	governor   *risk.Governor
	grids      *grid.Engine
	positions  *position.Engine
	reports    *pnl.Engine
	killSwitch *execution.KillSwitch
	port       int
}

type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type OpenRequest struct {
	Symbol       string    `json:"symbol"`
	Horizon      string    `json:"horizon"`
	Side         string    `json:"side"`
	Qty          float64   `json:"qty"`
	StopLoss     float64   `json:"stop_loss"`
	TakeProfit   []float64 `json:"take_profit"`
	Confidence   float64   `json:"confidence"`
}

type CloseRequest struct {
	Key    string `json:"key"` // "SYMBOL:horizon"
	Reason string `json:"reason"`
}

type GridRequest struct {
	Symbol    string `json:"symbol"`
	Liquidate bool   `json:"liquidate,omitempty"`
}

type EmergencyRequest struct {
	Enabled bool   `json:"enabled"`
	Reason  string `json:"reason"`
}

func NewServer(
	logger *utils.Logger,
	store *state.Store,
	governor *risk.Governor,
	grids *grid.Engine,
	positions *position.Engine,
	reports *pnl.Engine,
	killSwitch *execution.KillSwitch,
	port int,
) *Server {
	return &Server{
		logger:     logger,
		store:      store,
		governor:   governor,
		grids:      grids,
		positions:  positions,
		reports:    reports,
		killSwitch: killSwitch,
		port:       port,
	}
}

func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/positions", s.handlePositions)
	mux.HandleFunc("/grids", s.handleGrids)
	mux.HandleFunc("/risk", s.handleRisk)
	mux.HandleFunc("/pnl", s.handlePnL)
	mux.HandleFunc("/position/open", s.handleOpen)
	mux.HandleFunc("/position/close", s.handleClose)
	mux.HandleFunc("/grid/start", s.handleGridStart)
	mux.HandleFunc("/grid/stop", s.handleGridStop)
	mux.HandleFunc("/sweep", s.handleSweep)
	mux.HandleFunc("/emergency", s.handleEmergency)

	addr := fmt.Sprintf(":%d", s.port)
	s.logger.Info("Starting HTTP server on %s", addr)

	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return server.ListenAndServe()
}

// handleHealth - health check endpoint
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

// handleStatus - combined controller snapshot
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	meta := s.store.Meta()
	status := map[string]interface{}{
		"risk":           s.governor.Decision(),
		"emergency_stop": meta.EmergencyStop,
		"last_decision":  meta.LastDecision,
		"positions":      len(s.store.Positions()),
		"grids":          len(s.store.Grids()),
		"timestamp":      time.Now().Unix(),
	}

	s.sendSuccess(w, status)
}

// handlePositions - read-only snapshot of tracked positions
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"positions": s.store.Positions(),
		"timestamp": time.Now().Unix(),
	})
}

// handleGrids - read-only snapshot of grids
func (s *Server) handleGrids(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"grids":     s.store.Grids(),
		"timestamp": time.Now().Unix(),
	})
}

// handleRisk - current risk decision
func (s *Server) handleRisk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.sendSuccess(w, s.governor.Decision())
}

// handlePnL - on-demand reconciliation report; ?start=RFC3339 (default 24h)
func (s *Server) handlePnL(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	start := time.Now().Add(-24 * time.Hour)
	if raw := r.URL.Query().Get("start"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			s.sendError(w, "Invalid start time, expected RFC3339", http.StatusBadRequest)
			return
		}
		start = parsed
	}

	report, err := s.reports.Window(r.Context(), start)
	if err != nil {
		s.sendError(w, fmt.Sprintf("Failed to build PnL report: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, report)
}

// handleOpen - manually open a position
func (s *Server) handleOpen(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		s.sendError(w, "Symbol is required", http.StatusBadRequest)
		return
	}
	if req.Qty <= 0 {
		s.sendError(w, "Qty must be positive", http.StatusBadRequest)
		return
	}
	if req.Horizon == "" {
		req.Horizon = "swing"
	}
	if req.Side == "" {
		req.Side = domain.SideBuy
	}
	if req.Confidence == 0 {
		req.Confidence = 1
	}

	signal := &domain.Signal{
		Symbol:       req.Symbol,
		Horizon:      req.Horizon,
		Side:         req.Side,
		Confidence:   req.Confidence,
		SuggestedQty: req.Qty,
		StopLoss:     req.StopLoss,
		TakeProfit:   req.TakeProfit,
	}
	if err := s.positions.Open(r.Context(), signal); err != nil {
		s.sendError(w, fmt.Sprintf("Open failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"message":   "Position opened",
		"symbol":    req.Symbol,
		"horizon":   req.Horizon,
		"timestamp": time.Now().Unix(),
	})
}

// handleClose - manually close a tracked position
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Key == "" {
		s.sendError(w, "Key is required", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := s.positions.Close(r.Context(), req.Key, req.Reason); err != nil {
		s.sendError(w, fmt.Sprintf("Close failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"message":   "Position closed",
		"key":       req.Key,
		"timestamp": time.Now().Unix(),
	})
}

// handleGridStart - start a grid for a symbol
func (s *Server) handleGridStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		s.sendError(w, "Symbol is required", http.StatusBadRequest)
		return
	}

	gridState, err := s.grids.Start(r.Context(), req.Symbol)
	if err != nil {
		s.sendError(w, fmt.Sprintf("Grid start failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"message":   "Grid started",
		"grid":      gridState,
		"timestamp": time.Now().Unix(),
	})
}

// handleGridStop - stop a grid, optionally liquidating accumulated base
func (s *Server) handleGridStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GridRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Symbol == "" {
		s.sendError(w, "Symbol is required", http.StatusBadRequest)
		return
	}

	if err := s.grids.Stop(r.Context(), req.Symbol, req.Liquidate); err != nil {
		s.sendError(w, fmt.Sprintf("Grid stop failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"message":   "Grid stopped",
		"symbol":    req.Symbol,
		"timestamp": time.Now().Unix(),
	})
}

// handleSweep - sell unused non-stable balances into the home asset
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	swept, err := s.positions.SweepUnused(r.Context())
	if err != nil {
		s.sendError(w, fmt.Sprintf("Sweep failed: %v", err), http.StatusInternalServerError)
		return
	}

	s.sendSuccess(w, map[string]interface{}{
		"message":   "Sweep complete",
		"swept":     swept,
		"timestamp": time.Now().Unix(),
	})
}

// handleEmergency - toggle the emergency stop
func (s *Server) handleEmergency(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.sendError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req EmergencyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Reason == "" {
		req.Reason = "manual via API"
	}

	if req.Enabled {
		s.killSwitch.Activate(req.Reason)
	} else {
		s.killSwitch.Deactivate()
	}
	if err := s.store.UpdateMeta(func(m *domain.PayloadMeta) {
		m.EmergencyStop = req.Enabled
	}); err != nil {
		s.sendError(w, fmt.Sprintf("Failed to persist emergency flag: %v", err), http.StatusInternalServerError)
		return
	}

	s.logger.Warn("Emergency stop set to %v (%s)", req.Enabled, req.Reason)
	s.sendSuccess(w, map[string]interface{}{
		"message":        "Emergency stop updated",
		"emergency_stop": req.Enabled,
		"timestamp":      time.Now().Unix(),
	})
}

// Helper methods
func (s *Server) sendSuccess(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(Response{
		Success: true,
		Data:    data,
	})
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(Response{
		Success: false,
		Error:   message,
	})
}
