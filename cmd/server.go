package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"i4.energy/across/phonecore/cellular"
	"i4.energy/across/phonecore/sys"
)

const defaultRequestTimeout = 30 * time.Second

// serverPortName prefixes the per-request bus ports.
const serverPortName = "HTTPServer"

// Server handles incoming HTTP requests. It reaches the services only
// through the bus and the system manager. Each request gets its own bus
// port, so a slow request does not hold up the others.
type Server struct {
	Logger   *slog.Logger
	Manager  *sys.Manager
	Bus      *sys.Bus
	Gatherer prometheus.Gatherer
	// RequestTimeout bounds each bus request; zero means 30s.
	RequestTimeout time.Duration

	ports atomic.Uint64
}

// Handler routes the server's endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("POST /sms", s.handleSMS)
	mux.HandleFunc("POST /ussd", s.handleUssd)
	mux.HandleFunc("PUT /power", s.handlePower)
	if s.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.Gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

func (s *Server) sendError(w http.ResponseWriter, message string, statusCode int) {
	if message == "" {
		w.WriteHeader(statusCode)
		return
	}

	type ErrorResponse struct {
		Message string `json:"message"`
	}
	s.sendJSON(w, ErrorResponse{Message: message}, statusCode)
}

func (s *Server) sendJSON(w http.ResponseWriter, v any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Warn("Failed to write response", "error", err)
	}
}

// call sends a request to the cellular service and returns its payload.
func (s *Server) call(ctx context.Context, payload any) (any, error) {
	timeout := s.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	port, err := sys.NewPort(s.Bus, fmt.Sprintf("%s-%d", serverPortName, s.ports.Add(1)), 0)
	if err != nil {
		return nil, err
	}
	defer port.Close()

	resp, err := port.Call(ctx, payload, cellular.ServiceName)
	if err != nil {
		return nil, err
	}
	if err := resp.AsError(); err != nil {
		return nil, err
	}
	return resp.Payload, nil
}

// handleStatus reports the power mode, every managed service and the
// cellular state when the cellular service answers.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	type StatusResponse struct {
		PowerMode     string              `json:"power_mode"`
		Services      []sys.ServiceStatus `json:"services"`
		Cellular      *cellular.Snapshot  `json:"cellular,omitempty"`
		CellularError string              `json:"cellular_error,omitempty"`
	}
	resp := StatusResponse{
		PowerMode: s.Manager.PowerMode().String(),
		Services:  s.Manager.Status(),
	}

	payload, err := s.call(r.Context(), cellular.GetStateRequest{})
	if snap, ok := payload.(cellular.Snapshot); ok {
		resp.Cellular = &snap
	} else if err != nil {
		resp.CellularError = err.Error()
	}
	s.sendJSON(w, resp, http.StatusOK)
}

// handleSMS processes incoming HTTP POST requests to send SMS messages
func (s *Server) handleSMS(w http.ResponseWriter, r *http.Request) {
	type SMSRequest struct {
		To      string `json:"to"`
		Message string `json:"message"`
	}

	var req SMSRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.To == "" || req.Message == "" {
		s.sendError(w, "both 'to' and 'message' fields are required", http.StatusBadRequest)
		return
	}

	payload, err := s.call(r.Context(), cellular.SendSMSRequest{Recipient: req.To, Text: req.Message})
	if err != nil {
		s.Logger.Error("Failed to send SMS", "error", err, "to", req.To)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	sent, _ := payload.(cellular.SMSSent)
	s.Logger.Info("SMS sent successfully", "to", req.To, "message_length", len(req.Message), "reference", sent.Reference)

	type SMSResponse struct {
		Reference int `json:"reference"`
	}
	s.sendJSON(w, SMSResponse{Reference: sent.Reference}, http.StatusOK)
}

// handleUssd starts a USSD session; the answer is published as a
// notification, not returned here.
func (s *Server) handleUssd(w http.ResponseWriter, r *http.Request) {
	type UssdRequest struct {
		Code string `json:"code"`
	}

	var req UssdRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Code == "" {
		s.sendError(w, "'code' is required", http.StatusBadRequest)
		return
	}

	if _, err := s.call(r.Context(), cellular.UssdRequest{Code: req.Code}); err != nil {
		s.Logger.Error("Failed to start USSD session", "error", err, "code", req.Code)
		s.sendError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handlePower switches every service to the requested power mode.
func (s *Server) handlePower(w http.ResponseWriter, r *http.Request) {
	type PowerRequest struct {
		Mode string `json:"mode"`
	}

	var req PowerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}
	mode, err := sys.ParsePowerMode(req.Mode)
	if err != nil {
		s.sendError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.Manager.SetPowerMode(r.Context(), mode); err != nil {
		s.Logger.Error("Failed to switch power mode", "error", err, "mode", mode)
		s.sendError(w, err.Error(), http.StatusConflict)
		return
	}
	s.Logger.Info("Power mode switched", "mode", mode)
	w.WriteHeader(http.StatusNoContent)
}
