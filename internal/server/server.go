package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"tradeFlowBot/internal/dispatch"
	"tradeFlowBot/internal/domain"
	"tradeFlowBot/internal/metrics"
	"tradeFlowBot/internal/ports"
)

// Config holds webhook server settings.
type Config struct {
	ListenAddr string
	Passphrase string // shared secret carried in every webhook payload
}

// Server receives alert webhooks, authenticates and validates them, and
// enqueues the resulting trade signals. Detailed outcomes are visible only
// through the lifecycle record stream; the webhook response is a bare
// accept/reject acknowledgment.
type Server struct {
	cfg        Config
	logger     ports.Logger
	dispatcher *dispatch.Dispatcher
	recorder   ports.TransactionRecorder
	httpServer *http.Server
}

// New creates the webhook server.
func New(cfg Config, logger ports.Logger, dispatcher *dispatch.Dispatcher, recorder ports.TransactionRecorder) (*Server, error) {
	if logger == nil || dispatcher == nil || recorder == nil {
		return nil, fmt.Errorf("missing required dependencies for Server")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("configuration ListenAddr must be set")
	}
	if cfg.Passphrase == "" {
		return nil, fmt.Errorf("configuration Passphrase must be set")
	}

	s := &Server{
		cfg:        cfg,
		logger:     logger,
		dispatcher: dispatcher,
		recorder:   recorder,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)
	mux.HandleFunc("GET /records", s.handleRecords)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Webhook server listening", map[string]interface{}{"addr": s.cfg.ListenAddr})
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("webhook server failed: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown: %w", err)
		}
		s.logger.Info(ctx, "Webhook server stopped")
		return nil
	}
}

// webhookPayload is the alert shape produced by the signal source.
type webhookPayload struct {
	Passphrase      string       `json:"passphrase"`
	Ticker          string       `json:"ticker"`
	Leverage        *json.Number `json:"leverage"`
	PercentOfEquity *json.Number `json:"percent_of_equity"`
	Strategy        struct {
		OrderID     string `json:"order_id"`
		OrderAction string `json:"order_action"`
	} `json:"strategy"`
	Bar *struct {
		OrderPrice json.Number `json:"order_price"`
	} `json:"bar"`
	TakeProfitPercent   *json.Number `json:"take_profit_percent"`
	StopLossPercent     *json.Number `json:"stop_loss_percent"`
	TrailingStopPercent *json.Number `json:"trailing_stop_percentage"`
}

type webhookResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var payload webhookPayload
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&payload); err != nil {
		s.logger.Warn(ctx, "Invalid webhook payload", map[string]interface{}{"error": err.Error()})
		s.replyWebhook(w, http.StatusUnprocessableEntity, "error", "Invalid input data.")
		return
	}

	if payload.Passphrase != s.cfg.Passphrase {
		s.logger.Warn(ctx, "Webhook passphrase mismatch", map[string]interface{}{"remote": r.RemoteAddr})
		s.replyWebhook(w, http.StatusUnauthorized, "error", "Invalid passphrase")
		return
	}

	sig, err := translateSignal(&payload)
	if err != nil {
		s.logger.Warn(ctx, "Webhook payload failed validation", map[string]interface{}{"error": err.Error()})
		s.replyWebhook(w, http.StatusUnprocessableEntity, "error", err.Error())
		return
	}

	if err := s.dispatcher.Submit(sig); err != nil {
		if errors.Is(err, dispatch.ErrQueueFull) {
			s.logger.Warn(ctx, "Dispatch queue full, rejecting signal", map[string]interface{}{"symbol": sig.Symbol})
			s.replyWebhook(w, http.StatusServiceUnavailable, "error", "Signal queue is full, retry later")
			return
		}
		s.logger.Error(ctx, err, "Failed to enqueue signal", map[string]interface{}{"symbol": sig.Symbol})
		s.replyWebhook(w, http.StatusInternalServerError, "error", "Internal server error")
		return
	}

	s.logger.Info(ctx, "Signal accepted", map[string]interface{}{"symbol": sig.Symbol, "action": sig.Action, "strategyID": sig.StrategyID})
	s.replyWebhook(w, http.StatusAccepted, "success", "Signal accepted")
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}

	var records []*domain.LifecycleRecord
	var err error
	if symbol := r.URL.Query().Get("symbol"); symbol != "" {
		records, err = s.recorder.FindBySymbol(ctx, symbol, limit)
	} else {
		records, err = s.recorder.FindRecent(ctx, limit)
	}
	if err != nil {
		s.logger.Error(ctx, err, "Failed to query lifecycle records")
		s.reply(w, http.StatusInternalServerError, "error", "Internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(records); err != nil {
		s.logger.Error(ctx, err, "Failed to encode lifecycle records")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// replyWebhook responds to /webhook and counts the response status; other
// endpoints use reply directly so they never inflate the webhook metric.
func (s *Server) replyWebhook(w http.ResponseWriter, status int, code, message string) {
	metrics.WebhookRequests.WithLabelValues(strconv.Itoa(status)).Inc()
	s.reply(w, status, code, message)
}

func (s *Server) reply(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(webhookResponse{Code: code, Message: message}); err != nil {
		s.logger.Error(context.Background(), err, "Failed to encode webhook response")
	}
}

// translateSignal converts the loosely-typed alert payload into a validated
// TradeSignal. The action is normalized (BUY/SELL open positions, EXIT and
// FLAT both close); all field-shape ambiguity is resolved here so the engine
// only ever sees well-typed signals.
func translateSignal(p *webhookPayload) (*domain.TradeSignal, error) {
	if p.Ticker == "" {
		return nil, fmt.Errorf("payload is missing ticker")
	}

	var action domain.SignalAction
	switch strings.ToUpper(p.Strategy.OrderAction) {
	case "BUY":
		action = domain.ActionEnterLong
	case "SELL":
		action = domain.ActionEnterShort
	case "EXIT", "FLAT":
		action = domain.ActionExit
	default:
		return nil, fmt.Errorf("invalid order_action %q", p.Strategy.OrderAction)
	}

	sig := &domain.TradeSignal{
		Symbol:     strings.ToUpper(p.Ticker),
		Action:     action,
		StrategyID: p.Strategy.OrderID,
	}

	if action.IsEntry() {
		if p.Leverage == nil || p.PercentOfEquity == nil || p.Bar == nil {
			return nil, fmt.Errorf("missing required fields for %s: leverage, percent_of_equity and bar are required", action)
		}
		leverage, err := strconv.Atoi(p.Leverage.String())
		if err != nil {
			return nil, fmt.Errorf("invalid leverage %q: %w", p.Leverage.String(), err)
		}
		sig.Leverage = leverage

		if sig.EquityPercent, err = decimal.NewFromString(p.PercentOfEquity.String()); err != nil {
			return nil, fmt.Errorf("invalid percent_of_equity %q: %w", p.PercentOfEquity.String(), err)
		}
		if sig.ReferencePrice, err = decimal.NewFromString(p.Bar.OrderPrice.String()); err != nil {
			return nil, fmt.Errorf("invalid order_price %q: %w", p.Bar.OrderPrice.String(), err)
		}

		if sig.TakeProfitPercent, err = optionalDecimal(p.TakeProfitPercent, "take_profit_percent"); err != nil {
			return nil, err
		}
		if sig.StopLossPercent, err = optionalDecimal(p.StopLossPercent, "stop_loss_percent"); err != nil {
			return nil, err
		}
		if sig.TrailingStopPercent, err = optionalDecimal(p.TrailingStopPercent, "trailing_stop_percentage"); err != nil {
			return nil, err
		}
	}

	if err := sig.Validate(); err != nil {
		return nil, err
	}
	return sig, nil
}

func optionalDecimal(n *json.Number, field string) (*decimal.Decimal, error) {
	if n == nil {
		return nil, nil
	}
	value, err := decimal.NewFromString(n.String())
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, n.String(), err)
	}
	return &value, nil
}
