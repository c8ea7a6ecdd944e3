// Package metrics provides Prometheus instrumentation for the wager engine.
package metrics

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/wager-engine/internal/events"
)

var (
	// BetsPlaced counts bets escrowed, partitioned by game type.
	BetsPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bets_placed_total",
		Help: "Total number of bets placed",
	}, []string{"game_type"})

	// BetsSettled counts settled bets by game type and winning side.
	BetsSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_bets_settled_total",
		Help: "Total number of bets settled",
	}, []string{"game_type", "winner"})

	// LamportsWagered tracks cumulative bettor stakes.
	LamportsWagered = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_lamports_wagered_total",
		Help: "Cumulative lamports wagered by bettors",
	}, []string{"game_type"})

	// LamportsPaidOut tracks cumulative settlement payouts.
	LamportsPaidOut = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_lamports_paid_out_total",
		Help: "Cumulative lamports paid to settlement winners",
	}, []string{"winner"})

	// LamportsDeposited tracks custody inflow.
	LamportsDeposited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_lamports_deposited_total",
		Help: "Cumulative lamports deposited into custody",
	})

	// LamportsWithdrawn tracks custody outflow.
	LamportsWithdrawn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wager_lamports_withdrawn_total",
		Help: "Cumulative lamports withdrawn from custody",
	})

	// ProfitShare tracks withdrawal fees by recipient.
	ProfitShare = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_profit_share_lamports_total",
		Help: "Cumulative profit share paid on withdrawals",
	}, []string{"recipient"})

	// OperationRejections counts refused requests by operation and error code.
	OperationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_operation_rejections_total",
		Help: "Requests rejected by the ledger",
	}, []string{"op", "code"})

	// OpenGames tracks the number of games currently open.
	OpenGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_open_games",
		Help: "Number of currently open games",
	})

	// PendingSettlements is the backlog last seen by the settlement keeper.
	PendingSettlements = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_pending_settlements",
		Help: "Fulfilled bets awaiting settlement",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "wager_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wager_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wager_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Subscribe feeds the ledger counters from committed events.
func Subscribe(bus *events.Bus) {
	bus.Subscribe(events.EventTypeBetPlaced, func(_ context.Context, e events.Event) {
		ev, ok := e.(events.BetEvent)
		if !ok {
			return
		}
		t := string(ev.Bet.Input.Type)
		BetsPlaced.WithLabelValues(t).Inc()
		LamportsWagered.WithLabelValues(t).Add(float64(ev.Bet.LockedBettorAmount))
	})
	bus.Subscribe(events.EventTypeBetSettled, func(_ context.Context, e events.Event) {
		ev, ok := e.(events.SettlementEvent)
		if !ok {
			return
		}
		winner := "host"
		if ev.BettorWins {
			winner = "bettor"
		}
		BetsSettled.WithLabelValues(string(ev.GameType), winner).Inc()
		LamportsPaidOut.WithLabelValues(winner).Add(float64(ev.Payout))
	})
	bus.Subscribe(events.EventTypeDeposited, func(_ context.Context, e events.Event) {
		if ev, ok := e.(events.AccountEvent); ok {
			LamportsDeposited.Add(float64(ev.Amount))
		}
	})
	bus.Subscribe(events.EventTypeWithdrawn, func(_ context.Context, e events.Event) {
		ev, ok := e.(events.WithdrawalEvent)
		if !ok {
			return
		}
		LamportsWithdrawn.Add(float64(ev.Amount))
		ProfitShare.WithLabelValues("operator").Add(float64(ev.OperatorAmount))
		ProfitShare.WithLabelValues("referral").Add(float64(ev.ReferralAmount))
	})
	bus.Subscribe(events.EventTypeGameOpened, func(context.Context, events.Event) { OpenGames.Inc() })
	bus.Subscribe(events.EventTypeGameClosed, func(context.Context, events.Event) { OpenGames.Dec() })
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		path := routePattern(r)
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern labels by chi route pattern so record addresses in the path
// do not explode label cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}
