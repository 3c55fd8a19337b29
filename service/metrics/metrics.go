package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal   *prometheus.CounterVec
	solanaRPCCallDuration *prometheus.HistogramVec

	// Transfer Metrics
	transfersTotal          *prometheus.CounterVec
	transferDuration        *prometheus.HistogramVec
	confirmationPollsTotal  *prometheus.CounterVec
	tokenBalance            *prometheus.GaugeVec
	nativeBalanceLamports   *prometheus.GaugeVec
	walletConnectionsActive prometheus.Gauge

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),

		transfersTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "token_transfers_total",
				Help: "Total number of token transfer attempts by outcome",
			},
			[]string{"mint", "status"},
		),
		transferDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "token_transfer_duration_seconds",
				Help:    "Time from submit to confirmation (or failure) in seconds",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 90},
			},
			[]string{"mint", "status"},
		),
		confirmationPollsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_confirmation_polls_total",
				Help: "Total number of signature status polls while awaiting confirmation",
			},
			[]string{"endpoint"},
		),
		tokenBalance: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_token_balance",
				Help: "Last observed token balance of the connected wallet, in token units",
			},
			[]string{"wallet_address", "mint"},
		),
		nativeBalanceLamports: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wallet_native_balance_lamports",
				Help: "Last observed native balance of the connected wallet, in lamports",
			},
			[]string{"wallet_address"},
		),
		walletConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "wallet_connected",
				Help: "1 if a wallet is connected, 0 otherwise",
			},
		),

		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "table", "status"},
		),

		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"handler", "method", "status_code"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status_code"},
		),

		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of messages published to NATS",
			},
			[]string{"subject_prefix", "status"},
		),
	}
}

// RecordRPCCall records a Solana RPC call.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordConfirmationPoll records one signature status poll.
func (m *Metrics) RecordConfirmationPoll(endpoint string) {
	m.confirmationPollsTotal.WithLabelValues(endpoint).Inc()
}

// RecordTransfer records the outcome of a transfer attempt.
// status is one of "confirmed", "failed", "rejected".
func (m *Metrics) RecordTransfer(mint, status string, duration float64) {
	m.transfersTotal.WithLabelValues(mint, status).Inc()
	m.transferDuration.WithLabelValues(mint, status).Observe(duration)
}

// SetTokenBalance records the last observed token balance.
func (m *Metrics) SetTokenBalance(walletAddress, mint string, balance float64) {
	m.tokenBalance.WithLabelValues(walletAddress, mint).Set(balance)
}

// SetNativeBalance records the last observed lamport balance.
func (m *Metrics) SetNativeBalance(walletAddress string, lamports uint64) {
	m.nativeBalanceLamports.WithLabelValues(walletAddress).Set(float64(lamports))
}

// SetWalletConnected flips the wallet connection gauge.
func (m *Metrics) SetWalletConnected(connected bool) {
	if connected {
		m.walletConnectionsActive.Set(1)
		return
	}
	m.walletConnectionsActive.Set(0)
}

// RecordDBQuery records a database query.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, table, status).Inc()
}

// RecordHTTPRequest records an HTTP request.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	code := strconv.Itoa(statusCode)
	m.httpRequestsTotal.WithLabelValues(handler, method, code).Inc()
	m.httpRequestDuration.WithLabelValues(handler, method, code).Observe(duration)
}

// RecordNATSPublish records a NATS publish attempt.
func (m *Metrics) RecordNATSPublish(subjectPrefix, status string) {
	m.natsMessagesPublished.WithLabelValues(subjectPrefix, status).Inc()
}
