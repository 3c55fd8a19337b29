package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/brojonat/tokensend/service/db"
	"github.com/brojonat/tokensend/service/metrics"
	"github.com/brojonat/tokensend/service/solana"
	"github.com/brojonat/tokensend/service/transfer"
)

// TransferService is the wallet session and transfer flow the server exposes.
type TransferService interface {
	Connect(ctx context.Context) error
	Disconnect()
	FetchBalance(ctx context.Context) (*solana.TokenAmount, error)
	Send(ctx context.Context) (*transfer.Result, error)
	State() transfer.State
	Config() transfer.Config
}

// TransferStore reads transfer history.
type TransferStore interface {
	ListTransfers(ctx context.Context, params db.ListTransfersParams) ([]*db.Transfer, error)
	GetTransfer(ctx context.Context, id string) (*db.Transfer, error)
}

// Server represents the HTTP server for the transfer page and API.
type Server struct {
	addr           string
	allowedOrigins []string
	svc            TransferService
	store          TransferStore
	renderer       *TemplateRenderer
	metrics        *metrics.Metrics
	logger         *slog.Logger
	writeTimeout   time.Duration
	server         *http.Server
}

// New creates a new HTTP server with the given dependencies.
// The store is optional - if nil, transfer history endpoints won't be available.
// The metrics is optional - if nil, the metrics endpoint won't be available.
func New(addr string, svc TransferService, store TransferStore, m *metrics.Metrics, logger *slog.Logger) *Server {
	return &Server{
		addr:         addr,
		svc:          svc,
		store:        store,
		metrics:      m,
		logger:       logger,
		writeTimeout: 2 * time.Minute,
	}
}

// WithTemplates adds the HTML page using embedded templates.
func (s *Server) WithTemplates() error {
	renderer, err := NewTemplateRenderer(s.logger)
	if err != nil {
		return fmt.Errorf("failed to initialize templates: %w", err)
	}
	s.renderer = renderer
	s.logger.Info("HTML templates loaded from embedded files")
	return nil
}

// WithWriteTimeout sets the HTTP write timeout. A send holds its request
// open until confirmation, so this must exceed the confirmation timeout.
func (s *Server) WithWriteTimeout(d time.Duration) *Server {
	if d > 0 {
		s.writeTimeout = d
	}
	return s
}

// WithAllowedOrigins lets browser pages served from these origins call the
// API. Any other cross-site request that changes state is refused.
func (s *Server) WithAllowedOrigins(origins []string) *Server {
	s.allowedOrigins = origins
	return s
}

func (s *Server) instrument(name string, h http.Handler) http.Handler {
	return metrics.HTTPMetricsMiddleware(s.metrics, name)(h)
}

// Handler builds the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Wallet session and transfer routes
	mux.Handle("GET /api/v1/state", s.instrument("/api/v1/state", handleGetState(s.svc)))
	mux.Handle("POST /api/v1/wallet/connect", s.instrument("/api/v1/wallet/connect", handleConnect(s.svc, s.logger)))
	mux.Handle("POST /api/v1/wallet/disconnect", s.instrument("/api/v1/wallet/disconnect", handleDisconnect(s.svc, s.logger)))
	mux.Handle("POST /api/v1/balance/refresh", s.instrument("/api/v1/balance/refresh", handleRefreshBalance(s.svc, s.logger)))
	mux.Handle("POST /api/v1/transfers", s.instrument("/api/v1/transfers", handleSendTransfer(s.svc, s.logger)))
	mux.Handle("GET /api/v1/payment-request", s.instrument("/api/v1/payment-request", handlePaymentRequest(s.svc, s.logger)))

	// Transfer history (if a store is configured)
	if s.store != nil {
		mux.Handle("GET /api/v1/transfers", s.instrument("/api/v1/transfers", handleListTransfers(s.store, s.logger)))
		mux.Handle("GET /api/v1/transfers/{id}", s.instrument("/api/v1/transfers/{id}", handleGetTransfer(s.store, s.logger)))
	} else {
		s.logger.Warn("transfer store not configured, history endpoints disabled")
	}

	// HTML page and form actions (if template renderer is configured)
	if s.renderer != nil {
		mux.Handle("GET /{$}", s.instrument("/", handleIndexPage(s.renderer, s.svc)))
		mux.Handle("POST /connect", s.instrument("/connect", handleConnectForm(s.svc, s.logger)))
		mux.Handle("POST /disconnect", s.instrument("/disconnect", handleDisconnectForm(s.svc, s.logger)))
		mux.Handle("POST /send", s.instrument("/send", handleSendForm(s.svc, s.logger)))
	}

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Prometheus metrics endpoint (if metrics collector is configured)
	if s.metrics != nil {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return corsMiddleware(s.allowedOrigins, s.crossOriginProtection().Handler(mux))
}

// crossOriginProtection refuses unsafe requests a browser marks as coming
// from another site. The server signs with the wallet key on every send, so a
// form post or fetch from any page the user visits must not reach it.
// Requests without browser headers, such as the CLI client, pass.
func (s *Server) crossOriginProtection() *http.CrossOriginProtection {
	cop := http.NewCrossOriginProtection()
	for _, origin := range s.allowedOrigins {
		if err := cop.AddTrustedOrigin(origin); err != nil {
			s.logger.Warn("ignoring invalid allowed origin", "origin", origin, "error", err)
		}
	}
	cop.SetDenyHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.WarnContext(r.Context(), "rejected cross-origin request",
			"method", r.Method,
			"path", r.URL.Path,
			"origin", r.Header.Get("Origin"),
			"sec_fetch_site", r.Header.Get("Sec-Fetch-Site"),
		)
		writeError(w, "cross-origin request rejected", http.StatusForbidden)
	}))
	return cop
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: s.writeTimeout,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("starting HTTP server", "addr", s.addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server failed: %w", err)
	}

	return nil
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// corsMiddleware answers preflight requests and grants CORS only to the
// allowed origins.
func corsMiddleware(allowedOrigins []string, next http.Handler) http.Handler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = true
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Add("Vary", "Origin")
		if origin := r.Header.Get("Origin"); allowed[origin] {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Max-Age", "3600")
		}

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
