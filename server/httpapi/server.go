// Package httpapi exposes the operator HTTP API: health, aggregate
// statistics, queue and listener introspection and per-subscriber lookups.
// Every route sits behind an API key and an optional allowed-hosts list.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/pkgwatch/herald/db"
	"github.com/pkgwatch/herald/logger"
)

// Store is the slice of the database the API reads from.
type Store interface {
	Ping(ctx context.Context) error
	GetMetricsStats(ctx context.Context) (*db.MetricsStats, error)
	GetSubscribedPackages(ctx context.Context, email string) ([]string, error)
	GetSubscriberEmailsForPackage(ctx context.Context, packageName string) ([]string, error)
	GetBounceStats(ctx context.Context, email string, limit int) ([]db.BounceStats, error)
}

// QueueStats reports mail queue depths. Implemented by mailqueue.Worker.
type QueueStats interface {
	GetStats() (pending, processing, failed int, err error)
}

// ConnectionCounts reports listener connection counters. Implemented by
// lmtp.Backend.
type ConnectionCounts interface {
	GetTotalConnections() int64
	GetActiveConnections() int64
}

// Server is the HTTP API server.
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        Store
	queue        QueueStats
	lmtp         ConnectionCounts
	server       *http.Server
}

// ServerOptions holds configuration options for the HTTP API server. Queue
// and LMTP are optional, the matching routes answer 404 when absent.
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Queue        QueueStats
	LMTP         ConnectionCounts
}

// New creates a new HTTP API server.
func New(store Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        store,
		queue:        options.Queue,
		lmtp:         options.LMTP,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled. Startup and serve
// errors are reported on errChan.
func Start(ctx context.Context, store Store, options ServerOptions, errChan chan error) {
	server, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	logger.Info("HTTP API: Server listening", "addr", options.Addr)
	if err := server.start(ctx); err != nil && err != http.ErrServerClosed && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	router := s.setupRoutes()

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: router,
	}

	go func() {
		<-ctx.Done()
		logger.Info("HTTP API: Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP API: Shutdown failed", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()

	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)
	router.Use(s.authMiddleware)

	v1 := router.PathPrefix("/api/v1").Subrouter()

	v1.HandleFunc("/health", s.handleHealth).Methods("GET")
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/queue", s.handleQueueStats).Methods("GET")
	v1.HandleFunc("/connections", s.handleConnections).Methods("GET")

	v1.HandleFunc("/subscribers/{email}", s.handleSubscriberInfo).Methods("GET")
	v1.HandleFunc("/subscribers/{email}/bounces", s.handleSubscriberBounces).Methods("GET")
	v1.HandleFunc("/packages/{package}/subscribers", s.handlePackageSubscribers).Methods("GET")

	// The same families the standalone metrics listener serves, here behind
	// the API key for operators without access to the scrape port.
	router.Path("/metrics").Handler(promhttp.Handler()).Methods("GET")

	return router
}

// Middleware functions

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API: Request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := getClientIP(r)

		allowed := false
		for _, allowedHost := range s.allowedHosts {
			if allowedHost == clientIP {
				allowed = true
				break
			}
			if strings.Contains(allowedHost, "/") {
				if _, cidr, err := net.ParseCIDR(allowedHost); err == nil {
					if ip := net.ParseIP(clientIP); ip != nil && cidr.Contains(ip) {
						allowed = true
						break
					}
				}
			}
		}

		if !allowed {
			logger.Warn("HTTP API: Request from disallowed host", "ip", clientIP)
			s.writeError(w, http.StatusForbidden, "Host not allowed")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || strings.ToLower(parts[0]) != "bearer" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(parts[1]), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Utility functions

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ips := strings.Split(xff, ",")
		return strings.TrimSpace(ips[0])
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, _ := net.SplitHostPort(r.RemoteAddr)
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("HTTP API: Failed to encode JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// Handler functions

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		logger.Error("HTTP API: Database health check failed", "error", err)
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status":   "degraded",
			"database": err.Error(),
		})
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":   "ok",
		"database": "ok",
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats, err := s.store.GetMetricsStats(ctx)
	if err != nil {
		logger.Error("HTTP API: Failed to read database stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read statistics")
		return
	}

	response := map[string]interface{}{
		"generated_at": stats.Timestamp,
		"database": map[string]int64{
			"packages":              stats.TotalPackages,
			"subscribers":           stats.TotalSubscribers,
			"active_subscriptions":  stats.ActiveSubscriptions,
			"teams":                 stats.TotalTeams,
			"news_items":            stats.TotalNews,
			"pending_confirmations": stats.PendingConfirmations,
		},
	}

	if s.queue != nil {
		pending, processing, failed, err := s.queue.GetStats()
		if err != nil {
			logger.Error("HTTP API: Failed to read queue stats", "error", err)
		} else {
			response["queue"] = map[string]int{
				"pending":    pending,
				"processing": processing,
				"failed":     failed,
			}
		}
	}

	if s.lmtp != nil {
		response["lmtp"] = map[string]int64{
			"total_connections":  s.lmtp.GetTotalConnections(),
			"active_connections": s.lmtp.GetActiveConnections(),
		}
	}

	if families, err := prometheus.DefaultGatherer.Gather(); err != nil {
		logger.Error("HTTP API: Failed to gather metrics", "error", err)
	} else if pipeline := pipelineTotals(families); len(pipeline) > 0 {
		response["pipeline"] = pipeline
	}

	s.writeJSON(w, http.StatusOK, response)
}

// pipelineTotals extracts the processed-message counters from gathered
// metric families, grouped by service and result.
func pipelineTotals(families []*dto.MetricFamily) map[string]map[string]float64 {
	totals := make(map[string]map[string]float64)
	for _, family := range families {
		if family.GetName() != "herald_messages_processed_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			var service, result string
			for _, label := range metric.GetLabel() {
				switch label.GetName() {
				case "service":
					service = label.GetValue()
				case "result":
					result = label.GetValue()
				}
			}
			if service == "" {
				continue
			}
			if totals[service] == nil {
				totals[service] = make(map[string]float64)
			}
			totals[service][result] = metric.GetCounter().GetValue()
		}
	}
	return totals
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, http.StatusNotFound, "Mail queue not available")
		return
	}

	pending, processing, failed, err := s.queue.GetStats()
	if err != nil {
		logger.Error("HTTP API: Failed to read queue stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read queue stats")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int{
		"pending":    pending,
		"processing": processing,
		"failed":     failed,
	})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if s.lmtp == nil {
		s.writeError(w, http.StatusNotFound, "LMTP listener not available")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]int64{
		"total_connections":  s.lmtp.GetTotalConnections(),
		"active_connections": s.lmtp.GetActiveConnections(),
	})
}

func (s *Server) handleSubscriberInfo(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	ctx := r.Context()

	packages, err := s.store.GetSubscribedPackages(ctx, email)
	if err != nil {
		logger.Error("HTTP API: Failed to read subscriptions", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read subscriptions")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"email":    email,
		"packages": packages,
		"total":    len(packages),
	})
}

func (s *Server) handleSubscriberBounces(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	ctx := r.Context()

	limit := 30
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			s.writeError(w, http.StatusBadRequest, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	rows, err := s.store.GetBounceStats(ctx, email, limit)
	if err != nil {
		logger.Error("HTTP API: Failed to read bounce stats", "email", email, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read bounce stats")
		return
	}

	type bounceDay struct {
		Date         string `json:"date"`
		MailsSent    int    `json:"mails_sent"`
		MailsBounced int    `json:"mails_bounced"`
	}
	days := make([]bounceDay, 0, len(rows))
	for _, row := range rows {
		days = append(days, bounceDay{
			Date:         row.Date.Format("2006-01-02"),
			MailsSent:    row.MailsSent,
			MailsBounced: row.MailsBounced,
		})
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"email": email,
		"days":  days,
		"total": len(days),
	})
}

func (s *Server) handlePackageSubscribers(w http.ResponseWriter, r *http.Request) {
	packageName := mux.Vars(r)["package"]
	ctx := r.Context()

	emails, err := s.store.GetSubscriberEmailsForPackage(ctx, packageName)
	if err != nil {
		logger.Error("HTTP API: Failed to read package subscribers", "package", packageName, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to read package subscribers")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"package":     packageName,
		"subscribers": emails,
		"total":       len(emails),
	})
}
